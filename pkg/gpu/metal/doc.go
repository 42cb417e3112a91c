// Package metal would drive Apple's Metal compute API on darwin. No
// buildable Metal source lives in this tree: Metal requires Objective-C
// bridging that isn't exercised by this module's test suite, and
// gpu.DefaultBackendTrialOrder falls back to softgpu on darwin when
// this package is absent from the build.
package metal
