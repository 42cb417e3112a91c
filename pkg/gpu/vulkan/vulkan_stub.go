//go:build !vulkan

// Package vulkan provides the Vulkan compute gpu.Backend, used as a
// cross-platform fallback ahead of softgpu on non-Apple platforms. This
// file is the stub built whenever the vulkan tag is absent.
package vulkan

import (
	"errors"

	"github.com/orneryd/rwkvcore/pkg/gpu"
)

// ErrVulkanNotAvailable is returned by New when this binary was not
// built with the vulkan tag.
var ErrVulkanNotAvailable = errors.New("vulkan: backend not available in this build")

// New always fails in the stub build.
func New() (gpu.Backend, error) {
	return nil, ErrVulkanNotAvailable
}
