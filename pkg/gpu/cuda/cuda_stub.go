//go:build !cuda || !(linux || windows)

// Package cuda provides the CUDA gpu.Backend. This file is the stub
// built whenever the cuda tag is absent or the platform isn't
// linux/windows; New always fails with ErrCUDANotAvailable so callers
// fall through to the next backend in gpu.DefaultBackendTrialOrder.
package cuda

import (
	"errors"

	"github.com/orneryd/rwkvcore/pkg/gpu"
)

// ErrCUDANotAvailable is returned by New when this binary was not
// built with the cuda tag on a supported platform.
var ErrCUDANotAvailable = errors.New("cuda: backend not available in this build")

// New always fails in the stub build.
func New() (gpu.Backend, error) {
	return nil, ErrCUDANotAvailable
}
