//go:build !opencl

// Package opencl provides the OpenCL compute gpu.Backend. This file is
// the stub built whenever the opencl tag is absent.
package opencl

import (
	"errors"

	"github.com/orneryd/rwkvcore/pkg/gpu"
)

// ErrOpenCLNotAvailable is returned by New when this binary was not
// built with the opencl tag.
var ErrOpenCLNotAvailable = errors.New("opencl: backend not available in this build")

// New always fails in the stub build.
func New() (gpu.Backend, error) {
	return nil, ErrOpenCLNotAvailable
}
