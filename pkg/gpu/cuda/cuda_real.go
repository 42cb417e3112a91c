//go:build cuda && (linux || windows)

package cuda

/*
#cgo linux LDFLAGS: -lcuda -lnvrtc
#cgo windows LDFLAGS: -lcuda -lnvrtc
#include <cuda.h>
*/
import "C"

import (
	"fmt"
	"sync"

	"github.com/orneryd/rwkvcore/pkg/gpu"
)

// Backend binds an NVIDIA GPU through the CUDA driver API. No kernel
// source is compiled: CompilePipeline fails for every name, as do
// CreateBuffer, Upload, Execute and MapRead, so a Context cannot be
// completed on this backend.
type Backend struct {
	mu      sync.Mutex
	device  C.CUdevice
	context C.CUcontext
}

// New initializes the CUDA driver and binds device 0.
func New() (gpu.Backend, error) {
	if C.cuInit(0) != C.CUDA_SUCCESS {
		return nil, fmt.Errorf("cuda: cuInit failed")
	}
	b := &Backend{}
	if C.cuDeviceGet(&b.device, 0) != C.CUDA_SUCCESS {
		return nil, fmt.Errorf("cuda: cuDeviceGet failed")
	}
	if C.cuCtxCreate(&b.context, 0, b.device) != C.CUDA_SUCCESS {
		return nil, fmt.Errorf("cuda: cuCtxCreate failed")
	}
	return b, nil
}

func (b *Backend) Name() string { return "cuda" }

func (b *Backend) CompilePipeline(name string) (gpu.PipelineHandle, error) {
	return nil, fmt.Errorf("cuda: kernel %q not compiled in this build", name)
}

func (b *Backend) CreateBuffer(size uint64, kind gpu.Kind, dtype gpu.Dtype) (gpu.BufferHandle, error) {
	return nil, fmt.Errorf("cuda: CreateBuffer not implemented")
}

func (b *Backend) Upload(buf gpu.BufferHandle, data []byte) error {
	return fmt.Errorf("cuda: Upload not implemented")
}

func (b *Backend) Execute(dispatches []gpu.Dispatch, copies []gpu.CopyOp) error {
	return fmt.Errorf("cuda: Execute not implemented")
}

func (b *Backend) MapRead(buf gpu.BufferHandle) ([]byte, error) {
	return nil, fmt.Errorf("cuda: MapRead not implemented")
}

func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.context != nil {
		C.cuCtxDestroy(b.context)
	}
}
