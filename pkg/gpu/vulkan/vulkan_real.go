//go:build vulkan

package vulkan

/*
#cgo LDFLAGS: -lvulkan
#include <vulkan/vulkan.h>
*/
import "C"

import (
	"fmt"

	"github.com/orneryd/rwkvcore/pkg/gpu"
)

// Backend holds a Vulkan instance. No pipelines are built:
// CompilePipeline fails for every name, as do CreateBuffer, Upload,
// Execute and MapRead, so a Context cannot be completed on this
// backend.
type Backend struct {
	instance C.VkInstance
}

// New creates a headless Vulkan instance. It does not select a
// physical device.
func New() (gpu.Backend, error) {
	var info C.VkInstanceCreateInfo
	b := &Backend{}
	if C.vkCreateInstance(&info, nil, &b.instance) != C.VK_SUCCESS {
		return nil, fmt.Errorf("vulkan: vkCreateInstance failed")
	}
	return b, nil
}

func (b *Backend) Name() string { return "vulkan" }

func (b *Backend) CompilePipeline(name string) (gpu.PipelineHandle, error) {
	return nil, fmt.Errorf("vulkan: kernel %q not compiled in this build", name)
}

func (b *Backend) CreateBuffer(size uint64, kind gpu.Kind, dtype gpu.Dtype) (gpu.BufferHandle, error) {
	return nil, fmt.Errorf("vulkan: CreateBuffer not implemented")
}

func (b *Backend) Upload(buf gpu.BufferHandle, data []byte) error {
	return fmt.Errorf("vulkan: Upload not implemented")
}

func (b *Backend) Execute(dispatches []gpu.Dispatch, copies []gpu.CopyOp) error {
	return fmt.Errorf("vulkan: Execute not implemented")
}

func (b *Backend) MapRead(buf gpu.BufferHandle) ([]byte, error) {
	return nil, fmt.Errorf("vulkan: MapRead not implemented")
}

func (b *Backend) Release() {
	if b.instance != nil {
		C.vkDestroyInstance(b.instance, nil)
	}
}
