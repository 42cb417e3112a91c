package gpu

import (
	"runtime"
	"sync"

	"github.com/orneryd/rwkvcore/pkg/rwkverr"
	"github.com/sirupsen/logrus"
)

// KernelNames lists every pipeline a Context compiles at construction.
// The kernel library (pkg/kernel) binds to these by name; adding a new
// kernel means adding its name here and teaching every Backend to
// compile it.
var KernelNames = []string{
	"softmax",
	"layer_norm",
	"matmul_f16",
	"matmul_int8",
	"add",
	"token_shift",
	"token_mix_v4",
	"token_mix_v5",
	"squared_relu",
	"channel_mix",
	"blit",
	"store_last",
	"scale",
	"tanh",
	"add_bias",
	"quantize_stats_row",
	"quantize_stats_col",
	"quantize_apply",
	"quantize_stats_absmax",
	"quantize_nf4",
	"matmul_nf4",
	"quantize_vec_f16",
}

// Config selects how a Context picks and sizes its backend.
type Config struct {
	Power       PowerPreference
	Preferred   string // backend name to try first; empty = auto-detect
	Limits      Limits
	NewBackends map[string]func() (Backend, error) // not read by NewContext, which takes its registry as an argument
}

// DefaultBackendTrialOrder returns the platform-appropriate order in
// which backends are attempted: Metal is Darwin-only, OpenCL/CUDA/
// Vulkan are tried on Linux and Windows. softgpu is always appended
// last as the universal fallback.
func DefaultBackendTrialOrder() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"metal", "softgpu"}
	default:
		return []string{"opencl", "cuda", "vulkan", "softgpu"}
	}
}

// Context owns a device/queue (via its Backend) and every compiled
// kernel pipeline, keyed by name. It outlives every Tensor and Job
// built against it.
type Context struct {
	backend   Backend
	pipelines map[string]PipelineHandle
	limits    Limits

	mu sync.Mutex
}

// NewContext opens the requested (or auto-detected) backend and
// compiles the full kernel library against it.
func NewContext(cfg Config, registry map[string]func() (Backend, error)) (*Context, error) {
	trialOrder := DefaultBackendTrialOrder()
	if cfg.Preferred != "" {
		trialOrder = append([]string{cfg.Preferred}, trialOrder...)
	}

	var backend Backend
	var lastErr error
	tried := map[string]bool{}
	for _, name := range trialOrder {
		if tried[name] {
			continue
		}
		tried[name] = true
		ctor, ok := registry[name]
		if !ok {
			continue
		}
		b, err := ctor()
		if err != nil {
			lastErr = err
			logrus.WithField("backend", name).WithError(err).Debug("gpu backend unavailable")
			continue
		}
		backend = b
		break
	}
	if backend == nil {
		if lastErr == nil {
			lastErr = rwkverr.ErrAdapterUnavailable
		}
		return nil, lastErr
	}

	ctx := &Context{
		backend:   backend,
		pipelines: make(map[string]PipelineHandle, len(KernelNames)),
		limits:    cfg.Limits,
	}

	for _, name := range KernelNames {
		p, err := backend.CompilePipeline(name)
		if err != nil {
			backend.Release()
			return nil, &rwkverr.PipelineCompileError{Name: name, Reason: err.Error()}
		}
		ctx.pipelines[name] = p
	}

	logrus.WithFields(logrus.Fields{
		"backend":    backend.Name(),
		"n_pipeline": len(ctx.pipelines),
	}).Info("gpu context ready")

	return ctx, nil
}

// Pipeline returns the compiled pipeline for name. Every kernel library
// entry point calls this; a missing name is a programming error in the
// kernel library itself, not a user-facing failure, so it panics.
func (c *Context) Pipeline(name string) PipelineHandle {
	p, ok := c.pipelines[name]
	if !ok {
		panic("gpu: unknown pipeline " + name)
	}
	return p
}

// CreateBuffer allocates a raw device buffer of the given size, usage
// kind and element dtype. Allocations beyond the configured device
// limit fail LimitsExceeded before reaching the backend.
func (c *Context) CreateBuffer(size uint64, kind Kind, dtype Dtype) (BufferHandle, error) {
	if c.limits.MaxBufferSize > 0 && size > uint64(c.limits.MaxBufferSize) {
		return nil, &rwkverr.LimitsExceeded{Limit: "max_buffer_size", Required: size, Max: uint64(c.limits.MaxBufferSize)}
	}
	return c.backend.CreateBuffer(size, kind, dtype)
}

// Upload copies host bytes into buf.
func (c *Context) Upload(buf BufferHandle, data []byte) error {
	return c.backend.Upload(buf, data)
}

// MapRead blocks for queue drain and returns buf's contents.
func (c *Context) MapRead(buf BufferHandle) ([]byte, error) {
	return c.backend.MapRead(buf)
}

// Limits returns the device limits this Context was configured with.
func (c *Context) Limits() Limits { return c.limits }

// BackendName reports which backend is live, for logging/diagnostics.
func (c *Context) BackendName() string { return c.backend.Name() }

// NewEncoder creates a fresh command encoder bound to this context's
// backend. Submitting the same encoder twice is not supported; callers
// build one encoder per forward-pass step.
func (c *Context) NewEncoder() *CommandEncoder {
	return &CommandEncoder{ctx: c}
}

// Release frees the backend's device/queue. The Context must not be
// used afterward.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != nil {
		c.backend.Release()
		c.backend = nil
	}
}
