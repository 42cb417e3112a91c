// Package softgpu is the default compute backend: a pure-Go
// implementation of every pipeline in gpu.KernelNames, always compiled
// regardless of build tags. It exists so the runtime has a working
// accelerator on any platform, and so the kernel and tensor packages
// can be exercised by tests without a real GPU driver. Buffers are
// plain Go slices; dispatches run on the calling goroutine.
package softgpu

import (
	"encoding/binary"
	"math"

	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/rwkverr"
)

// Buffer is a softgpu-owned allocation. Internally every buffer is
// held as []float32 regardless of nominal dtype; Upload/MapRead do the
// narrowing/widening at the boundary so kernel math never has to
// special-case dtype.
type Buffer struct {
	size  uint64
	kind  gpu.Kind
	dtype gpu.Dtype
	data  []float32
}

func (b *Buffer) Size() uint64 { return b.size }

// Pipeline is a named, precompiled (in softgpu's case, pre-registered)
// kernel entry point.
type Pipeline struct{ name string }

func (p *Pipeline) Name() string { return p.name }

// Backend implements gpu.Backend entirely in Go.
type Backend struct {
	pipelines map[string]bool
}

// New constructs a softgpu Backend. Matches the gpu.Config.NewBackends
// factory signature (func() (gpu.Backend, error)).
func New() (gpu.Backend, error) {
	return &Backend{pipelines: make(map[string]bool)}, nil
}

func (b *Backend) Name() string { return "softgpu" }

func (b *Backend) CompilePipeline(name string) (gpu.PipelineHandle, error) {
	if _, ok := kernels[name]; !ok {
		return nil, &rwkverr.PipelineCompileError{Name: name, Reason: "no softgpu implementation registered"}
	}
	b.pipelines[name] = true
	return &Pipeline{name: name}, nil
}

func (b *Backend) CreateBuffer(size uint64, kind gpu.Kind, dtype gpu.Dtype) (gpu.BufferHandle, error) {
	n := size / uint64(dtype.Size())
	if size%uint64(dtype.Size()) != 0 {
		n++
	}
	return &Buffer{size: size, kind: kind, dtype: dtype, data: make([]float32, n)}, nil
}

func (b *Backend) Upload(buf gpu.BufferHandle, data []byte) error {
	bb, ok := buf.(*Buffer)
	if !ok {
		return rwkverr.ErrOutOfBounds
	}
	decodeInto(bb.dtype, data, bb.data)
	return nil
}

func (b *Backend) MapRead(buf gpu.BufferHandle) ([]byte, error) {
	bb, ok := buf.(*Buffer)
	if !ok {
		return nil, rwkverr.ErrOutOfBounds
	}
	return encodeFrom(bb.dtype, bb.data), nil
}

func (b *Backend) Execute(dispatches []gpu.Dispatch, copies []gpu.CopyOp) error {
	for _, d := range dispatches {
		pl, ok := d.Pipeline.(*Pipeline)
		if !ok {
			return rwkverr.ErrOutOfBounds
		}
		fn, ok := kernels[pl.name]
		if !ok {
			return &rwkverr.PipelineCompileError{Name: pl.name, Reason: "no softgpu implementation registered"}
		}
		bufs := make([]*Buffer, len(d.Bindings))
		for i, h := range d.Bindings {
			bb, ok := h.(*Buffer)
			if !ok {
				return rwkverr.ErrOutOfBounds
			}
			bufs[i] = bb
		}
		if err := fn(bufs); err != nil {
			return err
		}
	}
	for _, c := range copies {
		src, ok1 := c.Src.(*Buffer)
		dst, ok2 := c.Dst.(*Buffer)
		if !ok1 || !ok2 {
			return rwkverr.ErrOutOfBounds
		}
		copyBytes(src, dst, c.SrcOffset, c.DstOffset, c.Length)
	}
	return nil
}

func (b *Backend) Release() {}

// copyBytes moves Length bytes from src+SrcOffset to dst+DstOffset,
// converting through each buffer's element dtype since the underlying
// storage is always float32.
func copyBytes(src, dst *Buffer, srcOffset, dstOffset, length uint64) {
	raw := encodeFrom(src.dtype, src.data)
	if srcOffset+length > uint64(len(raw)) {
		length = uint64(len(raw)) - srcOffset
	}
	chunk := raw[srcOffset : srcOffset+length]

	dstRaw := encodeFrom(dst.dtype, dst.data)
	copy(dstRaw[dstOffset:], chunk)
	decodeInto(dst.dtype, dstRaw, dst.data)
}

func decodeInto(dtype gpu.Dtype, raw []byte, out []float32) {
	switch dtype {
	case gpu.F32:
		for i := 0; i*4+4 <= len(raw) && i < len(out); i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case gpu.F16:
		for i := 0; i*2+2 <= len(raw) && i < len(out); i++ {
			out[i] = gpu.F16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case gpu.U32:
		for i := 0; i*4+4 <= len(raw) && i < len(out); i++ {
			out[i] = float32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case gpu.U8:
		for i := 0; i < len(raw) && i < len(out); i++ {
			out[i] = float32(raw[i])
		}
	}
}

func encodeFrom(dtype gpu.Dtype, in []float32) []byte {
	out := make([]byte, len(in)*dtype.Size())
	switch dtype {
	case gpu.F32:
		for i, v := range in {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case gpu.F16:
		for i, v := range in {
			binary.LittleEndian.PutUint16(out[i*2:], gpu.F32ToF16(v))
		}
	case gpu.U32:
		for i, v := range in {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
		}
	case gpu.U8:
		for i, v := range in {
			u := v
			if u < 0 {
				u = 0
			}
			if u > 255 {
				u = 255
			}
			out[i] = byte(u)
		}
	}
	return out
}
