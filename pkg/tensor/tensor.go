// Package tensor implements the GPU-resident tensor layer:
// shape-checked device buffers, rectangular views into them,
// and the CPU-side staging tensors used for upload and readback.
//
// Shape broadcasting and implicit reshape are never supported; every
// mismatch between a declared shape and an operand's actual shape fails
// loudly, as a *rwkverr.ShapeMismatch, rather than silently coercing.
package tensor

import (
	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/rwkverr"
)

// Handle is satisfied by both Tensor and View: anything the kernel
// library can bind to a dispatch. Kernel entry points take Handles so
// they don't need to special-case views.
type Handle interface {
	Buffer() gpu.BufferHandle
	MetaBuffer() gpu.BufferHandle
	Meta() gpu.TensorMeta
	Dtype() gpu.Dtype
	Kind() gpu.Kind
	Shape() [3]int
	closed() bool
}

// Tensor is an owning, GPU-resident 3D volume: shape [C, T, B], a data
// buffer of prod(shape)*sizeof(dtype) bytes, and a small uniform buffer
// mirroring its shape/stride metadata.
type Tensor struct {
	ctx     *gpu.Context
	dtype   gpu.Dtype
	kind    gpu.Kind
	meta    gpu.TensorMeta
	buf     gpu.BufferHandle
	metaBuf gpu.BufferHandle
	shut    bool
}

func (t *Tensor) Buffer() gpu.BufferHandle     { return t.buf }
func (t *Tensor) MetaBuffer() gpu.BufferHandle { return t.metaBuf }
func (t *Tensor) Meta() gpu.TensorMeta         { return t.meta }
func (t *Tensor) Dtype() gpu.Dtype             { return t.dtype }
func (t *Tensor) Kind() gpu.Kind               { return t.kind }
func (t *Tensor) Shape() [3]int                { return t.meta.Shape }
func (t *Tensor) closed() bool                 { return t.shut }

// InitTensor allocates a zero-initialized tensor of the given shape,
// dtype and usage kind. A zero dimension is legal, serving as an
// input placeholder.
func InitTensor(ctx *gpu.Context, shape [3]int, dtype gpu.Dtype, kind gpu.Kind) (*Tensor, error) {
	n := shape[0] * shape[1] * shape[2]
	byteSize := uint64(n) * uint64(dtype.Size())

	buf, err := ctx.CreateBuffer(byteSize, kind, dtype)
	if err != nil {
		return nil, err
	}

	meta := gpu.ContiguousMeta(shape)
	metaBuf, err := ctx.CreateBuffer(gpu.MetaByteSize, gpu.Uniform, gpu.U32)
	if err != nil {
		return nil, err
	}
	if err := ctx.Upload(metaBuf, gpu.EncodeMeta(meta)); err != nil {
		return nil, err
	}

	return &Tensor{ctx: ctx, dtype: dtype, kind: kind, meta: meta, buf: buf, metaBuf: metaBuf}, nil
}

// FromData uploads data into a new ReadWrite tensor of the given
// shape. len(data) must equal prod(shape) elements; a mismatch fails
// *rwkverr.ShapeMismatch rather than truncating or padding.
func FromData(ctx *gpu.Context, shape [3]int, dtype gpu.Dtype, data []byte) (*Tensor, error) {
	n := shape[0] * shape[1] * shape[2]
	want := n * dtype.Size()
	if len(data) != want {
		return nil, &rwkverr.ShapeMismatch{Expected: [3]int{want, 0, 0}, Actual: [3]int{len(data), 0, 0}}
	}

	t, err := InitTensor(ctx, shape, dtype, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := ctx.Upload(t.buf, data); err != nil {
		return nil, err
	}
	return t, nil
}

// CheckShape validates that this tensor's shape matches expected,
// returning a *rwkverr.ShapeMismatch otherwise.
func (t *Tensor) CheckShape(expected [3]int) error {
	return checkShape(t.meta.Shape, expected)
}

func checkShape(actual, expected [3]int) error {
	if actual != expected {
		return &rwkverr.ShapeMismatch{Expected: expected, Actual: actual}
	}
	return nil
}

// AsView creates a rectangular sub-region view of a ReadWrite tensor.
// ranges are half-open [lo, hi) per axis (channel, token, batch); any
// range exceeding the parent's shape fails rwkverr.ErrOutOfBounds.
func (t *Tensor) AsView(cRange, tRange, bRange [2]int) (*View, error) {
	if t.kind != gpu.ReadWrite {
		return nil, rwkverr.ErrOutOfBounds
	}
	ranges := [3][2]int{cRange, tRange, bRange}
	for axis, r := range ranges {
		if r[0] < 0 || r[1] < r[0] || r[1] > t.meta.Shape[axis] {
			return nil, rwkverr.ErrOutOfBounds
		}
	}

	shape := [3]int{cRange[1] - cRange[0], tRange[1] - tRange[0], bRange[1] - bRange[0]}
	meta := gpu.TensorMeta{
		Shape:  shape,
		Stride: t.meta.Stride,
		Offset: t.meta.Offset + cRange[0]*t.meta.Stride[0] + tRange[0]*t.meta.Stride[1] + bRange[0]*t.meta.Stride[2],
	}

	metaBuf, err := t.ctx.CreateBuffer(gpu.MetaByteSize, gpu.Uniform, gpu.U32)
	if err != nil {
		return nil, err
	}
	if err := t.ctx.Upload(metaBuf, gpu.EncodeMeta(meta)); err != nil {
		return nil, err
	}

	return &View{ctx: t.ctx, parent: t, dtype: t.dtype, meta: meta, buf: t.buf, metaBuf: metaBuf}, nil
}

// Transpose returns a view of this tensor with the channel and token
// axes swapped, sharing the data buffer: element (c, t, b) of the view
// addresses element (t, c, b) of the parent. Kernels read operands
// through their metadata strides, so a transposed view binds anywhere
// a plain tensor of the swapped shape would.
func (t *Tensor) Transpose() (*View, error) {
	meta := gpu.TensorMeta{
		Shape:  [3]int{t.meta.Shape[1], t.meta.Shape[0], t.meta.Shape[2]},
		Stride: [3]int{t.meta.Stride[1], t.meta.Stride[0], t.meta.Stride[2]},
		Offset: t.meta.Offset,
	}
	metaBuf, err := t.ctx.CreateBuffer(gpu.MetaByteSize, gpu.Uniform, gpu.U32)
	if err != nil {
		return nil, err
	}
	if err := t.ctx.Upload(metaBuf, gpu.EncodeMeta(meta)); err != nil {
		return nil, err
	}
	return &View{ctx: t.ctx, parent: t, dtype: t.dtype, meta: meta, buf: t.buf, metaBuf: metaBuf}, nil
}

// BackAsync maps a ReadBack tensor's buffer after the queue drains and
// returns its contents as a CPU tensor of identical shape.
func (t *Tensor) BackAsync() (*CPU, error) {
	if t.shut {
		return nil, rwkverr.ErrTensorClosed
	}
	if t.kind != gpu.ReadBack {
		return nil, rwkverr.ErrOutOfBounds
	}
	data, err := t.ctx.MapRead(t.buf)
	if err != nil {
		return nil, err
	}
	return &CPU{Shape: t.meta.Shape, Dtype: t.dtype, Data: data}, nil
}

// Close marks the tensor as released. The GPU context frees the
// underlying allocation when it is itself released; Close only guards
// against further use of this handle.
func (t *Tensor) Close() { t.shut = true }
