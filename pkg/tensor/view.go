package tensor

import (
	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/rwkverr"
)

// View is a rectangular, non-owning sub-region of a parent Tensor's
// data buffer: its own shape and metadata buffer, but the same backing
// allocation. A View must never outlive the Tensor it was created
// from; nothing in this package enforces that at runtime (there is no
// language-level borrow checker available), so callers are responsible
// for keeping the parent alive.
type View struct {
	ctx     *gpu.Context
	parent  *Tensor
	dtype   gpu.Dtype
	meta    gpu.TensorMeta
	buf     gpu.BufferHandle
	metaBuf gpu.BufferHandle
	shut    bool
}

func (v *View) Buffer() gpu.BufferHandle     { return v.buf }
func (v *View) MetaBuffer() gpu.BufferHandle { return v.metaBuf }
func (v *View) Meta() gpu.TensorMeta         { return v.meta }
func (v *View) Dtype() gpu.Dtype             { return v.dtype }
func (v *View) Kind() gpu.Kind               { return gpu.ReadWrite }
func (v *View) Shape() [3]int                { return v.meta.Shape }
func (v *View) closed() bool                 { return v.shut || v.parent.closed() }

// Close marks this view as released; it frees no buffer, and the
// parent's data buffer is untouched.
func (v *View) Close() { v.shut = true }

// AsView narrows this view further: ranges are interpreted relative to
// this view's own shape (not the root tensor's), and translated into
// the same absolute offset/stride space so the result still addresses
// the root tensor's data buffer directly, however deep the nesting.
func (v *View) AsView(cRange, tRange, bRange [2]int) (*View, error) {
	ranges := [3][2]int{cRange, tRange, bRange}
	for axis, r := range ranges {
		if r[0] < 0 || r[1] < r[0] || r[1] > v.meta.Shape[axis] {
			return nil, rwkverr.ErrOutOfBounds
		}
	}

	shape := [3]int{cRange[1] - cRange[0], tRange[1] - tRange[0], bRange[1] - bRange[0]}
	meta := gpu.TensorMeta{
		Shape:  shape,
		Stride: v.meta.Stride,
		Offset: v.meta.Offset + cRange[0]*v.meta.Stride[0] + tRange[0]*v.meta.Stride[1] + bRange[0]*v.meta.Stride[2],
	}

	metaBuf, err := v.ctx.CreateBuffer(gpu.MetaByteSize, gpu.Uniform, gpu.U32)
	if err != nil {
		return nil, err
	}
	if err := v.ctx.Upload(metaBuf, gpu.EncodeMeta(meta)); err != nil {
		return nil, err
	}

	return &View{ctx: v.ctx, parent: v.parent, dtype: v.dtype, meta: meta, buf: v.buf, metaBuf: metaBuf}, nil
}
