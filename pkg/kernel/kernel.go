// Package kernel is the compute-kernel library: one function per
// compute pipeline in gpu.KernelNames, each validating operand shapes
// and recording a single dispatch onto a gpu.CommandEncoder. Every
// function here binds its tensor.Handle arguments data-buffer-then-
// metadata-buffer, inputs before outputs; softgpu.kernels and any
// future real backend decode dispatches assuming that exact order.
package kernel

import (
	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/rwkverr"
	"github.com/orneryd/rwkvcore/pkg/tensor"
)

// bind interleaves each handle's data and metadata buffers in argument
// order, matching the convention documented atop this file.
func bind(handles ...tensor.Handle) []gpu.BufferHandle {
	out := make([]gpu.BufferHandle, 0, len(handles)*2)
	for _, h := range handles {
		out = append(out, h.Buffer(), h.MetaBuffer())
	}
	return out
}

func dims(h tensor.Handle) (gx, gy, gz int) {
	s := h.Shape()
	return s[1], s[2], 1
}

// Softmax applies softmax over the channel axis of in, writing out. out
// must match in's shape exactly.
func Softmax(enc *gpu.CommandEncoder, ctx *gpu.Context, in, out tensor.Handle) error {
	if in.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: in.Shape(), Actual: out.Shape()}
	}
	gx, gy, gz := dims(in)
	enc.Record(ctx.Pipeline("softmax"), bind(in, out), gx, gy, gz)
	return nil
}

// LayerNorm normalizes in over the channel axis, scaling by weight and
// shifting by bias (both [C,1,1]), writing out.
func LayerNorm(enc *gpu.CommandEncoder, ctx *gpu.Context, in, weight, bias, out tensor.Handle) error {
	if in.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: in.Shape(), Actual: out.Shape()}
	}
	c := in.Shape()[0]
	want := [3]int{c, 1, 1}
	if weight.Shape() != want {
		return &rwkverr.ShapeMismatch{Expected: want, Actual: weight.Shape()}
	}
	if bias.Shape() != want {
		return &rwkverr.ShapeMismatch{Expected: want, Actual: bias.Shape()}
	}
	gx, gy, gz := dims(in)
	enc.Record(ctx.Pipeline("layer_norm"), bind(in, weight, bias, out), gx, gy, gz)
	return nil
}

// MatmulF16 computes out[co,t,b] = sum_ci a[ci,t,b] * w[ci,co,0], with
// w stored in half precision.
func MatmulF16(enc *gpu.CommandEncoder, ctx *gpu.Context, a, w, out tensor.Handle) error {
	cin, cout := a.Shape()[0], out.Shape()[0]
	wantW := [3]int{cin, cout, 1}
	if w.Shape() != wantW {
		return &rwkverr.ShapeMismatch{Expected: wantW, Actual: w.Shape()}
	}
	if out.Shape()[1] != a.Shape()[1] || out.Shape()[2] != a.Shape()[2] {
		return &rwkverr.ShapeMismatch{Expected: [3]int{cout, a.Shape()[1], a.Shape()[2]}, Actual: out.Shape()}
	}
	gx, gy, gz := dims(a)
	enc.Record(ctx.Pipeline("matmul_f16"), bind(a, w, out), gx, gy, gz)
	return nil
}

// MatmulInt8 is MatmulF16 with w dequantized on the fly from an int8
// matrix plus per-row (mx, rx) and per-column (my, ry) calibration
// produced by QuantizeStatsRow / QuantizeStatsCol.
func MatmulInt8(enc *gpu.CommandEncoder, ctx *gpu.Context, a, w, mx, rx, my, ry, out tensor.Handle) error {
	cin, cout := a.Shape()[0], out.Shape()[0]
	wantW := [3]int{cin, cout, 1}
	if w.Shape() != wantW {
		return &rwkverr.ShapeMismatch{Expected: wantW, Actual: w.Shape()}
	}
	wantRow := [3]int{cout, 1, 1}
	if mx.Shape() != wantRow || rx.Shape() != wantRow {
		return &rwkverr.ShapeMismatch{Expected: wantRow, Actual: mx.Shape()}
	}
	wantCol := [3]int{cin, 1, 1}
	if my.Shape() != wantCol || ry.Shape() != wantCol {
		return &rwkverr.ShapeMismatch{Expected: wantCol, Actual: my.Shape()}
	}
	gx, gy, gz := dims(a)
	enc.Record(ctx.Pipeline("matmul_int8"), bind(a, w, mx, rx, my, ry, out), gx, gy, gz)
	return nil
}

// Add computes out = a + b elementwise; all three must share a shape.
func Add(enc *gpu.CommandEncoder, ctx *gpu.Context, a, b, out tensor.Handle) error {
	if a.Shape() != b.Shape() || a.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: a.Shape(), Actual: b.Shape()}
	}
	gx, gy, gz := dims(a)
	enc.Record(ctx.Pipeline("add"), bind(a, b, out), gx, gy, gz)
	return nil
}

// SquaredReLU computes out = max(in,0)^2 elementwise.
func SquaredReLU(enc *gpu.CommandEncoder, ctx *gpu.Context, in, out tensor.Handle) error {
	if in.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: in.Shape(), Actual: out.Shape()}
	}
	gx, gy, gz := dims(in)
	enc.Record(ctx.Pipeline("squared_relu"), bind(in, out), gx, gy, gz)
	return nil
}

// ChannelMix computes out = sigmoid(r) * v, the gate applied after the
// channel-mix value projection.
func ChannelMix(enc *gpu.CommandEncoder, ctx *gpu.Context, r, v, out tensor.Handle) error {
	if r.Shape() != v.Shape() || r.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: r.Shape(), Actual: v.Shape()}
	}
	gx, gy, gz := dims(r)
	enc.Record(ctx.Pipeline("channel_mix"), bind(r, v, out), gx, gy, gz)
	return nil
}

// TokenShift computes out = mix*cur + (1-mix)*sx, where sx is cur
// shifted one token back along the t axis with prev (the preceding
// chunk's final token, shape [C,1,B], zeros at sequence start) filling
// position 0. mix is [C,1,1] for a shared per-channel ratio or
// matches cur's shape for a per-token ratio.
func TokenShift(enc *gpu.CommandEncoder, ctx *gpu.Context, mix, cur, prev, out tensor.Handle) error {
	if cur.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: cur.Shape(), Actual: out.Shape()}
	}
	wantPrev := [3]int{cur.Shape()[0], 1, cur.Shape()[2]}
	if prev.Shape() != wantPrev {
		return &rwkverr.ShapeMismatch{Expected: wantPrev, Actual: prev.Shape()}
	}
	wantMix := [3]int{cur.Shape()[0], 1, 1}
	if mix.Shape() != wantMix && mix.Shape() != cur.Shape() {
		return &rwkverr.ShapeMismatch{Expected: wantMix, Actual: mix.Shape()}
	}
	gx, gy, gz := dims(cur)
	enc.Record(ctx.Pipeline("token_shift"), bind(mix, cur, prev, out), gx, gy, gz)
	return nil
}

// Scale computes out = in * factor, where factor is a single constant
// held in a [1,1,1] tensor.
func Scale(enc *gpu.CommandEncoder, ctx *gpu.Context, in, factor, out tensor.Handle) error {
	if in.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: in.Shape(), Actual: out.Shape()}
	}
	want := [3]int{1, 1, 1}
	if factor.Shape() != want {
		return &rwkverr.ShapeMismatch{Expected: want, Actual: factor.Shape()}
	}
	gx, gy, gz := dims(in)
	enc.Record(ctx.Pipeline("scale"), bind(in, factor, out), gx, gy, gz)
	return nil
}

// Tanh computes out = tanh(in) elementwise.
func Tanh(enc *gpu.CommandEncoder, ctx *gpu.Context, in, out tensor.Handle) error {
	if in.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: in.Shape(), Actual: out.Shape()}
	}
	gx, gy, gz := dims(in)
	enc.Record(ctx.Pipeline("tanh"), bind(in, out), gx, gy, gz)
	return nil
}

// AddBias computes out[c,t,b] = x[c,t,b] + bias[c], with bias [C,1,1].
func AddBias(enc *gpu.CommandEncoder, ctx *gpu.Context, x, bias, out tensor.Handle) error {
	if x.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: x.Shape(), Actual: out.Shape()}
	}
	want := [3]int{x.Shape()[0], 1, 1}
	if bias.Shape() != want {
		return &rwkverr.ShapeMismatch{Expected: want, Actual: bias.Shape()}
	}
	gx, gy, gz := dims(x)
	enc.Record(ctx.Pipeline("add_bias"), bind(x, bias, out), gx, gy, gz)
	return nil
}

// Blit copies src into dst through their respective metadata,
// correctly handling the case where either side is a strided view.
func Blit(enc *gpu.CommandEncoder, ctx *gpu.Context, src, dst tensor.Handle) error {
	if src.Shape() != dst.Shape() {
		return &rwkverr.ShapeMismatch{Expected: src.Shape(), Actual: dst.Shape()}
	}
	gx, gy, gz := dims(src)
	enc.Record(ctx.Pipeline("blit"), bind(src, dst), gx, gy, gz)
	return nil
}

// QuantizeVecF16 narrows in to half precision into out.
func QuantizeVecF16(enc *gpu.CommandEncoder, ctx *gpu.Context, in, out tensor.Handle) error {
	if in.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: in.Shape(), Actual: out.Shape()}
	}
	gx, gy, gz := dims(in)
	enc.Record(ctx.Pipeline("quantize_vec_f16"), bind(in, out), gx, gy, gz)
	return nil
}

// QuantizeStatsRow computes per-row (t axis) min (mx) and (max-min)/255
// range (rx) over mat's channel axis.
func QuantizeStatsRow(enc *gpu.CommandEncoder, ctx *gpu.Context, mat, mx, rx tensor.Handle) error {
	want := [3]int{mat.Shape()[1], 1, 1}
	if mx.Shape() != want || rx.Shape() != want {
		return &rwkverr.ShapeMismatch{Expected: want, Actual: mx.Shape()}
	}
	gx, gy, gz := dims(mat)
	enc.Record(ctx.Pipeline("quantize_stats_row"), bind(mat, mx, rx), gx, gy, gz)
	return nil
}

// QuantizeStatsCol computes per-column (channel axis) min (my) and
// (max-min)/255 range (ry) over mat's t axis.
func QuantizeStatsCol(enc *gpu.CommandEncoder, ctx *gpu.Context, mat, my, ry tensor.Handle) error {
	want := [3]int{mat.Shape()[0], 1, 1}
	if my.Shape() != want || ry.Shape() != want {
		return &rwkverr.ShapeMismatch{Expected: want, Actual: my.Shape()}
	}
	gx, gy, gz := dims(mat)
	enc.Record(ctx.Pipeline("quantize_stats_col"), bind(mat, my, ry), gx, gy, gz)
	return nil
}

// QuantizeApply codes mat into out ([0,255] stored as U8) using the
// row/column calibration from QuantizeStatsRow / QuantizeStatsCol. The
// two stats passes can run in either order; nothing in this sequence
// depends on which axis is quantized first.
func QuantizeApply(enc *gpu.CommandEncoder, ctx *gpu.Context, mat, mx, rx, my, ry, out tensor.Handle) error {
	if mat.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: mat.Shape(), Actual: out.Shape()}
	}
	gx, gy, gz := dims(mat)
	enc.Record(ctx.Pipeline("quantize_apply"), bind(mat, mx, rx, my, ry, out), gx, gy, gz)
	return nil
}

// QuantizeStatsAbsmax computes per-column (t axis) max-absolute-value
// of mat into absmax [mat.T, 1, 1], the scale vector the nf4 coder
// divides by.
func QuantizeStatsAbsmax(enc *gpu.CommandEncoder, ctx *gpu.Context, mat, absmax tensor.Handle) error {
	want := [3]int{mat.Shape()[1], 1, 1}
	if absmax.Shape() != want {
		return &rwkverr.ShapeMismatch{Expected: want, Actual: absmax.Shape()}
	}
	gx, gy, gz := dims(mat)
	enc.Record(ctx.Pipeline("quantize_stats_absmax"), bind(mat, absmax), gx, gy, gz)
	return nil
}

// QuantizeNF4 codes mat into out (U8, one 4-bit level index per byte)
// against the per-column absmax from QuantizeStatsAbsmax.
func QuantizeNF4(enc *gpu.CommandEncoder, ctx *gpu.Context, mat, absmax, out tensor.Handle) error {
	if mat.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: mat.Shape(), Actual: out.Shape()}
	}
	want := [3]int{mat.Shape()[1], 1, 1}
	if absmax.Shape() != want {
		return &rwkverr.ShapeMismatch{Expected: want, Actual: absmax.Shape()}
	}
	gx, gy, gz := dims(mat)
	enc.Record(ctx.Pipeline("quantize_nf4"), bind(mat, absmax, out), gx, gy, gz)
	return nil
}

// MatmulNF4 is MatmulF16 with w decoded on the fly from nf4 level
// indices and the per-column absmax scale.
func MatmulNF4(enc *gpu.CommandEncoder, ctx *gpu.Context, a, w, absmax, out tensor.Handle) error {
	cin, cout := a.Shape()[0], out.Shape()[0]
	wantW := [3]int{cin, cout, 1}
	if w.Shape() != wantW {
		return &rwkverr.ShapeMismatch{Expected: wantW, Actual: w.Shape()}
	}
	wantScale := [3]int{cout, 1, 1}
	if absmax.Shape() != wantScale {
		return &rwkverr.ShapeMismatch{Expected: wantScale, Actual: absmax.Shape()}
	}
	if out.Shape()[1] != a.Shape()[1] || out.Shape()[2] != a.Shape()[2] {
		return &rwkverr.ShapeMismatch{Expected: [3]int{cout, a.Shape()[1], a.Shape()[2]}, Actual: out.Shape()}
	}
	gx, gy, gz := dims(a)
	enc.Record(ctx.Pipeline("matmul_nf4"), bind(a, w, absmax, out), gx, gy, gz)
	return nil
}

// TokenMixV4 runs the RWKV-v4 WKV recurrence over k/v/r. w is the
// per-channel log time-decay and u the current-step bonus (both
// [C,1,1]); lens [B,1,1] holds each batch's valid token count, masking
// zero-padded positions out of the recurrence; stateIn/stateOut carry
// [aa,bb,pp] along their t axis (shape [C,3,B]).
func TokenMixV4(enc *gpu.CommandEncoder, ctx *gpu.Context, k, v, r, w, u, lens, stateIn, out, stateOut tensor.Handle) error {
	if k.Shape() != v.Shape() || k.Shape() != r.Shape() || k.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: k.Shape(), Actual: v.Shape()}
	}
	c, b := k.Shape()[0], k.Shape()[2]
	wantScalar := [3]int{c, 1, 1}
	if w.Shape() != wantScalar || u.Shape() != wantScalar {
		return &rwkverr.ShapeMismatch{Expected: wantScalar, Actual: w.Shape()}
	}
	wantLens := [3]int{b, 1, 1}
	if lens.Shape() != wantLens {
		return &rwkverr.ShapeMismatch{Expected: wantLens, Actual: lens.Shape()}
	}
	wantState := [3]int{c, 3, b}
	if stateIn.Shape() != wantState || stateOut.Shape() != wantState {
		return &rwkverr.ShapeMismatch{Expected: wantState, Actual: stateIn.Shape()}
	}
	gx, gy, gz := dims(k)
	enc.Record(ctx.Pipeline("token_mix_v4"), bind(k, v, r, w, u, lens, stateIn, out, stateOut), gx, gy, gz)
	return nil
}

// StoreLast writes each batch's final valid token plane of x into dst
// ([C,1,B]), skipping batches whose lens[b] is zero.
func StoreLast(enc *gpu.CommandEncoder, ctx *gpu.Context, x, lens, dst tensor.Handle) error {
	c, b := x.Shape()[0], x.Shape()[2]
	wantDst := [3]int{c, 1, b}
	if dst.Shape() != wantDst {
		return &rwkverr.ShapeMismatch{Expected: wantDst, Actual: dst.Shape()}
	}
	wantLens := [3]int{b, 1, 1}
	if lens.Shape() != wantLens {
		return &rwkverr.ShapeMismatch{Expected: wantLens, Actual: lens.Shape()}
	}
	gx, gy, gz := dims(x)
	enc.Record(ctx.Pipeline("store_last"), bind(x, lens, dst), gx, gy, gz)
	return nil
}

// TokenMixV5 runs the RWKV-v5/v6 matrix-valued recurrence. headSize is
// stateIn.Shape()[1]; channels group into headSize-wide heads. w (log
// time-decay) is [C,1,1], or k's full shape for v6's per-token decay.
// lens masks zero-padded positions as in TokenMixV4.
func TokenMixV5(enc *gpu.CommandEncoder, ctx *gpu.Context, k, v, r, w, u, lens, stateIn, out, stateOut tensor.Handle) error {
	if k.Shape() != v.Shape() || k.Shape() != r.Shape() || k.Shape() != out.Shape() {
		return &rwkverr.ShapeMismatch{Expected: k.Shape(), Actual: v.Shape()}
	}
	c, b := k.Shape()[0], k.Shape()[2]
	wantScalar := [3]int{c, 1, 1}
	if w.Shape() != wantScalar && w.Shape() != k.Shape() {
		return &rwkverr.ShapeMismatch{Expected: wantScalar, Actual: w.Shape()}
	}
	if u.Shape() != wantScalar {
		return &rwkverr.ShapeMismatch{Expected: wantScalar, Actual: u.Shape()}
	}
	wantLens := [3]int{b, 1, 1}
	if lens.Shape() != wantLens {
		return &rwkverr.ShapeMismatch{Expected: wantLens, Actual: lens.Shape()}
	}
	headSize := stateIn.Shape()[1]
	if headSize <= 0 || c%headSize != 0 {
		return &rwkverr.ShapeMismatch{Expected: [3]int{c, 0, 0}, Actual: [3]int{0, headSize, 0}}
	}
	if stateIn.Shape()[0] != c || stateIn.Shape()[2] != b || stateOut.Shape() != stateIn.Shape() {
		return &rwkverr.ShapeMismatch{Expected: stateIn.Shape(), Actual: stateOut.Shape()}
	}
	gx, gy, gz := dims(k)
	enc.Record(ctx.Pipeline("token_mix_v5"), bind(k, v, r, w, u, lens, stateIn, out, stateOut), gx, gy, gz)
	return nil
}

// CopyTensor records the simple flat-offset copy_tensor extension
// for moves that don't need stride awareness.
func CopyTensor(enc *gpu.CommandEncoder, src, dst tensor.Handle, srcOffset, dstOffset, length uint64) {
	enc.CopyTensor(src.Buffer(), dst.Buffer(), srcOffset, dstOffset, length)
}
