package softgpu

import (
	"math"

	"github.com/orneryd/rwkvcore/pkg/gpu"
)

// kernels maps every name in gpu.KernelNames to its softgpu
// implementation. Binding order is fixed per kernel: for each tensor
// operand, its data buffer immediately followed by its metadata
// buffer, inputs before outputs, left to right as listed in the
// kernel's doc comment. pkg/kernel records dispatches in this exact
// order; softgpu and any future real backend must agree on it.
var kernels = map[string]func([]*Buffer) error{
	"softmax":               softmax,
	"layer_norm":            layerNorm,
	"matmul_f16":            matmulF16,
	"matmul_int8":           matmulInt8,
	"add":                   add,
	"token_shift":           tokenShift,
	"token_mix_v4":          tokenMixV4,
	"token_mix_v5":          tokenMixV5,
	"squared_relu":          squaredRelu,
	"channel_mix":           channelMix,
	"blit":                  blit,
	"store_last":            storeLast,
	"scale":                 scale,
	"tanh":                  tanhKernel,
	"add_bias":              addBias,
	"quantize_stats_row":    quantizeStatsRow,
	"quantize_stats_col":    quantizeStatsCol,
	"quantize_apply":        quantizeApply,
	"quantize_stats_absmax": quantizeStatsAbsmax,
	"quantize_nf4":          quantizeNF4,
	"matmul_nf4":            matmulNF4,
	"quantize_vec_f16":      quantizeVecF16,
}

// tmeta is the decoded form of a gpu.TensorMeta uniform buffer: shape,
// stride and offset, read back out of the float32-valued metadata
// Buffer that carries them in softgpu's representation.
type tmeta struct {
	shape  [3]int
	stride [3]int
	offset int
}

func readMeta(b *Buffer) tmeta {
	round := func(f float32) int { return int(math.Round(float64(f))) }
	return tmeta{
		shape:  [3]int{round(b.data[0]), round(b.data[1]), round(b.data[2])},
		stride: [3]int{round(b.data[3]), round(b.data[4]), round(b.data[5])},
		offset: round(b.data[6]),
	}
}

func (m tmeta) at(c, t, b int) int {
	return m.offset + c*m.stride[0] + t*m.stride[1] + b*m.stride[2]
}

// pairs extracts (data buffer, tmeta) pairs from a dispatch's
// bindings slice, in the fixed input-then-output order described atop
// this file.
func pairs(bufs []*Buffer, n int) ([]*Buffer, []tmeta) {
	data := make([]*Buffer, n)
	metas := make([]tmeta, n)
	for i := 0; i < n; i++ {
		data[i] = bufs[2*i]
		metas[i] = readMeta(bufs[2*i+1])
	}
	return data, metas
}

func sigmoid(x float32) float32 { return float32(1 / (1 + math.Exp(-float64(x)))) }

// softmax(in, out): softmax over the channel axis, independently per
// (t, b).
func softmax(bufs []*Buffer) error {
	data, m := pairs(bufs, 2)
	in, out := data[0], data[1]
	im, om := m[0], m[1]
	shape := im.shape
	for t := 0; t < shape[1]; t++ {
		for b := 0; b < shape[2]; b++ {
			maxV := float32(math.Inf(-1))
			for c := 0; c < shape[0]; c++ {
				v := in.data[im.at(c, t, b)]
				if v > maxV {
					maxV = v
				}
			}
			var sum float32
			for c := 0; c < shape[0]; c++ {
				e := float32(math.Exp(float64(in.data[im.at(c, t, b)] - maxV)))
				out.data[om.at(c, t, b)] = e
				sum += e
			}
			for c := 0; c < shape[0]; c++ {
				out.data[om.at(c, t, b)] /= sum
			}
		}
	}
	return nil
}

// layer_norm(in, weight, bias, out): normalize over the channel axis
// per (t, b), scaling by weight[c] and shifting by bias[c].
func layerNorm(bufs []*Buffer) error {
	data, m := pairs(bufs, 4)
	in, w, bias, out := data[0], data[1], data[2], data[3]
	im, wm, bm, om := m[0], m[1], m[2], m[3]
	const eps = 1e-5
	shape := im.shape
	for t := 0; t < shape[1]; t++ {
		for b := 0; b < shape[2]; b++ {
			var mean float32
			for c := 0; c < shape[0]; c++ {
				mean += in.data[im.at(c, t, b)]
			}
			mean /= float32(shape[0])
			var variance float32
			for c := 0; c < shape[0]; c++ {
				d := in.data[im.at(c, t, b)] - mean
				variance += d * d
			}
			variance /= float32(shape[0])
			inv := float32(1 / math.Sqrt(float64(variance)+eps))
			for c := 0; c < shape[0]; c++ {
				x := (in.data[im.at(c, t, b)] - mean) * inv
				out.data[om.at(c, t, b)] = x*w.data[wm.at(c, 0, 0)] + bias.data[bm.at(c, 0, 0)]
			}
		}
	}
	return nil
}

// matmul_f16(a, w, out): out[co,t,b] = sum_ci a[ci,t,b] * w[ci,co,0].
func matmulF16(bufs []*Buffer) error {
	data, m := pairs(bufs, 3)
	a, w, out := data[0], data[1], data[2]
	am, wm, om := m[0], m[1], m[2]
	cin, cout := am.shape[0], om.shape[0]
	for t := 0; t < am.shape[1]; t++ {
		for b := 0; b < am.shape[2]; b++ {
			for co := 0; co < cout; co++ {
				var sum float32
				for ci := 0; ci < cin; ci++ {
					sum += a.data[am.at(ci, t, b)] * w.data[wm.at(ci, co, 0)]
				}
				out.data[om.at(co, t, b)] = sum
			}
		}
	}
	return nil
}

// matmul_int8(a, w, mx, rx, my, ry, out): as matmul_f16 but w is
// dequantized on the fly from an int8-coded matrix plus the row/column
// calibration produced by quantize_stats_row / quantize_stats_col:
// w[ci,co] ≈ mx[co] + my[ci] + (u8[ci,co]/255)*(rx[co]+ry[ci]).
func matmulInt8(bufs []*Buffer) error {
	data, m := pairs(bufs, 7)
	a, w, mx, rx, my, ry, out := data[0], data[1], data[2], data[3], data[4], data[5], data[6]
	am, wm, mxm, rxm, mym, rym, om := m[0], m[1], m[2], m[3], m[4], m[5], m[6]
	cin, cout := am.shape[0], om.shape[0]
	for t := 0; t < am.shape[1]; t++ {
		for b := 0; b < am.shape[2]; b++ {
			for co := 0; co < cout; co++ {
				var sum float32
				for ci := 0; ci < cin; ci++ {
					u8 := w.data[wm.at(ci, co, 0)]
					wv := mx.data[mxm.at(co, 0, 0)] + my.data[mym.at(ci, 0, 0)] +
						(u8/255)*(rx.data[rxm.at(co, 0, 0)]+ry.data[rym.at(ci, 0, 0)])
					sum += a.data[am.at(ci, t, b)] * wv
				}
				out.data[om.at(co, t, b)] = sum
			}
		}
	}
	return nil
}

func elementwise2(bufs []*Buffer, fn func(float32) float32) {
	data, m := pairs(bufs, 2)
	in, out := data[0], data[1]
	im, om := m[0], m[1]
	shape := im.shape
	for c := 0; c < shape[0]; c++ {
		for t := 0; t < shape[1]; t++ {
			for b := 0; b < shape[2]; b++ {
				out.data[om.at(c, t, b)] = fn(in.data[im.at(c, t, b)])
			}
		}
	}
}

func squaredRelu(bufs []*Buffer) error {
	elementwise2(bufs, func(x float32) float32 {
		if x < 0 {
			return 0
		}
		return x * x
	})
	return nil
}

// add(a, b, out): elementwise sum.
func add(bufs []*Buffer) error {
	data, m := pairs(bufs, 3)
	a, bb, out := data[0], data[1], data[2]
	am, bm, om := m[0], m[1], m[2]
	shape := am.shape
	for c := 0; c < shape[0]; c++ {
		for t := 0; t < shape[1]; t++ {
			for b := 0; b < shape[2]; b++ {
				out.data[om.at(c, t, b)] = a.data[am.at(c, t, b)] + bb.data[bm.at(c, t, b)]
			}
		}
	}
	return nil
}

// channel_mix(r, v, out): out = sigmoid(r) * v, the channel-mix gate
// applied after the value projection.
func channelMix(bufs []*Buffer) error {
	data, m := pairs(bufs, 3)
	r, v, out := data[0], data[1], data[2]
	rm, vm, om := m[0], m[1], m[2]
	shape := rm.shape
	for c := 0; c < shape[0]; c++ {
		for t := 0; t < shape[1]; t++ {
			for b := 0; b < shape[2]; b++ {
				out.data[om.at(c, t, b)] = sigmoid(r.data[rm.at(c, t, b)]) * v.data[vm.at(c, t, b)]
			}
		}
	}
	return nil
}

// token_shift(mix, cur, prev, out): out = mix*cur + (1-mix)*sx, where
// sx[:,0,:] = prev[:,0,:] and sx[:,t,:] = cur[:,t-1,:] for t >= 1.
// prev carries the last token of the preceding chunk (or zeros at
// sequence start). mix is either [C,1,1] (one ratio per channel) or
// [C,T,B] (a per-token ratio, the adapted variant).
func tokenShift(bufs []*Buffer) error {
	data, m := pairs(bufs, 4)
	mixBuf, cur, prev, out := data[0], data[1], data[2], data[3]
	xm, cm, pm, om := m[0], m[1], m[2], m[3]
	shape := cm.shape
	perToken := xm.shape[1] > 1 || xm.shape[2] > 1
	for c := 0; c < shape[0]; c++ {
		for b := 0; b < shape[2]; b++ {
			for t := 0; t < shape[1]; t++ {
				var sx float32
				if t == 0 {
					sx = prev.data[pm.at(c, 0, b)]
				} else {
					sx = cur.data[cm.at(c, t-1, b)]
				}
				ratio := mixBuf.data[xm.at(c, 0, 0)]
				if perToken {
					ratio = mixBuf.data[xm.at(c, t, b)]
				}
				x := cur.data[cm.at(c, t, b)]
				out.data[om.at(c, t, b)] = ratio*x + (1-ratio)*sx
			}
		}
	}
	return nil
}

// scale(in, factor, out): out = in * factor[0], the single-constant
// multiply used by the periodic layer rescale.
func scale(bufs []*Buffer) error {
	data, m := pairs(bufs, 3)
	in, factor, out := data[0], data[1], data[2]
	im, fm, om := m[0], m[1], m[2]
	f := factor.data[fm.at(0, 0, 0)]
	shape := im.shape
	for c := 0; c < shape[0]; c++ {
		for t := 0; t < shape[1]; t++ {
			for b := 0; b < shape[2]; b++ {
				out.data[om.at(c, t, b)] = in.data[im.at(c, t, b)] * f
			}
		}
	}
	return nil
}

func tanhKernel(bufs []*Buffer) error {
	elementwise2(bufs, func(x float32) float32 {
		return float32(math.Tanh(float64(x)))
	})
	return nil
}

// add_bias(x, bias, out): out[c,t,b] = x[c,t,b] + bias[c], the
// per-channel shift used to recombine adapter outputs with their base
// parameter vector.
func addBias(bufs []*Buffer) error {
	data, m := pairs(bufs, 3)
	x, bias, out := data[0], data[1], data[2]
	xm, bm, om := m[0], m[1], m[2]
	shape := xm.shape
	for c := 0; c < shape[0]; c++ {
		bv := bias.data[bm.at(c, 0, 0)]
		for t := 0; t < shape[1]; t++ {
			for b := 0; b < shape[2]; b++ {
				out.data[om.at(c, t, b)] = x.data[xm.at(c, t, b)] + bv
			}
		}
	}
	return nil
}

// blit(src, dst): stride-aware copy of src into dst, both addressed
// through their own metadata so a non-contiguous view on either side
// is handled correctly (unlike the flat-offset CopyOp).
func blit(bufs []*Buffer) error {
	data, m := pairs(bufs, 2)
	src, dst := data[0], data[1]
	sm, dm := m[0], m[1]
	shape := sm.shape
	for c := 0; c < shape[0]; c++ {
		for t := 0; t < shape[1]; t++ {
			for b := 0; b < shape[2]; b++ {
				dst.data[dm.at(c, t, b)] = src.data[sm.at(c, t, b)]
			}
		}
	}
	return nil
}

// store_last(x, lens, dst): dst[c,0,b] = x[c, lens[b]-1, b], the final
// valid token of each batch's sub-chunk. Batches with lens[b] == 0
// (no tokens drawn this step) leave dst untouched, so their shift
// register survives the step unchanged.
func storeLast(bufs []*Buffer) error {
	data, m := pairs(bufs, 3)
	x, lens, dst := data[0], data[1], data[2]
	xm, lm, dm := m[0], m[1], m[2]
	shape := xm.shape
	for b := 0; b < shape[2]; b++ {
		n := int(math.Round(float64(lens.data[lm.at(b, 0, 0)])))
		if n <= 0 {
			continue
		}
		for c := 0; c < shape[0]; c++ {
			dst.data[dm.at(c, 0, b)] = x.data[xm.at(c, n-1, b)]
		}
	}
	return nil
}

// quantize_vec_f16(in, out): narrows each element through binary16,
// so out carries exactly the values a real backend's half-precision
// storage would, even while softgpu keeps them in float32 slices.
func quantizeVecF16(bufs []*Buffer) error {
	elementwise2(bufs, func(x float32) float32 {
		return gpu.F16ToF32(gpu.F32ToF16(x))
	})
	return nil
}

// quantize_stats_row(mat, mx, rx): per-row (t axis) min and
// (max-min)/255 range, scanning over the channel axis.
func quantizeStatsRow(bufs []*Buffer) error {
	data, m := pairs(bufs, 3)
	mat, mx, rx := data[0], data[1], data[2]
	mm, mxm, rxm := m[0], m[1], m[2]
	shape := mm.shape
	for t := 0; t < shape[1]; t++ {
		mn, mxV := float32(math.Inf(1)), float32(math.Inf(-1))
		for c := 0; c < shape[0]; c++ {
			v := mat.data[mm.at(c, t, 0)]
			if v < mn {
				mn = v
			}
			if v > mxV {
				mxV = v
			}
		}
		mx.data[mxm.at(t, 0, 0)] = mn
		r := (mxV - mn) / 255
		if r == 0 {
			r = 1e-6
		}
		rx.data[rxm.at(t, 0, 0)] = r
	}
	return nil
}

// quantize_stats_col(mat, my, ry): per-column (channel axis) min and
// (max-min)/255 range, scanning over the t axis.
func quantizeStatsCol(bufs []*Buffer) error {
	data, m := pairs(bufs, 3)
	mat, my, ry := data[0], data[1], data[2]
	mm, mym, rym := m[0], m[1], m[2]
	shape := mm.shape
	for c := 0; c < shape[0]; c++ {
		mn, mxV := float32(math.Inf(1)), float32(math.Inf(-1))
		for t := 0; t < shape[1]; t++ {
			v := mat.data[mm.at(c, t, 0)]
			if v < mn {
				mn = v
			}
			if v > mxV {
				mxV = v
			}
		}
		my.data[mym.at(c, 0, 0)] = mn
		r := (mxV - mn) / 255
		if r == 0 {
			r = 1e-6
		}
		ry.data[rym.at(c, 0, 0)] = r
	}
	return nil
}

// quantize_apply(mat, mx, rx, my, ry, out): codes each element against
// the combined row+column calibration into [0,255].
func quantizeApply(bufs []*Buffer) error {
	data, m := pairs(bufs, 6)
	mat, mx, rx, my, ry, out := data[0], data[1], data[2], data[3], data[4], data[5]
	mm, mxm, rxm, mym, rym, om := m[0], m[1], m[2], m[3], m[4], m[5]
	shape := mm.shape
	for c := 0; c < shape[0]; c++ {
		for t := 0; t < shape[1]; t++ {
			pred := mx.data[mxm.at(t, 0, 0)] + my.data[mym.at(c, 0, 0)]
			scale := rx.data[rxm.at(t, 0, 0)] + ry.data[rym.at(c, 0, 0)]
			if scale == 0 {
				scale = 1e-6
			}
			code := (mat.data[mm.at(c, t, 0)] - pred) / scale * 255
			if code < 0 {
				code = 0
			}
			if code > 255 {
				code = 255
			}
			out.data[om.at(c, t, 0)] = float32(math.Round(float64(code)))
		}
	}
	return nil
}

// nf4Table holds the 16 normal-float quantization levels, symmetric
// around zero and denser near it, scaled per column by the absmax
// vector quantize_stats_absmax produces.
var nf4Table = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0.0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

// quantize_stats_absmax(mat, absmax): per-column (t axis) maximum
// absolute value, the scale the nf4 coder divides by.
func quantizeStatsAbsmax(bufs []*Buffer) error {
	data, m := pairs(bufs, 2)
	mat, absmax := data[0], data[1]
	mm, am := m[0], m[1]
	shape := mm.shape
	for t := 0; t < shape[1]; t++ {
		var mx float32
		for c := 0; c < shape[0]; c++ {
			v := mat.data[mm.at(c, t, 0)]
			if v < 0 {
				v = -v
			}
			if v > mx {
				mx = v
			}
		}
		if mx == 0 {
			mx = 1e-6
		}
		absmax.data[am.at(t, 0, 0)] = mx
	}
	return nil
}

// quantize_nf4(mat, absmax, out): codes each element to the index of
// the nearest nf4 level after dividing by its column's absmax. One
// code per byte; no nibble packing.
func quantizeNF4(bufs []*Buffer) error {
	data, m := pairs(bufs, 3)
	mat, absmax, out := data[0], data[1], data[2]
	mm, am, om := m[0], m[1], m[2]
	shape := mm.shape
	for t := 0; t < shape[1]; t++ {
		scale := absmax.data[am.at(t, 0, 0)]
		for c := 0; c < shape[0]; c++ {
			v := mat.data[mm.at(c, t, 0)] / scale
			best, bestDist := 0, float32(math.Inf(1))
			for i, level := range nf4Table {
				d := v - level
				if d < 0 {
					d = -d
				}
				if d < bestDist {
					best, bestDist = i, d
				}
			}
			out.data[om.at(c, t, 0)] = float32(best)
		}
	}
	return nil
}

// matmul_nf4(a, w, absmax, out): as matmul_f16 but w holds nf4 codes
// decoded through the level table and the per-column absmax.
func matmulNF4(bufs []*Buffer) error {
	data, m := pairs(bufs, 4)
	a, w, absmax, out := data[0], data[1], data[2], data[3]
	am, wm, axm, om := m[0], m[1], m[2], m[3]
	cin, cout := am.shape[0], om.shape[0]
	for t := 0; t < am.shape[1]; t++ {
		for b := 0; b < am.shape[2]; b++ {
			for co := 0; co < cout; co++ {
				scaleV := absmax.data[axm.at(co, 0, 0)]
				var sum float32
				for ci := 0; ci < cin; ci++ {
					code := int(w.data[wm.at(ci, co, 0)])
					if code < 0 {
						code = 0
					}
					if code > 15 {
						code = 15
					}
					sum += a.data[am.at(ci, t, b)] * nf4Table[code] * scaleV
				}
				out.data[om.at(co, t, b)] = sum
			}
		}
	}
	return nil
}

// token_mix_v4(k, v, r, w, u, lens, stateIn, out, stateOut): the
// RWKV-v4 WKV recurrence, per channel and batch independently.
// stateIn / stateOut carry [aa, bb, pp] along their t axis (shape
// [C, 3, B]); w is the per-channel log time-decay, u the bonus applied
// to the current step only. lens[b] is the count of valid tokens in
// batch b's sub-chunk; the recurrence stops there so zero-padded
// positions never advance the state.
func tokenMixV4(bufs []*Buffer) error {
	data, m := pairs(bufs, 9)
	k, v, r, w, u, lens, stateIn, out, stateOut := data[0], data[1], data[2], data[3], data[4], data[5], data[6], data[7], data[8]
	km, vm, rm, wm, um, lm, sim, om, som := m[0], m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8]
	shape := km.shape
	for c := 0; c < shape[0]; c++ {
		for b := 0; b < shape[2]; b++ {
			valid := int(math.Round(float64(lens.data[lm.at(b, 0, 0)])))
			aa := stateIn.data[sim.at(c, 0, b)]
			bb := stateIn.data[sim.at(c, 1, b)]
			pp := stateIn.data[sim.at(c, 2, b)]
			wc := w.data[wm.at(c, 0, 0)]
			uc := u.data[um.at(c, 0, 0)]
			for t := 0; t < valid; t++ {
				kk := k.data[km.at(c, t, b)]
				vv := v.data[vm.at(c, t, b)]

				ww := uc + kk
				p := maxf(pp, ww)
				e1 := float32(math.Exp(float64(pp - p)))
				e2 := float32(math.Exp(float64(ww - p)))
				wkv := (e1*aa + e2*vv) / (e1*bb + e2)
				out.data[om.at(c, t, b)] = sigmoid(r.data[rm.at(c, t, b)]) * wkv

				ww2 := wc + pp
				p2 := maxf(ww2, kk)
				e1b := float32(math.Exp(float64(ww2 - p2)))
				e2b := float32(math.Exp(float64(kk - p2)))
				aa = e1b*aa + e2b*vv
				bb = e1b*bb + e2b
				pp = p2
			}
			stateOut.data[som.at(c, 0, b)] = aa
			stateOut.data[som.at(c, 1, b)] = bb
			stateOut.data[som.at(c, 2, b)] = pp
		}
	}
	return nil
}

// token_mix_v5(k, v, r, w, u, lens, stateIn, out, stateOut): the
// RWKV-v5/v6 matrix-valued linear-attention recurrence. Channels are
// grouped into heads of headSize = stateIn.shape[1]; stateIn/stateOut
// hold one headSize x headSize matrix per head per batch, flattened
// along their t axis. w (log time-decay) is [C,1,1] for v5 or [C,T,B]
// for v6's per-token adapted decay. lens masks zero-padded positions
// as in token_mix_v4.
func tokenMixV5(bufs []*Buffer) error {
	data, m := pairs(bufs, 9)
	k, v, r, w, u, lens, stateIn, out, stateOut := data[0], data[1], data[2], data[3], data[4], data[5], data[6], data[7], data[8]
	km, vm, rm, wm, um, lm, sim, om, som := m[0], m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8]
	shape := km.shape
	headSize := sim.shape[1]
	if headSize == 0 {
		return nil
	}
	numHeads := shape[0] / headSize
	perTokenDecay := wm.shape[1] > 1 || wm.shape[2] > 1

	decayAt := func(c, t, b int) float32 {
		var logW float32
		if perTokenDecay {
			logW = w.data[wm.at(c, t, b)]
		} else {
			logW = w.data[wm.at(c, 0, 0)]
		}
		return float32(math.Exp(-math.Exp(float64(logW))))
	}

	for b := 0; b < shape[2]; b++ {
		valid := int(math.Round(float64(lens.data[lm.at(b, 0, 0)])))
		for h := 0; h < numHeads; h++ {
			base := h * headSize
			state := make([]float32, headSize*headSize)
			for row := 0; row < headSize; row++ {
				for col := 0; col < headSize; col++ {
					state[row*headSize+col] = stateIn.data[sim.at(base+row, col, b)]
				}
			}
			bonus := make([]float32, headSize)
			for row := 0; row < headSize; row++ {
				bonus[row] = u.data[um.at(base+row, 0, 0)]
			}

			for t := 0; t < valid; t++ {
				for row := 0; row < headSize; row++ {
					kv := k.data[km.at(base+row, t, b)]
					decay := decayAt(base+row, t, b)
					var acc float32
					for col := 0; col < headSize; col++ {
						vv := v.data[vm.at(base+col, t, b)]
						cell := state[row*headSize+col]
						acc += (cell + bonus[row]*kv*vv) * r.data[rm.at(base+col, t, b)]
						state[row*headSize+col] = decay*cell + kv*vv
					}
					out.data[om.at(base+row, t, b)] = acc
				}
			}

			for row := 0; row < headSize; row++ {
				for col := 0; col < headSize; col++ {
					stateOut.data[som.at(base+row, col, b)] = state[row*headSize+col]
				}
			}
		}
	}
	return nil
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
