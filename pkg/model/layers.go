package model

import (
	"encoding/binary"
	"math"

	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/kernel"
	"github.com/orneryd/rwkvcore/pkg/state"
	"github.com/orneryd/rwkvcore/pkg/tensor"
	"github.com/orneryd/rwkvcore/pkg/weights"
)

func float32Bytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// matmul dispatches the matmul variant matching how mat was quantized
// at load time. The variant is fixed per layer at load; branching here
// at the call site keeps the inner loop free of virtual dispatch.
func matmul(enc *gpu.CommandEncoder, ctx *gpu.Context, a tensor.Handle, mat weights.Matrix, out tensor.Handle) error {
	switch {
	case mat.Quant != nil:
		q := mat.Quant
		return kernel.MatmulInt8(enc, ctx, a, q.U8, q.Mx, q.Rx, q.My, q.Ry, out)
	case mat.NF4 != nil:
		return kernel.MatmulNF4(enc, ctx, a, mat.NF4.U8, mat.NF4.Absmax, out)
	default:
		return kernel.MatmulF16(enc, ctx, a, mat.FP16, out)
	}
}

// matrixOutDim is the output-channel count of a matrix regardless of
// its storage encoding.
func matrixOutDim(mat weights.Matrix) int {
	switch {
	case mat.Quant != nil:
		return mat.Quant.Mx.Shape()[0]
	case mat.NF4 != nil:
		return mat.NF4.Absmax.Shape()[0]
	default:
		return mat.FP16.Shape()[1]
	}
}

func (m *Model) layerNorm(enc *gpu.CommandEncoder, x tensor.Handle, w, b tensor.Handle) (*tensor.Tensor, error) {
	out, err := tensor.InitTensor(m.ctx, x.Shape(), gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := kernel.LayerNorm(enc, m.ctx, x, w, b, out); err != nil {
		return nil, err
	}
	return out, nil
}

// layer runs one transformer block's att and ffn sub-blocks, branching
// on version for the time-mix internals.
func (m *Model) layer(enc *gpu.CommandEncoder, l int, x, lens *tensor.Tensor, st *state.State) (*tensor.Tensor, error) {
	lw := m.weights.Layers[l]
	info := m.weights.Info

	attOut, err := m.attBlock(enc, l, x, lens, lw, info, st)
	if err != nil {
		return nil, err
	}
	xAfterAtt, err := tensor.InitTensor(m.ctx, x.Shape(), gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := kernel.Add(enc, m.ctx, x, attOut, xAfterAtt); err != nil {
		return nil, err
	}

	ffnOut, err := m.ffnBlock(enc, l, xAfterAtt, lens, lw, info, st)
	if err != nil {
		return nil, err
	}
	xAfterFfn, err := tensor.InitTensor(m.ctx, x.Shape(), gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := kernel.Add(enc, m.ctx, xAfterAtt, ffnOut, xAfterFfn); err != nil {
		return nil, err
	}
	return xAfterFfn, nil
}

func (m *Model) attBlock(enc *gpu.CommandEncoder, l int, x, lens *tensor.Tensor, lw weights.LayerWeights, info weights.ModelInfo, st *state.State) (*tensor.Tensor, error) {
	x1, err := m.layerNorm(enc, x, lw.Att.LN1W, lw.Att.LN1B)
	if err != nil {
		return nil, err
	}

	attState, err := st.Att(l)
	if err != nil {
		return nil, err
	}
	prev, err := asRowView(attState, 0)
	if err != nil {
		return nil, err
	}

	var xk, xv, xr *tensor.Tensor
	var decayTok tensor.Handle = lw.Att.TimeDecay
	if info.Version == weights.V6 {
		xk, xv, xr, decayTok, err = m.adaptedShift(enc, x1, prev, lw)
		if err != nil {
			return nil, err
		}
	} else {
		if xk, err = m.shiftMixed(enc, lw.Att.TimeMixK, x1, prev); err != nil {
			return nil, err
		}
		if xv, err = m.shiftMixed(enc, lw.Att.TimeMixV, x1, prev); err != nil {
			return nil, err
		}
		if xr, err = m.shiftMixed(enc, lw.Att.TimeMixR, x1, prev); err != nil {
			return nil, err
		}
	}

	k, err := m.projected(enc, xk, lw.Att.K)
	if err != nil {
		return nil, err
	}
	v, err := m.projected(enc, xv, lw.Att.V)
	if err != nil {
		return nil, err
	}
	r, err := m.projected(enc, xr, lw.Att.R)
	if err != nil {
		return nil, err
	}

	wkv, err := tensor.InitTensor(m.ctx, x1.Shape(), gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}

	if info.Version == weights.V4 {
		// rows 1..4 of the att state carry [aa, bb, pp]; row 0 is last-x
		wkvState, err := rowsView(attState, 1, 3)
		if err != nil {
			return nil, err
		}
		if err := kernel.TokenMixV4(enc, m.ctx, k, v, r, lw.Att.TimeDecay, lw.Att.TimeFirst, lens, wkvState, wkv, wkvState); err != nil {
			return nil, err
		}
	} else {
		headState, err := rowsView(attState, 1, info.HeadSize())
		if err != nil {
			return nil, err
		}
		if err := kernel.TokenMixV5(enc, m.ctx, k, v, r, decayTok, lw.Att.TimeFirst, lens, headState, wkv, headState); err != nil {
			return nil, err
		}
	}

	gated := wkv
	if lw.Att.Gate != nil {
		g, err := m.projected(enc, xr, *lw.Att.Gate)
		if err != nil {
			return nil, err
		}
		gated, err = tensor.InitTensor(m.ctx, wkv.Shape(), gpu.F32, gpu.ReadWrite)
		if err != nil {
			return nil, err
		}
		if err := kernel.ChannelMix(enc, m.ctx, g, wkv, gated); err != nil {
			return nil, err
		}
	}

	out, err := m.projected(enc, gated, lw.Att.O)
	if err != nil {
		return nil, err
	}

	if err := kernel.StoreLast(enc, m.ctx, x1, lens, prev); err != nil {
		return nil, err
	}

	return out, nil
}

// shiftMixed records one fused token-shift dispatch: out = mix*x +
// (1-mix)*shift(x, prev).
func (m *Model) shiftMixed(enc *gpu.CommandEncoder, mix tensor.Handle, x *tensor.Tensor, prev tensor.Handle) (*tensor.Tensor, error) {
	out, err := tensor.InitTensor(m.ctx, x.Shape(), gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := kernel.TokenShift(enc, m.ctx, mix, x, prev, out); err != nil {
		return nil, err
	}
	return out, nil
}

// adaptedShift is the V6 time-mix path: the shift delta is pushed
// through a low-rank adapter (down-project, tanh, up-project through
// the adapter's transpose) to produce per-token mix ratios for k/v/r
// and a per-token log time-decay.
func (m *Model) adaptedShift(enc *gpu.CommandEncoder, x1 *tensor.Tensor, prev tensor.Handle, lw weights.LayerWeights) (xk, xv, xr *tensor.Tensor, decayTok tensor.Handle, err error) {
	// sx - x1: pure shift via a zero mix ratio, then subtract
	sx, err := m.shiftMixed(enc, m.zeroMix, x1, prev)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	negX, err := tensor.InitTensor(m.ctx, x1.Shape(), gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err = kernel.Scale(enc, m.ctx, x1, m.minusOne, negX); err != nil {
		return nil, nil, nil, nil, err
	}
	diff, err := tensor.InitTensor(m.ctx, x1.Shape(), gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err = kernel.Add(enc, m.ctx, sx, negX, diff); err != nil {
		return nil, nil, nil, nil, err
	}

	mixUp, err := m.adapterUp(enc, diff, lw.Att.TimeMixAdapter)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	perTok := func(base tensor.Handle) (*tensor.Tensor, error) {
		mixTok, err := tensor.InitTensor(m.ctx, x1.Shape(), gpu.F32, gpu.ReadWrite)
		if err != nil {
			return nil, err
		}
		if err := kernel.AddBias(enc, m.ctx, mixUp, base, mixTok); err != nil {
			return nil, err
		}
		return m.shiftMixed(enc, mixTok, x1, prev)
	}
	if xk, err = perTok(lw.Att.TimeMixK); err != nil {
		return nil, nil, nil, nil, err
	}
	if xv, err = perTok(lw.Att.TimeMixV); err != nil {
		return nil, nil, nil, nil, err
	}
	if xr, err = perTok(lw.Att.TimeMixR); err != nil {
		return nil, nil, nil, nil, err
	}

	decayUp, err := m.adapterUp(enc, diff, lw.Att.TimeDecayAdapter)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	decay, err := tensor.InitTensor(m.ctx, x1.Shape(), gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err = kernel.AddBias(enc, m.ctx, decayUp, lw.Att.TimeDecay, decay); err != nil {
		return nil, nil, nil, nil, err
	}

	return xk, xv, xr, decay, nil
}

// adapterUp pushes diff through adapter (down), tanh, and the
// adapter's transpose (up), yielding a [NumEmb, T, B] offset.
func (m *Model) adapterUp(enc *gpu.CommandEncoder, diff *tensor.Tensor, adapter *tensor.Tensor) (*tensor.Tensor, error) {
	adapterSize := adapter.Shape()[1]
	down, err := tensor.InitTensor(m.ctx, [3]int{adapterSize, diff.Shape()[1], diff.Shape()[2]}, gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := kernel.MatmulF16(enc, m.ctx, diff, adapter, down); err != nil {
		return nil, err
	}
	th, err := tensor.InitTensor(m.ctx, down.Shape(), gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := kernel.Tanh(enc, m.ctx, down, th); err != nil {
		return nil, err
	}
	upW, err := adapter.Transpose()
	if err != nil {
		return nil, err
	}
	up, err := tensor.InitTensor(m.ctx, diff.Shape(), gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := kernel.MatmulF16(enc, m.ctx, th, upW, up); err != nil {
		return nil, err
	}
	return up, nil
}

func (m *Model) ffnBlock(enc *gpu.CommandEncoder, l int, x, lens *tensor.Tensor, lw weights.LayerWeights, info weights.ModelInfo, st *state.State) (*tensor.Tensor, error) {
	x2, err := m.layerNorm(enc, x, lw.Ffn.LN2W, lw.Ffn.LN2B)
	if err != nil {
		return nil, err
	}

	ffnState, err := st.Ffn(l)
	if err != nil {
		return nil, err
	}

	xk, err := m.shiftMixed(enc, lw.Ffn.TimeMixK, x2, ffnState)
	if err != nil {
		return nil, err
	}
	xr, err := m.shiftMixed(enc, lw.Ffn.TimeMixR, x2, ffnState)
	if err != nil {
		return nil, err
	}

	k, err := m.projected(enc, xk, lw.Ffn.K)
	if err != nil {
		return nil, err
	}
	sq, err := tensor.InitTensor(m.ctx, k.Shape(), gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := kernel.SquaredReLU(enc, m.ctx, k, sq); err != nil {
		return nil, err
	}
	v, err := m.projected(enc, sq, lw.Ffn.V)
	if err != nil {
		return nil, err
	}
	r, err := m.projected(enc, xr, lw.Ffn.R)
	if err != nil {
		return nil, err
	}

	out, err := tensor.InitTensor(m.ctx, v.Shape(), gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := kernel.ChannelMix(enc, m.ctx, r, v, out); err != nil {
		return nil, err
	}

	if err := kernel.StoreLast(enc, m.ctx, x2, lens, ffnState); err != nil {
		return nil, err
	}

	return out, nil
}

func (m *Model) projected(enc *gpu.CommandEncoder, x *tensor.Tensor, mat weights.Matrix) (*tensor.Tensor, error) {
	out, err := tensor.InitTensor(m.ctx, [3]int{matrixOutDim(mat), x.Shape()[1], x.Shape()[2]}, gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := matmul(enc, m.ctx, x, mat, out); err != nil {
		return nil, err
	}
	return out, nil
}

func asRowView(v *tensor.View, row int) (*tensor.View, error) {
	shape := v.Shape()
	return v.AsView([2]int{0, shape[0]}, [2]int{row, row + 1}, [2]int{0, shape[2]})
}

func rowsView(v *tensor.View, start, n int) (*tensor.View, error) {
	shape := v.Shape()
	return v.AsView([2]int{0, shape[0]}, [2]int{start, start + n}, [2]int{0, shape[2]})
}
