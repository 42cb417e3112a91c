package model

import (
	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/kernel"
	"github.com/orneryd/rwkvcore/pkg/tensor"
	"github.com/orneryd/rwkvcore/pkg/weights"
)

// embedChunk gathers each batch's next perBatch[b] token rows out of
// the embedding table into a [NumEmb, maxT, maxBatch] tensor. Batches
// that contribute fewer than maxT tokens this step are zero-padded in
// the unused trailing rows; the lens mask keeps the padding from ever
// reaching the recurrent state.
//
// With the embedding on the GPU the gather is recorded as one blit per
// token (an embedding-row view into the output plane); with it on the
// CPU the rows are gathered on the host and uploaded in one piece.
func (m *Model) embedChunk(enc *gpu.CommandEncoder, tokens [][]uint16, perBatch []int, maxT int, info weights.ModelInfo) (*tensor.Tensor, error) {
	c := info.NumEmb
	maxBatch := len(tokens)

	if m.weights.EmbCPU != nil {
		out := tensor.GetFloat32(c * maxT * maxBatch)
		defer tensor.PutFloat32(out)
		for b, n := range perBatch {
			for t := 0; t < n; t++ {
				base := t*c + b*c*maxT
				id := int(tokens[b][t])
				for ci := 0; ci < c; ci++ {
					out[base+ci] = float32(m.weights.EmbCPU.At(ci, id, 0))
				}
			}
		}
		return tensor.FromData(m.ctx, [3]int{c, maxT, maxBatch}, gpu.F32, float32Bytes(out))
	}

	out, err := tensor.InitTensor(m.ctx, [3]int{c, maxT, maxBatch}, gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}
	for b, n := range perBatch {
		for t := 0; t < n; t++ {
			id := int(tokens[b][t])
			src, err := m.weights.EmbGPU.AsView([2]int{0, c}, [2]int{id, id + 1}, [2]int{0, 1})
			if err != nil {
				return nil, err
			}
			dst, err := out.AsView([2]int{0, c}, [2]int{t, t + 1}, [2]int{b, b + 1})
			if err != nil {
				return nil, err
			}
			if err := kernel.Blit(enc, m.ctx, src, dst); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// headProject matmuls the last-token residual stream view through the
// vocabulary projection into a ReadBack tensor. The fp16 path tiles
// the projection's output axis in headChunkSize-row slices so no
// single dispatch binds more of the matrix than the storage-buffer
// binding limit allows.
func (m *Model) headProject(enc *gpu.CommandEncoder, x tensor.Handle) (*tensor.Tensor, error) {
	mat := m.weights.Head
	outC := matrixOutDim(mat)
	tDim, bDim := x.Shape()[1], x.Shape()[2]

	rw, err := tensor.InitTensor(m.ctx, [3]int{outC, tDim, bDim}, gpu.F32, gpu.ReadWrite)
	if err != nil {
		return nil, err
	}

	switch {
	case mat.Quant != nil:
		q := mat.Quant
		if err := kernel.MatmulInt8(enc, m.ctx, x, q.U8, q.Mx, q.Rx, q.My, q.Ry, rw); err != nil {
			return nil, err
		}
	case mat.NF4 != nil:
		if err := kernel.MatmulNF4(enc, m.ctx, x, mat.NF4.U8, mat.NF4.Absmax, rw); err != nil {
			return nil, err
		}
	default:
		cin := x.Shape()[0]
		chunk := m.weights.Options.HeadChunkSize
		if chunk <= 0 || chunk > outC {
			chunk = outC
		}
		for r0 := 0; r0 < outC; r0 += chunk {
			r1 := r0 + chunk
			if r1 > outC {
				r1 = outC
			}
			wv, err := mat.FP16.AsView([2]int{0, cin}, [2]int{r0, r1}, [2]int{0, 1})
			if err != nil {
				return nil, err
			}
			outV, err := rw.AsView([2]int{r0, r1}, [2]int{0, tDim}, [2]int{0, bDim})
			if err != nil {
				return nil, err
			}
			if err := kernel.MatmulF16(enc, m.ctx, x, wv, outV); err != nil {
				return nil, err
			}
		}
	}

	back, err := tensor.InitTensor(m.ctx, [3]int{outC, tDim, bDim}, gpu.F32, gpu.ReadBack)
	if err != nil {
		return nil, err
	}
	if err := kernel.Blit(enc, m.ctx, rw, back); err != nil {
		return nil, err
	}
	return back, nil
}
