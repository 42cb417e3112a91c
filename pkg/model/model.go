// Package model implements the RWKV forward pass: a
// tagged V4/V5/V6 variant composing the kernel library over loaded
// weights and recurrent state, with the chunking protocol that governs
// which batch's logits are emitted each step.
package model

import (
	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/kernel"
	"github.com/orneryd/rwkvcore/pkg/rwkverr"
	"github.com/orneryd/rwkvcore/pkg/state"
	"github.com/orneryd/rwkvcore/pkg/tensor"
	"github.com/orneryd/rwkvcore/pkg/weights"
	"github.com/sirupsen/logrus"
)

// Model is the tagged V4/V5/V6 variant: one outer Run contract, with
// per-layer internals that branch on Weights.Info.Version at each
// compute site rather than through separate implementing types.
type Model struct {
	ctx     *gpu.Context
	weights *weights.Weights

	// shared constants bound by rescale and V6 adapter dispatches
	half     *tensor.Tensor // [1,1,1] = 0.5
	minusOne *tensor.Tensor // [1,1,1] = -1
	zeroMix  *tensor.Tensor // [NumEmb,1,1] zeros
}

// New binds a Model to already-loaded weights and allocates the small
// constant tensors the forward pass binds on every step.
func New(ctx *gpu.Context, w *weights.Weights) (*Model, error) {
	m := &Model{ctx: ctx, weights: w}
	var err error
	if m.half, err = tensor.FromData(ctx, [3]int{1, 1, 1}, gpu.F32, float32Bytes([]float32{0.5})); err != nil {
		return nil, err
	}
	if m.minusOne, err = tensor.FromData(ctx, [3]int{1, 1, 1}, gpu.F32, float32Bytes([]float32{-1})); err != nil {
		return nil, err
	}
	if m.zeroMix, err = tensor.InitTensor(ctx, [3]int{w.Info.NumEmb, 1, 1}, gpu.F32, gpu.ReadWrite); err != nil {
		return nil, err
	}
	return m, nil
}

// Info returns the model's dimensions and version.
func (m *Model) Info() weights.ModelInfo { return m.weights.Info }

// Ctx returns the GPU context this model was bound to, for callers
// (pkg/job) that need to create their own command encoders to drive
// BuildStep/FinishStep independently of Run.
func (m *Model) Ctx() *gpu.Context { return m.ctx }

// ChunkPlan is the result of applying the chunking protocol to one
// Run call. The Job Runtime (pkg/job) peeks at a ChunkPlan ahead
// of building its job to decide whether a speculatively-built job is
// still compatible with the actual next step.
type ChunkPlan struct {
	PerBatch []int // tokens consumed from each batch this step
	Last     int   // batch index whose logits are emitted, or -1
}

// Compatible reports whether a job built for plan p could still serve
// plan other without rebuilding: the two steps must draw from the same
// batches with identical per-batch token counts, since that shape
// drives every tensor allocation a built job holds.
func (p ChunkPlan) Compatible(other ChunkPlan) bool {
	if len(p.PerBatch) != len(other.PerBatch) {
		return false
	}
	for i := range p.PerBatch {
		if p.PerBatch[i] != other.PerBatch[i] {
			return false
		}
	}
	return p.Last == other.Last
}

// Plan implements the chunking protocol: draw up to tokenChunkSize
// tokens in ascending batch order; the last batch that both consumed
// tokens this step and still holds leftovers is the one whose logits
// are emitted. When every drawn batch was fully consumed, the final
// drawn batch emits instead (it just reached the end of its prompt).
func Plan(tokens [][]uint16, tokenChunkSize int) ChunkPlan {
	perBatch := make([]int, len(tokens))
	remaining := tokenChunkSize
	for b, toks := range tokens {
		if remaining <= 0 {
			break
		}
		take := len(toks)
		if take > remaining {
			take = remaining
		}
		perBatch[b] = take
		remaining -= take
	}

	last := -1
	for b := len(tokens) - 1; b >= 0; b-- {
		if perBatch[b] > 0 && len(tokens[b]) > perBatch[b] {
			last = b
			break
		}
	}
	if last == -1 {
		for b := len(tokens) - 1; b >= 0; b-- {
			if perBatch[b] > 0 {
				last = b
				break
			}
		}
	}
	return ChunkPlan{PerBatch: perBatch, Last: last}
}

// Run consumes up to the configured token_chunk_size tokens total,
// draining consumed prefixes out of tokens in place, and returns
// per-batch logits: nil for every batch except the one Plan picks to
// emit (the last drawn batch that still has leftover tokens after
// chunking or, when every drawn batch was fully consumed, the final
// drawn batch). It is BuildStep,
// an immediate Submit, and FinishStep composed into one call; pkg/job
// drives those three stages independently to pipeline successive
// steps.
func (m *Model) Run(tokens [][]uint16, st *state.State, tokenChunkSize int) ([][]float32, error) {
	enc := m.ctx.NewEncoder()
	p, logits, err := m.BuildStep(enc, tokens, st, tokenChunkSize)
	if err != nil {
		return nil, err
	}
	if err := enc.Submit(); err != nil {
		return nil, err
	}
	return m.FinishStep(tokens, p, logits)
}

// BuildStep records every dispatch for one forward-pass chunk onto enc
// without submitting: embedding gather, every transformer layer, the
// final layer norm, and (when this step's chunk plan names an
// emitting batch) the head projection into a
// ReadBack logits tensor. Returns the plan that was computed and, when
// p.Last < 0, a nil logits tensor.
func (m *Model) BuildStep(enc *gpu.CommandEncoder, tokens [][]uint16, st *state.State, tokenChunkSize int) (ChunkPlan, *tensor.Tensor, error) {
	if tokenChunkSize <= 0 || tokenChunkSize&(tokenChunkSize-1) != 0 {
		return ChunkPlan{}, nil, &rwkverr.InvalidChunkSize{Size: tokenChunkSize}
	}
	if len(tokens) != st.MaxBatch() {
		return ChunkPlan{}, nil, &rwkverr.BatchSize{Given: len(tokens), Max: st.MaxBatch()}
	}
	if st.Info().Version != m.weights.Info.Version {
		return ChunkPlan{}, nil, rwkverr.ErrStateVersionMismatch
	}
	total := 0
	for _, t := range tokens {
		total += len(t)
	}
	if total == 0 {
		return ChunkPlan{}, nil, rwkverr.ErrEmptyInput
	}

	p := Plan(tokens, tokenChunkSize)
	logrus.WithFields(logrus.Fields{"last_batch": p.Last, "total": total}).Debug("forward pass chunk")

	info := m.weights.Info
	maxT := 0
	for _, n := range p.PerBatch {
		if n > maxT {
			maxT = n
		}
	}
	if maxT == 0 {
		maxT = 1
	}

	lensVals := make([]float32, len(p.PerBatch))
	for b, n := range p.PerBatch {
		lensVals[b] = float32(n)
	}
	lens, err := tensor.FromData(m.ctx, [3]int{len(p.PerBatch), 1, 1}, gpu.F32, float32Bytes(lensVals))
	if err != nil {
		return ChunkPlan{}, nil, err
	}

	x, err := m.embedChunk(enc, tokens, p.PerBatch, maxT, info)
	if err != nil {
		return ChunkPlan{}, nil, err
	}

	for l := 0; l < info.NumLayer; l++ {
		x, err = m.layer(enc, l, x, lens, st)
		if err != nil {
			return ChunkPlan{}, nil, err
		}
		if m.weights.Options.Rescale > 0 && (l+1)%m.weights.Options.Rescale == 0 {
			halved, err := tensor.InitTensor(m.ctx, x.Shape(), gpu.F32, gpu.ReadWrite)
			if err != nil {
				return ChunkPlan{}, nil, err
			}
			if err := kernel.Scale(enc, m.ctx, x, m.half, halved); err != nil {
				return ChunkPlan{}, nil, err
			}
			x = halved
		}
	}

	xn, err := m.layerNorm(enc, x, m.weights.LNOutW, m.weights.LNOutB)
	if err != nil {
		return ChunkPlan{}, nil, err
	}

	if p.Last < 0 {
		return p, nil, nil
	}

	lastTokenView, err := xn.AsView([2]int{0, info.NumEmb}, [2]int{p.PerBatch[p.Last] - 1, p.PerBatch[p.Last]}, [2]int{p.Last, p.Last + 1})
	if err != nil {
		return ChunkPlan{}, nil, err
	}
	logits, err := m.headProject(enc, lastTokenView)
	if err != nil {
		return ChunkPlan{}, nil, err
	}
	return p, logits, nil
}

// FinishStep drains the tokens this step consumed and, if the step
// produced a logits tensor, maps it back to host memory. Must only be
// called after the encoder BuildStep recorded onto has been submitted.
func (m *Model) FinishStep(tokens [][]uint16, p ChunkPlan, logits *tensor.Tensor) ([][]float32, error) {
	logitsOut := make([][]float32, len(tokens))
	if logits != nil {
		back, err := logits.BackAsync()
		if err != nil {
			return nil, err
		}
		logitsOut[p.Last] = back.Float32()
	}

	for b := range tokens {
		tokens[b] = tokens[b][p.PerBatch[b]:]
	}

	return logitsOut, nil
}

// Softmax is a convenience vectorized softmax, used by
// samplers that already have per-batch logits in hand.
func (m *Model) Softmax(inputs [][]float32) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		if in == nil {
			continue
		}
		shape := [3]int{len(in), 1, 1}
		t, err := tensor.FromData(m.ctx, shape, gpu.F32, float32Bytes(in))
		if err != nil {
			return nil, err
		}
		dst, err := tensor.InitTensor(m.ctx, shape, gpu.F32, gpu.ReadBack)
		if err != nil {
			return nil, err
		}
		enc := m.ctx.NewEncoder()
		if err := kernel.Softmax(enc, m.ctx, t, dst); err != nil {
			return nil, err
		}
		if err := enc.Submit(); err != nil {
			return nil, err
		}
		back, err := dst.BackAsync()
		if err != nil {
			return nil, err
		}
		out[i] = back.Float32()
	}
	return out, nil
}
