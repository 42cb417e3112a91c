// Package job implements the pipelined step runtime: a
// single-writer, single-reader worker that drains forward-pass
// submissions off a capacity-1 channel, overlapping a step's GPU
// readback with speculatively building the next step's job.
package job

import (
	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/model"
	"github.com/orneryd/rwkvcore/pkg/state"
	"github.com/orneryd/rwkvcore/pkg/tensor"
)

// Job is one forward-pass step in progress: the command encoder its
// dispatches were recorded onto, the chunk plan that load derived, and
// the logits tensor submit will eventually fill (nil if this step
// emits no logits).
type Job struct {
	model  *model.Model
	state  *state.State
	chunk  model.ChunkPlan
	enc    *gpu.CommandEncoder
	logits *tensor.Tensor
	built  bool
}

// build allocates a fresh job bound to a model. Pipelines themselves
// were already compiled once at Context construction,
// so there is nothing else to do at this stage until load records
// actual dispatches.
func build(m *model.Model) *Job {
	return &Job{model: m}
}

// check reports whether j was built for the same state and a chunk
// plan compatible with info, i.e. whether the speculative job the
// worker built last iteration can serve this iteration's actual
// tokens without rebuilding.
func (j *Job) check(st *state.State, info model.ChunkPlan) bool {
	return j.built && j.state == st && j.chunk.Compatible(info)
}

// load records every dispatch for this step's chunk onto j's encoder.
// tokenChunkSize is threaded through rather than cached on Job so a
// reused (checked-compatible) job still re-derives against the live
// config if it changed between builds.
func (j *Job) load(st *state.State, tokens [][]uint16, tokenChunkSize int) error {
	enc := j.model.Ctx().NewEncoder()
	plan, logits, err := j.model.BuildStep(enc, tokens, st, tokenChunkSize)
	if err != nil {
		return err
	}
	j.enc = enc
	j.state = st
	j.chunk = plan
	j.logits = logits
	j.built = true
	return nil
}

// submit pushes j's recorded dispatches to the queue.
func (j *Job) submit() error {
	return j.enc.Submit()
}

// back awaits this step's readback and drains tokens of the prefix the
// step consumed, returning per-batch logits in Model.Run's contract.
func (j *Job) back(tokens [][]uint16) ([][]float32, error) {
	return j.model.FinishStep(tokens, j.chunk, j.logits)
}
