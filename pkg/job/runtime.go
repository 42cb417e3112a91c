package job

import (
	"context"
	"sync"

	"github.com/orneryd/rwkvcore/pkg/model"
	"github.com/orneryd/rwkvcore/pkg/state"
)

// Submission is one request on the Runtime's capacity-1 channel: the
// tokens to advance and the state to advance them against, plus the
// one-shot reply channel that will receive exactly one Result.
type Submission struct {
	Tokens [][]uint16
	State  *state.State
	Sender chan Result
}

// Result is what Submission.Sender receives once a step completes:
// the tokens slice with this step's consumed prefixes already drained
// so a follow-up Submit can reuse it directly, the per-batch logits Model.Run would
// have returned, or an error.
type Result struct {
	Tokens [][]uint16
	Logits [][]float32
	Err    error
}

// Runtime is the pipelined worker: a single goroutine
// draining a capacity-1 submission channel, overlapping each step's
// detached readback with speculatively building the next step's job.
type Runtime struct {
	model          *model.Model
	tokenChunkSize int
	submissions    chan Submission

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRuntime starts the worker goroutine immediately; callers drive it
// exclusively through Submit.
func NewRuntime(m *model.Model, tokenChunkSize int) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		model:          m,
		tokenChunkSize: tokenChunkSize,
		submissions:    make(chan Submission, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Submit enqueues one step. The capacity-1 channel blocks the caller
// (backpressure) until the worker has drained the previous submission.
// The returned channel receives exactly one Result.
func (r *Runtime) Submit(tokens [][]uint16, st *state.State) <-chan Result {
	sender := make(chan Result, 1)
	r.submissions <- Submission{Tokens: tokens, State: st, Sender: sender}
	return sender
}

// Close terminates the worker at its next channel receive. A step
// already in flight runs to completion on the GPU; its result is
// discarded rather than blocking Close.
func (r *Runtime) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runtime) worker() {
	defer r.wg.Done()

	var predicted *Job

	for {
		select {
		case <-r.ctx.Done():
			return
		case sub := <-r.submissions:
			info := model.Plan(sub.Tokens, r.tokenChunkSize)

			j := predicted
			if j == nil || !j.check(sub.State, info) {
				j = build(r.model)
			}
			predicted = nil

			if err := j.load(sub.State, sub.Tokens, r.tokenChunkSize); err != nil {
				deliver(sub.Sender, Result{Err: err})
				continue
			}
			if err := j.submit(); err != nil {
				deliver(sub.Sender, Result{Err: err})
				continue
			}

			done := make(chan struct{})
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer close(done)
				logits, err := j.back(sub.Tokens)
				deliver(sub.Sender, Result{Tokens: sub.Tokens, Logits: logits, Err: err})
			}()

			if next := model.Plan(afterStep(sub.Tokens, info), r.tokenChunkSize); hasWork(next) {
				predicted = build(r.model)
			}

			<-done
		}
	}
}

// deliver sends to a one-shot reply channel without blocking if the
// caller already stopped reading it (the step still ran to
// completion, only the result is discarded).
func deliver(sender chan Result, res Result) {
	select {
	case sender <- res:
	default:
	}
}

// afterStep re-slices tokens past what plan consumed, without
// mutating the caller's slices, so the worker can peek the following
// step's chunk plan before this step's readback has actually drained
// them.
func afterStep(tokens [][]uint16, p model.ChunkPlan) [][]uint16 {
	out := make([][]uint16, len(tokens))
	for b, t := range tokens {
		out[b] = t[p.PerBatch[b]:]
	}
	return out
}

func hasWork(p model.ChunkPlan) bool {
	for _, n := range p.PerBatch {
		if n > 0 {
			return true
		}
	}
	return false
}
