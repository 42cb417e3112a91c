package model_test

import (
	"errors"
	"math"
	"testing"

	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/gpu/softgpu"
	"github.com/orneryd/rwkvcore/pkg/model"
	"github.com/orneryd/rwkvcore/pkg/rwkverr"
	"github.com/orneryd/rwkvcore/pkg/state"
	"github.com/orneryd/rwkvcore/pkg/tensor"
	"github.com/orneryd/rwkvcore/pkg/weights"
	"github.com/orneryd/rwkvcore/pkg/weights/weighttest"
)

func newCtx(t *testing.T) *gpu.Context {
	t.Helper()
	ctx, err := gpu.NewContext(gpu.Config{}, map[string]func() (gpu.Backend, error){
		"softgpu": softgpu.New,
	})
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	t.Cleanup(ctx.Release)
	return ctx
}

func buildModel(t *testing.T, d weighttest.Dims, maxBatch int) (*model.Model, *state.State) {
	t.Helper()
	ctx := newCtx(t)
	r, err := weighttest.NewContainer(d)
	if err != nil {
		t.Fatalf("NewContainer failed: %v", err)
	}
	w, err := weights.Build(ctx, r, weights.DefaultBuildOptions())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	m, err := model.New(ctx, w)
	if err != nil {
		t.Fatalf("model.New failed: %v", err)
	}
	st, err := state.New(ctx, w.Info, maxBatch, 0)
	if err != nil {
		t.Fatalf("state.New failed: %v", err)
	}
	return m, st
}

func clone(tokens [][]uint16) [][]uint16 {
	out := make([][]uint16, len(tokens))
	for i, ts := range tokens {
		out[i] = append([]uint16(nil), ts...)
	}
	return out
}

// drain runs the model until every token is consumed, returning the
// logits from the final step.
func drain(t *testing.T, m *model.Model, st *state.State, tokens [][]uint16, chunk int) []float32 {
	t.Helper()
	var last []float32
	for {
		total := 0
		for _, ts := range tokens {
			total += len(ts)
		}
		if total == 0 {
			return last
		}
		logits, err := m.Run(tokens, st, chunk)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		for _, l := range logits {
			if l != nil {
				last = l
			}
		}
	}
}

func TestPlan(t *testing.T) {
	// budget splits across batches in ascending order
	p := model.Plan([][]uint16{{1, 2, 3}, {4, 5}}, 4)
	if p.PerBatch[0] != 3 || p.PerBatch[1] != 1 {
		t.Errorf("PerBatch = %v, want [3 1]", p.PerBatch)
	}
	if p.Last != 1 {
		t.Errorf("Last = %d, want 1 (batch 1 still has a token left)", p.Last)
	}

	// everything fits: the final drawn batch emits
	p = model.Plan([][]uint16{{1, 2}, {3}}, 8)
	if p.Last != 1 {
		t.Errorf("Last = %d, want 1", p.Last)
	}

	// budget exhausted before a leftover batch is reached: only a batch
	// that actually consumed tokens may emit
	p = model.Plan([][]uint16{make([]uint16, 10), {1, 2}}, 4)
	if p.PerBatch[0] != 4 || p.PerBatch[1] != 0 {
		t.Errorf("PerBatch = %v, want [4 0]", p.PerBatch)
	}
	if p.Last != 0 {
		t.Errorf("Last = %d, want 0", p.Last)
	}

	// empty batches draw nothing
	p = model.Plan([][]uint16{{}, {7}}, 4)
	if p.PerBatch[0] != 0 || p.PerBatch[1] != 1 {
		t.Errorf("PerBatch = %v, want [0 1]", p.PerBatch)
	}
	if p.Last != 1 {
		t.Errorf("Last = %d, want 1", p.Last)
	}
}

func TestChunkPlanCompatible(t *testing.T) {
	a := model.ChunkPlan{PerBatch: []int{2, 1}, Last: 1}
	if !a.Compatible(model.ChunkPlan{PerBatch: []int{2, 1}, Last: 1}) {
		t.Error("identical plans must be compatible")
	}
	if a.Compatible(model.ChunkPlan{PerBatch: []int{2, 2}, Last: 1}) {
		t.Error("different per-batch counts must not be compatible")
	}
	if a.Compatible(model.ChunkPlan{PerBatch: []int{2, 1}, Last: 0}) {
		t.Error("different emitting batch must not be compatible")
	}
}

func TestRunEmptyInput(t *testing.T) {
	m, st := buildModel(t, weighttest.Dims{Version: weights.V4, Seed: 1}, 2)

	before, err := st.Back(0)
	if err != nil {
		t.Fatalf("Back failed: %v", err)
	}

	_, err = m.Run([][]uint16{{}, {}}, st, 32)
	if !errors.Is(err, rwkverr.ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}

	after, err := st.Back(0)
	if err != nil {
		t.Fatalf("Back failed: %v", err)
	}
	assertSameState(t, before, after)
}

func TestRunBatchSizeMismatch(t *testing.T) {
	m, st := buildModel(t, weighttest.Dims{Version: weights.V4, Seed: 2}, 2)

	before, err := st.Back(0)
	if err != nil {
		t.Fatalf("Back failed: %v", err)
	}

	_, err = m.Run([][]uint16{{1}}, st, 32)
	var bs *rwkverr.BatchSize
	if !errors.As(err, &bs) {
		t.Fatalf("expected BatchSize, got %v", err)
	}
	if bs.Given != 1 || bs.Max != 2 {
		t.Errorf("BatchSize carries %d/%d, want 1/2", bs.Given, bs.Max)
	}

	after, err := st.Back(0)
	if err != nil {
		t.Fatalf("Back failed: %v", err)
	}
	assertSameState(t, before, after)
}

func TestRunChunkSizeMustBePowerOfTwo(t *testing.T) {
	m, st := buildModel(t, weighttest.Dims{Version: weights.V4, Seed: 3}, 1)

	for _, bad := range []int{0, -4, 3, 12} {
		_, err := m.Run([][]uint16{{1, 2}}, st, bad)
		var ics *rwkverr.InvalidChunkSize
		if !errors.As(err, &ics) {
			t.Fatalf("chunk size %d: expected InvalidChunkSize, got %v", bad, err)
		}
		if ics.Size != bad {
			t.Errorf("InvalidChunkSize carries %d, want %d", ics.Size, bad)
		}
	}
}

func TestRunEmitsOnlyLastBatch(t *testing.T) {
	m, st := buildModel(t, weighttest.Dims{Version: weights.V4, Seed: 4}, 2)

	tokens := [][]uint16{{1, 2, 3}, {4, 5, 6, 7, 8}}
	logits, err := m.Run(tokens, st, 4)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if logits[0] != nil {
		t.Error("batch 0 fully drained its draw; only the leftover batch emits")
	}
	if logits[1] == nil {
		t.Fatal("batch 1 still has tokens; its logits must be emitted")
	}
	if len(logits[1]) != m.Info().NumVocab {
		t.Errorf("logits length %d, want vocabulary size %d", len(logits[1]), m.Info().NumVocab)
	}
	// consumed prefixes removed in place
	if len(tokens[0]) != 0 || len(tokens[1]) != 4 {
		t.Errorf("remaining tokens %d/%d, want 0/4", len(tokens[0]), len(tokens[1]))
	}
}

func TestChunkingLaw(t *testing.T) {
	for _, chunk := range []int{4, 8} {
		d := weighttest.Dims{Version: weights.V4, Seed: 5}
		prompt := []uint16{3, 1, 4, 1, 5, 9, 2, 6, 5, 3}

		mWhole, stWhole := buildModel(t, d, 1)
		wholeLogits := drain(t, mWhole, stWhole, clone([][]uint16{prompt}), 16)
		wholeState, err := stWhole.Back(0)
		if err != nil {
			t.Fatalf("Back failed: %v", err)
		}

		mSplit, stSplit := buildModel(t, d, 1)
		splitLogits := drain(t, mSplit, stSplit, clone([][]uint16{prompt}), chunk)
		splitState, err := stSplit.Back(0)
		if err != nil {
			t.Fatalf("Back failed: %v", err)
		}

		if len(wholeLogits) == 0 || len(splitLogits) != len(wholeLogits) {
			t.Fatalf("chunk %d: logits lengths %d vs %d", chunk, len(splitLogits), len(wholeLogits))
		}
		for i := range wholeLogits {
			if math.Abs(float64(wholeLogits[i]-splitLogits[i])) > 1e-3 {
				t.Fatalf("chunk %d: logit %d diverged: %v vs %v", chunk, i, wholeLogits[i], splitLogits[i])
			}
		}
		w := wholeState.Float32()
		s := splitState.Float32()
		for i := range w {
			if math.Abs(float64(w[i]-s[i])) > 1e-3 {
				t.Fatalf("chunk %d: state element %d diverged: %v vs %v", chunk, i, w[i], s[i])
			}
		}
	}
}

func TestRunDeterministic(t *testing.T) {
	d := weighttest.Dims{Version: weights.V4, Seed: 6}
	prompt := []uint16{7, 7, 7, 2, 9}

	m1, st1 := buildModel(t, d, 1)
	l1 := drain(t, m1, st1, clone([][]uint16{prompt}), 4)
	m2, st2 := buildModel(t, d, 1)
	l2 := drain(t, m2, st2, clone([][]uint16{prompt}), 4)

	if len(l1) == 0 || len(l1) != len(l2) {
		t.Fatalf("logits lengths %d vs %d", len(l1), len(l2))
	}
	for i := range l1 {
		if l1[i] != l2[i] {
			t.Fatalf("logit %d differs between identical runs: %v vs %v", i, l1[i], l2[i])
		}
	}
}

func TestStateRewind(t *testing.T) {
	d := weighttest.Dims{Version: weights.V4, Seed: 7}
	m, st := buildModel(t, d, 1)

	promptA := []uint16{1, 2, 3, 4}
	promptB := []uint16{9, 8, 7}

	drain(t, m, st, clone([][]uint16{promptA}), 4)
	snapshot, err := st.Back(0)
	if err != nil {
		t.Fatalf("Back failed: %v", err)
	}

	firstB := drain(t, m, st, clone([][]uint16{promptB}), 4)

	if err := st.Load(snapshot, 0); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	secondB := drain(t, m, st, clone([][]uint16{promptB}), 4)

	if len(firstB) == 0 {
		t.Fatal("no logits emitted")
	}
	for i := range firstB {
		if math.Abs(float64(firstB[i]-secondB[i])) > 1e-3 {
			t.Fatalf("logit %d after rewind: %v vs %v", i, firstB[i], secondB[i])
		}
	}
}

func TestRunV5(t *testing.T) {
	m, st := buildModel(t, weighttest.Dims{Version: weights.V5, Seed: 8}, 1)
	logits := drain(t, m, st, [][]uint16{{1, 2, 3, 4, 5}}, 4)
	requireFinite(t, logits)

	after, err := st.Back(0)
	if err != nil {
		t.Fatalf("Back failed: %v", err)
	}
	requireNonZero(t, after.Float32())
}

func TestRunV6(t *testing.T) {
	m, st := buildModel(t, weighttest.Dims{Version: weights.V6, Seed: 9}, 1)
	logits := drain(t, m, st, [][]uint16{{1, 2, 3, 4, 5}}, 4)
	requireFinite(t, logits)

	after, err := st.Back(0)
	if err != nil {
		t.Fatalf("Back failed: %v", err)
	}
	requireNonZero(t, after.Float32())
}

func TestSoftmaxConvenience(t *testing.T) {
	m, _ := buildModel(t, weighttest.Dims{Version: weights.V4, Seed: 10}, 1)

	out, err := m.Softmax([][]float32{{1, 2, 3}, nil, {0, 0}})
	if err != nil {
		t.Fatalf("Softmax failed: %v", err)
	}
	if out[1] != nil {
		t.Error("nil input row must stay nil")
	}
	var sum float64
	for _, v := range out[0] {
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("softmax row sums to %v", sum)
	}
	if math.Abs(float64(out[2][0]-0.5)) > 1e-6 {
		t.Errorf("uniform logits must give 0.5, got %v", out[2][0])
	}
}

func assertSameState(t *testing.T, a, b *tensor.CPU) {
	t.Helper()
	av, bv := a.Float32(), b.Float32()
	if len(av) != len(bv) {
		t.Fatalf("state lengths differ: %d vs %d", len(av), len(bv))
	}
	for i := range av {
		if av[i] != bv[i] {
			t.Fatalf("state element %d changed: %v -> %v", i, av[i], bv[i])
		}
	}
}

func requireFinite(t *testing.T, vals []float32) {
	t.Helper()
	if len(vals) == 0 {
		t.Fatal("no logits emitted")
	}
	for i, v := range vals {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logit %d is not finite: %v", i, v)
		}
	}
}

func requireNonZero(t *testing.T, vals []float32) {
	t.Helper()
	for _, v := range vals {
		if v != 0 {
			return
		}
	}
	t.Fatal("state is still all zeros after a forward pass")
}

func TestRunStateVersionMismatch(t *testing.T) {
	ctx := newCtx(t)
	r, err := weighttest.NewContainer(weighttest.Dims{Version: weights.V4, Seed: 11})
	if err != nil {
		t.Fatalf("NewContainer failed: %v", err)
	}
	w, err := weights.Build(ctx, r, weights.DefaultBuildOptions())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	m, err := model.New(ctx, w)
	if err != nil {
		t.Fatalf("model.New failed: %v", err)
	}

	v5Info := weighttest.Dims{Version: weights.V5, Seed: 11}.Info()
	v5Info.NumEmb = w.Info.NumEmb
	st, err := state.New(ctx, v5Info, 1, 0)
	if err != nil {
		t.Fatalf("state.New failed: %v", err)
	}

	_, err = m.Run([][]uint16{{1}}, st, 32)
	if !errors.Is(err, rwkverr.ErrStateVersionMismatch) {
		t.Fatalf("expected ErrStateVersionMismatch, got %v", err)
	}
}
