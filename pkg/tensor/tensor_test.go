package tensor_test

import (
	"errors"
	"testing"

	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/gpu/softgpu"
	"github.com/orneryd/rwkvcore/pkg/rwkverr"
	"github.com/orneryd/rwkvcore/pkg/tensor"
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

func TestInitTensorBufferSize(t *testing.T) {
	ctx := newCtx(t)
	cases := []struct {
		shape [3]int
		dtype gpu.Dtype
		want  uint64
	}{
		{[3]int{4, 3, 2}, gpu.F32, 96},
		{[3]int{4, 3, 2}, gpu.F16, 48},
		{[3]int{10, 1, 1}, gpu.U8, 10},
		{[3]int{0, 5, 5}, gpu.F32, 0}, // zero-dimension placeholder is legal
	}
	for _, tc := range cases {
		tt, err := tensor.InitTensor(ctx, tc.shape, tc.dtype, gpu.ReadWrite)
		if err != nil {
			t.Fatalf("InitTensor(%v) failed: %v", tc.shape, err)
		}
		if got := tt.Buffer().Size(); got != tc.want {
			t.Errorf("shape %v dtype %s: buffer size %d, want %d", tc.shape, tc.dtype, got, tc.want)
		}
		if tt.Meta().Shape != tc.shape {
			t.Errorf("shape %v: metadata shape %v does not mirror tensor shape", tc.shape, tt.Meta().Shape)
		}
	}
}

func TestFromDataLengthMismatch(t *testing.T) {
	ctx := newCtx(t)
	_, err := tensor.FromData(ctx, [3]int{4, 1, 1}, gpu.F32, make([]byte, 12))
	var sm *rwkverr.ShapeMismatch
	if !errors.As(err, &sm) {
		t.Fatalf("expected ShapeMismatch, got %v", err)
	}
}

func TestCheckShape(t *testing.T) {
	ctx := newCtx(t)
	tt, err := tensor.InitTensor(ctx, [3]int{4, 2, 1}, gpu.F32, gpu.ReadWrite)
	if err != nil {
		t.Fatalf("InitTensor failed: %v", err)
	}
	if err := tt.CheckShape([3]int{4, 2, 1}); err != nil {
		t.Errorf("CheckShape on matching shape failed: %v", err)
	}
	if err := tt.CheckShape([3]int{4, 2, 2}); err == nil {
		t.Error("CheckShape on mismatched shape should fail")
	}
}

func TestViewBounds(t *testing.T) {
	ctx := newCtx(t)
	tt, err := tensor.InitTensor(ctx, [3]int{4, 3, 2}, gpu.F32, gpu.ReadWrite)
	if err != nil {
		t.Fatalf("InitTensor failed: %v", err)
	}

	bad := [][3][2]int{
		{{0, 5}, {0, 3}, {0, 2}}, // channel past end
		{{0, 4}, {1, 4}, {0, 2}}, // token past end
		{{0, 4}, {0, 3}, {0, 3}}, // batch past end
		{{2, 1}, {0, 3}, {0, 2}}, // inverted range
		{{-1, 2}, {0, 3}, {0, 2}},
	}
	for _, r := range bad {
		if _, err := tt.AsView(r[0], r[1], r[2]); !errors.Is(err, rwkverr.ErrOutOfBounds) {
			t.Errorf("ranges %v: expected ErrOutOfBounds, got %v", r, err)
		}
	}

	v, err := tt.AsView([2]int{1, 3}, [2]int{1, 2}, [2]int{0, 2})
	if err != nil {
		t.Fatalf("AsView failed: %v", err)
	}
	if v.Shape() != [3]int{2, 1, 2} {
		t.Errorf("view shape %v, want [2 1 2]", v.Shape())
	}
	// the view shares the parent's data buffer
	if v.Buffer() != tt.Buffer() {
		t.Error("view must share its parent's data buffer")
	}
}

func TestNestedViewAddressing(t *testing.T) {
	ctx := newCtx(t)
	tt, err := tensor.InitTensor(ctx, [3]int{8, 4, 2}, gpu.F32, gpu.ReadWrite)
	if err != nil {
		t.Fatalf("InitTensor failed: %v", err)
	}
	outer, err := tt.AsView([2]int{2, 8}, [2]int{1, 4}, [2]int{0, 2})
	if err != nil {
		t.Fatalf("outer AsView failed: %v", err)
	}
	inner, err := outer.AsView([2]int{1, 3}, [2]int{1, 2}, [2]int{1, 2})
	if err != nil {
		t.Fatalf("inner AsView failed: %v", err)
	}

	// inner (0,0,0) must address parent element (3, 2, 1)
	want := tt.Meta().Index(3, 2, 1)
	if got := inner.Meta().Index(0, 0, 0); got != want {
		t.Errorf("nested view origin addresses element %d, want %d", got, want)
	}
}

func TestTransposeAddressing(t *testing.T) {
	ctx := newCtx(t)
	tt, err := tensor.InitTensor(ctx, [3]int{3, 5, 1}, gpu.F32, gpu.ReadWrite)
	if err != nil {
		t.Fatalf("InitTensor failed: %v", err)
	}
	tr, err := tt.Transpose()
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}
	if tr.Shape() != [3]int{5, 3, 1} {
		t.Fatalf("transposed shape %v, want [5 3 1]", tr.Shape())
	}
	for c := 0; c < 3; c++ {
		for ti := 0; ti < 5; ti++ {
			if tr.Meta().Index(ti, c, 0) != tt.Meta().Index(c, ti, 0) {
				t.Fatalf("transpose (%d,%d) addresses wrong element", ti, c)
			}
		}
	}
}

func TestBackAsyncRequiresReadBack(t *testing.T) {
	ctx := newCtx(t)
	rw, err := tensor.InitTensor(ctx, [3]int{2, 1, 1}, gpu.F32, gpu.ReadWrite)
	if err != nil {
		t.Fatalf("InitTensor failed: %v", err)
	}
	if _, err := rw.BackAsync(); err == nil {
		t.Error("BackAsync on a ReadWrite tensor should fail")
	}

	rb, err := tensor.InitTensor(ctx, [3]int{2, 1, 1}, gpu.F32, gpu.ReadBack)
	if err != nil {
		t.Fatalf("InitTensor(ReadBack) failed: %v", err)
	}
	cpu, err := rb.BackAsync()
	if err != nil {
		t.Fatalf("BackAsync failed: %v", err)
	}
	if cpu.Shape != [3]int{2, 1, 1} {
		t.Errorf("backed shape %v, want [2 1 1]", cpu.Shape)
	}

	rb.Close()
	if _, err := rb.BackAsync(); !errors.Is(err, rwkverr.ErrTensorClosed) {
		t.Errorf("BackAsync after Close: got %v, want ErrTensorClosed", err)
	}
}

func TestCPUAtDecoding(t *testing.T) {
	cpu := tensor.NewCPUFloat32([3]int{2, 2, 1}, []float32{1, 2, 3, 4})
	if got := cpu.At(1, 1, 0); got != 4 {
		t.Errorf("At(1,1,0) = %v, want 4", got)
	}
	vals := cpu.Float32()
	if len(vals) != 4 || vals[2] != 3 {
		t.Errorf("Float32 round-trip broken: %v", vals)
	}
	if cpu.Len() != 4 {
		t.Errorf("Len = %d, want 4", cpu.Len())
	}
}
