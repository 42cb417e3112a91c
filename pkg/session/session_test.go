package session

import (
	"errors"
	"testing"

	"github.com/orneryd/rwkvcore/pkg/tensor"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openStore(t)

	snap := tensor.NewCPUFloat32([3]int{4, 5, 1}, []float32{
		0, 1, 2, 3, 4, 5, 6, 7, 8, 9,
		10, 11, 12, 13, 14, 15, 16, 17, 18, 19,
	})
	if err := s.Save("conv-1", snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load("conv-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Shape != snap.Shape {
		t.Errorf("shape %v, want %v", got.Shape, snap.Shape)
	}
	if got.Dtype != snap.Dtype {
		t.Errorf("dtype %v, want %v", got.Dtype, snap.Dtype)
	}
	want := snap.Float32()
	have := got.Float32()
	for i := range want {
		if want[i] != have[i] {
			t.Fatalf("element %d: got %v, want %v", i, have[i], want[i])
		}
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := openStore(t)

	first := tensor.NewCPUFloat32([3]int{2, 1, 1}, []float32{1, 2})
	second := tensor.NewCPUFloat32([3]int{2, 1, 1}, []float32{3, 4})
	if err := s.Save("conv", first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save("conv", second); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load("conv")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if vals := got.Float32(); vals[0] != 3 || vals[1] != 4 {
		t.Errorf("got %v, want the second snapshot", vals)
	}
}

func TestLoadMissing(t *testing.T) {
	s := openStore(t)
	if _, err := s.Load("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := openStore(t)
	snap := tensor.NewCPUFloat32([3]int{1, 1, 1}, []float32{42})
	if err := s.Save("gone", snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Load("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete("never-existed"); err != nil {
		t.Errorf("deleting an absent id should be a no-op, got %v", err)
	}
}
