package gpu

import "testing"

func TestMetaEncodeDecode(t *testing.T) {
	m := TensorMeta{Shape: [3]int{7, 5, 3}, Stride: [3]int{1, 7, 35}, Offset: 42}
	got := DecodeMeta(EncodeMeta(m))
	if got != m {
		t.Errorf("round trip: got %+v, want %+v", got, m)
	}
}

func TestContiguousMeta(t *testing.T) {
	m := ContiguousMeta([3]int{4, 3, 2})
	if m.Stride != [3]int{1, 4, 12} {
		t.Errorf("strides %v, want [1 4 12]", m.Stride)
	}
	if m.Index(2, 1, 1) != 2+4+12 {
		t.Errorf("Index(2,1,1) = %d, want 18", m.Index(2, 1, 1))
	}
	if m.Len() != 24 {
		t.Errorf("Len = %d, want 24", m.Len())
	}
}

func TestF16RoundTrip(t *testing.T) {
	cases := []float32{0, 1, -1, 0.5, 1.5, 2.0, -3.25, 1024, 65504}
	for _, v := range cases {
		got := F16ToF32(F32ToF16(v))
		if got != v {
			t.Errorf("f16 round trip of %v: got %v", v, got)
		}
	}
}

func TestComputeLimitsFloors(t *testing.T) {
	const mib = 1 << 20
	l := ComputeLimits(8, 16, 32)
	if l.MaxBufferSize != 256*mib {
		t.Errorf("small model buffer limit %d, want 256 MiB floor", l.MaxBufferSize)
	}
	if l.MaxStorageBufferBindingSize != 128*mib {
		t.Errorf("small model binding limit %d, want 128 MiB floor", l.MaxStorageBufferBindingSize)
	}

	// a vocab projection of 4096 x 65536 fp16 exceeds both floors
	l = ComputeLimits(4096, 16384, 65536)
	want := 4096 * 65536 * 2
	if l.MaxBufferSize != want {
		t.Errorf("large model buffer limit %d, want %d", l.MaxBufferSize, want)
	}
	if l.MaxStorageBufferBindingSize != want {
		t.Errorf("large model binding limit %d, want %d", l.MaxStorageBufferBindingSize, want)
	}
}

func TestDtypeSizes(t *testing.T) {
	if F32.Size() != 4 || U32.Size() != 4 || F16.Size() != 2 || U8.Size() != 1 {
		t.Error("dtype sizes wrong")
	}
}
