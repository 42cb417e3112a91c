package container

import (
	"bytes"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.Add("emb.weight", "f16", [3]int{4, 8, 1}, bytes.Repeat([]byte{0xAB}, 64))
	w.Add("ln_out.weight", "f16", [3]int{4, 1, 1}, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	w.AddCompressed("head.weight", "f16", [3]int{4, 8, 1}, bytes.Repeat([]byte{0xCD}, 64))

	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}

	r, err := Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	entries := r.Entries()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Name != "emb.weight" || entries[2].Name != "head.weight" {
		t.Errorf("entry order not preserved: %v, %v", entries[0].Name, entries[2].Name)
	}

	e, ok := r.Lookup("emb.weight")
	if !ok {
		t.Fatal("Lookup(emb.weight) missing")
	}
	if e.Dtype != "f16" || e.Shape != [3]int{4, 8, 1} {
		t.Errorf("entry metadata wrong: %+v", e)
	}

	data, err := r.GetBytes("emb.weight")
	if err != nil {
		t.Fatalf("GetBytes failed: %v", err)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte{0xAB}, 64)) {
		t.Error("raw entry bytes corrupted")
	}

	data, err = r.GetBytes("head.weight")
	if err != nil {
		t.Fatalf("GetBytes(compressed) failed: %v", err)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte{0xCD}, 64)) {
		t.Error("compressed entry bytes corrupted after decompression")
	}
}

func TestOpenBadMagic(t *testing.T) {
	if _, err := Open(bytes.NewReader(bytes.Repeat([]byte{0}, 64))); err == nil {
		t.Fatal("Open should reject a blob without the container magic")
	}
}

func TestGetBytesMissingEntry(t *testing.T) {
	var buf bytes.Buffer
	if _, err := NewWriter().WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	r, err := Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := r.GetBytes("nope"); err == nil {
		t.Fatal("GetBytes on absent entry should fail")
	}
	if _, ok := r.Lookup("nope"); ok {
		t.Fatal("Lookup on absent entry should report !ok")
	}
}
