// Package container reads the tagged weight-container format the
// ModelInfo/LayerWeights loader consumes: a small
// fixed-size header followed by a table of entries, each naming a
// tensor (name, dtype, shape, byte offset, byte length) inside the
// file. An entry's bytes are optionally zstd-compressed; GetBytes
// decompresses transparently based on the entry's flag byte.
package container

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	magic      = "RWKVWGT1"
	headerSize = 16 // magic (8) + entry count (4) + reserved (4)
)

const (
	flagNone byte = 0
	flagZstd byte = 1
)

// Entry describes one tensor stored in a container file.
type Entry struct {
	Name   string
	Dtype  string
	Shape  [3]int
	Offset int64
	Length int64
	Flag   byte
}

// Reader provides random access to the tensors packed into a
// container file, reading through an io.ReaderAt so the whole file
// need not be buffered in memory.
type Reader struct {
	ra      io.ReaderAt
	entries map[string]Entry
	order   []string
}

// Open parses the header and entry table at the front of r and
// returns a Reader ready to serve GetBytes calls. r must also satisfy
// io.ReaderAt; a plain io.Reader is insufficient since entries are
// read out of order by name.
func Open(r io.ReaderAt) (*Reader, error) {
	hdr := make([]byte, headerSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("container: reading header: %w", err)
	}
	if string(hdr[:8]) != magic {
		return nil, fmt.Errorf("container: bad magic %q", hdr[:8])
	}
	count := binary.LittleEndian.Uint32(hdr[8:12])

	cr := &Reader{ra: r, entries: make(map[string]Entry, count), order: make([]string, 0, count)}

	pos := int64(headerSize)
	for i := uint32(0); i < count; i++ {
		pre := make([]byte, 2)
		if _, err := r.ReadAt(pre, pos); err != nil {
			return nil, fmt.Errorf("container: reading entry %d name length: %w", i, err)
		}
		n := int(binary.LittleEndian.Uint16(pre))
		pos += 2

		nameBuf := make([]byte, n+1)
		if _, err := r.ReadAt(nameBuf, pos); err != nil {
			return nil, fmt.Errorf("container: reading entry %d name: %w", i, err)
		}
		name := string(nameBuf[:n])
		dtypeLen := int(nameBuf[n])
		pos += int64(n) + 1

		buf := make([]byte, dtypeLen+12+1+8+8)
		if _, err := r.ReadAt(buf, pos); err != nil {
			return nil, fmt.Errorf("container: reading entry %d: %w", i, err)
		}
		dtype := string(buf[:dtypeLen])
		off := dtypeLen

		shape := [3]int{
			int(binary.LittleEndian.Uint32(buf[off:])),
			int(binary.LittleEndian.Uint32(buf[off+4:])),
			int(binary.LittleEndian.Uint32(buf[off+8:])),
		}
		off += 12
		flag := buf[off]
		off++
		dataOffset := int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		dataLength := int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		pos += int64(off)

		e := Entry{Name: name, Dtype: dtype, Shape: shape, Offset: dataOffset, Length: dataLength, Flag: flag}
		cr.entries[name] = e
		cr.order = append(cr.order, name)
	}

	return cr, nil
}

// Entries returns the entry table in container order.
func (r *Reader) Entries() []Entry {
	out := make([]Entry, len(r.order))
	for i, name := range r.order {
		out[i] = r.entries[name]
	}
	return out
}

// Lookup returns the entry for name, or ok=false if absent.
func (r *Reader) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// GetBytes reads and, if the entry is zstd-flagged, decompresses the
// named tensor's bytes.
func (r *Reader) GetBytes(name string) ([]byte, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("container: no entry named %q", name)
	}
	raw := make([]byte, e.Length)
	if _, err := r.ra.ReadAt(raw, e.Offset); err != nil {
		return nil, fmt.Errorf("container: reading %q: %w", name, err)
	}
	if e.Flag != flagZstd {
		return raw, nil
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("container: zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("container: decompressing %q: %w", name, err)
	}
	return out, nil
}
