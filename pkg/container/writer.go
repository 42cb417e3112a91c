package container

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Writer accumulates tensor entries and serializes them into the
// container layout Open parses. Entries are written in Add order.
type Writer struct {
	entries []pendingEntry
}

type pendingEntry struct {
	name     string
	dtype    string
	shape    [3]int
	data     []byte
	compress bool
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Add appends a raw (uncompressed) tensor entry.
func (w *Writer) Add(name, dtype string, shape [3]int, data []byte) {
	w.entries = append(w.entries, pendingEntry{name: name, dtype: dtype, shape: shape, data: data})
}

// AddCompressed appends a tensor entry stored zstd-compressed.
func (w *Writer) AddCompressed(name, dtype string, shape [3]int, data []byte) {
	w.entries = append(w.entries, pendingEntry{name: name, dtype: dtype, shape: shape, data: data, compress: true})
}

// WriteTo serializes the container: header, entry table, then each
// entry's payload. Offsets in the table are absolute file offsets.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	payloads := make([][]byte, len(w.entries))
	for i, e := range w.entries {
		if !e.compress {
			payloads[i] = e.data
			continue
		}
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return 0, fmt.Errorf("container: zstd writer: %w", err)
		}
		payloads[i] = enc.EncodeAll(e.data, nil)
		enc.Close()
	}

	tableSize := int64(0)
	for _, e := range w.entries {
		tableSize += 2 + int64(len(e.name)) + 1 + int64(len(e.dtype)) + 12 + 1 + 8 + 8
	}

	offset := int64(headerSize) + tableSize
	var buf []byte

	hdr := make([]byte, headerSize)
	copy(hdr, magic)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(w.entries)))
	buf = append(buf, hdr...)

	for i, e := range w.entries {
		rec := make([]byte, 0, 2+len(e.name)+1+len(e.dtype)+12+1+8+8)
		rec = binary.LittleEndian.AppendUint16(rec, uint16(len(e.name)))
		rec = append(rec, e.name...)
		rec = append(rec, byte(len(e.dtype)))
		rec = append(rec, e.dtype...)
		rec = binary.LittleEndian.AppendUint32(rec, uint32(e.shape[0]))
		rec = binary.LittleEndian.AppendUint32(rec, uint32(e.shape[1]))
		rec = binary.LittleEndian.AppendUint32(rec, uint32(e.shape[2]))
		flag := flagNone
		if e.compress {
			flag = flagZstd
		}
		rec = append(rec, flag)
		rec = binary.LittleEndian.AppendUint64(rec, uint64(offset))
		rec = binary.LittleEndian.AppendUint64(rec, uint64(len(payloads[i])))
		buf = append(buf, rec...)
		offset += int64(len(payloads[i]))
	}

	for _, p := range payloads {
		buf = append(buf, p...)
	}

	n, err := out.Write(buf)
	return int64(n), err
}
