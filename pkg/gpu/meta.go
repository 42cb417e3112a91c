package gpu

import "encoding/binary"

// TensorMeta is the shape/stride/offset block every tensor mirrors into
// its small Uniform buffer. Element (c, t, b) of a
// tensor described by this metadata lives at flat element index
// Offset + c*StrideC + t*StrideT + b*StrideB of the underlying data
// buffer. A freshly allocated, contiguous tensor always has StrideC=1,
// StrideT=Shape[0], StrideB=Shape[0]*Shape[1] and Offset=0; a view
// keeps the parent's strides but narrows Shape and sets Offset to the
// view's origin, so the two share the same data buffer without a copy.
type TensorMeta struct {
	Shape  [3]int // C, T, B
	Stride [3]int // strideC, strideT, strideB, in elements
	Offset int    // element offset into the parent data buffer
}

// ContiguousMeta builds the metadata for a freshly allocated tensor of
// the given shape.
func ContiguousMeta(shape [3]int) TensorMeta {
	return TensorMeta{
		Shape:  shape,
		Stride: [3]int{1, shape[0], shape[0] * shape[1]},
		Offset: 0,
	}
}

// Index returns the flat element offset for (c, t, b) under this
// metadata.
func (m TensorMeta) Index(c, t, b int) int {
	return m.Offset + c*m.Stride[0] + t*m.Stride[1] + b*m.Stride[2]
}

// Len returns the number of elements described by Shape (not the
// parent buffer's element count).
func (m TensorMeta) Len() int {
	return m.Shape[0] * m.Shape[1] * m.Shape[2]
}

// MetaByteSize is the fixed encoded size of a TensorMeta: seven
// little-endian uint32 fields.
const MetaByteSize = 7 * 4

// EncodeMeta serializes m into the 28-byte layout every backend
// decodes identically, so a metadata buffer built on one backend means
// the same thing read back on another.
func EncodeMeta(m TensorMeta) []byte {
	buf := make([]byte, MetaByteSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Shape[0]))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.Shape[1]))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.Shape[2]))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(m.Stride[0]))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(m.Stride[1]))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(m.Stride[2]))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(m.Offset))
	return buf
}

// DecodeMeta is the inverse of EncodeMeta.
func DecodeMeta(buf []byte) TensorMeta {
	return TensorMeta{
		Shape: [3]int{
			int(binary.LittleEndian.Uint32(buf[0:4])),
			int(binary.LittleEndian.Uint32(buf[4:8])),
			int(binary.LittleEndian.Uint32(buf[8:12])),
		},
		Stride: [3]int{
			int(binary.LittleEndian.Uint32(buf[12:16])),
			int(binary.LittleEndian.Uint32(buf[16:20])),
			int(binary.LittleEndian.Uint32(buf[20:24])),
		},
		Offset: int(binary.LittleEndian.Uint32(buf[24:28])),
	}
}
