package tensor

import (
	"encoding/binary"
	"math"

	"github.com/orneryd/rwkvcore/pkg/gpu"
)

// CPU is a contiguous host-side buffer plus shape: the representation
// weights arrive in before upload and results arrive in after readback.
// Conversion between CPU and GPU tensors is always an explicit call
// (FromData / BackAsync), never implicit.
type CPU struct {
	Shape [3]int
	Dtype gpu.Dtype
	Data  []byte
}

// NewCPUFloat32 builds a CPU tensor of dtype F32 from a flat slice of
// values in (c, t, b) row-major order (c fastest).
func NewCPUFloat32(shape [3]int, values []float32) *CPU {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return &CPU{Shape: shape, Dtype: gpu.F32, Data: data}
}

// Float32 decodes this tensor's bytes as a flat []float32, assuming
// Dtype is F32.
func (c *CPU) Float32() []float32 {
	n := len(c.Data) / 4
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(c.Data[i*4:]))
	}
	return out
}

// At returns element (c, t, b) as a float64, decoding according to
// Dtype. Used by tests and by host-side sampling code that reads
// logits out of a returned CPU tensor.
func (c *CPU) At(ci, ti, bi int) float64 {
	idx := ci + ti*c.Shape[0] + bi*c.Shape[0]*c.Shape[1]
	switch c.Dtype {
	case gpu.F32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(c.Data[idx*4:])))
	case gpu.F16:
		return float64(gpu.F16ToF32(binary.LittleEndian.Uint16(c.Data[idx*2:])))
	case gpu.U32:
		return float64(binary.LittleEndian.Uint32(c.Data[idx*4:]))
	case gpu.U8:
		return float64(c.Data[idx])
	default:
		return 0
	}
}

// Len returns the element count implied by Shape.
func (c *CPU) Len() int { return c.Shape[0] * c.Shape[1] * c.Shape[2] }
