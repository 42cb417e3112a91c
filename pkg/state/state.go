// Package state implements the per-batch recurrent state store:
// GPU-resident attention and feed-forward state, chunked
// across layers to respect the backend's storage-buffer binding limit,
// with load/back/blit/embed operations addressed positionally by
// batch slot.
package state

import (
	"math"

	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/kernel"
	"github.com/orneryd/rwkvcore/pkg/rwkverr"
	"github.com/orneryd/rwkvcore/pkg/tensor"
	"github.com/orneryd/rwkvcore/pkg/weights"
)

// Chunk holds the state for a contiguous run of layers.
type Chunk struct {
	FirstLayer int
	NumLayers  int
	Att        *tensor.Tensor // [NumEmb, AttRows*NumLayers, MaxBatch]
	Ffn        *tensor.Tensor // [NumEmb, NumLayers, MaxBatch]
}

// State is the full, chunked recurrent state for every batch slot.
type State struct {
	ctx       *gpu.Context
	info      weights.ModelInfo
	maxBatch  int
	chunkSize int
	chunks    []Chunk
	layerIdx  []int // layer -> chunk index
}

// New allocates ceil(num_layer/chunk_size) chunks, each sized to
// chunkSize layers (the last chunk may be shorter).
func New(ctx *gpu.Context, info weights.ModelInfo, maxBatch, chunkSize int) (*State, error) {
	if chunkSize <= 0 {
		chunkSize = info.NumLayer
	}
	if maxBatch <= 0 {
		return nil, &rwkverr.BatchSize{Given: maxBatch, Max: 0}
	}

	s := &State{ctx: ctx, info: info, maxBatch: maxBatch, chunkSize: chunkSize, layerIdx: make([]int, info.NumLayer)}
	attRows := info.AttRows()

	for first := 0; first < info.NumLayer; first += chunkSize {
		n := chunkSize
		if first+n > info.NumLayer {
			n = info.NumLayer - first
		}

		att, err := tensor.InitTensor(ctx, [3]int{info.NumEmb, attRows * n, maxBatch}, gpu.F32, gpu.ReadWrite)
		if err != nil {
			return nil, err
		}
		ffn, err := tensor.InitTensor(ctx, [3]int{info.NumEmb, n, maxBatch}, gpu.F32, gpu.ReadWrite)
		if err != nil {
			return nil, err
		}

		idx := len(s.chunks)
		s.chunks = append(s.chunks, Chunk{FirstLayer: first, NumLayers: n, Att: att, Ffn: ffn})
		for l := first; l < first+n; l++ {
			s.layerIdx[l] = idx
		}
	}

	return s, nil
}

// TemplateShape is the shape of the one-batch CPU template returned by
// Init and expected by Load/Back: attRows+1 rows per layer (att rows
// plus the single ffn row), concatenated along the t axis across every
// layer.
func (s *State) TemplateShape() [3]int {
	rowsPerLayer := s.info.AttRows() + 1
	return [3]int{s.info.NumEmb, rowsPerLayer * s.info.NumLayer, 1}
}

// Init returns a zero-initialized one-batch state template in the
// layout Load/Back expect.
func (s *State) Init() *tensor.CPU {
	shape := s.TemplateShape()
	n := shape[0] * shape[1] * shape[2]
	return tensor.NewCPUFloat32(shape, make([]float32, n))
}

func (s *State) rowsPerLayer() int { return s.info.AttRows() + 1 }

// MaxBatch returns the number of batch slots this state was allocated
// for.
func (s *State) MaxBatch() int { return s.maxBatch }

// Info returns the model dimensions this state was laid out for.
func (s *State) Info() weights.ModelInfo { return s.info }

// Load uploads a one-batch template into slot batch.
func (s *State) Load(cpu *tensor.CPU, batch int) error {
	if batch < 0 || batch >= s.maxBatch {
		return &rwkverr.BatchOutOfRange{Batch: batch, Max: s.maxBatch}
	}
	want := s.TemplateShape()
	if cpu.Shape != want {
		return &rwkverr.ShapeMismatch{Expected: want, Actual: cpu.Shape}
	}

	attRows := s.info.AttRows()
	rpl := s.rowsPerLayer()
	enc := s.ctx.NewEncoder()

	for l := 0; l < s.info.NumLayer; l++ {
		c := &s.chunks[s.layerIdx[l]]
		localLayer := l - c.FirstLayer

		attSlice, err := sliceRows(s.ctx, cpu, l*rpl, attRows, s.info.NumEmb)
		if err != nil {
			return err
		}
		attView, err := c.Att.AsView([2]int{0, s.info.NumEmb}, [2]int{localLayer * attRows, (localLayer + 1) * attRows}, [2]int{batch, batch + 1})
		if err != nil {
			return err
		}
		if err := kernel.Blit(enc, s.ctx, attSlice, attView); err != nil {
			return err
		}

		ffnSlice, err := sliceRows(s.ctx, cpu, l*rpl+attRows, 1, s.info.NumEmb)
		if err != nil {
			return err
		}
		ffnView, err := c.Ffn.AsView([2]int{0, s.info.NumEmb}, [2]int{localLayer, localLayer + 1}, [2]int{batch, batch + 1})
		if err != nil {
			return err
		}
		if err := kernel.Blit(enc, s.ctx, ffnSlice, ffnView); err != nil {
			return err
		}
	}

	return enc.Submit()
}

// sliceRows uploads a [c, rows, 1] sub-range of a CPU template as a
// fresh ReadWrite tensor for blitting into a state view.
func sliceRows(ctx *gpu.Context, cpu *tensor.CPU, tStart, rows, c int) (*tensor.Tensor, error) {
	shape := [3]int{c, rows, 1}
	n := c * rows
	// the upload copies, so the staging buffer goes straight back to
	// the pool
	data := tensor.GetBytes(n * 4)
	defer tensor.PutBytes(data)
	full := cpu.Float32()
	stride0 := 1
	stride1 := cpu.Shape[0]
	for r := 0; r < rows; r++ {
		for ci := 0; ci < c; ci++ {
			v := full[(tStart+r)*stride1+ci*stride0]
			off := (r*c + ci) * 4
			putF32(data[off:], v)
		}
	}
	return tensor.FromData(ctx, shape, gpu.F32, data)
}

func putF32(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}

// Back reads slot batch back into a CPU tensor in Init's layout.
func (s *State) Back(batch int) (*tensor.CPU, error) {
	if batch < 0 || batch >= s.maxBatch {
		return nil, &rwkverr.BatchOutOfRange{Batch: batch, Max: s.maxBatch}
	}
	shape := s.TemplateShape()
	out := make([]float32, shape[0]*shape[1]*shape[2])
	attRows := s.info.AttRows()
	rpl := s.rowsPerLayer()

	for l := 0; l < s.info.NumLayer; l++ {
		c := &s.chunks[s.layerIdx[l]]
		localLayer := l - c.FirstLayer

		attBack, err := readBackView(s.ctx, c.Att, [2]int{0, s.info.NumEmb}, [2]int{localLayer * attRows, (localLayer + 1) * attRows}, [2]int{batch, batch + 1})
		if err != nil {
			return nil, err
		}
		ffnBack, err := readBackView(s.ctx, c.Ffn, [2]int{0, s.info.NumEmb}, [2]int{localLayer, localLayer + 1}, [2]int{batch, batch + 1})
		if err != nil {
			return nil, err
		}

		writeRows(out, shape[0], l*rpl, attBack, attRows)
		writeRows(out, shape[0], l*rpl+attRows, ffnBack, 1)
	}

	return tensor.NewCPUFloat32(shape, out), nil
}

func writeRows(dst []float32, c, tStart int, src *tensor.CPU, rows int) {
	srcVals := src.Float32()
	for r := 0; r < rows; r++ {
		for ci := 0; ci < c; ci++ {
			dst[(tStart+r)*c+ci] = srcVals[r*c+ci]
		}
	}
}

// readBackView copies a view's region into a fresh ReadBack tensor
// via blit, then reads it back.
func readBackView(ctx *gpu.Context, src *tensor.Tensor, cRange, tRange, bRange [2]int) (*tensor.CPU, error) {
	view, err := src.AsView(cRange, tRange, bRange)
	if err != nil {
		return nil, err
	}
	shape := view.Shape()
	dst, err := tensor.InitTensor(ctx, shape, gpu.F32, gpu.ReadBack)
	if err != nil {
		return nil, err
	}
	enc := ctx.NewEncoder()
	if err := kernel.Blit(enc, ctx, view, dst); err != nil {
		return nil, err
	}
	if err := enc.Submit(); err != nil {
		return nil, err
	}
	return dst.BackAsync()
}

// Att returns the view into layer l's att-state tensor, across every
// batch slot.
func (s *State) Att(layer int) (*tensor.View, error) {
	c := &s.chunks[s.layerIdx[layer]]
	attRows := s.info.AttRows()
	local := layer - c.FirstLayer
	return c.Att.AsView([2]int{0, s.info.NumEmb}, [2]int{local * attRows, (local + 1) * attRows}, [2]int{0, s.maxBatch})
}

// Ffn returns the view into layer l's ffn-state tensor, across every
// batch slot.
func (s *State) Ffn(layer int) (*tensor.View, error) {
	c := &s.chunks[s.layerIdx[layer]]
	local := layer - c.FirstLayer
	return c.Ffn.AsView([2]int{0, s.info.NumEmb}, [2]int{local, local + 1}, [2]int{0, s.maxBatch})
}

// Blit copies every layer's state from srcBatch into dstBatch
// on-device, used for turn rewind and speculative decoding.
func (s *State) Blit(srcBatch, dstBatch int) error {
	if srcBatch < 0 || srcBatch >= s.maxBatch {
		return &rwkverr.BatchOutOfRange{Batch: srcBatch, Max: s.maxBatch}
	}
	if dstBatch < 0 || dstBatch >= s.maxBatch {
		return &rwkverr.BatchOutOfRange{Batch: dstBatch, Max: s.maxBatch}
	}

	enc := s.ctx.NewEncoder()
	for _, c := range s.chunks {
		attRows := s.info.AttRows()
		srcAtt, err := c.Att.AsView([2]int{0, s.info.NumEmb}, [2]int{0, attRows * c.NumLayers}, [2]int{srcBatch, srcBatch + 1})
		if err != nil {
			return err
		}
		dstAtt, err := c.Att.AsView([2]int{0, s.info.NumEmb}, [2]int{0, attRows * c.NumLayers}, [2]int{dstBatch, dstBatch + 1})
		if err != nil {
			return err
		}
		if err := kernel.Blit(enc, s.ctx, srcAtt, dstAtt); err != nil {
			return err
		}

		srcFfn, err := c.Ffn.AsView([2]int{0, s.info.NumEmb}, [2]int{0, c.NumLayers}, [2]int{srcBatch, srcBatch + 1})
		if err != nil {
			return err
		}
		dstFfn, err := c.Ffn.AsView([2]int{0, s.info.NumEmb}, [2]int{0, c.NumLayers}, [2]int{dstBatch, dstBatch + 1})
		if err != nil {
			return err
		}
		if err := kernel.Blit(enc, s.ctx, srcFfn, dstFfn); err != nil {
			return err
		}
	}
	return enc.Submit()
}

// Embed extracts layer l's last-x vector (the ffn state's single row)
// from a CPU tensor previously produced by Back.
func (s *State) Embed(layer int, backed *tensor.CPU) ([]float32, error) {
	rpl := s.rowsPerLayer()
	want := s.TemplateShape()
	if backed.Shape != want {
		return nil, &rwkverr.ShapeMismatch{Expected: want, Actual: backed.Shape}
	}
	full := backed.Float32()
	attRows := s.info.AttRows()
	rowStart := layer*rpl + attRows // the ffn last-x row
	c := s.info.NumEmb
	out := make([]float32, c)
	copy(out, full[rowStart*c:(rowStart+1)*c])
	return out, nil
}
