// Package weighttest builds small synthetic weight containers with
// deterministic pseudo-random parameters, used by tests across the
// runtime that need a loadable model without shipping real weights.
package weighttest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/orneryd/rwkvcore/pkg/container"
	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/weights"
)

// Dims sizes a synthetic model. Zero-valued fields get small defaults
// so most tests only set what they care about.
type Dims struct {
	Version   weights.Version
	NumLayer  int
	NumEmb    int
	NumHidden int
	NumVocab  int
	NumHead   int
	Adapter   int // V6 time-mix/time-decay adapter size
	Seed      int64
}

func (d *Dims) fill() {
	if d.NumLayer == 0 {
		d.NumLayer = 2
	}
	if d.NumEmb == 0 {
		d.NumEmb = 8
	}
	if d.NumHidden == 0 {
		d.NumHidden = 16
	}
	if d.NumVocab == 0 {
		d.NumVocab = 32
	}
	if d.Version != weights.V4 && d.NumHead == 0 {
		d.NumHead = 2
	}
	if d.Version == weights.V6 && d.Adapter == 0 {
		d.Adapter = 4
	}
}

// Info returns the ModelInfo the synthetic container will declare.
func (d Dims) Info() weights.ModelInfo {
	d.fill()
	return weights.ModelInfo{
		Version:              d.Version,
		NumLayer:             d.NumLayer,
		NumEmb:               d.NumEmb,
		NumHidden:            d.NumHidden,
		NumVocab:             d.NumVocab,
		NumHead:              d.NumHead,
		TimeMixAdapterSize:   d.Adapter,
		TimeDecayAdapterSize: d.Adapter,
	}
}

// NewContainer serializes a complete synthetic model for d and opens
// it back as a container.Reader. The same Dims (including Seed) always
// produce bit-identical containers.
func NewContainer(d Dims) (*container.Reader, error) {
	d.fill()
	rng := rand.New(rand.NewSource(d.Seed))
	w := container.NewWriter()

	info := make([]byte, 8*4)
	fields := []int{int(d.Version), d.NumLayer, d.NumEmb, d.NumHidden, d.NumVocab, d.NumHead, d.Adapter, d.Adapter}
	for i, v := range fields {
		binary.LittleEndian.PutUint32(info[i*4:], uint32(v))
	}
	w.Add(weights.InfoEntryName, "u8", [3]int{len(info), 1, 1}, info)

	vec := func(name string, n int, gen func() float32) {
		w.Add(name, "f16", [3]int{n, 1, 1}, f16Bytes(n, gen))
	}
	mat := func(name string, cin, cout int, gen func() float32) {
		w.Add(name, "f16", [3]int{cin, cout, 1}, f16Bytes(cin*cout, gen))
	}

	small := func() float32 { return float32(rng.Float64()*0.4 - 0.2) }
	nearOne := func() float32 { return float32(1 + rng.Float64()*0.02 - 0.01) }
	nearZero := func() float32 { return float32(rng.Float64()*0.02 - 0.01) }
	ratio := func() float32 { return float32(0.2 + rng.Float64()*0.6) }
	decay := func() float32 { return float32(-1 - rng.Float64()) }

	mat("emb.weight", d.NumEmb, d.NumVocab, small)

	for l := 0; l < d.NumLayer; l++ {
		pfx := fmt.Sprintf("blocks.%d.", l)
		vec(pfx+"ln1.weight", d.NumEmb, nearOne)
		vec(pfx+"ln1.bias", d.NumEmb, nearZero)
		mat(pfx+"att.receptance.weight", d.NumEmb, d.NumEmb, small)
		mat(pfx+"att.key.weight", d.NumEmb, d.NumEmb, small)
		mat(pfx+"att.value.weight", d.NumEmb, d.NumEmb, small)
		mat(pfx+"att.output.weight", d.NumEmb, d.NumEmb, small)
		if d.Version != weights.V4 {
			mat(pfx+"att.gate.weight", d.NumEmb, d.NumEmb, small)
		}
		if d.Version == weights.V6 {
			mat(pfx+"att.time_mix_adapter", d.NumEmb, d.Adapter, small)
			mat(pfx+"att.time_decay_adapter", d.NumEmb, d.Adapter, small)
		}
		vec(pfx+"att.time_mix_k", d.NumEmb, ratio)
		vec(pfx+"att.time_mix_v", d.NumEmb, ratio)
		vec(pfx+"att.time_mix_r", d.NumEmb, ratio)
		vec(pfx+"att.time_first", d.NumEmb, small)
		vec(pfx+"att.time_decay", d.NumEmb, decay)
		vec(pfx+"ln2.weight", d.NumEmb, nearOne)
		vec(pfx+"ln2.bias", d.NumEmb, nearZero)
		mat(pfx+"ffn.key.weight", d.NumEmb, d.NumHidden, small)
		mat(pfx+"ffn.value.weight", d.NumHidden, d.NumEmb, small)
		mat(pfx+"ffn.receptance.weight", d.NumEmb, d.NumEmb, small)
		vec(pfx+"ffn.time_mix_k", d.NumEmb, ratio)
		vec(pfx+"ffn.time_mix_r", d.NumEmb, ratio)
	}

	vec("ln_out.weight", d.NumEmb, nearOne)
	vec("ln_out.bias", d.NumEmb, nearZero)
	mat("head.weight", d.NumEmb, d.NumVocab, small)

	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return container.Open(bytes.NewReader(buf.Bytes()))
}

func f16Bytes(n int, gen func() float32) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], gpu.F32ToF16(gen()))
	}
	return out
}
