// Package weights loads a container.Reader into GPU-resident layer
// weights: fp16 upload, optional LoRA blending, optional int8/NF4
// quantization, and the periodic layer-rescale absorbed into the
// output projection at load time.
package weights

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/orneryd/rwkvcore/pkg/config"
	"github.com/orneryd/rwkvcore/pkg/container"
	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/kernel"
	"github.com/orneryd/rwkvcore/pkg/rwkverr"
	"github.com/orneryd/rwkvcore/pkg/tensor"
	"github.com/sirupsen/logrus"
)

// QuantKind selects how a layer matrix is stored after loading.
type QuantKind int

const (
	QuantNone QuantKind = iota
	QuantInt8
	QuantNF4
)

// LoraPattern blends a regex-matched tensor name by alpha. The first
// pattern in a LoraSource whose regex matches a tensor's
// fully-qualified name wins; later patterns in the same source are not
// consulted for that tensor.
type LoraPattern struct {
	Pattern *regexp.Regexp
	Alpha   float32
}

// LoraSource is one LoRA adapter: its own container plus the blend
// patterns to apply from it.
type LoraSource struct {
	Reader   *container.Reader
	Patterns []LoraPattern
}

// CompileLoraPatterns builds a pattern list from raw regex strings,
// failing with ErrLoraBlendPattern on the first string that does not
// compile.
func CompileLoraPatterns(raw map[string]float32) ([]LoraPattern, error) {
	out := make([]LoraPattern, 0, len(raw))
	for expr, alpha := range raw {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", rwkverr.ErrLoraBlendPattern, expr, err)
		}
		out = append(out, LoraPattern{Pattern: re, Alpha: alpha})
	}
	return out, nil
}

// BuildOptions configure how a container is loaded.
type BuildOptions struct {
	Rescale        int
	Lora           []LoraSource
	Quant          map[int]QuantKind // layer index -> quant kind
	EmbedDevice    string            // "CPU" or "GPU"
	TokenChunkSize int
	HeadChunkSize  int
	MaxBatch       int
	ChunkSize      int
}

// DefaultBuildOptions returns the documented defaults.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		Rescale:        6,
		Quant:          map[int]QuantKind{},
		EmbedDevice:    "GPU",
		TokenChunkSize: 32,
		HeadChunkSize:  4096,
		MaxBatch:       1,
		ChunkSize:      0, // 0 means "= NumLayer", resolved once ModelInfo is known
	}
}

// OptionsFromConfig derives build options from a loaded runtime
// configuration, for callers that configure through a YAML file or the
// environment instead of filling BuildOptions themselves.
func OptionsFromConfig(cfg *config.RuntimeConfig) BuildOptions {
	opts := DefaultBuildOptions()
	if cfg.ChunkSize > 0 {
		opts.TokenChunkSize = cfg.ChunkSize
	}
	if cfg.MaxBatch > 0 {
		opts.MaxBatch = cfg.MaxBatch
	}
	return opts
}

// Matrix is a layer projection matrix: plain fp16, int8-quantized with
// its row/column calibration, or nf4-coded with its absmax scale.
// Exactly one of the three fields is set.
type Matrix struct {
	FP16  *tensor.Tensor
	Quant *QuantizedMatrix
	NF4   *NF4Matrix
}

// QuantizedMatrix is the int8 encoding the loader's three-kernel
// sequence (row stats, column stats, apply) produces.
type QuantizedMatrix struct {
	U8 tensor.Handle
	Mx tensor.Handle
	Rx tensor.Handle
	My tensor.Handle
	Ry tensor.Handle
}

// NF4Matrix is the normal-float-4 encoding: one level index per
// element plus the per-column absmax scale.
type NF4Matrix struct {
	U8     tensor.Handle
	Absmax tensor.Handle
}

// AttWeights holds one layer's time-mix (attention) parameters.
type AttWeights struct {
	LN1W, LN1B tensor.Handle
	R, K, V, O Matrix
	Gate       *Matrix // V5/V6 only

	// V6 only: low-rank adapter matrices producing per-token time-mix
	// and time-decay offsets, [NumEmb, adapter_size].
	TimeMixAdapter   *tensor.Tensor
	TimeDecayAdapter *tensor.Tensor

	TimeMixK, TimeMixV, TimeMixR tensor.Handle
	TimeFirst, TimeDecay         tensor.Handle
}

// FfnWeights holds one layer's channel-mix (feed-forward) parameters.
type FfnWeights struct {
	LN2W, LN2B         tensor.Handle
	K, V, R            Matrix
	TimeMixK, TimeMixR tensor.Handle
}

// LayerWeights is one transformer block's full parameter set.
type LayerWeights struct {
	Att AttWeights
	Ffn FfnWeights
}

// Weights is the fully loaded, GPU-resident model.
type Weights struct {
	Info    ModelInfo
	Layers  []LayerWeights
	LNOutW  tensor.Handle
	LNOutB  tensor.Handle
	Head    Matrix
	EmbCPU  *tensor.CPU // set when EmbedDevice == "CPU"
	EmbGPU  *tensor.Tensor
	Options BuildOptions
}

// Build loads a full model from r.
func Build(ctx *gpu.Context, r *container.Reader, opts BuildOptions) (*Weights, error) {
	infoBytes, err := r.GetBytes(InfoEntryName)
	if err != nil {
		return nil, &rwkverr.MissingTensor{Name: InfoEntryName}
	}
	info, err := ParseModelInfo(infoBytes)
	if err != nil {
		return nil, err
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = info.NumLayer
	}

	logrus.WithFields(logrus.Fields{
		"version":   info.Version.String(),
		"num_layer": info.NumLayer,
		"num_emb":   info.NumEmb,
	}).Info("loading model weights")

	l := &loader{ctx: ctx, r: r, opts: opts, info: info, enc: ctx.NewEncoder()}

	w := &Weights{Info: info, Options: opts, Layers: make([]LayerWeights, info.NumLayer)}

	for i := 0; i < info.NumLayer; i++ {
		lw, err := l.loadLayer(i)
		if err != nil {
			return nil, err
		}
		w.Layers[i] = lw
	}

	w.LNOutW, err = l.loadVector("ln_out.weight", info.NumEmb)
	if err != nil {
		return nil, err
	}
	w.LNOutB, err = l.loadVector("ln_out.bias", info.NumEmb)
	if err != nil {
		return nil, err
	}
	w.Head, err = l.loadMatrix("head.weight", info.NumEmb, info.NumVocab, -1)
	if err != nil {
		return nil, err
	}

	if err := l.enc.Submit(); err != nil {
		return nil, err
	}

	switch opts.EmbedDevice {
	case "CPU":
		data, err := r.GetBytes("emb.weight")
		if err != nil {
			return nil, &rwkverr.MissingTensor{Name: "emb.weight"}
		}
		w.EmbCPU = &tensor.CPU{Shape: [3]int{info.NumEmb, info.NumVocab, 1}, Dtype: gpu.F16, Data: data}
	default:
		m, err := l.loadVectorTensor("emb.weight", [3]int{info.NumEmb, info.NumVocab, 1})
		if err != nil {
			return nil, err
		}
		w.EmbGPU = m
	}

	logrus.WithField("n_layer", len(w.Layers)).Info("model weights loaded")
	return w, nil
}

type loader struct {
	ctx  *gpu.Context
	r    *container.Reader
	opts BuildOptions
	info ModelInfo
	enc  *gpu.CommandEncoder
	half *tensor.Tensor
}

// halfFactor lazily allocates the shared [1,1,1] 0.5 constant the
// rescale scale dispatches bind.
func (l *loader) halfFactor() (*tensor.Tensor, error) {
	if l.half != nil {
		return l.half, nil
	}
	t, err := tensor.FromData(l.ctx, [3]int{1, 1, 1}, gpu.F32, f32Bytes([]float32{0.5}))
	if err != nil {
		return nil, err
	}
	l.half = t
	return t, nil
}

// isOutputProjection reports whether name is a block's output-side
// matrix, the one the periodic rescale halves.
func isOutputProjection(name string) bool {
	return strings.HasSuffix(name, "att.output.weight") || strings.HasSuffix(name, "ffn.value.weight")
}

func f32Bytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func (l *loader) loadLayer(i int) (LayerWeights, error) {
	var lw LayerWeights
	var err error

	pfx := fmt.Sprintf("blocks.%d.", i)

	if lw.Att.LN1W, err = l.loadVector(pfx+"ln1.weight", l.info.NumEmb); err != nil {
		return lw, err
	}
	if lw.Att.LN1B, err = l.loadVector(pfx+"ln1.bias", l.info.NumEmb); err != nil {
		return lw, err
	}
	if lw.Att.R, err = l.loadMatrix(pfx+"att.receptance.weight", l.info.NumEmb, l.info.NumEmb, i); err != nil {
		return lw, err
	}
	if lw.Att.K, err = l.loadMatrix(pfx+"att.key.weight", l.info.NumEmb, l.info.NumEmb, i); err != nil {
		return lw, err
	}
	if lw.Att.V, err = l.loadMatrix(pfx+"att.value.weight", l.info.NumEmb, l.info.NumEmb, i); err != nil {
		return lw, err
	}
	if lw.Att.O, err = l.loadMatrix(pfx+"att.output.weight", l.info.NumEmb, l.info.NumEmb, i); err != nil {
		return lw, err
	}
	if l.info.Version != V4 {
		gate, err := l.loadMatrix(pfx+"att.gate.weight", l.info.NumEmb, l.info.NumEmb, i)
		if err != nil {
			return lw, err
		}
		lw.Att.Gate = &gate
	}
	if l.info.Version == V6 {
		if lw.Att.TimeMixAdapter, err = l.loadVectorTensor(pfx+"att.time_mix_adapter", [3]int{l.info.NumEmb, l.info.TimeMixAdapterSize, 1}); err != nil {
			return lw, err
		}
		if lw.Att.TimeDecayAdapter, err = l.loadVectorTensor(pfx+"att.time_decay_adapter", [3]int{l.info.NumEmb, l.info.TimeDecayAdapterSize, 1}); err != nil {
			return lw, err
		}
	}
	if lw.Att.TimeMixK, err = l.loadVector(pfx+"att.time_mix_k", l.info.NumEmb); err != nil {
		return lw, err
	}
	if lw.Att.TimeMixV, err = l.loadVector(pfx+"att.time_mix_v", l.info.NumEmb); err != nil {
		return lw, err
	}
	if lw.Att.TimeMixR, err = l.loadVector(pfx+"att.time_mix_r", l.info.NumEmb); err != nil {
		return lw, err
	}
	if lw.Att.TimeFirst, err = l.loadVector(pfx+"att.time_first", l.info.NumEmb); err != nil {
		return lw, err
	}
	if lw.Att.TimeDecay, err = l.loadVector(pfx+"att.time_decay", l.info.NumEmb); err != nil {
		return lw, err
	}

	if lw.Ffn.LN2W, err = l.loadVector(pfx+"ln2.weight", l.info.NumEmb); err != nil {
		return lw, err
	}
	if lw.Ffn.LN2B, err = l.loadVector(pfx+"ln2.bias", l.info.NumEmb); err != nil {
		return lw, err
	}
	if lw.Ffn.K, err = l.loadMatrix(pfx+"ffn.key.weight", l.info.NumEmb, l.info.NumHidden, i); err != nil {
		return lw, err
	}
	if lw.Ffn.V, err = l.loadMatrix(pfx+"ffn.value.weight", l.info.NumHidden, l.info.NumEmb, i); err != nil {
		return lw, err
	}
	if lw.Ffn.R, err = l.loadMatrix(pfx+"ffn.receptance.weight", l.info.NumEmb, l.info.NumEmb, i); err != nil {
		return lw, err
	}
	if lw.Ffn.TimeMixK, err = l.loadVector(pfx+"ffn.time_mix_k", l.info.NumEmb); err != nil {
		return lw, err
	}
	if lw.Ffn.TimeMixR, err = l.loadVector(pfx+"ffn.time_mix_r", l.info.NumEmb); err != nil {
		return lw, err
	}

	return lw, nil
}

// loadVector uploads a [C,1,1] per-channel parameter with no LoRA or
// quantization applied (those only target layer matrices).
func (l *loader) loadVector(name string, c int) (tensor.Handle, error) {
	return l.loadVectorTensor(name, [3]int{c, 1, 1})
}

func (l *loader) loadVectorTensor(name string, shape [3]int) (*tensor.Tensor, error) {
	if err := l.checkDtype(name, "f16"); err != nil {
		return nil, err
	}
	data, err := l.r.GetBytes(name)
	if err != nil {
		return nil, &rwkverr.MissingTensor{Name: name}
	}
	t, err := tensor.FromData(l.ctx, shape, gpu.F16, data)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// checkDtype validates a container entry's declared dtype before its
// bytes are interpreted.
func (l *loader) checkDtype(name, want string) error {
	e, ok := l.r.Lookup(name)
	if !ok {
		return &rwkverr.MissingTensor{Name: name}
	}
	if e.Dtype != want {
		return fmt.Errorf("%w: %s declares %s, want %s", rwkverr.ErrDtypeMismatch, name, e.Dtype, want)
	}
	return nil
}

// loadMatrix uploads a [Cin,Cout,1] layer matrix, blends LoRA deltas,
// applies rescale, and quantizes per opts.Quant[layer]. layer < 0
// means "not a per-layer matrix" (the head projection): no LoRA, no
// quant, no rescale.
func (l *loader) loadMatrix(name string, cin, cout, layer int) (Matrix, error) {
	if err := l.checkDtype(name, "f16"); err != nil {
		return Matrix{}, err
	}
	data, err := l.r.GetBytes(name)
	if err != nil {
		return Matrix{}, &rwkverr.MissingTensor{Name: name}
	}
	shape := [3]int{cin, cout, 1}
	t, err := tensor.FromData(l.ctx, shape, gpu.F16, data)
	if err != nil {
		return Matrix{}, err
	}

	if layer < 0 {
		return Matrix{FP16: t}, nil
	}

	for _, src := range l.opts.Lora {
		for _, p := range src.Patterns {
			if !p.Pattern.MatchString(name) {
				continue
			}
			deltaBytes, err := src.Reader.GetBytes(name)
			if err != nil {
				break // pattern matched but adapter has no delta for this tensor; skip
			}
			delta, err := tensor.FromData(l.ctx, shape, gpu.F16, deltaBytes)
			if err != nil {
				return Matrix{}, err
			}
			alpha, err := tensor.FromData(l.ctx, [3]int{1, 1, 1}, gpu.F32, f32Bytes([]float32{p.Alpha}))
			if err != nil {
				return Matrix{}, err
			}
			if err := kernel.Scale(l.enc, l.ctx, delta, alpha, delta); err != nil {
				return Matrix{}, err
			}
			blended, err := tensor.InitTensor(l.ctx, shape, gpu.F16, gpu.ReadWrite)
			if err != nil {
				return Matrix{}, err
			}
			if err := kernel.Add(l.enc, l.ctx, t, delta, blended); err != nil {
				return Matrix{}, err
			}
			t = blended
			break
		}
	}

	if l.opts.Rescale > 0 && (layer+1)%l.opts.Rescale == 0 && isOutputProjection(name) {
		// Halving the block's output projection here absorbs the
		// periodic activation halving at load time; the forward pass
		// applies the matching in-flight 0.5 once per rescale boundary.
		half, err := l.halfFactor()
		if err != nil {
			return Matrix{}, err
		}
		if err := kernel.Scale(l.enc, l.ctx, t, half, t); err != nil {
			return Matrix{}, err
		}
		logrus.WithFields(logrus.Fields{"layer": layer, "tensor": name}).Debug("applied rescale")
	}

	switch l.opts.Quant[layer] {
	case QuantNone:
		return Matrix{FP16: t}, nil
	case QuantNF4:
		absmax, err := tensor.InitTensor(l.ctx, [3]int{cout, 1, 1}, gpu.F32, gpu.ReadWrite)
		if err != nil {
			return Matrix{}, err
		}
		u8, err := tensor.InitTensor(l.ctx, shape, gpu.U8, gpu.ReadWrite)
		if err != nil {
			return Matrix{}, err
		}
		if err := kernel.QuantizeStatsAbsmax(l.enc, l.ctx, t, absmax); err != nil {
			return Matrix{}, err
		}
		if err := kernel.QuantizeNF4(l.enc, l.ctx, t, absmax, u8); err != nil {
			return Matrix{}, err
		}
		return Matrix{NF4: &NF4Matrix{U8: u8, Absmax: absmax}}, nil
	}

	mx, err := tensor.InitTensor(l.ctx, [3]int{cout, 1, 1}, gpu.F32, gpu.ReadWrite)
	if err != nil {
		return Matrix{}, err
	}
	rx, err := tensor.InitTensor(l.ctx, [3]int{cout, 1, 1}, gpu.F32, gpu.ReadWrite)
	if err != nil {
		return Matrix{}, err
	}
	my, err := tensor.InitTensor(l.ctx, [3]int{cin, 1, 1}, gpu.F32, gpu.ReadWrite)
	if err != nil {
		return Matrix{}, err
	}
	ry, err := tensor.InitTensor(l.ctx, [3]int{cin, 1, 1}, gpu.F32, gpu.ReadWrite)
	if err != nil {
		return Matrix{}, err
	}
	u8, err := tensor.InitTensor(l.ctx, shape, gpu.U8, gpu.ReadWrite)
	if err != nil {
		return Matrix{}, err
	}

	// The stats-pass order depends on shape[1] > shape[0]; both orders
	// are commutative here since row and column stats are independent,
	// but the branch matches the quantization pipeline's historical
	// dispatch order.
	if cout > cin {
		if err := kernel.QuantizeStatsCol(l.enc, l.ctx, t, my, ry); err != nil {
			return Matrix{}, err
		}
		if err := kernel.QuantizeStatsRow(l.enc, l.ctx, t, mx, rx); err != nil {
			return Matrix{}, err
		}
	} else {
		if err := kernel.QuantizeStatsRow(l.enc, l.ctx, t, mx, rx); err != nil {
			return Matrix{}, err
		}
		if err := kernel.QuantizeStatsCol(l.enc, l.ctx, t, my, ry); err != nil {
			return Matrix{}, err
		}
	}
	if err := kernel.QuantizeApply(l.enc, l.ctx, t, mx, rx, my, ry, u8); err != nil {
		return Matrix{}, err
	}

	return Matrix{Quant: &QuantizedMatrix{U8: u8, Mx: mx, Rx: rx, My: my, Ry: ry}}, nil
}
