// Package gpu owns the device/queue abstraction the rest of the runtime
// is built on: a Context compiles every kernel pipeline once at startup
// and hands out borrowed handles to buffers and pipelines, while a
// CommandEncoder batches kernel dispatches for a single queue submission.
//
// The actual compute happens inside whichever Backend the Context was
// constructed with. The default (and only backend this tree always
// builds) is the pure-Go softgpu backend in the sibling softgpu package;
// cuda, vulkan and opencl are cgo-backed and compiled in only behind
// their matching build tag.
package gpu

// Dtype is the scalar element type of a tensor.
type Dtype int

const (
	F32 Dtype = iota
	F16
	U8
	U32
)

// Size returns the in-memory size of one element of this dtype, in bytes.
func (d Dtype) Size() int {
	switch d {
	case F32, U32:
		return 4
	case F16:
		return 2
	case U8:
		return 1
	default:
		return 0
	}
}

func (d Dtype) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case U8:
		return "u8"
	case U32:
		return "u32"
	default:
		return "unknown"
	}
}

// Kind selects the usage flags a buffer is created with.
type Kind int

const (
	// Uniform buffers are small, read-only, and hold shape/stride
	// metadata or other per-dispatch constants.
	Uniform Kind = iota
	// ReadWrite buffers are general storage buffers: every kernel that
	// ever binds them may both read and write.
	ReadWrite
	// ReadBack buffers are storage buffers additionally mappable for
	// CPU reads once the queue has drained.
	ReadBack
)

func (k Kind) String() string {
	switch k {
	case Uniform:
		return "uniform"
	case ReadWrite:
		return "read_write"
	case ReadBack:
		return "read_back"
	default:
		return "unknown"
	}
}

// PowerPreference selects which physical adapter to open when more than
// one is available.
type PowerPreference int

const (
	PowerPreferenceHighPerformance PowerPreference = iota
	PowerPreferenceLowPower
)

// Limits holds the device limits the Context requests from the
// backend, auto-computed from ModelInfo by the caller (see
// ComputeLimits).
type Limits struct {
	MaxBufferSize               int
	MaxStorageBufferBindingSize int
}

// ComputeLimits derives device limits from model dimensions:
// max_buffer_size is driven by the largest matrix the
// model will ever upload (embedding/hidden or embedding/vocab), with a
// 256 MiB floor; max_storage_buffer_binding_size shares the same
// inputs with a 128 MiB floor to respect the single-binding ceiling
// that drives weight and state chunking.
func ComputeLimits(numEmb, numHidden, numVocab int) Limits {
	const mib = 1 << 20
	bufferFloor := 256 * mib
	bindingFloor := 128 * mib

	candidate := func(a, b int) int { return a * b * 2 } // fp16 bytes

	maxBuf := bufferFloor
	if v := candidate(numEmb, numHidden); v > maxBuf {
		maxBuf = v
	}
	if v := candidate(numEmb, numVocab); v > maxBuf {
		maxBuf = v
	}

	maxBind := bindingFloor
	if v := candidate(numEmb, numHidden); v > maxBind {
		maxBind = v
	}
	if v := candidate(numEmb, numVocab); v > maxBind {
		maxBind = v
	}

	return Limits{MaxBufferSize: maxBuf, MaxStorageBufferBindingSize: maxBind}
}

// BufferHandle is an opaque, backend-owned allocation. Backends return
// these from CreateBuffer and consume them in Execute; callers never
// look inside.
type BufferHandle interface {
	// Size is the buffer's capacity in bytes.
	Size() uint64
}

// PipelineHandle is an opaque, backend-compiled kernel pipeline.
type PipelineHandle interface {
	// Name is the stable string this pipeline was compiled under.
	Name() string
}

// Dispatch is a single recorded kernel invocation: a pipeline, the
// buffers it binds in argument order, and the workgroup grid to run
// over. The kernel library is the only caller that constructs these;
// backends only ever consume them.
type Dispatch struct {
	Pipeline PipelineHandle
	Bindings []BufferHandle
	GridX    int
	GridY    int
	GridZ    int
}

// CopyOp is a raw buffer-to-buffer copy, recorded by
// CommandEncoder.CopyTensor. Its offsets and length are byte counts
// taken as given; no shape check is made against either buffer.
type CopyOp struct {
	Src       BufferHandle
	Dst       BufferHandle
	SrcOffset uint64
	DstOffset uint64
	Length    uint64
}

// Backend is the interface a concrete compute provider satisfies. A
// Context is constructed around exactly one Backend for its lifetime.
type Backend interface {
	// Name identifies the backend for logging ("softgpu", "cuda", ...).
	Name() string
	// CompilePipeline compiles the named kernel from its embedded
	// source. Called once per name at Context construction.
	CompilePipeline(name string) (PipelineHandle, error)
	// CreateBuffer allocates a zero-initialized buffer of the given
	// byte size, usage kind and element dtype. The dtype tells the
	// backend how to interpret bytes passed to Upload and produced by
	// MapRead; it does not change the allocation's size.
	CreateBuffer(size uint64, kind Kind, dtype Dtype) (BufferHandle, error)
	// Upload copies host data into a buffer, starting at byte offset 0.
	Upload(buf BufferHandle, data []byte) error
	// Execute runs a batch of dispatches and copies, in order, as a
	// single queue submission.
	Execute(dispatches []Dispatch, copies []CopyOp) error
	// MapRead blocks until any in-flight submission touching buf has
	// completed, then returns its contents.
	MapRead(buf BufferHandle) ([]byte, error)
	// Release frees backend-wide resources (device, queue).
	Release()
}
