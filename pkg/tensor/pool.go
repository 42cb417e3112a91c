package tensor

import "sync"

// Pooling reduces per-step allocation churn for host-side staging
// buffers: the CPU embedding gather takes its float32 rows from
// GetFloat32, and State.Load takes its upload staging from GetBytes.
// Readback buffers and the logits slices Model.Run returns are not
// pooled. One sync.Pool per distinct size.
type PoolConfig struct {
	// Enabled controls whether pooling is active; disable to make
	// allocation patterns easier to profile.
	Enabled bool
	// MaxSize is not read: the pools keep no cap on how many slices of
	// each size they hold.
	MaxSize int
}

var poolConfig = PoolConfig{Enabled: true, MaxSize: 256}

// ConfigurePool sets the global pooling behavior. Call once during
// startup, before the first forward pass.
func ConfigurePool(cfg PoolConfig) { poolConfig = cfg }

var bytePools sync.Map // map[int]*sync.Pool, keyed by buffer size

// GetBytes returns a zeroed []byte of at least n bytes, reused from the
// pool when pooling is enabled.
func GetBytes(n int) []byte {
	if !poolConfig.Enabled {
		return make([]byte, n)
	}
	v, _ := bytePools.LoadOrStore(n, &sync.Pool{
		New: func() any { return make([]byte, n) },
	})
	buf := v.(*sync.Pool).Get().([]byte)
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// PutBytes returns buf to its size-keyed pool for reuse.
func PutBytes(buf []byte) {
	if !poolConfig.Enabled {
		return
	}
	v, ok := bytePools.Load(len(buf))
	if !ok {
		return
	}
	v.(*sync.Pool).Put(buf)
}

var float32Pools sync.Map // map[int]*sync.Pool, keyed by slice length

// GetFloat32 returns a zeroed []float32 of length n, reused from the
// pool when pooling is enabled. Used for the staging rows of the CPU
// embedding gather.
func GetFloat32(n int) []float32 {
	if !poolConfig.Enabled {
		return make([]float32, n)
	}
	v, _ := float32Pools.LoadOrStore(n, &sync.Pool{
		New: func() any { return make([]float32, n) },
	})
	buf := v.(*sync.Pool).Get().([]float32)
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// PutFloat32 returns buf to its length-keyed pool for reuse.
func PutFloat32(buf []float32) {
	if !poolConfig.Enabled {
		return
	}
	v, ok := float32Pools.Load(len(buf))
	if !ok {
		return
	}
	v.(*sync.Pool).Put(buf)
}
