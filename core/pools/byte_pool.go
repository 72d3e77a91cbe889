package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool is a multi-tiered pool of backing arrays for connection buffers.
// Arrays are handed out at full length; Put only accepts arrays whose
// capacity matches a tier exactly, so grown buffers fall to the GC.
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64
}

// Common buffer sizes for connection receive/send buffers
var defaultSizes = []int{
	4096,  // most requests and small responses
	16384, // headers plus a small body
	65536, // uploads and large generated bodies
}

// NewBytePool creates a new byte pool with standard size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a backing array of at least size bytes.
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			return *(bp.pools[i].Get().(*[]byte))
		}
	}

	// Size too large, allocate directly
	bp.misses.Add(1)
	return make([]byte, size)
}

// Put returns a backing array to its tier.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			buf = buf[:capacity]
			bp.puts.Add(1)
			bp.pools[i].Put(&buf)
			return
		}
	}
}

// Stats returns pool statistics.
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		TotalGets: bp.gets.Load(),
		TotalPuts: bp.puts.Load(),
		Oversized: bp.misses.Load(),
	}
}

// BytePoolStats contains pool statistics.
type BytePoolStats struct {
	TotalGets uint64
	TotalPuts uint64
	Oversized uint64
}
