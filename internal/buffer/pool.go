// Package buffer pools the scratch byte slices used to drain read streams
// and to stage compressed blocks.
package buffer

import (
	"sort"
	"sync"
)

// DefaultSizes are the bucket sizes of a pool built by NewBytePool.
var DefaultSizes = []int{
	4 << 10,   // drain scratch
	16 << 10,  //
	64 << 10,  // typical compressed 64^3 uint8 block
	256 << 10, //
	1 << 20,   //
	4 << 20,   // uncompressed 128^3 uint16 block
}

// BytePool hands out byte slices from size buckets to reduce GC pressure.
type BytePool struct {
	pools map[int]*sync.Pool
	sizes []int
}

// NewBytePool creates a pool with DefaultSizes, or with the given sizes.
func NewBytePool(sizes ...int) *BytePool {
	if len(sizes) == 0 {
		sizes = DefaultSizes
	}
	sizes = append([]int(nil), sizes...)
	sort.Ints(sizes)

	pools := make(map[int]*sync.Pool, len(sizes))
	for _, size := range sizes {
		size := size
		pools[size] = &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		}
	}

	return &BytePool{pools: pools, sizes: sizes}
}

// Get returns a slice of length size. Requests larger than the biggest bucket
// are allocated directly.
func (p *BytePool) Get(size int) []byte {
	for _, bucket := range p.sizes {
		if bucket >= size {
			buf := p.pools[bucket].Get().(*[]byte)
			return (*buf)[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to its bucket. Slices whose capacity matches no bucket are
// left to the GC.
func (p *BytePool) Put(buf []byte) {
	if buf == nil {
		return
	}
	pool, ok := p.pools[cap(buf)]
	if !ok {
		return
	}
	buf = buf[:cap(buf)]
	clear(buf)
	pool.Put(&buf)
}

// MaxSize is the largest pooled bucket.
func (p *BytePool) MaxSize() int {
	if len(p.sizes) == 0 {
		return 0
	}
	return p.sizes[len(p.sizes)-1]
}

var defaultBytePool = NewBytePool()

// Default returns the process-wide pool.
func Default() *BytePool {
	return defaultBytePool
}
