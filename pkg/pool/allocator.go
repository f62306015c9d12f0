package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

// defaultBufPool is an Allocator that has a maximum capacity.
var defaultBufPool = NewAllocator(17) // 128KiB

// GetBuf returns a *Buffer from the pool with the given size.
// The caller MUST call Buffer.Release after use.
func GetBuf(size int) *Buffer {
	return defaultBufPool.Get(size)
}

type Allocator struct {
	maxPoolBits int
	buffers     []sync.Pool
}

// NewAllocator creates an Allocator with pooled buffers sized from
// 1 << 0 up to 1 << maxPoolBits, one pool per power of two.
func NewAllocator(maxPoolBits int) *Allocator {
	if maxPoolBits <= 0 {
		panic(fmt.Sprintf("invalid pool bits %d", maxPoolBits))
	}

	a := &Allocator{
		maxPoolBits: maxPoolBits,
		buffers:     make([]sync.Pool, maxPoolBits+1),
	}
	for i := range a.buffers {
		bufSize := 1 << i
		a.buffers[i].New = func() interface{} {
			return make([]byte, bufSize)
		}
	}
	return a
}

// Get returns a *Buffer of exactly size bytes. Buffers beyond the pooled
// capacity are allocated directly and not returned to any pool.
func (a *Allocator) Get(size int) *Buffer {
	if size < 0 {
		panic(fmt.Sprintf("invalid buffer size %d", size))
	}
	if size == 0 {
		return &Buffer{}
	}

	poolBits := shardBits(size)
	if poolBits > a.maxPoolBits {
		return &Buffer{b: make([]byte, size)}
	}

	b := a.buffers[poolBits].Get().([]byte)
	return &Buffer{
		a:        a,
		poolBits: poolBits,
		b:        b[:size],
	}
}

func (a *Allocator) release(buf *Buffer) {
	a.buffers[buf.poolBits].Put(buf.b[:cap(buf.b)])
}

// shardBits returns the smallest n so that 1<<n >= size.
func shardBits(size int) int {
	if size <= 1 {
		return 0
	}
	return bits.Len(uint(size - 1))
}

// Buffer is a (possibly pooled) byte buffer.
type Buffer struct {
	a        *Allocator
	poolBits int
	b        []byte
}

// Bytes returns the buffer's bytes. The slice is invalid after Release.
func (buf *Buffer) Bytes() []byte {
	return buf.b
}

// Release returns the buffer to its pool. The caller MUST NOT access the
// buffer afterwards. It is a no-op for unpooled buffers.
func (buf *Buffer) Release() {
	if buf.a == nil {
		return
	}
	a := buf.a
	buf.a = nil
	a.release(buf)
}
