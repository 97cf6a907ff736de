package common

import "sync"

// ChunkPool hands out scratch buffers in a few power-of-two sizes. Used for
// compressed frame staging and device read batches, which cluster around
// block-multiple sizes.
type ChunkPool struct {
	p13, p15, p17, p19 sync.Pool
}

var globalChunkPool = NewChunkPool()

func GetChunkPool() *ChunkPool { return globalChunkPool }

func NewChunkPool() *ChunkPool {
	return &ChunkPool{
		p13: sync.Pool{New: func() any { return make([]byte, 1<<13) }},
		p15: sync.Pool{New: func() any { return make([]byte, 1<<15) }},
		p17: sync.Pool{New: func() any { return make([]byte, 1<<17) }},
		p19: sync.Pool{New: func() any { return make([]byte, 1<<19) }},
	}
}

func (cp *ChunkPool) Get(size int) []byte {
	switch {
	case size <= 1<<13:
		return cp.p13.Get().([]byte)
	case size <= 1<<15:
		return cp.p15.Get().([]byte)
	case size <= 1<<17:
		return cp.p17.Get().([]byte)
	case size <= 1<<19:
		return cp.p19.Get().([]byte)
	default:
		return make([]byte, size)
	}
}

func (cp *ChunkPool) Put(b []byte) {
	size := cap(b)
	switch {
	case size <= 1<<13:
		cp.p13.Put(b[:size])
	case size <= 1<<15:
		cp.p15.Put(b[:size])
	case size <= 1<<17:
		cp.p17.Put(b[:size])
	case size <= 1<<19:
		cp.p19.Put(b[:size])
	}
}
