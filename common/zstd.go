package common

import (
	"sync"

	"github.com/DataDog/zstd"
)

// ZstdCtxPool reuses zstd contexts across frame compression and the
// pager's decompress path. Contexts are stateless between operations, so
// one process-wide pool serves everything.
type ZstdCtxPool struct {
	p sync.Pool
}

var zstdPool = &ZstdCtxPool{
	p: sync.Pool{New: func() any { return zstd.NewCtx() }},
}

func GetZstdCtxPool() *ZstdCtxPool {
	return zstdPool
}

func (z *ZstdCtxPool) Get() zstd.Ctx {
	return z.p.Get().(zstd.Ctx)
}

func (z *ZstdCtxPool) Put(c zstd.Ctx) {
	z.p.Put(c)
}
