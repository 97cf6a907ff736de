package zseek

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dnr/blobd/common"
)

// maxBlocksPerRead bounds one BlockReader call so device descriptors stay
// small.
const maxBlocksPerRead = 64

type (
	// BlockReader reads whole archive blocks from the backing device.
	// buf is exactly count blocks long.
	BlockReader interface {
		ReadBlocks(buf []byte, firstBlock, count uint32) error
	}

	// BlockCache holds recently read archive blocks. Get returns the
	// cached block read-only. A nil cache is valid and caches nothing.
	BlockCache interface {
		Get(block uint32) ([]byte, bool)
		Put(block uint32, data []byte)
	}

	// Collection serves block-aligned reads of one compressed archive,
	// filling from the cache where possible and batching the rest into
	// contiguous device reads.
	Collection struct {
		r      BlockReader
		cache  BlockCache
		blk    common.BlkShift
		blocks uint32
	}

	// Decompressor serves arbitrary uncompressed ranges of one archive
	// at whole-frame granularity.
	Decompressor struct {
		col *Collection
		st  *SeekTable
	}
)

// LRUBlockCache is a fixed-capacity BlockCache shared across blobs.
type LRUBlockCache struct {
	c *lru.Cache[blockKey, []byte]
}

// blockKey namespaces cached blocks by blob so archives sharing one cache
// never collide.
type blockKey struct {
	blob  uint64
	block uint32
}

func NewLRUBlockCache(capacity int) (*LRUBlockCache, error) {
	c, err := lru.New[blockKey, []byte](capacity)
	if err != nil {
		return nil, err
	}
	return &LRUBlockCache{c: c}, nil
}

// ForBlob returns a BlockCache view of the shared cache keyed by id.
func (l *LRUBlockCache) ForBlob(id uint64) BlockCache {
	return &blobCacheView{l: l, blob: id}
}

// DropBlob removes all cached blocks for one blob.
func (l *LRUBlockCache) DropBlob(id uint64) {
	for _, k := range l.c.Keys() {
		if k.blob == id {
			l.c.Remove(k)
		}
	}
}

type blobCacheView struct {
	l    *LRUBlockCache
	blob uint64
}

func (v *blobCacheView) Get(block uint32) ([]byte, bool) {
	return v.l.c.Get(blockKey{v.blob, block})
}

func (v *blobCacheView) Put(block uint32, data []byte) {
	v.l.c.Add(blockKey{v.blob, block}, data)
}

// NewCollection wraps r serving an archive of archiveSize bytes in blocks
// of 1<<blk. cache may be nil.
func NewCollection(r BlockReader, cache BlockCache, blk common.BlkShift, archiveSize uint64) *Collection {
	return &Collection{
		r:      r,
		cache:  cache,
		blk:    blk,
		blocks: common.TruncU32(blk.Blocks(int64(archiveSize))),
	}
}

// Fill reads count archive blocks starting at firstBlock into buf, which
// must be exactly count blocks long. Cached blocks are copied out and the
// gaps are coalesced into as few device reads as possible.
func (c *Collection) Fill(buf []byte, firstBlock, count uint32) error {
	if firstBlock+count > c.blocks || firstBlock+count < firstBlock {
		return fmt.Errorf("%w: blocks [%d, %d) of %d", ErrOutOfRange, firstBlock, firstBlock+count, c.blocks)
	}
	if len(buf) != int(count)<<c.blk {
		return fmt.Errorf("%w: buffer is %d bytes for %d blocks", ErrOutOfRange, len(buf), count)
	}

	bsize := uint64(1) << c.blk
	var missing []common.Region
	for i := uint32(0); i < count; i++ {
		dst := buf[int(i)<<c.blk : int(i+1)<<c.blk]
		if c.cache != nil {
			if b, ok := c.cache.Get(firstBlock + i); ok {
				copy(dst, b)
				continue
			}
		}
		missing = common.AppendRegions(missing, 0, uint64(firstBlock+i), 1, maxBlocksPerRead, 0)
	}

	for _, m := range missing {
		off := int(m.Addr-uint64(firstBlock)) << c.blk
		dst := buf[off : off+int(m.Len)<<c.blk]
		if err := c.r.ReadBlocks(dst, uint32(m.Addr), uint32(m.Len)); err != nil {
			return err
		}
		if c.cache != nil {
			for i := uint64(0); i < m.Len; i++ {
				cp := make([]byte, bsize)
				copy(cp, dst[i<<c.blk:])
				c.cache.Put(uint32(m.Addr+i), cp)
			}
		}
	}
	return nil
}

// NewDecompressor serves ranges of col described by st.
func NewDecompressor(col *Collection, st *SeekTable) *Decompressor {
	return &Decompressor{col: col, st: st}
}

// ServedRange widens [off, off+n) to whole frames, the granularity Read
// actually delivers at. Callers size the destination buffer from this.
func (d *Decompressor) ServedRange(off uint64, n int) (uint64, int, error) {
	first, err := d.st.FrameForOffset(off)
	if err != nil {
		return 0, 0, err
	}
	end := min(off+uint64(n), d.st.dataSize)
	last, err := d.st.FrameForOffset(end - 1)
	if err != nil {
		return 0, 0, err
	}
	so, sn := d.st.UncompressedRange(first, last)
	return so, int(sn), nil
}

// Read decompresses the frames covering [off, off+n) into dst and returns
// the range actually served, which starts at or before off and covers at
// least the requested range clamped to the blob size. dst must be at
// least as large as ServedRange reports.
func (d *Decompressor) Read(dst []byte, off uint64, n int) (uint64, int, error) {
	if n <= 0 {
		return off, 0, nil
	}
	first, err := d.st.FrameForOffset(off)
	if err != nil {
		return 0, 0, err
	}
	end := min(off+uint64(n), d.st.dataSize)
	last, err := d.st.FrameForOffset(end - 1)
	if err != nil {
		return 0, 0, err
	}

	servedOff, sn := d.st.UncompressedRange(first, last)
	servedLen := int(sn)
	if servedLen > len(dst) {
		return 0, 0, fmt.Errorf("%w: need %d byte buffer, have %d", ErrOutOfRange, servedLen, len(dst))
	}

	cmpOff, cmpLen := d.st.CompressedRange(first, last)
	blkFirst := d.col.blk.Rounddown(int64(cmpOff)) >> d.col.blk
	blkCount := d.col.blk.Blocks(int64(cmpOff)+int64(cmpLen)) - blkFirst

	cp := common.GetChunkPool()
	scratch := cp.Get(int(blkCount) << d.col.blk)
	defer cp.Put(scratch)
	scratch = scratch[:int(blkCount)<<d.col.blk]
	if err := d.col.Fill(scratch, common.TruncU32(blkFirst), common.TruncU32(blkCount)); err != nil {
		return 0, 0, err
	}

	zp := common.GetZstdCtxPool()
	z := zp.Get()
	defer zp.Put(z)

	pos := 0
	for f := first; f <= last; f++ {
		e := &d.st.entries[f]
		srcOff := e.CompressedStart - uint64(blkFirst)<<d.col.blk
		src := scratch[srcOff : srcOff+uint64(e.CompressedSize)]
		want := int(e.UncompressedSize)
		out, err := z.Decompress(dst[pos:pos:pos+want], src)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: frame %d: %v", ErrCorrupt, f, err)
		}
		if len(out) != want {
			return 0, 0, fmt.Errorf("%w: frame %d decompressed to %d bytes, want %d", ErrCorrupt, f, len(out), want)
		}
		if &out[0] != &dst[pos] {
			copy(dst[pos:pos+want], out)
		}
		pos += want
	}
	return servedOff, servedLen, nil
}
