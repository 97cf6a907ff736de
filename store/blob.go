package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dnr/blobd/cache"
	"github.com/dnr/blobd/common"
	"github.com/dnr/blobd/common/cdig"
	"github.com/dnr/blobd/common/merkle"
	"github.com/dnr/blobd/format"
	"github.com/dnr/blobd/pager"
	"github.com/dnr/blobd/zseek"
)

// blobNode is the in-memory handle for one stored blob. It carries the
// decoded inode, the flattened extent list, the authenticated hash tree,
// and lazily a paged memory object for reads. It lives in the blob cache.
type blobNode struct {
	s       *Store
	dig     cdig.CDig
	node    uint32
	ino     *format.Inode
	extents []format.Extent
	tree    *merkle.Tree

	mu      sync.Mutex
	watcher *pager.Watcher
	vmo     *pager.Vmo
}

var _ cache.Node = (*blobNode)(nil)

func (b *blobNode) Digest() cdig.CDig { return b.dig }

func (b *blobNode) ShouldCache() bool { return true }

func (b *blobNode) EvictionOverride() (cache.EvictionPolicy, bool) { return 0, false }

// ActivateLowMemory drops the paged memory object and this blob's share of
// the block cache. The next read re-attaches and faults from disk.
func (b *blobNode) ActivateLowMemory() {
	b.mu.Lock()
	w := b.watcher
	b.watcher = nil
	b.vmo = nil
	b.mu.Unlock()
	if w != nil {
		w.Detach()
	}
	if b.s.bcache != nil {
		b.s.bcache.DropBlob(blobCacheID(b.dig))
	}
}

// blobCacheID keys the shared block cache by blob.
func blobCacheID(dig cdig.CDig) uint64 {
	return binary.LittleEndian.Uint64(dig[:8])
}

const blkShift = common.BlkShift(format.BlockShift)

// treeBlocks is how many leading blocks of the extent chain hold the
// serialized hash tree; data blocks follow.
func (b *blobNode) treeBlocks() uint64 {
	return uint64(blkShift.Blocks(int64(merkle.TreeLength(b.ino.BlobSize))))
}

// deviceRuns maps [rel, rel+count) blob-relative blocks (tree and data as
// one stream) onto device block runs, in order.
func (b *blobNode) deviceRuns(rel, count uint64) ([]format.Extent, error) {
	var out []format.Extent
	for _, e := range b.extents {
		if count == 0 {
			break
		}
		if rel >= uint64(e.Len) {
			rel -= uint64(e.Len)
			continue
		}
		n := min(uint64(e.Len)-rel, count)
		out = append(out, format.Extent{Start: e.Start + rel, Len: common.TruncU32(n)})
		rel = 0
		count -= n
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: extent chain short by %d blocks", ErrCorrupt, count)
	}
	return out, nil
}

// readStream reads [off, off+len(buf)) of the blob's block stream,
// run by run.
func (b *blobNode) readStream(buf []byte, off int64) error {
	shift := blkShift
	rel := uint64(shift.Rounddown(off)) >> shift
	skip := shift.Leftover(off)
	count := uint64(shift.Blocks(skip + int64(len(buf))))
	runs, err := b.deviceRuns(rel, count)
	if err != nil {
		return err
	}
	for _, r := range runs {
		n := min(int64(r.Len)<<shift-skip, int64(len(buf)))
		if err := b.s.dev.ReadAt(buf[:n], r.Start, skip); err != nil {
			return err
		}
		buf = buf[n:]
		skip = 0
	}
	return nil
}

// rawReader serves uncompressed blobs straight off the device. Block size
// and verifier node size are the same shift, so the aligned ranges the
// pager asks for are always block aligned.
type rawReader struct {
	b *blobNode
}

func (r *rawReader) ServedRange(off uint64, n int) (uint64, int, error) {
	end := min(off+uint64(n), r.b.ino.BlobSize)
	if off > end {
		return 0, 0, fmt.Errorf("read [%d, +%d) outside blob of %d", off, n, r.b.ino.BlobSize)
	}
	return off, int(end - off), nil
}

func (r *rawReader) Read(dst []byte, off uint64, n int) (uint64, int, error) {
	so, sn, err := r.ServedRange(off, n)
	if err != nil {
		return 0, 0, err
	}
	if err := r.b.readStream(dst[:sn], int64(r.b.treeBlocks()<<format.BlockShift)+int64(so)); err != nil {
		return 0, 0, err
	}
	return so, sn, nil
}

// archiveBlocks adapts the blob's data blocks (a seekable archive) to the
// zseek block reader interface.
type archiveBlocks struct {
	b *blobNode
}

func (a *archiveBlocks) ReadBlocks(buf []byte, firstBlock, count uint32) error {
	rel := a.b.treeBlocks() + uint64(firstBlock)
	runs, err := a.b.deviceRuns(rel, uint64(count))
	if err != nil {
		return err
	}
	for _, r := range runs {
		n := int(r.Len) << format.BlockShift
		if err := a.b.s.dev.ReadAt(buf[:n], r.Start, 0); err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// newReader builds the pager read path for this blob: raw device reads, or
// the seek-table decompressor for compressed blobs.
func (b *blobNode) newReader() (pager.Reader, error) {
	if b.ino.Header.Flags&format.FlagCompressed == 0 {
		return &rawReader{b: b}, nil
	}

	ab := &archiveBlocks{b: b}
	hdr := make([]byte, format.BlockSize)
	if err := ab.ReadBlocks(hdr, 0, 1); err != nil {
		return nil, err
	}
	archSize, nFrames, err := zseek.ParseHeader(hdr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	tb := zseek.TableBytes(nFrames)
	table := hdr
	if tb > len(table) {
		shift := blkShift
		table = make([]byte, shift.Roundup(int64(tb)))
		if err := ab.ReadBlocks(table, 0, common.TruncU32(shift.Blocks(int64(tb)))); err != nil {
			return nil, err
		}
	}
	st, err := zseek.ParseTable(table, nFrames)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if st.DataSize() != b.ino.BlobSize {
		return nil, fmt.Errorf("%w: archive holds %d bytes, inode says %d",
			ErrCorrupt, st.DataSize(), b.ino.BlobSize)
	}

	var bc zseek.BlockCache
	if b.s.bcache != nil {
		bc = b.s.bcache.ForBlob(blobCacheID(b.dig))
	}
	col := zseek.NewCollection(ab, bc, blkShift, archSize)
	return zseek.NewDecompressor(col, st), nil
}

// pagedVmo returns the blob's memory object, attaching to the pager on
// first use.
func (b *blobNode) pagedVmo() (*pager.Vmo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vmo != nil {
		return b.vmo, nil
	}
	r, err := b.newReader()
	if err != nil {
		return nil, err
	}
	w := pager.NewWatcher(b.s.pager, r, b.tree)
	vmo, err := w.CreatePagedVmo(b.ino.BlobSize)
	if err != nil {
		return nil, err
	}
	b.watcher = w
	b.vmo = vmo
	return vmo, nil
}

// loadBlobNode reads node idx's chain off the allocator tables and builds
// the in-memory handle, including reading and authenticating the hash
// tree.
func (s *Store) loadBlobNode(dig cdig.CDig, idx uint32) (*blobNode, error) {
	ino, extents, _, err := s.walkChain(idx)
	if err != nil {
		return nil, err
	}
	if cdig.CDig(ino.MerkleRoot) != dig {
		return nil, fmt.Errorf("%w: inode %d root %s does not match digest %s",
			ErrCorrupt, idx, cdig.CDig(ino.MerkleRoot), dig)
	}

	b := &blobNode{s: s, dig: dig, node: idx, ino: ino, extents: extents}
	tree := merkle.New()
	tree.SetDataLength(ino.BlobSize)
	if tl := tree.GetTreeLength(); tl > 0 {
		tb := make([]byte, tl)
		if err := b.readStream(tb, 0); err != nil {
			return nil, err
		}
		if err := tree.SetTree(tb, dig); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	} else if err := tree.SetTree(nil, dig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	b.tree = tree
	return b, nil
}

// walkChain decodes the inode at idx and follows its container chain,
// returning the inode, the full extent list, and every node index in chain
// order. Cycles, out-of-range links, and count mismatches are corruption,
// reported as errors rather than followed.
func (s *Store) walkChain(idx uint32) (*format.Inode, []format.Extent, []uint32, error) {
	nodeCount := s.alloc.NodeCount()
	if idx >= nodeCount {
		return nil, nil, nil, fmt.Errorf("%w: inode index %d out of range %d", ErrCorrupt, idx, nodeCount)
	}
	np := s.alloc.GetNode(idx)
	ino, err := format.DecodeInode(np.Bytes())
	np.Drop()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !ino.Header.IsAllocated() || ino.Header.IsContainer() {
		return nil, nil, nil, fmt.Errorf("%w: node %d is not a blob inode", ErrCorrupt, idx)
	}

	want := int(ino.ExtentCount)
	extents := make([]format.Extent, 0, want)
	nodes := []uint32{idx}
	seen := map[uint32]bool{idx: true}

	take := func(packed []uint64, n int) error {
		if len(extents)+n > want {
			return fmt.Errorf("%w: chain carries more than %d extents", ErrCorrupt, want)
		}
		for _, v := range packed[:n] {
			e := format.UnpackExtent(v)
			if e.Len == 0 || e.End() > s.alloc.BlockCount() {
				return fmt.Errorf("%w: extent %+v out of volume range", ErrCorrupt, e)
			}
			extents = append(extents, e)
		}
		return nil
	}

	inline := min(want, format.InlineExtents)
	if err := take(ino.Inline[:], inline); err != nil {
		return nil, nil, nil, err
	}

	prev := idx
	for next := ino.Header.NextNode; next != format.NoNode; {
		if next >= nodeCount {
			return nil, nil, nil, fmt.Errorf("%w: chain link %d out of range %d", ErrCorrupt, next, nodeCount)
		}
		if seen[next] {
			return nil, nil, nil, fmt.Errorf("%w: chain cycle at node %d", ErrCorrupt, next)
		}
		seen[next] = true
		np := s.alloc.GetNode(next)
		ec, err := format.DecodeContainer(np.Bytes())
		np.Drop()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if !ec.Header.IsAllocated() || !ec.Header.IsContainer() {
			return nil, nil, nil, fmt.Errorf("%w: chain node %d is not a container", ErrCorrupt, next)
		}
		if ec.PreviousNode != prev {
			return nil, nil, nil, fmt.Errorf("%w: container %d back-link %d != %d", ErrCorrupt, next, ec.PreviousNode, prev)
		}
		if int(ec.ExtentCount) > format.ContainerExtents {
			return nil, nil, nil, fmt.Errorf("%w: container %d claims %d extents", ErrCorrupt, next, ec.ExtentCount)
		}
		if err := take(ec.Extents[:], int(ec.ExtentCount)); err != nil {
			return nil, nil, nil, err
		}
		nodes = append(nodes, next)
		prev = next
		next = ec.Header.NextNode
	}

	if len(extents) != want {
		return nil, nil, nil, fmt.Errorf("%w: chain has %d extents, inode says %d", ErrCorrupt, len(extents), want)
	}
	var blocks uint64
	for _, e := range extents {
		blocks += uint64(e.Len)
	}
	if blocks != uint64(ino.BlockCount) {
		return nil, nil, nil, fmt.Errorf("%w: chain covers %d blocks, inode says %d", ErrCorrupt, blocks, ino.BlockCount)
	}
	return ino, extents, nodes, nil
}
