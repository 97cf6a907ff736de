// Package store ties the blob store together: the file-backed device, the
// bbolt metadata store, the allocator, the blob cache, and the pager. Blobs
// are identified by the root of their merkle tree; writes go through
// reservation, compression, and a single commit transaction; reads go
// through the demand pager with verify-before-supply.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/dnr/blobd/alloc"
	"github.com/dnr/blobd/cache"
	"github.com/dnr/blobd/common"
	"github.com/dnr/blobd/common/cdig"
	"github.com/dnr/blobd/common/merkle"
	"github.com/dnr/blobd/format"
	"github.com/dnr/blobd/pager"
	"github.com/dnr/blobd/zseek"
)

var (
	ErrNotFound      = errors.New("blob not found")
	ErrAlreadyExists = errors.New("blob already stored")
	ErrCorrupt       = errors.New("corrupt blob metadata")
)

type (
	Config struct {
		DevicePath string
		DbPath     string

		// InitialBlocks sizes a freshly formatted volume.
		InitialBlocks uint64
		// InitialNodes sizes a fresh node table.
		InitialNodes uint32
		// MaxBlocks caps volume growth. 0 means unbounded.
		MaxBlocks uint64

		// WriteConcurrency bounds concurrent Put calls past the digest
		// stage.
		WriteConcurrency int64
		// PagerBufSize sizes the shared transfer buffer.
		PagerBufSize int
		// BlockCacheBlocks sizes the compressed block cache, in blocks.
		// Negative disables it.
		BlockCacheBlocks int
		// CompressMinSaving is the minimum bytes a compressed rendition
		// must save to be written instead of raw data.
		CompressMinSaving int

		CachePolicy cache.EvictionPolicy
	}

	Stats struct {
		BlobsWritten   atomic.Int64
		BytesWritten   atomic.Int64
		BlocksWritten  atomic.Int64
		BlocksSaved    atomic.Int64 // by compression
		BlobsRead      atomic.Int64
		BytesRead      atomic.Int64
		BlobsEvicted   atomic.Int64
		CorruptionSeen atomic.Int64
	}

	Store struct {
		cfg    Config
		dev    *Device
		meta   *Meta
		alloc  *alloc.Allocator
		cache  *cache.Cache
		pager  *pager.Pager
		bcache *zseek.LRUBlockCache

		writeSem *semaphore.Weighted
		stats    Stats

		// persistErr, when set, makes the next map persist fail. Tests
		// only.
		persistErr error
	}
)

func (cfg *Config) withDefaults() Config {
	c := *cfg
	if c.InitialBlocks == 0 {
		c.InitialBlocks = blockGrowStep
	}
	if c.InitialNodes == 0 {
		c.InitialNodes = nodeGrowStep
	}
	if c.WriteConcurrency <= 0 {
		c.WriteConcurrency = 4
	}
	if c.BlockCacheBlocks == 0 {
		c.BlockCacheBlocks = 1024
	}
	if c.CompressMinSaving == 0 {
		c.CompressMinSaving = format.BlockSize
	}
	return c
}

// Open opens (or creates) the store at cfg's paths.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	dev, err := OpenDevice(cfg.DevicePath, cfg.MaxBlocks)
	if err != nil {
		return nil, err
	}
	if err := dev.Load(); err != nil {
		// fresh or unreadable volume: format if fresh
		if ferr := dev.Format(cfg.InitialBlocks, cfg.InitialNodes); ferr != nil {
			dev.Close()
			return nil, fmt.Errorf("load: %v; format: %w", err, ferr)
		}
	}
	meta, err := OpenMeta(cfg.DbPath)
	if err != nil {
		dev.Close()
		return nil, err
	}

	s := &Store{
		cfg:      cfg,
		dev:      dev,
		meta:     meta,
		alloc:    alloc.New(dev),
		cache:    cache.New(cfg.CachePolicy),
		pager:    pager.New(cfg.PagerBufSize),
		writeSem: semaphore.NewWeighted(cfg.WriteConcurrency),
	}
	if cfg.BlockCacheBlocks > 0 {
		s.bcache, err = zseek.NewLRUBlockCache(cfg.BlockCacheBlocks)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	if st, ok, err := meta.LoadMaps(); err != nil {
		s.Close()
		return nil, err
	} else if ok {
		if err := s.alloc.ResetMaps(st.blockCount, st.blockBits, st.nodeCount, st.nodeBits, st.nodeTable); err != nil {
			s.Close()
			return nil, fmt.Errorf("restore allocator maps: %w", err)
		}
		if err := dev.SyncGeometry(st.blockCount, st.nodeCount); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pager.Shutdown()
	s.cache.Reset()
	err := s.persistMaps(s.meta.SaveMaps)
	if serr := s.dev.FlushSuperblock(); err == nil {
		err = serr
	}
	if merr := s.meta.Close(); err == nil {
		err = merr
	}
	if derr := s.dev.Close(); err == nil {
		err = derr
	}
	return err
}

func (s *Store) Stats() *Stats { return &s.stats }

// useCompressed is the one place that decides whether the compressed
// rendition goes to disk: it must save whole blocks and at least the
// configured byte threshold.
func (s *Store) useCompressed(rawSize, cmpSize int) bool {
	rawBlocks := blkShift.Blocks(int64(rawSize))
	cmpBlocks := blkShift.Blocks(int64(cmpSize))
	return cmpBlocks < rawBlocks && rawSize-cmpSize >= s.cfg.CompressMinSaving
}

// nodesForExtents returns how many node records a chain of n extents
// needs: the inode plus containers for the overflow.
func nodesForExtents(n int) int {
	if n <= format.InlineExtents {
		return 1
	}
	return 1 + (n-format.InlineExtents+format.ContainerExtents-1)/format.ContainerExtents
}

// Put stores data and returns its digest. Returns the digest together
// with ErrAlreadyExists if the blob is already present.
func (s *Store) Put(ctx context.Context, data []byte) (cdig.CDig, error) {
	treeBytes, root := merkle.Build(data)
	if _, err := s.meta.LookupBlob(root); err == nil {
		return root, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return cdig.Zero, err
	}

	if err := s.writeSem.Acquire(ctx, 1); err != nil {
		return cdig.Zero, err
	}
	defer s.writeSem.Release(1)

	var payload []byte
	var flags uint16
	if len(data) > 0 {
		arch, err := zseek.Compress(data)
		if err != nil {
			return cdig.Zero, fmt.Errorf("compress: %w", err)
		}
		if s.useCompressed(len(data), len(arch)) {
			payload = arch
			flags = format.FlagCompressed
			s.stats.BlocksSaved.Add(blkShift.Blocks(int64(len(data))) - blkShift.Blocks(int64(len(arch))))
		} else {
			payload = data
		}
	}

	treeBlocks := blkShift.Blocks(int64(len(treeBytes)))
	// reserve for the worst case (uncompressed), trim after the
	// compression decision
	worst := uint64(treeBlocks + blkShift.Blocks(int64(len(data))))
	need := uint64(treeBlocks + blkShift.Blocks(int64(len(payload))))

	var extents []*alloc.ReservedExtent
	if worst > 0 {
		var err error
		extents, err = s.alloc.ReserveBlocks(worst)
		if err != nil {
			return cdig.Zero, err
		}
	}
	defer func() {
		for _, re := range extents {
			re.Reset()
		}
	}()
	extents = trimReservation(extents, need)

	rNodes, err := s.alloc.ReserveNodes(uint64(nodesForExtents(len(extents))))
	if err != nil {
		return cdig.Zero, err
	}
	defer func() {
		for _, rn := range rNodes {
			rn.Reset()
		}
	}()

	if err := s.writeBlob(extents, treeBytes, payload); err != nil {
		return cdig.Zero, err
	}
	if err := s.dev.Sync(); err != nil {
		return cdig.Zero, err
	}

	if err := s.commitBlob(root, uint64(len(data)), flags, extents, rNodes); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// a concurrent writer committed the same blob first
			return root, ErrAlreadyExists
		}
		return cdig.Zero, err
	}
	s.stats.BlobsWritten.Add(1)
	s.stats.BytesWritten.Add(int64(len(data)))
	s.stats.BlocksWritten.Add(int64(need))
	return root, nil
}

// trimReservation releases the tail of the reservation beyond need blocks,
// splitting the boundary extent if it straddles the cut.
func trimReservation(extents []*alloc.ReservedExtent, need uint64) []*alloc.ReservedExtent {
	var got uint64
	for i, re := range extents {
		ln := uint64(re.Extent().Len)
		if got+ln <= need {
			got += ln
			continue
		}
		keep := extents[:i]
		if need > got {
			tail := re.SplitAt(common.TruncU32(need - got))
			tail.Reset()
			keep = extents[:i+1]
		} else {
			re.Reset()
		}
		for _, drop := range extents[i+1:] {
			drop.Reset()
		}
		return keep
	}
	return extents
}

// writeBlob lays the tree and payload out as one stream over the reserved
// extents, zero-padding the final partial block.
func (s *Store) writeBlob(extents []*alloc.ReservedExtent, treeBytes, payload []byte) error {
	stream := make([]byte, 0, len(treeBytes)+len(payload))
	stream = append(stream, treeBytes...)
	stream = append(stream, payload...)
	for _, re := range extents {
		if len(stream) == 0 {
			break
		}
		ext := re.Extent()
		n := min(int(ext.Len)<<blkShift, len(stream))
		buf := stream[:n]
		if pad := blkShift.Leftover(int64(n)); pad != 0 {
			// pad the tail so stale device bytes never sit inside the blob
			padded := make([]byte, blkShift.Roundup(int64(n)))
			copy(padded, buf)
			buf = padded
		}
		if err := s.dev.WriteAt(buf, ext.Start); err != nil {
			return err
		}
		stream = stream[n:]
	}
	return nil
}

// commitBlob marks the reserved space allocated, builds the node chain,
// and persists the blob record and allocator maps in one metadata
// transaction. On a persistence failure the in-memory allocation is rolled
// back so memory and disk stay consistent.
func (s *Store) commitBlob(root cdig.CDig, blobSize uint64, flags uint16, extents []*alloc.ReservedExtent, rNodes []*alloc.ReservedNode) error {
	var blocks uint64
	packed := make([]uint64, len(extents))
	for i, re := range extents {
		blocks += uint64(re.Extent().Len)
		packed[i] = re.Extent().Pack()
	}

	inodeIdx := rNodes[0].Index()
	s.alloc.MarkInodeAllocated(rNodes[0])
	ino := &format.Inode{
		Header: format.NodeHeader{
			Flags:    format.FlagAllocated | flags,
			NextNode: format.NoNode,
		},
		MerkleRoot:  root,
		BlobSize:    blobSize,
		BlockCount:  common.TruncU32(blocks),
		ExtentCount: common.TruncU16(len(extents)),
	}
	inline := min(len(packed), format.InlineExtents)
	copy(ino.Inline[:], packed[:inline])
	np := s.alloc.GetNode(inodeIdx)
	err := format.EncodeInode(np.Bytes(), ino)
	np.Drop()
	if err != nil {
		return err
	}

	rest := packed[inline:]
	prev := inodeIdx
	for ci := 1; ci < len(rNodes); ci++ {
		n := min(len(rest), format.ContainerExtents)
		s.alloc.MarkContainerNodeAllocated(rNodes[ci], prev)
		ec := &format.ExtentContainer{
			Header: format.NodeHeader{
				Flags:    format.FlagAllocated | format.FlagContainer,
				NextNode: format.NoNode,
			},
			PreviousNode: prev,
			ExtentCount:  common.TruncU16(n),
		}
		copy(ec.Extents[:], rest[:n])
		np := s.alloc.GetNode(rNodes[ci].Index())
		err := format.EncodeContainer(np.Bytes(), ec)
		np.Drop()
		if err != nil {
			return err
		}
		rest = rest[n:]
		prev = rNodes[ci].Index()
	}

	for _, re := range extents {
		s.alloc.MarkBlocksAllocated(re)
	}

	if err := s.persistMaps(func(st *mapsState) error {
		return s.meta.CommitBlob(root, inodeIdx, st)
	}); err != nil {
		// roll the in-memory allocation back; the reservations are
		// still held, so nobody else can have claimed this space
		for _, re := range extents {
			s.alloc.FreeBlocks(re.Extent())
		}
		for i := len(rNodes) - 1; i >= 0; i-- {
			s.alloc.FreeNode(rNodes[i].Index())
		}
		return fmt.Errorf("commit blob: %w", err)
	}
	return nil
}

func (s *Store) persistMaps(f func(*mapsState) error) error {
	if s.persistErr != nil {
		err := s.persistErr
		s.persistErr = nil
		return err
	}
	blockBits, nodeBits, nodeTable := s.alloc.ExportMaps()
	return f(&mapsState{
		blockCount: s.alloc.BlockCount(),
		blockBits:  blockBits,
		nodeCount:  s.alloc.NodeCount(),
		nodeBits:   nodeBits,
		nodeTable:  nodeTable,
	})
}

// open returns a strong reference to the blob's cache node, loading it
// from metadata if it isn't resident.
func (s *Store) open(dig cdig.CDig) (*cache.Ref, error) {
	for {
		ref, err := s.cache.Lookup(dig)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
		idx, err := s.meta.LookupBlob(dig)
		if err != nil {
			return nil, err
		}
		bn, err := s.loadBlobNode(dig, idx)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				s.stats.CorruptionSeen.Add(1)
			}
			return nil, err
		}
		ref, err = s.cache.Add(bn)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, cache.ErrAlreadyExists) {
			return nil, err
		}
		// lost a race with another opener; use theirs
	}
}

// BlobReader is an open read handle. Close releases the cache reference.
// Reads go through the node's paged vmo, which reattaches transparently
// if memory pressure detached it.
type BlobReader struct {
	s    *Store
	ref  *cache.Ref
	bn   *blobNode
	size uint64
}

var _ io.ReaderAt = (*BlobReader)(nil)

func (r *BlobReader) Size() uint64 { return r.size }

func (r *BlobReader) ReadAt(b []byte, off int64) (int, error) {
	vmo, err := r.bn.pagedVmo()
	if err != nil {
		return 0, err
	}
	return vmo.ReadAt(b, off)
}

func (r *BlobReader) Close() error {
	r.ref.Release()
	return nil
}

// OpenReader opens a blob for random-access reads through the pager.
func (s *Store) OpenReader(dig cdig.CDig) (*BlobReader, error) {
	ref, err := s.open(dig)
	if err != nil {
		return nil, err
	}
	bn := ref.Node().(*blobNode)
	if _, err := bn.pagedVmo(); err != nil {
		ref.Release()
		return nil, err
	}
	s.stats.BlobsRead.Add(1)
	return &BlobReader{s: s, ref: ref, bn: bn, size: bn.ino.BlobSize}, nil
}

// Get reads a whole blob.
func (s *Store) Get(dig cdig.CDig) ([]byte, error) {
	r, err := s.OpenReader(dig)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]byte, r.Size())
	if len(out) > 0 {
		if _, err := r.ReadAt(out, 0); err != nil {
			return nil, err
		}
	}
	s.stats.BytesRead.Add(int64(len(out)))
	return out, nil
}

// Evict removes a blob: cache eviction, block and node frees, record
// delete. A corrupt chain fails the eviction without freeing anything.
func (s *Store) Evict(dig cdig.CDig) error {
	idx, err := s.meta.LookupBlob(dig)
	if err != nil {
		return err
	}
	_, extents, nodes, err := s.walkChain(idx)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			s.stats.CorruptionSeen.Add(1)
			log.Printf("evict %s: %s", dig, err)
		}
		return err
	}

	if ref, lerr := s.cache.Lookup(dig); lerr == nil {
		n := ref.Node()
		ref.Release()
		// ignore a lost race; the node may already be torn down
		_ = s.cache.Evict(n)
	}

	// the record delete commits before anything is freed: a failed
	// transaction leaves the blob fully intact, and a crash before the
	// map save below only leaks the blocks until the next save
	if err := s.persistMaps(func(st *mapsState) error {
		return s.meta.DeleteBlob(dig, st)
	}); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	for _, e := range extents {
		s.alloc.FreeBlocks(e)
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		s.alloc.FreeNode(nodes[i])
	}
	if err := s.persistMaps(s.meta.SaveMaps); err != nil {
		log.Printf("evict %s: save maps: %s", dig, err)
	}
	if s.bcache != nil {
		s.bcache.DropBlob(blobCacheID(dig))
	}
	s.stats.BlobsEvicted.Add(1)
	return nil
}

// BlobInfo is one List entry.
type BlobInfo struct {
	Digest     cdig.CDig
	Size       uint64
	Blocks     uint32
	Compressed bool
}

// List returns all stored blobs in digest order.
func (s *Store) List() ([]BlobInfo, error) {
	var out []BlobInfo
	err := s.meta.ForEachBlob(func(dig cdig.CDig, idx uint32) error {
		ino, _, _, err := s.walkChain(idx)
		if err != nil {
			return err
		}
		out = append(out, BlobInfo{
			Digest:     dig,
			Size:       ino.BlobSize,
			Blocks:     ino.BlockCount,
			Compressed: ino.Header.Flags&format.FlagCompressed != 0,
		})
		return nil
	})
	return out, err
}

// ReleaseMemory asks every open blob to shed reclaimable state (paged
// data and compressed block cache entries). Readers stay valid, the next
// access just faults again.
func (s *Store) ReleaseMemory() {
	s.cache.ForAllOpenNodes(func(n cache.Node) {
		n.ActivateLowMemory()
	})
}

// BlobCount returns the number of committed blobs.
func (s *Store) BlobCount() (int, error) {
	return s.meta.BlobCount()
}

// Usage reports volume occupancy for diagnostics.
func (s *Store) Usage() (totalBlocks, usedBlocks uint64) {
	totalBlocks = s.alloc.BlockCount()
	for _, r := range s.alloc.GetAllocatedRegions() {
		usedBlocks += r.Length
	}
	return
}
