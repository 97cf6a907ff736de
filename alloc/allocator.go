// Package alloc manages block and node space for the blob store: the
// persistent allocation bitmaps, the node record table, and the reservation
// layer that lets concurrent writers claim space before it is durably
// committed.
package alloc

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/dnr/blobd/format"
)

var ErrNoSpace = errors.New("out of space")

type (
	// SpaceInfo describes the persistent maps' current geometry.
	SpaceInfo struct {
		BlockSize      uint32
		DataBlockCount uint64
		NodeCount      uint32
	}

	// SpaceProvider grows the underlying volume. AddBlocks and AddInodes
	// may perform I/O and may fail with no-space at the physical level;
	// they return the new totals on success.
	SpaceProvider interface {
		Info() SpaceInfo
		AddBlocks(n uint64) (uint64, error)
		AddInodes() (uint32, error)
	}

	// BlockRegion is one allocated run, for introspection.
	BlockRegion struct {
		Offset uint64
		Length uint64
	}

	// Allocator owns the authoritative block bitmap and node table. All
	// mutation goes through its reservation and commit methods.
	Allocator struct {
		space SpaceProvider

		mu       sync.Mutex
		blockMap RawBitmap
		nodeMap  RawBitmap
		hint     uint64

		// growMu excludes node-table growth against outstanding NodePtrs
		growMu sync.RWMutex
		nodes  []byte // node table arena, format.NodeSize per record

		br ExtentReserver
		nr NodeReserver
	}
)

func New(space SpaceProvider) *Allocator {
	info := space.Info()
	return &Allocator{
		space:    space,
		blockMap: NewRawBitmap(info.DataBlockCount),
		nodeMap:  NewRawBitmap(uint64(info.NodeCount)),
		nodes:    make([]byte, int(info.NodeCount)*format.NodeSize),
	}
}

func (a *Allocator) BlockCount() uint64 { return a.blockMapSize() }
func (a *Allocator) NodeCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint32(a.nodeMap.Size())
}

func (a *Allocator) blockMapSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blockMap.Size()
}

func (a *Allocator) ReservedBlockCount() uint64 { return a.br.ReservedBlockCount() }
func (a *Allocator) ReservedNodeCount() uint64  { return a.nr.ReservedNodeCount() }

// ResetMaps replaces the in-memory maps and node table from persisted
// state. Requires zero outstanding reservations; a resize under live
// reservations would corrupt their bookkeeping, so that's a fatal caller
// bug.
func (a *Allocator) ResetMaps(blockCount uint64, blockBits []byte, nodeCount uint32, nodeBits, nodeTable []byte) error {
	if a.ReservedBlockCount() != 0 || a.ReservedNodeCount() != 0 {
		panic("map reset with outstanding reservations")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.growMu.Lock()
	defer a.growMu.Unlock()
	if len(nodeTable) != int(nodeCount)*format.NodeSize {
		return fmt.Errorf("node table length %d != %d records", len(nodeTable), nodeCount)
	}
	if err := a.blockMap.Reset(blockCount, blockBits); err != nil {
		return err
	}
	if err := a.nodeMap.Reset(uint64(nodeCount), nodeBits); err != nil {
		return err
	}
	a.nodes = append([]byte(nil), nodeTable...)
	a.hint = 0
	return nil
}

// ExportMaps serializes the maps and node table for persistence. Takes the
// grow lock exclusively so no live node handle can be mid-write while the
// table is copied.
func (a *Allocator) ExportMaps() (blockBits, nodeBits, nodeTable []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.growMu.Lock()
	defer a.growMu.Unlock()
	return a.blockMap.Bytes(), a.nodeMap.Bytes(), append([]byte(nil), a.nodes...)
}

// ReserveBlocks finds count free blocks, avoiding blocks reserved by other
// in-flight operations, and reserves them. Free space fragmentation may
// produce multiple extents. If the maps run out the space provider is asked
// to grow; if that still can't satisfy the request the whole reservation is
// abandoned and ErrNoSpace returned.
func (a *Allocator) ReserveBlocks(count uint64) ([]*ReservedExtent, error) {
	if count == 0 {
		panic("reserving zero blocks")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*ReservedExtent
	remaining := count
	remaining -= a.findBlocksLocked(a.hint, remaining, &out)
	if remaining > 0 && a.hint > 0 {
		remaining -= a.findBlocksLocked(0, remaining, &out)
	}
	if remaining > 0 {
		// ask for more space and search the new region
		oldSize := a.blockMap.Size()
		newCount, err := a.space.AddBlocks(remaining)
		if err == nil {
			a.blockMap.Grow(newCount)
			remaining -= a.findBlocksLocked(oldSize, remaining, &out)
		}
	}
	if remaining > 0 {
		// all or nothing
		for _, re := range out {
			re.Reset()
		}
		a.logNoSpaceLocked(count, remaining)
		return nil, ErrNoSpace
	}
	if n := len(out); n > 0 {
		a.hint = out[n-1].Extent().End() % max(a.blockMap.Size(), 1)
	}
	return out, nil
}

func (a *Allocator) logNoSpaceLocked(requested, missing uint64) {
	total := a.blockMap.Size()
	used := a.blockMap.CountSet()
	reserved := a.br.ReservedBlockCount()
	free := total - used - reserved
	hint := "volume full"
	if free >= requested {
		hint = "free space held by in-flight reservations"
	}
	log.Printf("out of space: requested %d blocks (short %d); total %d used %d reserved %d free %d (%s)",
		requested, missing, total, used, reserved, free, hint)
}

// findBlocksLocked scans the bitmap for free runs starting at from,
// subtracts out other reservers' in-flight extents with a single forward
// pass over the reservation set, and reserves the net-free sub-runs. It
// returns how many blocks it reserved, at most want.
func (a *Allocator) findBlocksLocked(from, want uint64, out *[]*ReservedExtent) uint64 {
	size := a.blockMap.Size()
	res := a.br.Runs()
	ri := 0
	var got uint64

	emit := func(start, end uint64) {
		for start < end && got < want {
			ln := min(end-start, want-got, format.MaxExtentLen)
			re := a.br.Reserve(format.Extent{Start: start, Len: uint32(ln)})
			*out = append(*out, re)
			got += ln
			start += ln
		}
	}

	for pos := from; pos < size && got < want; {
		s := a.blockMap.NextFree(pos)
		if s >= size {
			break
		}
		e := a.blockMap.NextSet(s)
		// munch: drop the parts of [s, e) covered by reservations. a
		// reservation in the middle splits the candidate run.
		cur := s
		for cur < e && got < want {
			for ri < len(res) && res[ri].End() <= cur {
				ri++
			}
			free := e
			if ri < len(res) && res[ri].Start < e {
				if res[ri].Start <= cur {
					cur = min(e, res[ri].End())
					continue
				}
				free = res[ri].Start
			}
			emit(cur, free)
			cur = free
		}
		pos = e
	}
	return got
}

// MarkBlocksAllocated commits a reservation into the persistent bitmap.
// The blocks must not already be allocated; that would mean the search or
// the caller double-committed, which is unrecoverable.
func (a *Allocator) MarkBlocksAllocated(re *ReservedExtent) {
	ext := re.Extent()
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := ext.Start; i < ext.End(); i++ {
		if a.blockMap.Get(i) {
			panic(fmt.Sprintf("block %d already allocated", i))
		}
		a.blockMap.Set(i)
	}
}

// FreeBlocks releases previously committed blocks. They must all be
// allocated.
func (a *Allocator) FreeBlocks(ext format.Extent) {
	if ext.Len == 0 {
		panic("freeing zero-length extent")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := ext.Start; i < ext.End(); i++ {
		if !a.blockMap.Get(i) {
			panic(fmt.Sprintf("double free of block %d", i))
		}
		a.blockMap.Clear(i)
	}
}

// CheckBlocksAllocated reports whether all of [start, end) is allocated.
func (a *Allocator) CheckBlocksAllocated(start, end uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := start; i < end; i++ {
		if !a.blockMap.Get(i) {
			return false
		}
	}
	return true
}

// GetAllocatedRegions scans the whole bitmap and returns the allocated
// runs in ascending order. Diagnostic use; not a hot path.
func (a *Allocator) GetAllocatedRegions() []BlockRegion {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []BlockRegion
	size := a.blockMap.Size()
	for pos := uint64(0); pos < size; {
		s := a.blockMap.NextSet(pos)
		if s >= size {
			break
		}
		e := a.blockMap.NextFree(s)
		out = append(out, BlockRegion{Offset: s, Length: e - s})
		pos = e
	}
	return out
}
