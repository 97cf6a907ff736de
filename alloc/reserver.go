package alloc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dnr/blobd/format"
)

// ExtentReserver tracks blocks spoken for by in-flight allocations that
// haven't been committed to the persistent bitmap yet. Internally a sorted
// set of disjoint runs. Reservation state is only ever mutated through
// ReservedExtent: construction reserves, Reset releases exactly once.
type ExtentReserver struct {
	mu    sync.Mutex
	runs  []format.Extent // sorted by Start, disjoint, coalesced
	total uint64
}

// ReservedBlockCount returns the total number of currently reserved blocks.
func (r *ExtentReserver) ReservedBlockCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Runs returns a sorted snapshot of the reserved runs, for collision
// avoidance during free-space search.
func (r *ExtentReserver) Runs() []format.Extent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]format.Extent(nil), r.runs...)
}

// Reserve marks the extent reserved and returns the owning handle. Panics
// if the extent is zero-length or any part of it is already reserved:
// double-reserving is a caller bug, not a runtime condition.
func (r *ExtentReserver) Reserve(ext format.Extent) *ReservedExtent {
	if ext.Len == 0 {
		panic("reserving zero-length extent")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserveLocked(ext)
	return &ReservedExtent{r: r, ext: ext}
}

func (r *ExtentReserver) reserveLocked(ext format.Extent) {
	added := uint64(ext.Len)
	// i is the first run with End > ext.Start
	i := sort.Search(len(r.runs), func(i int) bool { return r.runs[i].End() > ext.Start })
	if i < len(r.runs) && r.runs[i].Start < ext.End() {
		panic(fmt.Sprintf("double reserve of %+v (overlaps %+v)", ext, r.runs[i]))
	}
	// coalesce with neighbors where adjacent
	lo, hi := i, i
	if i > 0 && r.runs[i-1].End() == ext.Start {
		lo = i - 1
		ext = format.Extent{Start: r.runs[i-1].Start, Len: r.runs[i-1].Len + ext.Len}
	}
	if i < len(r.runs) && r.runs[i].Start == ext.End() {
		hi = i + 1
		ext.Len += r.runs[i].Len
	}
	r.runs = append(r.runs[:lo], append([]format.Extent{ext}, r.runs[hi:]...)...)
	r.total += added
}

func (r *ExtentReserver) unreserve(ext format.Extent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// find the run containing ext
	i := sort.Search(len(r.runs), func(i int) bool { return r.runs[i].End() > ext.Start })
	if i >= len(r.runs) || r.runs[i].Start > ext.Start || r.runs[i].End() < ext.End() {
		panic(fmt.Sprintf("unreserve of unreserved range %+v", ext))
	}
	run := r.runs[i]
	var repl []format.Extent
	if run.Start < ext.Start {
		repl = append(repl, format.Extent{Start: run.Start, Len: uint32(ext.Start - run.Start)})
	}
	if ext.End() < run.End() {
		repl = append(repl, format.Extent{Start: ext.End(), Len: uint32(run.End() - ext.End())})
	}
	r.runs = append(r.runs[:i], append(repl, r.runs[i+1:]...)...)
	r.total -= uint64(ext.Len)
}

// ReservedExtent owns one reservation. Reset releases it; releasing twice
// is a no-op because the back-reference is cleared on first release.
type ReservedExtent struct {
	r   *ExtentReserver
	ext format.Extent
}

// Extent returns the reserved range. Panics after release.
func (re *ReservedExtent) Extent() format.Extent {
	if re.r == nil {
		panic("use of released reservation")
	}
	return re.ext
}

// Reset releases the reservation. Safe to call more than once; only the
// first call unreserves.
func (re *ReservedExtent) Reset() {
	if re.r == nil {
		return
	}
	r := re.r
	re.r = nil
	r.unreserve(re.ext)
}

// SplitAt shrinks this reservation to its first n blocks and returns a new
// reservation owning the tail, still under the same reserver. The total
// reserved count is unchanged. n must be in (0, Len).
func (re *ReservedExtent) SplitAt(n uint32) *ReservedExtent {
	if re.r == nil {
		panic("split of released reservation")
	}
	if n == 0 || n >= re.ext.Len {
		panic(fmt.Sprintf("bad split point %d of %d", n, re.ext.Len))
	}
	tail := format.Extent{Start: re.ext.Start + uint64(n), Len: re.ext.Len - n}
	re.ext.Len = n
	// the range is already reserved as a whole; only ownership splits
	return &ReservedExtent{r: re.r, ext: tail}
}

// NodeReserver is the node-index analog of ExtentReserver.
type NodeReserver struct {
	mu  sync.Mutex
	set map[uint32]struct{}
}

func (r *NodeReserver) ReservedNodeCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.set))
}

func (r *NodeReserver) IsReserved(idx uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[idx]
	return ok
}

func (r *NodeReserver) Reserve(idx uint32) *ReservedNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set == nil {
		r.set = make(map[uint32]struct{})
	}
	if _, ok := r.set[idx]; ok {
		panic(fmt.Sprintf("double reserve of node %d", idx))
	}
	r.set[idx] = struct{}{}
	return &ReservedNode{r: r, idx: idx}
}

func (r *NodeReserver) unreserve(idx uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[idx]; !ok {
		panic(fmt.Sprintf("unreserve of unreserved node %d", idx))
	}
	delete(r.set, idx)
}

// ReservedNode owns one reserved node index.
type ReservedNode struct {
	r   *NodeReserver
	idx uint32
}

func (rn *ReservedNode) Index() uint32 {
	if rn.r == nil {
		panic("use of released reservation")
	}
	return rn.idx
}

func (rn *ReservedNode) Reset() {
	if rn.r == nil {
		return
	}
	r := rn.r
	rn.r = nil
	r.unreserve(rn.idx)
}
