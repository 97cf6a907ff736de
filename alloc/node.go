package alloc

import (
	"fmt"
	"log"

	"github.com/dnr/blobd/format"
)

// NodePtr is a handle into the node table. The table can be grown
// (reallocated) concurrently, so the handle holds a read-lock excluding
// growth; call Drop when done. Bytes aliases the table, so mutations
// through it are visible to later readers.
type NodePtr struct {
	a   *Allocator
	idx uint32
	b   []byte
}

// GetNode returns a handle to node idx. The index must be inside the
// table; callers walking on-disk links validate bounds first and treat
// violations as corruption.
func (a *Allocator) GetNode(idx uint32) NodePtr {
	a.growMu.RLock()
	if uint64(idx) >= uint64(len(a.nodes)/format.NodeSize) {
		a.growMu.RUnlock()
		panic(fmt.Sprintf("node index %d out of table bounds", idx))
	}
	off := int(idx) * format.NodeSize
	return NodePtr{a: a, idx: idx, b: a.nodes[off : off+format.NodeSize]}
}

func (p NodePtr) Index() uint32 { return p.idx }
func (p NodePtr) Bytes() []byte {
	if p.a == nil {
		panic("use of dropped node handle")
	}
	return p.b
}

// Drop releases the handle. Exactly once.
func (p *NodePtr) Drop() {
	if p.a == nil {
		panic("double drop of node handle")
	}
	p.a.growMu.RUnlock()
	p.a = nil
	p.b = nil
}

// ReserveNodes reserves count free node indices. Grows the node table via
// the space provider if needed. All-or-nothing like ReserveBlocks.
func (a *Allocator) ReserveNodes(count uint64) ([]*ReservedNode, error) {
	if count == 0 {
		panic("reserving zero nodes")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*ReservedNode, 0, count)
	for uint64(len(out)) < count {
		rn, err := a.findNodeLocked()
		if err != nil {
			for _, r := range out {
				r.Reset()
			}
			log.Printf("out of nodes: requested %d; total %d used %d reserved %d",
				count, a.nodeMap.Size(), a.nodeMap.CountSet(), a.nr.ReservedNodeCount())
			return nil, ErrNoSpace
		}
		out = append(out, rn)
	}
	return out, nil
}

func (a *Allocator) findNodeLocked() (*ReservedNode, error) {
	for attempt := 0; ; attempt++ {
		for i := a.nodeMap.NextFree(0); i < a.nodeMap.Size(); i = a.nodeMap.NextFree(i + 1) {
			if !a.nr.IsReserved(uint32(i)) {
				return a.nr.Reserve(uint32(i)), nil
			}
		}
		if attempt > 0 {
			return nil, ErrNoSpace
		}
		newCount, err := a.space.AddInodes()
		if err != nil {
			return nil, err
		}
		a.growNodeTable(newCount)
	}
}

func (a *Allocator) growNodeTable(newCount uint32) {
	a.growMu.Lock()
	defer a.growMu.Unlock()
	if uint64(newCount) < a.nodeMap.Size() {
		panic(fmt.Sprintf("node table shrink %d < %d", newCount, a.nodeMap.Size()))
	}
	nt := make([]byte, int(newCount)*format.NodeSize)
	copy(nt, a.nodes)
	a.nodes = nt
	a.nodeMap.Grow(uint64(newCount))
}

// MarkInodeAllocated commits a reserved node as a blob inode: allocation
// bit set, record flagged allocated with no chain link yet.
func (a *Allocator) MarkInodeAllocated(rn *ReservedNode) {
	idx := rn.Index()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nodeMap.Get(uint64(idx)) {
		panic(fmt.Sprintf("node %d already allocated", idx))
	}
	a.nodeMap.Set(uint64(idx))
	p := a.GetNode(idx)
	defer p.Drop()
	format.SetNodeFlags(p.Bytes(), format.FlagAllocated)
	format.SetNodeNext(p.Bytes(), format.NoNode)
}

// MarkContainerNodeAllocated commits a reserved node as an extent
// container and links it onto the chain after previous (an inode or an
// earlier container, already allocated).
func (a *Allocator) MarkContainerNodeAllocated(rn *ReservedNode, previous uint32) {
	idx := rn.Index()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nodeMap.Get(uint64(idx)) {
		panic(fmt.Sprintf("node %d already allocated", idx))
	}
	if !a.nodeMap.Get(uint64(previous)) {
		panic(fmt.Sprintf("container chain previous node %d not allocated", previous))
	}
	a.nodeMap.Set(uint64(idx))
	p := a.GetNode(idx)
	defer p.Drop()
	format.SetNodeFlags(p.Bytes(), format.FlagAllocated|format.FlagContainer)
	format.SetNodeNext(p.Bytes(), format.NoNode)
	format.SetContainerPrevious(p.Bytes(), previous)
	prev := a.GetNode(previous)
	defer prev.Drop()
	format.SetNodeNext(prev.Bytes(), idx)
}

// FreeNode releases an allocated node record: flags cleared, record
// zeroed, bitmap bit cleared.
func (a *Allocator) FreeNode(idx uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.nodeMap.Get(uint64(idx)) {
		panic(fmt.Sprintf("double free of node %d", idx))
	}
	p := a.GetNode(idx)
	defer p.Drop()
	b := p.Bytes()
	for i := range b {
		b[i] = 0
	}
	a.nodeMap.Clear(uint64(idx))
}
