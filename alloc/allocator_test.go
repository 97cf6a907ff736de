package alloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnr/blobd/format"
)

// testSpace is an in-memory space provider with a hard ceiling.
type testSpace struct {
	mu        sync.Mutex
	blocks    uint64
	nodes     uint32
	maxBlocks uint64
	maxNodes  uint32
	growStep  uint64
}

func newTestSpace(blocks uint64, nodes uint32) *testSpace {
	return &testSpace{
		blocks: blocks, nodes: nodes,
		maxBlocks: blocks * 4, maxNodes: nodes * 4,
		growStep: 64,
	}
}

func (s *testSpace) Info() SpaceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SpaceInfo{BlockSize: format.BlockSize, DataBlockCount: s.blocks, NodeCount: s.nodes}
}

func (s *testSpace) AddBlocks(n uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grow := max(n, s.growStep)
	if s.blocks+grow > s.maxBlocks {
		return 0, ErrNoSpace
	}
	s.blocks += grow
	return s.blocks, nil
}

func (s *testSpace) AddInodes() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes+64 > s.maxNodes {
		return 0, ErrNoSpace
	}
	s.nodes += 64
	return s.nodes, nil
}

func extentsTotal(res []*ReservedExtent) uint64 {
	var n uint64
	for _, re := range res {
		n += uint64(re.Extent().Len)
	}
	return n
}

func TestReserveBlocksSimple(t *testing.T) {
	a := New(newTestSpace(1024, 64))
	res, err := a.ReserveBlocks(100)
	require.NoError(t, err)
	assert.EqualValues(t, 100, extentsTotal(res))
	assert.EqualValues(t, 100, a.ReservedBlockCount())
	for _, re := range res {
		re.Reset()
	}
	assert.EqualValues(t, 0, a.ReservedBlockCount())
}

func TestReserveAvoidsAllocated(t *testing.T) {
	a := New(newTestSpace(256, 64))
	res, err := a.ReserveBlocks(64)
	require.NoError(t, err)
	for _, re := range res {
		a.MarkBlocksAllocated(re)
	}
	committed := make([]format.Extent, 0, len(res))
	for _, re := range res {
		committed = append(committed, re.Extent())
		re.Reset()
	}

	res2, err := a.ReserveBlocks(64)
	require.NoError(t, err)
	for _, re := range res2 {
		for _, c := range committed {
			ext := re.Extent()
			overlap := ext.Start < c.End() && c.Start < ext.End()
			assert.False(t, overlap, "reserved %+v overlaps allocated %+v", ext, c)
		}
	}
}

func TestReserveMunchesOtherReservations(t *testing.T) {
	a := New(newTestSpace(64, 16))
	// reserve a hole in the middle directly so the allocator has to split
	// its candidate run around it
	middle := a.br.Reserve(format.Extent{Start: 20, Len: 8})

	res, err := a.ReserveBlocks(56)
	require.NoError(t, err)
	assert.EqualValues(t, 56, extentsTotal(res))
	for _, re := range res {
		ext := re.Extent()
		overlap := ext.Start < middle.Extent().End() && middle.Extent().Start < ext.End()
		assert.False(t, overlap, "reserved %+v overlaps in-flight %+v", ext, middle.Extent())
	}
	// extents are returned in ascending order and split around the hole
	for i := 1; i < len(res); i++ {
		assert.Less(t, res[i-1].Extent().Start, res[i].Extent().Start)
	}
}

func TestReserveGrows(t *testing.T) {
	sp := newTestSpace(32, 16)
	a := New(sp)
	res, err := a.ReserveBlocks(100)
	require.NoError(t, err)
	assert.EqualValues(t, 100, extentsTotal(res))
	assert.Greater(t, a.BlockCount(), uint64(32))
}

func TestReserveNoSpaceAllOrNothing(t *testing.T) {
	sp := newTestSpace(32, 16)
	sp.maxBlocks = 32 // no growth possible
	a := New(sp)
	_, err := a.ReserveBlocks(1000)
	require.ErrorIs(t, err, ErrNoSpace)
	// partial finds were discarded
	assert.EqualValues(t, 0, a.ReservedBlockCount())

	res, err := a.ReserveBlocks(32)
	require.NoError(t, err)
	assert.EqualValues(t, 32, extentsTotal(res))
}

func TestExtentRunCap(t *testing.T) {
	a := New(&testSpace{blocks: format.MaxExtentLen * 3, nodes: 16, maxBlocks: format.MaxExtentLen * 3})
	res, err := a.ReserveBlocks(format.MaxExtentLen + 10)
	require.NoError(t, err)
	for _, re := range res {
		assert.LessOrEqual(t, re.Extent().Len, uint32(format.MaxExtentLen))
	}
	assert.EqualValues(t, format.MaxExtentLen+10, extentsTotal(res))
}

func TestConcurrentReserveDisjoint(t *testing.T) {
	a := New(newTestSpace(4096, 64))
	const workers = 8
	const per = 64

	var mu sync.Mutex
	var all []format.Extent
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 4; i++ {
				res, err := a.ReserveBlocks(per)
				if err != nil {
					continue
				}
				mu.Lock()
				for _, re := range res {
					all = append(all, re.Extent())
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for i := range all {
		for j := i + 1; j < len(all); j++ {
			overlap := all[i].Start < all[j].End() && all[j].Start < all[i].End()
			assert.False(t, overlap, "%+v overlaps %+v", all[i], all[j])
		}
	}
}

func TestMarkAndFreeBlocks(t *testing.T) {
	a := New(newTestSpace(128, 16))
	res, err := a.ReserveBlocks(10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	ext := res[0].Extent()

	a.MarkBlocksAllocated(res[0])
	assert.True(t, a.CheckBlocksAllocated(ext.Start, ext.End()))
	assert.Panics(t, func() { a.MarkBlocksAllocated(res[0]) })
	res[0].Reset()

	a.FreeBlocks(ext)
	assert.False(t, a.CheckBlocksAllocated(ext.Start, ext.End()))
	assert.Panics(t, func() { a.FreeBlocks(ext) })
}

func TestGetAllocatedRegions(t *testing.T) {
	a := New(newTestSpace(128, 16))
	res, err := a.ReserveBlocks(20)
	require.NoError(t, err)
	for _, re := range res {
		a.MarkBlocksAllocated(re)
		re.Reset()
	}
	regions := a.GetAllocatedRegions()
	var total uint64
	for i, r := range regions {
		total += r.Length
		if i > 0 {
			assert.Greater(t, r.Offset, regions[i-1].Offset+regions[i-1].Length)
		}
	}
	assert.EqualValues(t, 20, total)
}

func TestNodeLifecycle(t *testing.T) {
	a := New(newTestSpace(128, 16))
	nodes, err := a.ReserveNodes(3)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	a.MarkInodeAllocated(nodes[0])
	a.MarkContainerNodeAllocated(nodes[1], nodes[0].Index())
	a.MarkContainerNodeAllocated(nodes[2], nodes[1].Index())

	// chain links are wired through the records
	p := a.GetNode(nodes[0].Index())
	assert.Equal(t, format.FlagAllocated, format.NodeFlags(p.Bytes()))
	assert.Equal(t, nodes[1].Index(), format.NodeNext(p.Bytes()))
	p.Drop()

	p = a.GetNode(nodes[1].Index())
	assert.Equal(t, format.FlagAllocated|format.FlagContainer, format.NodeFlags(p.Bytes()))
	assert.Equal(t, nodes[0].Index(), format.ContainerPrevious(p.Bytes()))
	assert.Equal(t, nodes[2].Index(), format.NodeNext(p.Bytes()))
	p.Drop()

	idx := nodes[2].Index()
	for _, rn := range nodes {
		rn.Reset()
	}
	a.FreeNode(idx)
	assert.Panics(t, func() { a.FreeNode(idx) })
}

func TestReserveNodesGrows(t *testing.T) {
	sp := newTestSpace(128, 4)
	a := New(sp)
	nodes, err := a.ReserveNodes(20)
	require.NoError(t, err)
	assert.Len(t, nodes, 20)
	assert.Greater(t, a.NodeCount(), uint32(4))
}

func TestResetMapsRequiresNoReservations(t *testing.T) {
	a := New(newTestSpace(64, 8))
	res, err := a.ReserveBlocks(4)
	require.NoError(t, err)
	blockBits, nodeBits, table := a.ExportMaps()
	assert.Panics(t, func() {
		_ = a.ResetMaps(64, blockBits, 8, nodeBits, table)
	})
	for _, re := range res {
		re.Reset()
	}
	require.NoError(t, a.ResetMaps(64, blockBits, 8, nodeBits, table))
}

func TestExportResetRoundTrip(t *testing.T) {
	a := New(newTestSpace(64, 8))
	res, err := a.ReserveBlocks(10)
	require.NoError(t, err)
	for _, re := range res {
		a.MarkBlocksAllocated(re)
		re.Reset()
	}
	nodes, err := a.ReserveNodes(1)
	require.NoError(t, err)
	a.MarkInodeAllocated(nodes[0])
	nodes[0].Reset()

	blockBits, nodeBits, table := a.ExportMaps()

	b := New(newTestSpace(64, 8))
	require.NoError(t, b.ResetMaps(a.BlockCount(), blockBits, a.NodeCount(), nodeBits, table))
	assert.Equal(t, a.GetAllocatedRegions(), b.GetAllocatedRegions())
}
