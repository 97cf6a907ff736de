package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRegionsCoalesce(t *testing.T) {
	var rs []Region
	rs = AppendRegions(rs, 0, 0x1000, 0x200, 0, 0)
	rs = AppendRegions(rs, 0, 0x1200, 0x300, 0, 0)
	require.Len(t, rs, 1)
	assert.Equal(t, Region{Type: 0, Addr: 0x1000, Len: 0x500}, rs[0])

	// different type doesn't coalesce
	rs = AppendRegions(rs, 1, 0x1500, 0x100, 0, 0)
	require.Len(t, rs, 2)

	// non-adjacent doesn't coalesce
	rs = AppendRegions(rs, 1, 0x1700, 0x100, 0, 0)
	require.Len(t, rs, 3)
}

func TestAppendRegionsMaxLen(t *testing.T) {
	rs := AppendRegions(nil, 0, 0, 0x2400, 0x1000, 0)
	require.Equal(t, []Region{
		{0, 0x0000, 0x1000},
		{0, 0x1000, 0x1000},
		{0, 0x2000, 0x0400},
	}, rs)
}

func TestAppendRegionsBoundary(t *testing.T) {
	// a region crossing a 64k boundary splits at the boundary even though
	// it fits under maxLen
	rs := AppendRegions(nil, 0, 0xff00, 0x200, 0x10000, 0x10000)
	require.Equal(t, []Region{
		{0, 0xff00, 0x100},
		{0, 0x10000, 0x100},
	}, rs)
}

func TestAppendRegionsBoundaryBeatsMaxLen(t *testing.T) {
	// boundary split happens first, then max-length applies to the rest
	rs := AppendRegions(nil, 0, 0xfe00, 0x3200, 0x1000, 0x10000)
	require.Equal(t, []Region{
		{0, 0xfe00, 0x0200},
		{0, 0x10000, 0x1000},
		{0, 0x11000, 0x1000},
		{0, 0x12000, 0x1000},
	}, rs)
}

func TestAppendRegionsCoalesceThenSplit(t *testing.T) {
	// coalescing can push the combined tail back over maxLen; it gets
	// re-split measured from the combined start
	rs := AppendRegions(nil, 0, 0x0000, 0x0c00, 0x1000, 0)
	rs = AppendRegions(rs, 0, 0x0c00, 0x0c00, 0x1000, 0)
	require.Equal(t, []Region{
		{0, 0x0000, 0x1000},
		{0, 0x1000, 0x0800},
	}, rs)
}

func TestAppendRegionsZeroLen(t *testing.T) {
	assert.Empty(t, AppendRegions(nil, 0, 0x1000, 0, 0, 0))
}

func TestAppendRegionsAscending(t *testing.T) {
	rs := AppendRegions(nil, 0, 0, 1<<20, 0x1000, 0x8000)
	require.NotEmpty(t, rs)
	var total uint64
	for i, r := range rs {
		total += r.Len
		assert.LessOrEqual(t, r.Len, uint64(0x1000))
		if i > 0 {
			assert.Equal(t, rs[i-1].End(), r.Addr)
		}
	}
	assert.Equal(t, uint64(1<<20), total)
}
