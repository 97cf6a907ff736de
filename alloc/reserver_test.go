package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnr/blobd/format"
)

func TestReserveUnreserve(t *testing.T) {
	var r ExtentReserver
	re := r.Reserve(format.Extent{Start: 10, Len: 5})
	assert.EqualValues(t, 5, r.ReservedBlockCount())
	re.Reset()
	assert.EqualValues(t, 0, r.ReservedBlockCount())
	// second reset is a no-op, not a double unreserve
	re.Reset()
	assert.EqualValues(t, 0, r.ReservedBlockCount())
}

func TestDoubleReservePanics(t *testing.T) {
	var r ExtentReserver
	_ = r.Reserve(format.Extent{Start: 10, Len: 5})
	assert.Panics(t, func() { r.Reserve(format.Extent{Start: 12, Len: 1}) })
	assert.Panics(t, func() { r.Reserve(format.Extent{Start: 8, Len: 3}) })
	// adjacent is fine
	assert.NotPanics(t, func() { r.Reserve(format.Extent{Start: 15, Len: 1}) })
	assert.NotPanics(t, func() { r.Reserve(format.Extent{Start: 9, Len: 1}) })
}

func TestZeroLengthPanics(t *testing.T) {
	var r ExtentReserver
	assert.Panics(t, func() { r.Reserve(format.Extent{Start: 0, Len: 0}) })
}

func TestSplitAt(t *testing.T) {
	var r ExtentReserver
	re := r.Reserve(format.Extent{Start: 100, Len: 10})
	tail := re.SplitAt(4)
	// conservation across the split
	assert.EqualValues(t, 10, r.ReservedBlockCount())
	assert.Equal(t, format.Extent{Start: 100, Len: 4}, re.Extent())
	assert.Equal(t, format.Extent{Start: 104, Len: 6}, tail.Extent())

	tail.Reset()
	assert.EqualValues(t, 4, r.ReservedBlockCount())
	// the freed tail can be reserved again
	re2 := r.Reserve(format.Extent{Start: 104, Len: 6})
	assert.EqualValues(t, 10, r.ReservedBlockCount())
	re2.Reset()
	re.Reset()
	assert.EqualValues(t, 0, r.ReservedBlockCount())
}

func TestSplitAtBounds(t *testing.T) {
	var r ExtentReserver
	re := r.Reserve(format.Extent{Start: 0, Len: 4})
	assert.Panics(t, func() { re.SplitAt(0) })
	assert.Panics(t, func() { re.SplitAt(4) })
}

func TestConservationSequence(t *testing.T) {
	var r ExtentReserver
	live := map[*ReservedExtent]struct{}{}
	add := func(start uint64, ln uint32) *ReservedExtent {
		re := r.Reserve(format.Extent{Start: start, Len: ln})
		live[re] = struct{}{}
		return re
	}
	check := func() {
		var sum uint64
		for re := range live {
			sum += uint64(re.Extent().Len)
		}
		require.Equal(t, sum, r.ReservedBlockCount())
	}

	a := add(0, 16)
	check()
	b := add(100, 1)
	check()
	c := a.SplitAt(7)
	live[c] = struct{}{}
	check()
	c.Reset()
	delete(live, c)
	check()
	b.Reset()
	delete(live, b)
	check()
	a.Reset()
	delete(live, a)
	check()
	assert.EqualValues(t, 0, r.ReservedBlockCount())
}

func TestNodeReserver(t *testing.T) {
	var r NodeReserver
	rn := r.Reserve(7)
	assert.EqualValues(t, 1, r.ReservedNodeCount())
	assert.True(t, r.IsReserved(7))
	assert.Panics(t, func() { r.Reserve(7) })
	rn.Reset()
	rn.Reset() // no-op
	assert.EqualValues(t, 0, r.ReservedNodeCount())
	assert.False(t, r.IsReserved(7))
}
