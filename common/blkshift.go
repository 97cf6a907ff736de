package common

const (
	// PageShift is the granularity the pager faults and supplies at.
	PageShift BlkShift = 12

	// ReadaheadSize is the minimum cluster a page fault is extended to
	// before reading, to amortize future faults. Heuristic only.
	ReadaheadSize = 128 << 10
)

type BlkShift int

func (b BlkShift) Size() int64 {
	return 1 << b
}

func (b BlkShift) Roundup(i int64) int64 {
	m1 := b.Size() - 1
	return (i + m1) &^ m1
}

func (b BlkShift) Rounddown(i int64) int64 {
	return i &^ (b.Size() - 1)
}

func (b BlkShift) Leftover(i int64) int64 {
	return i & (b.Size() - 1)
}

func (b BlkShift) Blocks(i int64) int64 {
	m1 := b.Size() - 1
	return (i + m1) >> b
}

func (b BlkShift) Aligned(i int64) bool {
	return b.Leftover(i) == 0
}
