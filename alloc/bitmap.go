package alloc

import (
	"fmt"
	"math/bits"
)

// RawBitmap is a plain one-bit-per-unit allocation map. Not synchronized;
// the Allocator serializes access.
type RawBitmap struct {
	words []uint64
	size  uint64
}

func NewRawBitmap(size uint64) RawBitmap {
	return RawBitmap{words: make([]uint64, (size+63)/64), size: size}
}

func (m *RawBitmap) Size() uint64 { return m.size }

// Grow extends the map to newSize units, keeping existing bits. Shrinking
// is not supported here; use Reset for that.
func (m *RawBitmap) Grow(newSize uint64) {
	if newSize < m.size {
		panic(fmt.Sprintf("bitmap grow %d < %d", newSize, m.size))
	}
	need := (newSize + 63) / 64
	if uint64(len(m.words)) < need {
		nw := make([]uint64, need)
		copy(nw, m.words)
		m.words = nw
	}
	m.size = newSize
}

// Reset replaces the map contents wholesale. data holds packed bits,
// little-endian within each 64-bit word.
func (m *RawBitmap) Reset(size uint64, data []byte) error {
	nm := NewRawBitmap(size)
	if want := (size + 7) / 8; uint64(len(data)) != want {
		return fmt.Errorf("bitmap data length %d != %d", len(data), want)
	}
	for i, b := range data {
		nm.words[i/8] |= uint64(b) << (8 * (i % 8))
	}
	*m = nm
	return nil
}

// Bytes serializes the map for persistence.
func (m *RawBitmap) Bytes() []byte {
	out := make([]byte, (m.size+7)/8)
	for i := range out {
		out[i] = byte(m.words[i/8] >> (8 * (i % 8)))
	}
	return out
}

func (m *RawBitmap) check(i uint64) {
	if i >= m.size {
		panic(fmt.Sprintf("bitmap index %d out of range %d", i, m.size))
	}
}

func (m *RawBitmap) Get(i uint64) bool {
	m.check(i)
	return m.words[i/64]&(1<<(i%64)) != 0
}

func (m *RawBitmap) Set(i uint64) {
	m.check(i)
	m.words[i/64] |= 1 << (i % 64)
}

func (m *RawBitmap) Clear(i uint64) {
	m.check(i)
	m.words[i/64] &^= 1 << (i % 64)
}

// NextSet returns the index of the first set bit at or after from, or size.
func (m *RawBitmap) NextSet(from uint64) uint64 {
	return m.scan(from, false)
}

// NextFree returns the index of the first clear bit at or after from, or
// size.
func (m *RawBitmap) NextFree(from uint64) uint64 {
	return m.scan(from, true)
}

func (m *RawBitmap) scan(from uint64, free bool) uint64 {
	for i := from; i < m.size; {
		w := m.words[i/64]
		if free {
			w = ^w
		}
		w >>= i % 64
		if w != 0 {
			r := i + uint64(bits.TrailingZeros64(w))
			if r >= m.size {
				return m.size
			}
			return r
		}
		i = (i/64 + 1) * 64
	}
	return m.size
}

// CountSet returns the number of set bits in the whole map.
func (m *RawBitmap) CountSet() uint64 {
	var n uint64
	for _, w := range m.words {
		n += uint64(bits.OnesCount64(w))
	}
	// bits past size are never set
	return n
}
