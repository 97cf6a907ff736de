package common

import "math"

// Checked narrowing for on-disk fields. Blob sizes and extent math run in
// 64 bits but the packed records hold smaller widths; a value that does
// not fit means a bug upstream, so these panic rather than wrap.

func TruncU16[L ~int | ~int32 | ~int64 | ~uint | ~uint16 | ~uint32 | ~uint64](v L) uint16 {
	if v < 0 || v > math.MaxUint16 {
		panic("overflow")
	}
	return uint16(v)
}

func TruncU32[L ~int | ~int64 | ~uint | ~uint32 | ~uint64](v L) uint32 {
	if v < 0 || v > math.MaxUint32 {
		panic("overflow")
	}
	return uint32(v)
}
