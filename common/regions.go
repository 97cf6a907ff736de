package common

// Region is one physical run in a transfer descriptor list.
type Region struct {
	Type uint8
	Addr uint64
	Len  uint64
}

func (r Region) End() uint64 { return r.Addr + r.Len }

// AppendRegions appends [addr, addr+length) to a descriptor list.
//
// An adjacent same-type region at the tail is coalesced with the new range
// before any splitting. The combined tail is then re-emitted in pieces:
// if boundary is nonzero, a piece never crosses a boundary-aligned address
// (the transport can't DMA across it), and no piece exceeds maxLen. The
// boundary split takes priority over the max-length split. Both boundary
// and maxLen must be powers of two when nonzero; maxLen of zero means
// unlimited. This exact policy is shared with the descriptor builders in
// sibling transports; do not change it without changing them.
func AppendRegions(dst []Region, typ uint8, addr, length uint64, maxLen, boundary uint64) []Region {
	if length == 0 {
		return dst
	}
	if n := len(dst); n > 0 {
		last := dst[n-1]
		if last.Type == typ && last.End() == addr {
			dst = dst[:n-1]
			addr = last.Addr
			length += last.Len
		}
	}
	for length > 0 {
		piece := length
		if boundary != 0 {
			if toBoundary := boundary - addr&(boundary-1); toBoundary < piece {
				piece = toBoundary
			}
		}
		if maxLen != 0 && piece > maxLen {
			piece = maxLen
		}
		dst = append(dst, Region{Type: typ, Addr: addr, Len: piece})
		addr += piece
		length -= piece
	}
	return dst
}
