// Package zseek implements the seekable compressed blob format: a small
// header, a seek table, and a sequence of independently decodable zstd
// frames. The seek table maps uncompressed byte ranges to compressed frame
// ranges so arbitrary sub-ranges can be served without decompressing the
// whole blob. Frame size is capped to bound random-access amplification.
package zseek

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/lunixbochs/struc"

	"github.com/dnr/blobd/common"
	"github.com/dnr/blobd/format"
)

const (
	// HeaderSize is the fixed prelude: total archive size, u64
	// little-endian.
	HeaderSize = 8

	// frameEntrySize is the packed size of one seek table entry.
	frameEntrySize = 24

	// MaxFrameSize caps the uncompressed span of one frame.
	MaxFrameSize = 4 * format.BlockSize
)

var (
	ErrOutOfRange = errors.New("read outside archive")
	ErrCorrupt    = errors.New("corrupt compressed archive")
)

type (
	archiveHeader struct {
		ArchiveSize uint64 `struc:"little"`
		FrameCount  uint32 `struc:"little"`
	}

	frameEntry struct {
		UncompressedStart uint64 `struc:"little"`
		UncompressedSize  uint32 `struc:"little"`
		CompressedStart   uint64 `struc:"little"`
		CompressedSize    uint32 `struc:"little"`
	}

	// SeekTable is the in-memory frame map for one archive.
	SeekTable struct {
		entries  []frameEntry
		dataSize uint64
		archSize uint64
	}
)

// headerBytes is the full size of the header plus frame count prefix.
const headerBytes = HeaderSize + 4

// TableBytes returns the serialized size of the header and seek table for
// frameCount frames.
func TableBytes(frameCount int) int {
	return headerBytes + frameCount*frameEntrySize
}

// Compress builds a seekable archive from data. Frames are compressed
// independently with pooled contexts so decompression needs no state
// beyond the frame itself.
func Compress(data []byte) ([]byte, error) {
	zp := common.GetZstdCtxPool()
	z := zp.Get()
	defer zp.Put(z)

	var frames [][]byte
	var entries []frameEntry
	var uncmpOff uint64
	for rest := data; len(rest) > 0; {
		n := min(MaxFrameSize, len(rest))
		cmp, err := z.Compress(nil, rest[:n])
		if err != nil {
			return nil, fmt.Errorf("frame compress: %w", err)
		}
		frames = append(frames, cmp)
		entries = append(entries, frameEntry{
			UncompressedStart: uncmpOff,
			UncompressedSize:  uint32(n),
			CompressedSize:    uint32(len(cmp)),
		})
		uncmpOff += uint64(n)
		rest = rest[n:]
	}

	cmpOff := uint64(TableBytes(len(entries)))
	for i := range entries {
		entries[i].CompressedStart = cmpOff
		cmpOff += uint64(entries[i].CompressedSize)
	}

	var out bytes.Buffer
	hdr := archiveHeader{ArchiveSize: cmpOff, FrameCount: uint32(len(entries))}
	if err := struc.Pack(&out, &hdr); err != nil {
		return nil, err
	}
	for i := range entries {
		if err := struc.Pack(&out, &entries[i]); err != nil {
			return nil, err
		}
	}
	for _, f := range frames {
		out.Write(f)
	}
	return out.Bytes(), nil
}

// ParseHeader reads the archive prelude. b needs headerBytes bytes.
func ParseHeader(b []byte) (archiveSize uint64, frameCount int, err error) {
	if len(b) < headerBytes {
		return 0, 0, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	var hdr archiveHeader
	if err := struc.Unpack(bytes.NewReader(b), &hdr); err != nil {
		return 0, 0, err
	}
	return hdr.ArchiveSize, int(hdr.FrameCount), nil
}

// ParseTable reads the seek table from the start of the archive. b must
// hold at least TableBytes(frameCount) bytes; callers learn frameCount
// from ParseHeader on the first block.
func ParseTable(b []byte, frameCount int) (*SeekTable, error) {
	if frameCount <= 0 {
		return nil, fmt.Errorf("%w: empty seek table", ErrCorrupt)
	}
	if len(b) < TableBytes(frameCount) {
		return nil, fmt.Errorf("%w: short seek table", ErrCorrupt)
	}
	archSize, n, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if n != frameCount {
		return nil, fmt.Errorf("%w: frame count changed %d != %d", ErrCorrupt, n, frameCount)
	}
	st := &SeekTable{entries: make([]frameEntry, frameCount), archSize: archSize}
	r := bytes.NewReader(b[headerBytes:])
	wantCmp := uint64(TableBytes(frameCount))
	var wantUncmp uint64
	for i := range st.entries {
		e := &st.entries[i]
		if err := struc.Unpack(r, e); err != nil {
			return nil, err
		}
		// entries must tile both address spaces in order
		if e.UncompressedStart != wantUncmp || e.CompressedStart != wantCmp ||
			e.UncompressedSize == 0 || e.UncompressedSize > MaxFrameSize {
			return nil, fmt.Errorf("%w: bad seek table entry %d", ErrCorrupt, i)
		}
		wantUncmp += uint64(e.UncompressedSize)
		wantCmp += uint64(e.CompressedSize)
	}
	if wantCmp != archSize {
		return nil, fmt.Errorf("%w: archive size %d != %d", ErrCorrupt, wantCmp, archSize)
	}
	st.dataSize = wantUncmp
	return st, nil
}

func (st *SeekTable) DataSize() uint64    { return st.dataSize }
func (st *SeekTable) ArchiveSize() uint64 { return st.archSize }
func (st *SeekTable) Frames() int         { return len(st.entries) }

// FrameForOffset returns the index of the frame containing uncompressed
// byte off. ParseTable only requires frames to tile, not to be uniform,
// so this searches rather than dividing by the frame cap.
func (st *SeekTable) FrameForOffset(off uint64) (int, error) {
	if off >= st.dataSize {
		return 0, fmt.Errorf("%w: offset %d of %d", ErrOutOfRange, off, st.dataSize)
	}
	return sort.Search(len(st.entries), func(i int) bool {
		return st.entries[i].UncompressedStart > off
	}) - 1, nil
}

// CompressedRange returns the compressed byte range covering frames
// [first, last].
func (st *SeekTable) CompressedRange(first, last int) (uint64, uint64) {
	s := st.entries[first].CompressedStart
	e := st.entries[last].CompressedStart + uint64(st.entries[last].CompressedSize)
	return s, e - s
}

// UncompressedRange returns the uncompressed byte range covering frames
// [first, last].
func (st *SeekTable) UncompressedRange(first, last int) (uint64, uint64) {
	s := st.entries[first].UncompressedStart
	e := st.entries[last].UncompressedStart + uint64(st.entries[last].UncompressedSize)
	return s, e - s
}
