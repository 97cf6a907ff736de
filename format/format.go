// Package format defines the on-disk layout of the blob store: the
// superblock, the fixed-size node records (inodes and extent containers),
// and packed extents. All fields are little-endian. The byte offsets here
// are load-bearing for images written by previous versions; don't move
// fields without bumping Version.
package format

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/lunixbochs/struc"
)

const (
	Magic   = 0x315f64626f6c62 // "blobd_1"
	Version = 1

	// BlockShift is the size of one filesystem block. The merkle tree uses
	// the same node size, which keeps verification alignment and block
	// alignment identical.
	BlockShift = 13
	BlockSize  = 1 << BlockShift

	// NodeSize is the size of one node record in the node table.
	NodeSize = 64

	// NodeHeaderSize is the common prelude shared by inodes and containers:
	// flags u16, version u16, next_node u32.
	NodeHeaderSize = 8

	// Extents pack into a u64: 48-bit block start, 16-bit block length.
	ExtentStartBits = 48
	ExtentLenBits   = 16
	// MaxExtentLen is the largest block run one packed extent can carry.
	MaxExtentLen = 1<<ExtentLenBits - 1
	MaxExtentStart = 1<<ExtentStartBits - 1

	// InlineExtents is how many extents fit in an inode record after the
	// header, merkle root, blob size, block count and extent count
	// (64 - 8 - 32 - 8 - 4 - 2 = 10 bytes; one 8-byte extent).
	InlineExtents = 1

	// ContainerExtents is how many extents fit in a container record
	// (64 - 8 - 4 - 2 = 50 bytes; six 8-byte extents).
	ContainerExtents = 6

	// FlagAllocated marks a node record as in use.
	FlagAllocated uint16 = 1 << 0
	// FlagContainer marks a node record as an extent container.
	FlagContainer uint16 = 1 << 1
	// FlagCompressed marks an inode whose data blocks hold a seekable
	// compressed archive rather than raw bytes.
	FlagCompressed uint16 = 1 << 2

	// NoNode is the nil value for node links.
	NoNode uint32 = 0xffffffff
)

type (
	// Superblock sits in device block 0.
	Superblock struct {
		Magic          uint64 `struc:"little"`
		Version        uint32 `struc:"little"`
		BlockShift     uint32 `struc:"little"`
		DataBlockCount uint64 `struc:"little"`
		NodeCount      uint32 `struc:"little"`
		Flags          uint32 `struc:"little"`
		Checksum       uint64 `struc:"little"` // xxhash of the preceding fields
	}

	// NodeHeader is the 8-byte prelude shared by all node records.
	NodeHeader struct {
		Flags    uint16 `struc:"little"`
		Version  uint16 `struc:"little"`
		NextNode uint32 `struc:"little"`
	}

	// Extent is a contiguous run of data blocks. In-memory form; packs to
	// a u64 on disk.
	Extent struct {
		Start uint64
		Len   uint32
	}

	// Inode is the primary record for one blob.
	Inode struct {
		Header      NodeHeader
		MerkleRoot  [32]byte
		BlobSize    uint64 `struc:"little"`
		BlockCount  uint32 `struc:"little"`
		ExtentCount uint16 `struc:"little"`
		Inline      [InlineExtents]uint64 `struc:"little"`
	}

	// ExtentContainer continues an inode's extent list when it overflows
	// the inline slots.
	ExtentContainer struct {
		Header       NodeHeader
		PreviousNode uint32 `struc:"little"`
		ExtentCount  uint16 `struc:"little"`
		Extents      [ContainerExtents]uint64 `struc:"little"`
	}
)

func (e Extent) End() uint64 { return e.Start + uint64(e.Len) }

// Pack encodes the extent into its on-disk u64 form. Panics if the extent
// doesn't fit the packed field widths; callers cap runs at MaxExtentLen.
func (e Extent) Pack() uint64 {
	if e.Len == 0 || e.Len > MaxExtentLen || e.Start > MaxExtentStart {
		panic(fmt.Sprintf("extent out of packed range: %+v", e))
	}
	return e.Start | uint64(e.Len)<<ExtentStartBits
}

func UnpackExtent(v uint64) Extent {
	return Extent{
		Start: v & MaxExtentStart,
		Len:   uint32(v >> ExtentStartBits),
	}
}

func (h NodeHeader) IsAllocated() bool { return h.Flags&FlagAllocated != 0 }
func (h NodeHeader) IsContainer() bool { return h.Flags&FlagContainer != 0 }

func (sb *Superblock) computeChecksum() uint64 {
	var buf bytes.Buffer
	cp := *sb
	cp.Checksum = 0
	_ = struc.Pack(&buf, &cp)
	return xxhash.Sum64(buf.Bytes())
}

// Encode packs the superblock, with checksum, into a full block.
func (sb *Superblock) Encode() ([]byte, error) {
	sb.Checksum = sb.computeChecksum()
	var buf bytes.Buffer
	if err := struc.Pack(&buf, sb); err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	copy(out, buf.Bytes())
	return out, nil
}

// DecodeSuperblock unpacks and validates a superblock read from block 0.
func DecodeSuperblock(b []byte) (*Superblock, error) {
	var sb Superblock
	if err := struc.Unpack(bytes.NewReader(b), &sb); err != nil {
		return nil, err
	}
	if sb.Magic != Magic {
		return nil, fmt.Errorf("bad superblock magic %#x", sb.Magic)
	}
	if sb.Version != Version {
		return nil, fmt.Errorf("unsupported format version %d", sb.Version)
	}
	if sum := sb.computeChecksum(); sum != sb.Checksum {
		return nil, fmt.Errorf("superblock checksum mismatch %#x != %#x", sum, sb.Checksum)
	}
	if sb.BlockShift != BlockShift {
		return nil, fmt.Errorf("unsupported block shift %d", sb.BlockShift)
	}
	return &sb, nil
}

func encodeNode(b []byte, v any) error {
	if len(b) != NodeSize {
		return fmt.Errorf("bad node record size %d", len(b))
	}
	var buf bytes.Buffer
	if err := struc.Pack(&buf, v); err != nil {
		return err
	}
	for i := range b {
		b[i] = 0
	}
	copy(b, buf.Bytes())
	return nil
}

// EncodeInode packs an inode into a node-table record slot.
func EncodeInode(b []byte, ino *Inode) error { return encodeNode(b, ino) }

func DecodeInode(b []byte) (*Inode, error) {
	var ino Inode
	if err := struc.Unpack(bytes.NewReader(b), &ino); err != nil {
		return nil, err
	}
	return &ino, nil
}

func EncodeContainer(b []byte, ec *ExtentContainer) error { return encodeNode(b, ec) }

func DecodeContainer(b []byte) (*ExtentContainer, error) {
	var ec ExtentContainer
	if err := struc.Unpack(bytes.NewReader(b), &ec); err != nil {
		return nil, err
	}
	return &ec, nil
}

// Field pokes on raw node records. These touch only the fixed header
// offsets so the allocator can flip allocation state and wire chain links
// without decoding whole records.

func NodeFlags(b []byte) uint16        { return binary.LittleEndian.Uint16(b[0:2]) }
func SetNodeFlags(b []byte, fl uint16) { binary.LittleEndian.PutUint16(b[0:2], fl) }

func NodeNext(b []byte) uint32       { return binary.LittleEndian.Uint32(b[4:8]) }
func SetNodeNext(b []byte, n uint32) { binary.LittleEndian.PutUint32(b[4:8], n) }

// ContainerPrevious reads the previous_node field, which immediately
// follows the header in a container record.
func ContainerPrevious(b []byte) uint32       { return binary.LittleEndian.Uint32(b[8:12]) }
func SetContainerPrevious(b []byte, n uint32) { binary.LittleEndian.PutUint32(b[8:12], n) }
