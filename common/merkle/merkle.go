// Package merkle builds and checks the hash tree that gives a blob its
// identity. Data is hashed in NodeSize leaves; interior levels hash runs of
// child digests until one digest remains. The root is the blob's content
// digest. A blob of one leaf or less has an empty tree: the root is just
// the digest of the data.
package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/dnr/blobd/common"
	"github.com/dnr/blobd/common/cdig"
)

const (
	NodeShift common.BlkShift = 13
	NodeSize                  = 1 << NodeShift

	// Arity is how many child digests one interior node covers.
	Arity = NodeSize / cdig.Bytes
)

// hashLeaf digests one leaf. The leaf index and blob length are mixed in
// so a leaf can't be replayed at a different position or in a truncated
// blob.
func hashLeaf(data []byte, index uint64, dataLen uint64) cdig.CDig {
	h := sha256.New()
	var pre [16]byte
	binary.LittleEndian.PutUint64(pre[0:8], index)
	binary.LittleEndian.PutUint64(pre[8:16], dataLen)
	h.Write(pre[:])
	h.Write(data)
	var out [sha256.Size]byte
	return cdig.FromBytes(h.Sum(out[:0]))
}

func hashInterior(children []byte, level int, index uint64) cdig.CDig {
	h := sha256.New()
	var pre [16]byte
	binary.LittleEndian.PutUint64(pre[0:8], index)
	binary.LittleEndian.PutUint64(pre[8:16], uint64(level))
	h.Write(pre[:])
	h.Write(children)
	var out [sha256.Size]byte
	return cdig.FromBytes(h.Sum(out[:0]))
}

// TreeLength returns the serialized tree size for a blob of dataLen bytes:
// the full leaf digest level, or zero when the blob fits in one leaf.
func TreeLength(dataLen uint64) uint64 {
	leaves := NodeShift.Blocks(int64(dataLen))
	if leaves <= 1 {
		return 0
	}
	return uint64(leaves) * cdig.Bytes
}

// rootFromLeaves folds a leaf digest level up to the root.
func rootFromLeaves(leafDigests []byte) cdig.CDig {
	level := 1
	cur := leafDigests
	for len(cur) > cdig.Bytes {
		next := make([]byte, 0, (len(cur)/cdig.Bytes+Arity-1)/Arity*cdig.Bytes)
		for i := 0; len(cur) > 0; i++ {
			run := min(Arity*cdig.Bytes, len(cur))
			d := hashInterior(cur[:run], level, uint64(i))
			next = append(next, d[:]...)
			cur = cur[run:]
		}
		cur = next
		level++
	}
	return cdig.FromBytes(cur)
}

// Build hashes data and returns the serialized tree plus the root digest.
func Build(data []byte) ([]byte, cdig.CDig) {
	dataLen := uint64(len(data))
	if TreeLength(dataLen) == 0 {
		return nil, hashLeaf(data, 0, dataLen)
	}
	leaves := make([]byte, 0, TreeLength(dataLen))
	for i := 0; len(data) > 0; i++ {
		run := min(NodeSize, len(data))
		d := hashLeaf(data[:run], uint64(i), dataLen)
		leaves = append(leaves, d[:]...)
		data = data[run:]
	}
	return leaves, rootFromLeaves(leaves)
}

// Tree verifies leaf-aligned ranges of a blob against a trusted root.
type Tree struct {
	dataLen uint64
	root    cdig.CDig
	leaves  []byte // authenticated leaf digests, empty for one-leaf blobs
}

func New() *Tree { return &Tree{} }

func (t *Tree) SetDataLength(n uint64) { t.dataLen = n }

func (t *Tree) GetTreeLength() uint64 { return TreeLength(t.dataLen) }

// SetTree installs the serialized tree and the trusted root, checking that
// the tree actually authenticates against the root before accepting it.
func (t *Tree) SetTree(tree []byte, root cdig.CDig) error {
	want := TreeLength(t.dataLen)
	if uint64(len(tree)) != want {
		return fmt.Errorf("merkle tree length %d != %d", len(tree), want)
	}
	if want > 0 && rootFromLeaves(tree) != root {
		return fmt.Errorf("merkle tree does not match root %s", root)
	}
	t.root = root
	t.leaves = append([]byte(nil), tree...)
	return nil
}

// Verify checks data at byte position off within the blob. off must be
// leaf-aligned; data must extend to a leaf boundary or the end of the blob.
func (t *Tree) Verify(data []byte, off uint64) error {
	if !NodeShift.Aligned(int64(off)) {
		return fmt.Errorf("unaligned verify offset %d", off)
	}
	if off+uint64(len(data)) > t.dataLen {
		return fmt.Errorf("verify range %d+%d outside blob %d", off, len(data), t.dataLen)
	}
	end := off + uint64(len(data))
	if end != t.dataLen && !NodeShift.Aligned(int64(end)) {
		return fmt.Errorf("unaligned verify end %d", end)
	}
	if len(t.leaves) == 0 {
		// single-leaf blob: the root hashes the whole thing
		if off != 0 || uint64(len(data)) != t.dataLen {
			return fmt.Errorf("partial verify of single-leaf blob")
		}
		if hashLeaf(data, 0, t.dataLen) != t.root {
			return fmt.Errorf("merkle verification failed at leaf 0")
		}
		return nil
	}
	idx := off >> NodeShift
	for len(data) > 0 {
		run := min(NodeSize, len(data))
		want := cdig.FromBytes(t.leaves[idx*cdig.Bytes:])
		if hashLeaf(data[:run], idx, t.dataLen) != want {
			return fmt.Errorf("merkle verification failed at leaf %d", idx)
		}
		data = data[run:]
		idx++
	}
	return nil
}
