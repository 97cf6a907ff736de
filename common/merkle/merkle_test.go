package merkle

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTree(t *testing.T, data []byte) *Tree {
	tree, root := Build(data)
	tr := New()
	tr.SetDataLength(uint64(len(data)))
	require.EqualValues(t, len(tree), tr.GetTreeLength())
	require.NoError(t, tr.SetTree(tree, root))
	return tr
}

func TestRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, size := range []int{0, 1, 2, 1024, NodeSize, NodeSize + 1, 5*NodeSize + 3, 64 * NodeSize} {
		data := make([]byte, size)
		rnd.Read(data)
		tr := buildTree(t, data)
		assert.NoError(t, tr.Verify(data, 0), "size %d", size)
	}
}

func TestPartialVerify(t *testing.T) {
	data := make([]byte, 7*NodeSize+100)
	rand.New(rand.NewSource(2)).Read(data)
	tr := buildTree(t, data)

	require.NoError(t, tr.Verify(data[2*NodeSize:5*NodeSize], 2*NodeSize))
	// tail leaf is shorter than a node
	require.NoError(t, tr.Verify(data[7*NodeSize:], 7*NodeSize))
	// unaligned offset rejected
	require.Error(t, tr.Verify(data[100:NodeSize], 100))
	// unaligned end that isn't the blob end rejected
	require.Error(t, tr.Verify(data[:NodeSize+10], 0))
}

func TestCorruptionDetected(t *testing.T) {
	data := make([]byte, 3*NodeSize)
	rand.New(rand.NewSource(3)).Read(data)
	tr := buildTree(t, data)

	data[NodeSize+17] ^= 1
	err := tr.Verify(data, 0)
	require.ErrorContains(t, err, "merkle verification failed")
	// the untouched leaves still verify
	require.NoError(t, tr.Verify(data[:NodeSize], 0))
	require.Error(t, tr.Verify(data[NodeSize:2*NodeSize], NodeSize))
}

func TestLeafPositionBound(t *testing.T) {
	// identical leaf content at different indexes hashes differently
	data := make([]byte, 2*NodeSize)
	for i := range data {
		data[i] = 0x5a
	}
	tree, _ := Build(data)
	require.Len(t, tree, 64)
	assert.NotEqual(t, tree[:32], tree[32:])
}

func TestSetTreeRejectsBadTree(t *testing.T) {
	data := make([]byte, 4*NodeSize)
	tree, root := Build(data)

	tr := New()
	tr.SetDataLength(uint64(len(data)))
	bad := append([]byte(nil), tree...)
	bad[5] ^= 1
	require.Error(t, tr.SetTree(bad, root))
	require.Error(t, tr.SetTree(tree[:16], root))
	require.NoError(t, tr.SetTree(tree, root))
}
