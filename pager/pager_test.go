package pager

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnr/blobd/common"
	"github.com/dnr/blobd/common/merkle"
)

type readCall struct {
	off uint64
	n   int
}

// memReader serves a blob from memory at exactly the requested clamped
// range. It can inject I/O errors or silent corruption.
type memReader struct {
	data     []byte
	calls    []readCall
	failWith error
	corrupt  bool
}

func (r *memReader) ServedRange(off uint64, n int) (uint64, int, error) {
	end := min(off+uint64(n), uint64(len(r.data)))
	return off, int(end - off), nil
}

func (r *memReader) Read(dst []byte, off uint64, n int) (uint64, int, error) {
	r.calls = append(r.calls, readCall{off, n})
	if r.failWith != nil {
		// scribble before failing, like a partial device read would
		for i := range dst {
			dst[i] = 0x41
		}
		return 0, 0, r.failWith
	}
	so, sn, _ := r.ServedRange(off, n)
	copy(dst[:sn], r.data[so:])
	if r.corrupt {
		dst[0] ^= 0xff
	}
	return so, sn, nil
}

func makeBlob(t *testing.T, size int, fill byte) ([]byte, *merkle.Tree) {
	data := bytes.Repeat([]byte{fill}, size)
	treeBytes, root := merkle.Build(data)
	tree := merkle.New()
	tree.SetDataLength(uint64(size))
	require.NoError(t, tree.SetTree(treeBytes, root))
	return data, tree
}

func attach(t *testing.T, p *Pager, r Reader, tree *merkle.Tree, size int) (*Watcher, *Vmo) {
	w := NewWatcher(p, r, tree)
	vmo, err := w.CreatePagedVmo(uint64(size))
	require.NoError(t, err)
	return w, vmo
}

func TestReadThroughFaults(t *testing.T) {
	p := New(0)
	defer p.Shutdown()

	const size = 300000
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	treeBytes, root := merkle.Build(data)
	tree := merkle.New()
	tree.SetDataLength(size)
	require.NoError(t, tree.SetTree(treeBytes, root))

	w, vmo := attach(t, p, &memReader{data: data}, tree, size)
	defer w.Detach()

	got := make([]byte, size)
	n, err := vmo.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, size, n)
	assert.True(t, bytes.Equal(data, got))

	// short read past the end
	n, err = vmo.ReadAt(make([]byte, 100), size-30)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 30, n)

	assert.Greater(t, p.Stats().Faults.Load(), int64(0))
}

func TestPrefetchClamp(t *testing.T) {
	p := New(0)
	defer p.Shutdown()

	// small blob: the readahead cluster clamps to the blob size
	data, tree := makeBlob(t, 5000, 0x55)
	r := &memReader{data: data}
	w, vmo := attach(t, p, r, tree, 5000)
	_, err := vmo.ReadAt(make([]byte, 10), 0)
	require.NoError(t, err)
	require.Len(t, r.calls, 1)
	assert.Equal(t, readCall{0, 5000}, r.calls[0])
	require.NoError(t, w.Detach())

	// large blob: a tiny fault reads a full readahead cluster
	data2, tree2 := makeBlob(t, 1<<20, 0x66)
	r2 := &memReader{data: data2}
	w2, vmo2 := attach(t, p, r2, tree2, 1<<20)
	_, err = vmo2.ReadAt(make([]byte, 10), 0)
	require.NoError(t, err)
	require.Len(t, r2.calls, 1)
	assert.Equal(t, readCall{0, common.ReadaheadSize}, r2.calls[0])

	// but only the faulted pages were supplied
	assert.True(t, vmo2.populated(0, 10))
	assert.False(t, vmo2.populated(uint64(common.PageShift.Size()), 1))
	require.NoError(t, w2.Detach())
}

func TestSmallTransferBufferDropsReadahead(t *testing.T) {
	p := New(2 * merkle.NodeSize)
	defer p.Shutdown()

	data, tree := makeBlob(t, 1<<20, 0x12)
	r := &memReader{data: data}
	w, vmo := attach(t, p, r, tree, 1<<20)
	defer w.Detach()

	got := make([]byte, 100)
	_, err := vmo.ReadAt(got, 10)
	require.NoError(t, err)
	require.Len(t, r.calls, 1)
	assert.Equal(t, readCall{0, merkle.NodeSize}, r.calls[0])
	assert.True(t, bytes.Equal(data[10:110], got))
}

func TestNoDataLeakAcrossBlobs(t *testing.T) {
	p := New(0)
	defer p.Shutdown()

	// blob A is all 0x78; read it through the shared buffer
	dataA, treeA := makeBlob(t, 64*1024, 0x78)
	wA, vmoA := attach(t, p, &memReader{data: dataA}, treeA, 64*1024)
	_, err := vmoA.ReadAt(make([]byte, 64*1024), 0)
	require.NoError(t, err)

	// the transfer buffer was decommitted after the fault
	assert.Equal(t, -1, bytes.IndexByte(p.buf, 0x78))

	// blob B's reader fails after scribbling; the fault reports I/O error
	// and the buffer is decommitted anyway
	dataB, treeB := makeBlob(t, 64*1024, 0)
	rB := &memReader{data: dataB, failWith: errors.New("device gone")}
	wB, vmoB := attach(t, p, rB, treeB, 64*1024)
	_, err = vmoB.ReadAt(make([]byte, 100), 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, -1, bytes.IndexByte(p.buf, 0x41))
	assert.Equal(t, -1, bytes.IndexByte(p.buf, 0x78))

	// B's object never leaked A's bytes, and retries can succeed
	rB.failWith = nil
	got := make([]byte, 100)
	_, err = vmoB.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, -1, bytes.IndexByte(got, 0x78))

	require.NoError(t, wA.Detach())
	require.NoError(t, wB.Detach())
}

func TestVerifyFailureIsFatalAndSticky(t *testing.T) {
	p := New(0)
	defer p.Shutdown()

	data, tree := makeBlob(t, 128*1024, 0x33)
	r := &memReader{data: data, corrupt: true}
	w, vmo := attach(t, p, r, tree, 128*1024)
	defer w.Detach()

	_, err := vmo.ReadAt(make([]byte, 10), 0)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, int64(1), p.Stats().VerifyFailures.Load())

	// even a range the reader would serve correctly now fails, without
	// touching storage again
	r.corrupt = false
	callsBefore := len(r.calls)
	_, err = vmo.ReadAt(make([]byte, 10), 100000)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, callsBefore, len(r.calls))

	// and the poisoned bytes never left the transfer buffer
	assert.False(t, vmo.populated(0, 1))
}

func TestDetach(t *testing.T) {
	p := New(0)
	defer p.Shutdown()

	data, tree := makeBlob(t, 8192, 0x01)
	w, vmo := attach(t, p, &memReader{data: data}, tree, 8192)
	_, err := vmo.ReadAt(make([]byte, 10), 0)
	require.NoError(t, err)

	require.NoError(t, w.Detach())
	require.NoError(t, w.Detach())

	// populated pages are gone with the watcher's fault path; a fresh
	// fault is refused
	_, err = vmo.ReadAt(make([]byte, 10), 4096)
	assert.ErrorIs(t, err, ErrDetached)
}

func TestShutdownCancelsDetach(t *testing.T) {
	p := New(0)

	data, tree := makeBlob(t, 8192, 0x02)
	w, vmo := attach(t, p, &memReader{data: data}, tree, 8192)
	_, err := vmo.ReadAt(make([]byte, 10), 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		p.Shutdown()
	}()
	go func() {
		// give shutdown a head start so the detach races it
		time.Sleep(2 * time.Millisecond)
		done <- w.Detach()
	}()
	err = <-done
	if err != nil {
		assert.ErrorIs(t, err, ErrCanceled)
	}

	_, err = vmo.ReadAt(make([]byte, 10), 4096)
	require.Error(t, err)
}
