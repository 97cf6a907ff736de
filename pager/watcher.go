package pager

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dnr/blobd/alloc"
	"github.com/dnr/blobd/common"
	"github.com/dnr/blobd/common/merkle"
)

type watcherState int

const (
	stateUnattached watcherState = iota
	stateAttached
	stateDetachRequested
	stateDetached
)

type (
	// Watcher connects one blob's memory object to the shared pager. It
	// must stay alive until Detach returns: the fault worker may be
	// touching it until the detach completes.
	Watcher struct {
		p      *Pager
		reader Reader
		tree   *merkle.Tree
		size   uint64
		vmo    *Vmo

		mu        sync.Mutex
		cond      sync.Cond
		state     watcherState
		detachErr error
		failed    bool
	}

	// Vmo models a demand-paged memory object: backing bytes plus a
	// page-granular populated map. Unpopulated reads fault through the
	// watcher's pager.
	Vmo struct {
		w    *Watcher
		size uint64

		mu    sync.Mutex
		data  []byte
		pages alloc.RawBitmap
	}
)

// NewWatcher prepares a watcher for a blob served by reader and verified
// by tree. tree must already hold the blob's authenticated hash tree.
func NewWatcher(p *Pager, reader Reader, tree *merkle.Tree) *Watcher {
	w := &Watcher{p: p, reader: reader, tree: tree}
	w.cond.L = &w.mu
	return w
}

// CreatePagedVmo registers the memory object with the pager. It must be
// called before any read, and only once.
func (w *Watcher) CreatePagedVmo(size uint64) (*Vmo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateUnattached {
		return nil, errors.New("watcher already attached")
	}
	if err := w.p.register(w); err != nil {
		return nil, err
	}
	w.size = size
	w.vmo = &Vmo{
		w:     w,
		size:  size,
		data:  make([]byte, size),
		pages: alloc.NewRawBitmap(uint64(common.PageShift.Blocks(int64(size)))),
	}
	w.state = stateAttached
	return w.vmo, nil
}

// Detach unregisters the memory object and waits for the pager to confirm
// no fault handling is still touching this watcher. Returns ErrCanceled if
// the pager shut down instead of completing the detach normally.
func (w *Watcher) Detach() error {
	w.mu.Lock()
	switch w.state {
	case stateUnattached:
		w.state = stateDetached
		w.mu.Unlock()
		return nil
	case stateAttached:
		w.state = stateDetachRequested
		w.mu.Unlock()
		req := &request{w: w, detach: true, done: make(chan error, 1)}
		select {
		case w.p.reqs <- req:
		case <-w.p.stop:
			w.completeDetach(ErrCanceled)
		}
		w.mu.Lock()
	}
	for w.state != stateDetached {
		w.cond.Wait()
	}
	err := w.detachErr
	w.mu.Unlock()
	return err
}

// completeDetach is called by the worker (normal completion) or by pager
// shutdown (canceled). Idempotent; the first caller wins.
func (w *Watcher) completeDetach(err error) {
	w.mu.Lock()
	if w.state == stateDetached {
		w.mu.Unlock()
		return
	}
	w.state = stateDetached
	w.detachErr = err
	w.cond.Broadcast()
	w.mu.Unlock()
	w.p.unregister(w)
}

func (w *Watcher) markFailed() {
	w.mu.Lock()
	w.failed = true
	w.mu.Unlock()
}

func (w *Watcher) isFailed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// fault asks the pager worker to populate [off, off+n) and waits for it.
func (w *Watcher) fault(off uint64, n int) error {
	w.mu.Lock()
	st := w.state
	w.mu.Unlock()
	if st != stateAttached {
		return ErrDetached
	}
	req := &request{w: w, off: off, n: n, done: make(chan error, 1)}
	select {
	case w.p.reqs <- req:
	case <-w.p.stop:
		return ErrCanceled
	}
	select {
	case err := <-req.done:
		return err
	case <-w.p.stop:
		return ErrCanceled
	}
}

func (v *Vmo) Size() uint64 { return v.size }

// ReadAt reads blob bytes, faulting in any unpopulated pages first.
// Implements io.ReaderAt.
func (v *Vmo) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if uint64(off) >= v.size {
		return 0, io.EOF
	}
	n := int(min(uint64(len(b)), v.size-uint64(off)))
	if n == 0 {
		return 0, nil
	}

	if !v.populated(uint64(off), n) {
		if err := v.w.fault(uint64(off), n); err != nil {
			return 0, err
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.populatedLocked(uint64(off), n) {
		return 0, errors.New("fault did not populate requested range")
	}
	copy(b[:n], v.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (v *Vmo) populated(off uint64, n int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.populatedLocked(off, n)
}

func (v *Vmo) populatedLocked(off uint64, n int) bool {
	first := uint64(common.PageShift.Rounddown(int64(off))) >> common.PageShift
	last := uint64(common.PageShift.Blocks(int64(off) + int64(n)))
	return v.pages.NextFree(first) >= last
}

// supply installs verified bytes. off is page-aligned; b extends to a page
// boundary or the end of the object. Called only from the fault worker.
func (v *Vmo) supply(off uint64, b []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	copy(v.data[off:], b)
	first := off >> common.PageShift
	last := uint64(common.PageShift.Blocks(int64(off) + int64(len(b))))
	for i := first; i < last; i++ {
		v.pages.Set(i)
	}
}
