// Package pager services demand reads for blobs: a fault on an unpopulated
// page range is extended for readahead, filled from storage into a shared
// transfer buffer, verified against the blob's hash tree, and only then
// supplied to the faulting memory object. One worker owns the transfer
// buffer; requests are serviced strictly one at a time, so the buffer needs
// no locking, only clear-before-reuse discipline.
package pager

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dnr/blobd/common"
	"github.com/dnr/blobd/common/merkle"
)

const DefaultBufferSize = 4 << 20

var (
	// ErrCanceled means the pager shut down while the request was pending.
	ErrCanceled = errors.New("pager shut down")
	// ErrDetached means the memory object was detached from the pager.
	ErrDetached = errors.New("vmo detached")
	// ErrCorrupt means verification failed. The memory object is dead.
	ErrCorrupt = errors.New("data integrity failure")
)

type (
	// Reader fills ranges of blob data. Implementations serve at their own
	// granularity: the returned range starts at or before the requested
	// offset and covers at least the requested range clamped to the blob
	// size, with the start aligned to the verifier's node size.
	Reader interface {
		ServedRange(off uint64, n int) (uint64, int, error)
		Read(dst []byte, off uint64, n int) (uint64, int, error)
	}

	request struct {
		w      *Watcher
		off    uint64
		n      int
		detach bool
		done   chan error
	}

	Stats struct {
		Faults         atomic.Int64
		FaultBytes     atomic.Int64
		SuppliedBytes  atomic.Int64
		IoErrors       atomic.Int64
		VerifyFailures atomic.Int64
	}

	// Pager owns the transfer buffer and the single fault-servicing
	// worker shared by all paged memory objects.
	Pager struct {
		buf  []byte
		reqs chan *request
		stop chan struct{}
		done chan struct{}

		mu       sync.Mutex
		watchers map[*Watcher]struct{}

		stats Stats
	}
)

// New creates a pager with a transfer buffer of bufSize bytes (0 means
// DefaultBufferSize) and starts its worker.
func New(bufSize int) *Pager {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	p := &Pager{
		buf:      make([]byte, bufSize),
		reqs:     make(chan *request, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		watchers: make(map[*Watcher]struct{}),
	}
	go p.worker()
	return p
}

func (p *Pager) Stats() *Stats { return &p.stats }

// Shutdown stops the worker and detaches every remaining watcher with
// ErrCanceled. Pending and in-flight requests fail rather than wait, so
// teardown never deadlocks on the fault loop.
func (p *Pager) Shutdown() {
	close(p.stop)
	<-p.done
	p.mu.Lock()
	ws := make([]*Watcher, 0, len(p.watchers))
	for w := range p.watchers {
		ws = append(ws, w)
	}
	p.mu.Unlock()
	for _, w := range ws {
		w.completeDetach(ErrCanceled)
	}
}

func (p *Pager) register(w *Watcher) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.stop:
		return ErrCanceled
	default:
	}
	p.watchers[w] = struct{}{}
	return nil
}

func (p *Pager) unregister(w *Watcher) {
	p.mu.Lock()
	delete(p.watchers, w)
	p.mu.Unlock()
}

func (p *Pager) worker() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case req := <-p.reqs:
			if req.detach {
				req.w.completeDetach(nil)
				req.done <- nil
			} else {
				req.done <- p.handleFault(req.w, req.off, req.n)
			}
		}
	}
}

// handleFault runs the populate, verify, supply pipeline for one fault.
// The transfer buffer range used is zeroed before returning on every path,
// so a later fault for a different blob can never observe these bytes.
func (p *Pager) handleFault(w *Watcher, off uint64, n int) error {
	if w.isFailed() {
		return fmt.Errorf("%w: object previously failed verification", ErrCorrupt)
	}
	if off >= w.size || n <= 0 {
		return fmt.Errorf("fault [%d, %d) outside object of %d", off, off+uint64(n), w.size)
	}
	p.stats.Faults.Add(1)
	p.stats.FaultBytes.Add(int64(n))

	// readahead, then widen to verifier granularity
	end := min(off+uint64(max(n, common.ReadaheadSize)), w.size)
	start := uint64(merkle.NodeShift.Rounddown(int64(off)))
	end = min(uint64(merkle.NodeShift.Roundup(int64(end))), w.size)

	_, sn, err := w.reader.ServedRange(start, int(end-start))
	if err != nil {
		p.stats.IoErrors.Add(1)
		return fmt.Errorf("fault populate: %w", err)
	}
	if sn > len(p.buf) {
		// drop the readahead and retry with just the faulted range
		end = min(uint64(merkle.NodeShift.Roundup(int64(off)+int64(n))), w.size)
		if _, sn, err = w.reader.ServedRange(start, int(end-start)); err != nil {
			return fmt.Errorf("fault populate: %w", err)
		}
		if sn > len(p.buf) {
			return fmt.Errorf("fault of %d bytes exceeds %d byte transfer buffer", sn, len(p.buf))
		}
	}

	buf := p.buf[:sn]
	defer clear(buf)

	gotOff, gotN, err := w.reader.Read(buf, start, int(end-start))
	if err != nil {
		p.stats.IoErrors.Add(1)
		return fmt.Errorf("fault populate: %w", err)
	}
	if gotOff > start || gotOff+uint64(gotN) < end {
		p.stats.IoErrors.Add(1)
		return fmt.Errorf("fault populate: served [%d, %d) missing [%d, %d)",
			gotOff, gotOff+uint64(gotN), start, end)
	}

	if err := w.tree.Verify(buf[:gotN], gotOff); err != nil {
		w.markFailed()
		p.stats.VerifyFailures.Add(1)
		log.Printf("pager: %s", err)
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	// supply only the pages actually faulted, not the readahead
	supplyStart := uint64(common.PageShift.Rounddown(int64(off)))
	supplyEnd := min(uint64(common.PageShift.Roundup(int64(off)+int64(n))), w.size)
	w.vmo.supply(supplyStart, buf[supplyStart-gotOff:supplyEnd-gotOff])
	p.stats.SuppliedBytes.Add(int64(supplyEnd - supplyStart))
	return nil
}
