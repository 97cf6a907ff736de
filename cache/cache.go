// Package cache is the digest-keyed registry of in-memory blob handles.
// Each digest has at most one live node, which is in exactly one of two
// sets: open (some caller holds a strong reference) or closed (no strong
// references, retained for fast re-acquisition). Dropping the last strong
// reference either parks the node in the closed set or destroys it,
// depending on policy; a later lookup resurrects a closed node without
// rebuilding it.
package cache

import (
	"errors"
	"sync"

	"github.com/dnr/blobd/common/cdig"
)

var (
	ErrNotFound      = errors.New("blob not in cache")
	ErrAlreadyExists = errors.New("blob already in cache")
)

// EvictionPolicy controls what happens to a node's resident resources when
// it moves to the closed set.
type EvictionPolicy int

const (
	// EvictImmediately drops resident memory as soon as the node closes.
	EvictImmediately EvictionPolicy = iota
	// NeverEvict keeps resident memory while the node stays cached.
	NeverEvict
)

type (
	// Node is a cached blob handle. Implementations also carry whatever
	// resources the blob holds open (paged memory, readers); the cache
	// calls ActivateLowMemory to shed those on close or destruction.
	Node interface {
		Digest() cdig.CDig
		// ShouldCache is consulted when the last strong reference drops:
		// false means destroy instead of moving to the closed set.
		ShouldCache() bool
		// ActivateLowMemory releases resident resources. Called when the
		// node closes under EvictImmediately, and always on eviction and
		// destruction. Races between evict and teardown can invoke it
		// more than once; implementations must be idempotent.
		ActivateLowMemory()
		// EvictionOverride returns a per-node policy override.
		EvictionOverride() (EvictionPolicy, bool)
	}

	entry struct {
		node Node
		refs int
		// teardown marks the window where refs hit zero but the downgrade
		// hasn't settled. Lookups wait this out on cond instead of racing
		// the downgrade.
		teardown bool
		// evicted records that Evict won a race against the downgrade;
		// the downgrade then lets the node go instead of closing it.
		evicted bool
	}

	// Cache holds the open and closed sets. One mutex guards both; the
	// condition variable exists only so lookups can wait out a teardown.
	Cache struct {
		mu     sync.Mutex
		cond   *sync.Cond
		policy EvictionPolicy
		open   map[cdig.CDig]*entry
		closed map[cdig.CDig]Node
	}

	// Ref is a strong reference to a cached node. Release exactly once;
	// the last release over all refs to a node triggers the downgrade.
	Ref struct {
		c    *Cache
		node Node
	}
)

func New(policy EvictionPolicy) *Cache {
	c := &Cache{
		policy: policy,
		open:   make(map[cdig.CDig]*entry),
		closed: make(map[cdig.CDig]Node),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Add inserts a new node into the open set and returns the first strong
// reference. Fails with ErrAlreadyExists if the digest is present in
// either set.
func (c *Cache) Add(n Node) (*Ref, error) {
	dig := n.Digest()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.open[dig]; ok {
		return nil, ErrAlreadyExists
	}
	if _, ok := c.closed[dig]; ok {
		return nil, ErrAlreadyExists
	}
	c.open[dig] = &entry{node: n, refs: 1}
	return &Ref{c: c, node: n}, nil
}

// Lookup returns a strong reference to the node for dig, resurrecting it
// from the closed set if needed. If the node is mid-teardown the call
// waits for the teardown to settle, then re-checks; this closes the window
// where a racing downgrade or evict could destroy the node under us.
func (c *Cache) Lookup(dig cdig.CDig) (*Ref, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if e, ok := c.open[dig]; ok {
			if e.teardown {
				c.cond.Wait()
				continue
			}
			e.refs++
			return &Ref{c: c, node: e.node}, nil
		}
		if n, ok := c.closed[dig]; ok {
			// resurrect: same node identity moves back to the open set
			delete(c.closed, dig)
			c.open[dig] = &entry{node: n, refs: 1}
			return &Ref{c: c, node: n}, nil
		}
		return nil, ErrNotFound
	}
}

// Evict removes the node from whichever set holds it and releases its
// resources. Fails with ErrNotFound if it's in neither set. Safe against a
// concurrent teardown: the downgrade observes the eviction and stands
// down.
func (c *Cache) Evict(n Node) error {
	dig := n.Digest()
	c.mu.Lock()
	if e, ok := c.open[dig]; ok && e.node == n {
		delete(c.open, dig)
		if e.teardown {
			e.evicted = true
		}
		c.cond.Broadcast()
		c.mu.Unlock()
		n.ActivateLowMemory()
		return nil
	}
	if cn, ok := c.closed[dig]; ok && cn == n {
		delete(c.closed, dig)
		c.cond.Broadcast()
		c.mu.Unlock()
		n.ActivateLowMemory()
		return nil
	}
	c.mu.Unlock()
	return ErrNotFound
}

// Node returns the underlying node. Valid until Release.
func (r *Ref) Node() Node {
	if r.c == nil {
		panic("use of released cache ref")
	}
	return r.node
}

// Release drops this strong reference. The last release for a node runs
// the downgrade: destroy if evicted or not cacheable, otherwise move to
// the closed set.
func (r *Ref) Release() {
	if r.c == nil {
		panic("double release of cache ref")
	}
	c, n := r.c, r.node
	r.c = nil
	r.node = nil
	dig := n.Digest()

	c.mu.Lock()
	e, ok := c.open[dig]
	if !ok || e.node != n {
		// evicted while we still held a reference; nothing to downgrade
		c.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return
	}
	e.teardown = true
	c.mu.Unlock()

	// consult the node outside the lock; lookups wait out this window on
	// the condition variable
	should := n.ShouldCache()
	policy := c.policy
	if ov, ok := n.EvictionOverride(); ok {
		policy = ov
	}

	c.mu.Lock()
	if cur, ok := c.open[dig]; !ok || cur != e || e.evicted {
		// a concurrent Evict (or Reset) won the race; the node is gone
		// from both sets, so settle it as destroyed
		c.cond.Broadcast()
		c.mu.Unlock()
		n.ActivateLowMemory()
		return
	}
	delete(c.open, dig)
	if should {
		c.closed[dig] = n
	}
	e.teardown = false
	c.cond.Broadcast()
	c.mu.Unlock()

	if !should || policy == EvictImmediately {
		n.ActivateLowMemory()
	}
}

// ForAllOpenNodes calls f for each node in the open set, without the cache
// lock held during the callback. Concurrent insertion and removal is
// tolerated: each step re-locates the smallest digest after the last one
// visited instead of holding an iterator. Nodes caught mid-teardown are
// skipped.
func (c *Cache) ForAllOpenNodes(f func(Node)) {
	var last cdig.CDig
	first := true
	for {
		c.mu.Lock()
		var next Node
		var nextDig cdig.CDig
		for dig, e := range c.open {
			if e.teardown {
				continue
			}
			if !first && !digLess(last, dig) {
				continue
			}
			if next == nil || digLess(dig, nextDig) {
				next, nextDig = e.node, dig
			}
		}
		c.mu.Unlock()
		if next == nil {
			return
		}
		f(next)
		last, first = nextDig, false
	}
}

func digLess(a, b cdig.CDig) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Reset evicts everything in the open set (ignoring races), then
// synchronously destroys everything remaining in the closed set. Used at
// unmount; the cache is empty afterwards except for entries mid-teardown,
// which settle to destroyed.
func (c *Cache) Reset() {
	c.mu.Lock()
	var victims []Node
	for dig, e := range c.open {
		delete(c.open, dig)
		if e.teardown {
			e.evicted = true
			continue
		}
		victims = append(victims, e.node)
	}
	for dig, n := range c.closed {
		delete(c.closed, dig)
		victims = append(victims, n)
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	for _, n := range victims {
		n.ActivateLowMemory()
	}
}

// OpenCount and ClosedCount are for introspection and tests.
func (c *Cache) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

func (c *Cache) ClosedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.closed)
}
