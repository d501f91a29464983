// Package cache provides a small TTL key-value cache used to bound request rates
// for presence and photo lookups. It is the one structure intentionally shared
// across controllers, so all access is serialized internally.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	key       string
	value     V
	err       error // non-nil for negative entries
	expiresAt time.Time
}

type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Cache is a bounded TTL cache with negative caching and per-key coalescing of
// concurrent fetches. The zero value is not usable; use New.
type Cache[V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	max      int
	now      func() time.Time
	elems    map[string]*list.Element
	order    *list.List // front = most recently used
	inflight map[string]*call[V]
}

// New constructs a cache with the given entry TTL and size bound.
func New[V any](ttl time.Duration, maxEntries int) *Cache[V] {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &Cache[V]{
		ttl:      ttl,
		max:      maxEntries,
		now:      time.Now,
		elems:    make(map[string]*list.Element),
		order:    list.New(),
		inflight: make(map[string]*call[V]),
	}
}

// SetClock overrides the time source. Test use only.
func (c *Cache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the cached value for key if it is fresh and positive.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.lookup(key)
	if !ok || e.err != nil {
		return zero, false
	}
	return e.value, true
}

// Set stores a positive value for key, refreshing its TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(key, value, nil)
}

// SetNegative stores a failed-fetch result so persistently missing data does not
// trigger an immediate re-fetch storm. The entry expires like any other; it never
// permanently suppresses a retry.
func (c *Cache[V]) SetNegative(key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	c.store(key, zero, err)
}

// Remove drops the entry for key, if any.
func (c *Cache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.elems[key]; ok {
		c.order.Remove(el)
		delete(c.elems, key)
	}
}

// Len reports the number of stored entries, including stale ones not yet evicted.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.elems)
}

// Fetch returns the fresh cached result for key, or runs fn to produce one.
// Concurrent Fetch calls for the same key coalesce into a single fn invocation;
// all callers observe the same result. Failed results are cached negatively.
func (c *Cache[V]) Fetch(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.lookup(key); ok {
		v, err := e.value, e.err
		c.mu.Unlock()
		return v, err
	}
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		var zero V
		select {
		case <-cl.done:
			return cl.value, cl.err
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	cl := &call[V]{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.value, cl.err = fn(ctx)

	c.mu.Lock()
	if cl.err != nil {
		var zero V
		c.store(key, zero, cl.err)
	} else {
		c.store(key, cl.value, nil)
	}
	delete(c.inflight, key)
	c.mu.Unlock()
	close(cl.done)
	return cl.value, cl.err
}

// lookup returns the fresh entry for key, dropping it if expired. Caller holds mu.
func (c *Cache[V]) lookup(key string) (*entry[V], bool) {
	el, ok := c.elems[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry[V])
	if c.now().After(e.expiresAt) {
		c.order.Remove(el)
		delete(c.elems, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e, true
}

// store inserts or replaces an entry and evicts the least recently used entry
// when over capacity. Caller holds mu.
func (c *Cache[V]) store(key string, value V, err error) {
	exp := c.now().Add(c.ttl)
	if el, ok := c.elems[key]; ok {
		e := el.Value.(*entry[V])
		e.value, e.err, e.expiresAt = value, err, exp
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&entry[V]{key: key, value: value, err: err, expiresAt: exp})
	c.elems[key] = el
	for len(c.elems) > c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.elems, oldest.Value.(*entry[V]).key)
	}
}
