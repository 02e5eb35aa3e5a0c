package coalesce

import (
	"context"
	"sync"
	"time"
)

// call is the in-flight marker for a deduplication key. Waiters block on the
// done channel; the single underlying call closes it exactly once after
// filling val/err, so every waiter observes the same outcome.
type call struct {
	done chan struct{}
	val  any
	err  error
}

type entry struct {
	data     any
	storedAt time.Time
	ttl      time.Duration
}

func (e *entry) fresh(now time.Time) bool {
	return now.Sub(e.storedAt) < e.ttl
}

// Group deduplicates concurrent identical requests and serves time-boxed
// cached results. At most one physical call per key is in flight at a time.
type Group struct {
	mu       sync.Mutex
	inflight map[string]*call
	cache    map[string]*entry

	now func() time.Time
}

// NewGroup creates an empty coalescing group.
func NewGroup() *Group {
	return &Group{
		inflight: make(map[string]*call),
		cache:    make(map[string]*entry),
		now:      time.Now,
	}
}

// Do returns a fresh cached value for key if one exists; otherwise it joins
// an in-flight call for the same key, or performs fn itself and broadcasts
// the outcome to every waiter. On success the result is cached for ttl.
func (g *Group) Do(ctx context.Context, key string, ttl time.Duration, fn func() (any, error)) (any, error) {
	g.mu.Lock()
	if e, ok := g.cache[key]; ok && ttl > 0 && e.fresh(g.now()) {
		g.mu.Unlock()
		return e.data, nil
	}
	if c, ok := g.inflight[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	g.inflight[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.inflight, key)
	if c.err == nil && ttl > 0 {
		g.cache[key] = &entry{data: c.val, storedAt: g.now(), ttl: ttl}
	}
	g.mu.Unlock()
	close(c.done)

	return c.val, c.err
}

// Cached returns the cached value for key if it is still fresh.
func (g *Group) Cached(key string) (any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.cache[key]; ok && e.fresh(g.now()) {
		return e.data, true
	}
	return nil, false
}

// Stale returns the cached value for key regardless of freshness, with its
// storage time. Call sites use this as an explicit degraded fallback when a
// live call fails; it is never applied automatically.
func (g *Group) Stale(key string) (any, time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.cache[key]; ok {
		return e.data, e.storedAt, true
	}
	return nil, time.Time{}, false
}

// Invalidate drops the cache entry for key.
func (g *Group) Invalidate(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cache, key)
}

// Purge drops all cache entries.
func (g *Group) Purge() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache = make(map[string]*entry)
}
