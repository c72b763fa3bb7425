// Package cache is an in-memory TTL cache with optional LRU bounding.
//
// Entries expire lazily: Get treats an entry at or past its expiry as absent
// and removes it. With WithMaxEntries the cache evicts the least recently
// accessed entry whenever an insert would exceed the bound.
package cache

import (
	"sync"
	"time"
)

// Entry is a cached value and its bookkeeping.
type Entry[V any] struct {
	Key        string
	Data       V
	InsertedAt time.Time
	ExpiresAt  time.Time
	HitCount   int
	LastAccess time.Time

	seq uint64
}

// Usable reports whether the entry may be served at now. A zero expiry
// counts as expired.
func (e *Entry[V]) Usable(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.Before(e.ExpiresAt)
}

// Observer receives cache events, typically for metrics.
type Observer interface {
	Hit(cache string)
	Miss(cache string)
	Evict(cache string)
}

type noopObserver struct{}

func (noopObserver) Hit(string)   {}
func (noopObserver) Miss(string)  {}
func (noopObserver) Evict(string) {}

// Stats counts cache activity since creation or the last Clear.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	name       string
	maxEntries int
	now        func() time.Time
	observer   Observer

	mu      sync.Mutex
	entries map[string]*Entry[V]
	seq     uint64
	stats   Stats
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	name       string
	maxEntries int
	now        func() time.Time
	observer   Observer
}

// WithMaxEntries bounds the cache; 0 means unbounded.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithObserver reports hits, misses and evictions.
func WithObserver(name string, obs Observer) Option {
	return func(o *options) {
		o.name = name
		o.observer = obs
	}
}

// New creates an empty cache.
func New[V any](opts ...Option) *Cache[V] {
	o := options{name: "default", now: time.Now, observer: noopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{
		name:       o.name,
		maxEntries: o.maxEntries,
		now:        o.now,
		observer:   o.observer,
		entries:    make(map[string]*Entry[V]),
	}
}

// Get returns the value for key if it has not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if !ok {
		return c.missLocked()
	}
	if !e.Usable(now) {
		delete(c.entries, key)
		c.stats.Evictions++
		c.observer.Evict(c.name)
		return c.missLocked()
	}

	c.seq++
	e.seq = c.seq
	e.HitCount++
	e.LastAccess = now
	c.stats.Hits++
	c.observer.Hit(c.name)
	return e.Data, true
}

func (c *Cache[V]) missLocked() (V, bool) {
	c.stats.Misses++
	c.observer.Miss(c.name)
	var zero V
	return zero, false
}

// Set stores data under key for ttl. A non-positive ttl stores an entry
// that is never served.
func (c *Cache[V]) Set(key string, data V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.seq++
	e := &Entry[V]{
		Key:        key,
		Data:       data,
		InsertedAt: now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
		seq:        c.seq,
	}
	if ttl <= 0 {
		e.ExpiresAt = now
	}
	_, replacing := c.entries[key]
	c.entries[key] = e

	if !replacing && c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evictOldestLocked(key)
	}
}

// evictOldestLocked removes the entry with the oldest access, never keep.
func (c *Cache[V]) evictOldestLocked(keep string) {
	var victim *Entry[V]
	for k, e := range c.entries {
		if k == keep {
			continue
		}
		if victim == nil || e.seq < victim.seq {
			victim = e
		}
	}
	if victim == nil {
		return
	}
	delete(c.entries, victim.Key)
	c.stats.Evictions++
	c.observer.Evict(c.name)
}

// Entry returns a copy of the raw entry, expired or not, without counting
// an access.
func (c *Cache[V]) Entry(key string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry[V]{}, false
	}
	return *e, true
}

// Delete removes key. It reports whether an entry was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Purge drops every expired entry and returns how many were removed.
func (c *Cache[V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if !e.Usable(now) {
			delete(c.entries, k)
			n++
		}
	}
	c.stats.Evictions += int64(n)
	return n
}

// Clear empties the cache and resets its statistics.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.stats = Stats{}
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}
