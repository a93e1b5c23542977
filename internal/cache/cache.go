// Package cache implements the bounded in-memory response cache used on the
// hot read path: per-entry TTL, tag-based invalidation, and hit/miss
// accounting.
//
// # Expiry
//
// Entries expire two ways, deliberately both: a lookup past the TTL removes
// the entry on the spot (lazy expiry, bounds the cost of any single Get),
// and a background janitor sweeps the whole map on a fixed interval so
// memory is reclaimed even for keys that are never read again. Neither
// mechanism subsumes the other.
//
// # Eviction
//
// At capacity the cache drops the entry with the oldest insertion, not the
// least recently used one: reads never refresh an entry's position, only
// overwriting it does. Callers relying on eviction order get insertion
// order.
//
// # Concurrency
//
// All methods are safe for concurrent use and none of them block; a single
// mutex guards the entry map and the counters. The janitor goroutine takes
// the same mutex per sweep.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/oriys/banter/internal/metrics"
)

// Config holds construction parameters for a Cache.
type Config struct {
	// DefaultTTL applies to entries stored via Set. Zero is legal and makes
	// Set a no-op (the "do not cache" tier); negative is a construction
	// error.
	DefaultTTL time.Duration

	// MaxEntries bounds the number of live entries. Must be positive.
	MaxEntries int

	// CleanupInterval is the janitor sweep period. Zero disables the
	// janitor (lazy expiry only); negative is a construction error.
	CleanupInterval time.Duration

	// Clock supplies all timestamps and the sweep ticker. Nil means the
	// real clock; tests inject a fake one.
	Clock clockwork.Clock

	// Name labels this cache in logs and metrics.
	Name string
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	Expired    uint64  `json:"expired"`
	Evicted    uint64  `json:"evicted"`
	HitRate    float64 `json:"hit_rate"`
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	seq       uint64
	ttl       time.Duration
	tags      map[string]struct{}
}

func (e *entry[V]) expiredAt(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Cache is a bounded key-value cache with per-entry TTL and tags.
type Cache[V any] struct {
	name  string
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]*entry[V]
	seq     uint64
	hits    uint64
	misses  uint64
	expired uint64
	evicted uint64

	defaultTTL time.Duration
	maxEntries int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Cache and starts its janitor when cfg.CleanupInterval is
// positive. Invalid configuration is rejected here rather than surfacing on
// the hot path.
func New[V any](cfg Config) (*Cache[V], error) {
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("cache %q: max entries must be positive, got %d", cfg.Name, cfg.MaxEntries)
	}
	if cfg.DefaultTTL < 0 {
		return nil, fmt.Errorf("cache %q: default ttl must not be negative, got %v", cfg.Name, cfg.DefaultTTL)
	}
	if cfg.CleanupInterval < 0 {
		return nil, fmt.Errorf("cache %q: cleanup interval must not be negative, got %v", cfg.Name, cfg.CleanupInterval)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	c := &Cache[V]{
		name:       cfg.Name,
		clock:      clock,
		entries:    make(map[string]*entry[V]),
		defaultTTL: cfg.DefaultTTL,
		maxEntries: cfg.MaxEntries,
		stopCh:     make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop(cfg.CleanupInterval)
	}
	return c, nil
}

// Get returns the value stored under key. A stored entry past its TTL is
// removed on the way out and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		metrics.RecordCacheMiss(c.name)
		var zero V
		return zero, false
	}
	if e.expiredAt(c.clock.Now()) {
		delete(c.entries, key)
		c.misses++
		c.expired++
		metrics.RecordCacheMiss(c.name)
		metrics.RecordCacheExpirations(c.name, 1)
		metrics.SetCacheEntries(c.name, len(c.entries))
		var zero V
		return zero, false
	}
	c.hits++
	metrics.RecordCacheHit(c.name)
	return e.value, true
}

// Set stores value under key with the cache's default TTL.
func (c *Cache[V]) Set(key string, value V, tags ...string) {
	c.SetTTL(key, value, c.defaultTTL, tags...)
}

// SetTTL stores value under key with an explicit TTL. A non-positive ttl
// stores nothing: zero is the "do not cache" tier, and an existing entry
// under the key is left as it was. Storing a new key at capacity first
// evicts the oldest-inserted entry; overwriting an existing key replaces it
// in place and moves it to the back of the eviction order.
func (c *Cache[V]) SetTTL(key string, value V, ttl time.Duration, tags ...string) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	var tagSet map[string]struct{}
	if len(tags) > 0 {
		tagSet = make(map[string]struct{}, len(tags))
		for _, t := range tags {
			tagSet[t] = struct{}{}
		}
	}

	c.seq++
	c.entries[key] = &entry[V]{
		value:     value,
		createdAt: c.clock.Now(),
		seq:       c.seq,
		ttl:       ttl,
		tags:      tagSet,
	}
	metrics.SetCacheEntries(c.name, len(c.entries))
}

// evictOldestLocked removes the entry with the smallest (createdAt, seq).
// The seq tiebreak keeps eviction deterministic when entries share a
// timestamp, which happens under coarse clocks.
func (c *Cache[V]) evictOldestLocked() {
	var (
		oldestKey string
		oldest    *entry[V]
	)
	for key, e := range c.entries {
		if oldest == nil || e.createdAt.Before(oldest.createdAt) ||
			(e.createdAt.Equal(oldest.createdAt) && e.seq < oldest.seq) {
			oldestKey, oldest = key, e
		}
	}
	if oldest == nil {
		return
	}
	delete(c.entries, oldestKey)
	c.evicted++
	metrics.RecordCacheEviction(c.name)
}

// Delete removes key and reports whether an entry (fresh or stale) was
// present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	metrics.SetCacheEntries(c.name, len(c.entries))
	return true
}

// InvalidateByTag removes every entry carrying the tag and returns how many
// were removed.
func (c *Cache[V]) InvalidateByTag(tag string) int {
	return c.InvalidateByTags(tag)
}

// InvalidateByTags removes every entry whose tag set intersects tags. Each
// entry is counted once regardless of how many tags matched.
func (c *Cache[V]) InvalidateByTags(tags ...string) int {
	if len(tags) == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if len(e.tags) == 0 {
			continue
		}
		for _, tag := range tags {
			if _, ok := e.tags[tag]; ok {
				delete(c.entries, key)
				removed++
				break
			}
		}
	}
	if removed > 0 {
		metrics.RecordCacheInvalidation(c.name, removed)
		metrics.SetCacheEntries(c.name, len(c.entries))
	}
	return removed
}

// Clear drops all entries and resets every counter. Safe to call any number
// of times.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry[V])
	c.hits, c.misses, c.expired, c.evicted = 0, 0, 0, 0
	metrics.SetCacheEntries(c.name, 0)
}

// Len returns the number of live entries, stale ones included until a
// lookup or sweep removes them.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:    len(c.entries),
		MaxEntries: c.maxEntries,
		Hits:       c.hits,
		Misses:     c.misses,
		Expired:    c.expired,
		Evicted:    c.evicted,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Close stops the janitor and waits for it to exit. Idempotent; the cache
// itself remains usable for lazy-expiry reads afterwards.
func (c *Cache[V]) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	return nil
}

func (c *Cache[V]) sweepLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.Chan():
			c.sweep()
		}
	}
}

// sweep removes every expired entry in one pass under the lock.
func (c *Cache[V]) sweep() {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.expiredAt(now) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.expired += uint64(removed)
		metrics.RecordCacheExpirations(c.name, removed)
		metrics.SetCacheEntries(c.name, len(c.entries))
	}
}
