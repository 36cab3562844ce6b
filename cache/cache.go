// Package cache provides a process-wide TTL cache with regex bulk
// invalidation. Shared by term normalization and analysis-result caching.
package cache

import (
	"regexp"
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Entry is one key/value pair for bulk pre-population.
type Entry struct {
	Key   string
	Value any
	TTL   time.Duration
}

// Stats reports cache size and hit/miss counters.
type Stats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is a concurrency-safe key/value store with per-entry TTL. Expired
// entries are treated as absent on read; active eviction happens only via
// SweepExpired, which correctness does not depend on.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	hits    uint64
	misses  uint64

	defaultTTL time.Duration
	now        func() time.Time
}

// New creates a cache whose Set without explicit TTL uses defaultTTL.
// A zero defaultTTL means entries never expire by default.
func New(defaultTTL time.Duration) *Cache {
	return &Cache{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the value for key, or ok=false if absent or expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.expired(c.now()) {
		c.mu.Lock()
		c.misses++
		// lazy expiry
		if ok {
			if stale, still := c.entries[key]; still && stale.expired(c.now()) {
				delete(c.entries, key)
			}
		}
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value under key. A non-positive ttl means no expiry.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

// DeleteByPattern removes every key matching the regex and returns the number
// of removed entries.
func (c *Cache) DeleteByPattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if re.MatchString(key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Clear drops all entries. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Warm bulk-loads entries, typically at startup.
func (c *Cache) Warm(entries []Entry) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		var expiresAt time.Time
		ttl := e.TTL
		if ttl == 0 {
			ttl = c.defaultTTL
		}
		if ttl > 0 {
			expiresAt = now.Add(ttl)
		}
		c.entries[e.Key] = entry{value: e.Value, expiresAt: expiresAt}
	}
}

// SweepExpired actively evicts expired entries and returns how many were
// removed. Meant to run periodically to bound memory.
func (c *Cache) SweepExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Size:   len(c.entries),
		Hits:   c.hits,
		Misses: c.misses,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
