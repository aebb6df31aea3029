package classifier

import (
	"sync"
	"time"

	"github.com/opscore/reasoning-core/internal/signal"
)

// cacheEntry holds a cached Classification plus the bookkeeping needed for
// TTL expiry and LRU eviction, grounded on the TTL+LRU cache shape used for
// market-data caching in the retrieval pack (bounded map + access-time
// eviction + a periodic sweep for expired entries).
type cacheEntry struct {
	value      signal.Classification
	insertedAt time.Time
	expires    time.Time
	accessed   time.Time
}

// CacheStats exposes hit-rate accounting for the metrics aggregator.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate returns Hits / (Hits + Misses), or 0 if there have been no
// lookups yet.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a fingerprint-keyed LRU cache with a hard TTL ceiling. On hit it
// returns a copy of the cached Classification so callers can never mutate
// the entry via the returned value.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	ttl        time.Duration
	stats      CacheStats
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewCache creates a cache bounded to maxEntries with the given TTL, and
// starts a background sweep that evicts expired entries every minute.
func NewCache(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &Cache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		stopCh:     make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns a copy of the cached Classification for fingerprint, if
// present and unexpired.
func (c *Cache) Get(fingerprint string) (signal.Classification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		c.stats.Misses++
		return signal.Classification{}, false
	}
	if time.Now().After(entry.expires) {
		c.stats.Misses++
		return signal.Classification{}, false
	}

	entry.accessed = time.Now()
	c.stats.Hits++
	return entry.value.Clone(), true
}

// Put stores a Classification under fingerprint, evicting the least
// recently used entry first if the cache is full.
func (c *Cache) Put(fingerprint string, value signal.Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fingerprint]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLRULocked()
	}

	now := time.Now()
	c.entries[fingerprint] = &cacheEntry{
		value:      value.Clone(),
		insertedAt: now,
		expires:    now.Add(c.ttl),
		accessed:   now,
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Stop halts the background expiry sweep. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Cache) evictLRULocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.accessed
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}
