// Package cache provides the serialized result cache for Bifrost.
//
// The cache stores fully encoded response payloads (Arrow IPC streams or
// JSON documents) keyed by the canonical query key, so a repeated query is
// answered without touching the connection pool or the serializers.
//
// Features:
// - LRU eviction bounded by entry count AND total payload bytes
// - Optional TTL expiration
// - Thread-safe operations
// - Hit/miss/eviction statistics
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/bifrost/pkg/query"
)

// ResultCache is a thread-safe LRU cache for serialized query results.
//
// The cache uses:
// - Hash map for O(1) lookups
// - Doubly-linked list for LRU ordering
// - A byte budget in addition to the entry budget, since result payloads
//   vary from a few bytes to hundreds of megabytes
//
// Only successful results are ever stored; the dispatcher never writes a
// failed execution into the cache. Stored payloads are treated as
// immutable: callers must not mutate a slice returned by Get.
type ResultCache struct {
	mu sync.RWMutex

	maxEntries int
	maxBytes   int64
	ttl        time.Duration
	enabled    bool

	// LRU list and map
	list  *list.List
	items map[query.Key]*list.Element
	bytes int64

	// Statistics
	hits      uint64
	misses    uint64
	evictions uint64
}

// resultEntry holds a cached payload with metadata.
type resultEntry struct {
	key       query.Key
	payload   []byte
	expiresAt time.Time
}

// NewResultCache creates a result cache.
//
// maxEntries and maxBytes are both hard budgets; eviction runs until the
// cache satisfies both. ttl of zero disables expiration. A non-positive
// budget is a configuration error, not a request for a default: a cache
// that silently picked its own size would hide a misconfigured deployment.
func NewResultCache(maxEntries int, maxBytes int64, ttl time.Duration) (*ResultCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("cache: max entries must be positive, got %d", maxEntries)
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache: max bytes must be positive, got %d", maxBytes)
	}
	return &ResultCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		enabled:    true,
		list:       list.New(),
		items:      make(map[query.Key]*list.Element),
	}, nil
}

// Get retrieves a cached payload if present and not expired.
//
// Returns (payload, true) on cache hit, (nil, false) on miss.
// A hit moves the entry to the front of the LRU list.
func (c *ResultCache) Get(key query.Key) ([]byte, bool) {
	if !c.enabled {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	c.mu.RLock()
	elem, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	entry := elem.Value.(*resultEntry)

	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		// Recheck under the write lock; a concurrent Put may have
		// replaced the entry with a fresh one.
		if elem, ok := c.items[key]; ok {
			if e := elem.Value.(*resultEntry); time.Now().After(e.expiresAt) {
				c.removeElement(elem)
			}
		}
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	c.mu.Lock()
	c.list.MoveToFront(elem)
	c.mu.Unlock()

	atomic.AddUint64(&c.hits, 1)
	return entry.payload, true
}

// Put stores a serialized result.
//
// A payload larger than the whole byte budget is not stored; caching it
// would immediately evict everything else. If the key already exists the
// entry is replaced wholesale, refreshing the TTL; a stored entry is
// never mutated in place, so a payload handed out by Get stays valid.
func (c *ResultCache) Put(key query.Key, payload []byte) {
	if !c.enabled {
		return
	}
	size := int64(len(payload))
	if size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}

	entry := &resultEntry{key: key, payload: payload}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}

	elem := c.list.PushFront(entry)
	c.items[key] = elem
	c.bytes += size
	c.evictForBudget()
}

// Invalidate drops the entry for a key, if present. Returns whether an
// entry was removed.
func (c *ResultCache) Invalidate(key query.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if ok {
		c.removeElement(elem)
	}
	return ok
}

// Clear removes all entries.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[query.Key]*list.Element)
	c.bytes = 0
}

// Len returns the number of cached entries.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list.Len()
}

// Bytes returns the total payload bytes currently held.
func (c *ResultCache) Bytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytes
}

// Stats returns cache performance statistics.
func (c *ResultCache) Stats() Stats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	evictions := atomic.LoadUint64(&c.evictions)

	c.mu.RLock()
	entries := c.list.Len()
	bytes := c.bytes
	c.mu.RUnlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{
		Entries:    entries,
		MaxEntries: c.maxEntries,
		Bytes:      bytes,
		MaxBytes:   c.maxBytes,
		Hits:       hits,
		Misses:     misses,
		Evictions:  evictions,
		HitRate:    hitRate,
	}
}

// Stats holds cache performance statistics.
type Stats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"maxEntries"`
	Bytes      int64   `json:"bytes"`
	MaxBytes   int64   `json:"maxBytes"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	Evictions  uint64  `json:"evictions"`
	HitRate    float64 `json:"hitRate"` // percentage, 0-100
}

// SetEnabled enables or disables the cache. Disabling clears it.
func (c *ResultCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled

	if !enabled {
		c.list.Init()
		c.items = make(map[query.Key]*list.Element)
		c.bytes = 0
	}
}

// evictForBudget removes least recently used entries until both budgets
// are satisfied. Caller must hold the lock.
func (c *ResultCache) evictForBudget() {
	for c.list.Len() > c.maxEntries || c.bytes > c.maxBytes {
		elem := c.list.Back()
		if elem == nil {
			return
		}
		c.removeElement(elem)
		atomic.AddUint64(&c.evictions, 1)
	}
}

// removeElement removes an element from the cache. Caller must hold the
// lock.
func (c *ResultCache) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	entry := elem.Value.(*resultEntry)
	c.bytes -= int64(len(entry.payload))
	delete(c.items, entry.key)
}
