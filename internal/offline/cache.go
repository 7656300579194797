package offline

import (
	"sort"
	"sync"
	"time"

	"github.com/codetaoist/taishanglaojun/internal/models"
)

// Cache is an in-memory byte-bounded TTL cache of entity payloads.
// Expiry is lazy: an expired entry is dropped on the read that finds it.
// When a write pushes the total past the byte ceiling, the oldest quarter
// of the entries is evicted, repeatedly if one pass is not enough.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*models.CacheEntry
	totalBytes int64
	maxBytes   int64
}

// NewCache creates a Cache with the given byte ceiling.
func NewCache(maxBytes int64) *Cache {
	return &Cache{
		entries:  make(map[string]*models.CacheEntry),
		maxBytes: maxBytes,
	}
}

// Put stores an entry, replacing any previous entry under the same key,
// and returns the keys evicted to stay under the byte ceiling so the
// caller can drop their persisted copies too.
func (c *Cache) Put(entry *models.CacheEntry) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[entry.Key]; ok {
		c.totalBytes -= prev.SizeBytes
	}
	c.entries[entry.Key] = entry
	c.totalBytes += entry.SizeBytes

	return c.evictOverflow(entry.Key)
}

// evictOverflow drops the oldest 25% of entries per pass until the total
// fits the ceiling. The just-written key is spared so a Put never evicts
// its own entry unless it alone exceeds the ceiling.
func (c *Cache) evictOverflow(spare string) []string {
	var evicted []string
	for c.totalBytes > c.maxBytes {
		candidates := make([]*models.CacheEntry, 0, len(c.entries))
		for key, e := range c.entries {
			if key != spare {
				candidates = append(candidates, e)
			}
		}
		if len(candidates) == 0 {
			break
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].CreatedAt < candidates[j].CreatedAt
		})

		n := len(candidates) / 4
		if n == 0 {
			n = 1
		}
		for _, e := range candidates[:n] {
			delete(c.entries, e.Key)
			c.totalBytes -= e.SizeBytes
			evicted = append(evicted, e.Key)
		}
	}
	return evicted
}

// Get returns a cached payload. An entry past its TTL is removed and
// reported as a miss; reading never resurrects stale data.
func (c *Cache) Get(key string) (*models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if entry.Expired(time.Now()) {
		delete(c.entries, key)
		c.totalBytes -= entry.SizeBytes
		return nil, false
	}
	return entry, true
}

// Delete removes an entry by key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.totalBytes -= entry.SizeBytes
	}
}

// PurgeExpired removes every entry past its TTL and returns their keys.
func (c *Cache) PurgeExpired(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var purged []string
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
			c.totalBytes -= entry.SizeBytes
			purged = append(purged, key)
		}
	}
	return purged
}

// Restore loads persisted entries into the cache without eviction checks.
// Used once at startup before any writes.
func (c *Cache) Restore(entries []*models.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		if prev, ok := c.entries[e.Key]; ok {
			c.totalBytes -= prev.SizeBytes
		}
		c.entries[e.Key] = e
		c.totalBytes += e.SizeBytes
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TotalBytes returns the summed size of all cached entries.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}
