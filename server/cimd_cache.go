package server

import (
	"sync"
	"time"
)

// metadataCache is an in-memory TTL cache for validated client metadata
// documents, keyed by the SHA-256 of the metadata URL.
type metadataCache struct {
	mu         sync.RWMutex
	entries    map[string]*cachedMetadataEntry
	maxEntries int
	ttl        time.Duration
}

type cachedMetadataEntry struct {
	metadata  *ClientMetadata
	expiresAt time.Time
	cachedAt  time.Time
}

func newMetadataCache(ttl time.Duration, maxEntries int) *metadataCache {
	if maxEntries <= 0 {
		maxEntries = 1000 // unique metadata URLs
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &metadataCache{
		entries:    make(map[string]*cachedMetadataEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Get returns the cached document, if present and not expired.
func (c *metadataCache) Get(key string) (*ClientMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.metadata, true
}

// Set stores a validated document with the cache TTL, evicting the oldest
// entry first when the cache is full.
func (c *metadataCache) Set(key string, metadata *ClientMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	now := time.Now()
	c.entries[key] = &cachedMetadataEntry{
		metadata:  metadata,
		expiresAt: now.Add(c.ttl),
		cachedAt:  now,
	}
}

// evictOldest drops the entry with the earliest cachedAt. Caller holds the
// write lock. The scan is O(n), fine at the default cap of 1000.
func (c *metadataCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.cachedAt.Before(oldestTime) {
			oldestKey, oldestTime = key, entry.cachedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Delete removes a single entry.
func (c *metadataCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// CleanupExpired drops all expired entries and reports how many went.
func (c *metadataCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Size returns the current entry count.
func (c *metadataCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops everything.
func (c *metadataCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cachedMetadataEntry)
}
