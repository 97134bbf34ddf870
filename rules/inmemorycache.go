package rules

import (
	"sync"
	"time"
)

type cacheEntry struct {
	snapshot *CompiledRuleSet
	cachedAt time.Time
}

// InMemorySnapshotCache is a simple in-memory implementation of
// SnapshotCache. Thread-safe for concurrent access. Snapshots are immutable
// once compiled, so entries are shared rather than copied.
type InMemorySnapshotCache struct {
	mu      sync.RWMutex
	entries map[CacheKey]cacheEntry
	config  CacheConfig
}

// NewInMemorySnapshotCache creates a new in-memory snapshot cache.
func NewInMemorySnapshotCache(config CacheConfig) *InMemorySnapshotCache {
	return &InMemorySnapshotCache{
		entries: make(map[CacheKey]cacheEntry),
		config:  config,
	}
}

// Get retrieves a cached snapshot. Returns nil if absent or expired.
func (c *InMemorySnapshotCache) Get(key CacheKey) *CompiledRuleSet {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		return nil
	}
	return entry.snapshot
}

// Set stores a snapshot.
func (c *InMemorySnapshotCache) Set(key CacheKey, cs *CompiledRuleSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{snapshot: cs, cachedAt: time.Now()}
}

// Invalidate drops one entry.
func (c *InMemorySnapshotCache) Invalidate(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// InvalidateTenant drops all of a tenant's entries.
func (c *InMemorySnapshotCache) InvalidateTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.TenantID == tenantID {
			delete(c.entries, key)
		}
	}
}

// Purge drops everything.
func (c *InMemorySnapshotCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[CacheKey]cacheEntry)
}
