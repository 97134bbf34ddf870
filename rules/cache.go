package rules

import "time"

// CacheKey identifies one tenant's rule set in the snapshot cache.
type CacheKey struct {
	TenantID  string
	RuleSetID string
}

// SnapshotCache caches compiled rule set snapshots between calculations.
// This allows swapping between in-memory, Redis, or other caching
// implementations.
type SnapshotCache interface {
	// Get retrieves a cached snapshot, nil on miss or expiry.
	Get(key CacheKey) *CompiledRuleSet

	// Set stores a snapshot.
	Set(key CacheKey, cs *CompiledRuleSet)

	// Invalidate drops one entry, forcing a recompile on next Get.
	Invalidate(key CacheKey)

	// InvalidateTenant drops every entry belonging to the tenant.
	InvalidateTenant(tenantID string)

	// Purge drops everything.
	Purge()
}

// CacheConfig holds configuration for cache behavior.
type CacheConfig struct {
	// TTL is the time-to-live for cached snapshots. Zero means no
	// expiration; entries live until a rule edit invalidates them.
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for snapshot caching.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0, // no TTL, invalidate on mutations only
	}
}
