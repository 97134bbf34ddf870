package tenantengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opencomp/compengine/rules"
)

// Manager hands out per-tenant compiled rule set snapshots. A snapshot is
// immutable once compiled: rule edits invalidate the cache entry and the
// next use recompiles from the store, so an in-flight calculation keeps
// the exact rule list it started with while new work picks up the edit.
type Manager struct {
	store rules.RuleSetStore
	cache rules.SnapshotCache
	log   *slog.Logger

	// buildMu serializes cache fills so a burst of calculations compiles a
	// rule set once, not once per caller.
	buildMu sync.Mutex
}

// NewManager creates a manager over the given store. A nil cache gets the
// default in-memory snapshot cache.
func NewManager(store rules.RuleSetStore, cache rules.SnapshotCache) *Manager {
	if cache == nil {
		cache = rules.NewInMemorySnapshotCache(rules.DefaultCacheConfig())
	}
	return &Manager{
		store: store,
		cache: cache,
		log:   slog.Default(),
	}
}

// SetLogger replaces the manager's logger.
func (m *Manager) SetLogger(log *slog.Logger) {
	if log != nil {
		m.log = log
	}
}

// Snapshot returns the compiled snapshot of a tenant's rule set, compiling
// and caching it on first use. Individually invalid rules are carried in
// the snapshot's RuleErrors rather than failing the build.
func (m *Manager) Snapshot(ctx context.Context, tenantID, ruleSetID string) (*rules.CompiledRuleSet, error) {
	key := rules.CacheKey{TenantID: tenantID, RuleSetID: ruleSetID}
	if cs := m.cache.Get(key); cs != nil {
		return cs, nil
	}

	m.buildMu.Lock()
	defer m.buildMu.Unlock()
	if cs := m.cache.Get(key); cs != nil {
		return cs, nil
	}

	rs, err := m.store.Get(ctx, tenantID, ruleSetID)
	if err != nil {
		return nil, err
	}
	cs, err := rules.Compile(rs)
	if err != nil {
		return nil, err
	}
	if len(cs.RuleErrors) > 0 {
		m.log.Warn("rule set compiled with invalid rules",
			slog.String("tenant_id", tenantID),
			slog.String("rule_set_id", ruleSetID),
			slog.Int("invalid_rules", len(cs.RuleErrors)))
	}
	m.cache.Set(key, cs)
	return cs, nil
}

// Default returns the compiled snapshot of the tenant's default rule set.
func (m *Manager) Default(ctx context.Context, tenantID string) (*rules.CompiledRuleSet, error) {
	rs, err := m.store.GetDefault(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return m.Snapshot(ctx, tenantID, rs.ID)
}

// StoredVersion reads the rule set's current persisted version straight
// from the store, bypassing the cache, so callers can detect edits made
// behind a cached snapshot.
func (m *Manager) StoredVersion(ctx context.Context, tenantID, ruleSetID string) (int, error) {
	return m.store.GetVersion(ctx, tenantID, ruleSetID)
}

// Invalidate drops a cached snapshot after a rule edit.
func (m *Manager) Invalidate(tenantID, ruleSetID string) {
	m.cache.Invalidate(rules.CacheKey{TenantID: tenantID, RuleSetID: ruleSetID})
}

// InvalidateTenant drops all of a tenant's cached snapshots.
func (m *Manager) InvalidateTenant(tenantID string) {
	m.cache.InvalidateTenant(tenantID)
}

// Warm precompiles the tenant's active rule sets so the first calculation
// after startup does not pay the compile cost.
func (m *Manager) Warm(ctx context.Context, tenantID string) error {
	sets, err := m.store.List(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to list rule sets for tenant %s: %w", tenantID, err)
	}
	for _, rs := range sets {
		if !rs.Active {
			continue
		}
		if _, err := m.Snapshot(ctx, tenantID, rs.ID); err != nil {
			return fmt.Errorf("failed to compile rule set %s: %w", rs.ID, err)
		}
	}
	return nil
}
