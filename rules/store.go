package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RuleSetStore manages rule set persistence. Rule edits always go through
// ReplaceRules, which rewrites the set's rules and bumps its version, so a
// calculation that pinned an older version can detect the drift.
type RuleSetStore interface {
	// Create stores a new rule set at version 1.
	Create(ctx context.Context, rs *RuleSet) error

	// Get returns a rule set with its rules in creation order.
	Get(ctx context.Context, tenantID, id string) (*RuleSet, error)

	// GetDefault returns the tenant's default rule set.
	GetDefault(ctx context.Context, tenantID string) (*RuleSet, error)

	// GetVersion returns just the current version counter.
	GetVersion(ctx context.Context, tenantID, id string) (int, error)

	// List returns the tenant's rule sets without their rules loaded.
	List(ctx context.Context, tenantID string) ([]*RuleSet, error)

	// ReplaceRules swaps the set's rules wholesale and increments the
	// version. Returns the updated set.
	ReplaceRules(ctx context.Context, tenantID, id string, rules []*Rule) (*RuleSet, error)

	// SetDefault marks the set as the tenant's default, clearing the flag
	// on any other set.
	SetDefault(ctx context.Context, tenantID, id string) error

	// SetActive toggles the whole set on or off.
	SetActive(ctx context.Context, tenantID, id string, active bool) error

	// Delete removes the rule set and its rules.
	Delete(ctx context.Context, tenantID, id string) error
}

// InMemoryRuleSetStore implements RuleSetStore with a mutex-guarded map.
// Used by tests and the rule file tooling; the server runs on Postgres.
type InMemoryRuleSetStore struct {
	mu   sync.RWMutex
	sets map[string]map[string]*RuleSet // tenant -> id -> set
}

// NewInMemoryRuleSetStore creates an empty in-memory store.
func NewInMemoryRuleSetStore() *InMemoryRuleSetStore {
	return &InMemoryRuleSetStore{
		sets: make(map[string]map[string]*RuleSet),
	}
}

func (s *InMemoryRuleSetStore) Create(ctx context.Context, rs *RuleSet) error {
	if rs.TenantID == "" {
		return fmt.Errorf("rule set needs a tenant")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := s.sets[rs.TenantID]
	if tenant == nil {
		tenant = make(map[string]*RuleSet)
		s.sets[rs.TenantID] = tenant
	}
	if rs.ID == "" {
		rs.ID = uuid.New().String()
	}
	if _, exists := tenant[rs.ID]; exists {
		return fmt.Errorf("rule set with ID %s already exists", rs.ID)
	}

	now := time.Now()
	rs.Version = 1
	rs.CreatedAt = now
	rs.UpdatedAt = now
	stampRules(rs, now)

	if rs.Default {
		for _, other := range tenant {
			other.Default = false
		}
	}
	tenant[rs.ID] = cloneRuleSet(rs)
	return nil
}

func (s *InMemoryRuleSetStore) Get(ctx context.Context, tenantID, id string) (*RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.sets[tenantID][id]
	if !ok {
		return nil, fmt.Errorf("rule set %s: %w", id, ErrNotFound)
	}
	return cloneRuleSet(rs), nil
}

func (s *InMemoryRuleSetStore) GetDefault(ctx context.Context, tenantID string) (*RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rs := range s.sets[tenantID] {
		if rs.Default {
			return cloneRuleSet(rs), nil
		}
	}
	return nil, fmt.Errorf("default rule set for tenant %s: %w", tenantID, ErrNotFound)
}

func (s *InMemoryRuleSetStore) GetVersion(ctx context.Context, tenantID, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.sets[tenantID][id]
	if !ok {
		return 0, fmt.Errorf("rule set %s: %w", id, ErrNotFound)
	}
	return rs.Version, nil
}

func (s *InMemoryRuleSetStore) List(ctx context.Context, tenantID string) ([]*RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*RuleSet, 0, len(s.sets[tenantID]))
	for _, rs := range s.sets[tenantID] {
		header := cloneRuleSet(rs)
		header.Rules = nil
		out = append(out, header)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryRuleSetStore) ReplaceRules(ctx context.Context, tenantID, id string, rules []*Rule) (*RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.sets[tenantID][id]
	if !ok {
		return nil, fmt.Errorf("rule set %s: %w", id, ErrNotFound)
	}

	now := time.Now()
	rs.Rules = rules
	rs.Version++
	rs.UpdatedAt = now
	stampRules(rs, now)
	rs.Rules = cloneRules(rs.Rules)
	return cloneRuleSet(rs), nil
}

func (s *InMemoryRuleSetStore) SetDefault(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := s.sets[tenantID]
	rs, ok := tenant[id]
	if !ok {
		return fmt.Errorf("rule set %s: %w", id, ErrNotFound)
	}
	for _, other := range tenant {
		other.Default = false
	}
	rs.Default = true
	rs.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryRuleSetStore) SetActive(ctx context.Context, tenantID, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.sets[tenantID][id]
	if !ok {
		return fmt.Errorf("rule set %s: %w", id, ErrNotFound)
	}
	rs.Active = active
	rs.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryRuleSetStore) Delete(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sets[tenantID][id]; !ok {
		return fmt.Errorf("rule set %s: %w", id, ErrNotFound)
	}
	delete(s.sets[tenantID], id)
	return nil
}

// stampRules fills in rule identity and ownership. Creation order is the
// slice order; every store lists rules back in that order so priority ties
// stay deterministic.
func stampRules(rs *RuleSet, now time.Time) {
	for _, r := range rs.Rules {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		r.RuleSetID = rs.ID
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
	}
}

func cloneRuleSet(rs *RuleSet) *RuleSet {
	out := *rs
	out.Rules = cloneRules(rs.Rules)
	return &out
}

func cloneRules(in []*Rule) []*Rule {
	if in == nil {
		return nil
	}
	out := make([]*Rule, len(in))
	for i, r := range in {
		c := *r
		c.EffectiveDate = cloneTime(r.EffectiveDate)
		c.ExpiryDate = cloneTime(r.ExpiryDate)
		c.Conditions = cloneCondition(r.Conditions)
		c.Actions = append([]Action(nil), r.Actions...)
		out[i] = &c
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneCondition(n *ConditionNode) *ConditionNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.Children != nil {
		c.Children = make([]*ConditionNode, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = cloneCondition(child)
		}
	}
	return &c
}
