package scenario

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScenarioStore manages scenario records and their status transitions. The
// calculating state is only entered through TryMarkCalculating, which is
// the exclusive lease guarding one calculation per scenario.
type ScenarioStore interface {
	// Create stores a new scenario in draft.
	Create(ctx context.Context, sc *Scenario) error

	// Get returns one scenario.
	Get(ctx context.Context, tenantID, id string) (*Scenario, error)

	// List returns the tenant's scenarios.
	List(ctx context.Context, tenantID string) ([]*Scenario, error)

	// TryMarkCalculating atomically takes the calculation lease. It fails
	// with ErrCalculationInProgress when another run holds it and with
	// ErrInvalidState for selected or archived scenarios.
	TryMarkCalculating(ctx context.Context, tenantID, id string) (*Scenario, error)

	// FinishCalculation releases the lease into calculated, storing the
	// aggregates and the rule set version the results were computed from.
	FinishCalculation(ctx context.Context, tenantID, id string, ruleSetVersion int, summary *Summary, at time.Time) error

	// FailCalculation releases the lease back to draft with a reason.
	FailCalculation(ctx context.Context, tenantID, id string, reason string) error

	// UpdateStatus performs a lifecycle transition such as selecting or
	// archiving. Moving into calculating this way is rejected.
	UpdateStatus(ctx context.Context, tenantID, id string, next Status) error
}

// SnapshotStore manages imported employee snapshots, keyed by tenant,
// dataset version and employee.
type SnapshotStore interface {
	// Import upserts a batch of snapshots.
	Import(ctx context.Context, snapshots []*EmployeeSnapshot) error

	// ListByDataset returns a dataset version's snapshots ordered by
	// employee ID.
	ListByDataset(ctx context.Context, tenantID, datasetVersion string) ([]*EmployeeSnapshot, error)

	// CountByDataset returns how many snapshots a dataset version holds.
	CountByDataset(ctx context.Context, tenantID, datasetVersion string) (int, error)
}

// ResultStore manages per-employee scenario results.
type ResultStore interface {
	// ReplaceForScenario deletes the scenario's stored results and writes
	// the new set in one step.
	ReplaceForScenario(ctx context.Context, scenarioID string, results []*Result) error

	// ListByScenario returns a page of results ordered by employee ID.
	// limit <= 0 means no limit.
	ListByScenario(ctx context.Context, scenarioID string, offset, limit int) ([]*Result, error)

	// GetByEmployee returns one employee's result in a scenario.
	GetByEmployee(ctx context.Context, scenarioID, employeeID string) (*Result, error)
}

// InMemoryScenarioStore implements ScenarioStore with a mutex-guarded map.
type InMemoryScenarioStore struct {
	mu        sync.RWMutex
	scenarios map[string]map[string]*Scenario // tenant -> id -> scenario
}

// NewInMemoryScenarioStore creates an empty in-memory scenario store.
func NewInMemoryScenarioStore() *InMemoryScenarioStore {
	return &InMemoryScenarioStore{
		scenarios: make(map[string]map[string]*Scenario),
	}
}

func (s *InMemoryScenarioStore) Create(ctx context.Context, sc *Scenario) error {
	if sc.TenantID == "" {
		return fmt.Errorf("scenario needs a tenant")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := s.scenarios[sc.TenantID]
	if tenant == nil {
		tenant = make(map[string]*Scenario)
		s.scenarios[sc.TenantID] = tenant
	}
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	if _, exists := tenant[sc.ID]; exists {
		return fmt.Errorf("scenario with ID %s already exists", sc.ID)
	}

	now := time.Now()
	if sc.Status == "" {
		sc.Status = StatusDraft
	}
	sc.CreatedAt = now
	sc.UpdatedAt = now
	tenant[sc.ID] = cloneScenario(sc)
	return nil
}

func (s *InMemoryScenarioStore) Get(ctx context.Context, tenantID, id string) (*Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scenarios[tenantID][id]
	if !ok {
		return nil, fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	return cloneScenario(sc), nil
}

func (s *InMemoryScenarioStore) List(ctx context.Context, tenantID string) ([]*Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Scenario, 0, len(s.scenarios[tenantID]))
	for _, sc := range s.scenarios[tenantID] {
		out = append(out, cloneScenario(sc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryScenarioStore) TryMarkCalculating(ctx context.Context, tenantID, id string) (*Scenario, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scenarios[tenantID][id]
	if !ok {
		return nil, fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	switch sc.Status {
	case StatusCalculating:
		return nil, fmt.Errorf("scenario %s: %w", id, ErrCalculationInProgress)
	case StatusDraft, StatusCalculated:
		sc.Status = StatusCalculating
		sc.ErrorMessage = ""
		sc.UpdatedAt = time.Now()
		return cloneScenario(sc), nil
	default:
		return nil, fmt.Errorf("scenario %s is %s: %w", id, sc.Status, ErrInvalidState)
	}
}

func (s *InMemoryScenarioStore) FinishCalculation(ctx context.Context, tenantID, id string, ruleSetVersion int, summary *Summary, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scenarios[tenantID][id]
	if !ok {
		return fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	if sc.Status != StatusCalculating {
		return fmt.Errorf("scenario %s is %s, not calculating: %w", id, sc.Status, ErrInvalidState)
	}
	sc.Status = StatusCalculated
	sc.RuleSetVersion = ruleSetVersion
	sc.Summary = cloneSummary(summary)
	sc.ErrorMessage = ""
	sc.CalculatedAt = &at
	sc.UpdatedAt = at
	return nil
}

func (s *InMemoryScenarioStore) FailCalculation(ctx context.Context, tenantID, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scenarios[tenantID][id]
	if !ok {
		return fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	if sc.Status != StatusCalculating {
		return fmt.Errorf("scenario %s is %s, not calculating: %w", id, sc.Status, ErrInvalidState)
	}
	sc.Status = StatusDraft
	sc.ErrorMessage = reason
	sc.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryScenarioStore) UpdateStatus(ctx context.Context, tenantID, id string, next Status) error {
	if next == StatusCalculating {
		return fmt.Errorf("calculating is entered through the calculation lease: %w", ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scenarios[tenantID][id]
	if !ok {
		return fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	if !sc.Status.CanTransitionTo(next) {
		return fmt.Errorf("cannot move scenario %s from %s to %s: %w", id, sc.Status, next, ErrInvalidState)
	}
	sc.Status = next
	sc.UpdatedAt = time.Now()
	return nil
}

func cloneScenario(sc *Scenario) *Scenario {
	out := *sc
	out.Summary = cloneSummary(sc.Summary)
	if sc.CalculatedAt != nil {
		at := *sc.CalculatedAt
		out.CalculatedAt = &at
	}
	return &out
}

func cloneSummary(sum *Summary) *Summary {
	if sum == nil {
		return nil
	}
	out := *sum
	return &out
}

// InMemorySnapshotStore implements SnapshotStore with a mutex-guarded map.
type InMemorySnapshotStore struct {
	mu sync.RWMutex
	// tenant -> dataset version -> employee ID -> snapshot
	snapshots map[string]map[string]map[string]*EmployeeSnapshot
}

// NewInMemorySnapshotStore creates an empty in-memory snapshot store.
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{
		snapshots: make(map[string]map[string]map[string]*EmployeeSnapshot),
	}
}

func (s *InMemorySnapshotStore) Import(ctx context.Context, snapshots []*EmployeeSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, snap := range snapshots {
		if snap.TenantID == "" || snap.DatasetVersion == "" || snap.EmployeeID == "" {
			return fmt.Errorf("snapshot needs tenant, dataset version and employee ID")
		}
		tenant := s.snapshots[snap.TenantID]
		if tenant == nil {
			tenant = make(map[string]map[string]*EmployeeSnapshot)
			s.snapshots[snap.TenantID] = tenant
		}
		dataset := tenant[snap.DatasetVersion]
		if dataset == nil {
			dataset = make(map[string]*EmployeeSnapshot)
			tenant[snap.DatasetVersion] = dataset
		}
		stored := *snap
		if stored.ImportedAt.IsZero() {
			stored.ImportedAt = now
		}
		dataset[snap.EmployeeID] = &stored
	}
	return nil
}

func (s *InMemorySnapshotStore) ListByDataset(ctx context.Context, tenantID, datasetVersion string) ([]*EmployeeSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dataset := s.snapshots[tenantID][datasetVersion]
	out := make([]*EmployeeSnapshot, 0, len(dataset))
	for _, snap := range dataset {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out, nil
}

func (s *InMemorySnapshotStore) CountByDataset(ctx context.Context, tenantID, datasetVersion string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots[tenantID][datasetVersion]), nil
}

// InMemoryResultStore implements ResultStore with a mutex-guarded map.
// Stored results are treated as immutable.
type InMemoryResultStore struct {
	mu      sync.RWMutex
	results map[string][]*Result // scenario ID -> results ordered by employee
}

// NewInMemoryResultStore creates an empty in-memory result store.
func NewInMemoryResultStore() *InMemoryResultStore {
	return &InMemoryResultStore{
		results: make(map[string][]*Result),
	}
}

func (s *InMemoryResultStore) ReplaceForScenario(ctx context.Context, scenarioID string, results []*Result) error {
	stored := make([]*Result, len(results))
	copy(stored, results)
	sort.Slice(stored, func(i, j int) bool { return stored[i].EmployeeID < stored[j].EmployeeID })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[scenarioID] = stored
	return nil
}

func (s *InMemoryResultStore) ListByScenario(ctx context.Context, scenarioID string, offset, limit int) ([]*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.results[scenarioID]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(stored) {
		return nil, nil
	}
	end := len(stored)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*Result, end-offset)
	copy(out, stored[offset:end])
	return out, nil
}

func (s *InMemoryResultStore) GetByEmployee(ctx context.Context, scenarioID, employeeID string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, res := range s.results[scenarioID] {
		if res.EmployeeID == employeeID {
			return res, nil
		}
	}
	return nil, fmt.Errorf("result for employee %s in scenario %s: %w", employeeID, scenarioID, ErrNotFound)
}
