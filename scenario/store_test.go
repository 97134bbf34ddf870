package scenario

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var (
	_ ScenarioStore = (*InMemoryScenarioStore)(nil)
	_ SnapshotStore = (*InMemorySnapshotStore)(nil)
	_ ResultStore   = (*InMemoryResultStore)(nil)
)

func newDraftScenario(t *testing.T, store *InMemoryScenarioStore) *Scenario {
	t.Helper()
	sc := &Scenario{
		TenantID:       "acme",
		Name:           "draft",
		RuleSetID:      "rs-1",
		DatasetVersion: "2026-01",
	}
	if err := store.Create(context.Background(), sc); err != nil {
		t.Fatalf("create scenario: %v", err)
	}
	return sc
}

func TestScenarioCreateDefaultsToDraft(t *testing.T) {
	store := NewInMemoryScenarioStore()
	sc := newDraftScenario(t, store)

	if sc.ID == "" {
		t.Error("create should assign an ID")
	}
	got, err := store.Get(context.Background(), "acme", sc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDraft {
		t.Errorf("status = %s, want draft", got.Status)
	}
}

func TestScenarioGetIsTenantScoped(t *testing.T) {
	store := NewInMemoryScenarioStore()
	sc := newDraftScenario(t, store)

	_, err := store.Get(context.Background(), "other-tenant", sc.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant get err = %v, want ErrNotFound", err)
	}
}

func TestTryMarkCalculatingLeaseIsExclusive(t *testing.T) {
	store := NewInMemoryScenarioStore()
	sc := newDraftScenario(t, store)

	const attempts = 16
	var wg sync.WaitGroup
	won := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.TryMarkCalculating(context.Background(), "acme", sc.ID); err == nil {
				won <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(won)

	winners := 0
	for range won {
		winners++
	}
	if winners != 1 {
		t.Fatalf("lease winners = %d, want exactly 1", winners)
	}
}

func TestTryMarkCalculatingStates(t *testing.T) {
	ctx := context.Background()

	t.Run("held lease", func(t *testing.T) {
		store := NewInMemoryScenarioStore()
		sc := newDraftScenario(t, store)
		if _, err := store.TryMarkCalculating(ctx, "acme", sc.ID); err != nil {
			t.Fatalf("first lease: %v", err)
		}
		_, err := store.TryMarkCalculating(ctx, "acme", sc.ID)
		if !errors.Is(err, ErrCalculationInProgress) {
			t.Fatalf("err = %v, want ErrCalculationInProgress", err)
		}
	})

	t.Run("calculated allows recalculation", func(t *testing.T) {
		store := NewInMemoryScenarioStore()
		sc := newDraftScenario(t, store)
		if _, err := store.TryMarkCalculating(ctx, "acme", sc.ID); err != nil {
			t.Fatalf("lease: %v", err)
		}
		if err := store.FinishCalculation(ctx, "acme", sc.ID, 1, &Summary{}, time.Now()); err != nil {
			t.Fatalf("finish: %v", err)
		}
		if _, err := store.TryMarkCalculating(ctx, "acme", sc.ID); err != nil {
			t.Fatalf("re-lease after calculated: %v", err)
		}
	})

	t.Run("archived refuses", func(t *testing.T) {
		store := NewInMemoryScenarioStore()
		sc := newDraftScenario(t, store)
		if err := store.UpdateStatus(ctx, "acme", sc.ID, StatusArchived); err != nil {
			t.Fatalf("archive: %v", err)
		}
		_, err := store.TryMarkCalculating(ctx, "acme", sc.ID)
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("err = %v, want ErrInvalidState", err)
		}
	})
}

func TestFinishCalculationRequiresLease(t *testing.T) {
	store := NewInMemoryScenarioStore()
	sc := newDraftScenario(t, store)

	err := store.FinishCalculation(context.Background(), "acme", sc.ID, 1, &Summary{}, time.Now())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("finish without lease err = %v, want ErrInvalidState", err)
	}
}

func TestFinishCalculationStoresOutcome(t *testing.T) {
	store := NewInMemoryScenarioStore()
	sc := newDraftScenario(t, store)
	ctx := context.Background()

	if _, err := store.TryMarkCalculating(ctx, "acme", sc.ID); err != nil {
		t.Fatalf("lease: %v", err)
	}
	at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	summary := &Summary{
		EmployeeCount:            3,
		EmployeesAffected:        2,
		TotalCurrentPayroll:      decimal.NewFromInt(300000),
		TotalRecommendedIncrease: decimal.NewFromInt(9000),
	}
	if err := store.FinishCalculation(ctx, "acme", sc.ID, 4, summary, at); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := store.Get(ctx, "acme", sc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCalculated {
		t.Errorf("status = %s, want calculated", got.Status)
	}
	if got.RuleSetVersion != 4 {
		t.Errorf("rule set version = %d, want 4", got.RuleSetVersion)
	}
	if got.CalculatedAt == nil || !got.CalculatedAt.Equal(at) {
		t.Errorf("calculated at = %v, want %v", got.CalculatedAt, at)
	}
	if got.Summary == nil || got.Summary.EmployeesAffected != 2 {
		t.Errorf("summary = %+v, want affected 2", got.Summary)
	}
}

func TestFailCalculationReleasesToDraft(t *testing.T) {
	store := NewInMemoryScenarioStore()
	sc := newDraftScenario(t, store)
	ctx := context.Background()

	if _, err := store.TryMarkCalculating(ctx, "acme", sc.ID); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := store.FailCalculation(ctx, "acme", sc.ID, "rule set moved"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, _ := store.Get(ctx, "acme", sc.ID)
	if got.Status != StatusDraft {
		t.Errorf("status = %s, want draft", got.Status)
	}
	if got.ErrorMessage != "rule set moved" {
		t.Errorf("error message = %q, want the failure reason", got.ErrorMessage)
	}

	// A later successful lease clears the stale message.
	if _, err := store.TryMarkCalculating(ctx, "acme", sc.ID); err != nil {
		t.Fatalf("re-lease: %v", err)
	}
	got, _ = store.Get(ctx, "acme", sc.ID)
	if got.ErrorMessage != "" {
		t.Errorf("error message = %q, want cleared", got.ErrorMessage)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects calculating", func(t *testing.T) {
		store := NewInMemoryScenarioStore()
		sc := newDraftScenario(t, store)
		err := store.UpdateStatus(ctx, "acme", sc.ID, StatusCalculating)
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("err = %v, want ErrInvalidState", err)
		}
	})

	t.Run("draft cannot be selected", func(t *testing.T) {
		store := NewInMemoryScenarioStore()
		sc := newDraftScenario(t, store)
		err := store.UpdateStatus(ctx, "acme", sc.ID, StatusSelected)
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("err = %v, want ErrInvalidState", err)
		}
	})

	t.Run("calculated to selected to archived", func(t *testing.T) {
		store := NewInMemoryScenarioStore()
		sc := newDraftScenario(t, store)
		if _, err := store.TryMarkCalculating(ctx, "acme", sc.ID); err != nil {
			t.Fatalf("lease: %v", err)
		}
		if err := store.FinishCalculation(ctx, "acme", sc.ID, 1, &Summary{}, time.Now()); err != nil {
			t.Fatalf("finish: %v", err)
		}
		if err := store.UpdateStatus(ctx, "acme", sc.ID, StatusSelected); err != nil {
			t.Fatalf("select: %v", err)
		}
		if err := store.UpdateStatus(ctx, "acme", sc.ID, StatusArchived); err != nil {
			t.Fatalf("archive: %v", err)
		}
		// Archived is terminal.
		err := store.UpdateStatus(ctx, "acme", sc.ID, StatusDraft)
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("err = %v, want ErrInvalidState", err)
		}
	})
}

func TestSnapshotImportValidatesKeys(t *testing.T) {
	store := NewInMemorySnapshotStore()
	err := store.Import(context.Background(), []*EmployeeSnapshot{
		{TenantID: "acme", DatasetVersion: "2026-01"}, // no employee ID
	})
	if err == nil {
		t.Fatal("expected error for snapshot without employee ID")
	}
}

func TestSnapshotImportUpsertsAndOrders(t *testing.T) {
	store := NewInMemorySnapshotStore()
	ctx := context.Background()

	first := []*EmployeeSnapshot{
		{TenantID: "acme", DatasetVersion: "2026-01", EmployeeID: "E2", CurrentAnnual: decimal.NewFromInt(90000)},
		{TenantID: "acme", DatasetVersion: "2026-01", EmployeeID: "E1", CurrentAnnual: decimal.NewFromInt(80000)},
	}
	if err := store.Import(ctx, first); err != nil {
		t.Fatalf("import: %v", err)
	}
	// Re-importing the same employee replaces the row rather than duplicating.
	update := []*EmployeeSnapshot{
		{TenantID: "acme", DatasetVersion: "2026-01", EmployeeID: "E2", CurrentAnnual: decimal.NewFromInt(95000)},
	}
	if err := store.Import(ctx, update); err != nil {
		t.Fatalf("re-import: %v", err)
	}

	snaps, err := store.ListByDataset(ctx, "acme", "2026-01")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	if snaps[0].EmployeeID != "E1" || snaps[1].EmployeeID != "E2" {
		t.Errorf("order = [%s %s], want [E1 E2]", snaps[0].EmployeeID, snaps[1].EmployeeID)
	}
	if !snaps[1].CurrentAnnual.Equal(decimal.NewFromInt(95000)) {
		t.Errorf("E2 salary = %s, want the upserted 95000", snaps[1].CurrentAnnual)
	}

	count, err := store.CountByDataset(ctx, "acme", "2026-01")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestSnapshotDatasetsAreIndependent(t *testing.T) {
	store := NewInMemorySnapshotStore()
	ctx := context.Background()

	err := store.Import(ctx, []*EmployeeSnapshot{
		{TenantID: "acme", DatasetVersion: "2026-01", EmployeeID: "E1"},
		{TenantID: "acme", DatasetVersion: "2026-02", EmployeeID: "E1"},
		{TenantID: "acme", DatasetVersion: "2026-02", EmployeeID: "E2"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	count, _ := store.CountByDataset(ctx, "acme", "2026-01")
	if count != 1 {
		t.Errorf("2026-01 count = %d, want 1", count)
	}
	count, _ = store.CountByDataset(ctx, "acme", "2026-02")
	if count != 2 {
		t.Errorf("2026-02 count = %d, want 2", count)
	}
}

func resultRow(scenarioID, employeeID string) *Result {
	return &Result{
		ID:         scenarioID + "/" + employeeID,
		ScenarioID: scenarioID,
		EmployeeID: employeeID,
	}
}

func TestReplaceForScenarioReplacesAndSorts(t *testing.T) {
	store := NewInMemoryResultStore()
	ctx := context.Background()

	err := store.ReplaceForScenario(ctx, "sc-1", []*Result{
		resultRow("sc-1", "E3"),
		resultRow("sc-1", "E1"),
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	err = store.ReplaceForScenario(ctx, "sc-1", []*Result{
		resultRow("sc-1", "E2"),
		resultRow("sc-1", "E1"),
	})
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}

	results, err := store.ListByScenario(ctx, "sc-1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (replace, not append)", len(results))
	}
	if results[0].EmployeeID != "E1" || results[1].EmployeeID != "E2" {
		t.Errorf("order = [%s %s], want [E1 E2]", results[0].EmployeeID, results[1].EmployeeID)
	}
}

func TestListByScenarioPaging(t *testing.T) {
	store := NewInMemoryResultStore()
	ctx := context.Background()

	rows := []*Result{
		resultRow("sc-1", "E1"),
		resultRow("sc-1", "E2"),
		resultRow("sc-1", "E3"),
		resultRow("sc-1", "E4"),
		resultRow("sc-1", "E5"),
	}
	if err := store.ReplaceForScenario(ctx, "sc-1", rows); err != nil {
		t.Fatalf("replace: %v", err)
	}

	tests := []struct {
		name    string
		offset  int
		limit   int
		wantIDs []string
	}{
		{"first page", 0, 2, []string{"E1", "E2"}},
		{"second page", 2, 2, []string{"E3", "E4"}},
		{"short last page", 4, 2, []string{"E5"}},
		{"past the end", 10, 2, nil},
		{"no limit", 0, 0, []string{"E1", "E2", "E3", "E4", "E5"}},
		{"negative offset", -3, 2, []string{"E1", "E2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := store.ListByScenario(ctx, "sc-1", tt.offset, tt.limit)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			var ids []string
			for _, r := range page {
				ids = append(ids, r.EmployeeID)
			}
			if len(ids) != len(tt.wantIDs) {
				t.Fatalf("page = %v, want %v", ids, tt.wantIDs)
			}
			for i := range ids {
				if ids[i] != tt.wantIDs[i] {
					t.Fatalf("page = %v, want %v", ids, tt.wantIDs)
				}
			}
		})
	}
}

func TestGetByEmployee(t *testing.T) {
	store := NewInMemoryResultStore()
	ctx := context.Background()

	if err := store.ReplaceForScenario(ctx, "sc-1", []*Result{resultRow("sc-1", "E1")}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	res, err := store.GetByEmployee(ctx, "sc-1", "E1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.EmployeeID != "E1" {
		t.Errorf("employee = %s, want E1", res.EmployeeID)
	}

	_, err = store.GetByEmployee(ctx, "sc-1", "E9")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
