//go:build integration
// +build integration

package rules_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opencomp/compengine/rules"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "compengine_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=compengine_test sslmode=disable", host, port.Port())

	// Wait for connection to be available
	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	// Run migrations
	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		// Try without the ../ prefix
		migrationSQL, err = os.ReadFile(filepath.Join("migrations", "000001_initial_schema.up.sql"))
		if err != nil {
			t.Fatalf("Failed to read migration file: %v", err)
		}
	}

	_, err = db.Exec(string(migrationSQL))
	if err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

func dec(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

func meritRuleSet(tenant, name string) *rules.RuleSet {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	return &rules.RuleSet{
		TenantID:    tenant,
		Name:        name,
		Description: "annual merit cycle",
		Active:      true,
		Rules: []*rules.Rule{
			{
				Name:     "merit-for-exceeds",
				RuleType: rules.RuleTypeMerit,
				Priority: 100,
				Active:   true,
				Conditions: rules.And(
					rules.Leaf("performance_rating", rules.OpEQ, "exceeds"),
					rules.Leaf("compa_ratio", rules.OpLT, 1.1),
				),
				Actions: []rules.Action{
					{Type: rules.ActionSetMeritPercent, Value: dec(6), Notes: "top performer raise"},
				},
				EffectiveDate: &start,
				ExpiryDate:    &end,
			},
			{
				Name:       "band-cap",
				RuleType:   rules.RuleTypeCap,
				Priority:   900,
				Active:     true,
				Conditions: rules.Leaf("band_maximum", rules.OpIsNotNull, nil),
				Actions:    []rules.Action{{Type: rules.ActionCapToBandMax}},
			},
		},
	}
}

func TestPostgresStore_RuleSetRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleSetStore(db)

	rs := meritRuleSet("acme", "annual-merit")
	if err := store.Create(ctx, rs); err != nil {
		t.Fatalf("Failed to create rule set: %v", err)
	}
	if rs.ID == "" {
		t.Fatal("Create should assign a rule set ID")
	}

	got, err := store.Get(ctx, "acme", rs.ID)
	if err != nil {
		t.Fatalf("Failed to get rule set: %v", err)
	}
	if got.Name != "annual-merit" || got.Version != 1 || !got.Active {
		t.Errorf("header = name %q version %d active %v, want annual-merit/1/true",
			got.Name, got.Version, got.Active)
	}
	if len(got.Rules) != 2 {
		t.Fatalf("Expected 2 rules, got %d", len(got.Rules))
	}

	merit := got.Rules[0]
	if merit.Name != "merit-for-exceeds" {
		t.Errorf("Expected first rule 'merit-for-exceeds', got %q", merit.Name)
	}
	if merit.Conditions == nil || !merit.Conditions.IsGroup() || len(merit.Conditions.Children) != 2 {
		t.Fatalf("Conditions did not round trip: %+v", merit.Conditions)
	}
	if merit.Conditions.Children[0].Field != "performance_rating" {
		t.Errorf("First leaf field = %q, want performance_rating", merit.Conditions.Children[0].Field)
	}
	if len(merit.Actions) != 1 || merit.Actions[0].Value == nil || !merit.Actions[0].Value.Equal(decimal.NewFromInt(6)) {
		t.Errorf("Actions did not round trip: %+v", merit.Actions)
	}
	if merit.Actions[0].Notes != "top performer raise" {
		t.Errorf("Notes = %q", merit.Actions[0].Notes)
	}
	if merit.EffectiveDate == nil || merit.EffectiveDate.Format("2006-01-02") != "2026-01-01" {
		t.Errorf("EffectiveDate = %v, want 2026-01-01", merit.EffectiveDate)
	}
	if got.Rules[1].EffectiveDate != nil {
		t.Errorf("band-cap should have no effective date, got %v", got.Rules[1].EffectiveDate)
	}
}

func TestPostgresStore_ReplaceRulesBumpsVersion(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleSetStore(db)

	rs := meritRuleSet("acme", "annual-merit")
	if err := store.Create(ctx, rs); err != nil {
		t.Fatalf("Failed to create rule set: %v", err)
	}

	replacement := []*rules.Rule{
		{
			Name:       "flat-merit",
			RuleType:   rules.RuleTypeMerit,
			Priority:   50,
			Active:     true,
			Conditions: rules.Leaf("merit_eligible", rules.OpEQ, true),
			Actions:    []rules.Action{{Type: rules.ActionSetMeritPercent, Value: dec(3)}},
		},
	}
	updated, err := store.ReplaceRules(ctx, "acme", rs.ID, replacement)
	if err != nil {
		t.Fatalf("Failed to replace rules: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Expected version 2 after replace, got %d", updated.Version)
	}
	if len(updated.Rules) != 1 || updated.Rules[0].Name != "flat-merit" {
		t.Errorf("Expected only the replacement rule, got %+v", updated.Rules)
	}

	version, err := store.GetVersion(ctx, "acme", rs.ID)
	if err != nil {
		t.Fatalf("Failed to get version: %v", err)
	}
	if version != 2 {
		t.Errorf("GetVersion = %d, want 2", version)
	}

	// The old rule rows must be gone, not just superseded.
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM rules WHERE rule_set_id = $1", rs.ID).Scan(&count); err != nil {
		t.Fatalf("Failed to count rules: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 rule row after replace, got %d", count)
	}
}

func TestPostgresStore_TenantIsolation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleSetStore(db)

	a := meritRuleSet("tenant-a", "a-rules")
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Failed to create rule set for tenant A: %v", err)
	}
	b := meritRuleSet("tenant-b", "b-rules")
	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("Failed to create rule set for tenant B: %v", err)
	}

	if _, err := store.Get(ctx, "tenant-a", b.ID); !errors.Is(err, rules.ErrNotFound) {
		t.Errorf("Tenant A should not see tenant B's rule set, got %v", err)
	}
	if _, err := store.Get(ctx, "tenant-b", a.ID); !errors.Is(err, rules.ErrNotFound) {
		t.Errorf("Tenant B should not see tenant A's rule set, got %v", err)
	}

	setsA, err := store.List(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Failed to list rule sets for tenant A: %v", err)
	}
	if len(setsA) != 1 || setsA[0].Name != "a-rules" {
		t.Errorf("Tenant A list = %+v, want only a-rules", setsA)
	}
}

func TestPostgresStore_DefaultSwitching(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleSetStore(db)

	a := meritRuleSet("acme", "set-a")
	a.Default = true
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Failed to create set A: %v", err)
	}

	b := meritRuleSet("acme", "set-b")
	b.Default = true
	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("Failed to create set B: %v", err)
	}

	def, err := store.GetDefault(ctx, "acme")
	if err != nil {
		t.Fatalf("Failed to get default: %v", err)
	}
	if def.ID != b.ID {
		t.Errorf("Default = %s, want the most recently defaulted set %s", def.ID, b.ID)
	}

	if err := store.SetDefault(ctx, "acme", a.ID); err != nil {
		t.Fatalf("Failed to switch default: %v", err)
	}
	def, err = store.GetDefault(ctx, "acme")
	if err != nil {
		t.Fatalf("Failed to get default: %v", err)
	}
	if def.ID != a.ID {
		t.Errorf("Default = %s, want %s", def.ID, a.ID)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM rule_sets WHERE tenant_id = 'acme' AND is_default = true").Scan(&count); err != nil {
		t.Fatalf("Failed to count defaults: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected exactly 1 default set, got %d", count)
	}
}

func TestPostgresStore_DeleteCascadesRules(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleSetStore(db)

	rs := meritRuleSet("acme", "annual-merit")
	if err := store.Create(ctx, rs); err != nil {
		t.Fatalf("Failed to create rule set: %v", err)
	}

	if err := store.Delete(ctx, "acme", rs.ID); err != nil {
		t.Fatalf("Failed to delete rule set: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM rules WHERE rule_set_id = $1", rs.ID).Scan(&count); err != nil {
		t.Fatalf("Failed to count rules: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 rules after rule set deletion, got %d", count)
	}
}

func TestPostgresStore_RuleOrdering(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleSetStore(db)

	// Same priority everywhere; creation order is the tie break and must
	// survive the round trip.
	rs := &rules.RuleSet{TenantID: "acme", Name: "ordered", Active: true}
	for i := 1; i <= 5; i++ {
		rs.Rules = append(rs.Rules, &rules.Rule{
			Name:       fmt.Sprintf("rule-%d", i),
			RuleType:   rules.RuleTypeMerit,
			Priority:   100,
			Active:     true,
			Conditions: rules.Leaf("merit_eligible", rules.OpEQ, true),
			Actions:    []rules.Action{{Type: rules.ActionSetMeritPercent, Value: dec(float64(i))}},
		})
	}
	if err := store.Create(ctx, rs); err != nil {
		t.Fatalf("Failed to create rule set: %v", err)
	}

	got, err := store.Get(ctx, "acme", rs.ID)
	if err != nil {
		t.Fatalf("Failed to get rule set: %v", err)
	}
	if len(got.Rules) != 5 {
		t.Fatalf("Expected 5 rules, got %d", len(got.Rules))
	}
	for i, r := range got.Rules {
		want := fmt.Sprintf("rule-%d", i+1)
		if r.Name != want {
			t.Errorf("Rule %d = %q, want %q", i, r.Name, want)
		}
	}
}

func TestPostgresStore_NotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleSetStore(db)

	if _, err := store.Get(ctx, "acme", "missing"); !errors.Is(err, rules.ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
	if _, err := store.GetVersion(ctx, "acme", "missing"); !errors.Is(err, rules.ErrNotFound) {
		t.Errorf("GetVersion = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "acme", "missing"); !errors.Is(err, rules.ErrNotFound) {
		t.Errorf("Delete = %v, want ErrNotFound", err)
	}
	if err := store.SetActive(ctx, "acme", "missing", false); !errors.Is(err, rules.ErrNotFound) {
		t.Errorf("SetActive = %v, want ErrNotFound", err)
	}
}
