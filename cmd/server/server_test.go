package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/opencomp/compengine/rules"
	"github.com/opencomp/compengine/scenario"
	"github.com/opencomp/compengine/tenantengine"
)

// newTestServer wires the server over in-memory stores, no database needed.
func newTestServer() (*Server, *scenario.InMemorySnapshotStore) {
	ruleStore := rules.NewInMemoryRuleSetStore()
	snapshots := scenario.NewInMemorySnapshotStore()
	s := newServer(nil,
		ruleStore,
		tenantengine.NewManager(ruleStore, nil),
		scenario.NewInMemoryScenarioStore(),
		snapshots,
		scenario.NewInMemoryResultStore(),
	)
	return s, snapshots
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func meritRuleSetBody(value float64) map[string]any {
	return map[string]any{
		"name": "merit cycle",
		"rules": []map[string]any{
			{
				"name":      "merit-for-exceeds",
				"rule_type": "merit",
				"priority":  100,
				"active":    true,
				"conditions": map[string]any{
					"field": "performance_rating", "operator": "EQ", "value": "exceeds",
				},
				"actions": []map[string]any{
					{"action_type": "SET_MERIT_PERCENT", "value": value},
				},
			},
		},
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer()

	rec := doJSON(t, s, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRuleSetLifecycle(t *testing.T) {
	s, _ := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/api/v1/tenants/acme/rulesets/", meritRuleSetBody(5))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var created rules.RuleSet
	decodeJSON(t, rec, &created)
	if created.Version != 1 {
		t.Errorf("new rule set version = %d, want 1", created.Version)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/v1/tenants/acme/rulesets/"+created.ID+"/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d: %s", rec.Code, rec.Body.String())
	}

	replace := map[string]any{"rules": meritRuleSetBody(8)["rules"]}
	rec = doJSON(t, s, http.MethodPut, "/api/v1/tenants/acme/rulesets/"+created.ID+"/rules", replace)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace returned %d: %s", rec.Code, rec.Body.String())
	}
	var replaced rules.RuleSet
	decodeJSON(t, rec, &replaced)
	if replaced.Version != 2 {
		t.Errorf("version after replace = %d, want 2", replaced.Version)
	}

	rec = doJSON(t, s, http.MethodPost, "/api/v1/tenants/acme/rulesets/"+created.ID+"/default", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("set default returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/api/v1/tenants/acme/rulesets/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateRuleSetRejectsUnknownOperator(t *testing.T) {
	s, _ := newTestServer()

	body := meritRuleSetBody(5)
	body["rules"].([]map[string]any)[0]["conditions"] = map[string]any{
		"field": "department", "operator": "LIKE", "value": "Eng%",
	}
	rec := doJSON(t, s, http.MethodPost, "/api/v1/tenants/acme/rulesets/", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("create with bad operator returned %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func TestTestRuleEndpoint(t *testing.T) {
	s, _ := newTestServer()

	body := map[string]any{
		"conditions": map[string]any{
			"field": "performance_rating", "operator": "EQ", "value": "exceeds",
		},
		"actions": []map[string]any{
			{"action_type": "SET_MERIT_PERCENT", "value": 6},
		},
		"employee": map[string]any{
			"employee_id":        "E1",
			"performance_rating": "exceeds",
			"current_annual":     100000,
		},
	}
	rec := doJSON(t, s, http.MethodPost, "/api/v1/rules/test", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("test rule returned %d: %s", rec.Code, rec.Body.String())
	}

	var result rules.TestRuleResult
	decodeJSON(t, rec, &result)
	if !result.Matched {
		t.Fatal("expected rule to match")
	}
	if got := result.Recommendation.RecommendedRaiseAmount; got == nil || !got.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("recommended raise amount = %v, want 6000", got)
	}
}

func TestScenarioCalculateFlow(t *testing.T) {
	s, snapshots := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/api/v1/tenants/acme/rulesets/", meritRuleSetBody(6))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rule set returned %d: %s", rec.Code, rec.Body.String())
	}
	var rs rules.RuleSet
	decodeJSON(t, rec, &rs)

	salary := decimal.NewFromInt(100000)
	err := snapshots.Import(context.Background(), []*scenario.EmployeeSnapshot{
		{TenantID: "acme", DatasetVersion: "2026-01", EmployeeID: "E1",
			CurrentAnnual: salary, PerformanceRating: "exceeds"},
		{TenantID: "acme", DatasetVersion: "2026-01", EmployeeID: "E2",
			CurrentAnnual: salary, PerformanceRating: "meets"},
	})
	if err != nil {
		t.Fatalf("import snapshots: %v", err)
	}

	rec = doJSON(t, s, http.MethodPost, "/api/v1/scenarios/", map[string]any{
		"tenant_id":       "acme",
		"name":            "baseline",
		"rule_set_id":     rs.ID,
		"dataset_version": "2026-01",
		"as_of_date":      "2026-03-01",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create scenario returned %d: %s", rec.Code, rec.Body.String())
	}
	var sc scenario.Scenario
	decodeJSON(t, rec, &sc)

	calcPath := fmt.Sprintf("/api/v1/scenarios/%s/calculate?tenant=acme", sc.ID)
	rec = doJSON(t, s, http.MethodPost, calcPath, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("calculate returned %d: %s", rec.Code, rec.Body.String())
	}
	var outcome scenario.Outcome
	decodeJSON(t, rec, &outcome)
	if outcome.Status != scenario.StatusCalculated {
		t.Fatalf("status = %s, want calculated", outcome.Status)
	}
	if outcome.Summary.EmployeesAffected != 1 {
		t.Errorf("employees affected = %d, want 1", outcome.Summary.EmployeesAffected)
	}
	if !outcome.Summary.TotalRecommendedIncrease.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("total increase = %s, want 6000", outcome.Summary.TotalRecommendedIncrease)
	}

	rec = doJSON(t, s, http.MethodGet, fmt.Sprintf("/api/v1/scenarios/%s/results?tenant=acme", sc.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("results returned %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Results []*scenario.Result `json:"results"`
		Count   int                `json:"count"`
	}
	decodeJSON(t, rec, &page)
	if page.Count != 2 {
		t.Fatalf("result count = %d, want 2", page.Count)
	}

	// A forced recalculation replaces results rather than appending.
	rec = doJSON(t, s, http.MethodPost, calcPath+"&force=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("forced recalculation returned %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, s, http.MethodGet, fmt.Sprintf("/api/v1/scenarios/%s/results?tenant=acme", sc.ID), nil)
	decodeJSON(t, rec, &page)
	if page.Count != 2 {
		t.Errorf("result count after recalculation = %d, want 2", page.Count)
	}
}

func TestCalculateEmptyDataset(t *testing.T) {
	s, _ := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/api/v1/tenants/acme/rulesets/", meritRuleSetBody(6))
	var rs rules.RuleSet
	decodeJSON(t, rec, &rs)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/scenarios/", map[string]any{
		"tenant_id":       "acme",
		"name":            "empty",
		"rule_set_id":     rs.ID,
		"dataset_version": "nothing-imported",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create scenario returned %d: %s", rec.Code, rec.Body.String())
	}
	var sc scenario.Scenario
	decodeJSON(t, rec, &sc)

	rec = doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/v1/scenarios/%s/calculate?tenant=acme", sc.ID), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("calculate on empty dataset returned %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func TestGetScenarioNotFound(t *testing.T) {
	s, _ := newTestServer()

	rec := doJSON(t, s, http.MethodGet, "/api/v1/scenarios/does-not-exist?tenant=acme", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown scenario returned %d, want 404", rec.Code)
	}
}
