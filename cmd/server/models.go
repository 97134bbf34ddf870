package main

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opencomp/compengine/rules"
	"github.com/opencomp/compengine/scenario"
)

// API request and response models with Swagger annotations.

// CreateRuleSetRequest is the request body for creating a rule set.
type CreateRuleSetRequest struct {
	Name        string        `json:"name" example:"FY26 Merit Cycle" binding:"required"`
	Description string        `json:"description,omitempty" example:"Annual merit and bonus rules"`
	Active      *bool         `json:"active,omitempty" example:"true"`
	Default     bool          `json:"is_default,omitempty" example:"false"`
	Rules       []*rules.Rule `json:"rules"`
} // @name CreateRuleSetRequest

// ReplaceRulesRequest is the request body for replacing a rule set's rules.
// The replacement bumps the rule set version.
type ReplaceRulesRequest struct {
	Rules []*rules.Rule `json:"rules" binding:"required"`
} // @name ReplaceRulesRequest

// TestRuleRequest is the request body for the single-rule dry run.
type TestRuleRequest struct {
	Conditions json.RawMessage `json:"conditions" binding:"required"`
	Actions    []rules.Action  `json:"actions" binding:"required"`
	Employee   map[string]any  `json:"employee" binding:"required"`
} // @name TestRuleRequest

// CreateScenarioRequest is the request body for creating a scenario.
type CreateScenarioRequest struct {
	TenantID       string `json:"tenant_id" example:"acme" binding:"required"`
	Name           string `json:"name" example:"Baseline 4% budget" binding:"required"`
	Description    string `json:"description,omitempty"`
	RuleSetID      string `json:"rule_set_id" example:"123e4567-e89b-12d3-a456-426614174000" binding:"required"`
	DatasetVersion string `json:"dataset_version" example:"2026-01" binding:"required"`
	AsOfDate       string `json:"as_of_date,omitempty" example:"2026-03-01"`
} // @name CreateScenarioRequest

// ScenarioResponse is a scenario in API responses.
type ScenarioResponse struct {
	ID             string            `json:"id" example:"123e4567-e89b-12d3-a456-426614174000"`
	TenantID       string            `json:"tenant_id" example:"acme"`
	Name           string            `json:"name" example:"Baseline 4% budget"`
	RuleSetID      string            `json:"rule_set_id"`
	RuleSetVersion int               `json:"rule_set_version" example:"3"`
	DatasetVersion string            `json:"dataset_version" example:"2026-01"`
	Status         scenario.Status   `json:"status" example:"calculated"`
	Summary        *scenario.Summary `json:"summary,omitempty"`
	CalculatedAt   *time.Time        `json:"calculated_at,omitempty" example:"2026-03-01T10:30:00Z"`
} // @name ScenarioResponse

// CalculateResponse is the calculation outcome in API responses.
type CalculateResponse struct {
	Status                   scenario.Status `json:"status" example:"calculated"`
	EmployeesAffected        int             `json:"employees_affected" example:"412"`
	TotalRecommendedIncrease decimal.Decimal `json:"total_recommended_increase" example:"1250000.00"`
	OverallIncreasePercent   decimal.Decimal `json:"overall_increase_percent" example:"3.85"`
	ErrorCount               int             `json:"error_count" example:"0"`
} // @name CalculateResponse

// ResultsListResponse is a page of per-employee scenario results.
type ResultsListResponse struct {
	Results []*scenario.Result `json:"results"`
	Offset  int                `json:"offset" example:"0"`
	Count   int                `json:"count" example:"100"`
} // @name ResultsListResponse

// ErrorResponse is an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error" example:"invalid rule set"`
	Details string `json:"details,omitempty" example:"rule abc: unknown operator \"LIKE\""`
} // @name ErrorResponse

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
} // @name HealthResponse
