package scenario

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/opencomp/compengine/rules"
)

// Status is a scenario's position in its calculation lifecycle.
type Status string

const (
	// StatusDraft is the initial state, and the state a failed calculation
	// falls back to.
	StatusDraft Status = "draft"
	// StatusCalculating marks an exclusive calculation lease on the
	// scenario.
	StatusCalculating Status = "calculating"
	// StatusCalculated means results and aggregates are stored.
	StatusCalculated Status = "calculated"
	// StatusSelected marks the scenario chosen for the cycle; its results
	// are final.
	StatusSelected Status = "selected"
	// StatusArchived retires the scenario.
	StatusArchived Status = "archived"
)

// validTransitions is the scenario lifecycle. Calculating is only ever
// entered through the store's lease operation, and a failed run falls back
// to draft so a half-calculated state is never visible.
var validTransitions = map[Status][]Status{
	StatusDraft:       {StatusCalculating, StatusArchived},
	StatusCalculating: {StatusCalculated, StatusDraft},
	StatusCalculated:  {StatusCalculating, StatusSelected, StatusArchived},
	StatusSelected:    {StatusArchived},
	StatusArchived:    {},
}

// CanTransitionTo reports whether the lifecycle allows moving to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Scenario is one what-if compensation model run against a dataset version
// with a pinned rule set. AsOfDate fixes rule date-window eligibility so a
// recalculation months later selects the same rules.
type Scenario struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	RuleSetID string `json:"rule_set_id"`
	// RuleSetVersion is the rule set version the stored results were
	// calculated from. Zero until the first successful calculation.
	RuleSetVersion int       `json:"rule_set_version"`
	DatasetVersion string    `json:"dataset_version"`
	AsOfDate       time.Time `json:"as_of_date"`

	Status Status `json:"status"`
	// Summary holds the cycle-level aggregates once calculated.
	Summary *Summary `json:"summary,omitempty"`
	// ErrorMessage carries the reason the last calculation failed.
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CalculatedAt *time.Time `json:"calculated_at,omitempty"`
}

// Summary aggregates one calculation run across the whole dataset.
type Summary struct {
	EmployeeCount     int `json:"employee_count"`
	EmployeesAffected int `json:"employees_affected"`
	NeedsReviewCount  int `json:"needs_review_count"`
	PromotedCount     int `json:"promoted_count"`
	ExcludedCount     int `json:"excluded_count"`
	ErrorCount        int `json:"error_count"`

	// TotalCurrentPayroll includes every employee in the dataset, excluded
	// ones too. TotalRecommendedIncrease counts only non-excluded employees.
	TotalCurrentPayroll      decimal.Decimal `json:"total_current_payroll"`
	TotalRecommendedIncrease decimal.Decimal `json:"total_recommended_increase"`
	OverallIncreasePercent   decimal.Decimal `json:"overall_increase_percent"`
}

// Result is one employee's outcome in one calculated scenario. Rows are
// replaced wholesale on recalculation, never patched, and their IDs are
// derived from (scenario, employee) so a rerun writes identical rows.
type Result struct {
	ID         string `json:"id"`
	ScenarioID string `json:"scenario_id"`
	EmployeeID string `json:"employee_id"`

	Recommendation rules.Recommendation `json:"recommendation"`
	Trace          *rules.EmployeeTrace `json:"trace,omitempty"`

	// ErrorCount is the number of rules that failed with a configuration
	// error while evaluating this employee.
	ErrorCount int `json:"error_count"`

	CalculatedAt time.Time `json:"calculated_at"`
}

// Outcome is what a calculation request returns: the scenario's resulting
// status and, when calculated, its aggregates.
type Outcome struct {
	Status  Status   `json:"status"`
	Summary *Summary `json:"summary,omitempty"`
}
