package rules

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleType classifies what a rule adjusts. It is informational metadata for
// reporting; the actions carried by the rule decide what actually changes.
type RuleType string

const (
	RuleTypeMerit         RuleType = "merit"
	RuleTypeBonus         RuleType = "bonus"
	RuleTypePromotion     RuleType = "promotion"
	RuleTypeMinimumSalary RuleType = "minimum_salary"
	RuleTypeCap           RuleType = "cap"
	RuleTypeEligibility   RuleType = "eligibility"
)

// ActionType identifies the accumulator mutation an Action performs.
type ActionType string

const (
	ActionSetMeritPercent      ActionType = "SET_MERIT_PERCENT"
	ActionSetMeritAmount       ActionType = "SET_MERIT_AMOUNT"
	ActionSetBonusPercent      ActionType = "SET_BONUS_PERCENT"
	ActionSetBonusAmount       ActionType = "SET_BONUS_AMOUNT"
	ActionSetMinimumSalary     ActionType = "SET_MINIMUM_SALARY"
	ActionCapToBandMax         ActionType = "CAP_TO_BAND_MAX"
	ActionCapBonus             ActionType = "CAP_BONUS"
	ActionSetPromotionFlag     ActionType = "SET_PROMOTION_FLAG"
	ActionFlagForReview        ActionType = "FLAG_FOR_REVIEW"
	ActionRequireJustification ActionType = "REQUIRE_JUSTIFICATION"
	ActionExclude              ActionType = "EXCLUDE"
)

// Operator is a leaf condition comparison.
type Operator string

const (
	OpEQ        Operator = "EQ"
	OpNEQ       Operator = "NEQ"
	OpGT        Operator = "GT"
	OpGTE       Operator = "GTE"
	OpLT        Operator = "LT"
	OpLTE       Operator = "LTE"
	OpIn        Operator = "IN"
	OpNotIn     Operator = "NOT_IN"
	OpBetween   Operator = "BETWEEN"
	OpContains  Operator = "CONTAINS"
	OpIsNull    Operator = "IS_NULL"
	OpIsNotNull Operator = "IS_NOT_NULL"
)

// GroupLogic joins the children of a condition group.
type GroupLogic string

const (
	LogicAnd GroupLogic = "AND"
	LogicOr  GroupLogic = "OR"
)

// Action is one ordered step a matched rule applies to the employee's
// accumulator. Exactly one of Value, ValueField and ValueFormula supplies the
// operand for action types that take one; flag and exclusion actions take
// none.
type Action struct {
	Type ActionType `json:"action_type"`

	// Value is a literal numeric operand.
	Value *decimal.Decimal `json:"value,omitempty"`
	// ValueField names a snapshot field to read the operand from.
	ValueField string `json:"value_field,omitempty"`
	// ValueFormula is a CEL expression over the employee snapshot, compiled
	// once per rule set and evaluated per employee.
	ValueFormula string `json:"value_formula,omitempty"`

	// MinValue and MaxValue clamp the accumulated bonus for CAP_BONUS.
	MinValue *decimal.Decimal `json:"min_value,omitempty"`
	MaxValue *decimal.Decimal `json:"max_value,omitempty"`

	// ApplyTo is free-form routing metadata carried into the trace.
	ApplyTo string `json:"apply_to,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// Rule is one member of a RuleSet. Rules never change in place; editing
// rewrites the owning rule set and bumps its version.
type Rule struct {
	ID          string   `json:"id"`
	RuleSetID   string   `json:"rule_set_id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	RuleType    RuleType `json:"rule_type"`

	// Priority orders application, lowest first, range 1 to 1000. Ties keep
	// creation order.
	Priority int  `json:"priority"`
	Active   bool `json:"active"`

	Conditions *ConditionNode `json:"conditions"`
	Actions    []Action       `json:"actions"`

	// EffectiveDate and ExpiryDate bound eligibility, inclusive on both ends.
	// A nil bound is open.
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// RuleSet is the versioned unit of rule storage and evaluation. A calculation
// pins one (rule set, version) pair for its whole run.
type RuleSet struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     int    `json:"version"`
	Active      bool   `json:"active"`
	// Default marks the tenant's fallback rule set. At most one per tenant.
	Default bool `json:"is_default"`

	Rules []*Rule `json:"rules"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Facts is the flat view of one employee snapshot that conditions and
// formulas read. Values are decimal.Decimal for numbers, string, bool or
// time.Time; a missing key means the attribute is absent for this employee.
type Facts map[string]any

// Clone returns a shallow copy. Fact values are immutable types, so a
// shallow copy is safe to hand to concurrent evaluations.
func (f Facts) Clone() Facts {
	out := make(Facts, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// ActiveRuleCount reports how many rules are active, ignoring date windows.
func (rs *RuleSet) ActiveRuleCount() int {
	n := 0
	for _, r := range rs.Rules {
		if r.Active {
			n++
		}
	}
	return n
}
