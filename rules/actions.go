package rules

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Accumulator is the transient per-employee state folded by matching rules'
// actions. Created empty per employee, mutated action by action, and
// finalized into a Recommendation once rule application ends.
type Accumulator struct {
	CurrentSalary decimal.Decimal `json:"current_salary"`
	// NewSalary tracks the running salary after merit, floor and cap
	// actions. It starts equal to CurrentSalary.
	NewSalary decimal.Decimal `json:"new_salary"`

	RaisePercent *decimal.Decimal `json:"raise_percent,omitempty"`
	RaiseAmount  *decimal.Decimal `json:"raise_amount,omitempty"`
	BonusPercent *decimal.Decimal `json:"bonus_percent,omitempty"`
	BonusAmount  *decimal.Decimal `json:"bonus_amount,omitempty"`

	PromotionFlag         bool `json:"promotion_flag"`
	NeedsReviewFlag       bool `json:"needs_review_flag"`
	RequiresJustification bool `json:"requires_justification"`
	ExcludedFlag          bool `json:"excluded_flag"`

	AppliedRuleIDs []string `json:"applied_rule_ids"`
	Notes          []string `json:"notes,omitempty"`

	// salaryAdjusted marks that a floor or cap moved NewSalary away from
	// the pure merit derivation, so finalization must report a raise even
	// when no merit field is set.
	salaryAdjusted bool
}

// NewAccumulator seeds the accumulator from the employee's current salary.
func NewAccumulator(facts Facts) *Accumulator {
	current := decimal.Zero
	if d, ok := factDecimal(facts, "current_annual"); ok {
		current = d
	}
	return &Accumulator{CurrentSalary: current, NewSalary: current}
}

// Clone deep-copies the accumulator so a rule's actions can be rolled back
// when one of them turns out to be misconfigured.
func (a *Accumulator) Clone() *Accumulator {
	out := *a
	out.RaisePercent = clonedec(a.RaisePercent)
	out.RaiseAmount = clonedec(a.RaiseAmount)
	out.BonusPercent = clonedec(a.BonusPercent)
	out.BonusAmount = clonedec(a.BonusAmount)
	out.AppliedRuleIDs = append([]string(nil), a.AppliedRuleIDs...)
	out.Notes = append([]string(nil), a.Notes...)
	return &out
}

func clonedec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// recalcSalary rederives NewSalary from the merit fields. Amount is
// authoritative when both are set. Any earlier floor or cap adjustment is
// superseded; later floor and cap actions reapply on the new value.
func (a *Accumulator) recalcSalary() {
	switch {
	case a.RaiseAmount != nil:
		a.NewSalary = a.CurrentSalary.Add(*a.RaiseAmount)
	case a.RaisePercent != nil:
		a.NewSalary = a.CurrentSalary.Add(a.CurrentSalary.Mul(*a.RaisePercent).Div(hundred))
	default:
		a.NewSalary = a.CurrentSalary
	}
	a.salaryAdjusted = false
}

// Applier folds actions into accumulators. The compiled rule set supplies
// evaluated formula operands; a nil compiled set is fine for rule sets that
// use only literal and field values.
type Applier struct {
	compiled *CompiledRuleSet
}

// NewApplier returns an applier backed by compiled for formula operands.
func NewApplier(compiled *CompiledRuleSet) *Applier {
	return &Applier{compiled: compiled}
}

// ApplyRule folds every action of rule into acc in order. On a
// configuration error acc is left untouched and the rule counts as
// non-matching for this employee.
func (ap *Applier) ApplyRule(rule *Rule, acc *Accumulator, facts Facts) ([]ActionTrace, error) {
	scratch := acc.Clone()
	traces := make([]ActionTrace, 0, len(rule.Actions))
	for i := range rule.Actions {
		tr, err := ap.Apply(rule, i, scratch, facts)
		if err != nil {
			return nil, err
		}
		traces = append(traces, tr)
	}
	scratch.AppliedRuleIDs = append(scratch.AppliedRuleIDs, rule.ID)
	*acc = *scratch
	return traces, nil
}

// Apply performs one action of rule against acc and records the touched
// field's before and after values. Unknown action types are configuration
// errors, never silently ignored.
func (ap *Applier) Apply(rule *Rule, actionIndex int, acc *Accumulator, facts Facts) (ActionTrace, error) {
	act := rule.Actions[actionIndex]
	tr := ActionTrace{RuleID: rule.ID, ActionType: act.Type, Notes: act.Notes}

	switch act.Type {
	case ActionSetMeritPercent:
		op, err := ap.operand(rule, actionIndex, facts)
		if err != nil {
			return tr, err
		}
		tr.Field = "raise_percent"
		tr.Before = renderDecPtr(acc.RaisePercent)
		acc.RaisePercent = &op
		acc.recalcSalary()
		tr.After = op.String()
	case ActionSetMeritAmount:
		op, err := ap.operand(rule, actionIndex, facts)
		if err != nil {
			return tr, err
		}
		tr.Field = "raise_amount"
		tr.Before = renderDecPtr(acc.RaiseAmount)
		acc.RaiseAmount = &op
		acc.recalcSalary()
		tr.After = op.String()
	case ActionSetBonusPercent:
		op, err := ap.operand(rule, actionIndex, facts)
		if err != nil {
			return tr, err
		}
		tr.Field = "bonus_percent"
		tr.Before = renderDecPtr(acc.BonusPercent)
		acc.BonusPercent = &op
		tr.After = op.String()
	case ActionSetBonusAmount:
		op, err := ap.operand(rule, actionIndex, facts)
		if err != nil {
			return tr, err
		}
		tr.Field = "bonus_amount"
		tr.Before = renderDecPtr(acc.BonusAmount)
		acc.BonusAmount = &op
		tr.After = op.String()
	case ActionSetMinimumSalary:
		op, err := ap.operand(rule, actionIndex, facts)
		if err != nil {
			return tr, err
		}
		tr.Field = "new_salary"
		tr.Before = acc.NewSalary.String()
		// Raises only, never lowers.
		if acc.NewSalary.LessThan(op) {
			acc.NewSalary = op
			acc.salaryAdjusted = true
		}
		tr.After = acc.NewSalary.String()
	case ActionCapToBandMax:
		tr.Field = "new_salary"
		tr.Before = acc.NewSalary.String()
		bandMax, ok := factDecimal(facts, "band_maximum")
		if !ok {
			// No band maximum on record means nothing to cap against.
			tr.After = tr.Before
			if tr.Notes == "" {
				tr.Notes = "band maximum unset"
			}
			break
		}
		if acc.NewSalary.GreaterThan(bandMax) {
			acc.NewSalary = bandMax
			acc.salaryAdjusted = true
		}
		tr.After = acc.NewSalary.String()
	case ActionCapBonus:
		if err := ap.capBonus(rule, actionIndex, acc, &tr); err != nil {
			return tr, err
		}
	case ActionSetPromotionFlag:
		tr.Field = "promotion_flag"
		tr.Before = renderBool(acc.PromotionFlag)
		acc.PromotionFlag = true
		tr.After = renderBool(true)
	case ActionFlagForReview:
		tr.Field = "needs_review_flag"
		tr.Before = renderBool(acc.NeedsReviewFlag)
		acc.NeedsReviewFlag = true
		tr.After = renderBool(true)
	case ActionRequireJustification:
		tr.Field = "requires_justification"
		tr.Before = renderBool(acc.RequiresJustification)
		acc.RequiresJustification = true
		tr.After = renderBool(true)
	case ActionExclude:
		tr.Field = "excluded_flag"
		tr.Before = renderBool(acc.ExcludedFlag)
		acc.ExcludedFlag = true
		tr.After = renderBool(true)
	default:
		return tr, configErrf(rule.ID, "unknown action type %q", act.Type)
	}

	if act.Notes != "" {
		acc.Notes = append(acc.Notes, act.Notes)
	}
	return tr, nil
}

// capBonus clamps whichever bonus fields are set. An explicit range wins
// over a bare value, which acts as an upper bound only.
func (ap *Applier) capBonus(rule *Rule, actionIndex int, acc *Accumulator, tr *ActionTrace) error {
	act := rule.Actions[actionIndex]
	min, max := act.MinValue, act.MaxValue
	if min == nil && max == nil {
		if act.Value == nil {
			return configErrf(rule.ID, "CAP_BONUS needs min_value/max_value or value")
		}
		max = act.Value
	}

	switch {
	case acc.BonusAmount != nil:
		tr.Field = "bonus_amount"
		tr.Before = acc.BonusAmount.String()
		clamped := clamp(*acc.BonusAmount, min, max)
		acc.BonusAmount = &clamped
		tr.After = clamped.String()
	case acc.BonusPercent != nil:
		tr.Field = "bonus_percent"
		tr.Before = acc.BonusPercent.String()
		clamped := clamp(*acc.BonusPercent, min, max)
		acc.BonusPercent = &clamped
		tr.After = clamped.String()
	default:
		tr.Field = "bonus_amount"
		tr.Before = "null"
		tr.After = "null"
		if tr.Notes == "" {
			tr.Notes = "no bonus to cap"
		}
	}
	return nil
}

func clamp(v decimal.Decimal, min, max *decimal.Decimal) decimal.Decimal {
	if min != nil && v.LessThan(*min) {
		return *min
	}
	if max != nil && v.GreaterThan(*max) {
		return *max
	}
	return v
}

// operand resolves the action's numeric value: a compiled formula first,
// then a snapshot field, then the literal.
func (ap *Applier) operand(rule *Rule, actionIndex int, facts Facts) (decimal.Decimal, error) {
	act := rule.Actions[actionIndex]
	switch {
	case act.ValueFormula != "":
		if ap.compiled == nil {
			return decimal.Decimal{}, configErrf(rule.ID, "value_formula set but rule set is not compiled")
		}
		return ap.compiled.FormulaValue(rule.ID, actionIndex, facts)
	case act.ValueField != "":
		v, ok := lookupFact(facts, act.ValueField)
		if !ok {
			return decimal.Decimal{}, configErrf(rule.ID, "value_field %q absent on employee", act.ValueField)
		}
		d, ok := toDecimal(v)
		if !ok {
			return decimal.Decimal{}, configErrf(rule.ID, "value_field %q is not numeric", act.ValueField)
		}
		return d, nil
	case act.Value != nil:
		return *act.Value, nil
	default:
		return decimal.Decimal{}, configErrf(rule.ID, "action %s needs value, value_field or value_formula", act.Type)
	}
}

// Recommendation is the persisted shape of a finalized accumulator. Money
// fields are rounded to cents, percents to two places and the compa-ratio
// to four; nil means the engine recommends no change for that field.
type Recommendation struct {
	RecommendedRaisePercent *decimal.Decimal `json:"recommended_raise_percent,omitempty"`
	RecommendedRaiseAmount  *decimal.Decimal `json:"recommended_raise_amount,omitempty"`
	RecommendedNewSalary    *decimal.Decimal `json:"recommended_new_salary,omitempty"`
	RecommendedBonusPercent *decimal.Decimal `json:"recommended_bonus_percent,omitempty"`
	RecommendedBonusAmount  *decimal.Decimal `json:"recommended_bonus_amount,omitempty"`
	ProposedCompaRatio      *decimal.Decimal `json:"proposed_compa_ratio,omitempty"`

	TotalIncreaseAmount  decimal.Decimal  `json:"total_increase_amount"`
	TotalIncreasePercent *decimal.Decimal `json:"total_increase_percent,omitempty"`

	PromotionFlag         bool `json:"promotion_flag"`
	NeedsReviewFlag       bool `json:"needs_review_flag"`
	RequiresJustification bool `json:"requires_justification"`
	ExcludedFlag          bool `json:"excluded_flag"`

	AppliedRuleIDs []string `json:"applied_rule_ids"`
	RuleNotes      []string `json:"rule_notes,omitempty"`
}

// HasChange reports whether the recommendation carries a non-zero monetary
// change. Flag-only results do not count as affected.
func (r *Recommendation) HasChange() bool {
	return !r.TotalIncreaseAmount.IsZero()
}

// Finalize converts the folded accumulator into the persisted
// recommendation. Excluded employees keep their flags and applied-rule
// provenance but recommend no monetary change.
func (a *Accumulator) Finalize(facts Facts) Recommendation {
	rec := Recommendation{
		PromotionFlag:         a.PromotionFlag,
		NeedsReviewFlag:       a.NeedsReviewFlag,
		RequiresJustification: a.RequiresJustification,
		ExcludedFlag:          a.ExcludedFlag,
		AppliedRuleIDs:        append([]string(nil), a.AppliedRuleIDs...),
		RuleNotes:             append([]string(nil), a.Notes...),
		TotalIncreaseAmount:   decimal.Zero,
	}
	if a.ExcludedFlag {
		return rec
	}

	current := a.CurrentSalary
	raiseAmount := decimal.Zero
	salaryTouched := a.RaisePercent != nil || a.RaiseAmount != nil || a.salaryAdjusted
	if salaryTouched {
		amt := money(a.NewSalary.Sub(current))
		newSalary := money(a.NewSalary)
		rec.RecommendedRaiseAmount = &amt
		rec.RecommendedNewSalary = &newSalary
		// Percent is recomputed from current salary so that amount and
		// percent always agree in the output.
		if current.IsPositive() {
			pct := percentOf(amt, current)
			rec.RecommendedRaisePercent = &pct
		} else if a.RaisePercent != nil {
			pct := round2(*a.RaisePercent)
			rec.RecommendedRaisePercent = &pct
		}
		raiseAmount = amt
	}

	bonusAmount := decimal.Zero
	switch {
	case a.BonusAmount != nil:
		amt := money(*a.BonusAmount)
		rec.RecommendedBonusAmount = &amt
		if current.IsPositive() {
			pct := percentOf(amt, current)
			rec.RecommendedBonusPercent = &pct
		} else if a.BonusPercent != nil {
			pct := round2(*a.BonusPercent)
			rec.RecommendedBonusPercent = &pct
		}
		bonusAmount = amt
	case a.BonusPercent != nil:
		pct := round2(*a.BonusPercent)
		rec.RecommendedBonusPercent = &pct
		amt := money(current.Mul(*a.BonusPercent).Div(hundred))
		rec.RecommendedBonusAmount = &amt
		bonusAmount = amt
	}

	if mid, ok := factDecimal(facts, "band_midpoint"); ok && mid.IsPositive() {
		proposed := current
		if salaryTouched {
			proposed = a.NewSalary
		}
		ratio := proposed.Div(mid).Round(4)
		rec.ProposedCompaRatio = &ratio
	}

	total := money(raiseAmount.Add(bonusAmount))
	rec.TotalIncreaseAmount = total
	if current.IsPositive() {
		pct := percentOf(total, current)
		rec.TotalIncreasePercent = &pct
	}
	return rec
}

func factDecimal(facts Facts, field string) (decimal.Decimal, bool) {
	v, ok := lookupFact(facts, field)
	if !ok {
		return decimal.Decimal{}, false
	}
	return toDecimal(v)
}

func money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	return part.Mul(hundred).Div(whole).Round(2)
}

func renderDecPtr(d *decimal.Decimal) string {
	if d == nil {
		return "null"
	}
	return d.String()
}

func renderBool(b bool) string {
	return fmt.Sprintf("%t", b)
}
