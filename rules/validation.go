package rules

import (
	"fmt"
	"regexp"
)

// Validation limits for rule documents arriving from the admin API or rule
// files. The evaluation path assumes these hold.
const (
	MinPriority = 1
	MaxPriority = 1000

	maxNameLength     = 255
	maxRulesPerSet    = 500
	maxActionsPerRule = 20
	maxFormulaLength  = 1024
)

var fieldNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

var validRuleTypes = map[RuleType]bool{
	RuleTypeMerit:         true,
	RuleTypeBonus:         true,
	RuleTypePromotion:     true,
	RuleTypeMinimumSalary: true,
	RuleTypeCap:           true,
	RuleTypeEligibility:   true,
}

// ValidateRuleSet strictly validates a rule set for storage. The admin
// boundary rejects the whole document on the first problem; the tolerant
// per-rule path used during calculation is Compile.
func ValidateRuleSet(rs *RuleSet) error {
	if rs == nil {
		return &ConfigError{Detail: "rule set is required"}
	}
	if rs.Name == "" {
		return &ConfigError{Detail: "rule set name is required"}
	}
	if len(rs.Name) > maxNameLength {
		return &ConfigError{Detail: fmt.Sprintf("rule set name longer than %d characters", maxNameLength)}
	}
	if len(rs.Rules) > maxRulesPerSet {
		return &ConfigError{Detail: fmt.Sprintf("rule set has %d rules, maximum is %d", len(rs.Rules), maxRulesPerSet)}
	}
	for _, r := range rs.Rules {
		if err := ValidateRule(r); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRule checks one rule's structure: identity, priority range, rule
// type, condition tree shape and action operands.
func ValidateRule(r *Rule) error {
	if r == nil {
		return &ConfigError{Detail: "rule is required"}
	}
	if r.Name == "" {
		return configErrf(r.ID, "rule name is required")
	}
	if len(r.Name) > maxNameLength {
		return configErrf(r.ID, "rule name longer than %d characters", maxNameLength)
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return configErrf(r.ID, "priority %d outside %d..%d", r.Priority, MinPriority, MaxPriority)
	}
	if !validRuleTypes[r.RuleType] {
		return configErrf(r.ID, "unknown rule type %q", r.RuleType)
	}
	if r.Conditions == nil {
		return configErrf(r.ID, "conditions are required")
	}
	if err := r.Conditions.Validate(); err != nil {
		return asRuleError(r.ID, err)
	}
	if len(r.Actions) == 0 {
		return configErrf(r.ID, "at least one action is required")
	}
	if len(r.Actions) > maxActionsPerRule {
		return configErrf(r.ID, "rule has %d actions, maximum is %d", len(r.Actions), maxActionsPerRule)
	}
	for i, act := range r.Actions {
		if err := validateAction(r.ID, i, act); err != nil {
			return err
		}
	}
	if r.EffectiveDate != nil && r.ExpiryDate != nil && r.ExpiryDate.Before(*r.EffectiveDate) {
		return configErrf(r.ID, "expiry_date precedes effective_date")
	}
	return nil
}

func validateAction(ruleID string, index int, act Action) error {
	sources := 0
	if act.Value != nil {
		sources++
	}
	if act.ValueField != "" {
		sources++
	}
	if act.ValueFormula != "" {
		sources++
	}

	switch act.Type {
	case ActionSetMeritPercent, ActionSetMeritAmount,
		ActionSetBonusPercent, ActionSetBonusAmount,
		ActionSetMinimumSalary:
		if sources != 1 {
			return configErrf(ruleID, "action %d (%s) needs exactly one of value, value_field or value_formula", index, act.Type)
		}
	case ActionCapBonus:
		if act.ValueField != "" || act.ValueFormula != "" {
			return configErrf(ruleID, "action %d (CAP_BONUS) takes only value or min_value/max_value", index)
		}
		if act.Value == nil && act.MinValue == nil && act.MaxValue == nil {
			return configErrf(ruleID, "action %d (CAP_BONUS) needs min_value/max_value or value", index)
		}
		if act.MinValue != nil && act.MaxValue != nil && act.MaxValue.LessThan(*act.MinValue) {
			return configErrf(ruleID, "action %d (CAP_BONUS) max_value below min_value", index)
		}
	case ActionCapToBandMax, ActionSetPromotionFlag,
		ActionFlagForReview, ActionRequireJustification, ActionExclude:
		if sources != 0 {
			return configErrf(ruleID, "action %d (%s) takes no value", index, act.Type)
		}
	default:
		return configErrf(ruleID, "unknown action type %q", act.Type)
	}

	if act.ValueField != "" && !fieldNameRe.MatchString(act.ValueField) {
		return configErrf(ruleID, "action %d value_field %q is not a valid field name", index, act.ValueField)
	}
	if len(act.ValueFormula) > maxFormulaLength {
		return configErrf(ruleID, "action %d formula longer than %d characters", index, maxFormulaLength)
	}
	return nil
}
