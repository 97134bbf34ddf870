package rules

// TestRuleResult is the outcome of a single-rule dry run: the condition
// trace, the actions that fired, and both the raw accumulator and its
// finalized recommendation.
type TestRuleResult struct {
	Matched             bool            `json:"matched"`
	ConditionsEvaluated *ConditionTrace `json:"conditions_evaluated"`
	ActionsApplied      []ActionTrace   `json:"actions_applied,omitempty"`
	Result              *Accumulator    `json:"result"`
	Recommendation      *Recommendation `json:"recommendation"`
}

// TestRule dry-runs one rule against a sample employee, reusing the
// condition evaluator and action applier directly with no scenario state.
// Malformed conditions or actions come back as a ConfigError so authoring
// tools can show the problem instead of a half-applied result.
func TestRule(conditions *ConditionNode, actions []Action, sample Facts) (*TestRuleResult, error) {
	rule := &Rule{
		ID:         "test-rule",
		Name:       "test-rule",
		RuleType:   RuleTypeEligibility,
		Priority:   MinPriority,
		Active:     true,
		Conditions: conditions,
		Actions:    actions,
	}
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}

	compiled, err := Compile(&RuleSet{
		ID:      "test-rule-set",
		Name:    "test-rule-set",
		Version: 1,
		Active:  true,
		Rules:   []*Rule{rule},
	})
	if err != nil {
		return nil, err
	}
	if ce, ok := compiled.RuleErrors[rule.ID]; ok {
		return nil, ce
	}

	matched, condTrace := EvaluateTrace(conditions, sample)
	acc := NewAccumulator(sample)
	out := &TestRuleResult{Matched: matched, ConditionsEvaluated: condTrace}
	if matched {
		applied, err := NewApplier(compiled).ApplyRule(rule, acc, sample)
		if err != nil {
			return nil, err
		}
		out.ActionsApplied = applied
	}
	out.Result = acc
	rec := acc.Finalize(sample)
	out.Recommendation = &rec
	return out, nil
}
