package rules

// ConditionTrace records the outcome of one condition node. Group nodes
// carry their logic and the children actually evaluated; short-circuited
// siblings are absent. Leaves carry the rendered comparison and, when the
// comparison could not be made, a reason.
type ConditionTrace struct {
	Expression string           `json:"expression,omitempty"`
	Logic      GroupLogic       `json:"logic,omitempty"`
	Matched    bool             `json:"matched"`
	Reason     string           `json:"reason,omitempty"`
	Children   []*ConditionTrace `json:"children,omitempty"`
}

// ActionTrace records one applied action: which accumulator field it
// touched and the value before and after, rendered as strings so the trace
// serializes stably.
type ActionTrace struct {
	RuleID     string     `json:"rule_id"`
	ActionType ActionType `json:"action_type"`
	Field      string     `json:"field"`
	Before     string     `json:"before"`
	After      string     `json:"after"`
	Notes      string     `json:"notes,omitempty"`
}

// RuleTrace records one rule's evaluation against one employee.
type RuleTrace struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Priority int    `json:"priority"`
	Matched  bool   `json:"matched"`
	// Error holds a configuration failure attributed to this rule. An
	// errored rule is treated as non-matching and its actions are not
	// applied.
	Error      string          `json:"error,omitempty"`
	Conditions *ConditionTrace `json:"conditions,omitempty"`
	Actions    []ActionTrace   `json:"actions,omitempty"`
}

// EmployeeTrace is the complete evaluation record for one employee: every
// rule evaluated in priority order, and the rule that terminated the run
// when an exclusion fired.
type EmployeeTrace struct {
	EmployeeID string       `json:"employee_id"`
	Rules      []*RuleTrace `json:"rules"`
	// TerminatedBy names the rule whose EXCLUDE action stopped further rule
	// application for this employee.
	TerminatedBy string `json:"terminated_by,omitempty"`
}

// AppliedRuleIDs lists the rules that matched cleanly, in application order.
func (t *EmployeeTrace) AppliedRuleIDs() []string {
	var ids []string
	for _, rt := range t.Rules {
		if rt.Matched && rt.Error == "" {
			ids = append(ids, rt.RuleID)
		}
	}
	return ids
}

// ErrorCount reports how many rule evaluations failed for this employee.
func (t *EmployeeTrace) ErrorCount() int {
	n := 0
	for _, rt := range t.Rules {
		if rt.Error != "" {
			n++
		}
	}
	return n
}
