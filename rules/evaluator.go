package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Evaluate reports whether facts satisfy the condition tree. It never
// returns an error: absent attributes and non-comparable values evaluate
// false, so one odd employee record can not break a run.
func Evaluate(node *ConditionNode, facts Facts) bool {
	matched, _ := evalNode(node, facts, false)
	return matched
}

// EvaluateTrace evaluates the tree and records every node visited. Children
// skipped by short-circuit do not appear in the trace.
func EvaluateTrace(node *ConditionNode, facts Facts) (bool, *ConditionTrace) {
	return evalNode(node, facts, true)
}

func evalNode(node *ConditionNode, facts Facts, withTrace bool) (bool, *ConditionTrace) {
	if node == nil {
		// Validation rejects rules without conditions; a nil tree reached
		// here is vacuously true.
		if withTrace {
			return true, &ConditionTrace{Matched: true, Reason: "no conditions"}
		}
		return true, nil
	}

	if node.IsGroup() {
		return evalGroup(node, facts, withTrace)
	}
	return evalLeaf(node, facts, withTrace)
}

func evalGroup(node *ConditionNode, facts Facts, withTrace bool) (bool, *ConditionTrace) {
	var tr *ConditionTrace
	if withTrace {
		tr = &ConditionTrace{Expression: string(node.Logic), Logic: node.Logic}
	}

	switch node.Logic {
	case LogicAnd:
		// AND over zero children is true.
		for _, child := range node.Children {
			matched, childTr := evalNode(child, facts, withTrace)
			if withTrace {
				tr.Children = append(tr.Children, childTr)
			}
			if !matched {
				return false, tr
			}
		}
		if withTrace {
			tr.Matched = true
		}
		return true, tr
	case LogicOr:
		// OR over zero children is false.
		for _, child := range node.Children {
			matched, childTr := evalNode(child, facts, withTrace)
			if withTrace {
				tr.Children = append(tr.Children, childTr)
			}
			if matched {
				if withTrace {
					tr.Matched = true
				}
				return true, tr
			}
		}
		return false, tr
	default:
		if withTrace {
			tr.Reason = fmt.Sprintf("unknown group logic %q", node.Logic)
		}
		return false, tr
	}
}

func evalLeaf(node *ConditionNode, facts Facts, withTrace bool) (bool, *ConditionTrace) {
	var tr *ConditionTrace
	if withTrace {
		tr = &ConditionTrace{Expression: node.String()}
	}

	val, present := lookupFact(facts, node.Field)

	var matched bool
	var reason string
	switch node.Operator {
	case OpIsNull:
		matched = !present
	case OpIsNotNull:
		matched = present
	default:
		if !present {
			// Absent attributes fail every comparison except the null
			// checks above.
			reason = "attribute absent"
		} else {
			matched, reason = compareLeaf(val, node.Operator, node.Value)
		}
	}

	if withTrace {
		tr.Matched = matched
		tr.Reason = reason
	}
	return matched, tr
}

func compareLeaf(factVal any, op Operator, condVal any) (bool, string) {
	switch op {
	case OpEQ:
		eq, ok := looseEqual(factVal, condVal)
		if !ok {
			return false, "not comparable"
		}
		return eq, ""
	case OpNEQ:
		eq, ok := looseEqual(factVal, condVal)
		if !ok {
			return false, "not comparable"
		}
		return !eq, ""
	case OpGT, OpGTE, OpLT, OpLTE:
		cmp, ok := compareOrdered(factVal, condVal)
		if !ok {
			return false, "not orderable"
		}
		switch op {
		case OpGT:
			return cmp > 0, ""
		case OpGTE:
			return cmp >= 0, ""
		case OpLT:
			return cmp < 0, ""
		default:
			return cmp <= 0, ""
		}
	case OpIn:
		return containsEqual(asList(condVal), factVal), ""
	case OpNotIn:
		return !containsEqual(asList(condVal), factVal), ""
	case OpBetween:
		list := asList(condVal)
		if len(list) != 2 {
			return false, "malformed range"
		}
		lo, okLo := compareOrdered(factVal, list[0])
		hi, okHi := compareOrdered(factVal, list[1])
		if !okLo || !okHi {
			return false, "not orderable"
		}
		// Inclusive on both ends.
		return lo >= 0 && hi <= 0, ""
	case OpContains:
		return evalContains(factVal, condVal)
	default:
		return false, fmt.Sprintf("unknown operator %q", op)
	}
}

func evalContains(factVal, condVal any) (bool, string) {
	switch fv := factVal.(type) {
	case string:
		needle, ok := toString(condVal)
		if !ok {
			return false, "not comparable"
		}
		return strings.Contains(fv, needle), ""
	case []any:
		return containsEqual(fv, condVal), ""
	default:
		return false, "not a string or list"
	}
}

// containsEqual reports whether any list element equals v under the loose
// equality rules. Elements that can not be compared count as not equal.
func containsEqual(list []any, v any) bool {
	for _, e := range list {
		if eq, ok := looseEqual(v, e); ok && eq {
			return true
		}
	}
	return false
}

func asList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	if v == nil {
		return nil
	}
	// A scalar is a one-element set.
	return []any{v}
}

func lookupFact(facts Facts, field string) (any, bool) {
	v, ok := facts[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// looseEqual compares with the fact value's type as the authority: the
// condition value is coerced toward it. Returns comparable=false when no
// coercion exists.
func looseEqual(factVal, condVal any) (equal bool, comparable bool) {
	switch fv := factVal.(type) {
	case bool:
		cv, ok := toBool(condVal)
		if !ok {
			return false, false
		}
		return fv == cv, true
	case time.Time:
		cv, ok := toTime(condVal)
		if !ok {
			return false, false
		}
		return fv.Equal(cv), true
	case string:
		cv, ok := toString(condVal)
		if !ok {
			return false, false
		}
		return fv == cv, true
	default:
		if fd, ok := toDecimal(factVal); ok {
			cv, ok := toDecimal(condVal)
			if !ok {
				return false, false
			}
			return fd.Equal(cv), true
		}
		return false, false
	}
}

// compareOrdered returns -1, 0 or 1 for fact versus cond. Orderings exist
// for numbers and dates; string facts are tried as dates first, then as
// numbers. Plain text has no ordering.
func compareOrdered(factVal, condVal any) (int, bool) {
	if ft, ok := factVal.(time.Time); ok {
		ct, ok := toTime(condVal)
		if !ok {
			return 0, false
		}
		return compareTimes(ft, ct), true
	}
	if fs, ok := factVal.(string); ok {
		if ft, ok := toTime(fs); ok {
			if ct, ok := toTime(condVal); ok {
				return compareTimes(ft, ct), true
			}
			return 0, false
		}
	}
	fd, ok := toDecimal(factVal)
	if !ok {
		return 0, false
	}
	cd, ok := toDecimal(condVal)
	if !ok {
		return 0, false
	}
	return fd.Cmp(cd), true
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case *decimal.Decimal:
		if x == nil {
			return decimal.Decimal{}, false
		}
		return *x, true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case float64:
		return decimal.NewFromFloat(x), true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

var dateLayouts = []string{time.RFC3339, "2006-01-02"}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func toString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case decimal.Decimal:
		return x.String(), true
	default:
		return "", false
	}
}
