package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Condition tree limits. Trees beyond these are rejected at validation so a
// hand-edited document cannot blow up evaluation.
const (
	maxConditionDepth = 16
	maxConditionNodes = 200
)

// ConditionNode is either a group (Logic plus Children) or a leaf (Field,
// Operator and usually Value). Exactly one of the two arms may be populated.
// The zero node is invalid.
type ConditionNode struct {
	// Group arm.
	Logic    GroupLogic       `json:"logic,omitempty" yaml:"logic,omitempty"`
	Children []*ConditionNode `json:"children,omitempty" yaml:"children,omitempty"`

	// Leaf arm.
	Field    string   `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// IsGroup reports whether the node carries group logic. A node with both
// arms set is malformed and caught by Validate.
func (n *ConditionNode) IsGroup() bool {
	return n.Logic != "" || len(n.Children) > 0
}

// String renders the leaf comparison for traces, e.g.
// "performance_rating EQ exceeds". Groups render as their logic keyword.
func (n *ConditionNode) String() string {
	if n == nil {
		return ""
	}
	if n.IsGroup() {
		return string(n.Logic)
	}
	switch n.Operator {
	case OpIsNull, OpIsNotNull:
		return fmt.Sprintf("%s %s", n.Field, n.Operator)
	default:
		return fmt.Sprintf("%s %s %s", n.Field, n.Operator, renderValue(n.Value))
	}
}

func renderValue(v any) string {
	switch vv := v.(type) {
	case nil:
		return "null"
	case string:
		return vv
	case []any:
		parts := make([]string, len(vv))
		for i, e := range vv {
			parts[i] = renderValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", vv)
	}
}

// ParseConditions decodes a JSON condition document and validates its shape.
func ParseConditions(raw []byte) (*ConditionNode, error) {
	node, err := decodeConditions(raw)
	if err != nil {
		return nil, &ConfigError{Detail: fmt.Sprintf("invalid condition document: %v", err)}
	}
	if err := node.Validate(); err != nil {
		return nil, err
	}
	return node, nil
}

// decodeConditions decodes without validating. Numbers stay json.Number so
// decimal comparisons keep their precision.
func decodeConditions(raw []byte) (*ConditionNode, error) {
	var node ConditionNode
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&node); err != nil {
		return nil, err
	}
	return &node, nil
}

// Validate checks the whole tree: every node is exactly one of group or
// leaf, operators are known, BETWEEN carries a two-element range, IN and
// NOT_IN carry a list, and depth and node count stay within limits.
func (n *ConditionNode) Validate() error {
	if n == nil {
		return &ConfigError{Detail: "conditions are required"}
	}
	count := 0
	return n.validate(0, &count)
}

func (n *ConditionNode) validate(depth int, count *int) error {
	if depth > maxConditionDepth {
		return &ConfigError{Detail: fmt.Sprintf("condition tree deeper than %d levels", maxConditionDepth)}
	}
	*count++
	if *count > maxConditionNodes {
		return &ConfigError{Detail: fmt.Sprintf("condition tree larger than %d nodes", maxConditionNodes)}
	}

	group := n.Logic != "" || len(n.Children) > 0
	leaf := n.Field != "" || n.Operator != ""
	if group && leaf {
		return &ConfigError{Detail: "condition node mixes group and leaf fields"}
	}
	if !group && !leaf {
		return &ConfigError{Detail: "condition node is empty"}
	}

	if group {
		switch n.Logic {
		case LogicAnd, LogicOr:
		default:
			return &ConfigError{Detail: fmt.Sprintf("unknown group logic %q", n.Logic)}
		}
		for _, c := range n.Children {
			if c == nil {
				return &ConfigError{Detail: "condition group has a null child"}
			}
			if err := c.validate(depth+1, count); err != nil {
				return err
			}
		}
		return nil
	}

	if n.Field == "" {
		return &ConfigError{Detail: "condition leaf is missing a field"}
	}
	switch n.Operator {
	case OpEQ, OpNEQ, OpGT, OpGTE, OpLT, OpLTE, OpContains:
		if n.Value == nil {
			return &ConfigError{Detail: fmt.Sprintf("operator %s on %q needs a value", n.Operator, n.Field)}
		}
	case OpIn, OpNotIn:
		list, ok := n.Value.([]any)
		if !ok || len(list) == 0 {
			return &ConfigError{Detail: fmt.Sprintf("operator %s on %q needs a non-empty list value", n.Operator, n.Field)}
		}
	case OpBetween:
		list, ok := n.Value.([]any)
		if !ok || len(list) != 2 {
			return &ConfigError{Detail: fmt.Sprintf("operator BETWEEN on %q needs a [low, high] pair", n.Field)}
		}
	case OpIsNull, OpIsNotNull:
		if n.Value != nil {
			return &ConfigError{Detail: fmt.Sprintf("operator %s on %q takes no value", n.Operator, n.Field)}
		}
	case "":
		return &ConfigError{Detail: fmt.Sprintf("condition leaf on %q is missing an operator", n.Field)}
	default:
		return &ConfigError{Detail: fmt.Sprintf("unknown operator %q", n.Operator)}
	}
	return nil
}

// And builds an AND group. Test and authoring helper.
func And(children ...*ConditionNode) *ConditionNode {
	return &ConditionNode{Logic: LogicAnd, Children: children}
}

// Or builds an OR group.
func Or(children ...*ConditionNode) *ConditionNode {
	return &ConditionNode{Logic: LogicOr, Children: children}
}

// Leaf builds a leaf comparison.
func Leaf(field string, op Operator, value any) *ConditionNode {
	return &ConditionNode{Field: field, Operator: op, Value: value}
}
