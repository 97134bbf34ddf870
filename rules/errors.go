package rules

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a rule set does not exist for the
// tenant, or was deleted between lookup and use.
var ErrNotFound = errors.New("rule set not found")

// ConfigError reports a malformed rule definition: an unknown operator or
// action type, a condition tree that is neither a group nor a leaf, a formula
// that does not compile, or an action value that cannot be resolved to a
// number. It is attributed to a single rule so that one bad rule never aborts
// a whole calculation.
type ConfigError struct {
	RuleID string
	Detail string
}

func (e *ConfigError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("rule configuration error: %s", e.Detail)
	}
	return fmt.Sprintf("rule %s: %s", e.RuleID, e.Detail)
}

// configErrf builds a ConfigError attributed to ruleID.
func configErrf(ruleID, format string, args ...any) *ConfigError {
	return &ConfigError{RuleID: ruleID, Detail: fmt.Sprintf(format, args...)}
}

// AsConfigError unwraps err to a *ConfigError if it is one.
func AsConfigError(err error) (*ConfigError, bool) {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
