package rules

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"github.com/shopspring/decimal"
)

// formulaCostLimit bounds CEL evaluation so a pathological formula can not
// stall a calculation.
const formulaCostLimit = 1_000_000

// CompiledRuleSet is a consistent snapshot of one rule set version with its
// action formulas compiled up front. A calculation pins one compiled
// snapshot for its whole run, so concurrent rule edits never mix versions
// within a run.
type CompiledRuleSet struct {
	Set *RuleSet

	// RuleErrors records per-rule validation and compile failures. Rules
	// listed here still show up in employee traces, marked errored and
	// never applied, so one bad rule cannot abort a calculation.
	RuleErrors map[string]*ConfigError

	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newFormulaEnv() (*cel.Env, error) {
	// Formulas see the employee snapshot as a single dynamic map, e.g.
	// employee.band_midpoint * 0.05.
	return cel.NewEnv(
		cel.Variable("employee", cel.DynType),
	)
}

// Compile validates every rule and compiles its action formulas. Per-rule
// problems land in RuleErrors instead of failing the set; only a rule set
// that cannot be snapshotted at all is a hard error.
func Compile(rs *RuleSet) (*CompiledRuleSet, error) {
	if rs == nil {
		return nil, fmt.Errorf("compile: nil rule set")
	}
	env, err := newFormulaEnv()
	if err != nil {
		return nil, fmt.Errorf("compile: create formula environment: %w", err)
	}
	cs := &CompiledRuleSet{
		Set:        rs,
		RuleErrors: make(map[string]*ConfigError),
		env:        env,
		programs:   make(map[string]cel.Program),
	}
	for _, r := range rs.Rules {
		if err := ValidateRule(r); err != nil {
			cs.RuleErrors[r.ID] = asRuleError(r.ID, err)
			continue
		}
		for i, act := range r.Actions {
			if act.ValueFormula == "" {
				continue
			}
			if err := cs.compileFormula(r.ID, i, act.ValueFormula); err != nil {
				cs.RuleErrors[r.ID] = asRuleError(r.ID, err)
				break
			}
		}
	}
	return cs, nil
}

func asRuleError(ruleID string, err error) *ConfigError {
	if ce, ok := AsConfigError(err); ok {
		if ce.RuleID == "" {
			ce.RuleID = ruleID
		}
		return ce
	}
	return configErrf(ruleID, "%v", err)
}

// Version reports the pinned rule set version.
func (cs *CompiledRuleSet) Version() int {
	return cs.Set.Version
}

func formulaKey(ruleID string, actionIndex int) string {
	return fmt.Sprintf("%s#%d", ruleID, actionIndex)
}

func (cs *CompiledRuleSet) compileFormula(ruleID string, actionIndex int, src string) error {
	ast, issues := cs.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return configErrf(ruleID, "formula does not compile: %v", issues.Err())
	}
	prg, err := cs.env.Program(ast, cel.CostLimit(formulaCostLimit))
	if err != nil {
		return configErrf(ruleID, "formula program: %v", err)
	}
	cs.mu.Lock()
	cs.programs[formulaKey(ruleID, actionIndex)] = prg
	cs.mu.Unlock()
	return nil
}

// FormulaValue evaluates one action's compiled formula against the employee
// facts and coerces the result to a decimal. Formula arithmetic runs in CEL
// native types; results are converted once here and rounded at
// finalization like every other operand.
func (cs *CompiledRuleSet) FormulaValue(ruleID string, actionIndex int, facts Facts) (decimal.Decimal, error) {
	cs.mu.RLock()
	prg, ok := cs.programs[formulaKey(ruleID, actionIndex)]
	cs.mu.RUnlock()
	if !ok {
		return decimal.Decimal{}, configErrf(ruleID, "no compiled formula for action %d", actionIndex)
	}
	out, _, err := prg.Eval(map[string]any{"employee": formulaInput(facts)})
	if err != nil {
		return decimal.Decimal{}, configErrf(ruleID, "formula evaluation: %v", err)
	}
	return formulaResult(ruleID, out)
}

// formulaInput converts facts to the plain Go types the CEL runtime
// adapts natively. Decimals become float64 for formula arithmetic.
func formulaInput(facts Facts) map[string]any {
	out := make(map[string]any, len(facts))
	for k, v := range facts {
		out[k] = formulaValue(v)
	}
	return out
}

func formulaValue(v any) any {
	switch x := v.(type) {
	case decimal.Decimal:
		f, _ := x.Float64()
		return f
	case *decimal.Decimal:
		if x == nil {
			return nil
		}
		f, _ := x.Float64()
		return f
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		converted := make([]any, len(x))
		for i, e := range x {
			converted[i] = formulaValue(e)
		}
		return converted
	case map[string]any:
		converted := make(map[string]any, len(x))
		for k, e := range x {
			converted[k] = formulaValue(e)
		}
		return converted
	default:
		return v
	}
}

func formulaResult(ruleID string, out ref.Val) (decimal.Decimal, error) {
	switch v := out.Value().(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint64:
		return decimal.NewFromUint64(v), nil
	default:
		return decimal.Decimal{}, configErrf(ruleID, "formula result %T is not numeric", v)
	}
}
