package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/opencomp/compengine/rules"
)

var hundred = decimal.NewFromInt(100)

// resultNamespace scopes deterministic result row IDs. A result's ID is a
// function of (scenario, employee) alone, so recalculation writes the same
// rows it replaces.
var resultNamespace = uuid.MustParse("6ba7c4d0-83f1-4d92-b9a1-55e20f3c7a18")

func resultID(scenarioID, employeeID string) string {
	return uuid.NewSHA1(resultNamespace, []byte(scenarioID+"/"+employeeID)).String()
}

// RuleSource supplies the calculator with an immutable compiled rule set and
// a way to check the stored version for drift. tenantengine.Manager
// implements it.
type RuleSource interface {
	// Snapshot returns the compiled rule set the calculation runs against.
	// The returned set must not change for the lifetime of the run.
	Snapshot(ctx context.Context, tenantID, ruleSetID string) (*rules.CompiledRuleSet, error)

	// StoredVersion returns the rule set's current persisted version,
	// bypassing any cache.
	StoredVersion(ctx context.Context, tenantID, ruleSetID string) (int, error)
}

// Calculator drives scenario calculations: it takes the scenario's
// calculation lease, evaluates every employee snapshot in the dataset
// against the compiled rule set with a bounded worker pool, stores one
// result row per employee and the cycle-level aggregates, and moves the
// scenario through its state machine.
type Calculator struct {
	scenarios ScenarioStore
	snapshots SnapshotStore
	results   ResultStore
	rules     RuleSource

	workers int
	log     *slog.Logger
}

// NewCalculator wires a calculator to its stores and rule source. Workers
// default to the machine's CPU count.
func NewCalculator(scenarios ScenarioStore, snapshots SnapshotStore, results ResultStore, ruleSource RuleSource) *Calculator {
	return &Calculator{
		scenarios: scenarios,
		snapshots: snapshots,
		results:   results,
		rules:     ruleSource,
		workers:   runtime.NumCPU(),
		log:       slog.Default(),
	}
}

// SetWorkers bounds the per-employee evaluation parallelism.
func (c *Calculator) SetWorkers(n int) {
	if n > 0 {
		c.workers = n
	}
}

// SetLogger replaces the calculator's logger.
func (c *Calculator) SetLogger(log *slog.Logger) {
	if log != nil {
		c.log = log
	}
}

// Calculate runs the scenario's calculation. With force false an already
// calculated scenario returns its stored summary without recomputation;
// force true discards the stored results and reruns from scratch. Selected
// and archived scenarios refuse calculation. A failed run releases the
// lease back to draft with the failure recorded on the scenario.
func (c *Calculator) Calculate(ctx context.Context, tenantID, scenarioID string, force bool) (*Outcome, error) {
	sc, err := c.scenarios.Get(ctx, tenantID, scenarioID)
	if err != nil {
		return nil, err
	}

	if sc.Status == StatusCalculated && !force {
		return &Outcome{Status: sc.Status, Summary: sc.Summary}, nil
	}
	if sc.Status == StatusSelected || sc.Status == StatusArchived {
		return nil, fmt.Errorf("scenario %s is %s: %w", scenarioID, sc.Status, ErrInvalidState)
	}

	// Scenario-level preconditions abort before any state changes.
	count, err := c.snapshots.CountByDataset(ctx, tenantID, sc.DatasetVersion)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("dataset %s: %w", sc.DatasetVersion, ErrEmptyDataset)
	}

	sc, err = c.scenarios.TryMarkCalculating(ctx, tenantID, scenarioID)
	if err != nil {
		return nil, err
	}

	outcome, err := c.run(ctx, sc)
	if err != nil {
		if failErr := c.scenarios.FailCalculation(ctx, tenantID, scenarioID, err.Error()); failErr != nil {
			c.log.Error("failed to release calculation lease",
				slog.String("scenario_id", scenarioID),
				slog.String("error", failErr.Error()))
		}
		return nil, err
	}
	return outcome, nil
}

func (c *Calculator) run(ctx context.Context, sc *Scenario) (*Outcome, error) {
	compiled, err := c.rules.Snapshot(ctx, sc.TenantID, sc.RuleSetID)
	if err != nil {
		return nil, err
	}
	pinned := compiled.Version()

	snaps, err := c.snapshots.ListByDataset(ctx, sc.TenantID, sc.DatasetVersion)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("dataset %s: %w", sc.DatasetVersion, ErrEmptyDataset)
	}

	eligible := rules.SelectRules(compiled.Set, sc.AsOfDate)
	runAt := time.Now().UTC()

	// Each worker writes only its own slot, so the fan-in needs no lock and
	// result order is independent of completion order.
	results := make([]*Result, len(snaps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, snap := range snaps {
		g.Go(func() error {
			// Cancellation is honored between employees, never mid-employee.
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			results[i] = c.evaluateEmployee(compiled, eligible, snap, sc.ID, runAt)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("calculation stopped: %w", err)
	}

	summary := summarize(snaps, results)

	// Refuse to commit results computed from a rule set that changed under
	// us. Stored results must reproduce from the version they carry, and
	// superseded rule versions are not retained.
	current, err := c.rules.StoredVersion(ctx, sc.TenantID, sc.RuleSetID)
	if err != nil {
		return nil, err
	}
	if current != pinned {
		return nil, fmt.Errorf("rule set %s moved from version %d to %d: %w",
			sc.RuleSetID, pinned, current, ErrRuleSetConflict)
	}

	if err := c.results.ReplaceForScenario(ctx, sc.ID, results); err != nil {
		return nil, err
	}
	if err := c.scenarios.FinishCalculation(ctx, sc.TenantID, sc.ID, pinned, summary, runAt); err != nil {
		return nil, err
	}

	c.log.Info("scenario calculated",
		slog.String("tenant_id", sc.TenantID),
		slog.String("scenario_id", sc.ID),
		slog.Int("rule_set_version", pinned),
		slog.Int("employees", summary.EmployeeCount),
		slog.Int("affected", summary.EmployeesAffected),
		slog.Int("errors", summary.ErrorCount))

	return &Outcome{Status: StatusCalculated, Summary: summary}, nil
}

// evaluateEmployee runs the full rule pipeline for one employee: evaluate
// conditions in priority order, fold matching rules' actions, honor the
// exclusion early exit, finalize into a result row. Configuration errors
// are recorded against the rule in the trace and never abort the employee.
func (c *Calculator) evaluateEmployee(compiled *rules.CompiledRuleSet, eligible []*rules.Rule, snap *EmployeeSnapshot, scenarioID string, runAt time.Time) *Result {
	facts := snap.Facts()
	acc := rules.NewAccumulator(facts)
	applier := rules.NewApplier(compiled)
	trace := &rules.EmployeeTrace{EmployeeID: snap.EmployeeID}

	for _, r := range eligible {
		rt := &rules.RuleTrace{RuleID: r.ID, RuleName: r.Name, Priority: r.Priority}

		// A rule that failed validation or formula compilation counts as an
		// error for every employee without stopping anyone's evaluation.
		if cfgErr, bad := compiled.RuleErrors[r.ID]; bad {
			rt.Error = cfgErr.Error()
			trace.Rules = append(trace.Rules, rt)
			continue
		}

		matched, condTrace := rules.EvaluateTrace(r.Conditions, facts)
		rt.Conditions = condTrace
		rt.Matched = matched
		if matched {
			actions, err := applier.ApplyRule(r, acc, facts)
			if err != nil {
				rt.Error = err.Error()
			} else {
				rt.Actions = actions
			}
		}
		trace.Rules = append(trace.Rules, rt)

		// EXCLUDE halts rule application here in the calculator's loop; the
		// applier only sets the flag.
		if acc.ExcludedFlag {
			trace.TerminatedBy = r.ID
			break
		}
	}

	return &Result{
		ID:             resultID(scenarioID, snap.EmployeeID),
		ScenarioID:     scenarioID,
		EmployeeID:     snap.EmployeeID,
		Recommendation: acc.Finalize(facts),
		Trace:          trace,
		ErrorCount:     trace.ErrorCount(),
		CalculatedAt:   runAt,
	}
}

// summarize reduces per-employee results into cycle-level aggregates.
// Excluded employees count toward payroll but contribute nothing to the
// recommended increase and are not counted as affected.
func summarize(snaps []*EmployeeSnapshot, results []*Result) *Summary {
	sum := &Summary{EmployeeCount: len(results)}
	payroll := decimal.Zero
	increase := decimal.Zero

	for i, res := range results {
		payroll = payroll.Add(snaps[i].CurrentAnnual)

		rec := res.Recommendation
		if rec.ExcludedFlag {
			sum.ExcludedCount++
		} else {
			increase = increase.Add(rec.TotalIncreaseAmount)
			if rec.HasChange() {
				sum.EmployeesAffected++
			}
		}
		if rec.NeedsReviewFlag {
			sum.NeedsReviewCount++
		}
		if rec.PromotionFlag {
			sum.PromotedCount++
		}
		sum.ErrorCount += res.ErrorCount
	}

	sum.TotalCurrentPayroll = payroll.Round(2)
	sum.TotalRecommendedIncrease = increase.Round(2)
	if payroll.IsPositive() {
		sum.OverallIncreasePercent = increase.Mul(hundred).Div(payroll).Round(2)
	}
	return sum
}
