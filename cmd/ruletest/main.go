// Command ruletest dry-runs a YAML rule file against the sample employees it
// declares, printing per-employee recommendations and, with -v, the full
// condition and action traces. It exercises the same evaluator and applier
// the calculation engine uses, so what matches here matches in a scenario.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"

	"github.com/opencomp/compengine/rules"
)

func main() {
	var verbose bool
	var asOfStr string

	flag.BoolVar(&verbose, "v", false, "print condition and action traces")
	flag.StringVar(&asOfStr, "date", "", "evaluation date (YYYY-MM-DD, default today)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ruletest [-v] [-date YYYY-MM-DD] <rulefile.yaml>")
		os.Exit(2)
	}

	asOf := time.Now().UTC()
	if asOfStr != "" {
		parsed, err := time.Parse("2006-01-02", asOfStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -date %q: want YYYY-MM-DD\n", asOfStr)
			os.Exit(2)
		}
		asOf = parsed
	}

	rf, err := rules.LoadRuleFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	compiled, err := rules.Compile(rf.RuleSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(compiled.RuleErrors) > 0 {
		for _, ce := range compiled.RuleErrors {
			fmt.Fprintf(os.Stderr, "error: %v\n", ce)
		}
		os.Exit(1)
	}

	eligible := rules.SelectRules(rf.RuleSet, asOf)
	fmt.Printf("%s: %d rules, %d eligible on %s, %d sample employees\n\n",
		rf.RuleSet.Name, len(rf.RuleSet.Rules), len(eligible),
		asOf.Format("2006-01-02"), len(rf.Employees))

	if len(rf.Employees) == 0 {
		fmt.Println("rule file declares no employees; nothing to evaluate")
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Employee", "Matched Rules", "Raise %", "Raise", "New Salary", "Bonus", "Flags"})

	for _, facts := range rf.Employees {
		rec, trace := evaluate(compiled, eligible, facts)

		tw.AppendRow(table.Row{
			employeeLabel(facts),
			matchedRules(trace),
			renderDec(rec.RecommendedRaisePercent),
			renderDec(rec.RecommendedRaiseAmount),
			renderDec(rec.RecommendedNewSalary),
			renderDec(rec.RecommendedBonusAmount),
			renderFlags(rec),
		})

		if verbose {
			printTrace(trace)
		}
	}
	tw.SetStyle(table.StyleLight)
	tw.Render()
}

// evaluate runs the per-employee rule pipeline: priority-ordered evaluation,
// action folding, exclusion early exit.
func evaluate(compiled *rules.CompiledRuleSet, eligible []*rules.Rule, facts rules.Facts) (rules.Recommendation, *rules.EmployeeTrace) {
	acc := rules.NewAccumulator(facts)
	applier := rules.NewApplier(compiled)
	trace := &rules.EmployeeTrace{EmployeeID: employeeLabel(facts)}

	for _, r := range eligible {
		rt := &rules.RuleTrace{RuleID: r.ID, RuleName: r.Name, Priority: r.Priority}
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

		if acc.ExcludedFlag {
			trace.TerminatedBy = r.ID
			break
		}
	}
	return acc.Finalize(facts), trace
}

func employeeLabel(facts rules.Facts) string {
	if id, ok := facts["employee_id"].(string); ok && id != "" {
		return id
	}
	return "(unnamed)"
}

func matchedRules(trace *rules.EmployeeTrace) string {
	var names []string
	for _, rt := range trace.Rules {
		if rt.Matched && rt.Error == "" {
			names = append(names, rt.RuleName)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}

func renderDec(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(2)
}

func renderFlags(rec rules.Recommendation) string {
	var flags []string
	if rec.PromotionFlag {
		flags = append(flags, "promote")
	}
	if rec.NeedsReviewFlag {
		flags = append(flags, "review")
	}
	if rec.RequiresJustification {
		flags = append(flags, "justify")
	}
	if rec.ExcludedFlag {
		flags = append(flags, "excluded")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ", ")
}

func printTrace(trace *rules.EmployeeTrace) {
	fmt.Printf("  %s:\n", trace.EmployeeID)
	for _, rt := range trace.Rules {
		state := "no match"
		if rt.Matched {
			state = "MATCHED"
		}
		if rt.Error != "" {
			state = "ERROR: " + rt.Error
		}
		fmt.Printf("    [%d] %s: %s\n", rt.Priority, rt.RuleName, state)
		printConditionTrace(rt.Conditions, 3)
		for _, at := range rt.Actions {
			fmt.Printf("      -> %s: %s %s -> %s\n", at.ActionType, at.Field, at.Before, at.After)
		}
	}
	if trace.TerminatedBy != "" {
		fmt.Printf("    evaluation stopped by exclusion (rule %s)\n", trace.TerminatedBy)
	}
	fmt.Println()
}

func printConditionTrace(ct *rules.ConditionTrace, depth int) {
	if ct == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	line := ct.Expression
	if line == "" {
		line = string(ct.Logic)
	}
	mark := "x"
	if ct.Matched {
		mark = "ok"
	}
	if ct.Reason != "" {
		fmt.Printf("%s%s [%s: %s]\n", indent, line, mark, ct.Reason)
	} else {
		fmt.Printf("%s%s [%s]\n", indent, line, mark)
	}
	for _, child := range ct.Children {
		printConditionTrace(child, depth+1)
	}
}
