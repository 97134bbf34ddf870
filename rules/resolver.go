package rules

import (
	"sort"
	"time"
)

// EligibleAt reports whether the rule may apply on the evaluation date.
// Both date bounds are inclusive; a nil bound is open.
func (r *Rule) EligibleAt(d time.Time) bool {
	if !r.Active {
		return false
	}
	if r.EffectiveDate != nil && d.Before(*r.EffectiveDate) {
		return false
	}
	if r.ExpiryDate != nil && d.After(*r.ExpiryDate) {
		return false
	}
	return true
}

// SelectRules filters the rule set to rules eligible on asOf and orders
// them ascending by priority. The sort is stable, so rules sharing a
// priority keep the store's creation order and recalculation reproduces the
// same application sequence.
func SelectRules(rs *RuleSet, asOf time.Time) []*Rule {
	selected := make([]*Rule, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		if r.EligibleAt(asOf) {
			selected = append(selected, r)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Priority < selected[j].Priority
	})
	return selected
}
