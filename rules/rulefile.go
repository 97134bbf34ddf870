package rules

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// RuleFile is a YAML-authored rule set plus optional sample employees, used
// by the offline rule tester. It is an authoring convenience only; the API
// and database speak the JSON document model.
type RuleFile struct {
	RuleSet   *RuleSet
	Employees []Facts
}

type ruleFileDoc struct {
	Name        string           `yaml:"name"`
	Tenant      string           `yaml:"tenant"`
	Description string           `yaml:"description"`
	Rules       []ruleFileRule   `yaml:"rules"`
	Employees   []map[string]any `yaml:"employees"`
}

type ruleFileRule struct {
	Name          string           `yaml:"name"`
	Description   string           `yaml:"description"`
	RuleType      string           `yaml:"rule_type"`
	Priority      int              `yaml:"priority"`
	Active        *bool            `yaml:"active"`
	Conditions    *ConditionNode   `yaml:"conditions"`
	Actions       []ruleFileAction `yaml:"actions"`
	EffectiveDate string           `yaml:"effective_date"`
	ExpiryDate    string           `yaml:"expiry_date"`
}

type ruleFileAction struct {
	Type         string   `yaml:"action_type"`
	Value        *float64 `yaml:"value"`
	ValueField   string   `yaml:"value_field"`
	ValueFormula string   `yaml:"value_formula"`
	MinValue     *float64 `yaml:"min_value"`
	MaxValue     *float64 `yaml:"max_value"`
	ApplyTo      string   `yaml:"apply_to"`
	Notes        string   `yaml:"notes"`
}

// LoadRuleFile reads and parses a YAML rule file.
func LoadRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	rf, err := ParseRuleFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rf, nil
}

// ParseRuleFile decodes a YAML rule file and validates the resulting rule
// set strictly, so authoring mistakes fail loudly before any dry run.
func ParseRuleFile(data []byte) (*RuleFile, error) {
	var doc ruleFileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid rule file: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("rule file needs a name")
	}

	rs := &RuleSet{
		ID:          "file-" + doc.Name,
		TenantID:    doc.Tenant,
		Name:        doc.Name,
		Description: doc.Description,
		Version:     1,
		Active:      true,
	}
	if rs.TenantID == "" {
		rs.TenantID = "local"
	}

	for i, fr := range doc.Rules {
		rule, err := fr.toRule(i)
		if err != nil {
			return nil, err
		}
		rule.RuleSetID = rs.ID
		rs.Rules = append(rs.Rules, rule)
	}
	if err := ValidateRuleSet(rs); err != nil {
		return nil, err
	}

	rf := &RuleFile{RuleSet: rs}
	for _, emp := range doc.Employees {
		rf.Employees = append(rf.Employees, Facts(emp))
	}
	return rf, nil
}

func (fr ruleFileRule) toRule(index int) (*Rule, error) {
	rule := &Rule{
		ID:          fmt.Sprintf("file-rule-%d", index+1),
		Name:        fr.Name,
		Description: fr.Description,
		RuleType:    RuleType(fr.RuleType),
		Priority:    fr.Priority,
		Active:      true,
		Conditions:  fr.Conditions,
	}
	if fr.Active != nil {
		rule.Active = *fr.Active
	}

	var err error
	if rule.EffectiveDate, err = parseFileDate(fr.EffectiveDate); err != nil {
		return nil, fmt.Errorf("rule %q: effective_date: %w", fr.Name, err)
	}
	if rule.ExpiryDate, err = parseFileDate(fr.ExpiryDate); err != nil {
		return nil, fmt.Errorf("rule %q: expiry_date: %w", fr.Name, err)
	}

	for _, fa := range fr.Actions {
		rule.Actions = append(rule.Actions, Action{
			Type:         ActionType(fa.Type),
			Value:        floatToDecimal(fa.Value),
			ValueField:   fa.ValueField,
			ValueFormula: fa.ValueFormula,
			MinValue:     floatToDecimal(fa.MinValue),
			MaxValue:     floatToDecimal(fa.MaxValue),
			ApplyTo:      fa.ApplyTo,
			Notes:        fa.Notes,
		})
	}
	return rule, nil
}

func parseFileDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("want YYYY-MM-DD, got %q", s)
	}
	return &t, nil
}

func floatToDecimal(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}
