package scenario

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opencomp/compengine/rules"
)

// EmployeeSnapshot is one employee's compensation state in one imported
// dataset version. Snapshots are immutable once imported; a new import gets
// a new dataset version rather than updating rows in place.
type EmployeeSnapshot struct {
	TenantID       string
	DatasetVersion string
	EmployeeID     string

	Department string
	JobLevel   string

	CurrentAnnual decimal.Decimal
	HourlyRate    *decimal.Decimal
	BandMinimum   *decimal.Decimal
	BandMidpoint  *decimal.Decimal
	BandMaximum   *decimal.Decimal
	CompaRatio    *decimal.Decimal

	PerformanceRating string
	PerformanceScore  *decimal.Decimal

	HireDate     *time.Time
	TenureMonths *int

	BonusEligible *bool
	MeritEligible *bool
	FTE           *decimal.Decimal

	// Extra carries tenant-specific imported columns. Canonical fields win
	// on key collisions.
	Extra rules.Facts

	ImportedAt time.Time
}

// canonicalFactKeys are the snapshot fields with first-class typing.
// Anything else in a facts document lands in Extra.
var canonicalFactKeys = map[string]bool{
	"employee_id":        true,
	"department":         true,
	"job_level":          true,
	"current_annual":     true,
	"hourly_rate":        true,
	"band_minimum":       true,
	"band_midpoint":      true,
	"band_maximum":       true,
	"compa_ratio":        true,
	"performance_rating": true,
	"performance_score":  true,
	"hire_date":          true,
	"tenure_months":      true,
	"bonus_eligible":     true,
	"merit_eligible":     true,
	"fte":                true,
}

// Facts flattens the snapshot into the document the condition evaluator and
// action applier read. Unset optional fields are left out entirely so the
// null-field comparison semantics apply to them.
func (s *EmployeeSnapshot) Facts() rules.Facts {
	f := make(rules.Facts, len(s.Extra)+16)
	for k, v := range s.Extra {
		if !canonicalFactKeys[k] {
			f[k] = v
		}
	}

	f["employee_id"] = s.EmployeeID
	f["current_annual"] = s.CurrentAnnual
	if s.Department != "" {
		f["department"] = s.Department
	}
	if s.JobLevel != "" {
		f["job_level"] = s.JobLevel
	}
	if s.PerformanceRating != "" {
		f["performance_rating"] = s.PerformanceRating
	}
	putDecimal(f, "hourly_rate", s.HourlyRate)
	putDecimal(f, "band_minimum", s.BandMinimum)
	putDecimal(f, "band_midpoint", s.BandMidpoint)
	putDecimal(f, "band_maximum", s.BandMaximum)
	putDecimal(f, "compa_ratio", s.CompaRatio)
	putDecimal(f, "performance_score", s.PerformanceScore)
	putDecimal(f, "fte", s.FTE)
	if s.HireDate != nil {
		f["hire_date"] = *s.HireDate
	}
	if s.TenureMonths != nil {
		f["tenure_months"] = *s.TenureMonths
	}
	if s.BonusEligible != nil {
		f["bonus_eligible"] = *s.BonusEligible
	}
	if s.MeritEligible != nil {
		f["merit_eligible"] = *s.MeritEligible
	}
	return f
}

// MarshalFacts serializes the snapshot's facts document for storage.
func (s *EmployeeSnapshot) MarshalFacts() ([]byte, error) {
	data, err := json.Marshal(s.Facts())
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot for employee %s: %w", s.EmployeeID, err)
	}
	return data, nil
}

// SnapshotFromFacts rebuilds a typed snapshot from a facts document, the
// inverse of Facts. Unknown keys are preserved in Extra; a canonical key
// with an undecodable value is an import error, not silently dropped.
func SnapshotFromFacts(tenantID, datasetVersion string, facts rules.Facts) (*EmployeeSnapshot, error) {
	s := &EmployeeSnapshot{
		TenantID:       tenantID,
		DatasetVersion: datasetVersion,
	}

	var err error
	if s.EmployeeID, err = factString(facts, "employee_id"); err != nil {
		return nil, err
	}
	if s.EmployeeID == "" {
		return nil, fmt.Errorf("snapshot is missing employee_id")
	}
	if s.Department, err = factString(facts, "department"); err != nil {
		return nil, err
	}
	if s.JobLevel, err = factString(facts, "job_level"); err != nil {
		return nil, err
	}
	if s.PerformanceRating, err = factString(facts, "performance_rating"); err != nil {
		return nil, err
	}

	current, err := factDecimalPtr(facts, "current_annual")
	if err != nil {
		return nil, err
	}
	if current != nil {
		s.CurrentAnnual = *current
	}
	if s.HourlyRate, err = factDecimalPtr(facts, "hourly_rate"); err != nil {
		return nil, err
	}
	if s.BandMinimum, err = factDecimalPtr(facts, "band_minimum"); err != nil {
		return nil, err
	}
	if s.BandMidpoint, err = factDecimalPtr(facts, "band_midpoint"); err != nil {
		return nil, err
	}
	if s.BandMaximum, err = factDecimalPtr(facts, "band_maximum"); err != nil {
		return nil, err
	}
	if s.CompaRatio, err = factDecimalPtr(facts, "compa_ratio"); err != nil {
		return nil, err
	}
	if s.PerformanceScore, err = factDecimalPtr(facts, "performance_score"); err != nil {
		return nil, err
	}
	if s.FTE, err = factDecimalPtr(facts, "fte"); err != nil {
		return nil, err
	}
	if s.HireDate, err = factTimePtr(facts, "hire_date"); err != nil {
		return nil, err
	}
	if s.TenureMonths, err = factIntPtr(facts, "tenure_months"); err != nil {
		return nil, err
	}
	if s.BonusEligible, err = factBoolPtr(facts, "bonus_eligible"); err != nil {
		return nil, err
	}
	if s.MeritEligible, err = factBoolPtr(facts, "merit_eligible"); err != nil {
		return nil, err
	}

	for k, v := range facts {
		if canonicalFactKeys[k] || v == nil {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(rules.Facts)
		}
		s.Extra[k] = v
	}
	return s, nil
}

// ParseSnapshotFacts decodes a stored facts document. Numbers decode as
// json.Number so monetary values survive the trip without float drift.
func ParseSnapshotFacts(tenantID, datasetVersion string, data []byte) (*EmployeeSnapshot, error) {
	var facts rules.Facts
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&facts); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot facts: %w", err)
	}
	return SnapshotFromFacts(tenantID, datasetVersion, facts)
}

func putDecimal(f rules.Facts, key string, d *decimal.Decimal) {
	if d != nil {
		f[key] = *d
	}
}

func factString(facts rules.Facts, key string) (string, error) {
	v, ok := facts[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("snapshot field %s: expected string, got %T", key, v)
	}
	return s, nil
}

func factDecimalPtr(facts rules.Facts, key string) (*decimal.Decimal, error) {
	v, ok := facts[key]
	if !ok || v == nil {
		return nil, nil
	}
	var d decimal.Decimal
	var err error
	switch n := v.(type) {
	case decimal.Decimal:
		d = n
	case *decimal.Decimal:
		d = *n
	case json.Number:
		d, err = decimal.NewFromString(n.String())
	case string:
		d, err = decimal.NewFromString(n)
	case float64:
		d = decimal.NewFromFloat(n)
	case int:
		d = decimal.NewFromInt(int64(n))
	case int64:
		d = decimal.NewFromInt(n)
	default:
		return nil, fmt.Errorf("snapshot field %s: expected number, got %T", key, v)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot field %s: %w", key, err)
	}
	return &d, nil
}

func factIntPtr(facts rules.Facts, key string) (*int, error) {
	d, err := factDecimalPtr(facts, key)
	if err != nil || d == nil {
		return nil, err
	}
	if !d.IsInteger() {
		return nil, fmt.Errorf("snapshot field %s: expected integer, got %s", key, d)
	}
	n := int(d.IntPart())
	return &n, nil
}

func factBoolPtr(facts rules.Facts, key string) (*bool, error) {
	v, ok := facts[key]
	if !ok || v == nil {
		return nil, nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("snapshot field %s: expected bool, got %T", key, v)
	}
	return &b, nil
}

func factTimePtr(facts rules.Facts, key string) (*time.Time, error) {
	v, ok := facts[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case time.Time:
		return &t, nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return &parsed, nil
			}
		}
		return nil, fmt.Errorf("snapshot field %s: unparseable date %q", key, t)
	default:
		return nil, fmt.Errorf("snapshot field %s: expected date, got %T", key, v)
	}
}
