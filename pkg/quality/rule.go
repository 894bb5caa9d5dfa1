// Package quality evaluates data-quality rules against the canonical tables.
//
// A Rule pairs a Check, one variant of a closed set, with a threshold: the
// minimum acceptable pass rate. Evaluating a set of rules produces a Report
// with per-rule results, per-table scores and an overall score compared
// against the quality gate, plus Anomaly records for statistical and drift
// checks. Rules whose pass rate falls below their threshold fire and are
// handed to the notification dispatcher.
package quality

import (
	"regexp"
	"time"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
)

// CheckType names a rule variant.
type CheckType string

const (
	CheckCompleteness CheckType = "completeness"
	CheckRange        CheckType = "range"
	CheckEnum         CheckType = "enum"
	CheckReferential  CheckType = "referential"
	CheckUniqueness   CheckType = "uniqueness"
	CheckFreshness    CheckType = "freshness"
	CheckZScore       CheckType = "zscore"
	CheckDrift        CheckType = "drift"
	CheckFormat       CheckType = "format"
)

// Defaults for optional check parameters.
const (
	DefaultZScoreK      = 3.0
	DefaultZScoreWindow = 1000
	DefaultDriftBins    = 10
)

// Check is one of the rule variants below. The set is closed.
type Check interface {
	Type() CheckType
	// Columns lists the fields the check reads.
	Columns() []schema.Field
	// Params returns the variant's parameters in their stored form.
	Params() map[string]interface{}

	evaluator(env *evalEnv) evaluator
}

// Completeness measures the fraction of set values over Fields.
type Completeness struct {
	Fields []schema.Field
}

// Range counts values of Field inside [Min, Max]. Nil bounds are open.
type Range struct {
	Field    schema.Field
	Min, Max *float64
}

// Enum counts values of Field that belong to Values.
type Enum struct {
	Field  schema.Field
	Values []string
}

// Referential counts rows whose Fields resolve to RefFields of RefTable.
type Referential struct {
	Fields    []schema.Field
	RefTable  string
	RefFields []schema.Field
}

// Uniqueness counts rows whose Fields combination occurs once.
type Uniqueness struct {
	Fields []schema.Field
}

// Freshness counts rows no older than MaxAge. Field names a date or
// timestamp column; empty means the row's updated_at.
type Freshness struct {
	Field  schema.Field
	MaxAge time.Duration
}

// ZScore flags values of Field more than K standard deviations from the
// mean of the last Window rows by updated_at.
type ZScore struct {
	Field  schema.Field
	K      float64
	Window int
}

// Drift compares the histogram of Field with the one stored by the
// previous run.
type Drift struct {
	Field schema.Field
	Bins  int
}

// Format counts values of Field matching Pattern.
type Format struct {
	Field   schema.Field
	Pattern *regexp.Regexp
}

func (Completeness) Type() CheckType { return CheckCompleteness }
func (Range) Type() CheckType        { return CheckRange }
func (Enum) Type() CheckType         { return CheckEnum }
func (Referential) Type() CheckType  { return CheckReferential }
func (Uniqueness) Type() CheckType   { return CheckUniqueness }
func (Freshness) Type() CheckType    { return CheckFreshness }
func (ZScore) Type() CheckType       { return CheckZScore }
func (Drift) Type() CheckType        { return CheckDrift }
func (Format) Type() CheckType       { return CheckFormat }

func (c Completeness) Columns() []schema.Field { return c.Fields }
func (c Range) Columns() []schema.Field        { return []schema.Field{c.Field} }
func (c Enum) Columns() []schema.Field         { return []schema.Field{c.Field} }
func (c Referential) Columns() []schema.Field  { return c.Fields }
func (c Uniqueness) Columns() []schema.Field   { return c.Fields }
func (c ZScore) Columns() []schema.Field       { return []schema.Field{c.Field} }
func (c Drift) Columns() []schema.Field        { return []schema.Field{c.Field} }
func (c Format) Columns() []schema.Field       { return []schema.Field{c.Field} }

func (c Freshness) Columns() []schema.Field {
	if c.Field == "" {
		return nil
	}
	return []schema.Field{c.Field}
}

func (Completeness) Params() map[string]interface{} { return map[string]interface{}{} }
func (Uniqueness) Params() map[string]interface{}   { return map[string]interface{}{} }

func (c Range) Params() map[string]interface{} {
	p := map[string]interface{}{}
	if c.Min != nil {
		p["min"] = *c.Min
	}
	if c.Max != nil {
		p["max"] = *c.Max
	}
	return p
}

func (c Enum) Params() map[string]interface{} {
	return map[string]interface{}{"values": c.Values}
}

func (c Referential) Params() map[string]interface{} {
	return map[string]interface{}{"ref_table": c.RefTable, "ref_fields": fieldNames(c.RefFields)}
}

func (c Freshness) Params() map[string]interface{} {
	return map[string]interface{}{"max_age": c.MaxAge.String()}
}

func (c ZScore) Params() map[string]interface{} {
	return map[string]interface{}{"k": c.K, "window": c.Window}
}

func (c Drift) Params() map[string]interface{} {
	return map[string]interface{}{"bins": c.Bins}
}

func (c Format) Params() map[string]interface{} {
	return map[string]interface{}{"pattern": c.Pattern.String()}
}

// Rule is a configured check over one table.
type Rule struct {
	ID        string
	Table     string
	Check     Check
	// Threshold is the minimum acceptable pass rate in [0, 1].
	Threshold float64
	Severity  models.Severity
	Channels  []string
	Enabled   bool
}

// Fires reports whether passRate misses the rule's threshold.
func (r *Rule) Fires(passRate float64) bool {
	return passRate < r.Threshold
}

// Spec returns the YAML form of the rule.
func (r *Rule) Spec() config.RuleSpec {
	enabled := r.Enabled
	return config.RuleSpec{
		ID:        r.ID,
		CheckType: string(r.Check.Type()),
		Table:     r.Table,
		Fields:    fieldNames(r.Check.Columns()),
		Params:    r.Check.Params(),
		Threshold: r.Threshold,
		Severity:  string(r.Severity),
		Channels:  r.Channels,
		Enabled:   &enabled,
	}
}

// FromSpec builds a rule from its YAML or stored form.
func FromSpec(spec config.RuleSpec) (*Rule, error) {
	if spec.ID == "" {
		return nil, errors.New(errors.KindConfig, "quality rule needs an id")
	}
	if spec.Table == "" {
		return nil, errors.Newf(errors.KindConfig, "quality rule %s needs a table", spec.ID)
	}
	if spec.Threshold < 0 || spec.Threshold > 1 {
		return nil, errors.Newf(errors.KindConfig, "quality rule %s: threshold %v outside [0, 1]", spec.ID, spec.Threshold)
	}
	sev, err := models.ParseSeverity(spec.Severity)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "quality rule "+spec.ID)
	}
	check, err := buildCheck(spec)
	if err != nil {
		return nil, err
	}
	return &Rule{
		ID:        spec.ID,
		Table:     spec.Table,
		Check:     check,
		Threshold: spec.Threshold,
		Severity:  sev,
		Channels:  spec.Channels,
		Enabled:   spec.IsEnabled(),
	}, nil
}

func buildCheck(spec config.RuleSpec) (Check, error) {
	fields := toFields(spec.Fields)
	p := params{rule: spec.ID, values: spec.Params}
	single := func() (schema.Field, error) {
		if len(fields) != 1 {
			return "", errors.Newf(errors.KindConfig, "quality rule %s: %s check needs exactly one field", spec.ID, spec.CheckType)
		}
		return fields[0], nil
	}
	some := func() error {
		if len(fields) == 0 {
			return errors.Newf(errors.KindConfig, "quality rule %s: %s check needs fields", spec.ID, spec.CheckType)
		}
		return nil
	}

	switch CheckType(spec.CheckType) {
	case CheckCompleteness:
		if err := some(); err != nil {
			return nil, err
		}
		return Completeness{Fields: fields}, nil

	case CheckRange:
		f, err := single()
		if err != nil {
			return nil, err
		}
		lo, err := p.float("min")
		if err != nil {
			return nil, err
		}
		hi, err := p.float("max")
		if err != nil {
			return nil, err
		}
		if lo == nil && hi == nil {
			return nil, errors.Newf(errors.KindConfig, "quality rule %s: range check needs min or max", spec.ID)
		}
		return Range{Field: f, Min: lo, Max: hi}, nil

	case CheckEnum:
		f, err := single()
		if err != nil {
			return nil, err
		}
		values, err := p.strings("values")
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			return nil, errors.Newf(errors.KindConfig, "quality rule %s: enum check needs values", spec.ID)
		}
		return Enum{Field: f, Values: values}, nil

	case CheckReferential:
		if err := some(); err != nil {
			return nil, err
		}
		table, err := p.str("ref_table")
		if err != nil {
			return nil, err
		}
		if table == "" {
			return nil, errors.Newf(errors.KindConfig, "quality rule %s: referential check needs ref_table", spec.ID)
		}
		refNames, err := p.strings("ref_fields")
		if err != nil {
			return nil, err
		}
		ref := toFields(refNames)
		if len(ref) == 0 {
			ref = fields
		}
		if len(ref) != len(fields) {
			return nil, errors.Newf(errors.KindConfig, "quality rule %s: fields and ref_fields differ in length", spec.ID)
		}
		return Referential{Fields: fields, RefTable: table, RefFields: ref}, nil

	case CheckUniqueness:
		if err := some(); err != nil {
			return nil, err
		}
		return Uniqueness{Fields: fields}, nil

	case CheckFreshness:
		if len(fields) > 1 {
			return nil, errors.Newf(errors.KindConfig, "quality rule %s: freshness check takes at most one field", spec.ID)
		}
		maxAge, err := p.duration("max_age")
		if err != nil {
			return nil, err
		}
		if maxAge <= 0 {
			return nil, errors.Newf(errors.KindConfig, "quality rule %s: freshness check needs a positive max_age", spec.ID)
		}
		c := Freshness{MaxAge: maxAge}
		if len(fields) == 1 {
			c.Field = fields[0]
		}
		return c, nil

	case CheckZScore:
		f, err := single()
		if err != nil {
			return nil, err
		}
		k, err := p.float("k")
		if err != nil {
			return nil, err
		}
		window, err := p.int("window", DefaultZScoreWindow)
		if err != nil {
			return nil, err
		}
		c := ZScore{Field: f, K: DefaultZScoreK, Window: window}
		if k != nil {
			c.K = *k
		}
		if c.K <= 0 || c.Window < 2 {
			return nil, errors.Newf(errors.KindConfig, "quality rule %s: zscore needs k > 0 and window >= 2", spec.ID)
		}
		return c, nil

	case CheckDrift:
		f, err := single()
		if err != nil {
			return nil, err
		}
		bins, err := p.int("bins", DefaultDriftBins)
		if err != nil {
			return nil, err
		}
		if bins < 1 {
			return nil, errors.Newf(errors.KindConfig, "quality rule %s: drift needs at least one bin", spec.ID)
		}
		return Drift{Field: f, Bins: bins}, nil

	case CheckFormat:
		f, err := single()
		if err != nil {
			return nil, err
		}
		pattern, err := p.str("pattern")
		if err != nil {
			return nil, err
		}
		if pattern == "" {
			return nil, errors.Newf(errors.KindConfig, "quality rule %s: format check needs a pattern", spec.ID)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "quality rule "+spec.ID+": invalid pattern")
		}
		return Format{Field: f, Pattern: re}, nil
	}
	return nil, errors.Newf(errors.KindConfig, "quality rule %s: unknown check type %q", spec.ID, spec.CheckType)
}

func toFields(names []string) []schema.Field {
	out := make([]schema.Field, 0, len(names))
	for _, n := range names {
		out = append(out, schema.Field(n))
	}
	return out
}

func fieldNames(fields []schema.Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}
