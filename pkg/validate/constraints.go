package validate

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
)

// Constraint is one row-level check. Check returns a non-empty detail when
// the row violates the constraint; err is reserved for failures that are
// not the row's fault, such as a lost database connection.
type Constraint interface {
	ID() string
	Fields() []schema.Field
	Check(ctx context.Context, row models.Row) (detail string, err error)
}

// NotNull requires every field to be set.
type NotNull struct {
	Name     string
	Required []schema.Field
}

func (c NotNull) ID() string { return c.Name }
func (c NotNull) Fields() []schema.Field { return c.Required }

func (c NotNull) Check(_ context.Context, row models.Row) (string, error) {
	var missing []string
	for _, f := range c.Required {
		v := row[f]
		if s, ok := v.(string); v == nil || (ok && s == "") {
			missing = append(missing, string(f))
		}
	}
	if len(missing) > 0 {
		return "null " + strings.Join(missing, ", "), nil
	}
	return "", nil
}

// Range bounds a numeric field. Nil bounds are open.
type Range struct {
	Name     string
	Field    schema.Field
	Min, Max *float64
}

func (c Range) ID() string { return c.Name }
func (c Range) Fields() []schema.Field { return []schema.Field{c.Field} }

func (c Range) Check(_ context.Context, row models.Row) (string, error) {
	v := row[c.Field]
	if v == nil {
		return "", nil
	}
	f, ok := Numeric(v)
	if !ok {
		return fmt.Sprintf("%v is not numeric", v), nil
	}
	if c.Min != nil && f < *c.Min {
		return fmt.Sprintf("%v below %v", f, *c.Min), nil
	}
	if c.Max != nil && f > *c.Max {
		return fmt.Sprintf("%v above %v", f, *c.Max), nil
	}
	return "", nil
}

// Enum requires a field's value to be one of Values.
type Enum struct {
	Name   string
	Field  schema.Field
	Values map[string]struct{}
}

// NewEnum builds an Enum constraint.
func NewEnum(name string, field schema.Field, values []string) Enum {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return Enum{Name: name, Field: field, Values: set}
}

func (c Enum) ID() string { return c.Name }
func (c Enum) Fields() []schema.Field { return []schema.Field{c.Field} }

func (c Enum) Check(_ context.Context, row models.Row) (string, error) {
	v := row[c.Field]
	if v == nil {
		return "", nil
	}
	s := models.FormatAny(v)
	if _, ok := c.Values[s]; !ok {
		return fmt.Sprintf("%q is not an allowed value", s), nil
	}
	return "", nil
}

// Regex requires a field's text to match Pattern.
type Regex struct {
	Name    string
	Field   schema.Field
	Pattern *regexp.Regexp
}

func (c Regex) ID() string { return c.Name }
func (c Regex) Fields() []schema.Field { return []schema.Field{c.Field} }

func (c Regex) Check(_ context.Context, row models.Row) (string, error) {
	v := row[c.Field]
	if v == nil {
		return "", nil
	}
	if s := models.FormatAny(v); !c.Pattern.MatchString(s) {
		return fmt.Sprintf("%q does not match %s", s, c.Pattern), nil
	}
	return "", nil
}

// CrossField requires Target to equal the sum of Sum within Epsilon. It is
// only checked when every field is present.
type CrossField struct {
	Name    string
	Target  schema.Field
	Sum     []schema.Field
	Epsilon float64
}

func (c CrossField) ID() string { return c.Name }
func (c CrossField) Fields() []schema.Field {
	return append([]schema.Field{c.Target}, c.Sum...)
}

func (c CrossField) Check(_ context.Context, row models.Row) (string, error) {
	target, ok := Numeric(row[c.Target])
	if !ok {
		return "", nil
	}
	var sum float64
	for _, f := range c.Sum {
		v, ok := Numeric(row[f])
		if !ok {
			return "", nil
		}
		sum += v
	}
	if math.Abs(target-sum) > c.Epsilon {
		return fmt.Sprintf("%s=%v but sum of %s is %v", c.Target, target, schema.JoinFields(c.Sum), sum), nil
	}
	return "", nil
}

// KeyResolver answers whether a key exists in a table, either among rows
// committed earlier in the same run or in the destination.
type KeyResolver interface {
	KeyExists(ctx context.Context, table string, fields []schema.Field, key []interface{}) (bool, error)
}

// Referential requires the row's From fields to resolve to RefFields of RefTable.
type Referential struct {
	Name      string
	From      []schema.Field
	RefTable  string
	RefFields []schema.Field
	Resolver  KeyResolver

	mu    sync.Mutex
	found map[string]bool
}

func (c *Referential) ID() string { return c.Name }
func (c *Referential) Fields() []schema.Field { return c.From }

func (c *Referential) Check(ctx context.Context, row models.Row) (string, error) {
	key, ok := row.Key(c.From)
	if !ok {
		return "", nil
	}
	ks := models.KeyString(key)

	c.mu.Lock()
	hit := c.found[ks]
	c.mu.Unlock()
	if hit {
		return "", nil
	}

	exists, err := c.Resolver.KeyExists(ctx, c.RefTable, c.RefFields, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return fmt.Sprintf("%s %s not found in %s", schema.JoinFields(c.From), ks, c.RefTable), nil
	}
	c.mu.Lock()
	if c.found == nil {
		c.found = make(map[string]bool)
	}
	c.found[ks] = true
	c.mu.Unlock()
	return "", nil
}

// Numeric reads a canonical numeric value as float64.
func Numeric(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case models.Money:
		return x.Float64(), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}

// DefaultEpsilon is the cross-field tolerance when none is configured.
const DefaultEpsilon = 0.01

// Defaults returns the constraints every load of entity runs: a non-null
// natural key, non-negative monetary fields and consistent derived totals.
func Defaults(entity *schema.Entity) []Constraint {
	out := []Constraint{NotNull{Name: "natural_key", Required: entity.NaturalKey}}
	zero := 0.0
	for _, f := range entity.Fields {
		if f.Type == schema.TypeMoney {
			out = append(out, Range{Name: "nonnegative_" + string(f.Name), Field: f.Name, Min: &zero})
		}
	}
	for _, d := range entity.Derivations {
		out = append(out, CrossField{
			Name:    string(d.Target) + "_consistent",
			Target:  d.Target,
			Sum:     d.Sum,
			Epsilon: DefaultEpsilon,
		})
	}
	return out
}

// Build turns a declared constraint into a Constraint over entity.
func Build(spec config.ConstraintSpec, entity *schema.Entity, resolver KeyResolver) (Constraint, error) {
	field := schema.Field(spec.Field)
	fields := toFields(spec.Fields)
	if spec.Field != "" && len(fields) == 0 {
		fields = []schema.Field{field}
	}
	for _, f := range append(fields, field) {
		if f != "" && !entity.Has(f) {
			return nil, errors.Newf(errors.KindConfig, "constraint %s: %q is not a field of %s", spec.ID, f, entity.Name)
		}
	}
	needField := func() error {
		if field == "" {
			return errors.Newf(errors.KindConfig, "constraint %s needs a field", spec.ID)
		}
		return nil
	}

	switch spec.Type {
	case "not_null":
		if len(fields) == 0 {
			return nil, errors.Newf(errors.KindConfig, "constraint %s needs fields", spec.ID)
		}
		return NotNull{Name: spec.ID, Required: fields}, nil
	case "range":
		if err := needField(); err != nil {
			return nil, err
		}
		return Range{Name: spec.ID, Field: field, Min: spec.Min, Max: spec.Max}, nil
	case "enum":
		if err := needField(); err != nil {
			return nil, err
		}
		return NewEnum(spec.ID, field, spec.Values), nil
	case "regex":
		if err := needField(); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "constraint "+spec.ID+": invalid pattern")
		}
		return Regex{Name: spec.ID, Field: field, Pattern: re}, nil
	case "cross_field":
		if err := needField(); err != nil {
			return nil, err
		}
		eps := spec.Epsilon
		if eps == 0 {
			eps = DefaultEpsilon
		}
		sum := toFields(spec.Fields)
		if len(sum) == 0 {
			return nil, errors.Newf(errors.KindConfig, "constraint %s needs summed fields", spec.ID)
		}
		return CrossField{Name: spec.ID, Target: field, Sum: sum, Epsilon: eps}, nil
	case "referential":
		if len(fields) == 0 || spec.RefTable == "" {
			return nil, errors.Newf(errors.KindConfig, "constraint %s needs fields and ref_table", spec.ID)
		}
		if resolver == nil {
			return nil, errors.Newf(errors.KindConfig, "constraint %s: no key resolver", spec.ID)
		}
		ref := toFields(spec.RefFields)
		if len(ref) == 0 {
			ref = fields
		}
		if len(ref) != len(fields) {
			return nil, errors.Newf(errors.KindConfig, "constraint %s: fields and ref_fields differ in length", spec.ID)
		}
		return &Referential{Name: spec.ID, From: fields, RefTable: spec.RefTable, RefFields: ref, Resolver: resolver}, nil
	}
	return nil, errors.Newf(errors.KindConfig, "unknown constraint type %q", spec.Type)
}

func toFields(names []string) []schema.Field {
	out := make([]schema.Field, 0, len(names))
	for _, n := range names {
		out = append(out, schema.Field(n))
	}
	return out
}
