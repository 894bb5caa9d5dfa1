// Package transform turns source rows into canonical rows: it projects each
// row through a mapping, runs the per-field transform steps, coerces every
// value to its semantic type and fills derived fields. Problems are recorded
// as per-row issues; nothing here aborts a batch.
package transform

import (
	"strings"

	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/mapping"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
)

// Options tune an Engine.
type Options struct {
	// Tables backs enum_map and lookup transforms.
	Tables      Tables
	// Defaults fill fields the source leaves empty, before coercion.
	Defaults    map[string]string
	AreaCap     int64
	// Derivations enables the entity's derived fields.
	Derivations bool
}

type fieldPlan struct {
	def    schema.FieldDef
	column string
	steps  []Step
}

// Engine applies one mapping. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	entity   *schema.Entity
	mapping  *mapping.Mapping
	plans    []fieldPlan
	defaults map[schema.Field]string
	coercer  Coercer
	derive   bool
	logger   *zap.Logger
}

// NewEngine compiles m against its canonical entity.
func NewEngine(m *mapping.Mapping, opts Options, l *zap.Logger) (*Engine, error) {
	if err := mapping.Validate(m, ValidateToken); err != nil {
		return nil, err
	}
	entity, err := schema.Lookup(m.DataType)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		entity:   entity,
		mapping:  m,
		defaults: make(map[schema.Field]string),
		coercer:  Coercer{AreaCap: opts.AreaCap},
		derive:   opts.Derivations,
		logger: logger.OrGlobal(l).With(
			zap.String("component", "transform"),
			zap.String("mapping", m.ID())),
	}
	tables := opts.Tables
	if tables == nil {
		tables = Tables{}
	}
	for _, fm := range m.Fields {
		def, _ := entity.Field(fm.Field)
		plan := fieldPlan{def: def, column: fm.Column}
		for _, tok := range fm.Transforms {
			step, err := ParseStep(tok, tables)
			if err != nil {
				return nil, errors.Wrap(err, errors.KindMappingInvalid, "cannot compile transform on "+string(fm.Field))
			}
			plan.steps = append(plan.steps, step)
		}
		e.plans = append(e.plans, plan)
	}
	for field, value := range opts.Defaults {
		f := schema.Field(field)
		if !entity.Has(f) {
			return nil, errors.Newf(errors.KindConfig, "default for unknown field %q of %s", field, entity.Name)
		}
		e.defaults[f] = value
	}
	return e, nil
}

// Entity returns the canonical entity rows are produced for.
func (e *Engine) Entity() *schema.Entity { return e.entity }

// Mapping returns the compiled mapping.
func (e *Engine) Mapping() *mapping.Mapping { return e.mapping }

// Transform converts every row of batch. The result has one CanonicalRow per
// source row, in order. Rows the adapter could not parse carry a fatal
// MalformedInput issue and no values.
func (e *Engine) Transform(batch *models.Batch) []models.CanonicalRow {
	columns := e.resolveColumns(batch)
	out := make([]models.CanonicalRow, 0, batch.Len())
	for _, src := range batch.Rows {
		out = append(out, e.row(src, columns))
	}
	return out
}

// resolveColumns matches mapped columns against the batch header, exactly
// first and then case-insensitively on trimmed names. Unresolved columns map
// to "".
func (e *Engine) resolveColumns(batch *models.Batch) []string {
	header := batch.Columns
	if len(header) == 0 && batch.Len() > 0 {
		for k := range batch.Rows[0].Values {
			header = append(header, k)
		}
	}
	exact := make(map[string]string, len(header))
	folded := make(map[string]string, len(header))
	for _, h := range header {
		exact[h] = h
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := folded[key]; !dup {
			folded[key] = h
		}
	}

	cols := make([]string, len(e.plans))
	for i, p := range e.plans {
		if p.column == "" {
			continue
		}
		if h, ok := exact[p.column]; ok {
			cols[i] = h
		} else if h, ok := folded[strings.ToLower(strings.TrimSpace(p.column))]; ok {
			cols[i] = h
		}
	}
	return cols
}

func (e *Engine) row(src models.SourceRow, columns []string) models.CanonicalRow {
	cr := models.CanonicalRow{Offset: src.Offset}
	if src.ParseError != "" {
		cr.Issues = append(cr.Issues, models.ParseErrorIssue(src))
		return cr
	}

	values := make(models.Row, len(e.plans))
	for i, p := range e.plans {
		var v interface{}
		if columns[i] == "" {
			cr.Issues = append(cr.Issues, models.Issue{
				Offset: src.Offset,
				Field:  p.def.Name,
				Column: p.column,
				Kind:   errors.KindMissingSourceColumn,
				Detail: "source column not found",
			})
		} else {
			v = src.Values[columns[i]]
		}
		raw := v

		failed := false
		for _, step := range p.steps {
			next, err := step.Apply(v)
			if err != nil {
				cr.Issues = append(cr.Issues, models.Issue{
					Offset: src.Offset,
					Field:  p.def.Name,
					Column: p.column,
					Kind:   kindOrCoercion(err),
					Fatal:  true,
					Detail: step.Token() + ": " + err.Error(),
					Value:  models.FormatAny(raw),
				})
				failed = true
				break
			}
			v = next
		}
		if failed {
			values[p.def.Name] = nil
			continue
		}

		if isBlank(v) {
			if d, ok := e.defaults[p.def.Name]; ok {
				v = d
			}
		}
		canonical, problem := e.coercer.Coerce(p.def, v)
		if problem != nil {
			cr.Issues = append(cr.Issues, models.Issue{
				Offset: src.Offset,
				Field:  p.def.Name,
				Column: p.column,
				Kind:   errors.KindCoercionFailed,
				Fatal:  problem.fatal,
				Detail: problem.detail,
				Value:  models.FormatAny(raw),
			})
		}
		values[p.def.Name] = canonical
	}

	for field, d := range e.defaults {
		if _, mapped := values[field]; mapped {
			continue
		}
		def, _ := e.entity.Field(field)
		if canonical, problem := e.coercer.Coerce(def, d); problem == nil {
			values[field] = canonical
		}
	}

	if e.derive {
		cr.Issues = append(cr.Issues, derive(e.entity, values, src.Offset)...)
	}
	cr.Values = values
	return cr
}

func kindOrCoercion(err error) errors.Kind {
	if k := errors.KindOf(err); k != "" && k != errors.KindInternal {
		return k
	}
	return errors.KindCoercionFailed
}
