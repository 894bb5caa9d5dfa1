// Package mapping holds the named field mappings that tell the transform
// engine which source column feeds each canonical field, and the registry
// that persists them in the mapping table.
package mapping

import (
	"strings"
	"time"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/schema"
)

// FieldMapping binds one canonical field to a source column and the
// transforms applied to the column value, left to right.
type FieldMapping struct {
	Field      schema.Field `json:"field" yaml:"field"`
	Column     string       `json:"column,omitempty" yaml:"column"`
	// Transforms are tokens such as currency_strip or regex_extract(...).
	Transforms []string     `json:"transforms,omitempty" yaml:"transforms"`
}

// Mapping is identified by (DataType, Name). Fields keep their declared
// order.
type Mapping struct {
	DataType  string         `json:"data_type" yaml:"data_type"`
	Name      string         `json:"name" yaml:"name"`
	Version   int64          `json:"version" yaml:"version"`
	Fields    []FieldMapping `json:"fields" yaml:"fields"`
	CreatedAt time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"-"`
}

// ID renders the mapping identity for logs and errors.
func (m *Mapping) ID() string {
	return m.DataType + "/" + m.Name
}

// For returns the mapping of field, if any.
func (m *Mapping) For(field schema.Field) (FieldMapping, bool) {
	for _, fm := range m.Fields {
		if fm.Field == field {
			return fm, true
		}
	}
	return FieldMapping{}, false
}

// Columns lists the source columns the mapping reads, in field order.
func (m *Mapping) Columns() []string {
	cols := make([]string, 0, len(m.Fields))
	for _, fm := range m.Fields {
		if fm.Column != "" {
			cols = append(cols, fm.Column)
		}
	}
	return cols
}

// TokenValidator checks one transform token. The transform package supplies
// the real one; the registry only needs to know whether a token parses.
type TokenValidator func(token string) error

// Validate checks m against the canonical schema. Source columns may still
// be unresolved here; they are required when rows are transformed.
func Validate(m *Mapping, tokens TokenValidator) error {
	if m == nil {
		return errors.New(errors.KindMappingInvalid, "mapping is nil")
	}
	if strings.TrimSpace(m.Name) == "" {
		return errors.New(errors.KindMappingInvalid, "mapping name is required").WithDetail("data_type", m.DataType)
	}
	entity, err := schema.Lookup(m.DataType)
	if err != nil {
		return errors.Wrap(err, errors.KindMappingInvalid, "mapping targets an unknown data type").
			WithDetail("mapping", m.ID())
	}
	if len(m.Fields) == 0 {
		return errors.New(errors.KindMappingInvalid, "mapping has no fields").WithDetail("mapping", m.ID())
	}

	seen := make(map[schema.Field]bool, len(m.Fields))
	for _, fm := range m.Fields {
		if !entity.Has(fm.Field) {
			return errors.Newf(errors.KindMappingInvalid, "%q is not a canonical field of %s", fm.Field, entity.Name).
				WithDetail("mapping", m.ID())
		}
		if seen[fm.Field] {
			return errors.Newf(errors.KindMappingInvalid, "field %q is mapped twice", fm.Field).
				WithDetail("mapping", m.ID())
		}
		seen[fm.Field] = true
		if tokens == nil {
			continue
		}
		for _, tok := range fm.Transforms {
			if err := tokens(tok); err != nil {
				return errors.Wrap(err, errors.KindMappingInvalid, "invalid transform on "+string(fm.Field)).
					WithDetail("mapping", m.ID()).
					WithDetail("token", tok)
			}
		}
	}
	for _, k := range entity.NaturalKey {
		if !seen[k] {
			return errors.Newf(errors.KindMappingInvalid, "natural key field %q is not mapped", k).
				WithDetail("mapping", m.ID())
		}
	}
	return nil
}

// LoadFile reads a mapping document:
//
//	data_type: property
//	name: county_csv
//	fields:
//	  - field: property_id
//	    column: PropertyID
//	    transforms: [code_normalize]
func LoadFile(path string) (*Mapping, error) {
	var m Mapping
	if err := config.LoadYAML(path, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
