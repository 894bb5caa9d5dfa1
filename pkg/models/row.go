// Package models provides the row-level data structures that flow through
// the pipeline: raw source rows as yielded by adapters, canonical rows keyed
// by schema field, per-row issues, and the fixed-point Money type.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/schema"
)

// SourceRow is one row as read from a source, keyed by source column name.
// Values are strings for text formats and driver values for SQL sources.
// Rows that could not be parsed carry ParseError instead of aborting the
// stream.
type SourceRow struct {
	Offset     int64
	Values     map[string]interface{}
	ParseError string
}

// BatchMeta describes where a batch sits in its source.
type BatchMeta struct {
	// SourceOffset is the offset of the first row in the batch.
	SourceOffset int64
	IsLast       bool
	// Encoding is the text encoding chosen for the batch, if any.
	Encoding     string
	// File is the concrete file a glob location resolved to.
	File         string
}

// Batch is an ordered, uniformly shaped group of source rows.
type Batch struct {
	Columns []string
	Rows    []SourceRow
	Meta    BatchMeta
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Row is a canonical row. A present key with a nil value means the field
// was mapped but has no value.
type Row map[schema.Field]interface{}

// Key returns the natural key values of r and whether all of them are set.
func (r Row) Key(fields []schema.Field) ([]interface{}, bool) {
	key := make([]interface{}, len(fields))
	for i, f := range fields {
		v := r[f]
		if v == nil {
			return nil, false
		}
		if s, ok := v.(string); ok && s == "" {
			return nil, false
		}
		key[i] = v
	}
	return key, true
}

// KeyString renders key values as a single comparable string.
func KeyString(key []interface{}) string {
	parts := make([]string, len(key))
	for i, v := range key {
		parts[i] = FormatAny(v)
	}
	return strings.Join(parts, "\x1f")
}

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// CanonicalRow is a transformed row with its source position and the issues
// raised while producing it.
type CanonicalRow struct {
	Offset int64
	Values Row
	Issues []Issue
}

// FatalIssue returns the first issue that disqualifies the row, if any.
func (c *CanonicalRow) FatalIssue() (Issue, bool) {
	for _, is := range c.Issues {
		if is.Fatal {
			return is, true
		}
	}
	return Issue{}, false
}

// Issue is a per-row problem found during parse or transform.
type Issue struct {
	Offset int64
	Field  schema.Field
	Column string
	Kind   errors.Kind
	// Fatal issues cause the row to be rejected.
	Fatal  bool
	Detail string
	Value  string
}

// Reason renders the issue as Kind(field), e.g. "CoercionFailed(land_value)".
func (i Issue) Reason() string {
	if i.Field == "" {
		return string(i.Kind)
	}
	return fmt.Sprintf("%s(%s)", i.Kind, i.Field)
}

// ParseErrorIssue builds the issue recorded for an unparseable source row.
func ParseErrorIssue(row SourceRow) Issue {
	return Issue{
		Offset: row.Offset,
		Kind:   errors.KindMalformedInput,
		Fatal:  true,
		Detail: row.ParseError,
	}
}

// FormatAny renders a canonical value for keys and text artifacts.
func FormatAny(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case Money:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
