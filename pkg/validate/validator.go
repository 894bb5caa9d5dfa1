// Package validate separates canonical rows into accepted and rejected
// sets. Rejection is per row and carries the failing constraint and fields;
// batch-level checks may reject a whole batch.
package validate

import (
	"context"

	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
)

// Rejection explains why a row was not accepted.
type Rejection struct {
	Offset       int64
	ConstraintID string
	Kind         errors.Kind
	Fields       []schema.Field
	Detail       string
	Value        string
}

// Reason renders the rejection as Kind(field, ...), e.g.
// "CoercionFailed(land_value)".
func (r Rejection) Reason() string {
	if len(r.Fields) == 0 {
		return string(r.Kind)
	}
	return string(r.Kind) + "(" + schema.JoinFields(r.Fields) + ")"
}

// Rejected is a row with the reasons it was rejected.
type Rejected struct {
	Row     models.CanonicalRow
	Reasons []Rejection
}

// Result partitions a batch. Every input row lands in exactly one of
// Accepted, Rejected or ParseErrors.
type Result struct {
	Accepted    []models.CanonicalRow
	Rejected    []Rejected
	ParseErrors []Rejected
}

// Batch describes where a batch sits in its source, for batch-level checks.
type Batch struct {
	// RowsBefore counts source rows in earlier batches.
	RowsBefore int64
	IsLast     bool
}

// Validator evaluates a constraint set.
type Validator struct {
	constraints []Constraint
	minRows     int
	logger      *zap.Logger
}

// Option customizes a Validator.
type Option func(*Validator)

// WithMinRows rejects batches with fewer than n rows. A trailing batch after
// at least one earlier batch is exempt, since it is only the remainder.
func WithMinRows(n int) Option {
	return func(v *Validator) { v.minRows = n }
}

// New creates a validator over constraints.
func New(constraints []Constraint, l *zap.Logger, opts ...Option) *Validator {
	v := &Validator{
		constraints: constraints,
		logger:      logger.OrGlobal(l).With(zap.String("component", "validator")),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Constraints returns the active constraint set.
func (v *Validator) Constraints() []Constraint { return v.constraints }

// Validate checks rows. Rows that already carry a fatal transform issue are
// rejected with that issue; parse errors are kept apart. The returned error
// is BatchRejected for a failed batch-level check, or the resolver's error
// when a referential lookup could not be made.
func (v *Validator) Validate(ctx context.Context, rows []models.CanonicalRow, batch Batch) (*Result, error) {
	if v.minRows > 0 && len(rows) < v.minRows && !(batch.IsLast && batch.RowsBefore > 0) {
		return nil, errors.Newf(errors.KindBatchRejected, "batch has %d rows, minimum is %d", len(rows), v.minRows).
			WithDetail("offset", batch.RowsBefore)
	}

	res := &Result{Accepted: make([]models.CanonicalRow, 0, len(rows))}
	for _, row := range rows {
		if issue, fatal := row.FatalIssue(); fatal {
			rej := Rejected{Row: row, Reasons: []Rejection{fromIssue(issue)}}
			if issue.Kind == errors.KindMalformedInput {
				res.ParseErrors = append(res.ParseErrors, rej)
			} else {
				res.Rejected = append(res.Rejected, rej)
			}
			continue
		}

		var reasons []Rejection
		for _, c := range v.constraints {
			detail, err := c.Check(ctx, row.Values)
			if err != nil {
				return nil, err
			}
			if detail == "" {
				continue
			}
			reasons = append(reasons, Rejection{
				Offset:       row.Offset,
				ConstraintID: c.ID(),
				Kind:         errors.KindConstraintViolated,
				Fields:       c.Fields(),
				Detail:       detail,
			})
		}
		if len(reasons) > 0 {
			res.Rejected = append(res.Rejected, Rejected{Row: row, Reasons: reasons})
			continue
		}
		res.Accepted = append(res.Accepted, row)
	}

	if n := len(res.Rejected) + len(res.ParseErrors); n > 0 {
		v.logger.Debug("rows rejected",
			zap.Int("rejected", len(res.Rejected)),
			zap.Int("parse_errors", len(res.ParseErrors)),
			zap.Int("accepted", len(res.Accepted)))
	}
	return res, nil
}

func fromIssue(is models.Issue) Rejection {
	r := Rejection{
		Offset: is.Offset,
		Kind:   is.Kind,
		Detail: is.Detail,
		Value:  is.Value,
	}
	if is.Field != "" {
		r.Fields = []schema.Field{is.Field}
	}
	return r
}
