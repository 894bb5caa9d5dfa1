package validate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
)

type fakeResolver struct {
	keys  map[string]bool
	calls int
	err   error
}

func (f *fakeResolver) KeyExists(_ context.Context, table string, _ []schema.Field, key []interface{}) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.keys[table+":"+models.KeyString(key)], nil
}

func row(offset int64, values models.Row, issues ...models.Issue) models.CanonicalRow {
	return models.CanonicalRow{Offset: offset, Values: values, Issues: issues}
}

func TestDefaultConstraints(t *testing.T) {
	prop, err := schema.Lookup(schema.Property)
	require.NoError(t, err)
	v := New(Defaults(prop), zaptest.NewLogger(t))

	rows := []models.CanonicalRow{
		row(0, models.Row{schema.FieldPropertyID: "P1", schema.FieldLandValue: models.Money(100)}),
		row(1, models.Row{schema.FieldPropertyID: "", schema.FieldLandValue: models.Money(100)}),
		row(2, models.Row{schema.FieldPropertyID: "P3", schema.FieldLandValue: models.Money(-1)}),
		row(3, models.Row{
			schema.FieldPropertyID:       "P4",
			schema.FieldLandValue:        models.Money(10000),
			schema.FieldImprovementValue: models.Money(5000),
			schema.FieldTotalValue:       models.Money(15005),
		}),
		row(4, models.Row{
			schema.FieldPropertyID:       "P5",
			schema.FieldLandValue:        models.Money(10000),
			schema.FieldImprovementValue: models.Money(5000),
			schema.FieldTotalValue:       models.Money(15000),
		}),
	}
	res, err := v.Validate(context.Background(), rows, Batch{IsLast: true})
	require.NoError(t, err)

	require.Len(t, res.Accepted, 2)
	assert.Equal(t, int64(0), res.Accepted[0].Offset)
	assert.Equal(t, int64(4), res.Accepted[1].Offset)

	require.Len(t, res.Rejected, 3)
	assert.Equal(t, "natural_key", res.Rejected[0].Reasons[0].ConstraintID)
	assert.Equal(t, "ConstraintViolated(property_id)", res.Rejected[0].Reasons[0].Reason())
	assert.Equal(t, "nonnegative_land_value", res.Rejected[1].Reasons[0].ConstraintID)
	assert.Equal(t, "total_value_consistent", res.Rejected[2].Reasons[0].ConstraintID)
	assert.Equal(t, []schema.Field{schema.FieldTotalValue, schema.FieldLandValue, schema.FieldImprovementValue},
		res.Rejected[2].Reasons[0].Fields)
}

func TestFatalIssuesAndParseErrors(t *testing.T) {
	prop, _ := schema.Lookup(schema.Property)
	v := New(Defaults(prop), zaptest.NewLogger(t))

	coercion := models.Issue{Offset: 1, Field: schema.FieldLandValue, Kind: errors.KindCoercionFailed, Fatal: true, Value: "not-a-number"}
	warning := models.Issue{Offset: 2, Field: schema.FieldArea, Kind: errors.KindCoercionFailed, Detail: "out_of_range"}
	rows := []models.CanonicalRow{
		row(0, models.Row{schema.FieldPropertyID: "P1"}),
		row(1, models.Row{schema.FieldPropertyID: "P2", schema.FieldLandValue: nil}, coercion),
		row(2, models.Row{schema.FieldPropertyID: "P3", schema.FieldArea: nil}, warning),
		row(3, nil, models.ParseErrorIssue(models.SourceRow{Offset: 3, ParseError: "unrecognized line 4"})),
	}
	res, err := v.Validate(context.Background(), rows, Batch{IsLast: true})
	require.NoError(t, err)

	assert.Len(t, res.Accepted, 2)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "CoercionFailed(land_value)", res.Rejected[0].Reasons[0].Reason())
	assert.Equal(t, "not-a-number", res.Rejected[0].Reasons[0].Value)
	require.Len(t, res.ParseErrors, 1)
	assert.Equal(t, "unrecognized line 4", res.ParseErrors[0].Reasons[0].Detail)
	assert.Equal(t, len(rows), len(res.Accepted)+len(res.Rejected)+len(res.ParseErrors))
}

func TestBuildConstraints(t *testing.T) {
	tax, _ := schema.Lookup(schema.TaxRecord)
	f := func(x float64) *float64 { return &x }
	resolver := &fakeResolver{keys: map[string]bool{"tax_district:D1": true}}

	specs := []config.ConstraintSpec{
		{ID: "rate_cap", Type: "range", Field: "levy_rate", Min: f(0), Max: f(10)},
		{ID: "district_enum", Type: "enum", Field: "tax_district", Values: []string{"D1", "D2"}},
		{ID: "code_format", Type: "regex", Field: "tax_code", Pattern: `^[0-9]{3}$`},
		{ID: "district_ref", Type: "referential", Fields: []string{"tax_district"}, RefTable: "tax_district"},
		{ID: "year_set", Type: "not_null", Fields: []string{"tax_year"}},
	}
	var cs []Constraint
	for _, s := range specs {
		c, err := Build(s, tax, resolver)
		require.NoError(t, err, s.ID)
		cs = append(cs, c)
	}
	v := New(cs, zaptest.NewLogger(t))

	good := models.Row{
		schema.FieldTaxCode: "101", schema.FieldTaxYear: int64(2024),
		schema.FieldTaxDistrict: "D1", schema.FieldLevyRate: 2.5,
	}
	bad := models.Row{
		schema.FieldTaxCode: "10A", schema.FieldTaxYear: nil,
		schema.FieldTaxDistrict: "D2", schema.FieldLevyRate: 12.0,
	}
	res, err := v.Validate(context.Background(), []models.CanonicalRow{row(0, good), row(1, bad), row(2, good)}, Batch{IsLast: true})
	require.NoError(t, err)
	assert.Len(t, res.Accepted, 2)
	require.Len(t, res.Rejected, 1)

	var ids []string
	for _, r := range res.Rejected[0].Reasons {
		ids = append(ids, r.ConstraintID)
	}
	assert.Equal(t, []string{"rate_cap", "code_format", "district_ref", "year_set"}, ids)
	// D1 is cached after the first hit.
	assert.Equal(t, 2, resolver.calls)

	_, err = Build(config.ConstraintSpec{ID: "x", Type: "range", Field: "nope"}, tax, nil)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
	_, err = Build(config.ConstraintSpec{ID: "x", Type: "regex", Field: "tax_code", Pattern: "("}, tax, nil)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
	_, err = Build(config.ConstraintSpec{ID: "x", Type: "referential", Fields: []string{"tax_code"}, RefTable: "t"}, tax, nil)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestResolverErrorAbortsBatch(t *testing.T) {
	tax, _ := schema.Lookup(schema.TaxRecord)
	boom := errors.New(errors.KindDestinationUnavailable, "connection reset")
	c, err := Build(config.ConstraintSpec{ID: "ref", Type: "referential", Fields: []string{"tax_district"}, RefTable: "d"},
		tax, &fakeResolver{err: boom})
	require.NoError(t, err)

	_, err = New([]Constraint{c}, zaptest.NewLogger(t)).Validate(context.Background(),
		[]models.CanonicalRow{row(0, models.Row{schema.FieldTaxDistrict: "D1"})}, Batch{IsLast: true})
	assert.ErrorIs(t, err, boom)
}

func TestMinRows(t *testing.T) {
	v := New(nil, zaptest.NewLogger(t), WithMinRows(3))
	two := []models.CanonicalRow{row(0, models.Row{}), row(1, models.Row{})}

	_, err := v.Validate(context.Background(), two, Batch{IsLast: true})
	assert.True(t, errors.IsKind(err, errors.KindBatchRejected))

	_, err = v.Validate(context.Background(), two, Batch{})
	assert.True(t, errors.IsKind(err, errors.KindBatchRejected))

	res, err := v.Validate(context.Background(), two, Batch{RowsBefore: 1000, IsLast: true})
	require.NoError(t, err)
	assert.Len(t, res.Accepted, 2)
}
