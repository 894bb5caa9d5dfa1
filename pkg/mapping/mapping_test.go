package mapping

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/schema"
	"github.com/countyops/assessorsync/pkg/store"
)

func newRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "m.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return NewRegistry(s, zaptest.NewLogger(t), opts...)
}

func propertyMapping() *Mapping {
	return &Mapping{
		DataType: schema.Property,
		Name:     "county_csv",
		Fields: []FieldMapping{
			{Field: schema.FieldPropertyID, Column: "PropertyID"},
			{Field: schema.FieldLandValue, Column: "LandValue", Transforms: []string{"currency_strip"}},
			{Field: schema.FieldBedrooms, Column: "Bedrooms"},
		},
	}
}

func TestCreateGetList(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	got, err := r.Get(ctx, schema.Property, "county_csv")
	require.NoError(t, err)
	assert.Nil(t, got)

	m := propertyMapping()
	require.NoError(t, r.Create(ctx, m))
	assert.Equal(t, int64(1), m.Version)

	got, err = r.Get(ctx, schema.Property, "county_csv")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.Fields, got.Fields)
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, got.CreatedAt.IsZero())

	err = r.Create(ctx, propertyMapping())
	assert.True(t, errors.IsKind(err, errors.KindAlreadyExists), "got %v", err)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	none, err := r.List(ctx, schema.TaxRecord)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateOptimisticVersion(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, propertyMapping()))

	first, err := r.Require(ctx, schema.Property, "county_csv")
	require.NoError(t, err)
	second, err := r.Require(ctx, schema.Property, "county_csv")
	require.NoError(t, err)

	first.Fields = append(first.Fields, FieldMapping{Field: schema.FieldOwnerName, Column: "Owner"})
	require.NoError(t, r.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Fields = second.Fields[:1]
	err = r.Update(ctx, second)
	assert.True(t, errors.IsKind(err, errors.KindTransactionConflict), "got %v", err)

	stored, err := r.Require(ctx, schema.Property, "county_csv")
	require.NoError(t, err)
	assert.Len(t, stored.Fields, 4)

	missing := propertyMapping()
	missing.Name = "nope"
	err = r.Update(ctx, missing)
	assert.True(t, errors.IsKind(err, errors.KindMappingMissing), "got %v", err)
}

func TestSaveAndDelete(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	m := propertyMapping()
	require.NoError(t, r.Save(ctx, m))
	m2 := propertyMapping()
	require.NoError(t, r.Save(ctx, m2))
	assert.Equal(t, int64(2), m2.Version)

	require.NoError(t, r.Delete(ctx, schema.Property, "county_csv"))
	err := r.Delete(ctx, schema.Property, "county_csv")
	assert.True(t, errors.IsKind(err, errors.KindMappingMissing))

	_, err = r.Require(ctx, schema.Property, "county_csv")
	assert.True(t, errors.IsKind(err, errors.KindMappingMissing))
}

func TestValidate(t *testing.T) {
	rejectX := func(tok string) error {
		if strings.HasPrefix(tok, "x") {
			return errors.New(errors.KindMappingInvalid, "unknown token")
		}
		return nil
	}

	tests := []struct {
		name   string
		mutate func(m *Mapping)
		ok     bool
	}{
		{"valid", func(m *Mapping) {}, true},
		{"unresolved column is fine", func(m *Mapping) { m.Fields[2].Column = "" }, true},
		{"unknown data type", func(m *Mapping) { m.DataType = "parcel" }, false},
		{"unknown field", func(m *Mapping) { m.Fields[1].Field = "land_val" }, false},
		{"duplicate field", func(m *Mapping) { m.Fields[2].Field = schema.FieldLandValue }, false},
		{"natural key unmapped", func(m *Mapping) { m.Fields = m.Fields[1:] }, false},
		{"bad token", func(m *Mapping) { m.Fields[1].Transforms = []string{"xyz"} }, false},
		{"no name", func(m *Mapping) { m.Name = " " }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := propertyMapping()
			tt.mutate(m)
			err := Validate(m, rejectX)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.IsKind(err, errors.KindMappingInvalid), "got %v", err)
		})
	}
}

func TestCreateRejectsInvalidTokens(t *testing.T) {
	r := newRegistry(t, WithTokenValidator(func(tok string) error {
		return errors.Newf(errors.KindMappingInvalid, "unknown token %q", tok)
	}))
	err := r.Create(context.Background(), propertyMapping())
	assert.True(t, errors.IsKind(err, errors.KindMappingInvalid))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "levy.yaml")
	doc := `data_type: tax_record
name: levy_export
fields:
  - field: tax_code
    column: tax_code
    transforms: [code_normalize]
  - field: tax_year
    column: ${LEVY_YEAR_COLUMN:-year}
  - field: levy_rate
    column: levy_rate
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	m, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, schema.TaxRecord, m.DataType)
	assert.Equal(t, "levy_export", m.Name)
	require.Len(t, m.Fields, 3)
	assert.Equal(t, []string{"code_normalize"}, m.Fields[0].Transforms)
	assert.Equal(t, "year", m.Fields[1].Column)
	assert.Equal(t, []string{"tax_code", "year", "levy_rate"}, m.Columns())
	require.NoError(t, Validate(m, nil))
}
