package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalEntities(t *testing.T) {
	tests := []struct {
		name string
		key  []Field
		geo  bool
	}{
		{Property, []Field{FieldPropertyID}, true},
		{Assessment, []Field{FieldPropertyID, FieldAssessmentYear}, false},
		{TaxRecord, []Field{FieldTaxCode, FieldTaxYear}, false},
		{CostMatrixEntry, []Field{FieldRegion, FieldBuildingType, FieldMatrixYear}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Lookup(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.key, e.NaturalKey)
			assert.Equal(t, tt.geo, e.HasGeometry())
			assert.Equal(t, FieldLastUpdated, e.Watermark)
			for _, k := range e.NaturalKey {
				assert.True(t, e.Has(k))
			}
		})
	}

	_, err := Lookup("parcel_photo")
	assert.Error(t, err)
}

func TestFieldDefs(t *testing.T) {
	e, err := Lookup(Property)
	require.NoError(t, err)

	area, ok := e.Field(FieldArea)
	require.True(t, ok)
	assert.True(t, area.AreaCapped)

	yb, _ := e.Field(FieldYearBuilt)
	assert.Equal(t, TypeYear, yb.Type)
	assert.Equal(t, float64(MinYear), yb.Min)
	assert.Equal(t, float64(MaxYear), yb.Max)

	require.Len(t, e.Derivations, 1)
	assert.Equal(t, FieldTotalValue, e.Derivations[0].Target)
}

func TestWithWatermark(t *testing.T) {
	e, _ := Lookup(Assessment)
	alt, err := e.WithWatermark(FieldAssessmentYear)
	require.NoError(t, err)
	assert.Equal(t, FieldAssessmentYear, alt.Watermark)
	assert.Equal(t, FieldLastUpdated, e.Watermark)

	_, err = e.WithWatermark(FieldNotes)
	assert.Error(t, err)
}

func TestCreateTableSQL(t *testing.T) {
	e, _ := Lookup(TaxRecord)

	pg := CreateTableSQL(e, "tax_record", DialectPostgres)
	require.Len(t, pg, 2)
	assert.Contains(t, pg[0], "levy_amount NUMERIC(16,2)")
	assert.Contains(t, pg[0], "tax_code TEXT NOT NULL")
	assert.Contains(t, pg[0], "updated_at TIMESTAMPTZ NOT NULL")
	assert.Equal(t, "CREATE UNIQUE INDEX IF NOT EXISTS ux_tax_record_natural_key ON tax_record (tax_code, tax_year)", pg[1])

	lite := CreateTableSQL(e, "tax_record", DialectSQLite)
	assert.True(t, strings.HasPrefix(lite[0], "CREATE TABLE IF NOT EXISTS tax_record"))
	assert.Contains(t, lite[0], "levy_rate REAL")
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&Entity{
		Name:       "land_segment",
		Fields:     []FieldDef{str("segment_id"), money("segment_value")},
		NaturalKey: []Field{"segment_id"},
	})
	require.NoError(t, err)
	assert.Contains(t, r.Names(), "land_segment")

	err = r.Register(&Entity{Name: "broken", Fields: []FieldDef{str("a")}, NaturalKey: []Field{"b"}})
	assert.Error(t, err)
}
