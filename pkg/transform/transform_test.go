package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/mapping"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
)

func batchOf(cols []string, rows ...[]interface{}) *models.Batch {
	b := &models.Batch{Columns: cols}
	for i, r := range rows {
		vals := make(map[string]interface{}, len(cols))
		for j, c := range cols {
			if j < len(r) {
				vals[c] = r[j]
			}
		}
		b.Rows = append(b.Rows, models.SourceRow{Offset: int64(i), Values: vals})
	}
	return b
}

func s1Mapping() *mapping.Mapping {
	return &mapping.Mapping{
		DataType: schema.Property,
		Name:     "county",
		Fields: []mapping.FieldMapping{
			{Field: schema.FieldPropertyID, Column: "PropertyID"},
			{Field: schema.FieldLandValue, Column: "LandValue"},
			{Field: schema.FieldBedrooms, Column: "Bedrooms"},
		},
	}
}

func TestTransformCurrencyAndBadNumber(t *testing.T) {
	eng, err := NewEngine(s1Mapping(), Options{Derivations: true}, zaptest.NewLogger(t))
	require.NoError(t, err)

	out := eng.Transform(batchOf([]string{"PropertyID", "LandValue", "Bedrooms"},
		[]interface{}{"P00001", "$120,000", "3"},
		[]interface{}{"P00002", "not-a-number", "3"},
	))
	require.Len(t, out, 2)

	first := out[0]
	_, fatal := first.FatalIssue()
	assert.False(t, fatal)
	assert.Equal(t, "P00001", first.Values[schema.FieldPropertyID])
	assert.Equal(t, models.Money(12_000_000), first.Values[schema.FieldLandValue])
	assert.Equal(t, "120000.00", first.Values[schema.FieldLandValue].(models.Money).String())
	assert.Equal(t, int64(3), first.Values[schema.FieldBedrooms])

	issue, fatal := out[1].FatalIssue()
	require.True(t, fatal)
	assert.Equal(t, "CoercionFailed(land_value)", issue.Reason())
	assert.Equal(t, "not-a-number", issue.Value)
	assert.Nil(t, out[1].Values[schema.FieldLandValue])
}

func TestCoercionRules(t *testing.T) {
	c := Coercer{AreaCap: 100_000}
	prop, _ := schema.Lookup(schema.Property)
	field := func(f schema.Field) schema.FieldDef {
		def, ok := prop.Field(f)
		require.True(t, ok)
		return def
	}
	date := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name   string
		field  schema.Field
		in     interface{}
		want   interface{}
		issue  bool
		fatal  bool
		detail string
	}{
		{"money accounting negative", schema.FieldLandValue, "($1,234.565)", models.Money(-123457), false, false, ""},
		{"money float", schema.FieldLandValue, 10.25, models.Money(1025), false, false, ""},
		{"empty is nil", schema.FieldLandValue, "   ", nil, false, false, ""},
		{"string collapse", schema.FieldOwnerName, "  SMITH,   JOHN ", "SMITH, JOHN", false, false, ""},
		{"integer with separators", schema.FieldArea, "1,250", int64(1250), false, false, ""},
		{"area over cap", schema.FieldArea, "150000", nil, true, false, DetailOutOfRange},
		{"bedrooms float string", schema.FieldBedrooms, "3.0", int64(3), false, false, ""},
		{"bedrooms fraction", schema.FieldBedrooms, "3.5", nil, true, true, ""},
		{"year too early", schema.FieldYearBuilt, "1700", nil, true, false, DetailOutOfRange},
		{"year ok", schema.FieldYearBuilt, int64(1999), int64(1999), false, false, ""},
		{"bathrooms bound", schema.FieldBathrooms, "75", nil, true, false, DetailOutOfRange},
		{"latitude", schema.FieldLatitude, "46.2087", 46.2087, false, false, ""},
		{"us date", schema.FieldLastSaleDate, "03/15/2021", date(2021, 3, 15), false, false, ""},
		{"short date", schema.FieldLastSaleDate, "3/5/2021", date(2021, 3, 5), false, false, ""},
		{"named month", schema.FieldLastSaleDate, "05-Jan-2020", date(2020, 1, 5), false, false, ""},
		{"bad date", schema.FieldLastSaleDate, "yesterday", nil, true, true, ""},
		{"timestamp", schema.FieldLastUpdated, "2024-01-02 03:04:05", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), false, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, problem := c.Coerce(field(tt.field), tt.in)
			assert.Equal(t, tt.want, got)
			if !tt.issue {
				assert.Nil(t, problem)
				return
			}
			require.NotNil(t, problem)
			assert.Equal(t, tt.fatal, problem.fatal)
			if tt.detail != "" {
				assert.Equal(t, tt.detail, problem.detail)
			}
		})
	}
}

func TestBoolCoercion(t *testing.T) {
	def := schema.FieldDef{Name: "flag", Type: schema.TypeBool}
	for _, in := range []string{"TRUE", "t", "Yes", "y", "1", "X"} {
		got, problem := Coercer{}.Coerce(def, in)
		assert.Nil(t, problem)
		assert.Equal(t, true, got, in)
	}
	for _, in := range []string{"False", "f", "NO", "n", "0"} {
		got, problem := Coercer{}.Coerce(def, in)
		assert.Nil(t, problem)
		assert.Equal(t, false, got, in)
	}
	_, problem := Coercer{}.Coerce(def, "maybe")
	require.NotNil(t, problem)
	assert.True(t, problem.fatal)
}

func TestParseStep(t *testing.T) {
	tables := Tables{"region": {"C01": "Central", "e02": "East"}}

	tests := []struct {
		token string
		in    interface{}
		want  interface{}
		fails bool
	}{
		{"currency_strip", " $1,200.50 ", "1200.50", false},
		{"code_normalize", "tx-01 a", "TX01A", false},
		{"description_cleanup", " Single   Family\tResidence ", "Single Family Residence", false},
		{"upper", "abc", "ABC", false},
		{"lower", "ABC", "abc", false},
		{`regex_extract(^(\w+)\s*-\s*([A-Z]\d+)-(\w+),2)`, "PC - C01-Bing - * - T1", "C01", false},
		{`regex_extract(^(?P<cat>\w+)\s*-,cat)`, "PC - C01-Bing - * - T1", "PC", false},
		{`regex_extract(-\s*(T\d+)\s*$,1)`, "PC - C01-Bing - * - T1", "T1", false},
		{`regex_extract(^Z(\d+),1)`, "PC - C01", nil, false},
		{"enum_map(region)", " c01 ", "Central", false},
		{"enum_map(region)", "E02", "East", false},
		{"enum_map(region)", "W99", nil, true},
		{"lookup(region)", "W99", nil, false},
		{"date_parse(02.01.2006|2006)", "15.03.2021", time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC), false},
		{"date_parse(02.01.2006)", "2021-03-15", nil, true},
		{"default(Residential)", "", "Residential", false},
		{"default(Residential)", "Commercial", "Commercial", false},
		{"currency_strip", int64(5), int64(5), false},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			step, err := ParseStep(tt.token, tables)
			require.NoError(t, err)
			got, err := step.Apply(tt.in)
			if tt.fails {
				require.Error(t, err)
				assert.True(t, errors.IsKind(err, errors.KindCoercionFailed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateToken(t *testing.T) {
	for _, ok := range []string{"currency_strip", "enum_map(region)", "regex_extract((a,b),1)", "date_parse(2006)", "default()"} {
		assert.NoError(t, ValidateToken(ok), ok)
	}
	for _, bad := range []string{"strip", "upper(x)", "regex_extract([,1)", "regex_extract(a)", "regex_extract((a),2)", "enum_map()", "date_parse(|)", "lookup(region"} {
		err := ValidateToken(bad)
		assert.True(t, errors.IsKind(err, errors.KindMappingInvalid), bad)
	}

	_, err := ParseStep("enum_map(unknown)", Tables{})
	assert.True(t, errors.IsKind(err, errors.KindMappingInvalid))
}

func TestMissingColumnAndHeaderFolding(t *testing.T) {
	m := s1Mapping()
	m.Fields = append(m.Fields, mapping.FieldMapping{Field: schema.FieldOwnerName, Column: "Owner"})
	eng, err := NewEngine(m, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	out := eng.Transform(batchOf([]string{" propertyid ", "LANDVALUE", "Bedrooms"},
		[]interface{}{"P1", "100", "2"}))
	require.Len(t, out, 1)
	row := out[0]
	assert.Equal(t, "P1", row.Values[schema.FieldPropertyID])
	assert.Equal(t, models.Money(10000), row.Values[schema.FieldLandValue])

	v, present := row.Values[schema.FieldOwnerName]
	assert.True(t, present)
	assert.Nil(t, v)
	require.Len(t, row.Issues, 1)
	assert.Equal(t, errors.KindMissingSourceColumn, row.Issues[0].Kind)
	assert.False(t, row.Issues[0].Fatal)
}

func TestParseErrorRowsPassThrough(t *testing.T) {
	eng, err := NewEngine(s1Mapping(), Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	b := batchOf([]string{"PropertyID", "LandValue", "Bedrooms"}, []interface{}{"P1", "1", "1"})
	b.Rows = append(b.Rows, models.SourceRow{Offset: 1, ParseError: "expected 3 fields, got 5"})
	out := eng.Transform(b)
	require.Len(t, out, 2)
	issue, fatal := out[1].FatalIssue()
	require.True(t, fatal)
	assert.Equal(t, errors.KindMalformedInput, issue.Kind)
	assert.Nil(t, out[1].Values)
}

func TestDerivationsAndDefaults(t *testing.T) {
	m := &mapping.Mapping{
		DataType: schema.Property,
		Name:     "derive",
		Fields: []mapping.FieldMapping{
			{Field: schema.FieldPropertyID, Column: "id"},
			{Field: schema.FieldLandValue, Column: "land"},
			{Field: schema.FieldImprovementValue, Column: "impr"},
			{Field: schema.FieldTotalValue, Column: "total"},
			{Field: schema.FieldClassification, Column: "class", Transforms: []string{"upper"}},
		},
	}
	eng, err := NewEngine(m, Options{
		Derivations: true,
		Defaults:    map[string]string{"classification": "RESIDENTIAL", "city": "Kennewick"},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	out := eng.Transform(batchOf([]string{"id", "land", "impr", "total", "class"},
		[]interface{}{"P1", "100", "250.50", "", ""},
		[]interface{}{"P2", "100", "", "", "commercial"},
		[]interface{}{"P3", "100", "200", "999", "ag"},
	))
	require.Len(t, out, 3)

	assert.Equal(t, models.Money(35050), out[0].Values[schema.FieldTotalValue])
	assert.Equal(t, "RESIDENTIAL", out[0].Values[schema.FieldClassification])
	assert.Equal(t, "Kennewick", out[0].Values[schema.FieldCity])

	assert.Nil(t, out[1].Values[schema.FieldTotalValue])
	assert.Equal(t, "COMMERCIAL", out[1].Values[schema.FieldClassification])

	assert.Equal(t, models.Money(99900), out[2].Values[schema.FieldTotalValue])

	issues := derive(eng.Entity(), models.Row{
		schema.FieldLandValue:        models.Money(1),
		schema.FieldImprovementValue: "oops",
	}, 7)
	require.Len(t, issues, 1)
	assert.Equal(t, errors.KindDerivationFailed, issues[0].Kind)
	assert.False(t, issues[0].Fatal)
}

func TestEnumMapFailureRejectsRow(t *testing.T) {
	m := &mapping.Mapping{
		DataType: schema.CostMatrixEntry,
		Name:     "matrix",
		Fields: []mapping.FieldMapping{
			{Field: schema.FieldRegion, Column: "Descriptor", Transforms: []string{
				`regex_extract(^\w+\s*-\s*([A-Z]\d+)-,1)`, "enum_map(region)"}},
			{Field: schema.FieldBuildingType, Column: "Descriptor", Transforms: []string{`regex_extract(-\s*(T\d+)\s*$,1)`}},
			{Field: schema.FieldCategory, Column: "Descriptor", Transforms: []string{`regex_extract(^(\w+),1)`}},
			{Field: schema.FieldMatrixYear, Column: "Year"},
		},
	}
	eng, err := NewEngine(m, Options{Tables: Tables{"region": {"C01": "Central Benton"}}}, zaptest.NewLogger(t))
	require.NoError(t, err)

	out := eng.Transform(batchOf([]string{"Descriptor", "Year"},
		[]interface{}{"PC - C01-Bing - * - T1", "2024"},
		[]interface{}{"PC - Z09-Bing - * - T2", "2024"},
	))
	assert.Equal(t, "Central Benton", out[0].Values[schema.FieldRegion])
	assert.Equal(t, "T1", out[0].Values[schema.FieldBuildingType])
	assert.Equal(t, "PC", out[0].Values[schema.FieldCategory])
	assert.Equal(t, int64(2024), out[0].Values[schema.FieldMatrixYear])

	issue, fatal := out[1].FatalIssue()
	require.True(t, fatal)
	assert.Equal(t, schema.FieldRegion, issue.Field)
	assert.Equal(t, errors.KindCoercionFailed, issue.Kind)

	_, err = NewEngine(m, Options{}, zaptest.NewLogger(t))
	assert.True(t, errors.IsKind(err, errors.KindMappingInvalid))
}
