package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/schema"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in   string
		want Money
	}{
		{"$120,000", 12000000},
		{"120000.00", 12000000},
		{" 1,234.5 ", 123450},
		{"(45.10)", -4510},
		{"-0.994", -99},
		{"0.125", 13},
		{"-0.125", -13},
		{".5", 50},
		{"$0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMoney(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMoneyRejects(t *testing.T) {
	for _, in := range []string{"not-a-number", "", "$", "12.3.4", "1e5", "99999999999999999999"} {
		_, err := ParseMoney(in)
		require.Error(t, err, in)
		assert.True(t, errors.IsKind(err, errors.KindCoercionFailed))
	}
}

func TestMoneyRendering(t *testing.T) {
	m := Money(12000000)
	assert.Equal(t, "120000.00", m.String())
	assert.Equal(t, "-0.05", Money(-5).String())

	b, err := m.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "120000.00", string(b))

	var back Money
	require.NoError(t, back.UnmarshalJSON([]byte(`"120000.00"`)))
	assert.Equal(t, m, back)

	var scanned Money
	require.NoError(t, scanned.Scan(float64(120000.5)))
	assert.Equal(t, Money(12000050), scanned)
	require.NoError(t, scanned.Scan(int64(7)))
	assert.Equal(t, Money(700), scanned)
}

func TestFromDB(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.FixedZone("PST", -8*3600))

	tests := []struct {
		name string
		typ  schema.Type
		in   interface{}
		want interface{}
	}{
		{"money from int", schema.TypeMoney, int64(120000), Money(12000000)},
		{"money from bytes", schema.TypeMoney, []byte("10.25"), Money(1025)},
		{"year from float", schema.TypeYear, float64(1998), int64(1998)},
		{"float from string", schema.TypeFloat, "2.5", 2.5},
		{"timestamp", schema.TypeTimestamp, ts, ts.UTC().Truncate(time.Microsecond)},
		{"timestamp from text", schema.TypeTimestamp, "2024-03-01 20:30:00+00:00", time.Date(2024, 3, 1, 20, 30, 0, 0, time.UTC)},
		{"date", schema.TypeDate, "2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"bool from int", schema.TypeBool, int64(1), true},
		{"nil", schema.TypeString, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromDB(tt.typ, tt.in)
			require.NoError(t, err)
			assert.True(t, Equal(tt.want, got), "want %v got %v", tt.want, got)
		})
	}
}

func TestRowKey(t *testing.T) {
	r := Row{schema.FieldPropertyID: "P00001", schema.FieldAssessmentYear: int64(2024)}

	key, ok := r.Key([]schema.Field{schema.FieldPropertyID, schema.FieldAssessmentYear})
	require.True(t, ok)
	assert.Equal(t, "P00001\x1f2024", KeyString(key))

	r[schema.FieldPropertyID] = ""
	_, ok = r.Key([]schema.Field{schema.FieldPropertyID})
	assert.False(t, ok)
}

func TestIssueReason(t *testing.T) {
	is := Issue{Kind: errors.KindCoercionFailed, Field: schema.FieldLandValue}
	assert.Equal(t, "CoercionFailed(land_value)", is.Reason())
}

func TestSeverityOrder(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityLow, SeverityHigh, SeverityMedium))

	_, err := ParseSeverity("urgent")
	assert.Error(t, err)
	s, err := ParseSeverity("CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, s)
}
