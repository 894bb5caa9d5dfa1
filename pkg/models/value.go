package models

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/schema"
)

// DateLayout is the canonical text form of TypeDate values.
const DateLayout = "2006-01-02"

var storedTimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	DateLayout,
}

// NormalizeTime brings a timestamp to the precision every store keeps.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// NormalizeDate drops the time of day.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseStoredTime parses the text forms databases hand back for timestamp
// and date columns.
func ParseStoredTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range storedTimestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Newf(errors.KindCoercionFailed, "%q is not a timestamp", s)
}

// FromDB converts a driver value read from a canonical column back into the
// canonical Go representation of t, so stored rows compare equal to freshly
// transformed ones.
func FromDB(t schema.Type, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}

	switch t {
	case schema.TypeMoney:
		return moneyFrom(v)
	case schema.TypeInteger, schema.TypeYear:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case float64:
			return int64(math.Round(x)), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, errors.Wrap(err, errors.KindCoercionFailed, "integer column")
			}
			return n, nil
		}
	case schema.TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, errors.Wrap(err, errors.KindCoercionFailed, "float column")
			}
			return f, nil
		}
	case schema.TypeDate, schema.TypeTimestamp:
		var ts time.Time
		switch x := v.(type) {
		case time.Time:
			ts = x
		case string:
			parsed, err := ParseStoredTime(x)
			if err != nil {
				return nil, err
			}
			ts = parsed
		default:
			return nil, errors.Newf(errors.KindCoercionFailed, "cannot read %s from %T", t, v)
		}
		if t == schema.TypeDate {
			return NormalizeDate(ts), nil
		}
		return NormalizeTime(ts), nil
	case schema.TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, errors.Wrap(err, errors.KindCoercionFailed, "bool column")
			}
			return b, nil
		}
	default:
		switch x := v.(type) {
		case string:
			return x, nil
		default:
			return FormatAny(x), nil
		}
	}
	return nil, errors.Newf(errors.KindCoercionFailed, "cannot read %s from %T", t, v)
}

// ToDB converts a canonical value into a driver argument.
func ToDB(t schema.Type, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch x := v.(type) {
	case time.Time:
		if t == schema.TypeDate {
			return x.Format(DateLayout)
		}
		return NormalizeTime(x)
	default:
		return v
	}
}

// Format renders a canonical value as text for CSV artifacts.
func Format(t schema.Type, v interface{}) string {
	if v == nil {
		return ""
	}
	switch x := v.(type) {
	case time.Time:
		if t == schema.TypeDate {
			return x.Format(DateLayout)
		}
		return x.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return FormatAny(v)
	}
}

// JSONValue renders a canonical value for JSON artifacts. Dates and
// timestamps become ISO-8601 strings; money stays numeric.
func JSONValue(t schema.Type, v interface{}) interface{} {
	if ts, ok := v.(time.Time); ok {
		if t == schema.TypeDate {
			return ts.Format(DateLayout)
		}
		return ts.UTC().Format(time.RFC3339Nano)
	}
	return v
}

// Equal compares two canonical values.
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case float64:
		y, ok := b.(float64)
		return ok && math.Abs(x-y) <= 1e-9*math.Max(1, math.Abs(x))
	default:
		return a == b
	}
}
