package transform

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
)

// DateLayouts are tried, in order, for date and timestamp fields after any
// layouts given by a date_parse transform.
var DateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"02-Jan-2006",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"1/2/2006 15:04",
	"1/2/2006 3:04:05 PM",
}

// DefaultAreaCap bounds area fields when no cap is configured.
const DefaultAreaCap = 1_000_000

var (
	truthy = map[string]bool{"true": true, "t": true, "yes": true, "y": true, "1": true, "x": true}
	falsy  = map[string]bool{"false": true, "f": true, "no": true, "n": true, "0": true}
)

// DetailOutOfRange marks issues raised for values outside a field's bounds.
const DetailOutOfRange = "out_of_range"

// coercionError is a coercion outcome that is not a plain success.
type coercionError struct {
	detail string
	fatal  bool
}

// Coercer converts transformed values to the semantic type of a field.
type Coercer struct {
	AreaCap int64
}

// Coerce returns the canonical value of v for def. Unparseable values come
// back nil with a fatal problem; values outside the field's bounds come back
// nil with a non-fatal one.
func (c Coercer) Coerce(def schema.FieldDef, v interface{}) (interface{}, *coercionError) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if s, ok := v.(string); ok {
		s = collapse(s)
		if s == "" {
			return nil, nil
		}
		v = s
	}
	if v == nil {
		return nil, nil
	}

	switch def.Type {
	case schema.TypeString:
		return models.FormatAny(v), nil
	case schema.TypeMoney:
		return coerceMoney(v)
	case schema.TypeInteger, schema.TypeYear:
		n, err := toInt(v)
		if err != nil {
			return nil, &coercionError{detail: err.Error(), fatal: true}
		}
		if !c.inBounds(def, float64(n)) {
			return nil, &coercionError{detail: DetailOutOfRange}
		}
		return n, nil
	case schema.TypeFloat:
		f, err := toFloat(v)
		if err != nil {
			return nil, &coercionError{detail: err.Error(), fatal: true}
		}
		if !c.inBounds(def, f) {
			return nil, &coercionError{detail: DetailOutOfRange}
		}
		return f, nil
	case schema.TypeDate, schema.TypeTimestamp:
		t, err := toTime(v)
		if err != nil {
			return nil, &coercionError{detail: err.Error(), fatal: true}
		}
		if def.Type == schema.TypeDate {
			return models.NormalizeDate(t), nil
		}
		return models.NormalizeTime(t), nil
	case schema.TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		}
		s := strings.ToLower(models.FormatAny(v))
		switch {
		case truthy[s]:
			return true, nil
		case falsy[s]:
			return false, nil
		}
		return nil, &coercionError{detail: "not a boolean", fatal: true}
	}
	return nil, &coercionError{detail: "unsupported type " + def.Type.String(), fatal: true}
}

func (c Coercer) inBounds(def schema.FieldDef, f float64) bool {
	if !def.Bounded {
		return true
	}
	max := def.Max
	if def.AreaCapped {
		max = float64(c.AreaCap)
		if c.AreaCap <= 0 {
			max = DefaultAreaCap
		}
	}
	return f >= def.Min && f <= max
}

func coerceMoney(v interface{}) (interface{}, *coercionError) {
	var (
		m   models.Money
		err error
	)
	switch x := v.(type) {
	case models.Money:
		return x, nil
	case int64:
		m = models.Money(x * 100)
	case int:
		m = models.Money(int64(x) * 100)
	case float64:
		m, err = models.MoneyFromFloat(x)
	case string:
		m, err = models.ParseMoney(x)
	default:
		err = errors.Newf(errors.KindCoercionFailed, "cannot read money from %T", v)
	}
	if err != nil {
		return nil, &coercionError{detail: err.Error(), fatal: true}
	}
	return m, nil
}

func toInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, errors.Newf(errors.KindCoercionFailed, "%v is not an integer", x)
		}
		return int64(x), nil
	case string:
		s := strings.ReplaceAll(x, ",", "")
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
			return 0, errors.Newf(errors.KindCoercionFailed, "%q is not an integer", x)
		}
		return int64(f), nil
	}
	return 0, errors.Newf(errors.KindCoercionFailed, "cannot read integer from %T", v)
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case models.Money:
		return x.Float64(), nil
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(x, ",", ""), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, errors.Newf(errors.KindCoercionFailed, "%q is not a number", x)
		}
		return f, nil
	}
	return 0, errors.Newf(errors.KindCoercionFailed, "cannot read number from %T", v)
}

func toTime(v interface{}) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		for _, layout := range DateLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t, nil
			}
		}
		if t, err := models.ParseStoredTime(x); err == nil {
			return t, nil
		}
		return time.Time{}, errors.Newf(errors.KindCoercionFailed, "%q is not a recognised date", x)
	}
	return time.Time{}, errors.Newf(errors.KindCoercionFailed, "cannot read date from %T", v)
}
