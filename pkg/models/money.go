package models

import (
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/countyops/assessorsync/pkg/errors"
)

// Money is a fixed-point monetary amount in cents.
type Money int64

const maxMoneyDigits = 16

// ParseMoney parses a monetary string. It accepts a leading '$', thousands
// separators, surrounding whitespace, a leading '-' or accounting
// parentheses for negatives, and rounds half away from zero to 2 decimals.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = strings.TrimSpace(s[1:])
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New(errors.KindCoercionFailed, "empty monetary value")
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" {
		intPart = "0"
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return 0, errors.Newf(errors.KindCoercionFailed, "%q is not a monetary value", s)
	}
	intPart = strings.TrimLeft(intPart, "0")
	if len(intPart) > maxMoneyDigits {
		return 0, errors.Newf(errors.KindCoercionFailed, "%q exceeds the monetary range", s)
	}

	var units int64
	if intPart != "" {
		u, err := strconv.ParseInt(intPart, 10, 64)
		if err != nil {
			return 0, errors.Wrap(err, errors.KindCoercionFailed, "invalid monetary value")
		}
		units = u
	}

	frac := fracPart + "00"
	cents, _ := strconv.ParseInt(frac[:2], 10, 64)
	total := units*100 + cents
	if len(fracPart) > 2 && fracPart[2] >= '5' {
		total++
	}
	if neg {
		total = -total
	}
	return Money(total), nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MoneyFromFloat rounds f half away from zero to cents.
func MoneyFromFloat(f float64) (Money, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) >= 1e16 {
		return 0, errors.Newf(errors.KindCoercionFailed, "%v is not a monetary value", f)
	}
	return Money(math.Round(f * 100)), nil
}

// Cents returns the amount in cents.
func (m Money) Cents() int64 { return int64(m) }

// Float64 returns the amount in currency units.
func (m Money) Float64() float64 { return float64(m) / 100 }

// String renders the amount with exactly two decimals, e.g. "120000.00".
func (m Money) String() string {
	c := int64(m)
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// Value implements driver.Valuer. The decimal string keeps NUMERIC columns
// exact on every driver.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan implements sql.Scanner.
func (m *Money) Scan(src interface{}) error {
	v, err := moneyFrom(src)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func moneyFrom(src interface{}) (Money, error) {
	switch v := src.(type) {
	case Money:
		return v, nil
	case int64:
		return Money(v * 100), nil
	case int:
		return Money(int64(v) * 100), nil
	case float64:
		return MoneyFromFloat(v)
	case []byte:
		return ParseMoney(string(v))
	case string:
		return ParseMoney(v)
	default:
		return 0, errors.Newf(errors.KindCoercionFailed, "cannot read money from %T", src)
	}
}

// MarshalJSON renders the amount as a JSON number with two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or string.
func (m *Money) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
