package store

import (
	"database/sql/driver"
	"time"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
)

// NullTime scans timestamps from either driver: pgx hands back time.Time,
// SQLite may hand back text.
type NullTime struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (t *NullTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = models.NormalizeTime(v), true
		return nil
	case []byte:
		return t.Scan(string(v))
	case string:
		parsed, err := models.ParseStoredTime(v)
		if err != nil {
			return err
		}
		t.Time, t.Valid = models.NormalizeTime(parsed), true
		return nil
	default:
		return errors.Newf(errors.KindInternal, "cannot scan %T into a timestamp", src)
	}
}

// Value implements driver.Valuer.
func (t NullTime) Value() (driver.Value, error) {
	if !t.Valid {
		return nil, nil
	}
	return models.NormalizeTime(t.Time), nil
}

// Ptr returns nil for an invalid time.
func (t NullTime) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

// TimeOrNil converts a possibly nil time for use as a query argument.
func TimeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return models.NormalizeTime(*t)
}
