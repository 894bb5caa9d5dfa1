// Package watermark keeps the per-(source, table) sync metadata: the last
// committed high-water mark, run counts and last-run status. Marks only move
// forward, and every advance happens inside the transaction that commits the
// chunk it describes.
package watermark

import (
	"strconv"
	"time"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
)

// Kind tells how a mark is compared.
type Kind string

const (
	KindTimestamp Kind = "timestamp"
	KindSequence  Kind = "sequence"
)

// Mark is a high-water mark: a timestamp or a sequence number.
type Mark struct {
	Kind Kind
	Time time.Time
	Seq  int64
}

// FromValue builds a mark from a canonical watermark column value.
func FromValue(v interface{}) (Mark, bool) {
	switch x := v.(type) {
	case time.Time:
		return Mark{Kind: KindTimestamp, Time: models.NormalizeTime(x)}, true
	case int64:
		return Mark{Kind: KindSequence, Seq: x}, true
	case int:
		return Mark{Kind: KindSequence, Seq: int64(x)}, true
	}
	return Mark{}, false
}

// Value returns the mark as a canonical value for query arguments.
func (m Mark) Value() interface{} {
	if m.Kind == KindTimestamp {
		return m.Time
	}
	return m.Seq
}

// Compare returns -1, 0 or 1. Marks of different kinds are a
// WatermarkConflict.
func (m Mark) Compare(o Mark) (int, error) {
	if m.Kind != o.Kind {
		return 0, errors.Newf(errors.KindWatermarkConflict, "cannot compare %s mark with %s mark", m.Kind, o.Kind)
	}
	switch m.Kind {
	case KindTimestamp:
		switch {
		case m.Time.Before(o.Time):
			return -1, nil
		case m.Time.After(o.Time):
			return 1, nil
		}
		return 0, nil
	default:
		switch {
		case m.Seq < o.Seq:
			return -1, nil
		case m.Seq > o.Seq:
			return 1, nil
		}
		return 0, nil
	}
}

// After reports whether m is strictly later than o. It is false when the
// kinds differ.
func (m Mark) After(o Mark) bool {
	c, err := m.Compare(o)
	return err == nil && c > 0
}

// String is the stored text form.
func (m Mark) String() string {
	if m.Kind == KindTimestamp {
		return m.Time.UTC().Format(time.RFC3339Nano)
	}
	return strconv.FormatInt(m.Seq, 10)
}

// Parse reads the stored text form.
func Parse(kind Kind, s string) (Mark, error) {
	switch kind {
	case KindTimestamp:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Mark{}, errors.Wrap(err, errors.KindWatermarkConflict, "stored watermark is not a timestamp")
		}
		return Mark{Kind: kind, Time: models.NormalizeTime(t)}, nil
	case KindSequence:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Mark{}, errors.Wrap(err, errors.KindWatermarkConflict, "stored watermark is not a sequence")
		}
		return Mark{Kind: kind, Seq: n}, nil
	}
	return Mark{}, errors.Newf(errors.KindWatermarkConflict, "unknown watermark kind %q", kind)
}

// Max returns the later of two optional marks.
func Max(a, b *Mark) *Mark {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	}
	return a
}

// Counts tallies row outcomes.
type Counts struct {
	Inserted    int64 `json:"inserted"`
	Updated     int64 `json:"updated"`
	Unchanged   int64 `json:"unchanged"`
	Rejected    int64 `json:"rejected"`
	ParseErrors int64 `json:"parse_errors"`
	Skipped     int64 `json:"skipped"`
	Chunks      int64 `json:"chunks"`
}

// Add returns c + o.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Inserted:    c.Inserted + o.Inserted,
		Updated:     c.Updated + o.Updated,
		Unchanged:   c.Unchanged + o.Unchanged,
		Rejected:    c.Rejected + o.Rejected,
		ParseErrors: c.ParseErrors + o.ParseErrors,
		Skipped:     c.Skipped + o.Skipped,
		Chunks:      c.Chunks + o.Chunks,
	}
}

// Accepted is inserted + updated + unchanged.
func (c Counts) Accepted() int64 {
	return c.Inserted + c.Updated + c.Unchanged
}

// Run statuses recorded in last_status.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Record is the sync metadata of one (source, table).
type Record struct {
	SourceID  string
	Table     string
	Mark      *Mark
	LastRunAt time.Time
	Status    string
	LastRun   Counts
	Total     Counts
	Runs      int64
}
