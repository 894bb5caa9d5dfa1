// Package notify dispatches alerts raised by quality evaluations and job
// runs. Each alert becomes one notification row; identical evidence for the
// same rule inside the cool-down window collapses into the existing row with
// a bumped occurrence count. Delivery fans out to the configured channels,
// each retried with exponential backoff and tracked per channel. The
// dispatcher is the only writer of the notification tables.
package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/json"
	"github.com/countyops/assessorsync/pkg/models"
)

// Notification and delivery statuses.
const (
	StatusNew       = "new"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Alert is a request to notify.
type Alert struct {
	RuleID     string
	Title      string
	Body       string
	Severity   models.Severity
	// Channels overrides the dispatcher's default channels when set.
	Channels   []string
	// References points at the originating report, finding or anomaly ids.
	References map[string]string
	// Evidence is fingerprinted for deduplication.
	Evidence   interface{}
}

// Notification is a stored dispatch record.
type Notification struct {
	ID              string            `json:"notification_id" db:"notification_id"`
	RuleID          string            `json:"rule_id" db:"rule_id"`
	Fingerprint     string            `json:"fingerprint" db:"fingerprint"`
	Title           string            `json:"title" db:"title"`
	Body            string            `json:"body" db:"body"`
	Severity        models.Severity   `json:"severity" db:"severity"`
	Channels        []string          `json:"channels"`
	Status          string            `json:"status" db:"status"`
	References      map[string]string `json:"references"`
	OccurrenceCount int64             `json:"occurrence_count" db:"occurrence_count"`
	FirstSeenAt     time.Time         `json:"first_seen_at"`
	LastSeenAt      time.Time         `json:"last_seen_at"`
	DeliveredAt     *time.Time        `json:"delivered_at,omitempty"`
	ReadAt          *time.Time        `json:"read_at,omitempty"`
	// Deduplicated is set when the alert collapsed into an earlier row.
	Deduplicated    bool              `json:"deduplicated"`
}

// Delivery is the per-channel state of a notification.
type Delivery struct {
	Channel   string
	Status    string
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Fingerprint is the hex sha256 of the canonical JSON of evidence. Map keys
// are encoded in sorted order, so equal evidence always fingerprints equal.
func Fingerprint(evidence interface{}) (string, error) {
	b, err := json.Marshal(evidence)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "failed to encode alert evidence")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
