package notify

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/json"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/metrics"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/retry"
	"github.com/countyops/assessorsync/pkg/store"
)

// Options tune deduplication and delivery.
type Options struct {
	// CoolDown collapses identical alerts of a rule raised within it. Zero
	// disables deduplication.
	CoolDown         time.Duration
	MaxAttempts      int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	// DefaultChannels receive alerts that name none. The log channel is
	// always added.
	DefaultChannels  []string
	// BreakerThreshold consecutive failed attempts open a channel's breaker
	// for BreakerCoolOff. Zero disables the breaker.
	BreakerThreshold int
	BreakerCoolOff   time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		CoolDown:         15 * time.Minute,
		MaxAttempts:      5,
		BackoffInitial:   time.Second,
		BackoffMax:       time.Minute,
		DefaultChannels:  []string{ChannelLog},
		BreakerThreshold: 10,
		BreakerCoolOff:   time.Minute,
	}
}

// Dispatcher records and delivers notifications.
type Dispatcher struct {
	store    *store.Store
	opts     Options
	channels map[string]Channel
	breakers map[string]*breaker
	locks    ruleLocks
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a dispatcher over channels. The log channel is added when
// missing.
func New(s *store.Store, opts Options, l *zap.Logger, channels ...Channel) *Dispatcher {
	lg := logger.OrGlobal(l).With(zap.String("component", "notify"))
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	d := &Dispatcher{
		store:    s,
		opts:     opts,
		channels: make(map[string]Channel),
		breakers: make(map[string]*breaker),
		locks:    ruleLocks{m: make(map[string]*sync.Mutex)},
		logger:   lg,
		now:      s.Now,
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
	}
	if _, ok := d.channels[ChannelLog]; !ok {
		d.channels[ChannelLog] = NewLogChannel(lg)
	}
	for name := range d.channels {
		d.breakers[name] = newBreaker(name, opts.BreakerThreshold, opts.BreakerCoolOff, lg)
	}
	return d
}

// FromConfig builds a dispatcher with every channel cfg configures.
// Invalid channel settings are errors; a broker that cannot be reached at
// startup is logged and its deliveries fail until the next start.
func FromConfig(s *store.Store, cfg *config.Config, l *zap.Logger) (*Dispatcher, error) {
	lg := logger.OrGlobal(l).With(zap.String("component", "notify"))
	nc := cfg.Notify
	opts := Options{
		CoolDown:         time.Duration(cfg.NotificationCoolDownSeconds) * time.Second,
		MaxAttempts:      nc.MaxDeliveryAttempts,
		BackoffInitial:   nc.BackoffInitial,
		BackoffMax:       nc.BackoffMax,
		DefaultChannels:  nc.DefaultChannels,
		BreakerThreshold: DefaultOptions().BreakerThreshold,
		BreakerCoolOff:   DefaultOptions().BreakerCoolOff,
	}

	var channels []Channel
	if nc.Email.Host != "" {
		ch, err := NewEmailChannel(nc.Email)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if nc.Webhook.URL != "" {
		ch, err := NewWebhookChannel(nc.Webhook, lg)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if len(nc.Kafka.Brokers) > 0 {
		ch, err := NewKafkaChannel(nc.Kafka)
		switch {
		case errors.IsKind(err, errors.KindConfig):
			return nil, err
		case err != nil:
			lg.Warn("kafka channel unavailable", zap.Error(err))
		default:
			channels = append(channels, ch)
		}
	}
	if nc.NATS.URL != "" {
		ch, err := NewNATSChannel(nc.NATS)
		switch {
		case errors.IsKind(err, errors.KindConfig):
			return nil, err
		case err != nil:
			lg.Warn("nats channel unavailable", zap.Error(err))
		default:
			channels = append(channels, ch)
		}
	}
	return New(s, opts, l, channels...), nil
}

// Channels lists the configured channel names.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.channels))
	for name := range d.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close releases channel connections.
func (d *Dispatcher) Close() error {
	var first error
	for _, ch := range d.channels {
		if c, ok := ch.(Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

type ruleLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *ruleLocks) lock(rule string) func() {
	l.mu.Lock()
	mu, ok := l.m[rule]
	if !ok {
		mu = &sync.Mutex{}
		l.m[rule] = mu
	}
	l.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// route returns the channels of an alert: the log channel first, then the
// requested or default channels without duplicates.
func (d *Dispatcher) route(requested []string) []string {
	if len(requested) == 0 {
		requested = d.opts.DefaultChannels
	}
	out := []string{ChannelLog}
	seen := map[string]bool{ChannelLog: true}
	for _, c := range requested {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Notify records an alert and delivers it. An alert identical to one the
// same rule raised within the cool-down only bumps that notification's
// occurrence count and is not delivered again. Delivery failures are
// recorded on the notification, not returned.
func (d *Dispatcher) Notify(ctx context.Context, a Alert) (*Notification, error) {
	if a.RuleID == "" {
		return nil, errors.New(errors.KindConfig, "alert needs a rule id")
	}
	if !a.Severity.Valid() {
		return nil, errors.Newf(errors.KindConfig, "alert for %s has invalid severity %q", a.RuleID, a.Severity)
	}
	fp, err := Fingerprint(a.Evidence)
	if err != nil {
		return nil, err
	}

	unlock := d.locks.lock(a.RuleID)
	n, err := d.record(ctx, a, fp, d.route(a.Channels))
	unlock()
	if err != nil {
		return nil, err
	}
	if n.Deduplicated {
		d.logger.Debug("alert deduplicated",
			zap.String("notification_id", n.ID),
			zap.String("rule_id", n.RuleID),
			zap.Int64("occurrences", n.OccurrenceCount))
		return n, nil
	}
	if err := d.deliver(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

func (d *Dispatcher) record(ctx context.Context, a Alert, fp string, channels []string) (*Notification, error) {
	now := d.now()
	var n *Notification
	err := d.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if d.opts.CoolDown > 0 {
			// The window runs from the first firing; repeats inside it do not
			// extend it, so a recurring alert fires again once per cool-down.
			var id string
			err := tx.GetContext(ctx, &id, d.store.Rebind(
				`SELECT notification_id FROM notification
				 WHERE rule_id = ? AND fingerprint = ? AND first_seen_at >= ?
				 ORDER BY first_seen_at DESC LIMIT 1`), a.RuleID, fp, now.Add(-d.opts.CoolDown))
			switch {
			case err == nil:
				if _, err := tx.ExecContext(ctx, d.store.Rebind(
					`UPDATE notification SET occurrence_count = occurrence_count + 1, last_seen_at = ? WHERE notification_id = ?`),
					now, id); err != nil {
					return store.Classify(err, "failed to update notification")
				}
				existing, err := d.get(ctx, tx, id)
				if err != nil {
					return err
				}
				existing.Deduplicated = true
				n = existing
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return store.Classify(err, "failed to read notification")
			}
		}

		refs := a.References
		if refs == nil {
			refs = map[string]string{}
		}
		refDoc, err := json.MarshalString(refs)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to encode references")
		}
		n = &Notification{
			ID:              uuid.NewString(),
			RuleID:          a.RuleID,
			Fingerprint:     fp,
			Title:           a.Title,
			Body:            a.Body,
			Severity:        a.Severity,
			Channels:        channels,
			Status:          StatusNew,
			References:      refs,
			OccurrenceCount: 1,
			FirstSeenAt:     now,
			LastSeenAt:      now,
		}
		if _, err := tx.ExecContext(ctx, d.store.Rebind(
			`INSERT INTO notification (notification_id, rule_id, fingerprint, title, body, severity, channel, status, references_json,
			 occurrence_count, first_seen_at, last_seen_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			n.ID, n.RuleID, n.Fingerprint, n.Title, n.Body, string(n.Severity), strings.Join(channels, ","), n.Status, refDoc,
			n.OccurrenceCount, now, now); err != nil {
			return store.Classify(err, "failed to write notification")
		}
		for _, ch := range channels {
			if _, err := tx.ExecContext(ctx, d.store.Rebind(
				`INSERT INTO notification_delivery (notification_id, channel, status, attempts, updated_at) VALUES (?, ?, ?, 0, ?)`),
				n.ID, ch, StatusNew, now); err != nil {
				return store.Classify(err, "failed to write notification delivery")
			}
		}
		return nil
	})
	return n, err
}

// deliver sends n on each of its channels concurrently, then settles the
// notification status: delivered when every channel delivered, failed
// otherwise.
func (d *Dispatcher) deliver(ctx context.Context, n *Notification) error {
	results := make([]Delivery, len(n.Channels))
	var wg sync.WaitGroup
	for i, name := range n.Channels {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = d.deliverOne(ctx, n, name)
		}(i, name)
	}
	wg.Wait()

	status := StatusDelivered
	for _, r := range results {
		if err := d.saveDelivery(ctx, n.ID, r); err != nil {
			return err
		}
		metrics.NotificationDeliveries.WithLabelValues(r.Channel, r.Status).Inc()
		if r.Status != StatusDelivered {
			status = StatusFailed
			d.logger.Warn("notification delivery failed",
				zap.String("notification_id", n.ID),
				zap.String("channel", r.Channel),
				zap.Int("attempts", r.Attempts),
				zap.String("error", r.LastError))
		}
	}

	now := d.now()
	var deliveredAt interface{}
	if status == StatusDelivered {
		deliveredAt = now
		n.DeliveredAt = &now
	}
	n.Status = status
	err := d.store.Exec(context.WithoutCancel(ctx),
		`UPDATE notification SET status = ?, delivered_at = ? WHERE notification_id = ?`, status, deliveredAt, n.ID)
	return err
}

func (d *Dispatcher) deliverOne(ctx context.Context, n *Notification, name string) Delivery {
	res := Delivery{Channel: name, Status: StatusFailed}
	ch, ok := d.channels[name]
	if !ok {
		res.LastError = "channel not configured"
		res.UpdatedAt = d.now()
		return res
	}
	br := d.breakers[name]
	policy := retry.NewPolicy(d.opts.MaxAttempts, d.opts.BackoffInitial, d.opts.BackoffMax)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		d.logger.Debug("retrying delivery",
			zap.String("notification_id", n.ID),
			zap.String("channel", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	err := policy.ExecuteWithCondition(ctx, func() error {
		res.Attempts++
		return br.execute(func() error { return ch.Send(ctx, n) })
	}, func(err error) bool {
		return br.current() != breakerOpen && !errors.IsKind(err, errors.KindConfig)
	})
	res.UpdatedAt = d.now()
	if err != nil {
		res.LastError = err.Error()
		return res
	}
	res.Status = StatusDelivered
	return res
}

func (d *Dispatcher) saveDelivery(ctx context.Context, id string, r Delivery) error {
	var lastErr interface{}
	if r.LastError != "" {
		lastErr = r.LastError
	}
	return d.store.Exec(context.WithoutCancel(ctx),
		`UPDATE notification_delivery SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE notification_id = ? AND channel = ?`,
		r.Status, r.Attempts, lastErr, r.UpdatedAt, id, r.Channel)
}

// MarkRead moves a delivered notification to read. Marking a read
// notification again is a no-op.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) error {
	n, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case n == nil:
		return errors.Newf(errors.KindConfig, "unknown notification %q", id)
	case n.Status == StatusRead:
		return nil
	case n.Status != StatusDelivered:
		return errors.Newf(errors.KindConfig, "notification %s is %s, only delivered notifications can be read", id, n.Status)
	}
	return d.store.Exec(ctx, `UPDATE notification SET status = ?, read_at = ? WHERE notification_id = ? AND status = ?`,
		StatusRead, d.now(), id, StatusDelivered)
}

type notificationRow struct {
	ID              string         `db:"notification_id"`
	RuleID          string         `db:"rule_id"`
	Fingerprint     string         `db:"fingerprint"`
	Title           string         `db:"title"`
	Body            string         `db:"body"`
	Severity        string         `db:"severity"`
	Channel         string         `db:"channel"`
	Status          string         `db:"status"`
	References      string         `db:"references_json"`
	OccurrenceCount int64          `db:"occurrence_count"`
	FirstSeenAt     store.NullTime `db:"first_seen_at"`
	LastSeenAt      store.NullTime `db:"last_seen_at"`
	DeliveredAt     store.NullTime `db:"delivered_at"`
	ReadAt          store.NullTime `db:"read_at"`
}

func (r *notificationRow) decode() (*Notification, error) {
	n := &Notification{
		ID:              r.ID,
		RuleID:          r.RuleID,
		Fingerprint:     r.Fingerprint,
		Title:           r.Title,
		Body:            r.Body,
		Severity:        models.Severity(r.Severity),
		Status:          r.Status,
		OccurrenceCount: r.OccurrenceCount,
		FirstSeenAt:     r.FirstSeenAt.Time,
		LastSeenAt:      r.LastSeenAt.Time,
		DeliveredAt:     r.DeliveredAt.Ptr(),
		ReadAt:          r.ReadAt.Ptr(),
	}
	if r.Channel != "" {
		n.Channels = strings.Split(r.Channel, ",")
	}
	if err := json.UnmarshalString(r.References, &n.References); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "corrupt references_json").WithDetail("notification_id", r.ID)
	}
	return n, nil
}

const selectNotification = `SELECT notification_id, rule_id, fingerprint, title, body, severity, channel, status, references_json,
	occurrence_count, first_seen_at, last_seen_at, delivered_at, read_at FROM notification`

type getter interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func (d *Dispatcher) get(ctx context.Context, q getter, id string) (*Notification, error) {
	var row notificationRow
	err := q.GetContext(ctx, &row, d.store.Rebind(selectNotification+` WHERE notification_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify(err, "failed to read notification")
	}
	return row.decode()
}

// Get returns a notification, or nil when id is unknown.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Notification, error) {
	return d.get(ctx, d.store.DB(), id)
}

// Filter narrows List.
type Filter struct {
	Status      string
	RuleID      string
	MinSeverity models.Severity
}

// List returns matching notifications, highest severity first and most
// recent first within a severity.
func (d *Dispatcher) List(ctx context.Context, f Filter) ([]*Notification, error) {
	q := selectNotification + ` WHERE 1 = 1`
	var args []interface{}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.RuleID != "" {
		q += ` AND rule_id = ?`
		args = append(args, f.RuleID)
	}
	var rows []notificationRow
	if err := d.store.DB().SelectContext(ctx, &rows, d.store.Rebind(q), args...); err != nil {
		return nil, store.Classify(err, "failed to list notifications")
	}
	out := make([]*Notification, 0, len(rows))
	for i := range rows {
		if f.MinSeverity != "" && models.Severity(rows[i].Severity).Rank() < f.MinSeverity.Rank() {
			continue
		}
		n, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out, nil
}

// Deliveries returns the per-channel delivery records of a notification.
func (d *Dispatcher) Deliveries(ctx context.Context, id string) ([]Delivery, error) {
	var rows []struct {
		Channel   string         `db:"channel"`
		Status    string         `db:"status"`
		Attempts  int            `db:"attempts"`
		LastError sql.NullString `db:"last_error"`
		UpdatedAt store.NullTime `db:"updated_at"`
	}
	if err := d.store.DB().SelectContext(ctx, &rows, d.store.Rebind(
		`SELECT channel, status, attempts, last_error, updated_at FROM notification_delivery
		 WHERE notification_id = ? ORDER BY channel`), id); err != nil {
		return nil, store.Classify(err, "failed to read deliveries")
	}
	out := make([]Delivery, len(rows))
	for i, r := range rows {
		out[i] = Delivery{
			Channel:   r.Channel,
			Status:    r.Status,
			Attempts:  r.Attempts,
			LastError: r.LastError.String,
			UpdatedAt: r.UpdatedAt.Time,
		}
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
