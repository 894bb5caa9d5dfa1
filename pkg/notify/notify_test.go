package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/json"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newDispatcher(t *testing.T, opts Options, channels ...Channel) (*Dispatcher, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "notify.db"), zaptest.NewLogger(t),
		store.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))

	d := New(s, opts, zaptest.NewLogger(t), channels...)
	t.Cleanup(func() { _ = d.Close() })
	return d, clk
}

func quickOptions() Options {
	return Options{
		CoolDown:       10 * time.Minute,
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
}

func alert(rule string, sev models.Severity, evidence interface{}) Alert {
	return Alert{
		RuleID:     rule,
		Title:      "Quality rule " + rule + " fired",
		Body:       "pass rate below threshold",
		Severity:   sev,
		References: map[string]string{"report_id": "rep-1"},
		Evidence:   evidence,
	}
}

func TestNotifyDeduplicatesWithinCoolDown(t *testing.T) {
	d, clk := newDispatcher(t, quickOptions())
	ctx := context.Background()
	evidence := map[string]interface{}{"failed": 10, "evaluated": 100}

	first, err := d.Notify(ctx, alert("owner_complete", models.SeverityHigh, evidence))
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)
	assert.Equal(t, int64(1), first.OccurrenceCount)
	assert.Equal(t, StatusDelivered, first.Status)

	clk.Advance(5 * time.Minute)
	second, err := d.Notify(ctx, alert("owner_complete", models.SeverityHigh, map[string]interface{}{"evaluated": 100, "failed": 10}))
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2), second.OccurrenceCount)
	assert.True(t, second.LastSeenAt.After(second.FirstSeenAt))

	// different evidence is a different incident
	other, err := d.Notify(ctx, alert("owner_complete", models.SeverityHigh, map[string]interface{}{"failed": 11}))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	clk.Advance(11 * time.Minute)
	third, err := d.Notify(ctx, alert("owner_complete", models.SeverityHigh, evidence))
	require.NoError(t, err)
	assert.False(t, third.Deduplicated)
	assert.NotEqual(t, first.ID, third.ID)

	all, err := d.List(ctx, Filter{RuleID: "owner_complete"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	stored, err := d.Get(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(2), stored.OccurrenceCount)
	assert.Equal(t, map[string]string{"report_id": "rep-1"}, stored.References)
	assert.Equal(t, []string{ChannelLog}, stored.Channels)
}

func TestRecurringAlertFiresOncePerCoolDown(t *testing.T) {
	d, clk := newDispatcher(t, quickOptions())
	ctx := context.Background()

	first, err := d.Notify(ctx, alert("land_range", models.SeverityMedium, "outliers"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		clk.Advance(4 * time.Minute)
		n, err := d.Notify(ctx, alert("land_range", models.SeverityMedium, "outliers"))
		require.NoError(t, err)
		assert.True(t, n.Deduplicated)
		assert.Equal(t, first.ID, n.ID)
	}

	// 12 minutes after the first firing: the window has closed even though
	// the last repeat was 4 minutes ago.
	clk.Advance(4 * time.Minute)
	again, err := d.Notify(ctx, alert("land_range", models.SeverityMedium, "outliers"))
	require.NoError(t, err)
	assert.False(t, again.Deduplicated)
	assert.NotEqual(t, first.ID, again.ID)

	stored, err := d.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.OccurrenceCount)
}

func TestNotifyWithoutCoolDownNeverDeduplicates(t *testing.T) {
	opts := quickOptions()
	opts.CoolDown = 0
	d, _ := newDispatcher(t, opts)
	ctx := context.Background()

	a, err := d.Notify(ctx, alert("r1", models.SeverityLow, "same"))
	require.NoError(t, err)
	b, err := d.Notify(ctx, alert("r1", models.SeverityLow, "same"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestNotifyRejectsInvalidAlerts(t *testing.T) {
	d, _ := newDispatcher(t, quickOptions())
	ctx := context.Background()

	_, err := d.Notify(ctx, Alert{Severity: models.SeverityLow})
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	_, err = d.Notify(ctx, Alert{RuleID: "r1", Severity: "urgent"})
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestWebhookDelivery(t *testing.T) {
	var received atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		body, _ := io.ReadAll(r.Body)
		received.Store(body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh, err := NewWebhookChannel(config.WebhookConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	opts := quickOptions()
	opts.DefaultChannels = []string{ChannelWebhook}
	d, _ := newDispatcher(t, opts, wh)
	ctx := context.Background()

	n, err := d.Notify(ctx, alert("levy_range", models.SeverityCritical, "x"))
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, n.Status)
	require.NotNil(t, n.DeliveredAt)
	assert.Equal(t, []string{ChannelLog, ChannelWebhook}, n.Channels)

	var sent Notification
	require.NoError(t, json.Unmarshal(received.Load().([]byte), &sent))
	assert.Equal(t, n.ID, sent.ID)
	assert.Equal(t, models.SeverityCritical, sent.Severity)

	deliveries, err := d.Deliveries(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	for _, del := range deliveries {
		assert.Equal(t, StatusDelivered, del.Status, del.Channel)
		assert.Equal(t, 1, del.Attempts, del.Channel)
		assert.Empty(t, del.LastError)
	}

	require.NoError(t, d.MarkRead(ctx, n.ID))
	require.NoError(t, d.MarkRead(ctx, n.ID))
	read, err := d.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRead, read.Status)
	assert.NotNil(t, read.ReadAt)
}

func TestWebhookFailureIsRetriedThenRecorded(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh, err := NewWebhookChannel(config.WebhookConfig{URL: srv.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	d, _ := newDispatcher(t, quickOptions(), wh)
	ctx := context.Background()

	a := alert("levy_range", models.SeverityMedium, "x")
	a.Channels = []string{"webhook"}
	n, err := d.Notify(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, n.Status)
	assert.Nil(t, n.DeliveredAt)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	deliveries, err := d.Deliveries(ctx, n.ID)
	require.NoError(t, err)
	byChannel := map[string]Delivery{}
	for _, del := range deliveries {
		byChannel[del.Channel] = del
	}
	assert.Equal(t, StatusDelivered, byChannel[ChannelLog].Status)
	assert.Equal(t, StatusFailed, byChannel[ChannelWebhook].Status)
	assert.Equal(t, 3, byChannel[ChannelWebhook].Attempts)
	assert.Contains(t, byChannel[ChannelWebhook].LastError, "500")

	err = d.MarkRead(ctx, n.ID)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
	err = d.MarkRead(ctx, "missing")
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestUnconfiguredChannelFails(t *testing.T) {
	d, _ := newDispatcher(t, quickOptions())
	a := alert("r1", models.SeverityLow, "x")
	a.Channels = []string{"Pager", "log"}
	n, err := d.Notify(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, []string{ChannelLog, "pager"}, n.Channels)
	assert.Equal(t, StatusFailed, n.Status)

	deliveries, err := d.Deliveries(context.Background(), n.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.Equal(t, "pager", deliveries[1].Channel)
	assert.Equal(t, 0, deliveries[1].Attempts)
	assert.Equal(t, "channel not configured", deliveries[1].LastError)
}

func TestListOrdersBySeverity(t *testing.T) {
	d, clk := newDispatcher(t, quickOptions())
	ctx := context.Background()
	for _, a := range []Alert{
		alert("low_rule", models.SeverityLow, 1),
		alert("critical_rule", models.SeverityCritical, 2),
		alert("medium_rule", models.SeverityMedium, 3),
		alert("high_rule", models.SeverityHigh, 4),
	} {
		_, err := d.Notify(ctx, a)
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	all, err := d.List(ctx, Filter{})
	require.NoError(t, err)
	var rules []string
	for _, n := range all {
		rules = append(rules, n.RuleID)
	}
	assert.Equal(t, []string{"critical_rule", "high_rule", "medium_rule", "low_rule"}, rules)

	severe, err := d.List(ctx, Filter{MinSeverity: models.SeverityHigh, Status: StatusDelivered})
	require.NoError(t, err)
	assert.Len(t, severe, 2)
}

type flakyChannel struct {
	calls int32
	fail  bool
}

func (c *flakyChannel) Name() string { return "flaky" }

func (c *flakyChannel) Send(context.Context, *Notification) error {
	atomic.AddInt32(&c.calls, 1)
	if c.fail {
		return errors.New(errors.KindNotificationDeliveryFailed, "down")
	}
	return nil
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := newBreaker("flaky", 2, time.Minute, zaptest.NewLogger(t))
	b.now = clk.Now
	ch := &flakyChannel{fail: true}
	send := func() error { return ch.Send(context.Background(), nil) }

	assert.Error(t, b.execute(send))
	assert.Equal(t, breakerClosed, b.current())
	assert.Error(t, b.execute(send))
	assert.Equal(t, breakerOpen, b.current())

	// open: the channel is not called
	assert.Error(t, b.execute(send))
	assert.Equal(t, int32(2), atomic.LoadInt32(&ch.calls))

	// a failed probe reopens
	clk.Advance(time.Minute)
	assert.Error(t, b.execute(send))
	assert.Equal(t, breakerOpen, b.current())
	assert.Equal(t, int32(3), atomic.LoadInt32(&ch.calls))

	clk.Advance(time.Minute)
	ch.fail = false
	assert.NoError(t, b.execute(send))
	assert.Equal(t, breakerClosed, b.current())
}

func TestOpenBreakerStopsRetries(t *testing.T) {
	opts := quickOptions()
	opts.MaxAttempts = 5
	opts.BreakerThreshold = 2
	opts.BreakerCoolOff = time.Hour
	ch := &flakyChannel{fail: true}
	d, _ := newDispatcher(t, opts, ch)

	a := alert("r1", models.SeverityLow, "x")
	a.Channels = []string{"flaky"}
	n, err := d.Notify(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, n.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&ch.calls))
}

func TestFingerprintIgnoresMapOrder(t *testing.T) {
	a, err := Fingerprint(map[string]interface{}{"a": 1, "b": []string{"x"}})
	require.NoError(t, err)
	b, err := Fingerprint(map[string]interface{}{"b": []string{"x"}, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	c, err := Fingerprint(map[string]interface{}{"a": 2, "b": []string{"x"}})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestSubject(t *testing.T) {
	n := &Notification{Severity: models.SeverityHigh, Title: "Rule r1 fired", OccurrenceCount: 3}
	assert.Equal(t, "[HIGH] Rule r1 fired (x3)", subject(n))
	n.OccurrenceCount = 1
	assert.Equal(t, "[HIGH] Rule r1 fired", subject(n))
}
