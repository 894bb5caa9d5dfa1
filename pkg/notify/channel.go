package notify

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/json"
	"github.com/countyops/assessorsync/pkg/models"
)

// Channel names.
const (
	ChannelLog     = "log"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
	ChannelKafka   = "kafka"
	ChannelNATS    = "nats"
)

// Channel delivers notifications to one destination. Send is called once
// per attempt; the dispatcher owns retries.
type Channel interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Closer is implemented by channels holding connections.
type Closer interface {
	Close() error
}

// payload is the wire form shared by the message channels.
func payload(n *Notification) ([]byte, error) {
	return json.Marshal(n)
}

// subject renders a one-line summary, e.g. "[HIGH] Quality rule r1 fired".
func subject(n *Notification) string {
	s := "[" + strings.ToUpper(string(n.Severity)) + "] " + n.Title
	if n.OccurrenceCount > 1 {
		s += " (x" + strconv.FormatInt(n.OccurrenceCount, 10) + ")"
	}
	return s
}

// LogChannel writes notifications to the structured log. It never fails
// and is always enabled.
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates the log sink.
func NewLogChannel(l *zap.Logger) *LogChannel {
	return &LogChannel{logger: l.With(zap.String("channel", ChannelLog))}
}

func (c *LogChannel) Name() string { return ChannelLog }

func (c *LogChannel) Send(_ context.Context, n *Notification) error {
	fields := []zap.Field{
		zap.String("notification_id", n.ID),
		zap.String("rule_id", n.RuleID),
		zap.String("severity", string(n.Severity)),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.Any("references", n.References),
	}
	switch n.Severity {
	case models.SeverityCritical, models.SeverityHigh:
		c.logger.Error("alert", fields...)
	case models.SeverityMedium:
		c.logger.Warn("alert", fields...)
	default:
		c.logger.Info("alert", fields...)
	}
	return nil
}
