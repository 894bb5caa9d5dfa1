package notify

import (
	"context"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
)

// EmailChannel sends plain-text mail over SMTP.
type EmailChannel struct {
	cfg config.EmailConfig
}

// NewEmailChannel validates cfg and returns the channel.
func NewEmailChannel(cfg config.EmailConfig) (*EmailChannel, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New(errors.KindConfig, "email channel needs host, from and to")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailChannel{cfg: cfg}, nil
}

func (c *EmailChannel) Name() string { return ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, n *Notification) error {
	msg := mail.NewMsg()
	if err := msg.From(c.cfg.From); err != nil {
		return errors.Wrap(err, errors.KindConfig, "invalid email sender")
	}
	if err := msg.To(c.cfg.To...); err != nil {
		return errors.Wrap(err, errors.KindConfig, "invalid email recipient")
	}
	msg.Subject(subject(n))
	msg.SetBodyString(mail.TypeTextPlain, emailBody(n))

	opts := []mail.Option{mail.WithPort(c.cfg.Port)}
	if c.cfg.StartTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if c.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(c.cfg.Username),
			mail.WithPassword(c.cfg.Password))
	}
	client, err := mail.NewClient(c.cfg.Host, opts...)
	if err != nil {
		return errors.Wrap(err, errors.KindConfig, "invalid smtp settings")
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return errors.Wrap(err, errors.KindNotificationDeliveryFailed, "smtp delivery failed").
			WithDetail("host", c.cfg.Host)
	}
	return nil
}

func emailBody(n *Notification) string {
	var b strings.Builder
	b.WriteString(n.Body)
	b.WriteString("\n\nSeverity: ")
	b.WriteString(string(n.Severity))
	b.WriteString("\nRule: ")
	b.WriteString(n.RuleID)
	b.WriteString("\nNotification: ")
	b.WriteString(n.ID)
	for _, k := range sortedKeys(n.References) {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(n.References[k])
	}
	b.WriteString("\n")
	return b.String()
}
