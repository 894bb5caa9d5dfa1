package notify

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookChannel POSTs the notification as JSON.
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel builds a webhook channel with its own pooled transport.
func NewWebhookChannel(cfg config.WebhookConfig, l *zap.Logger) (*WebhookChannel, error) {
	if cfg.URL == "" {
		return nil, errors.New(errors.KindConfig, "webhook channel needs a url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		l.Warn("failed to configure HTTP/2 for webhook", zap.Error(err))
	}
	return &WebhookChannel{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

func (c *WebhookChannel) Name() string { return ChannelWebhook }

func (c *WebhookChannel) Send(ctx context.Context, n *Notification) error {
	body, err := payload(n)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode webhook payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.KindConfig, "invalid webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "assessorsync")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.KindNotificationDeliveryFailed, "webhook request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Newf(errors.KindNotificationDeliveryFailed, "webhook returned %s", resp.Status).
			WithDetail("status", resp.StatusCode)
	}
	return nil
}

// Close drops idle connections.
func (c *WebhookChannel) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
