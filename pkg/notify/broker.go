package notify

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
)

// KafkaChannel publishes notifications to a topic, keyed by rule id so a
// rule's alerts stay ordered within a partition.
type KafkaChannel struct {
	topic    string
	producer sarama.SyncProducer
}

// NewKafkaChannel connects a synchronous producer to cfg.Brokers.
func NewKafkaChannel(cfg config.KafkaConfig) (*KafkaChannel, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New(errors.KindConfig, "kafka channel needs brokers and a topic")
	}
	sc := sarama.NewConfig()
	sc.ClientID = "assessorsync"
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	// the dispatcher retries with its own backoff
	sc.Producer.Retry.Max = 0
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Net.DialTimeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotificationDeliveryFailed, "failed to connect kafka producer")
	}
	return &KafkaChannel{topic: cfg.Topic, producer: producer}, nil
}

func (c *KafkaChannel) Name() string { return ChannelKafka }

func (c *KafkaChannel) Send(ctx context.Context, n *Notification) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.KindCancelled, "kafka send cancelled")
	}
	value, err := payload(n)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode kafka payload")
	}
	_, _, err = c.producer.SendMessage(&sarama.ProducerMessage{
		Topic: c.topic,
		Key:   sarama.StringEncoder(n.RuleID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("notification_id"), Value: []byte(n.ID)},
			{Key: []byte("severity"), Value: []byte(n.Severity)},
		},
	})
	if err != nil {
		return errors.Wrap(err, errors.KindNotificationDeliveryFailed, "kafka publish failed").
			WithDetail("topic", c.topic)
	}
	return nil
}

// Close shuts the producer down.
func (c *KafkaChannel) Close() error {
	return c.producer.Close()
}

// NATSChannel publishes notifications to a subject and flushes, so a
// successful Send means the server has the message.
type NATSChannel struct {
	subject string
	conn    *nats.Conn
}

// NewNATSChannel connects to cfg.URL.
func NewNATSChannel(cfg config.NATSConfig) (*NATSChannel, error) {
	if cfg.URL == "" || cfg.Subject == "" {
		return nil, errors.New(errors.KindConfig, "nats channel needs a url and a subject")
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("assessorsync"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.Timeout(10*time.Second))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotificationDeliveryFailed, "failed to connect to nats")
	}
	return &NATSChannel{subject: cfg.Subject, conn: nc}, nil
}

func (c *NATSChannel) Name() string { return ChannelNATS }

func (c *NATSChannel) Send(ctx context.Context, n *Notification) error {
	data, err := payload(n)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode nats payload")
	}
	msg := nats.NewMsg(c.subject)
	msg.Data = data
	msg.Header.Set("Notification-Id", n.ID)
	msg.Header.Set("Severity", string(n.Severity))
	if err := c.conn.PublishMsg(msg); err != nil {
		return errors.Wrap(err, errors.KindNotificationDeliveryFailed, "nats publish failed")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return errors.Wrap(err, errors.KindNotificationDeliveryFailed, "nats flush failed")
	}
	return nil
}

// Close drains the connection.
func (c *NATSChannel) Close() error {
	return c.conn.Drain()
}
