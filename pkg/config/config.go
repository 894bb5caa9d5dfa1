package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/countyops/assessorsync/pkg/errors"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// ASSESSORSYNC_CHUNK_SIZE or ASSESSORSYNC_DATABASE_DSN.
const EnvPrefix = "ASSESSORSYNC"

// Config is the unified settings structure.
type Config struct {
	ChunkSize                   int               `mapstructure:"chunk_size" yaml:"chunk_size" validate:"gt=0"`
	BatchTimeoutSeconds         int               `mapstructure:"batch_timeout_seconds" yaml:"batch_timeout_seconds" validate:"gt=0"`
	CommitTimeoutSeconds        int               `mapstructure:"commit_timeout_seconds" yaml:"commit_timeout_seconds" validate:"gt=0"`
	EncodingFallbacks           []string          `mapstructure:"encoding_fallbacks" yaml:"encoding_fallbacks" validate:"min=1,dive,oneof=utf-8 latin-1 cp1252 iso-8859-1"`
	PreserveNullsOnUpdate       bool              `mapstructure:"preserve_nulls_on_update" yaml:"preserve_nulls_on_update"`
	QualityGateScore            float64           `mapstructure:"quality_gate_score" yaml:"quality_gate_score" validate:"gte=0,lte=1"`
	NotificationCoolDownSeconds int               `mapstructure:"notification_cool_down_seconds" yaml:"notification_cool_down_seconds" validate:"gte=0"`
	RetryMaxAttempts            int               `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts" validate:"gte=1"`
	ExportDir                   string            `mapstructure:"export_dir" yaml:"export_dir" validate:"required"`
	WatermarkColumnOverrides    map[string]string `mapstructure:"watermark_column_overrides" yaml:"watermark_column_overrides"`

	LockTTLSeconds    int      `mapstructure:"lock_ttl_seconds" yaml:"lock_ttl_seconds" validate:"gt=0"`
	WorkerQueueDepth  int      `mapstructure:"worker_queue_depth" yaml:"worker_queue_depth" validate:"gt=0"`
	AreaCap           int64    `mapstructure:"area_cap" yaml:"area_cap" validate:"gt=0"`
	ReplaceableTables []string `mapstructure:"replaceable_tables" yaml:"replaceable_tables"`
	Derivations       bool     `mapstructure:"derivations" yaml:"derivations"`
	QualityRulesFile  string   `mapstructure:"quality_rules_file" yaml:"quality_rules_file"`
	ExportCompression string   `mapstructure:"export_compression" yaml:"export_compression" validate:"omitempty,oneof=none gzip zstd snappy s2 lz4"`

	// EnumMaps holds named code→canonical tables referenced by enum_map(...)
	// and lookup(...) transforms, e.g. region codes to canonical regions.
	EnumMaps map[string]map[string]string `mapstructure:"enum_maps" yaml:"enum_maps"`
	// Defaults holds per-table fallback values (table → field → value) used
	// when a source leaves a field empty, e.g. default region factors.
	Defaults map[string]map[string]string `mapstructure:"defaults" yaml:"defaults"`

	LogLevel       string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogEncoding    string `mapstructure:"log_encoding" yaml:"log_encoding" validate:"oneof=json console"`
	LogDevelopment bool   `mapstructure:"log_development" yaml:"log_development"`

	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
	Blob     BlobConfig     `mapstructure:"blob" yaml:"blob"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
}

// DatabaseConfig selects the canonical relational store.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" yaml:"driver" validate:"oneof=postgres sqlite"`
	DSN          string `mapstructure:"dsn" yaml:"dsn" validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=1"`
}

// NotifyConfig configures the notification channels. The log channel is
// always on; the others are enabled by setting their address fields.
type NotifyConfig struct {
	MaxDeliveryAttempts int           `mapstructure:"max_delivery_attempts" yaml:"max_delivery_attempts" validate:"gte=1"`
	BackoffInitial      time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax          time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	DefaultChannels     []string      `mapstructure:"default_channels" yaml:"default_channels"`

	Email   EmailConfig   `mapstructure:"email" yaml:"email"`
	Webhook WebhookConfig `mapstructure:"webhook" yaml:"webhook"`
	Kafka   KafkaConfig   `mapstructure:"kafka" yaml:"kafka"`
	NATS    NATSConfig    `mapstructure:"nats" yaml:"nats"`
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Host     string   `mapstructure:"host" yaml:"host"`
	Port     int      `mapstructure:"port" yaml:"port"`
	Username string   `mapstructure:"username" yaml:"username"`
	Password string   `mapstructure:"password" yaml:"password"`
	From     string   `mapstructure:"from" yaml:"from" validate:"omitempty,email"`
	To       []string `mapstructure:"to" yaml:"to" validate:"dive,email"`
	StartTLS bool     `mapstructure:"starttls" yaml:"starttls"`
}

// WebhookConfig configures HTTP POST delivery.
type WebhookConfig struct {
	URL     string            `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"`
}

// KafkaConfig configures delivery to a Kafka topic.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// NATSConfig configures delivery to a NATS subject.
type NATSConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// BlobConfig holds credentials for the remote blob stores.
type BlobConfig struct {
	S3Region           string `mapstructure:"s3_region" yaml:"s3_region"`
	S3Endpoint         string `mapstructure:"s3_endpoint" yaml:"s3_endpoint"`
	GCSCredentialsFile string `mapstructure:"gcs_credentials_file" yaml:"gcs_credentials_file"`
	// UploadPrefix, when set, receives every export artifact,
	// e.g. s3://county-exports/assessor or gs://bucket/levy.
	UploadPrefix       string `mapstructure:"upload_prefix" yaml:"upload_prefix"`
}

// TracingConfig toggles span export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// APIConfig configures the status API.
type APIConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Unmarshal of defaults only cannot fail on a freshly built viper.
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chunk_size", 1000)
	v.SetDefault("batch_timeout_seconds", 60)
	v.SetDefault("commit_timeout_seconds", 300)
	v.SetDefault("encoding_fallbacks", []string{"utf-8", "latin-1", "cp1252", "iso-8859-1"})
	v.SetDefault("preserve_nulls_on_update", true)
	v.SetDefault("quality_gate_score", 0.85)
	v.SetDefault("notification_cool_down_seconds", 900)
	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("export_dir", "./exports")
	v.SetDefault("watermark_column_overrides", map[string]string{})

	v.SetDefault("lock_ttl_seconds", 3600)
	v.SetDefault("worker_queue_depth", 4)
	v.SetDefault("area_cap", 1_000_000)
	v.SetDefault("replaceable_tables", []string{"cost_matrix_entry"})
	v.SetDefault("derivations", true)
	v.SetDefault("quality_rules_file", "")
	v.SetDefault("export_compression", "none")
	v.SetDefault("enum_maps", map[string]map[string]string{})
	v.SetDefault("defaults", map[string]map[string]string{})

	v.SetDefault("log_level", "info")
	v.SetDefault("log_encoding", "json")
	v.SetDefault("log_development", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:assessorsync.db")
	v.SetDefault("database.max_open_conns", 4)

	v.SetDefault("notify.max_delivery_attempts", 5)
	v.SetDefault("notify.backoff_initial", time.Second)
	v.SetDefault("notify.backoff_max", time.Minute)
	v.SetDefault("notify.default_channels", []string{"log"})
	v.SetDefault("notify.email.host", "")
	v.SetDefault("notify.email.port", 587)
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.email.from", "")
	v.SetDefault("notify.email.to", []string{})
	v.SetDefault("notify.email.starttls", true)
	v.SetDefault("notify.webhook.url", "")
	v.SetDefault("notify.webhook.timeout", 10*time.Second)
	v.SetDefault("notify.kafka.brokers", []string{})
	v.SetDefault("notify.kafka.topic", "assessorsync.alerts")
	v.SetDefault("notify.nats.url", "")
	v.SetDefault("notify.nats.subject", "assessorsync.alerts")

	v.SetDefault("blob.s3_region", "us-west-2")
	v.SetDefault("blob.s3_endpoint", "")
	v.SetDefault("blob.gcs_credentials_file", "")
	v.SetDefault("blob.upload_prefix", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "assessorsync")
	v.SetDefault("api.addr", ":8080")
}

// Load reads settings from path (optional; empty means defaults and
// environment only), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied viper instance, which lets the CLI
// bind its flags before the settings are resolved.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "failed to read config file").
				WithDetail("path", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, errors.KindConfig, "configuration validation failed")
	}
	if c.Notify.BackoffInitial <= 0 || c.Notify.BackoffMax < c.Notify.BackoffInitial {
		return errors.New(errors.KindConfig, "notify backoff must be positive and backoff_max >= backoff_initial")
	}
	return nil
}

// BatchTimeout is the per-chunk I/O timeout.
func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutSeconds) * time.Second
}

// CommitTimeout is the per-chunk load commit timeout.
func (c *Config) CommitTimeout() time.Duration {
	return time.Duration(c.CommitTimeoutSeconds) * time.Second
}

// CoolDown is the notification dedup window.
func (c *Config) CoolDown() time.Duration {
	return time.Duration(c.NotificationCoolDownSeconds) * time.Second
}

// LockTTL is how long a persistent table lock is honoured before it is
// considered abandoned.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// IsReplaceable reports whether replace-all loads are permitted on table.
func (c *Config) IsReplaceable(table string) bool {
	for _, t := range c.ReplaceableTables {
		if t == table {
			return true
		}
	}
	return false
}

// WatermarkColumn returns the override for table, or fallback.
func (c *Config) WatermarkColumn(table, fallback string) string {
	if col, ok := c.WatermarkColumnOverrides[table]; ok && col != "" {
		return col
	}
	return fallback
}

// String renders a short description safe for logs (no credentials).
func (c *Config) String() string {
	return fmt.Sprintf("driver=%s chunk_size=%d export_dir=%s gate=%.2f",
		c.Database.Driver, c.ChunkSize, c.ExportDir, c.QualityGateScore)
}
