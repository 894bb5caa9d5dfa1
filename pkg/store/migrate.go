package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/schema"
)

// Metadata table names.
const (
	TableMapping              = "mapping"
	TableSyncMetadata         = "sync_metadata"
	TableQualityRule          = "quality_rule"
	TableQualityReport        = "quality_report"
	TableQualityFinding       = "quality_finding"
	TableQualityHistogram     = "quality_histogram"
	TableAnomaly              = "anomaly"
	TableNotification         = "notification"
	TableNotificationDelivery = "notification_delivery"
	TableJobLock              = "job_lock"
	TableJobRun               = "job_run"
)

// metadataDDL uses {ts}, {float} and {bool} for dialect-specific types.
var metadataDDL = []string{
	`CREATE TABLE IF NOT EXISTS mapping (
  data_type TEXT NOT NULL,
  name TEXT NOT NULL,
  version BIGINT NOT NULL,
  definition_json TEXT NOT NULL,
  created_at {ts} NOT NULL,
  updated_at {ts} NOT NULL,
  PRIMARY KEY (data_type, name)
)`,
	`CREATE TABLE IF NOT EXISTS sync_metadata (
  source_id TEXT NOT NULL,
  table_name TEXT NOT NULL,
  watermark_kind TEXT,
  last_watermark TEXT,
  last_run_at {ts},
  last_status TEXT,
  counts_json TEXT,
  PRIMARY KEY (source_id, table_name)
)`,
	`CREATE TABLE IF NOT EXISTS quality_rule (
  rule_id TEXT PRIMARY KEY,
  check_type TEXT NOT NULL,
  table_name TEXT NOT NULL,
  fields_json TEXT NOT NULL,
  parameters_json TEXT NOT NULL,
  threshold {float} NOT NULL,
  severity TEXT NOT NULL,
  enabled {bool} NOT NULL,
  channels_json TEXT NOT NULL,
  updated_at {ts} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS quality_report (
  report_id TEXT PRIMARY KEY,
  generated_at {ts} NOT NULL,
  trigger_name TEXT,
  overall_score {float} NOT NULL,
  gate_passed {bool} NOT NULL,
  scores_json TEXT NOT NULL,
  severity_counts_json TEXT NOT NULL,
  results_json TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS quality_finding (
  finding_id TEXT PRIMARY KEY,
  report_id TEXT NOT NULL,
  rule_id TEXT NOT NULL,
  table_name TEXT NOT NULL,
  field TEXT,
  severity TEXT NOT NULL,
  pass_rate {float} NOT NULL,
  message TEXT NOT NULL,
  evidence_json TEXT NOT NULL,
  notification_id TEXT,
  created_at {ts} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS quality_histogram (
  rule_id TEXT NOT NULL,
  table_name TEXT NOT NULL,
  field TEXT NOT NULL,
  histogram_json TEXT NOT NULL,
  updated_at {ts} NOT NULL,
  PRIMARY KEY (rule_id, table_name, field)
)`,
	`CREATE TABLE IF NOT EXISTS anomaly (
  anomaly_id TEXT PRIMARY KEY,
  rule_id TEXT NOT NULL,
  report_id TEXT,
  table_name TEXT NOT NULL,
  field TEXT NOT NULL,
  record_key TEXT,
  method TEXT NOT NULL,
  score {float} NOT NULL,
  previous_value TEXT,
  current_value TEXT,
  evidence_json TEXT NOT NULL,
  status TEXT NOT NULL,
  notification_id TEXT,
  detected_at {ts} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS notification (
  notification_id TEXT PRIMARY KEY,
  rule_id TEXT NOT NULL,
  fingerprint TEXT NOT NULL,
  title TEXT NOT NULL,
  body TEXT NOT NULL,
  severity TEXT NOT NULL,
  channel TEXT NOT NULL,
  status TEXT NOT NULL,
  references_json TEXT NOT NULL,
  occurrence_count INTEGER NOT NULL,
  first_seen_at {ts} NOT NULL,
  last_seen_at {ts} NOT NULL,
  delivered_at {ts},
  read_at {ts}
)`,
	`CREATE INDEX IF NOT EXISTS ix_notification_dedup ON notification (rule_id, fingerprint, first_seen_at)`,
	`CREATE TABLE IF NOT EXISTS notification_delivery (
  notification_id TEXT NOT NULL,
  channel TEXT NOT NULL,
  status TEXT NOT NULL,
  attempts INTEGER NOT NULL,
  last_error TEXT,
  updated_at {ts} NOT NULL,
  PRIMARY KEY (notification_id, channel)
)`,
	`CREATE TABLE IF NOT EXISTS job_lock (
  table_name TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  acquired_at {ts} NOT NULL,
  expires_at {ts} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS job_run (
  job_id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  status TEXT NOT NULL,
  started_at {ts} NOT NULL,
  finished_at {ts},
  result_json TEXT
)`,
}

func (s *Store) render(ddl string) string {
	floatType, boolType := "REAL", "BOOLEAN"
	if s.dialect == schema.DialectPostgres {
		floatType = "DOUBLE PRECISION"
	}
	return strings.NewReplacer(
		"{ts}", schema.TimestampType(s.dialect),
		"{float}", floatType,
		"{bool}", boolType,
	).Replace(ddl)
}

// EnsureSchema creates the canonical tables of every registered entity and
// the metadata tables. It is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, name := range schema.Default().Names() {
			e, err := schema.Lookup(name)
			if err != nil {
				return err
			}
			if err := s.ensureTable(ctx, tx, e, e.Name); err != nil {
				return err
			}
		}
		for _, ddl := range metadataDDL {
			if _, err := tx.ExecContext(ctx, s.render(ddl)); err != nil {
				return Classify(err, "failed to create metadata table")
			}
		}
		s.logger.Debug("schema ensured", zap.String("dialect", string(s.dialect)))
		return nil
	})
}

// EnsureTable creates table with the columns of entity e when missing.
// Staging tables and export artifacts use it with their own names.
func (s *Store) EnsureTable(ctx context.Context, e *schema.Entity, table string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.ensureTable(ctx, tx, e, table)
	})
}

func (s *Store) ensureTable(ctx context.Context, tx *sqlx.Tx, e *schema.Entity, table string) error {
	if !ValidIdentifier(table) {
		return errors.Newf(errors.KindConfig, "invalid table name %q", table)
	}
	for _, stmt := range schema.CreateTableSQL(e, table, s.dialect) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return Classify(err, fmt.Sprintf("failed to create table %s", table))
		}
	}
	return nil
}

// ValidIdentifier reports whether name is safe to splice into SQL as a
// table or column name.
func ValidIdentifier(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
