// Package assessorsync is the ETL and data-quality core behind a county
// assessor's office: it ingests property, assessment, levy and cost-matrix
// files from heterogeneous sources into one canonical relational store,
// exports snapshots of that store and scores it against data-quality rules.
//
// # Architecture
//
// A job flows through four stages:
//
// 1. Extract: a source connector (CSV, Excel, XML, fixed-width or delimited
// text exports, SQL, or a remote object fetched from S3, GCS or HTTP) yields
// raw rows in bounded batches, auto-detecting delimiters and encodings.
//
// 2. Transform: a versioned field mapping renames columns to canonical fields
// and coerces values (money, dates, areas, codes) with per-field defaults.
//
// 3. Validate: per-row type and range checks plus batch-level constraints
// route bad rows to rejection samples without failing the job.
//
// 4. Load: accepted rows are upserted in chunks, each chunk in its own
// transaction together with the job's watermark advance.
//
// After a successful load the job may export the table (SQLite, CSV, JSON,
// GeoJSON) and evaluate quality rules, which can raise notifications.
//
// # Quick Start
//
// Load a mapping and run a job from the command line:
//
//	assessorsync mapping import mappings/benton_cama.yaml
//	assessorsync run jobs/property.yaml
//
// Or drive the orchestrator from Go:
//
//	cfg, _ := config.Load("assessorsync.yaml")
//	orch, _ := pipeline.New(cfg, pipeline.Deps{
//	    Store:    s,
//	    Mappings: mapping.NewRegistry(s, log),
//	    Loader:   ld,
//	}, pipeline.DefaultOptions(), log)
//	res, err := orch.Run(ctx, spec)
//
// # Key Packages
//
//	internal/pipeline   - Job orchestration, state machine and run registry
//	internal/scheduler  - Cron schedules and drop-directory watching
//	internal/api        - Read-only job status HTTP API
//	pkg/connector       - Source connectors and format detection
//	pkg/mapping         - Versioned field mappings
//	pkg/transform       - Value coercion and derived fields
//	pkg/validate        - Row and batch validation
//	pkg/loader          - Chunked transactional upserts
//	pkg/watermark       - Incremental high-water marks per source
//	pkg/export          - Snapshot artifacts
//	pkg/quality         - Rules, scores, anomalies and reports
//	pkg/notify          - Notification channels with cool-down
//	pkg/store           - Database access (PostgreSQL, SQLite)
//
// # Exit Codes
//
//	0  completed
//	1  completed with rejected rows, or cancelled after progress
//	2  failed
//
// # Configuration
//
// Settings come from a YAML file, ASSESSORSYNC_* environment variables and
// command-line flags, in increasing order of precedence. Values in the file
// may reference the environment with ${VAR} or ${VAR:-default}.
package assessorsync
