// Package metrics defines the Prometheus collectors the pipeline reports
// through. Collectors are registered with the default registry on import,
// so the status API can expose them with promhttp.
//
// # Basic Usage
//
//	// Count row outcomes of a committed chunk
//	metrics.RowsProcessed.WithLabelValues("property", metrics.OutcomeInserted).Add(12)
//
//	// Time a chunk commit
//	timer := metrics.NewTimer()
//	commit()
//	metrics.ChunkCommitSeconds.WithLabelValues("property", "merge").Observe(timer.Stop().Seconds())
//
//	// Track throughput of a job
//	tracker := metrics.NewThroughputTracker("levy.csv", "tax_record")
//	tracker.Increment(int64(len(rows)))
//	rps := tracker.GetAndReset()
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Row outcome label values.
const (
	OutcomeInserted   = "inserted"
	OutcomeUpdated    = "updated"
	OutcomeUnchanged  = "unchanged"
	OutcomeRejected   = "rejected"
	OutcomeParseError = "parse_error"
	OutcomeSkipped    = "skipped"
)

var (
	// RowsProcessed counts rows by destination table and outcome.
	RowsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessorsync_rows_total",
			Help: "Rows processed by outcome",
		},
		[]string{"table", "outcome"},
	)

	// ChunkCommitSeconds is the latency of chunk transactions.
	ChunkCommitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "assessorsync_chunk_commit_seconds",
			Help: "Chunk commit latency in seconds",
			Buckets: []float64{
				0.005, // single-row chunks on SQLite
				0.025,
				0.1,
				0.5,
				1,
				5,
				30,
				300, // commit timeout
			},
		},
		[]string{"table", "mode"},
	)

	// ChunkFailures counts rolled back chunks by error kind.
	ChunkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessorsync_chunk_failures_total",
			Help: "Chunks rolled back, by error kind",
		},
		[]string{"table", "kind"},
	)

	// JobTransitions counts job state changes.
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessorsync_job_transitions_total",
			Help: "Job state transitions",
		},
		[]string{"state"},
	)

	// ActiveJobs is the number of jobs currently running.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assessorsync_active_jobs",
			Help: "Jobs currently running",
		},
	)

	// QueueDepth is the fill level of the stage queues.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assessorsync_queue_depth",
			Help: "Batches waiting between pipeline stages",
		},
		[]string{"stage"},
	)

	// Throughput is the last measured rows per second of a job.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assessorsync_throughput_rows_per_second",
			Help: "Current throughput in rows per second",
		},
		[]string{"source", "table"},
	)

	// RulePassRate is the last measured pass rate of each quality rule.
	RulePassRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assessorsync_quality_pass_rate",
			Help: "Last pass rate of a quality rule",
		},
		[]string{"rule_id", "table"},
	)

	// QualityScore is the overall score of the last quality report.
	QualityScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assessorsync_quality_score",
			Help: "Overall score of the last quality report",
		},
	)

	// NotificationDeliveries counts settled deliveries by channel and status.
	NotificationDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessorsync_notification_deliveries_total",
			Help: "Settled notification deliveries",
		},
		[]string{"channel", "status"},
	)

	// ExportArtifacts counts artifacts written by format.
	ExportArtifacts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessorsync_export_artifacts_total",
			Help: "Export artifacts written",
		},
		[]string{"format"},
	)
)

// Timer measures an operation from creation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the time elapsed since the timer was created. It may be
// called more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks rows per second between resets. Safe for
// concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	source    string
	table     string
}

// NewThroughputTracker creates a tracker labelled by source and table.
func NewThroughputTracker(source, table string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		source:    source,
		table:     table,
	}
}

// Increment adds n rows.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns the rows per second since the last reset, publishes it
// to the Throughput gauge and starts a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}
	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()
	Throughput.WithLabelValues(t.source, t.table).Set(throughput)
	return throughput
}
