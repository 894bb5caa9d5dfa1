package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/export"
	"github.com/countyops/assessorsync/pkg/watermark"
)

// State is a job lifecycle state.
type State string

const (
	StatePending         State = "pending"
	StateExtracting      State = "extracting"
	StateTransforming    State = "transforming"
	StateValidating      State = "validating"
	StateLoading         State = "loading"
	StateExporting       State = "exporting"
	StateQualityChecking State = "quality-checking"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StatePartial         State = "partial"
)

var stateRank = map[State]int{
	StatePending:         0,
	StateExtracting:      1,
	StateTransforming:    2,
	StateValidating:      3,
	StateLoading:         4,
	StateExporting:       5,
	StateQualityChecking: 6,
	StateCompleted:       7,
	StateFailed:          7,
	StatePartial:         7,
}

// Terminal reports whether s ends a job.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StatePartial
}

// Exit codes of a finished job.
const (
	ExitOK        = 0
	ExitDataError = 1
	ExitFatal     = 2
)

// MaxSamples bounds the evidence kept per rejection kind.
const MaxSamples = 5

// RejectionSample is one rejected row kept as evidence.
type RejectionSample struct {
	Offset int64  `json:"offset"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
	Value  string `json:"value,omitempty"`
}

// RejectionGroup counts rejected rows of one kind.
type RejectionGroup struct {
	Kind    errors.Kind       `json:"kind"`
	Count   int64             `json:"count"`
	Samples []RejectionSample `json:"samples"`
}

// QualityVerdict summarizes the quality run that followed a load.
type QualityVerdict struct {
	ReportID   string   `json:"report_id"`
	Score      float64  `json:"score"`
	Gate       float64  `json:"gate"`
	GatePassed bool     `json:"gate_passed"`
	Fired      []string `json:"fired,omitempty"`
}

// JobResult is the final report of a job. Every source row is counted in
// exactly one of Accepted, Rejected, ParseErrors or Skipped.
type JobResult struct {
	JobID    string `json:"job_id"`
	Name     string `json:"name"`
	SourceID string `json:"source_id"`
	Table    string `json:"table"`
	Mode     string `json:"mode"`
	Status   State  `json:"status"`
	// Actor is the operator a backfill runs on behalf of.
	Actor    string `json:"actor,omitempty"`

	Counts      watermark.Counts `json:"counts"`
	Accepted    int64            `json:"accepted"`
	Rejected    int64            `json:"rejected"`
	ParseErrors int64            `json:"parse_errors"`
	Skipped     int64            `json:"skipped"`

	Rejections        []RejectionGroup  `json:"rejections,omitempty"`
	ParseErrorSamples []RejectionSample `json:"parse_error_samples,omitempty"`

	WatermarkBefore string `json:"watermark_before,omitempty"`
	WatermarkAfter  string `json:"watermark_after,omitempty"`

	Artifacts []export.Artifact `json:"artifacts,omitempty"`
	Quality   *QualityVerdict   `json:"quality,omitempty"`

	Cancelled bool        `json:"cancelled,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind errors.Kind `json:"error_kind,omitempty"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// ExitCode maps the status: 0 completed, 1 partial, 2 failed.
func (r *JobResult) ExitCode() int {
	switch r.Status {
	case StateCompleted:
		return ExitOK
	case StatePartial:
		return ExitDataError
	default:
		return ExitFatal
	}
}

// Transition is one observed state change.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Status is a point-in-time view of a job.
type Status struct {
	ID          string       `json:"job_id"`
	Name        string       `json:"name"`
	Table       string       `json:"table,omitempty"`
	State       State        `json:"state"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Transitions []Transition `json:"transitions,omitempty"`
	Result      *JobResult   `json:"result,omitempty"`
}

// Job is a running or finished job held by the registry.
type Job struct {
	ID    string
	Name  string
	Table string

	mu          sync.RWMutex
	state       State
	startedAt   time.Time
	finishedAt  time.Time
	transitions []Transition
	result      *JobResult
	cancel      context.CancelFunc
	cancelled   bool
	done        chan struct{}
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Status returns a snapshot of the job.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	st := Status{
		ID:          j.ID,
		Name:        j.Name,
		Table:       j.Table,
		State:       j.state,
		StartedAt:   j.startedAt,
		Transitions: append([]Transition(nil), j.transitions...),
		Result:      j.result,
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		st.FinishedAt = &t
	}
	return st
}

// Done is closed once the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) (*JobResult, error) {
	select {
	case <-j.done:
		j.mu.RLock()
		defer j.mu.RUnlock()
		return j.result, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.KindCancelled, "stopped waiting for job "+j.ID)
	}
}

// Cancel asks the job to stop at its next chunk boundary. It reports false
// when the job has already finished.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.cancelled = true
	if j.cancel != nil {
		j.cancel()
	}
	return true
}

func (j *Job) wasCancelled() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cancelled
}

// advance moves the job forward to s. Earlier stages are ignored, since
// the staged pipeline reports them out of order.
func (j *Job) advance(s State, at time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() || stateRank[s] <= stateRank[j.state] {
		return false
	}
	j.state = s
	j.transitions = append(j.transitions, Transition{State: s, At: at})
	return true
}

func (j *Job) finish(res *JobResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = res.Status
	j.finishedAt = res.FinishedAt
	j.transitions = append(j.transitions, Transition{State: res.Status, At: res.FinishedAt})
	j.result = res
	close(j.done)
}
