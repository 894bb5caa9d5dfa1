package pipeline

import (
	"context"
	"database/sql"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/json"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/metrics"
	"github.com/countyops/assessorsync/pkg/store"
)

// ErrJobNotFound is returned for an id the registry has never seen.
var ErrJobNotFound = errors.New(errors.KindConfig, "job not found")

// Registry tracks the jobs of this process and mirrors every transition
// into the job_run table, so finished jobs stay visible after a restart.
type Registry struct {
	store  *store.Store
	logger *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRegistry creates a Registry over s.
func NewRegistry(s *store.Store, l *zap.Logger) *Registry {
	return &Registry{
		store:  s,
		logger: logger.OrGlobal(l).With(zap.String("component", "job_registry")),
		jobs:   make(map[string]*Job),
	}
}

func (r *Registry) register(ctx context.Context, name, table string, cancel context.CancelFunc) (*Job, error) {
	now := r.store.Now()
	j := &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Table:       table,
		state:       StatePending,
		startedAt:   now,
		transitions: []Transition{{State: StatePending, At: now}},
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	if err := r.store.Exec(ctx,
		`INSERT INTO job_run (job_id, name, status, started_at) VALUES (?, ?, ?, ?)`,
		j.ID, name, string(StatePending), now); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()
	metrics.JobTransitions.WithLabelValues(string(StatePending)).Inc()
	metrics.ActiveJobs.Inc()
	return j, nil
}

// transition advances j and records the new state.
func (r *Registry) transition(ctx context.Context, j *Job, s State) {
	if !j.advance(s, r.store.Now()) {
		return
	}
	metrics.JobTransitions.WithLabelValues(string(s)).Inc()
	logger.WithContext(ctx, r.logger).Debug("job state changed", zap.String("state", string(s)))
	if err := r.store.Exec(context.WithoutCancel(ctx),
		`UPDATE job_run SET status = ? WHERE job_id = ?`, string(s), j.ID); err != nil {
		r.logger.Warn("failed to record job state", zap.String("job_id", j.ID), zap.Error(err))
	}
}

func (r *Registry) finish(ctx context.Context, j *Job, res *JobResult) {
	j.finish(res)
	metrics.JobTransitions.WithLabelValues(string(res.Status)).Inc()
	metrics.ActiveJobs.Dec()

	doc, err := json.MarshalString(res)
	if err != nil {
		r.logger.Warn("failed to encode job result", zap.String("job_id", j.ID), zap.Error(err))
		doc = ""
	}
	if err := r.store.Exec(context.WithoutCancel(ctx),
		`UPDATE job_run SET status = ?, finished_at = ?, result_json = ? WHERE job_id = ?`,
		string(res.Status), res.FinishedAt, doc, j.ID); err != nil {
		r.logger.Warn("failed to record job result", zap.String("job_id", j.ID), zap.Error(err))
	}
}

// Job returns a job of this process.
func (r *Registry) Job(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Cancel asks a running job to stop at its next chunk boundary.
func (r *Registry) Cancel(id string) error {
	j, ok := r.Job(id)
	if !ok {
		return ErrJobNotFound
	}
	if !j.Cancel() {
		return errors.Newf(errors.KindConfig, "job %s has already finished", id).WithDetail("job_id", id)
	}
	r.logger.Info("job cancel requested", zap.String("job_id", id), zap.String("name", j.Name))
	return nil
}

type jobRunRow struct {
	ID         string         `db:"job_id"`
	Name       string         `db:"name"`
	Status     string         `db:"status"`
	StartedAt  store.NullTime `db:"started_at"`
	FinishedAt store.NullTime `db:"finished_at"`
	Result     sql.NullString `db:"result_json"`
}

func (row *jobRunRow) decode() (Status, error) {
	st := Status{
		ID:         row.ID,
		Name:       row.Name,
		State:      State(row.Status),
		StartedAt:  row.StartedAt.Time,
		FinishedAt: row.FinishedAt.Ptr(),
	}
	if row.Result.Valid && row.Result.String != "" {
		var res JobResult
		if err := json.UnmarshalString(row.Result.String, &res); err != nil {
			return Status{}, errors.Wrap(err, errors.KindInternal, "corrupt result_json").WithDetail("job_id", row.ID)
		}
		st.Result = &res
		st.Table = res.Table
	}
	return st, nil
}

const selectJobRun = `SELECT job_id, name, status, started_at, finished_at, result_json FROM job_run`

// Get returns the status of id, from memory for jobs of this process and
// from job_run otherwise.
func (r *Registry) Get(ctx context.Context, id string) (Status, error) {
	if j, ok := r.Job(id); ok {
		return j.Status(), nil
	}
	var row jobRunRow
	err := r.store.DB().GetContext(ctx, &row, r.store.Rebind(selectJobRun+` WHERE job_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Status{}, ErrJobNotFound
	}
	if err != nil {
		return Status{}, store.Classify(err, "failed to read job run")
	}
	return row.decode()
}

// List returns the most recent jobs, newest first. Jobs of this process
// report their live state.
func (r *Registry) List(ctx context.Context, limit int) ([]Status, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []jobRunRow
	if err := r.store.DB().SelectContext(ctx, &rows, r.store.Rebind(
		selectJobRun+` ORDER BY started_at DESC, job_id LIMIT ?`), limit); err != nil {
		return nil, store.Classify(err, "failed to list job runs")
	}
	out := make([]Status, 0, len(rows))
	for i := range rows {
		if j, ok := r.Job(rows[i].ID); ok {
			out = append(out, j.Status())
			continue
		}
		st, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
