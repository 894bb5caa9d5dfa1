// Package scheduler triggers jobs and quality runs: on cron schedules, and
// whenever a file lands in a watched drop directory.
package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/internal/pipeline"
	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/quality"
)

// JobRunner runs one job to completion.
type JobRunner interface {
	Run(ctx context.Context, spec *config.JobSpec) (*pipeline.JobResult, error)
}

// QualityRunner evaluates the stored rule set.
type QualityRunner interface {
	EvaluateStored(ctx context.Context, trigger string) (*quality.Report, error)
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler runs cron entries. A tick is skipped while the previous run of
// the same entry is still going.
type Scheduler struct {
	cron   *cron.Cron
	jobs   JobRunner
	rules  QualityRunner
	logger *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

// New creates a Scheduler. rules may be nil when no quality schedule is
// added.
func New(jobs JobRunner, rules QualityRunner, l *zap.Logger) *Scheduler {
	lg := logger.OrGlobal(l).With(zap.String("component", "scheduler"))
	cl := cronLogger{l: lg.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:    jobs,
		rules:   rules,
		logger:  lg,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) add(name, expr string, fn func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[name]; dup {
		return errors.Newf(errors.KindAlreadyExists, "schedule %q is already registered", name)
	}
	id, err := s.cron.AddFunc(expr, func() { fn(s.runContext()) })
	if err != nil {
		return errors.Wrap(err, errors.KindConfig, "invalid cron expression").
			WithDetail("schedule", name).
			WithDetail("expression", expr)
	}
	s.entries[name] = id
	return nil
}

// AddJob schedules spec on its Schedule expression.
func (s *Scheduler) AddJob(spec *config.JobSpec) error {
	if spec.Schedule == "" {
		return errors.Newf(errors.KindConfig, "job %s has no schedule", spec.Name)
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	return s.add("job:"+spec.Name, spec.Schedule, func(ctx context.Context) {
		s.logger.Info("scheduled job starting", zap.String("job", spec.Name))
		res, err := s.jobs.Run(ctx, spec)
		if err != nil {
			s.logger.Error("scheduled job not started", zap.String("job", spec.Name), zap.Error(err))
			return
		}
		s.logger.Info("scheduled job finished",
			zap.String("job", spec.Name),
			zap.String("job_id", res.JobID),
			zap.String("status", string(res.Status)))
	})
}

// AddQuality evaluates the stored rules on expr.
func (s *Scheduler) AddQuality(expr string) error {
	if s.rules == nil {
		return errors.New(errors.KindConfig, "no quality engine to schedule")
	}
	return s.add("quality", expr, func(ctx context.Context) {
		rep, err := s.rules.EvaluateStored(ctx, "schedule")
		if err != nil {
			s.logger.Error("scheduled quality run failed", zap.Error(err))
			return
		}
		s.logger.Info("scheduled quality run finished",
			zap.String("report_id", rep.ID),
			zap.Float64("score", rep.OverallScore),
			zap.Bool("gate_passed", rep.GatePassed))
	})
}

// Entries returns the registered schedule names.
func (s *Scheduler) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}

// Start runs the entries until ctx ends or Stop is called. Runs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("entries", len(s.Entries())))
}

// Stop stops triggering and waits for running entries or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.KindTimeout, "scheduled runs still going at shutdown")
	}
}
