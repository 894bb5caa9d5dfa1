// Package pipeline runs named ingest jobs. A job extracts batches from a
// source, transforms and validates them in concurrent stages connected by
// bounded queues, and loads them chunk by chunk into one target table. The
// loader is sequential per table and each chunk commits together with its
// watermark advance. After the load a job may export snapshots and run
// quality rules.
//
// # Basic Usage
//
//	orch, err := pipeline.New(cfg, pipeline.Deps{
//	    Store:    st,
//	    Mappings: mappings,
//	    Loader:   ld,
//	    Exporter: exporter,
//	    Quality:  engine,
//	}, pipeline.Options{}, logger)
//
//	res, err := orch.Run(ctx, spec)
//	os.Exit(res.ExitCode())
//
// Jobs started with Submit run in the background; their state is visible
// through the Registry, which the status API serves.
package pipeline

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/blobstore"
	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/connector"
	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/export"
	"github.com/countyops/assessorsync/pkg/loader"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/mapping"
	"github.com/countyops/assessorsync/pkg/metrics"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/observability"
	"github.com/countyops/assessorsync/pkg/quality"
	"github.com/countyops/assessorsync/pkg/retry"
	"github.com/countyops/assessorsync/pkg/schema"
	"github.com/countyops/assessorsync/pkg/store"
	"github.com/countyops/assessorsync/pkg/transform"
	"github.com/countyops/assessorsync/pkg/validate"
	"github.com/countyops/assessorsync/pkg/watermark"
)

// Deps are the collaborators jobs run against. Store, Mappings and Loader
// are required; a nil Exporter or Quality engine makes jobs that ask for
// exports or rules fail.
type Deps struct {
	Store    *store.Store
	Mappings *mapping.Registry
	Marks    *watermark.Store
	Loader   *loader.Loader
	Exporter *export.Exporter
	Quality  *quality.Engine
	// Blobs fetches remote dumps.
	Blobs    blobstore.Store
	Registry *Registry
}

// Options tune the orchestrator beyond the config file.
type Options struct {
	// MaxConcurrentJobs bounds the jobs running at once. Jobs on the same
	// table are serialized by the table lock regardless.
	MaxConcurrentJobs int
	// TempDir receives fetched remote dumps.
	TempDir           string
	RetryInitial      time.Duration
	RetryMax          time.Duration
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentJobs: 2,
		RetryInitial:      500 * time.Millisecond,
		RetryMax:          10 * time.Second,
	}
}

// chunkWriter is the part of a loader session a run writes through.
type chunkWriter interface {
	LoadChunk(ctx context.Context, chunk loader.Chunk) (*loader.ChunkResult, error)
	Finish(ctx context.Context) error
	Abort(ctx context.Context)
}

// Orchestrator runs jobs.
type Orchestrator struct {
	cfg      *config.Config
	deps     Deps
	opts     Options
	registry *Registry
	slots    chan struct{}
	logger   *zap.Logger

	// wrapWriter decorates each run's session; nil leaves it as is.
	wrapWriter func(chunkWriter) chunkWriter
}

// New creates an Orchestrator.
func New(cfg *config.Config, deps Deps, opts Options, l *zap.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New(errors.KindConfig, "orchestrator needs a config")
	}
	if deps.Store == nil || deps.Mappings == nil || deps.Loader == nil {
		return nil, errors.New(errors.KindConfig, "orchestrator needs a store, a mapping registry and a loader")
	}
	def := DefaultOptions()
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = def.RetryInitial
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = def.RetryMax
	}

	lg := logger.OrGlobal(l).With(zap.String("component", "orchestrator"))
	if deps.Marks == nil {
		deps.Marks = watermark.New(deps.Store, lg)
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry(deps.Store, lg)
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		opts:     opts,
		registry: deps.Registry,
		slots:    make(chan struct{}, opts.MaxConcurrentJobs),
		logger:   lg,
	}, nil
}

// Registry returns the job registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

func targetTable(spec *config.JobSpec) string {
	if spec.TargetTable != "" {
		return spec.TargetTable
	}
	return spec.DataType
}

// Run executes spec and blocks until it finishes. The error is reserved for
// jobs that could not be started; a job that ran reports its outcome in the
// result, including failures.
func (o *Orchestrator) Run(ctx context.Context, spec *config.JobSpec) (*JobResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	jctx, cancel := context.WithCancel(ctx)
	defer cancel()
	j, err := o.registry.register(ctx, spec.Name, targetTable(spec), cancel)
	if err != nil {
		return nil, err
	}
	return o.execute(jctx, j, spec), nil
}

// Submit starts spec in the background. The job outlives ctx; cancel it
// through the registry.
func (o *Orchestrator) Submit(ctx context.Context, spec *config.JobSpec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j, err := o.registry.register(ctx, spec.Name, targetTable(spec), cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		defer cancel()
		o.execute(jctx, j, spec)
	}()
	return j, nil
}

// run holds the state of one job execution.
type run struct {
	o      *Orchestrator
	job    *Job
	spec   *config.JobSpec
	res    *JobResult
	log    *zap.Logger
	tracer *observability.JobTracer

	sourceID string
	table    string
	entity   *schema.Entity
	mode     loader.Mode
	since    *watermark.Mark
	begun    bool

	counts     watermark.Counts
	committed  int64
	mark       *watermark.Mark
	summary    *rejectionSummary
	throughput *metrics.ThroughputTracker
}

func (o *Orchestrator) execute(ctx context.Context, j *Job, spec *config.JobSpec) *JobResult {
	r := &run{
		o:        o,
		job:      j,
		spec:     spec,
		sourceID: spec.Name,
		table:    j.Table,
		tracer:   observability.NewJobTracer(j.ID, j.Table),
		summary:  newRejectionSummary(),
	}
	r.res = &JobResult{
		JobID:     j.ID,
		Name:      spec.Name,
		SourceID:  r.sourceID,
		Table:     r.table,
		Mode:      spec.Mode,
		Actor:     spec.Actor,
		StartedAt: j.Status().StartedAt,
	}
	r.throughput = metrics.NewThroughputTracker(r.sourceID, r.table)

	ctx = logger.WithJob(ctx, j.ID)
	ctx = logger.WithTable(ctx, r.sourceID, r.table)
	r.log = logger.WithContext(ctx, o.logger)

	if d := spec.Deadline(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	err := r.execute(ctx)
	r.settle(ctx, err)
	return r.res
}

func (r *run) execute(ctx context.Context) error {
	o := r.o
	select {
	case o.slots <- struct{}{}:
		defer func() { <-o.slots }()
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.KindCancelled, "job cancelled while queued")
	}
	if r.spec.Backfill {
		r.log.Info("backfill requested", zap.String("actor", r.spec.Actor))
	}

	var err error
	if r.entity, err = o.entityFor(r.spec.DataType, r.table); err != nil {
		return err
	}
	if r.mode, err = loader.ParseMode(r.spec.Mode); err != nil {
		return err
	}
	r.res.Mode = string(r.mode)

	m, err := o.deps.Mappings.Require(ctx, r.spec.DataType, r.spec.MappingName)
	if err != nil {
		return err
	}
	engine, err := transform.NewEngine(m, transform.Options{
		Tables:      transform.Tables(o.cfg.EnumMaps),
		Defaults:    o.cfg.Defaults[r.entity.Name],
		AreaCap:     o.cfg.AreaCap,
		Derivations: o.cfg.Derivations,
	}, r.log)
	if err != nil {
		return err
	}
	validator, err := o.validatorFor(r.spec, r.entity, r.log)
	if err != nil {
		return err
	}

	lock, err := o.deps.Store.AcquireTableLock(ctx, r.table, r.job.ID, time.Duration(o.cfg.LockTTLSeconds)*time.Second)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			r.log.Warn("failed to release table lock", zap.Error(err))
		}
	}()

	rec, err := o.deps.Marks.BeginRun(ctx, r.sourceID, r.table)
	if err != nil {
		return err
	}
	r.begun = true
	if rec.Mark != nil {
		r.res.WatermarkBefore = rec.Mark.String()
		if r.spec.Incremental {
			r.since = rec.Mark
		}
	}

	o.registry.transition(ctx, r.job, StateExtracting)
	src, err := connector.Open(ctx, o.descriptor(r.spec, r.since), core.Env{
		Blob:    o.deps.Blobs,
		Logger:  r.log,
		TempDir: o.opts.TempDir,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			r.log.Warn("failed to close source", zap.Error(err))
		}
	}()

	session, err := o.deps.Loader.Begin(ctx, loader.Target{
		Table:         r.table,
		Entity:        r.entity,
		Mode:          r.mode,
		SourceID:      r.sourceID,
		PreserveNulls: o.cfg.PreserveNullsOnUpdate,
		Replaceable:   contains(o.cfg.ReplaceableTables, r.table),
		CommitTimeout: time.Duration(o.cfg.CommitTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	var w chunkWriter = session
	if o.wrapWriter != nil {
		w = o.wrapWriter(w)
	}

	err = r.tracer.TraceStage(ctx, "load", func(ctx context.Context) error {
		return r.load(ctx, src, engine, validator, w)
	})
	if err != nil {
		w.Abort(ctx)
		return err
	}
	r.log.Info("load finished",
		zap.String("source", src.Describe().Location),
		zap.String("format", string(src.Describe().Format)),
		zap.Int64("chunks", r.committed))

	if len(r.spec.Export.Formats) > 0 {
		o.registry.transition(ctx, r.job, StateExporting)
		if err := r.tracer.TraceStage(ctx, "export", r.export); err != nil {
			return err
		}
	}

	if len(r.spec.Quality.RuleIDs)+len(r.spec.Quality.Inline) > 0 {
		o.registry.transition(ctx, r.job, StateQualityChecking)
		if err := r.tracer.TraceStage(ctx, "quality", r.evaluate); err != nil {
			return err
		}
	}
	return nil
}

// load streams the source through the stages into w. It returns at the
// first chunk boundary after ctx ends.
func (r *run) load(ctx context.Context, src core.BatchIterator, engine *transform.Engine, v *validate.Validator, w chunkWriter) error {
	o := r.o
	stageCtx, stop := context.WithCancel(ctx)
	defer stop()

	st := &stages{
		source:       src,
		engine:       engine,
		validator:    v,
		entity:       r.entity,
		since:        r.since,
		batchTimeout: time.Duration(o.cfg.BatchTimeoutSeconds) * time.Second,
		depth:        o.cfg.WorkerQueueDepth,
		reached:      func(s State) { o.registry.transition(ctx, r.job, s) },
		logger:       r.log,
	}
	batches := st.start(stageCtx)

	var loadErr error
	for b := range batches {
		if loadErr != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			loadErr = cancelled(ctx)
			stop()
			continue
		}
		if err := r.loadBatch(ctx, w, b); err != nil {
			loadErr = err
			stop()
		}
	}
	stageErr := st.wait()

	switch {
	case loadErr != nil:
		return loadErr
	case ctx.Err() != nil:
		return cancelled(ctx)
	case stageErr != nil:
		return stageErr
	}
	return w.Finish(ctx)
}

func cancelled(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(ctx.Err(), errors.KindTimeout, "job deadline exceeded")
	}
	return errors.Wrap(ctx.Err(), errors.KindCancelled, "job cancelled")
}

// loadBatch commits the accepted rows of b in chunks. The batch's rejected,
// parse-error and skipped rows are recorded with its first chunk.
func (r *run) loadBatch(ctx context.Context, w chunkWriter, b *stagedBatch) error {
	r.o.registry.transition(ctx, r.job, StateLoading)
	res := b.result
	extra := watermark.Counts{
		Rejected:    int64(len(res.Rejected)),
		ParseErrors: int64(len(res.ParseErrors)),
		Skipped:     b.skipped,
	}

	size := r.spec.ChunkSize
	if size <= 0 {
		size = r.o.cfg.ChunkSize
	}
	parts := split(res.Accepted, size)
	for i, rows := range parts {
		if i > 0 && ctx.Err() != nil {
			return cancelled(ctx)
		}
		c := loader.Chunk{Rows: rows, FirstOffset: b.firstOffset, LastOffset: b.lastOffset}
		if len(parts) > 1 {
			if i > 0 {
				c.FirstOffset = rows[0].Offset
			}
			if i < len(parts)-1 {
				c.LastOffset = rows[len(rows)-1].Offset
			}
		}
		if i == 0 {
			c.Extra = extra
		}

		// A chunk in flight finishes even if the job is cancelled meanwhile.
		cr, err := r.commit(context.WithoutCancel(ctx), w, c)
		if err != nil {
			return err
		}
		r.absorb(cr, c.Extra)
		if i == 0 {
			r.summary.addRejected(res.Rejected)
			r.summary.addParseErrors(res.ParseErrors)
			metrics.RowsProcessed.WithLabelValues(r.table, metrics.OutcomeRejected).Add(float64(extra.Rejected))
			metrics.RowsProcessed.WithLabelValues(r.table, metrics.OutcomeParseError).Add(float64(extra.ParseErrors))
			metrics.RowsProcessed.WithLabelValues(r.table, metrics.OutcomeSkipped).Add(float64(extra.Skipped))
		}
	}
	r.throughput.Increment(int64(b.sourceRows))
	return nil
}

// split cuts rows into parts of at most size rows; no rows is one empty
// part, so the batch's counts still commit.
func split(rows []models.CanonicalRow, size int) [][]models.CanonicalRow {
	if len(rows) == 0 {
		return [][]models.CanonicalRow{nil}
	}
	var out [][]models.CanonicalRow
	for len(rows) > size {
		out = append(out, rows[:size])
		rows = rows[size:]
	}
	return append(out, rows)
}

// commit loads one chunk, retrying transient destination errors. Data
// errors are returned at once.
func (r *run) commit(ctx context.Context, w chunkWriter, c loader.Chunk) (*loader.ChunkResult, error) {
	// retry_max_attempts counts retries after the first attempt.
	policy := retry.NewPolicy(r.o.cfg.RetryMaxAttempts+1, r.o.opts.RetryInitial, r.o.opts.RetryMax)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.log.Warn("retrying chunk",
			zap.Int("attempt", attempt),
			zap.Int64("first_offset", c.FirstOffset),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	var cr *loader.ChunkResult
	err := r.tracer.TraceChunk(ctx, len(c.Rows), c.FirstOffset, c.LastOffset, func(ctx context.Context) error {
		return policy.ExecuteWithCondition(ctx, func() error {
			var err error
			cr, err = w.LoadChunk(ctx, c)
			return err
		}, errors.IsRetryable)
	})
	return cr, err
}

// absorb adds a committed chunk to the run. cr.Counts already includes the
// loader's own rejections, and the loader recorded them in sync metadata.
func (r *run) absorb(cr *loader.ChunkResult, extra watermark.Counts) {
	r.counts = r.counts.Add(cr.Counts).Add(extra)
	r.summary.addRejected(cr.Rejected)
	r.mark = watermark.Max(r.mark, cr.Mark)
	r.committed++
}

func (r *run) export(ctx context.Context) error {
	x := r.o.deps.Exporter
	if x == nil {
		return errors.New(errors.KindConfig, "job requests exports but no exporter is configured")
	}
	formats := make([]export.Format, 0, len(r.spec.Export.Formats))
	for _, f := range r.spec.Export.Formats {
		ff, err := export.ParseFormat(f)
		if err != nil {
			return err
		}
		formats = append(formats, ff)
	}
	req := export.Request{
		Table:   r.table,
		Entity:  r.entity,
		Formats: formats,
		Scope:   export.Scope(r.spec.Export.Scope),
		Merge:   r.spec.Export.Merge,
	}
	if req.Scope == export.ScopeDelta {
		// Rows written by this run carry an updated_at at or after its start.
		since := r.res.StartedAt.Add(-time.Microsecond)
		req.Since = &since
	}
	out, err := x.Export(ctx, req)
	if err != nil {
		return err
	}
	r.res.Artifacts = out.Artifacts
	return nil
}

func (r *run) evaluate(ctx context.Context) error {
	q := r.o.deps.Quality
	if q == nil {
		return errors.New(errors.KindConfig, "job selects quality rules but no quality engine is configured")
	}
	rules, err := q.Rules().Resolve(ctx, r.spec.Quality)
	if err != nil {
		return err
	}
	rep, err := q.Evaluate(ctx, quality.Request{
		Rules:    rules,
		Trigger:  "job:" + r.spec.Name,
		Entities: map[string]*schema.Entity{r.table: r.entity},
		Channels: r.spec.Notify.Channels,
	})
	if err != nil {
		return err
	}
	v := &QualityVerdict{
		ReportID:   rep.ID,
		Score:      rep.OverallScore,
		Gate:       rep.Gate,
		GatePassed: rep.GatePassed,
	}
	for _, f := range rep.Fired() {
		v.Fired = append(v.Fired, f.RuleID)
	}
	r.res.Quality = v
	return nil
}

// settle decides the final status, records it and publishes the result.
// Completed means no row was rejected; partial means rows were rejected or
// the job was stopped after committing; failed means a fatal error, or a
// stop before anything was committed.
func (r *run) settle(ctx context.Context, err error) {
	res := r.res
	res.Counts = r.counts
	res.Accepted = r.counts.Accepted()
	res.Rejected = r.counts.Rejected
	res.ParseErrors = r.counts.ParseErrors
	res.Skipped = r.counts.Skipped
	res.Rejections = r.summary.result()
	res.ParseErrorSamples = r.summary.parseErrors

	stopped := r.job.wasCancelled() || errors.IsKind(err, errors.KindCancelled) ||
		(errors.IsKind(err, errors.KindTimeout) && ctx.Err() == context.DeadlineExceeded)
	res.Cancelled = stopped
	progressed := r.committed > 0 && r.mode != loader.ModeReplaceAll

	switch {
	case err == nil && res.Rejected+res.ParseErrors == 0:
		res.Status = StateCompleted
	case err == nil:
		res.Status = StatePartial
	case stopped && progressed:
		res.Status = StatePartial
	default:
		res.Status = StateFailed
	}
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = errors.KindOf(err)
	}

	if r.begun {
		status := watermark.StatusCompleted
		switch res.Status {
		case StatePartial:
			status = watermark.StatusPartial
		case StateFailed:
			status = watermark.StatusFailed
		}
		rec, ferr := r.o.deps.Marks.Finish(ctx, r.sourceID, r.table, status, watermark.Counts{})
		switch {
		case ferr != nil:
			r.log.Error("failed to record sync metadata", zap.Error(ferr))
		case rec.Mark != nil:
			res.WatermarkAfter = rec.Mark.String()
		}
	}

	res.FinishedAt = r.o.deps.Store.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	r.throughput.GetAndReset()
	r.o.registry.finish(ctx, r.job, res)

	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Int64("accepted", res.Accepted),
		zap.Int64("inserted", res.Counts.Inserted),
		zap.Int64("updated", res.Counts.Updated),
		zap.Int64("unchanged", res.Counts.Unchanged),
		zap.Int64("rejected", res.Rejected),
		zap.Int64("parse_errors", res.ParseErrors),
		zap.Int64("skipped", res.Skipped),
		zap.String("watermark", res.WatermarkAfter),
		zap.Duration("duration", res.Duration),
	}
	if err != nil {
		r.log.Error("job finished", append(fields, zap.Error(err))...)
		return
	}
	r.log.Info("job finished", fields...)
}

// entityFor resolves the canonical entity of dataType with the configured
// watermark column of table.
func (o *Orchestrator) entityFor(dataType, table string) (*schema.Entity, error) {
	e, err := schema.Lookup(dataType)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "unknown data type")
	}
	if col, ok := o.cfg.WatermarkColumnOverrides[table]; ok && col != "" {
		return e.WithWatermark(schema.Field(col))
	}
	return e, nil
}

// validatorFor builds the default constraints of entity followed by the
// job's own.
func (o *Orchestrator) validatorFor(spec *config.JobSpec, e *schema.Entity, l *zap.Logger) (*validate.Validator, error) {
	constraints := validate.Defaults(e)
	for _, cs := range spec.Constraints {
		c, err := validate.Build(cs, e, o.deps.Loader)
		if err != nil {
			return nil, err
		}
		constraints = append(constraints, c)
	}
	var opts []validate.Option
	if spec.MinRows > 0 {
		opts = append(opts, validate.WithMinRows(spec.MinRows))
	}
	return validate.New(constraints, l, opts...), nil
}

// descriptor builds the source descriptor of spec. The config's encoding
// fallbacks apply when the job names none.
func (o *Orchestrator) descriptor(spec *config.JobSpec, since *watermark.Mark) core.Descriptor {
	src := spec.Source
	d := core.Descriptor{
		Kind:        core.Kind(src.Kind),
		Location:    src.Location,
		Credentials: src.Credentials,
		Format:      core.Format(src.Format),
		BatchSize:   src.BatchSize,
		Options:     src.Options,
		Encodings:   src.Encodings,
	}
	if d.BatchSize <= 0 {
		d.BatchSize = spec.ChunkSize
	}
	if d.BatchSize <= 0 {
		d.BatchSize = o.cfg.ChunkSize
	}
	if len(d.Encodings) == 0 {
		d.Encodings = o.cfg.EncodingFallbacks
	}
	if since != nil {
		if since.Kind == watermark.KindSequence {
			d.Since = since.Seq
		} else {
			d.Since = since.Time
		}
	}
	return d
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
