// Package loader writes canonical rows into destination tables. Rows are
// committed in chunks, one transaction per chunk, keyed on the entity's
// natural key. Each committed chunk advances the sync watermark in the same
// transaction, so a failed run leaves the mark at its last committed chunk.
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/metrics"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
	"github.com/countyops/assessorsync/pkg/store"
	"github.com/countyops/assessorsync/pkg/validate"
	"github.com/countyops/assessorsync/pkg/watermark"
)

// Mode selects how rows are written.
type Mode string

const (
	// ModeMerge upserts by natural key.
	ModeMerge Mode = "merge"
	// ModeAppend inserts only; rows whose key exists are rejected.
	ModeAppend Mode = "append"
	// ModeReplaceAll replaces the table contents at the end of the run.
	ModeReplaceAll Mode = "replace-all"
)

// ParseMode reads a mode name; empty means merge.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeMerge:
		return ModeMerge, nil
	case ModeAppend, ModeReplaceAll:
		return Mode(s), nil
	}
	return "", errors.Newf(errors.KindConfig, "unknown load mode %q", s)
}

// DefaultCommitTimeout bounds one chunk transaction.
const DefaultCommitTimeout = 5 * time.Minute

// Target describes where and how a run writes.
type Target struct {
	Table         string
	Entity        *schema.Entity
	Mode          Mode
	// SourceID keys the sync metadata; empty disables watermarking.
	SourceID      string
	// PreserveNulls leaves stored values in place when the input is nil.
	PreserveNulls bool
	// Replaceable must be set for ModeReplaceAll.
	Replaceable   bool
	CommitTimeout time.Duration
}

// Chunk is one unit of commit.
type Chunk struct {
	Rows        []models.CanonicalRow
	// FirstOffset and LastOffset span the source rows the chunk covers,
	// including rows rejected before the loader.
	FirstOffset int64
	LastOffset  int64
	// Extra counts rows of the span that never reach the loader; they are
	// recorded with the chunk.
	Extra       watermark.Counts
}

// ChunkResult reports a committed chunk.
type ChunkResult struct {
	Counts   watermark.Counts
	// Rejected holds rows refused by the loader itself, e.g. duplicate
	// keys in append mode.
	Rejected []validate.Rejected
	Mark     *watermark.Mark
	Duration time.Duration
}

// Loader writes through a store.
type Loader struct {
	store  *store.Store
	marks  *watermark.Store
	logger *zap.Logger
}

// New creates a Loader. marks may be nil when no sync metadata is kept.
func New(s *store.Store, marks *watermark.Store, l *zap.Logger) *Loader {
	return &Loader{
		store:  s,
		marks:  marks,
		logger: logger.OrGlobal(l).With(zap.String("component", "loader")),
	}
}

// Store returns the underlying store.
func (l *Loader) Store() *store.Store { return l.store }

// Session is one run against a target. Chunks are loaded sequentially; the
// session is not safe for concurrent use.
type Session struct {
	loader *Loader
	target Target
	// table receives the chunks: the target, or its staging table for
	// replace-all.
	table  string
	logger *zap.Logger

	// replace-all accumulates what the final swap records.
	pendingMark   *watermark.Mark
	pendingCounts watermark.Counts
	finished      bool
}

// StagingTable names the replace-all staging table of table.
func StagingTable(table string) string { return table + "_staging" }

// Begin opens a session. For replace-all it prepares an empty staging table.
func (l *Loader) Begin(ctx context.Context, target Target) (*Session, error) {
	if target.Entity == nil {
		return nil, errors.New(errors.KindConfig, "load target has no entity")
	}
	if target.Table == "" {
		target.Table = target.Entity.Name
	}
	if !store.ValidIdentifier(target.Table) {
		return nil, errors.Newf(errors.KindConfig, "invalid table name %q", target.Table)
	}
	if target.Mode == "" {
		target.Mode = ModeMerge
	}
	if target.CommitTimeout <= 0 {
		target.CommitTimeout = DefaultCommitTimeout
	}

	s := &Session{
		loader: l,
		target: target,
		table:  target.Table,
		logger: l.logger.With(zap.String("table", target.Table), zap.String("mode", string(target.Mode))),
	}
	if err := l.store.EnsureTable(ctx, target.Entity, target.Table); err != nil {
		return nil, err
	}

	if target.Mode == ModeReplaceAll {
		if !target.Replaceable {
			return nil, errors.Newf(errors.KindConfig, "table %s is not replaceable", target.Table)
		}
		s.table = StagingTable(target.Table)
		if err := l.store.EnsureTable(ctx, target.Entity, s.table); err != nil {
			return nil, err
		}
		if err := l.store.Exec(ctx, "DELETE FROM "+s.table); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Target returns the session target.
func (s *Session) Target() Target { return s.target }

// LoadChunk commits one chunk. On error nothing of the chunk is written and
// the error carries the offset range that failed.
func (s *Session) LoadChunk(ctx context.Context, chunk Chunk) (*ChunkResult, error) {
	if s.finished {
		return nil, errors.New(errors.KindInternal, "session already finished")
	}
	ctx, cancel := context.WithTimeout(ctx, s.target.CommitTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	var res *ChunkResult
	err := s.loader.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		res, err = s.apply(ctx, tx, chunk.Rows)
		if err != nil {
			return err
		}
		res.Counts.Chunks = 1
		res.Mark = s.markOf(chunk.Rows)
		delta := res.Counts.Add(chunk.Extra)

		if s.target.Mode == ModeReplaceAll {
			return nil
		}
		if s.loader.marks == nil || s.target.SourceID == "" {
			return nil
		}
		return s.loader.marks.Advance(ctx, tx, s.target.SourceID, s.target.Table, res.Mark, delta)
	})
	if err != nil {
		kind := errors.KindOf(err)
		if ctx.Err() == context.DeadlineExceeded {
			kind = errors.KindTimeout
		}
		metrics.ChunkFailures.WithLabelValues(s.target.Table, string(kind)).Inc()
		s.logger.Warn("chunk rolled back",
			zap.Int64("first_offset", chunk.FirstOffset),
			zap.Int64("last_offset", chunk.LastOffset),
			zap.Error(err))
		return nil, errors.Wrap(err, kind,
			fmt.Sprintf("chunk at offsets %d-%d rolled back", chunk.FirstOffset, chunk.LastOffset)).
			WithDetail("first_offset", chunk.FirstOffset).
			WithDetail("last_offset", chunk.LastOffset)
	}

	res.Duration = timer.Stop()
	metrics.ChunkCommitSeconds.WithLabelValues(s.target.Table, string(s.target.Mode)).Observe(res.Duration.Seconds())
	metrics.RowsProcessed.WithLabelValues(s.target.Table, metrics.OutcomeInserted).Add(float64(res.Counts.Inserted))
	metrics.RowsProcessed.WithLabelValues(s.target.Table, metrics.OutcomeUpdated).Add(float64(res.Counts.Updated))
	metrics.RowsProcessed.WithLabelValues(s.target.Table, metrics.OutcomeUnchanged).Add(float64(res.Counts.Unchanged))

	if s.target.Mode == ModeReplaceAll {
		s.pendingMark = watermark.Max(s.pendingMark, res.Mark)
		s.pendingCounts = s.pendingCounts.Add(res.Counts).Add(chunk.Extra)
	}
	s.logger.Debug("chunk committed",
		zap.Int64("first_offset", chunk.FirstOffset),
		zap.Int64("inserted", res.Counts.Inserted),
		zap.Int64("updated", res.Counts.Updated),
		zap.Int64("unchanged", res.Counts.Unchanged),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// Finish ends the session. For replace-all it swaps the staged rows into the
// target in one transaction together with the watermark advance; for the
// other modes there is nothing left to do.
func (s *Session) Finish(ctx context.Context) error {
	if s.finished {
		return nil
	}
	s.finished = true
	if s.target.Mode != ModeReplaceAll {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.target.CommitTimeout)
	defer cancel()
	cols := insertColumns(s.target.Entity)
	err := s.loader.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		stmts := []string{
			"DELETE FROM " + s.target.Table,
			fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", s.target.Table, cols, cols, s.table),
			"DELETE FROM " + s.table,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return store.Classify(err, "replace-all swap failed")
			}
		}
		if s.loader.marks == nil || s.target.SourceID == "" {
			return nil
		}
		return s.loader.marks.Advance(ctx, tx, s.target.SourceID, s.target.Table, s.pendingMark, s.pendingCounts)
	})
	if err != nil {
		return err
	}
	s.logger.Info("table replaced", zap.Int64("rows", s.pendingCounts.Inserted+s.pendingCounts.Updated+s.pendingCounts.Unchanged))
	return nil
}

// Abort discards staged rows of an unfinished replace-all session.
func (s *Session) Abort(ctx context.Context) {
	if s.finished {
		return
	}
	s.finished = true
	if s.target.Mode == ModeReplaceAll {
		if err := s.loader.store.Exec(context.WithoutCancel(ctx), "DELETE FROM "+s.table); err != nil {
			s.logger.Warn("failed to clear staging table", zap.Error(err))
		}
	}
}

func (s *Session) markOf(rows []models.CanonicalRow) *watermark.Mark {
	col := s.target.Entity.Watermark
	if col == "" {
		return nil
	}
	var best *watermark.Mark
	for _, r := range rows {
		m, ok := watermark.FromValue(r.Values[col])
		if !ok {
			continue
		}
		best = watermark.Max(best, &m)
	}
	return best
}
