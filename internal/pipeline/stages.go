package pipeline

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/metrics"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
	"github.com/countyops/assessorsync/pkg/transform"
	"github.com/countyops/assessorsync/pkg/validate"
	"github.com/countyops/assessorsync/pkg/watermark"
)

// stagedBatch carries one source batch through the stages.
type stagedBatch struct {
	meta        models.BatchMeta
	sourceRows  int
	firstOffset int64
	lastOffset  int64

	// batch is the raw source batch; transform consumes it.
	batch   *models.Batch
	rows    []models.CanonicalRow
	skipped int64
	result  *validate.Result
}

// stages runs extract, transform and validate as goroutines connected by
// bounded channels. A full channel blocks its producer.
type stages struct {
	source       core.BatchIterator
	engine       *transform.Engine
	validator    *validate.Validator
	entity       *schema.Entity
	since        *watermark.Mark
	batchTimeout time.Duration
	depth        int
	// reached is told when data first enters a stage.
	reached      func(State)
	logger       *zap.Logger

	wg   sync.WaitGroup
	once sync.Once
	err  error
}

// start launches the stages and returns the channel of validated batches.
// The channel closes when the source is exhausted, a stage fails or ctx
// ends; wait reports which.
func (s *stages) start(ctx context.Context) <-chan *stagedBatch {
	depth := s.depth
	if depth <= 0 {
		depth = 1
	}
	extracted := make(chan *stagedBatch, depth)
	transformed := make(chan *stagedBatch, depth)
	validated := make(chan *stagedBatch, depth)

	s.wg.Add(3)
	go s.extract(ctx, extracted)
	go s.transform(ctx, extracted, transformed)
	go s.validate(ctx, transformed, validated)
	return validated
}

// wait blocks until every stage has returned and reports the first stage
// error. Errors caused by ctx ending are not reported.
func (s *stages) wait() error {
	s.wg.Wait()
	return s.err
}

func (s *stages) fail(err error) {
	s.once.Do(func() { s.err = err })
}

func send(ctx context.Context, ch chan<- *stagedBatch, b *stagedBatch, stage string) bool {
	select {
	case ch <- b:
		metrics.QueueDepth.WithLabelValues(stage).Set(float64(len(ch)))
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *stages) extract(ctx context.Context, out chan<- *stagedBatch) {
	defer s.wg.Done()
	defer close(out)

	for {
		bctx, cancel := s.batchContext(ctx)
		batch, err := s.source.NextBatch(bctx)
		timedOut := bctx.Err() == context.DeadlineExceeded
		cancel()

		if err == io.EOF {
			s.logger.Debug("source exhausted")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if timedOut {
				err = errors.Wrap(err, errors.KindTimeout, "source read timed out").
					WithDetail("timeout", s.batchTimeout.String())
			}
			s.fail(err)
			return
		}

		b := &stagedBatch{
			batch:       batch,
			meta:        batch.Meta,
			sourceRows:  batch.Len(),
			firstOffset: batch.Meta.SourceOffset,
			lastOffset:  batch.Meta.SourceOffset + int64(batch.Len()) - 1,
		}
		if n := batch.Len(); n > 0 {
			b.firstOffset = batch.Rows[0].Offset
			b.lastOffset = batch.Rows[n-1].Offset
		}
		if !send(ctx, out, b, "extract") {
			return
		}
	}
}

func (s *stages) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.batchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.batchTimeout)
}

func (s *stages) transform(ctx context.Context, in <-chan *stagedBatch, out chan<- *stagedBatch) {
	defer s.wg.Done()
	defer close(out)

	for b := range in {
		s.reached(StateTransforming)
		b.rows = s.engine.Transform(b.batch)
		b.batch = nil
		if s.since != nil {
			b.rows, b.skipped = s.skipSeen(b.rows)
		}
		if !send(ctx, out, b, "transform") {
			return
		}
	}
}

// skipSeen drops rows at or below the incremental watermark.
func (s *stages) skipSeen(rows []models.CanonicalRow) ([]models.CanonicalRow, int64) {
	col := s.entity.Watermark
	kept := rows[:0]
	var skipped int64
	for _, r := range rows {
		if m, ok := watermark.FromValue(r.Values[col]); ok {
			if c, err := m.Compare(*s.since); err == nil && c <= 0 {
				skipped++
				continue
			}
		}
		kept = append(kept, r)
	}
	return kept, skipped
}

func (s *stages) validate(ctx context.Context, in <-chan *stagedBatch, out chan<- *stagedBatch) {
	defer s.wg.Done()
	defer close(out)

	for b := range in {
		s.reached(StateValidating)
		res, err := s.validator.Validate(ctx, b.rows, validate.Batch{
			RowsBefore: b.meta.SourceOffset,
			IsLast:     b.meta.IsLast,
		})
		switch {
		case errors.IsKind(err, errors.KindBatchRejected):
			res = rejectBatch(b.rows, err)
			s.logger.Warn("batch rejected", zap.Int64("offset", b.firstOffset), zap.Error(err))
		case err != nil:
			if ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
		b.result = res
		if !send(ctx, out, b, "validate") {
			return
		}
	}
}

// rejectBatch rejects every row of a batch that failed a batch-level check.
// Parse errors stay parse errors.
func rejectBatch(rows []models.CanonicalRow, cause error) *validate.Result {
	res := &validate.Result{}
	for _, r := range rows {
		if is, fatal := r.FatalIssue(); fatal && is.Kind == errors.KindMalformedInput {
			res.ParseErrors = append(res.ParseErrors, validate.Rejected{Row: r, Reasons: []validate.Rejection{{
				Offset: r.Offset,
				Kind:   errors.KindMalformedInput,
				Detail: is.Detail,
			}}})
			continue
		}
		res.Rejected = append(res.Rejected, validate.Rejected{Row: r, Reasons: []validate.Rejection{{
			Offset:       r.Offset,
			ConstraintID: "min_rows",
			Kind:         errors.KindBatchRejected,
			Detail:       cause.Error(),
		}}})
	}
	return res
}
