package watermark

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/schema"
	"github.com/countyops/assessorsync/pkg/store"
)

func newStore(t *testing.T) (*store.Store, *Store) {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "wm.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s, New(s, zaptest.NewLogger(t))
}

func ts(h int) *Mark {
	m, _ := FromValue(time.Date(2024, 5, 1, h, 0, 0, 0, time.UTC))
	return &m
}

func advance(t *testing.T, db *store.Store, w *Store, mark *Mark, c Counts) error {
	t.Helper()
	return db.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return w.Advance(context.Background(), tx, "levy.csv", schema.TaxRecord, mark, c)
	})
}

func TestMarkCompareAndText(t *testing.T) {
	c, err := ts(1).Compare(*ts(2))
	require.NoError(t, err)
	assert.Equal(t, -1, c)
	assert.True(t, ts(3).After(*ts(2)))

	seq, ok := FromValue(int64(42))
	require.True(t, ok)
	_, err = seq.Compare(*ts(1))
	assert.True(t, errors.IsKind(err, errors.KindWatermarkConflict))

	back, err := Parse(KindTimestamp, ts(5).String())
	require.NoError(t, err)
	assert.True(t, back.Time.Equal(ts(5).Time))
	back, err = Parse(KindSequence, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), back.Seq)

	_, ok = FromValue("2024")
	assert.False(t, ok)
	assert.Equal(t, ts(4), Max(ts(4), ts(2)))
	assert.Equal(t, ts(4), Max(nil, ts(4)))
}

func TestAdvanceIsMonotonic(t *testing.T) {
	db, w := newStore(t)
	ctx := context.Background()

	rec, err := w.Get(ctx, "levy.csv", schema.TaxRecord)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = w.BeginRun(ctx, "levy.csv", schema.TaxRecord)
	require.NoError(t, err)
	require.NoError(t, advance(t, db, w, ts(3), Counts{Inserted: 2, Chunks: 1}))
	require.NoError(t, advance(t, db, w, ts(1), Counts{Updated: 1, Chunks: 1}))
	require.NoError(t, advance(t, db, w, nil, Counts{Unchanged: 4, Chunks: 1}))

	rec, err = w.Finish(ctx, "levy.csv", schema.TaxRecord, StatusPartial, Counts{Rejected: 1})
	require.NoError(t, err)
	require.NotNil(t, rec.Mark)
	assert.True(t, rec.Mark.Time.Equal(ts(3).Time))
	assert.Equal(t, Counts{Inserted: 2, Updated: 1, Unchanged: 4, Rejected: 1, Chunks: 3}, rec.LastRun)
	assert.Equal(t, int64(7), rec.LastRun.Accepted())

	_, err = w.BeginRun(ctx, "levy.csv", schema.TaxRecord)
	require.NoError(t, err)
	require.NoError(t, advance(t, db, w, ts(4), Counts{Inserted: 1, Chunks: 1}))
	_, err = w.Finish(ctx, "levy.csv", schema.TaxRecord, StatusCompleted, Counts{})
	require.NoError(t, err)

	rec, err = w.Get(ctx, "levy.csv", schema.TaxRecord)
	require.NoError(t, err)
	assert.True(t, rec.Mark.Time.Equal(ts(4).Time))
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, int64(2), rec.Runs)
	assert.Equal(t, Counts{Inserted: 1, Chunks: 1}, rec.LastRun)
	assert.Equal(t, int64(3), rec.Total.Inserted)
	assert.False(t, rec.LastRunAt.IsZero())

	seq, _ := FromValue(int64(9))
	err = advance(t, db, w, &seq, Counts{})
	assert.True(t, errors.IsKind(err, errors.KindWatermarkConflict))

	all, err := w.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAdvanceRollsBackWithChunk(t *testing.T) {
	db, w := newStore(t)
	ctx := context.Background()

	require.NoError(t, advance(t, db, w, ts(1), Counts{Inserted: 1}))
	boom := errors.New(errors.KindDestinationUnavailable, "connection reset")
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		require.NoError(t, w.Advance(ctx, tx, "levy.csv", schema.TaxRecord, ts(9), Counts{Inserted: 5}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rec, err := w.Get(ctx, "levy.csv", schema.TaxRecord)
	require.NoError(t, err)
	assert.True(t, rec.Mark.Time.Equal(ts(1).Time))
	assert.Equal(t, int64(1), rec.Total.Inserted)
}
