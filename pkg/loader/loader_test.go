package loader

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
	"github.com/countyops/assessorsync/pkg/store"
	"github.com/countyops/assessorsync/pkg/watermark"
)

const source = "parcels.csv"

func newLoader(t *testing.T) (*Loader, *watermark.Store) {
	t.Helper()
	l := zaptest.NewLogger(t)
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "load.db"), l)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	marks := watermark.New(s, l)
	return New(s, marks, l), marks
}

func property(t *testing.T) *schema.Entity {
	t.Helper()
	e, err := schema.Lookup(schema.Property)
	require.NoError(t, err)
	return e
}

func at(h int) time.Time { return time.Date(2024, 3, 1, h, 0, 0, 0, time.UTC) }

func row(offset int64, id string, land, improvement int64, updated time.Time) models.CanonicalRow {
	return models.CanonicalRow{
		Offset: offset,
		Values: models.Row{
			schema.FieldPropertyID:       id,
			schema.FieldLandValue:        models.Money(land * 100),
			schema.FieldImprovementValue: models.Money(improvement * 100),
			schema.FieldTotalValue:       models.Money((land + improvement) * 100),
			schema.FieldLastUpdated:      updated,
		},
	}
}

func load(t *testing.T, l *Loader, target Target, rows ...models.CanonicalRow) *ChunkResult {
	t.Helper()
	ctx := context.Background()
	sess, err := l.Begin(ctx, target)
	require.NoError(t, err)
	res, err := sess.LoadChunk(ctx, Chunk{Rows: rows, FirstOffset: 1, LastOffset: int64(len(rows))})
	require.NoError(t, err)
	require.NoError(t, sess.Finish(ctx))
	return res
}

func scanAll(t *testing.T, l *Loader, table string) []StoredRow {
	t.Helper()
	var out []StoredRow
	require.NoError(t, l.Scan(context.Background(), table, property(t), nil, func(r StoredRow) error {
		out = append(out, r)
		return nil
	}))
	return out
}

func TestMergeIsIdempotent(t *testing.T) {
	l, marks := newLoader(t)
	target := Target{Entity: property(t), Mode: ModeMerge, SourceID: source}
	rows := []models.CanonicalRow{
		row(1, "P00001", 50000, 100000, at(1)),
		row(2, "P00002", 75000, 125000, at(2)),
	}

	first := load(t, l, target, rows...)
	assert.Equal(t, int64(2), first.Counts.Inserted)

	second := load(t, l, target, rows...)
	assert.Equal(t, int64(0), second.Counts.Inserted)
	assert.Equal(t, int64(0), second.Counts.Updated)
	assert.Equal(t, int64(2), second.Counts.Unchanged)

	stored := scanAll(t, l, schema.Property)
	require.Len(t, stored, 2)
	assert.Equal(t, int64(1), stored[0].ID)
	assert.Equal(t, "P00001", stored[0].Values[schema.FieldPropertyID])
	assert.Equal(t, models.Money(15000000), stored[0].Values[schema.FieldTotalValue])
	assert.True(t, at(1).Equal(stored[0].Values[schema.FieldLastUpdated].(time.Time)))

	rec, err := marks.Get(context.Background(), source, schema.Property)
	require.NoError(t, err)
	require.NotNil(t, rec.Mark)
	assert.True(t, rec.Mark.Time.Equal(at(2)))
	assert.Equal(t, int64(2), rec.Total.Inserted)
	assert.Equal(t, int64(2), rec.Total.Unchanged)
}

func TestMergeUpdatesChangedColumnsOnly(t *testing.T) {
	l, _ := newLoader(t)
	ctx := context.Background()
	target := Target{Entity: property(t), Mode: ModeMerge, SourceID: source}
	load(t, l, target, row(1, "P00001", 50000, 100000, at(1)))
	require.NoError(t, l.Store().Exec(ctx, `UPDATE property SET city = 'Kennewick'`))

	changed := row(1, "P00001", 60000, 100000, at(3))
	changed.Values[schema.FieldTotalValue] = models.Money(16000000)
	res := load(t, l, target, changed)
	assert.Equal(t, int64(1), res.Counts.Updated)

	stored := scanAll(t, l, schema.Property)
	require.Len(t, stored, 1)
	assert.Equal(t, models.Money(6000000), stored[0].Values[schema.FieldLandValue])
	assert.Equal(t, "Kennewick", stored[0].Values[schema.FieldCity], "unmapped column is left alone")
	assert.True(t, stored[0].UpdatedAt.After(stored[0].CreatedAt) || stored[0].UpdatedAt.Equal(stored[0].CreatedAt))
}

func TestPreserveNulls(t *testing.T) {
	l, _ := newLoader(t)
	target := Target{Entity: property(t), Mode: ModeMerge}
	load(t, l, target, row(1, "P00001", 50000, 100000, at(1)))

	blank := row(1, "P00001", 50000, 100000, at(1))
	blank.Values[schema.FieldImprovementValue] = nil

	target.PreserveNulls = true
	res := load(t, l, target, blank)
	assert.Equal(t, int64(1), res.Counts.Unchanged)
	assert.Equal(t, models.Money(10000000), scanAll(t, l, schema.Property)[0].Values[schema.FieldImprovementValue])

	target.PreserveNulls = false
	res = load(t, l, target, blank)
	assert.Equal(t, int64(1), res.Counts.Updated)
	assert.Nil(t, scanAll(t, l, schema.Property)[0].Values[schema.FieldImprovementValue])
}

func TestLaterRowInChunkWins(t *testing.T) {
	l, _ := newLoader(t)
	res := load(t, l, Target{Entity: property(t), Mode: ModeMerge},
		row(1, "P00001", 50000, 100000, at(1)),
		row(2, "P00001", 70000, 100000, at(2)),
		row(3, "P00001", 70000, 100000, at(2)),
	)
	assert.Equal(t, int64(1), res.Counts.Inserted)
	assert.Equal(t, int64(1), res.Counts.Updated)
	assert.Equal(t, int64(1), res.Counts.Unchanged)
	assert.Equal(t, int64(3), res.Counts.Accepted(), "every row counted once")

	stored := scanAll(t, l, schema.Property)
	require.Len(t, stored, 1)
	assert.Equal(t, models.Money(7000000), stored[0].Values[schema.FieldLandValue])
}

func TestAppendRejectsDuplicateKeys(t *testing.T) {
	l, _ := newLoader(t)
	target := Target{Entity: property(t), Mode: ModeAppend}
	load(t, l, target, row(1, "P00001", 50000, 100000, at(1)))

	res := load(t, l, target,
		row(1, "P00001", 1, 1, at(2)),
		row(2, "P00002", 1, 1, at(2)),
		row(3, "P00002", 2, 2, at(3)),
	)
	assert.Equal(t, int64(1), res.Counts.Inserted)
	assert.Equal(t, int64(2), res.Counts.Rejected)
	require.Len(t, res.Rejected, 2)
	assert.Equal(t, int64(1), res.Rejected[0].Row.Offset)
	assert.Equal(t, "DuplicateKey(property_id)", res.Rejected[0].Reasons[0].Reason())
	assert.Equal(t, int64(3), res.Rejected[1].Row.Offset)

	n, err := l.Count(context.Background(), schema.Property)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestFailedChunkRollsBackWithWatermark(t *testing.T) {
	l, marks := newLoader(t)
	ctx := context.Background()
	target := Target{Entity: property(t), Mode: ModeMerge, SourceID: source}
	load(t, l, target, row(1, "P00001", 50000, 100000, at(1)))

	require.NoError(t, l.Store().Exec(ctx, `CREATE TRIGGER refuse_boom BEFORE INSERT ON property
		WHEN NEW.property_id = 'BOOM' BEGIN SELECT RAISE(ABORT, 'refused'); END`))

	sess, err := l.Begin(ctx, target)
	require.NoError(t, err)
	_, err = sess.LoadChunk(ctx, Chunk{
		Rows: []models.CanonicalRow{
			row(11, "P00001", 90000, 100000, at(5)),
			row(12, "P00002", 1, 1, at(6)),
			row(13, "BOOM", 1, 1, at(7)),
		},
		FirstOffset: 11,
		LastOffset:  13,
	})
	require.Error(t, err)
	var typed *errors.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, int64(11), typed.Details["first_offset"])
	assert.Equal(t, int64(13), typed.Details["last_offset"])

	stored := scanAll(t, l, schema.Property)
	require.Len(t, stored, 1)
	assert.Equal(t, models.Money(5000000), stored[0].Values[schema.FieldLandValue])

	rec, err := marks.Get(ctx, source, schema.Property)
	require.NoError(t, err)
	assert.True(t, rec.Mark.Time.Equal(at(1)))
	assert.Equal(t, int64(1), rec.Total.Chunks)
}

func TestReplaceAll(t *testing.T) {
	l, marks := newLoader(t)
	ctx := context.Background()
	merge := Target{Entity: property(t), Mode: ModeMerge, SourceID: source}
	load(t, l, merge, row(1, "P00001", 1, 1, at(1)), row(2, "P00002", 1, 1, at(1)))

	_, err := l.Begin(ctx, Target{Entity: property(t), Mode: ModeReplaceAll})
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	target := Target{Entity: property(t), Mode: ModeReplaceAll, Replaceable: true, SourceID: source}
	sess, err := l.Begin(ctx, target)
	require.NoError(t, err)
	_, err = sess.LoadChunk(ctx, Chunk{Rows: []models.CanonicalRow{row(1, "P00003", 5, 5, at(4))}, FirstOffset: 1, LastOffset: 1})
	require.NoError(t, err)

	// Nothing is visible before the swap.
	assert.Len(t, scanAll(t, l, schema.Property), 2)
	rec, err := marks.Get(ctx, source, schema.Property)
	require.NoError(t, err)
	assert.True(t, rec.Mark.Time.Equal(at(1)))

	require.NoError(t, sess.Finish(ctx))
	stored := scanAll(t, l, schema.Property)
	require.Len(t, stored, 1)
	assert.Equal(t, "P00003", stored[0].Values[schema.FieldPropertyID])

	n, err := l.Count(ctx, StagingTable(schema.Property))
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err = marks.Get(ctx, source, schema.Property)
	require.NoError(t, err)
	assert.True(t, rec.Mark.Time.Equal(at(4)))
}

func TestAbortClearsStaging(t *testing.T) {
	l, _ := newLoader(t)
	ctx := context.Background()
	sess, err := l.Begin(ctx, Target{Entity: property(t), Mode: ModeReplaceAll, Replaceable: true})
	require.NoError(t, err)
	_, err = sess.LoadChunk(ctx, Chunk{Rows: []models.CanonicalRow{row(1, "P00003", 5, 5, at(4))}})
	require.NoError(t, err)
	sess.Abort(ctx)

	n, err := l.Count(ctx, StagingTable(schema.Property))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = l.Count(ctx, schema.Property)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScanSinceAndKeyExists(t *testing.T) {
	l, _ := newLoader(t)
	ctx := context.Background()
	load(t, l, Target{Entity: property(t)}, row(1, "P00001", 1, 1, at(1)))
	cut := l.Store().Now()
	time.Sleep(2 * time.Millisecond)
	load(t, l, Target{Entity: property(t)}, row(1, "P00002", 1, 1, at(1)))

	var ids []interface{}
	require.NoError(t, l.Scan(ctx, schema.Property, property(t), &cut, func(r StoredRow) error {
		ids = append(ids, r.Values[schema.FieldPropertyID])
		return nil
	}))
	assert.Equal(t, []interface{}{"P00002"}, ids)

	ok, err := l.KeyExists(ctx, schema.Property, []schema.Field{schema.FieldPropertyID}, []interface{}{"P00001"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.KeyExists(ctx, schema.Property, []schema.Field{schema.FieldPropertyID}, []interface{}{"P09999"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeMerge, m)
	m, err = ParseMode("replace-all")
	require.NoError(t, err)
	assert.Equal(t, ModeReplaceAll, m)
	_, err = ParseMode("upsert")
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}
