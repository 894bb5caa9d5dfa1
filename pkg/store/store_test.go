package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "store.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.EnsureSchema(context.Background()))

	var names []string
	require.NoError(t, s.DB().Select(&names, `SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`))
	for _, want := range []string{
		schema.Property, schema.Assessment, schema.TaxRecord, schema.CostMatrixEntry,
		TableMapping, TableSyncMetadata, TableQualityRule, TableQualityReport, TableQualityFinding,
		TableQualityHistogram, TableAnomaly, TableNotification, TableNotificationDelivery, TableJobLock, TableJobRun,
	} {
		assert.Contains(t, names, want)
	}
}

func TestNaturalKeyIndexRejectsDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := s.Now()

	insert := `INSERT INTO property (id, property_id, created_at, updated_at) VALUES (?, ?, ?, ?)`
	require.NoError(t, s.Exec(ctx, insert, 1, "P00001", now, now))
	err := s.Exec(ctx, insert, 2, "P00001", now, now)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDuplicateKey), "got %v", err)
}

func TestWithTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := s.Now()

	boom := errors.New(errors.KindInternal, "boom")
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.Rebind(`INSERT INTO property (id, property_id, created_at, updated_at) VALUES (?, ?, ?, ?)`),
			1, "P00001", now, now)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, s.DB().Get(&n, `SELECT COUNT(*) FROM property`))
	assert.Equal(t, 0, n)
}

func TestTableLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireTableLock(ctx, schema.Property, "job-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, schema.Property, lock.Table())

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = s.AcquireTableLock(waitCtx, schema.Property, "job-2", time.Hour)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCancelled))

	other, err := s.AcquireTableLock(ctx, schema.TaxRecord, "job-2", time.Hour)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lock.Release(ctx))
	require.NoError(t, lock.Release(ctx))

	next, err := s.AcquireTableLock(ctx, schema.Property, "job-2", time.Hour)
	require.NoError(t, err)
	require.NoError(t, next.Release(ctx))
}

func TestExpiredPersistentLockIsTakenOver(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	past := s.Now().Add(-2 * time.Hour)

	require.NoError(t, s.Exec(ctx, `INSERT INTO job_lock (table_name, job_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		schema.Assessment, "crashed-job", past, past.Add(time.Hour)))

	lock, err := s.AcquireTableLock(ctx, schema.Assessment, "job-3", time.Hour)
	require.NoError(t, err)

	var holder string
	require.NoError(t, s.DB().Get(&holder, `SELECT job_id FROM job_lock WHERE table_name = ?`, schema.Assessment))
	assert.Equal(t, "job-3", holder)
	require.NoError(t, lock.Release(ctx))
}

func TestResolve(t *testing.T) {
	d, driver, dsn, err := resolve(config.DatabaseConfig{Driver: "sqlite", DSN: "data.db"})
	require.NoError(t, err)
	assert.Equal(t, schema.DialectSQLite, d)
	assert.Equal(t, "sqlite", driver)
	assert.Equal(t, "file:data.db?_pragma=busy_timeout(5000)&_time_format=sqlite", dsn)

	d, driver, _, err = resolve(config.DatabaseConfig{Driver: "postgres", DSN: "postgres://localhost/county"})
	require.NoError(t, err)
	assert.Equal(t, schema.DialectPostgres, d)
	assert.Equal(t, "pgx", driver)

	_, _, _, err = resolve(config.DatabaseConfig{Driver: "oracle"})
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestValidIdentifier(t *testing.T) {
	assert.True(t, ValidIdentifier("property_staging"))
	assert.False(t, ValidIdentifier("1property"))
	assert.False(t, ValidIdentifier("property; DROP TABLE x"))
	assert.False(t, ValidIdentifier(""))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil, "x"))
	assert.True(t, errors.IsKind(Classify(context.DeadlineExceeded, "x"), errors.KindTimeout))
	assert.True(t, errors.IsRetryable(Classify(context.DeadlineExceeded, "x")))

	typed := errors.New(errors.KindMalformedInput, "bad")
	assert.Same(t, typed, Classify(typed, "x"))
}
