package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/errors"
)

const lockPollInterval = 250 * time.Millisecond

// tableLocks holds one single-slot semaphore per table.
type tableLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newTableLocks() *tableLocks {
	return &tableLocks{slots: make(map[string]chan struct{})}
}

func (l *tableLocks) slot(table string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[table]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[table] = ch
	}
	return ch
}

// TableLock is a held write intent on a table.
type TableLock struct {
	store *Store
	table string
	jobID string
	slot  chan struct{}
	once  sync.Once
}

// Table returns the locked table.
func (l *TableLock) Table() string { return l.table }

// AcquireTableLock blocks until jobID holds the write intent for table or
// ctx ends. The in-process semaphore orders jobs in this process; the
// job_lock row excludes other processes. Rows older than ttl are treated as
// abandoned and taken over.
func (s *Store) AcquireTableLock(ctx context.Context, table, jobID string, ttl time.Duration) (*TableLock, error) {
	slot := s.locks.slot(table)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.KindCancelled, "waiting for table lock on "+table)
	}

	for {
		ok, holder, err := s.tryPersistentLock(ctx, table, jobID, ttl)
		if err != nil {
			<-slot
			return nil, err
		}
		if ok {
			s.logger.Debug("table lock acquired", zap.String("table", table), zap.String("job_id", jobID))
			return &TableLock{store: s, table: table, jobID: jobID, slot: slot}, nil
		}
		s.logger.Info("waiting for table lock", zap.String("table", table), zap.String("holder", holder))

		select {
		case <-time.After(lockPollInterval):
		case <-ctx.Done():
			<-slot
			return nil, errors.Wrap(ctx.Err(), errors.KindCancelled, "waiting for table lock on "+table)
		}
	}
}

func (s *Store) tryPersistentLock(ctx context.Context, table, jobID string, ttl time.Duration) (bool, string, error) {
	var (
		acquired bool
		holder   string
	)
	now := s.Now()
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, s.Rebind(
			`DELETE FROM job_lock WHERE table_name = ? AND expires_at < ?`), table, now); err != nil {
			return Classify(err, "failed to expire table lock")
		}
		err := tx.GetContext(ctx, &holder, s.Rebind(`SELECT job_id FROM job_lock WHERE table_name = ?`), table)
		switch {
		case err == nil:
			acquired = holder == jobID
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return Classify(err, "failed to read table lock")
		}
		if _, err := tx.ExecContext(ctx, s.Rebind(
			`INSERT INTO job_lock (table_name, job_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)`),
			table, jobID, now, now.Add(ttl)); err != nil {
			return Classify(err, "failed to write table lock")
		}
		acquired = true
		return nil
	})
	if errors.IsKind(err, errors.KindDuplicateKey) || errors.IsKind(err, errors.KindTransactionConflict) {
		return false, holder, nil
	}
	return acquired, holder, err
}

// Release drops the write intent. It is safe to call more than once.
func (l *TableLock) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		defer func() { <-l.slot }()
		err = l.store.Exec(context.WithoutCancel(ctx),
			`DELETE FROM job_lock WHERE table_name = ? AND job_id = ?`, l.table, l.jobID)
	})
	return err
}
