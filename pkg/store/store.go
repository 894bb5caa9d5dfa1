// Package store is the relational store every component writes through.
// It wraps sqlx over pgx (PostgreSQL) or modernc SQLite behind one
// parameterized-query contract: queries are written with '?' placeholders
// and rebound for the active driver.
package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/schema"
)

const sqliteBusyTimeoutMS = 5000

// Store is a handle on the canonical relational store.
type Store struct {
	db      *sqlx.DB
	dialect schema.Dialect
	logger  *zap.Logger
	locks   *tableLocks
	now     func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to the database described by cfg.
func Open(ctx context.Context, cfg config.DatabaseConfig, l *zap.Logger, opts ...Option) (*Store, error) {
	dialect, driver, dsn, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to open database")
	}
	maxConns := cfg.MaxOpenConns
	if dialect == schema.DialectSQLite {
		// A single writer connection avoids SQLITE_BUSY between our own
		// transactions.
		maxConns = 1
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, Classify(err, "failed to reach database")
	}
	return New(db, dialect, l, opts...), nil
}

// New wraps an open connection.
func New(db *sqlx.DB, dialect schema.Dialect, l *zap.Logger, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.OrGlobal(l).With(zap.String("component", "store")),
		locks:   newTableLocks(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(ctx context.Context, path string, l *zap.Logger, opts ...Option) (*Store, error) {
	return Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: path, MaxOpenConns: 1}, l, opts...)
}

func resolve(cfg config.DatabaseConfig) (schema.Dialect, string, string, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql", "pgx":
		return schema.DialectPostgres, "pgx", cfg.DSN, nil
	case "sqlite", "sqlite3", "":
		dsn := cfg.DSN
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		if !strings.Contains(dsn, "busy_timeout") {
			dsn += sep + "_pragma=busy_timeout(" + strconv.Itoa(sqliteBusyTimeoutMS) + ")"
			sep = "&"
		}
		// Timestamps are written in a fixed-offset layout so they sort as text.
		if !strings.Contains(dsn, "_time_format") {
			dsn += sep + "_time_format=sqlite"
		}
		return schema.DialectSQLite, "sqlite", dsn, nil
	default:
		return "", "", "", errors.Newf(errors.KindConfig, "unsupported database driver %q", cfg.Driver)
	}
}

// DB exposes the underlying connection pool.
func (s *Store) DB() *sqlx.DB { return s.db }

// Dialect returns the SQL dialect of the store.
func (s *Store) Dialect() schema.Dialect { return s.dialect }

// Logger returns the store's logger.
func (s *Store) Logger() *zap.Logger { return s.logger }

// Now returns the current time at store precision.
func (s *Store) Now() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Rebind converts '?' placeholders for the active driver.
func (s *Store) Rebind(query string) string {
	return s.db.Rebind(query)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Classify(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return Classify(err, "failed to commit transaction")
	}
	return nil
}

// Exec runs a statement outside any transaction.
func (s *Store) Exec(ctx context.Context, query string, args ...interface{}) error {
	if _, err := s.db.ExecContext(ctx, s.Rebind(query), args...); err != nil {
		return Classify(err, "statement failed")
	}
	return nil
}
