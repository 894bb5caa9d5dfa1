package store

import (
	"context"
	"database/sql/driver"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/countyops/assessorsync/pkg/errors"
)

// Classify wraps a driver error with the kind the orchestrator acts on:
// serialization failures and deadlocks are TransactionConflict, lost
// connections DestinationUnavailable, unique violations DuplicateKey.
// Anything else is Internal and never retried.
func Classify(err error, message string) error {
	if err == nil {
		return nil
	}
	var typed *errors.Error
	if errors.As(err, &typed) {
		return err
	}
	return errors.Wrap(err, kindOf(err), message)
}

func kindOf(err error) errors.Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.KindTimeout
	case errors.Is(err, context.Canceled):
		return errors.KindCancelled
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return errors.KindDestinationUnavailable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return errors.KindTransactionConflict
		case pgErr.Code == "23505":
			return errors.KindDuplicateKey
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "53300":
			return errors.KindDestinationUnavailable
		case pgErr.Code == "57014":
			return errors.KindTimeout
		}
		return errors.KindInternal
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		switch {
		case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
			return errors.KindTransactionConflict
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return errors.KindDuplicateKey
		case code&0xff == sqlite3.SQLITE_CANTOPEN, code&0xff == sqlite3.SQLITE_IOERR:
			return errors.KindDestinationUnavailable
		}
		return errors.KindInternal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errors.KindTimeout
		}
		return errors.KindDestinationUnavailable
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return errors.KindDestinationUnavailable
	}
	return errors.KindInternal
}
