package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
)

// sqliteArtifact builds a database file holding one canonical table keyed
// by its natural key. Rows are upserted, so merging into a copy of an
// existing file follows the loader's key semantics.
type sqliteArtifact struct {
	final string
	tmp   string
	db    *sqlx.DB
	tx    *sqlx.Tx
	stmt  *sqlx.Stmt
	e     *schema.Entity
	args  []interface{}
}

func createSQLite(ctx context.Context, final, table string, e *schema.Entity, merge bool) (*sqliteArtifact, error) {
	a := &sqliteArtifact{final: final, tmp: tempPath(final), e: e}
	if merge {
		if err := copyFile(final, a.tmp); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", "file:"+a.tmp+"?_time_format=sqlite")
	if err != nil {
		_ = os.Remove(a.tmp)
		return nil, errors.Wrap(err, errors.KindExportWriteFailed, "failed to create sqlite artifact")
	}
	db.SetMaxOpenConns(1)
	a.db = db

	fail := func(err error, msg string) (*sqliteArtifact, error) {
		a.Abort()
		return nil, errors.Wrap(err, errors.KindExportWriteFailed, msg).WithDetail("path", final)
	}
	if _, err := db.ExecContext(ctx, schema.ArtifactTableSQL(e, table, schema.DialectSQLite)); err != nil {
		return fail(err, "failed to create artifact table")
	}
	if a.tx, err = db.BeginTxx(ctx, nil); err != nil {
		return fail(err, "failed to begin artifact transaction")
	}

	cols := make([]string, 0, len(e.Fields)+1)
	sets := make([]string, 0, len(e.Fields)+1)
	for _, f := range e.Fields {
		cols = append(cols, string(f.Name))
		if !e.IsKey(f.Name) {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", f.Name, f.Name))
		}
	}
	cols = append(cols, schema.ColumnUpdatedAt)
	sets = append(sets, fmt.Sprintf("%s = excluded.%s", schema.ColumnUpdatedAt, schema.ColumnUpdatedAt))
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		schema.JoinFields(e.NaturalKey), strings.Join(sets, ", "))
	if a.stmt, err = a.tx.PreparexContext(ctx, q); err != nil {
		return fail(err, "failed to prepare artifact insert")
	}
	a.args = make([]interface{}, len(cols))
	return a, nil
}

func (a *sqliteArtifact) Write(ctx context.Context, row models.Row, updatedAt time.Time) error {
	for i, f := range a.e.Fields {
		a.args[i] = models.ToDB(f.Type, row[f.Name])
	}
	a.args[len(a.args)-1] = models.NormalizeTime(updatedAt)
	if _, err := a.stmt.ExecContext(ctx, a.args...); err != nil {
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to write artifact row")
	}
	return nil
}

func (a *sqliteArtifact) Commit() error {
	_ = a.stmt.Close()
	a.stmt = nil
	if err := a.tx.Commit(); err != nil {
		a.tx = nil
		a.Abort()
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to commit artifact")
	}
	a.tx = nil
	if err := a.db.Close(); err != nil {
		_ = os.Remove(a.tmp)
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to close artifact")
	}
	f, err := os.OpenFile(a.tmp, os.O_RDWR, 0)
	if err != nil {
		_ = os.Remove(a.tmp)
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to reopen artifact")
	}
	return commitFile(f, a.tmp, a.final)
}

func (a *sqliteArtifact) Abort() {
	if a.stmt != nil {
		_ = a.stmt.Close()
	}
	if a.tx != nil {
		_ = a.tx.Rollback()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = os.Remove(a.tmp)
}

// copyFile copies src to dst. A missing src leaves dst absent.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to open existing artifact").WithDetail("path", src)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to copy artifact").WithDetail("path", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to copy artifact").WithDetail("path", dst)
	}
	return out.Close()
}
