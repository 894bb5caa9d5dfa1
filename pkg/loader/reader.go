package loader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
	"github.com/countyops/assessorsync/pkg/store"
)

// StoredRow is a destination row with its bookkeeping columns.
type StoredRow struct {
	ID        int64
	Values    models.Row
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Scan streams the rows of table in id order. With since set only rows
// updated after it are visited. Returning an error from fn stops the scan.
// fn must not query the store: SQLite runs on a single connection.
func (l *Loader) Scan(ctx context.Context, table string, e *schema.Entity, since *time.Time, fn func(StoredRow) error) error {
	if !store.ValidIdentifier(table) {
		return errors.Newf(errors.KindConfig, "invalid table name %q", table)
	}
	cols := make([]string, 0, len(e.Fields)+3)
	cols = append(cols, schema.ColumnID)
	for _, f := range e.Fields {
		cols = append(cols, string(f.Name))
	}
	cols = append(cols, schema.ColumnCreatedAt, schema.ColumnUpdatedAt)

	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), table)
	var args []interface{}
	if since != nil {
		q += fmt.Sprintf(" WHERE %s > ?", schema.ColumnUpdatedAt)
		args = append(args, models.NormalizeTime(*since))
	}
	q += " ORDER BY " + schema.ColumnID

	rows, err := l.store.DB().QueryxContext(ctx, l.store.Rebind(q), args...)
	if err != nil {
		return store.Classify(err, "failed to scan "+table)
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return store.Classify(err, "failed to scan "+table)
		}
		ex, err := decodeStored(e, vals[:len(vals)-2])
		if err != nil {
			return err
		}
		var created, updated store.NullTime
		if err := created.Scan(vals[len(vals)-2]); err != nil {
			return errors.Wrap(err, errors.KindInternal, "created_at is unreadable")
		}
		if err := updated.Scan(vals[len(vals)-1]); err != nil {
			return errors.Wrap(err, errors.KindInternal, "updated_at is unreadable")
		}
		if err := fn(StoredRow{ID: ex.id, Values: ex.values, CreatedAt: created.Time, UpdatedAt: updated.Time}); err != nil {
			return err
		}
	}
	return store.Classify(rows.Err(), "failed to scan "+table)
}

// Count returns the number of rows in table.
func (l *Loader) Count(ctx context.Context, table string) (int64, error) {
	if !store.ValidIdentifier(table) {
		return 0, errors.Newf(errors.KindConfig, "invalid table name %q", table)
	}
	var n int64
	if err := l.store.DB().GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
		return 0, store.Classify(err, "failed to count "+table)
	}
	return n, nil
}

// KeyExists reports whether table holds a row whose fields equal key. It
// serves referential constraints.
func (l *Loader) KeyExists(ctx context.Context, table string, fields []schema.Field, key []interface{}) (bool, error) {
	if !store.ValidIdentifier(table) {
		return false, errors.Newf(errors.KindConfig, "invalid table name %q", table)
	}
	if len(fields) == 0 || len(fields) != len(key) {
		return false, errors.Newf(errors.KindConfig, "reference into %s has %d fields and %d values", table, len(fields), len(key))
	}
	e, _ := schema.Lookup(table)

	preds := make([]string, len(fields))
	args := make([]interface{}, len(fields))
	for i, f := range fields {
		if !store.ValidIdentifier(string(f)) {
			return false, errors.Newf(errors.KindConfig, "invalid column name %q", f)
		}
		preds[i] = string(f) + " = ?"
		args[i] = key[i]
		if e != nil {
			if def, ok := e.Field(f); ok {
				args[i] = models.ToDB(def.Type, key[i])
			}
		}
	}
	var n int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, strings.Join(preds, " AND "))
	if err := l.store.DB().GetContext(ctx, &n, l.store.Rebind(q), args...); err != nil {
		return false, store.Classify(err, "failed to resolve reference into "+table)
	}
	return n > 0, nil
}
