package loader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
	"github.com/countyops/assessorsync/pkg/store"
	"github.com/countyops/assessorsync/pkg/validate"
)

// keyGroupSize caps the keys looked up per SELECT.
const keyGroupSize = 200

// existingRow is a stored row of the chunk's key set.
type existingRow struct {
	id     int64
	values models.Row
}

// pendingRow is the state of one key after applying the chunk so far.
type pendingRow struct {
	stored  *existingRow
	values  models.Row
	changed map[schema.Field]bool
}

func insertColumns(e *schema.Entity) string {
	cols := make([]string, 0, len(e.Fields)+3)
	cols = append(cols, schema.ColumnID)
	for _, f := range e.Fields {
		cols = append(cols, string(f.Name))
	}
	cols = append(cols, schema.ColumnCreatedAt, schema.ColumnUpdatedAt)
	return strings.Join(cols, ", ")
}

// apply writes rows into the session table inside tx. Rows with the same
// key are applied in order, so the last one wins.
func (s *Session) apply(ctx context.Context, tx *sqlx.Tx, rows []models.CanonicalRow) (*ChunkResult, error) {
	e := s.target.Entity
	res := &ChunkResult{}

	keys := make([][]interface{}, 0, len(rows))
	seenKey := make(map[string]bool, len(rows))
	for _, r := range rows {
		key, ok := r.Values.Key(e.NaturalKey)
		if !ok {
			return nil, errors.Newf(errors.KindConstraintViolated, "row at offset %d has no natural key", r.Offset).
				WithDetail("offset", r.Offset)
		}
		ks := models.KeyString(key)
		if !seenKey[ks] {
			seenKey[ks] = true
			keys = append(keys, key)
		}
	}

	existing, err := s.fetchExisting(ctx, tx, keys)
	if err != nil {
		return nil, err
	}

	pending := make(map[string]*pendingRow, len(keys))
	var order []string
	for _, r := range rows {
		key, _ := r.Values.Key(e.NaturalKey)
		ks := models.KeyString(key)
		p, seen := pending[ks]

		if s.target.Mode == ModeAppend {
			if _, stored := existing[ks]; stored || seen {
				res.Rejected = append(res.Rejected, validate.Rejected{
					Row: r,
					Reasons: []validate.Rejection{{
						Offset:       r.Offset,
						ConstraintID: "natural_key",
						Kind:         errors.KindDuplicateKey,
						Fields:       e.NaturalKey,
						Detail:       "key " + strings.ReplaceAll(ks, "\x1f", "/") + " already loaded",
					}},
				})
				continue
			}
		}

		// A key repeated within a chunk folds into its first row: every row
		// counts once, so a new key seen twice is one insert and one update
		// (or unchanged), and the table holds the last values.
		if !seen {
			p = &pendingRow{changed: make(map[schema.Field]bool)}
			if ex, ok := existing[ks]; ok {
				p.stored = ex
				p.values = ex.values.Clone()
			}
			pending[ks] = p
			order = append(order, ks)
		}

		if p.values == nil {
			p.values = make(models.Row, len(e.Fields))
			for f, v := range r.Values {
				if e.Has(f) {
					p.values[f] = v
				}
			}
			res.Counts.Inserted++
			continue
		}

		diff := s.diff(p.values, r.Values)
		if len(diff) == 0 {
			res.Counts.Unchanged++
			continue
		}
		for _, f := range diff {
			p.values[f] = r.Values[f]
			p.changed[f] = true
		}
		res.Counts.Updated++
	}
	res.Counts.Rejected = int64(len(res.Rejected))

	now := s.loader.store.Now()
	var inserts []*pendingRow
	for _, ks := range order {
		p := pending[ks]
		if p.stored == nil {
			inserts = append(inserts, p)
			continue
		}
		if err := s.update(ctx, tx, p, now); err != nil {
			return nil, err
		}
	}
	if err := s.insert(ctx, tx, inserts, now); err != nil {
		return nil, err
	}
	return res, nil
}

// diff lists the fields of in that would change cur.
func (s *Session) diff(cur, in models.Row) []schema.Field {
	var out []schema.Field
	for _, def := range s.target.Entity.Fields {
		v, mapped := in[def.Name]
		if !mapped {
			continue
		}
		if v == nil && s.target.PreserveNulls {
			continue
		}
		if !models.Equal(cur[def.Name], v) {
			out = append(out, def.Name)
		}
	}
	return out
}

func (s *Session) fetchExisting(ctx context.Context, tx *sqlx.Tx, keys [][]interface{}) (map[string]*existingRow, error) {
	e := s.target.Entity
	out := make(map[string]*existingRow, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var pred strings.Builder
	for i, f := range e.NaturalKey {
		if i > 0 {
			pred.WriteString(" AND ")
		}
		fmt.Fprintf(&pred, "%s = ?", f)
	}
	one := "(" + pred.String() + ")"
	selectCols := make([]string, 0, len(e.Fields)+1)
	selectCols = append(selectCols, schema.ColumnID)
	for _, f := range e.Fields {
		selectCols = append(selectCols, string(f.Name))
	}

	for start := 0; start < len(keys); start += keyGroupSize {
		end := min(start+keyGroupSize, len(keys))
		group := keys[start:end]
		preds := make([]string, len(group))
		args := make([]interface{}, 0, len(group)*len(e.NaturalKey))
		for i, key := range group {
			preds[i] = one
			for j, f := range e.NaturalKey {
				def, _ := e.Field(f)
				args = append(args, models.ToDB(def.Type, key[j]))
			}
		}
		q := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			strings.Join(selectCols, ", "), s.table, strings.Join(preds, " OR "))

		rows, err := tx.QueryxContext(ctx, s.loader.store.Rebind(q), args...)
		if err != nil {
			return nil, store.Classify(err, "failed to read existing rows")
		}
		for rows.Next() {
			vals, err := rows.SliceScan()
			if err != nil {
				rows.Close()
				return nil, store.Classify(err, "failed to scan existing row")
			}
			ex, err := decodeStored(e, vals)
			if err != nil {
				rows.Close()
				return nil, err
			}
			key, _ := ex.values.Key(e.NaturalKey)
			out[models.KeyString(key)] = ex
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, store.Classify(err, "failed to read existing rows")
		}
	}
	return out, nil
}

// decodeStored converts a SliceScan of id plus entity fields.
func decodeStored(e *schema.Entity, vals []interface{}) (*existingRow, error) {
	id, err := models.FromDB(schema.TypeInteger, vals[0])
	if err != nil {
		return nil, err
	}
	ex := &existingRow{values: make(models.Row, len(e.Fields))}
	if n, ok := id.(int64); ok {
		ex.id = n
	}
	for i, def := range e.Fields {
		v, err := models.FromDB(def.Type, vals[i+1])
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "stored "+string(def.Name)+" is unreadable")
		}
		ex.values[def.Name] = v
	}
	return ex, nil
}

func (s *Session) update(ctx context.Context, tx *sqlx.Tx, p *pendingRow, now time.Time) error {
	if len(p.changed) == 0 {
		return nil
	}
	e := s.target.Entity
	sets := make([]string, 0, len(p.changed)+1)
	args := make([]interface{}, 0, len(p.changed)+2)
	for _, def := range e.Fields {
		if !p.changed[def.Name] {
			continue
		}
		sets = append(sets, string(def.Name)+" = ?")
		args = append(args, models.ToDB(def.Type, p.values[def.Name]))
	}
	sets = append(sets, schema.ColumnUpdatedAt+" = ?")
	args = append(args, now, p.stored.id)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", s.table, strings.Join(sets, ", "), schema.ColumnID)
	if _, err := tx.ExecContext(ctx, s.loader.store.Rebind(q), args...); err != nil {
		return store.Classify(err, "failed to update row")
	}
	return nil
}

// insert writes new rows with ids after the current maximum. Ids are taken
// inside the chunk transaction, which holds the table's write intent.
func (s *Session) insert(ctx context.Context, tx *sqlx.Tx, rows []*pendingRow, now time.Time) error {
	if len(rows) == 0 {
		return nil
	}
	e := s.target.Entity
	var maxID int64
	if err := tx.GetContext(ctx, &maxID, fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", schema.ColumnID, s.table)); err != nil {
		return store.Classify(err, "failed to read max id")
	}
	if s.target.Mode == ModeReplaceAll {
		// Staged ids are copied into the target, so they continue the
		// target's sequence too.
		var targetMax int64
		if err := tx.GetContext(ctx, &targetMax, fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", schema.ColumnID, s.target.Table)); err != nil {
			return store.Classify(err, "failed to read max id")
		}
		maxID = max(maxID, targetMax)
	}

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(e.Fields)+3), ", ") + ")"
	q := s.loader.store.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", s.table, insertColumns(e), placeholders))
	stmt, err := tx.PreparexContext(ctx, q)
	if err != nil {
		return store.Classify(err, "failed to prepare insert")
	}
	defer stmt.Close()

	args := make([]interface{}, len(e.Fields)+3)
	for i, p := range rows {
		args[0] = maxID + int64(i) + 1
		for j, def := range e.Fields {
			args[j+1] = models.ToDB(def.Type, p.values[def.Name])
		}
		args[len(args)-2] = now
		args[len(args)-1] = now
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return store.Classify(err, "failed to insert row")
		}
	}
	return nil
}
