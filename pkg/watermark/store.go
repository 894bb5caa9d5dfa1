package watermark

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/json"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/store"
)

// Store reads and writes the sync_metadata table.
type Store struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates a Store.
func New(s *store.Store, l *zap.Logger) *Store {
	return &Store{
		store:  s,
		logger: logger.OrGlobal(l).With(zap.String("component", "watermark")),
	}
}

type countsDoc struct {
	LastRun Counts `json:"last_run"`
	Total   Counts `json:"total"`
	Runs    int64  `json:"runs"`
}

type metadataRow struct {
	SourceID  string         `db:"source_id"`
	Table     string         `db:"table_name"`
	Kind      sql.NullString `db:"watermark_kind"`
	Mark      sql.NullString `db:"last_watermark"`
	LastRunAt store.NullTime `db:"last_run_at"`
	Status    sql.NullString `db:"last_status"`
	Counts    sql.NullString `db:"counts_json"`
}

func (r *metadataRow) decode() (*Record, error) {
	rec := &Record{
		SourceID:  r.SourceID,
		Table:     r.Table,
		LastRunAt: r.LastRunAt.Time,
		Status:    r.Status.String,
	}
	if r.Mark.Valid && r.Mark.String != "" {
		m, err := Parse(Kind(r.Kind.String), r.Mark.String)
		if err != nil {
			return nil, err
		}
		rec.Mark = &m
	}
	var doc countsDoc
	if err := json.UnmarshalString(r.Counts.String, &doc); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "corrupt counts_json").
			WithDetail("source_id", r.SourceID).WithDetail("table", r.Table)
	}
	rec.LastRun, rec.Total, rec.Runs = doc.LastRun, doc.Total, doc.Runs
	return rec, nil
}

const selectMetadata = `SELECT source_id, table_name, watermark_kind, last_watermark, last_run_at, last_status, counts_json
	FROM sync_metadata WHERE source_id = ? AND table_name = ?`

type querier interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) get(ctx context.Context, q querier, sourceID, table string) (*Record, error) {
	var row metadataRow
	err := q.GetContext(ctx, &row, s.store.Rebind(selectMetadata), sourceID, table)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify(err, "failed to read sync metadata")
	}
	return row.decode()
}

// Get returns the record of (sourceID, table), or nil when the pair has
// never run.
func (s *Store) Get(ctx context.Context, sourceID, table string) (*Record, error) {
	return s.get(ctx, s.store.DB(), sourceID, table)
}

// List returns every record, ordered by source and table.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	var rows []metadataRow
	err := s.store.DB().SelectContext(ctx, &rows,
		`SELECT source_id, table_name, watermark_kind, last_watermark, last_run_at, last_status, counts_json
		 FROM sync_metadata ORDER BY source_id, table_name`)
	if err != nil {
		return nil, store.Classify(err, "failed to list sync metadata")
	}
	out := make([]*Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) put(ctx context.Context, q querier, rec *Record, exists bool) error {
	counts, err := json.MarshalString(countsDoc{LastRun: rec.LastRun, Total: rec.Total, Runs: rec.Runs})
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode counts")
	}
	var kind, mark interface{}
	if rec.Mark != nil {
		kind, mark = string(rec.Mark.Kind), rec.Mark.String()
	}

	if exists {
		_, err = q.ExecContext(ctx, s.store.Rebind(
			`UPDATE sync_metadata SET watermark_kind = ?, last_watermark = ?, last_run_at = ?, last_status = ?, counts_json = ?
			 WHERE source_id = ? AND table_name = ?`),
			kind, mark, rec.LastRunAt, rec.Status, counts, rec.SourceID, rec.Table)
	} else {
		_, err = q.ExecContext(ctx, s.store.Rebind(
			`INSERT INTO sync_metadata (source_id, table_name, watermark_kind, last_watermark, last_run_at, last_status, counts_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			rec.SourceID, rec.Table, kind, mark, rec.LastRunAt, rec.Status, counts)
	}
	return store.Classify(err, "failed to write sync metadata")
}

// BeginRun marks a run as started: last-run counts reset, status running.
// The watermark is untouched.
func (s *Store) BeginRun(ctx context.Context, sourceID, table string) (*Record, error) {
	var rec *Record
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := s.get(ctx, tx, sourceID, table)
		if err != nil {
			return err
		}
		exists := cur != nil
		if !exists {
			cur = &Record{SourceID: sourceID, Table: table}
		}
		cur.LastRun = Counts{}
		cur.Status = StatusRunning
		cur.LastRunAt = s.store.Now()
		cur.Runs++
		rec = cur
		return s.put(ctx, tx, cur, exists)
	})
	return rec, err
}

// Advance records a committed chunk inside the caller's transaction: counts
// are added and the mark moves to mark when that is later. A mark earlier
// than the stored one is ignored; the stored mark never decreases.
func (s *Store) Advance(ctx context.Context, tx *sqlx.Tx, sourceID, table string, mark *Mark, delta Counts) error {
	cur, err := s.get(ctx, tx, sourceID, table)
	if err != nil {
		return err
	}
	exists := cur != nil
	if !exists {
		cur = &Record{SourceID: sourceID, Table: table, Status: StatusRunning, LastRunAt: s.store.Now(), Runs: 1}
	}
	if mark != nil {
		if cur.Mark == nil {
			cur.Mark = mark
		} else {
			c, err := mark.Compare(*cur.Mark)
			if err != nil {
				return errors.Wrap(err, errors.KindWatermarkConflict, "watermark kind changed").
					WithDetail("source_id", sourceID).WithDetail("table", table)
			}
			if c > 0 {
				cur.Mark = mark
			}
		}
	}
	cur.LastRun = cur.LastRun.Add(delta)
	cur.Total = cur.Total.Add(delta)
	return s.put(ctx, tx, cur, exists)
}

// Finish records the final status of a run and counts that never reached a
// chunk commit, such as rows rejected in a rolled back chunk.
func (s *Store) Finish(ctx context.Context, sourceID, table, status string, extra Counts) (*Record, error) {
	// The outcome of a cancelled run still has to be written.
	ctx = context.WithoutCancel(ctx)
	var rec *Record
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := s.get(ctx, tx, sourceID, table)
		if err != nil {
			return err
		}
		exists := cur != nil
		if !exists {
			cur = &Record{SourceID: sourceID, Table: table, LastRunAt: s.store.Now(), Runs: 1}
		}
		cur.Status = status
		cur.LastRun = cur.LastRun.Add(extra)
		cur.Total = cur.Total.Add(extra)
		rec = cur
		return s.put(ctx, tx, cur, exists)
	})
	if err == nil {
		s.logger.Info("run recorded",
			zap.String("source_id", sourceID),
			zap.String("table", table),
			zap.String("status", status),
			zap.Stringer("watermark", markStringer{rec.Mark}))
	}
	return rec, err
}

type markStringer struct{ m *Mark }

func (m markStringer) String() string {
	if m.m == nil {
		return ""
	}
	return m.m.String()
}
