package mapping

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

// Registry persists mappings in the mapping table. Concurrent writers are
// serialized by the version column: an update only applies when the caller
// saw the current version.
type Registry struct {
	store  *store.Store
	tokens TokenValidator
	logger *zap.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithTokenValidator makes Create and Update reject unknown transform tokens.
func WithTokenValidator(fn TokenValidator) Option {
	return func(r *Registry) { r.tokens = fn }
}

// NewRegistry creates a registry over s.
func NewRegistry(s *store.Store, l *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		logger: logger.OrGlobal(l).With(zap.String("component", "mapping_registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type definition struct {
	Fields []FieldMapping `json:"fields"`
}

type mappingRow struct {
	DataType   string         `db:"data_type"`
	Name       string         `db:"name"`
	Version    int64          `db:"version"`
	Definition string         `db:"definition_json"`
	CreatedAt  store.NullTime `db:"created_at"`
	UpdatedAt  store.NullTime `db:"updated_at"`
}

func (row *mappingRow) decode() (*Mapping, error) {
	var def definition
	if err := json.UnmarshalString(row.Definition, &def); err != nil {
		return nil, errors.Wrap(err, errors.KindMappingInvalid, "stored mapping definition is corrupt").
			WithDetail("mapping", row.DataType+"/"+row.Name)
	}
	return &Mapping{
		DataType:  row.DataType,
		Name:      row.Name,
		Version:   row.Version,
		Fields:    def.Fields,
		CreatedAt: row.CreatedAt.Time,
		UpdatedAt: row.UpdatedAt.Time,
	}, nil
}

const selectMapping = `SELECT data_type, name, version, definition_json, created_at, updated_at FROM mapping`

// Validate checks m with the registry's token validator.
func (r *Registry) Validate(m *Mapping) error {
	return Validate(m, r.tokens)
}

// Get returns the mapping, or nil when it does not exist.
func (r *Registry) Get(ctx context.Context, dataType, name string) (*Mapping, error) {
	var row mappingRow
	err := r.store.DB().GetContext(ctx, &row,
		r.store.Rebind(selectMapping+` WHERE data_type = ? AND name = ?`), dataType, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify(err, "failed to read mapping")
	}
	return row.decode()
}

// Require is Get failing with MappingMissing instead of returning nil.
func (r *Registry) Require(ctx context.Context, dataType, name string) (*Mapping, error) {
	m, err := r.Get(ctx, dataType, name)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.Newf(errors.KindMappingMissing, "no mapping %s/%s", dataType, name)
	}
	return m, nil
}

// Create stores a new mapping at version 1. It fails with AlreadyExists when
// (data_type, name) is taken.
func (r *Registry) Create(ctx context.Context, m *Mapping) error {
	if err := r.Validate(m); err != nil {
		return err
	}
	body, err := json.MarshalString(definition{Fields: m.Fields})
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode mapping")
	}
	now := r.store.Now()
	err = r.store.Exec(ctx,
		`INSERT INTO mapping (data_type, name, version, definition_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.DataType, m.Name, 1, body, now, now)
	if errors.IsKind(err, errors.KindDuplicateKey) {
		return errors.Newf(errors.KindAlreadyExists, "mapping %s already exists", m.ID())
	}
	if err != nil {
		return err
	}
	m.Version, m.CreatedAt, m.UpdatedAt = 1, now, now
	r.logger.Info("mapping created", zap.String("mapping", m.ID()), zap.Int("fields", len(m.Fields)))
	return nil
}

// Update replaces the definition of an existing mapping. m.Version must be
// the version the caller read; on success it is incremented. A stale version
// fails with TransactionConflict, a missing mapping with MappingMissing.
func (r *Registry) Update(ctx context.Context, m *Mapping) error {
	if err := r.Validate(m); err != nil {
		return err
	}
	body, err := json.MarshalString(definition{Fields: m.Fields})
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode mapping")
	}
	now := r.store.Now()

	return r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, r.store.Rebind(
			`UPDATE mapping SET version = version + 1, definition_json = ?, updated_at = ?
			 WHERE data_type = ? AND name = ? AND version = ?`),
			body, now, m.DataType, m.Name, m.Version)
		if err != nil {
			return store.Classify(err, "failed to update mapping")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return store.Classify(err, "failed to update mapping")
		}
		if n == 1 {
			m.Version++
			m.UpdatedAt = now
			r.logger.Info("mapping updated", zap.String("mapping", m.ID()), zap.Int64("version", m.Version))
			return nil
		}

		var current int64
		err = tx.GetContext(ctx, &current, r.store.Rebind(
			`SELECT version FROM mapping WHERE data_type = ? AND name = ?`), m.DataType, m.Name)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Newf(errors.KindMappingMissing, "no mapping %s", m.ID())
		}
		if err != nil {
			return store.Classify(err, "failed to read mapping version")
		}
		return errors.Newf(errors.KindTransactionConflict, "mapping %s was changed concurrently", m.ID()).
			WithDetail("expected_version", m.Version).
			WithDetail("current_version", current)
	})
}

// Save creates m, or updates it at whatever version is current. It is the
// import path for mapping files, where the caller holds no version.
func (r *Registry) Save(ctx context.Context, m *Mapping) error {
	existing, err := r.Get(ctx, m.DataType, m.Name)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.Create(ctx, m)
	}
	m.Version = existing.Version
	return r.Update(ctx, m)
}

// Delete removes a mapping.
func (r *Registry) Delete(ctx context.Context, dataType, name string) error {
	res, err := r.store.DB().ExecContext(ctx, r.store.Rebind(
		`DELETE FROM mapping WHERE data_type = ? AND name = ?`), dataType, name)
	if err != nil {
		return store.Classify(err, "failed to delete mapping")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Newf(errors.KindMappingMissing, "no mapping %s/%s", dataType, name)
	}
	r.logger.Info("mapping deleted", zap.String("mapping", dataType+"/"+name))
	return nil
}

// List returns the mappings of dataType, or all mappings when it is empty,
// ordered by data type and name.
func (r *Registry) List(ctx context.Context, dataType string) ([]*Mapping, error) {
	query := selectMapping
	var args []interface{}
	if dataType != "" {
		query += ` WHERE data_type = ?`
		args = append(args, dataType)
	}
	query += ` ORDER BY data_type, name`

	var rows []mappingRow
	if err := r.store.DB().SelectContext(ctx, &rows, r.store.Rebind(query), args...); err != nil {
		return nil, store.Classify(err, "failed to list mappings")
	}
	out := make([]*Mapping, 0, len(rows))
	for i := range rows {
		m, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
