package quality

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/json"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/store"
)

// RuleStore reads and writes the quality_rule table.
type RuleStore struct {
	store  *store.Store
	logger *zap.Logger
}

// NewRuleStore creates a RuleStore.
func NewRuleStore(s *store.Store, l *zap.Logger) *RuleStore {
	return &RuleStore{store: s, logger: logger.OrGlobal(l)}
}

type ruleRow struct {
	ID        string  `db:"rule_id"`
	CheckType string  `db:"check_type"`
	Table     string  `db:"table_name"`
	Fields    string  `db:"fields_json"`
	Params    string  `db:"parameters_json"`
	Threshold float64 `db:"threshold"`
	Severity  string  `db:"severity"`
	Enabled   bool    `db:"enabled"`
	Channels  string  `db:"channels_json"`
}

func (r *ruleRow) decode() (*Rule, error) {
	spec := config.RuleSpec{
		ID:        r.ID,
		CheckType: r.CheckType,
		Table:     r.Table,
		Threshold: r.Threshold,
		Severity:  r.Severity,
		Enabled:   &r.Enabled,
	}
	for _, c := range []struct {
		doc string
		dst interface{}
	}{
		{r.Fields, &spec.Fields},
		{r.Params, &spec.Params},
		{r.Channels, &spec.Channels},
	} {
		if err := json.UnmarshalString(c.doc, c.dst); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "corrupt quality rule").WithDetail("rule_id", r.ID)
		}
	}
	return FromSpec(spec)
}

const selectRules = `SELECT rule_id, check_type, table_name, fields_json, parameters_json, threshold, severity, enabled, channels_json
	FROM quality_rule`

// Get returns the stored rule id, or a Config error when it is unknown.
func (s *RuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	var row ruleRow
	err := s.store.DB().GetContext(ctx, &row, s.store.Rebind(selectRules+` WHERE rule_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindConfig, "unknown quality rule %q", id)
	}
	if err != nil {
		return nil, store.Classify(err, "failed to read quality rule")
	}
	return row.decode()
}

// List returns every stored rule ordered by id, disabled ones included.
func (s *RuleStore) List(ctx context.Context) ([]*Rule, error) {
	var rows []ruleRow
	if err := s.store.DB().SelectContext(ctx, &rows, selectRules+` ORDER BY rule_id`); err != nil {
		return nil, store.Classify(err, "failed to list quality rules")
	}
	out := make([]*Rule, 0, len(rows))
	for i := range rows {
		r, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Upsert writes rules in one transaction, replacing stored rules with the
// same ids.
func (s *RuleStore) Upsert(ctx context.Context, rules ...*Rule) error {
	now := s.store.Now()
	return s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range rules {
			spec := r.Spec()
			fields, err := json.MarshalString(spec.Fields)
			if err != nil {
				return errors.Wrap(err, errors.KindInternal, "failed to encode rule fields")
			}
			params, err := json.MarshalString(spec.Params)
			if err != nil {
				return errors.Wrap(err, errors.KindInternal, "failed to encode rule parameters")
			}
			channels := spec.Channels
			if channels == nil {
				channels = []string{}
			}
			chans, err := json.MarshalString(channels)
			if err != nil {
				return errors.Wrap(err, errors.KindInternal, "failed to encode rule channels")
			}
			if _, err := tx.ExecContext(ctx, s.store.Rebind(`DELETE FROM quality_rule WHERE rule_id = ?`), r.ID); err != nil {
				return store.Classify(err, "failed to replace quality rule")
			}
			if _, err := tx.ExecContext(ctx, s.store.Rebind(
				`INSERT INTO quality_rule (rule_id, check_type, table_name, fields_json, parameters_json, threshold, severity, enabled, channels_json, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				r.ID, spec.CheckType, r.Table, fields, params, r.Threshold, string(r.Severity), r.Enabled, chans, now); err != nil {
				return store.Classify(err, "failed to write quality rule")
			}
		}
		return nil
	})
}

// SetEnabled switches a stored rule on or off.
func (s *RuleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.store.DB().ExecContext(ctx, s.store.Rebind(
		`UPDATE quality_rule SET enabled = ?, updated_at = ? WHERE rule_id = ?`), enabled, s.store.Now(), id)
	if err != nil {
		return store.Classify(err, "failed to update quality rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindConfig, "unknown quality rule %q", id)
	}
	return nil
}

// SyncFile loads a rule file and upserts every rule in it.
func (s *RuleStore) SyncFile(ctx context.Context, path string) ([]*Rule, error) {
	rf, err := config.LoadRuleFile(path)
	if err != nil {
		return nil, err
	}
	rules, err := FromSpecs(rf.Rules)
	if err != nil {
		return nil, err
	}
	if err := s.Upsert(ctx, rules...); err != nil {
		return nil, err
	}
	s.logger.Info("quality rules synced", zap.String("path", path), zap.Int("rules", len(rules)))
	return rules, nil
}

// Resolve returns the rules a job selects: stored rules by id followed by
// its inline rules.
func (s *RuleStore) Resolve(ctx context.Context, spec config.QualitySpec) ([]*Rule, error) {
	out := make([]*Rule, 0, len(spec.RuleIDs)+len(spec.Inline))
	for _, id := range spec.RuleIDs {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	inline, err := FromSpecs(spec.Inline)
	if err != nil {
		return nil, err
	}
	return append(out, inline...), nil
}

// FromSpecs builds every rule of specs, rejecting duplicate ids.
func FromSpecs(specs []config.RuleSpec) ([]*Rule, error) {
	seen := make(map[string]bool, len(specs))
	out := make([]*Rule, 0, len(specs))
	for _, spec := range specs {
		if seen[spec.ID] {
			return nil, errors.Newf(errors.KindConfig, "duplicate quality rule %q", spec.ID)
		}
		seen[spec.ID] = true
		r, err := FromSpec(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
