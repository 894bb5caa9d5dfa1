package quality

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/json"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/store"
)

type storedHistogram struct {
	rule  string
	table string
	field string
	hist  *Histogram
}

func (e *Engine) loadHistogram(ctx context.Context, ruleID, table, field string) (*Histogram, error) {
	var doc string
	err := e.store.DB().GetContext(ctx, &doc, e.store.Rebind(
		`SELECT histogram_json FROM quality_histogram WHERE rule_id = ? AND table_name = ? AND field = ?`),
		ruleID, table, field)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify(err, "failed to read histogram")
	}
	var h Histogram
	if err := json.UnmarshalString(doc, &h); err != nil {
		return nil, errors.Wrap(err, errors.KindRuleEvaluationFailed, "corrupt histogram_json").
			WithDetail("rule_id", ruleID)
	}
	return &h, nil
}

// save writes the report, the findings of fired rules, the anomalies and
// the drift histograms in one transaction.
func (e *Engine) save(ctx context.Context, rep *Report, hists []storedHistogram) error {
	scores, err := json.MarshalString(rep.TableScores)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode scores")
	}
	sevs, err := json.MarshalString(rep.SeverityCounts)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode severity counts")
	}
	results, err := json.MarshalString(rep.Results)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode results")
	}

	return e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, e.store.Rebind(
			`INSERT INTO quality_report (report_id, generated_at, trigger_name, overall_score, gate_passed, scores_json, severity_counts_json, results_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			rep.ID, rep.GeneratedAt, rep.Trigger, rep.OverallScore, rep.GatePassed, scores, sevs, results); err != nil {
			return store.Classify(err, "failed to write quality report")
		}

		for _, res := range rep.Results {
			if !res.Fired {
				continue
			}
			evidence, err := json.MarshalString(res.Evidence)
			if err != nil {
				return errors.Wrap(err, errors.KindInternal, "failed to encode finding evidence")
			}
			if _, err := tx.ExecContext(ctx, e.store.Rebind(
				`INSERT INTO quality_finding (finding_id, report_id, rule_id, table_name, field, severity, pass_rate, message, evidence_json, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				res.FindingID, rep.ID, res.RuleID, res.Table, res.Field, string(res.Severity), res.PassRate, res.Message,
				evidence, rep.GeneratedAt); err != nil {
				return store.Classify(err, "failed to write quality finding")
			}
		}

		for _, a := range rep.Anomalies {
			evidence, err := json.MarshalString(a.Evidence)
			if err != nil {
				return errors.Wrap(err, errors.KindInternal, "failed to encode anomaly evidence")
			}
			if _, err := tx.ExecContext(ctx, e.store.Rebind(
				`INSERT INTO anomaly (anomaly_id, rule_id, report_id, table_name, field, record_key, method, score, previous_value, current_value, evidence_json, status, detected_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				a.ID, a.RuleID, a.ReportID, a.Table, a.Field, a.RecordKey, a.Method, a.Score, a.PreviousValue, a.CurrentValue,
				evidence, a.Status, a.DetectedAt); err != nil {
				return store.Classify(err, "failed to write anomaly")
			}
		}

		for _, h := range hists {
			doc, err := json.MarshalString(h.hist)
			if err != nil {
				return errors.Wrap(err, errors.KindInternal, "failed to encode histogram")
			}
			if _, err := tx.ExecContext(ctx, e.store.Rebind(
				`DELETE FROM quality_histogram WHERE rule_id = ? AND table_name = ? AND field = ?`),
				h.rule, h.table, h.field); err != nil {
				return store.Classify(err, "failed to replace histogram")
			}
			if _, err := tx.ExecContext(ctx, e.store.Rebind(
				`INSERT INTO quality_histogram (rule_id, table_name, field, histogram_json, updated_at) VALUES (?, ?, ?, ?, ?)`),
				h.rule, h.table, h.field, doc, rep.GeneratedAt); err != nil {
				return store.Classify(err, "failed to write histogram")
			}
		}
		return nil
	})
}

// linkNotification records the alert raised for res on its finding, its
// anomalies and the stored report results.
func (e *Engine) linkNotification(ctx context.Context, rep *Report, res *RuleResult, notificationID string) error {
	results, err := json.MarshalString(rep.Results)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode results")
	}
	for i := range rep.Anomalies {
		if rep.Anomalies[i].RuleID == res.RuleID {
			rep.Anomalies[i].NotificationID = notificationID
		}
	}
	return e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if res.FindingID != "" {
			if _, err := tx.ExecContext(ctx, e.store.Rebind(
				`UPDATE quality_finding SET notification_id = ? WHERE finding_id = ?`), notificationID, res.FindingID); err != nil {
				return store.Classify(err, "failed to link finding")
			}
		}
		if _, err := tx.ExecContext(ctx, e.store.Rebind(
			`UPDATE anomaly SET notification_id = ? WHERE report_id = ? AND rule_id = ?`), notificationID, rep.ID, res.RuleID); err != nil {
			return store.Classify(err, "failed to link anomalies")
		}
		if _, err := tx.ExecContext(ctx, e.store.Rebind(
			`UPDATE quality_report SET results_json = ? WHERE report_id = ?`), results, rep.ID); err != nil {
			return store.Classify(err, "failed to update report")
		}
		return nil
	})
}

type reportRow struct {
	ID             string         `db:"report_id"`
	GeneratedAt    store.NullTime `db:"generated_at"`
	Trigger        sql.NullString `db:"trigger_name"`
	OverallScore   float64        `db:"overall_score"`
	GatePassed     bool           `db:"gate_passed"`
	Scores         string         `db:"scores_json"`
	SeverityCounts string         `db:"severity_counts_json"`
	Results        string         `db:"results_json"`
}

func (r *reportRow) decode() (*Report, error) {
	rep := &Report{
		ID:           r.ID,
		GeneratedAt:  r.GeneratedAt.Time,
		Trigger:      r.Trigger.String,
		OverallScore: r.OverallScore,
		GatePassed:   r.GatePassed,
	}
	if err := json.UnmarshalString(r.Scores, &rep.TableScores); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "corrupt scores_json").WithDetail("report_id", r.ID)
	}
	if err := json.UnmarshalString(r.SeverityCounts, &rep.SeverityCounts); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "corrupt severity_counts_json").WithDetail("report_id", r.ID)
	}
	if err := json.UnmarshalString(r.Results, &rep.Results); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "corrupt results_json").WithDetail("report_id", r.ID)
	}
	return rep, nil
}

const selectReport = `SELECT report_id, generated_at, trigger_name, overall_score, gate_passed, scores_json, severity_counts_json, results_json
	FROM quality_report`

// Report loads a stored report with its anomalies. It returns nil when id
// is unknown.
func (e *Engine) Report(ctx context.Context, id string) (*Report, error) {
	var row reportRow
	err := e.store.DB().GetContext(ctx, &row, e.store.Rebind(selectReport+` WHERE report_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify(err, "failed to read quality report")
	}
	rep, err := row.decode()
	if err != nil {
		return nil, err
	}
	rep.Anomalies, err = e.queryAnomalies(ctx, `WHERE report_id = ?`, id)
	return rep, err
}

// LatestReport returns the most recent report, or nil when none exists.
func (e *Engine) LatestReport(ctx context.Context) (*Report, error) {
	var id string
	err := e.store.DB().GetContext(ctx, &id, `SELECT report_id FROM quality_report ORDER BY generated_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify(err, "failed to read quality report")
	}
	return e.Report(ctx, id)
}

type anomalyRow struct {
	ID             string         `db:"anomaly_id"`
	RuleID         string         `db:"rule_id"`
	ReportID       sql.NullString `db:"report_id"`
	Table          string         `db:"table_name"`
	Field          string         `db:"field"`
	RecordKey      sql.NullString `db:"record_key"`
	Method         string         `db:"method"`
	Score          float64        `db:"score"`
	PreviousValue  sql.NullString `db:"previous_value"`
	CurrentValue   sql.NullString `db:"current_value"`
	Evidence       string         `db:"evidence_json"`
	Status         string         `db:"status"`
	NotificationID sql.NullString `db:"notification_id"`
	DetectedAt     store.NullTime `db:"detected_at"`
}

func (e *Engine) queryAnomalies(ctx context.Context, where string, args ...interface{}) ([]Anomaly, error) {
	var rows []anomalyRow
	err := e.store.DB().SelectContext(ctx, &rows, e.store.Rebind(
		`SELECT anomaly_id, rule_id, report_id, table_name, field, record_key, method, score, previous_value, current_value,
		 evidence_json, status, notification_id, detected_at FROM anomaly `+where+` ORDER BY detected_at, anomaly_id`), args...)
	if err != nil {
		return nil, store.Classify(err, "failed to read anomalies")
	}
	out := make([]Anomaly, 0, len(rows))
	for _, r := range rows {
		a := Anomaly{
			ID:             r.ID,
			RuleID:         r.RuleID,
			ReportID:       r.ReportID.String,
			Table:          r.Table,
			Field:          r.Field,
			RecordKey:      r.RecordKey.String,
			Method:         r.Method,
			Score:          r.Score,
			PreviousValue:  r.PreviousValue.String,
			CurrentValue:   r.CurrentValue.String,
			Status:         r.Status,
			NotificationID: r.NotificationID.String,
			DetectedAt:     r.DetectedAt.Time,
		}
		if err := json.UnmarshalString(r.Evidence, &a.Evidence); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "corrupt evidence_json").WithDetail("anomaly_id", r.ID)
		}
		out = append(out, a)
	}
	return out, nil
}

// Anomalies lists anomalies with the given status, or all when status is
// empty.
func (e *Engine) Anomalies(ctx context.Context, status string) ([]Anomaly, error) {
	if status == "" {
		return e.queryAnomalies(ctx, "")
	}
	return e.queryAnomalies(ctx, `WHERE status = ?`, status)
}

// SetAnomalyStatus moves an anomaly to acknowledged or resolved.
func (e *Engine) SetAnomalyStatus(ctx context.Context, id, status string) error {
	switch status {
	case AnomalyOpen, AnomalyAcknowledged, AnomalyResolved:
	default:
		return errors.Newf(errors.KindConfig, "unknown anomaly status %q", status)
	}
	res, err := e.store.DB().ExecContext(ctx, e.store.Rebind(`UPDATE anomaly SET status = ? WHERE anomaly_id = ?`), status, id)
	if err != nil {
		return store.Classify(err, "failed to update anomaly")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindConfig, "unknown anomaly %q", id)
	}
	return nil
}

// Finding is a stored finding of a fired rule.
type Finding struct {
	ID             string                 `json:"finding_id"`
	ReportID       string                 `json:"report_id"`
	RuleID         string                 `json:"rule_id"`
	Table          string                 `json:"table"`
	Field          string                 `json:"field,omitempty"`
	Severity       models.Severity        `json:"severity"`
	PassRate       float64                `json:"pass_rate"`
	Message        string                 `json:"message"`
	Evidence       map[string]interface{} `json:"evidence"`
	NotificationID string                 `json:"notification_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Findings lists the findings of a report, highest severity first.
func (e *Engine) Findings(ctx context.Context, reportID string) ([]Finding, error) {
	var rows []struct {
		ID             string         `db:"finding_id"`
		ReportID       string         `db:"report_id"`
		RuleID         string         `db:"rule_id"`
		Table          string         `db:"table_name"`
		Field          sql.NullString `db:"field"`
		Severity       string         `db:"severity"`
		PassRate       float64        `db:"pass_rate"`
		Message        string         `db:"message"`
		Evidence       string         `db:"evidence_json"`
		NotificationID sql.NullString `db:"notification_id"`
		CreatedAt      store.NullTime `db:"created_at"`
	}
	err := e.store.DB().SelectContext(ctx, &rows, e.store.Rebind(
		`SELECT finding_id, report_id, rule_id, table_name, field, severity, pass_rate, message, evidence_json, notification_id, created_at
		 FROM quality_finding WHERE report_id = ? ORDER BY rule_id`), reportID)
	if err != nil {
		return nil, store.Classify(err, "failed to read findings")
	}
	out := make([]Finding, 0, len(rows))
	for _, r := range rows {
		f := Finding{
			ID:             r.ID,
			ReportID:       r.ReportID,
			RuleID:         r.RuleID,
			Table:          r.Table,
			Field:          r.Field.String,
			Severity:       models.Severity(r.Severity),
			PassRate:       r.PassRate,
			Message:        r.Message,
			NotificationID: r.NotificationID.String,
			CreatedAt:      r.CreatedAt.Time,
		}
		if err := json.UnmarshalString(r.Evidence, &f.Evidence); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "corrupt evidence_json").WithDetail("finding_id", r.ID)
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Severity.Rank() > out[j].Severity.Rank() })
	return out, nil
}
