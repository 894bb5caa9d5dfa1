package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/loader"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/metrics"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/notify"
	"github.com/countyops/assessorsync/pkg/schema"
	"github.com/countyops/assessorsync/pkg/store"
)

// DefaultGate is the overall score below which a report raises an alert.
const DefaultGate = 0.85

// GateRuleID is the rule id of report-level alerts.
const GateRuleID = "quality_gate"

// Notifier receives the alerts of fired rules.
type Notifier interface {
	Notify(ctx context.Context, alert notify.Alert) (*notify.Notification, error)
}

// Request selects what one evaluation covers.
type Request struct {
	Rules    []*Rule
	// Trigger names what started the evaluation, e.g. a job or schedule.
	Trigger  string
	// Entities resolves tables that are not canonical table names, such as
	// a job's custom target table.
	Entities map[string]*schema.Entity
	// Channels overrides the channels of every rule when set.
	Channels []string
}

// Engine evaluates rules and records reports.
type Engine struct {
	store    *store.Store
	loader   *loader.Loader
	rules    *RuleStore
	notifier Notifier
	gate     float64
	logger   *zap.Logger
}

// New creates an engine. A nil notifier disables alerts; a gate outside
// (0, 1] falls back to DefaultGate.
func New(ld *loader.Loader, n Notifier, gate float64, l *zap.Logger) *Engine {
	if gate <= 0 || gate > 1 {
		gate = DefaultGate
	}
	lg := logger.OrGlobal(l).With(zap.String("component", "quality"))
	return &Engine{
		store:    ld.Store(),
		loader:   ld,
		rules:    NewRuleStore(ld.Store(), lg),
		notifier: n,
		gate:     gate,
		logger:   lg,
	}
}

// Rules returns the rule repository.
func (e *Engine) Rules() *RuleStore { return e.rules }

// EvaluateStored evaluates every enabled stored rule.
func (e *Engine) EvaluateStored(ctx context.Context, trigger string) (*Report, error) {
	rules, err := e.rules.List(ctx)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, Request{Rules: rules, Trigger: trigger})
}

// Evaluate runs the enabled rules of req, persists the report with its
// findings, anomalies and histograms, and alerts on fired rules and on a
// failed gate. Rules that cannot be evaluated are reported, not returned
// as errors; the returned error is reserved for cancellation and store
// failures.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Report, error) {
	now := e.store.Now()
	rep := &Report{ID: uuid.NewString(), GeneratedAt: now, Trigger: req.Trigger}

	var tables []string
	byTable := make(map[string][]*Rule)
	for _, r := range req.Rules {
		if !r.Enabled {
			continue
		}
		if _, ok := byTable[r.Table]; !ok {
			tables = append(tables, r.Table)
		}
		byTable[r.Table] = append(byTable[r.Table], r)
	}

	var hists []storedHistogram
	for _, table := range tables {
		res, err := e.evaluateTable(ctx, table, byTable[table], req, now)
		if err != nil {
			return nil, err
		}
		for _, ev := range res {
			if ev.outcome != nil {
				for _, a := range ev.outcome.anomalies {
					a.ID = uuid.NewString()
					a.RuleID = ev.rule.ID
					a.ReportID = rep.ID
					a.Table = table
					a.Status = AnomalyOpen
					a.DetectedAt = now
					rep.Anomalies = append(rep.Anomalies, a)
				}
				if ev.outcome.histogram != nil {
					hists = append(hists, storedHistogram{rule: ev.rule.ID, table: table, field: ev.outcome.field, hist: ev.outcome.histogram})
				}
			}
			rep.Results = append(rep.Results, ev.result())
		}
	}
	rep.score(e.gate)
	for i := range rep.Results {
		if rep.Results[i].Fired {
			rep.Results[i].FindingID = uuid.NewString()
		}
	}

	if err := e.save(ctx, rep, hists); err != nil {
		return nil, err
	}
	e.alert(ctx, rep, req.Channels, byRuleID(req.Rules))

	for _, res := range rep.Results {
		if !res.Failed() {
			metrics.RulePassRate.WithLabelValues(res.RuleID, res.Table).Set(res.PassRate)
		}
	}
	metrics.QualityScore.Set(rep.OverallScore)
	e.logger.Info("quality report",
		zap.String("report_id", rep.ID),
		zap.String("trigger", rep.Trigger),
		zap.Int("rules", len(rep.Results)),
		zap.Int("fired", len(rep.Fired())),
		zap.Int("anomalies", len(rep.Anomalies)),
		zap.Float64("score", rep.OverallScore),
		zap.Bool("gate_passed", rep.GatePassed))
	return rep, nil
}

// evaluation pairs a rule with its outcome or the reason it has none.
type evaluation struct {
	rule    *Rule
	outcome *outcome
	err     error
}

func (ev evaluation) result() RuleResult {
	r := RuleResult{
		RuleID:    ev.rule.ID,
		CheckType: ev.rule.Check.Type(),
		Table:     ev.rule.Table,
		Field:     schema.JoinFields(ev.rule.Check.Columns()),
		Severity:  ev.rule.Severity,
		Threshold: ev.rule.Threshold,
	}
	if ev.err != nil {
		r.Error = ev.err.Error()
		r.Message = "rule could not be evaluated"
		return r
	}
	o := ev.outcome
	r.Field = o.field
	r.Evaluated = o.evaluated
	r.Passed = o.passed
	r.PassRate = o.passRate
	r.Fired = ev.rule.Fires(o.passRate)
	r.Message = o.message
	r.Evidence = o.evidence
	return r
}

func (e *Engine) evaluateTable(ctx context.Context, table string, rules []*Rule, req Request, now time.Time) ([]evaluation, error) {
	out := make([]evaluation, len(rules))
	for i, r := range rules {
		out[i].rule = r
	}
	failAll := func(err error) []evaluation {
		for i := range out {
			if out[i].err == nil {
				out[i].err = err
			}
		}
		return out
	}

	entity := req.Entities[table]
	if entity == nil {
		var err error
		if entity, err = schema.Lookup(table); err != nil {
			return failAll(errors.Wrap(err, errors.KindRuleEvaluationFailed, "unknown table "+table)), nil
		}
	}

	type live struct {
		idx  int
		eval evaluator
	}
	var evals []live
	for i, r := range rules {
		if err := checkColumns(r, entity); err != nil {
			out[i].err = err
			continue
		}
		env := &evalEnv{rule: r, entity: entity, now: now, resolver: e.loader}
		if d, ok := r.Check.(Drift); ok {
			prev, err := e.loadHistogram(ctx, r.ID, table, string(d.Field))
			if err != nil {
				if ctx.Err() != nil {
					return nil, errors.Wrap(ctx.Err(), errors.KindCancelled, "quality evaluation cancelled")
				}
				out[i].err = err
				continue
			}
			env.previous = prev
		}
		evals = append(evals, live{idx: i, eval: r.Check.evaluator(env)})
	}
	if len(evals) == 0 {
		return out, nil
	}

	err := e.loader.Scan(ctx, table, entity, nil, func(row loader.StoredRow) error {
		for _, l := range evals {
			l.eval.observe(row)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.KindCancelled, "quality evaluation cancelled")
		}
		return failAll(errors.Wrap(err, errors.KindRuleEvaluationFailed, "failed to read "+table)), nil
	}

	for _, l := range evals {
		o, err := l.eval.finish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), errors.KindCancelled, "quality evaluation cancelled")
			}
			out[l.idx].err = errors.Wrap(err, errors.KindRuleEvaluationFailed, "rule "+rules[l.idx].ID)
			continue
		}
		out[l.idx].outcome = o
	}
	return out, nil
}

func checkColumns(r *Rule, entity *schema.Entity) error {
	for _, f := range r.Check.Columns() {
		if !entity.Has(f) {
			return errors.Newf(errors.KindRuleEvaluationFailed, "rule %s: %q is not a field of %s", r.ID, f, entity.Name)
		}
	}
	if f, ok := r.Check.(Freshness); ok && f.Field != "" {
		def, _ := entity.Field(f.Field)
		if def.Type != schema.TypeDate && def.Type != schema.TypeTimestamp {
			return errors.Newf(errors.KindRuleEvaluationFailed, "rule %s: freshness field %s is not a date", r.ID, f.Field)
		}
	}
	if ref, ok := r.Check.(Referential); ok && !store.ValidIdentifier(ref.RefTable) {
		return errors.Newf(errors.KindRuleEvaluationFailed, "rule %s: invalid ref_table %q", r.ID, ref.RefTable)
	}
	return nil
}

func byRuleID(rules []*Rule) map[string]*Rule {
	out := make(map[string]*Rule, len(rules))
	for _, r := range rules {
		out[r.ID] = r
	}
	return out
}

// alert notifies on fired and failed rules and on a missed gate, then links
// the findings and anomalies of each rule to its notification. Notification
// errors are logged; the report stands without them.
func (e *Engine) alert(ctx context.Context, rep *Report, override []string, rules map[string]*Rule) {
	if e.notifier == nil {
		return
	}
	for i := range rep.Results {
		res := &rep.Results[i]
		if !res.Fired && !res.Failed() {
			continue
		}
		channels := override
		if len(channels) == 0 {
			if r := rules[res.RuleID]; r != nil {
				channels = r.Channels
			}
		}
		a := notify.Alert{
			RuleID:     res.RuleID,
			Severity:   res.Severity,
			Channels:   channels,
			References: map[string]string{"report_id": rep.ID},
		}
		if res.Failed() {
			a.Title = fmt.Sprintf("Quality rule %s could not be evaluated", res.RuleID)
			a.Body = res.Error
			a.Evidence = map[string]interface{}{"error": res.Error}
		} else {
			a.Title = fmt.Sprintf("Quality rule %s fired on %s", res.RuleID, res.Table)
			a.Body = fmt.Sprintf("%s check on %s.%s: pass rate %.4f below threshold %.4f. %s",
				res.CheckType, res.Table, res.Field, res.PassRate, res.Threshold, res.Message)
			a.Evidence = res.Evidence
			a.References["finding_id"] = res.FindingID
		}
		if ids := anomalyIDs(rep, res.RuleID); ids != "" {
			a.References["anomaly_ids"] = ids
		}

		n, err := e.notifier.Notify(ctx, a)
		if err != nil {
			e.logger.Warn("failed to raise quality alert", zap.String("rule_id", res.RuleID), zap.Error(err))
			continue
		}
		res.NotificationID = n.ID
		if err := e.linkNotification(ctx, rep, res, n.ID); err != nil {
			e.logger.Warn("failed to link quality alert", zap.String("rule_id", res.RuleID), zap.Error(err))
		}
	}

	if rep.GatePassed {
		return
	}
	var fired []models.Severity
	for _, res := range rep.Fired() {
		fired = append(fired, res.Severity)
	}
	sev := models.MaxSeverity(fired...)
	if sev == "" {
		sev = models.SeverityHigh
	}
	n, err := e.notifier.Notify(ctx, notify.Alert{
		RuleID:     GateRuleID,
		Title:      fmt.Sprintf("Quality gate failed: score %.4f below %.4f", rep.OverallScore, rep.Gate),
		Body:       fmt.Sprintf("%d of %d rules fired. Table scores: %v", len(rep.Fired()), len(rep.Results), rep.TableScores),
		Severity:   sev,
		Channels:   override,
		References: map[string]string{"report_id": rep.ID},
		Evidence: map[string]interface{}{
			"overall_score": rep.OverallScore,
			"gate":          rep.Gate,
			"table_scores":  rep.TableScores,
		},
	})
	if err != nil {
		e.logger.Warn("failed to raise quality gate alert", zap.String("report_id", rep.ID), zap.Error(err))
		return
	}
	rep.NotificationID = n.ID
}

func anomalyIDs(rep *Report, ruleID string) string {
	var ids string
	for _, a := range rep.Anomalies {
		if a.RuleID != ruleID {
			continue
		}
		if ids != "" {
			ids += ","
		}
		ids += a.ID
	}
	return ids
}
