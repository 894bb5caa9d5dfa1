package quality

import (
	"sort"
	"time"

	"github.com/countyops/assessorsync/pkg/models"
)

// Anomaly statuses.
const (
	AnomalyOpen         = "open"
	AnomalyAcknowledged = "acknowledged"
	AnomalyResolved     = "resolved"
)

// Anomaly is a point or distribution flagged by a statistical check.
type Anomaly struct {
	ID             string                 `json:"anomaly_id"`
	RuleID         string                 `json:"rule_id"`
	ReportID       string                 `json:"report_id,omitempty"`
	Table          string                 `json:"table"`
	Field          string                 `json:"field"`
	RecordKey      string                 `json:"record_key,omitempty"`
	Method         string                 `json:"method"`
	Score          float64                `json:"score"`
	PreviousValue  string                 `json:"previous_value,omitempty"`
	CurrentValue   string                 `json:"current_value,omitempty"`
	Evidence       map[string]interface{} `json:"evidence"`
	Status         string                 `json:"status"`
	NotificationID string                 `json:"notification_id,omitempty"`
	DetectedAt     time.Time              `json:"detected_at"`
}

// RuleResult is the measurement of one rule within a report.
type RuleResult struct {
	RuleID         string                 `json:"rule_id"`
	CheckType      CheckType              `json:"check_type"`
	Table          string                 `json:"table"`
	Field          string                 `json:"field,omitempty"`
	Severity       models.Severity        `json:"severity"`
	Threshold      float64                `json:"threshold"`
	Evaluated      int64                  `json:"evaluated"`
	Passed         int64                  `json:"passed"`
	PassRate       float64                `json:"pass_rate"`
	Fired          bool                   `json:"fired"`
	Message        string                 `json:"message"`
	Evidence       map[string]interface{} `json:"evidence,omitempty"`
	// Error is set when the rule could not be evaluated. Such results are
	// left out of the scores.
	Error          string                 `json:"error,omitempty"`
	FindingID      string                 `json:"finding_id,omitempty"`
	NotificationID string                 `json:"notification_id,omitempty"`
}

// Failed reports whether the rule could not be evaluated.
func (r *RuleResult) Failed() bool { return r.Error != "" }

// Report aggregates the results of one evaluation.
type Report struct {
	ID             string                  `json:"report_id"`
	GeneratedAt    time.Time               `json:"generated_at"`
	Trigger        string                  `json:"trigger,omitempty"`
	Results        []RuleResult            `json:"results"`
	TableScores    map[string]float64      `json:"table_scores"`
	OverallScore   float64                 `json:"overall_score"`
	Gate           float64                 `json:"gate"`
	GatePassed     bool                    `json:"gate_passed"`
	SeverityCounts map[models.Severity]int `json:"severity_counts"`
	Anomalies      []Anomaly               `json:"anomalies,omitempty"`
	// NotificationID is the report-level alert raised when the gate fails.
	NotificationID string                  `json:"notification_id,omitempty"`
}

// Fired returns the results of rules that missed their threshold, highest
// severity first.
func (r *Report) Fired() []RuleResult {
	var out []RuleResult
	for _, res := range r.Results {
		if res.Fired {
			out = append(out, res)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.Rank() > out[j].Severity.Rank()
	})
	return out
}

// Result returns the result of ruleID.
func (r *Report) Result(ruleID string) (RuleResult, bool) {
	for _, res := range r.Results {
		if res.RuleID == ruleID {
			return res, true
		}
	}
	return RuleResult{}, false
}

// score fills the table scores, overall score, gate verdict and severity
// counts. A table's score is the mean pass rate of its evaluated rules and
// the overall score is the mean of the table scores.
func (r *Report) score(gate float64) {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	r.SeverityCounts = make(map[models.Severity]int)
	for _, res := range r.Results {
		if res.Failed() {
			continue
		}
		sums[res.Table] += res.PassRate
		counts[res.Table]++
		if res.Fired {
			r.SeverityCounts[res.Severity]++
		}
	}
	r.TableScores = make(map[string]float64, len(sums))
	var total float64
	for table, sum := range sums {
		s := sum / float64(counts[table])
		r.TableScores[table] = s
		total += s
	}
	r.OverallScore = 1
	if len(r.TableScores) > 0 {
		r.OverallScore = total / float64(len(r.TableScores))
	}
	r.Gate = gate
	r.GatePassed = r.OverallScore >= gate
}
