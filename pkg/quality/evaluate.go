package quality

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/countyops/assessorsync/pkg/loader"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
	"github.com/countyops/assessorsync/pkg/validate"
)

// maxSamples bounds the failing record keys kept as evidence.
const maxSamples = 5

// evalEnv is what an evaluator may use besides the rows it observes.
type evalEnv struct {
	rule     *Rule
	entity   *schema.Entity
	now      time.Time
	resolver validate.KeyResolver
	// previous is the histogram stored by the last run of a drift rule.
	previous *Histogram
}

// outcome is the measurement of one rule.
type outcome struct {
	evaluated int64
	passed    int64
	passRate  float64
	field     string
	message   string
	evidence  map[string]interface{}
	anomalies []Anomaly
	histogram *Histogram
}

// evaluator observes every row of the rule's table in id order and then
// computes the outcome. finish may query the store; observe must not.
type evaluator interface {
	observe(row loader.StoredRow)
	finish(ctx context.Context) (*outcome, error)
}

func ratio(passed, evaluated int64) float64 {
	if evaluated == 0 {
		return 1
	}
	return float64(passed) / float64(evaluated)
}

func recordKey(e *schema.Entity, row models.Row) string {
	parts := make([]string, len(e.NaturalKey))
	for i, f := range e.NaturalKey {
		def, _ := e.Field(f)
		parts[i] = models.Format(def.Type, row[f])
	}
	return strings.Join(parts, "/")
}

func isBlank(v interface{}) bool {
	s, ok := v.(string)
	return v == nil || (ok && strings.TrimSpace(s) == "")
}

// samples collects the first failing record keys.
type samples []string

func (s *samples) add(key string) {
	if len(*s) < maxSamples {
		*s = append(*s, key)
	}
}

func countOutcome(field string, evaluated, passed int64, sample samples, extra map[string]interface{}) *outcome {
	rate := ratio(passed, evaluated)
	ev := map[string]interface{}{
		"evaluated": evaluated,
		"failed":    evaluated - passed,
	}
	if len(sample) > 0 {
		ev["sample"] = []string(sample)
	}
	for k, v := range extra {
		ev[k] = v
	}
	return &outcome{
		evaluated: evaluated,
		passed:    passed,
		passRate:  rate,
		field:     field,
		message:   fmt.Sprintf("%d of %d values failed (pass rate %.4f)", evaluated-passed, evaluated, rate),
		evidence:  ev,
	}
}

// fieldCheck applies a per-value predicate to one field. Nil values are
// not evaluated.
type fieldCheck struct {
	env       *evalEnv
	field     schema.Field
	pass      func(v interface{}) bool
	extra     map[string]interface{}
	evaluated int64
	passed    int64
	sample    samples
}

func (c *fieldCheck) observe(row loader.StoredRow) {
	v := row.Values[c.field]
	if v == nil {
		return
	}
	c.evaluated++
	if c.pass(v) {
		c.passed++
		return
	}
	c.sample.add(recordKey(c.env.entity, row.Values))
}

func (c *fieldCheck) finish(context.Context) (*outcome, error) {
	return countOutcome(string(c.field), c.evaluated, c.passed, c.sample, c.extra), nil
}

func (c Range) evaluator(env *evalEnv) evaluator {
	extra := map[string]interface{}{}
	if c.Min != nil {
		extra["min"] = *c.Min
	}
	if c.Max != nil {
		extra["max"] = *c.Max
	}
	return &fieldCheck{env: env, field: c.Field, extra: extra, pass: func(v interface{}) bool {
		f, ok := validate.Numeric(v)
		if !ok {
			return false
		}
		return (c.Min == nil || f >= *c.Min) && (c.Max == nil || f <= *c.Max)
	}}
}

func (c Enum) evaluator(env *evalEnv) evaluator {
	set := make(map[string]struct{}, len(c.Values))
	for _, v := range c.Values {
		set[v] = struct{}{}
	}
	return &fieldCheck{env: env, field: c.Field, pass: func(v interface{}) bool {
		_, ok := set[models.FormatAny(v)]
		return ok
	}}
}

func (c Format) evaluator(env *evalEnv) evaluator {
	return &fieldCheck{env: env, field: c.Field, extra: map[string]interface{}{"pattern": c.Pattern.String()},
		pass: func(v interface{}) bool {
			return c.Pattern.MatchString(models.FormatAny(v))
		}}
}

type completenessEval struct {
	env    *evalEnv
	fields []schema.Field
	nulls  map[schema.Field]int64
	rows   int64
	sample samples
}

func (c Completeness) evaluator(env *evalEnv) evaluator {
	return &completenessEval{env: env, fields: c.Fields, nulls: make(map[schema.Field]int64)}
}

func (c *completenessEval) observe(row loader.StoredRow) {
	c.rows++
	missing := false
	for _, f := range c.fields {
		if isBlank(row.Values[f]) {
			c.nulls[f]++
			missing = true
		}
	}
	if missing {
		c.sample.add(recordKey(c.env.entity, row.Values))
	}
}

func (c *completenessEval) finish(context.Context) (*outcome, error) {
	evaluated := c.rows * int64(len(c.fields))
	var null int64
	perField := make(map[string]int64, len(c.fields))
	for _, f := range c.fields {
		null += c.nulls[f]
		perField[string(f)] = c.nulls[f]
	}
	return countOutcome(schema.JoinFields(c.fields), evaluated, evaluated-null, c.sample,
		map[string]interface{}{"nulls": perField, "rows": c.rows}), nil
}

type uniquenessEval struct {
	env    *evalEnv
	fields []schema.Field
	counts map[string]int64
	order  []string
}

func (c Uniqueness) evaluator(env *evalEnv) evaluator {
	return &uniquenessEval{env: env, fields: c.Fields, counts: make(map[string]int64)}
}

func (c *uniquenessEval) observe(row loader.StoredRow) {
	key, ok := row.Values.Key(c.fields)
	if !ok {
		return
	}
	k := models.KeyString(key)
	if c.counts[k] == 0 {
		c.order = append(c.order, k)
	}
	c.counts[k]++
}

func (c *uniquenessEval) finish(context.Context) (*outcome, error) {
	var evaluated, passed int64
	var sample samples
	dupKeys := 0
	for _, k := range c.order {
		n := c.counts[k]
		evaluated += n
		if n == 1 {
			passed++
			continue
		}
		dupKeys++
		sample.add(strings.ReplaceAll(k, "\x1f", "/"))
	}
	return countOutcome(schema.JoinFields(c.fields), evaluated, passed, sample,
		map[string]interface{}{"duplicate_keys": dupKeys}), nil
}

type referentialEval struct {
	env    *evalEnv
	check  Referential
	counts map[string]int64
	keys   map[string][]interface{}
	order  []string
}

func (c Referential) evaluator(env *evalEnv) evaluator {
	return &referentialEval{env: env, check: c, counts: make(map[string]int64), keys: make(map[string][]interface{})}
}

func (c *referentialEval) observe(row loader.StoredRow) {
	key, ok := row.Values.Key(c.check.Fields)
	if !ok {
		return
	}
	k := models.KeyString(key)
	if _, seen := c.keys[k]; !seen {
		c.keys[k] = key
		c.order = append(c.order, k)
	}
	c.counts[k]++
}

func (c *referentialEval) finish(ctx context.Context) (*outcome, error) {
	var evaluated, passed int64
	var sample samples
	for _, k := range c.order {
		n := c.counts[k]
		evaluated += n
		ok, err := c.env.resolver.KeyExists(ctx, c.check.RefTable, c.check.RefFields, c.keys[k])
		if err != nil {
			return nil, err
		}
		if ok {
			passed += n
			continue
		}
		sample.add(strings.ReplaceAll(k, "\x1f", "/"))
	}
	return countOutcome(schema.JoinFields(c.check.Fields), evaluated, passed, sample,
		map[string]interface{}{"ref_table": c.check.RefTable}), nil
}

type freshnessEval struct {
	env       *evalEnv
	check     Freshness
	evaluated int64
	passed    int64
	oldest    time.Time
	sample    samples
}

func (c Freshness) evaluator(env *evalEnv) evaluator {
	return &freshnessEval{env: env, check: c}
}

func (c *freshnessEval) observe(row loader.StoredRow) {
	c.evaluated++
	ts := row.UpdatedAt
	if c.check.Field != "" {
		t, ok := row.Values[c.check.Field].(time.Time)
		if !ok {
			c.sample.add(recordKey(c.env.entity, row.Values))
			return
		}
		ts = t
	}
	if c.oldest.IsZero() || ts.Before(c.oldest) {
		c.oldest = ts
	}
	if c.env.now.Sub(ts) <= c.check.MaxAge {
		c.passed++
		return
	}
	c.sample.add(recordKey(c.env.entity, row.Values))
}

func (c *freshnessEval) finish(context.Context) (*outcome, error) {
	field := string(c.check.Field)
	if field == "" {
		field = schema.ColumnUpdatedAt
	}
	extra := map[string]interface{}{"max_age": c.check.MaxAge.String()}
	if !c.oldest.IsZero() {
		extra["oldest"] = c.oldest.UTC().Format(time.RFC3339)
	}
	return countOutcome(field, c.evaluated, c.passed, c.sample, extra), nil
}

// point is one observation in a z-score window.
type point struct {
	id      int64
	updated time.Time
	key     string
	value   float64
}

// window is a min-heap on (updated, id) holding the newest points.
type window []point

func (w window) Len() int { return len(w) }
func (w window) Less(i, j int) bool {
	if w[i].updated.Equal(w[j].updated) {
		return w[i].id < w[j].id
	}
	return w[i].updated.Before(w[j].updated)
}
func (w window) Swap(i, j int)       { w[i], w[j] = w[j], w[i] }
func (w *window) Push(x interface{}) { *w = append(*w, x.(point)) }
func (w *window) Pop() interface{} {
	old := *w
	p := old[len(old)-1]
	*w = old[:len(old)-1]
	return p
}

type zscoreEval struct {
	env    *evalEnv
	check  ZScore
	points window
}

func (c ZScore) evaluator(env *evalEnv) evaluator {
	return &zscoreEval{env: env, check: c}
}

func (c *zscoreEval) observe(row loader.StoredRow) {
	v, ok := validate.Numeric(row.Values[c.check.Field])
	if !ok {
		return
	}
	p := point{id: row.ID, updated: row.UpdatedAt, key: recordKey(c.env.entity, row.Values), value: v}
	if c.points.Len() < c.check.Window {
		heap.Push(&c.points, p)
		return
	}
	oldest := c.points[0]
	if oldest.updated.Before(p.updated) || (oldest.updated.Equal(p.updated) && oldest.id < p.id) {
		c.points[0] = p
		heap.Fix(&c.points, 0)
	}
}

func (c *zscoreEval) finish(context.Context) (*outcome, error) {
	pts := []point(c.points)
	sort.Slice(pts, func(i, j int) bool { return pts[i].id < pts[j].id })

	n := float64(len(pts))
	var sum float64
	for _, p := range pts {
		sum += p.value
	}
	mean := sum / math.Max(n, 1)
	var sq float64
	for _, p := range pts {
		sq += (p.value - mean) * (p.value - mean)
	}
	std := math.Sqrt(sq / math.Max(n, 1))

	var anomalies []Anomaly
	var sample samples
	if std > 0 {
		for _, p := range pts {
			z := (p.value - mean) / std
			if math.Abs(z) <= c.check.K {
				continue
			}
			sample.add(p.key)
			anomalies = append(anomalies, Anomaly{
				Field:        string(c.check.Field),
				RecordKey:    p.key,
				Method:       string(CheckZScore),
				Score:        math.Abs(z),
				CurrentValue: fmt.Sprint(p.value),
				Evidence: map[string]interface{}{
					"z":      z,
					"mean":   mean,
					"std":    std,
					"k":      c.check.K,
					"window": len(pts),
				},
			})
		}
	}
	evaluated := int64(len(pts))
	out := countOutcome(string(c.check.Field), evaluated, evaluated-int64(len(anomalies)), sample,
		map[string]interface{}{"mean": mean, "std": std, "k": c.check.K})
	out.anomalies = anomalies
	return out, nil
}

type driftEval struct {
	env     *evalEnv
	check   Drift
	numeric bool
	nums    []float64
	cats    []string
}

func (c Drift) evaluator(env *evalEnv) evaluator {
	def, _ := env.entity.Field(c.Field)
	numeric := false
	switch def.Type {
	case schema.TypeMoney, schema.TypeInteger, schema.TypeFloat, schema.TypeYear:
		numeric = true
	}
	return &driftEval{env: env, check: c, numeric: numeric}
}

func (c *driftEval) observe(row loader.StoredRow) {
	v := row.Values[c.check.Field]
	if v == nil {
		return
	}
	if c.numeric {
		if f, ok := validate.Numeric(v); ok {
			c.nums = append(c.nums, f)
		}
		return
	}
	c.cats = append(c.cats, models.FormatAny(v))
}

func (c *driftEval) finish(context.Context) (*outcome, error) {
	prev := c.env.previous
	var cur *Histogram
	if c.numeric {
		var edges []float64
		if prev != nil && prev.Kind == HistogramNumeric && len(prev.Edges) >= 2 {
			edges = prev.Edges
		}
		cur = NewNumericHistogram(c.nums, c.check.Bins, edges)
	} else {
		cur = NewCategoricalHistogram(c.cats)
	}

	baseline := prev == nil || !prev.Compatible(cur)
	var score float64
	if !baseline {
		score = TotalVariation(prev, cur)
	}
	ev := map[string]interface{}{
		"score":    score,
		"baseline": baseline,
		"current":  cur.Distribution(),
	}
	if !baseline {
		ev["previous"] = prev.Distribution()
	}
	out := &outcome{
		evaluated: cur.Total,
		passed:    cur.Total,
		passRate:  1 - score,
		field:     string(c.check.Field),
		message:   fmt.Sprintf("drift score %.4f against the previous run", score),
		evidence:  ev,
		histogram: cur,
	}
	if baseline {
		out.message = "baseline histogram recorded"
	}
	if score > 0 && c.env.rule.Fires(out.passRate) {
		out.anomalies = []Anomaly{{
			Field:         string(c.check.Field),
			Method:        string(CheckDrift),
			Score:         score,
			PreviousValue: fmt.Sprint(prev.Total),
			CurrentValue:  fmt.Sprint(cur.Total),
			Evidence:      ev,
		}}
	}
	return out, nil
}
