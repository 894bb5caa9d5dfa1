package quality

import (
	"math"
	"sort"
	"strconv"
)

// Histogram kinds.
const (
	HistogramNumeric     = "numeric"
	HistogramCategorical = "categorical"
)

// Histogram is the stored distribution of one field. Numeric histograms
// carry Bins+1 edges; values outside the edges fall into the first or last
// bin so a later run can reuse the same edges.
type Histogram struct {
	Kind   string           `json:"kind"`
	Edges  []float64        `json:"edges,omitempty"`
	Counts map[string]int64 `json:"counts"`
	Total  int64            `json:"total"`
}

// NewNumericHistogram bins values into bins equal-width buckets spanning
// edges, or spanning the values' own range when edges is nil.
func NewNumericHistogram(values []float64, bins int, edges []float64) *Histogram {
	if edges == nil {
		edges = equalWidthEdges(values, bins)
	}
	h := &Histogram{Kind: HistogramNumeric, Edges: edges, Counts: make(map[string]int64)}
	for _, v := range values {
		h.Counts[strconv.Itoa(bucketOf(edges, v))]++
		h.Total++
	}
	return h
}

// NewCategoricalHistogram counts each distinct value.
func NewCategoricalHistogram(values []string) *Histogram {
	h := &Histogram{Kind: HistogramCategorical, Counts: make(map[string]int64)}
	for _, v := range values {
		h.Counts[v]++
		h.Total++
	}
	return h
}

func equalWidthEdges(values []float64, bins int) []float64 {
	if len(values) == 0 {
		return []float64{0, 1}
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo == hi {
		return []float64{lo, hi}
	}
	edges := make([]float64, bins+1)
	width := (hi - lo) / float64(bins)
	for i := range edges {
		edges[i] = lo + float64(i)*width
	}
	edges[bins] = hi
	return edges
}

func bucketOf(edges []float64, v float64) int {
	last := len(edges) - 2
	if last < 0 {
		return 0
	}
	// first edge greater than v, minus one, clamped to the outer bins
	i := sort.SearchFloat64s(edges, v)
	if i < len(edges) && edges[i] == v {
		i++
	}
	i--
	switch {
	case i < 0:
		return 0
	case i > last:
		return last
	}
	return i
}

// Distribution returns the normalized bucket frequencies.
func (h *Histogram) Distribution() map[string]float64 {
	out := make(map[string]float64, len(h.Counts))
	if h.Total == 0 {
		return out
	}
	for k, n := range h.Counts {
		out[k] = float64(n) / float64(h.Total)
	}
	return out
}

// Compatible reports whether two histograms bucket values the same way.
func (h *Histogram) Compatible(o *Histogram) bool {
	if h.Kind != o.Kind || len(h.Edges) != len(o.Edges) {
		return false
	}
	for i := range h.Edges {
		if h.Edges[i] != o.Edges[i] {
			return false
		}
	}
	return true
}

// TotalVariation is half the L1 distance between the normalized
// distributions of a and b, in [0, 1]. Empty histograms have distance 0.
func TotalVariation(a, b *Histogram) float64 {
	if a == nil || b == nil || a.Total == 0 || b.Total == 0 {
		return 0
	}
	p, q := a.Distribution(), b.Distribution()
	var sum float64
	for k, pv := range p {
		sum += math.Abs(pv - q[k])
	}
	for k, qv := range q {
		if _, ok := p[k]; !ok {
			sum += qv
		}
	}
	return math.Min(1, sum/2)
}
