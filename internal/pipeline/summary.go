package pipeline

import (
	"sort"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/validate"
)

// rejectionSummary groups rejected rows by the kind of their first reason.
type rejectionSummary struct {
	groups      map[errors.Kind]*RejectionGroup
	parseErrors []RejectionSample
}

func newRejectionSummary() *rejectionSummary {
	return &rejectionSummary{groups: make(map[errors.Kind]*RejectionGroup)}
}

func sampleOf(r validate.Rejected) RejectionSample {
	s := RejectionSample{Offset: r.Row.Offset}
	if len(r.Reasons) == 0 {
		return s
	}
	first := r.Reasons[0]
	s.Reason = first.Reason()
	s.Detail = first.Detail
	s.Value = first.Value
	if first.Offset != 0 {
		s.Offset = first.Offset
	}
	return s
}

func (s *rejectionSummary) addRejected(rows []validate.Rejected) {
	for _, r := range rows {
		kind := errors.KindConstraintViolated
		if len(r.Reasons) > 0 {
			kind = r.Reasons[0].Kind
		}
		g, ok := s.groups[kind]
		if !ok {
			g = &RejectionGroup{Kind: kind}
			s.groups[kind] = g
		}
		g.Count++
		if len(g.Samples) < MaxSamples {
			g.Samples = append(g.Samples, sampleOf(r))
		}
	}
}

func (s *rejectionSummary) addParseErrors(rows []validate.Rejected) {
	for _, r := range rows {
		if len(s.parseErrors) >= MaxSamples {
			return
		}
		s.parseErrors = append(s.parseErrors, sampleOf(r))
	}
}

// result returns the groups, largest first.
func (s *rejectionSummary) result() []RejectionGroup {
	out := make([]RejectionGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
