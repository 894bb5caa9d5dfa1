package models

import (
	"strings"

	"github.com/countyops/assessorsync/pkg/errors"
)

// Severity grades quality findings and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities: critical > high > medium > low. Unknown values
// rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the four severities.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", errors.Newf(errors.KindConfig, "unknown severity %q", s)
	}
	return sev, nil
}

// MaxSeverity returns the highest of the given severities.
func MaxSeverity(sevs ...Severity) Severity {
	var best Severity
	for _, s := range sevs {
		if s.Rank() > best.Rank() {
			best = s
		}
	}
	return best
}
