package models

import "strings"

// Severity is the normalized finding severity. Every adapter maps its
// tool-native levels onto this five-level lattice.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Severities lists all levels from most to least severe.
var Severities = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityInfo,
}

var severityRank = map[Severity]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
	SeverityInfo:     0,
}

// Rank returns a comparable weight; higher means more severe. Unknown
// severities rank below INFO.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the five defined levels.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// ParseSeverity normalizes arbitrary tool input to a Severity. Unrecognized
// values map to INFO so that adapters never emit out-of-enum levels.
func ParseSeverity(raw string) Severity {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CRITICAL", "BLOCKER":
		return SeverityCritical
	case "HIGH", "ERROR", "DANGER":
		return SeverityHigh
	case "MEDIUM", "MODERATE", "WARNING", "WARN":
		return SeverityMedium
	case "LOW", "MINOR", "NOTE":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// AtLeast reports whether s is at or above the threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// QualitativeLevel is the closed enum for confidence, likelihood and impact.
type QualitativeLevel string

const (
	QualHigh   QualitativeLevel = "HIGH"
	QualMedium QualitativeLevel = "MEDIUM"
	QualLow    QualitativeLevel = "LOW"
)

// Valid reports whether q is one of HIGH, MEDIUM, LOW or empty (unset).
func (q QualitativeLevel) Valid() bool {
	switch q {
	case "", QualHigh, QualMedium, QualLow:
		return true
	}
	return false
}
