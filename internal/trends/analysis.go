package trends

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	jmoerrors "github.com/jmo-sec/jmo/internal/errors"
	"github.com/jmo-sec/jmo/internal/history"
)

// Direction classifies the window-level movement of the finding totals.
type Direction string

const (
	DirectionImproving    Direction = "improving"
	DirectionDegrading    Direction = "degrading"
	DirectionStable       Direction = "stable"
	DirectionInsufficient Direction = "insufficient_data"
)

// Point is one scan projected onto the trend time series.
type Point struct {
	ScanID    string  `json:"scan_id"`
	Timestamp int64   `json:"timestamp"`
	Critical  int     `json:"critical"`
	High      int     `json:"high"`
	Medium    int     `json:"medium"`
	Low       int     `json:"low"`
	Info      int     `json:"info"`
	Total     int     `json:"total"`
	Score     float64 `json:"score"`
}

// RuleCount is one aggregated (rule, severity) pair.
type RuleCount struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Count    int    `json:"count"`
}

// Regression is one adverse change between consecutive scans.
type Regression struct {
	Severity      string  `json:"severity"`
	Category      string  `json:"category"`
	Message       string  `json:"message"`
	PreviousValue float64 `json:"previous_value"`
	CurrentValue  float64 `json:"current_value"`
}

// ImprovementMetrics summarizes movement across the window.
type ImprovementMetrics struct {
	NetChange     int            `json:"net_change"`
	Resolved      int            `json:"resolved"`
	Introduced    int            `json:"introduced"`
	PercentChange float64        `json:"percent_change"`
	BySeverity    map[string]int `json:"by_severity"`
}

// Analysis is the full trend engine output for one (branch, days) window.
type Analysis struct {
	Branch      string    `json:"branch"`
	Days        int       `json:"days"`
	ScanCount   int       `json:"scan_count"`
	GeneratedAt int64     `json:"generated_at"`
	Direction   Direction `json:"direction"`

	Points []Point `json:"points"`

	TotalChange    int `json:"total_change"`
	CriticalChange int `json:"critical_change"`
	HighChange     int `json:"high_change"`

	TotalTrend TrendResult `json:"total_trend"`
	ScoreTrend TrendResult `json:"score_trend"`

	Score float64 `json:"security_score"`
	Grade string  `json:"score_grade"`

	// RecurringRule is set when one rule stays in the per-scan top 3 for
	// three or more consecutive scans.
	RecurringRule string `json:"recurring_rule,omitempty"`

	TopRules    []RuleCount        `json:"top_rules"`
	Regressions []Regression       `json:"regressions"`
	Insights    []Insight          `json:"insights"`
	Improvement ImprovementMetrics `json:"improvement_metrics"`
}

// Analyze builds the complete trend analysis for a branch over a trailing
// window of days.
func Analyze(ctx context.Context, store *history.Store, branch string, days int) (*Analysis, error) {
	if days <= 0 {
		days = 30
	}
	analysis := &Analysis{
		Branch:      branch,
		Days:        days,
		GeneratedAt: time.Now().Unix(),
		Direction:   DirectionInsufficient,
		Improvement: ImprovementMetrics{BySeverity: map[string]int{}},
	}

	points, err := loadSeries(ctx, store, branch, days)
	if err != nil {
		return nil, err
	}
	analysis.Points = points
	analysis.ScanCount = len(points)

	if len(points) > 0 {
		latest := points[len(points)-1]
		analysis.Score = latest.Score
		analysis.Grade = Grade(latest.Score)
	}

	if topRules, err := loadTopRules(ctx, store, pointIDs(points)); err == nil {
		analysis.TopRules = topRules
	} else {
		log.Warn().Err(err).Msg("Top-rule aggregation failed")
	}

	if len(points) < 2 {
		analysis.Insights = BuildInsights(analysis)
		return analysis, nil
	}

	first, last := points[0], points[len(points)-1]
	analysis.TotalChange = last.Total - first.Total
	analysis.CriticalChange = last.Critical - first.Critical
	analysis.HighChange = last.High - first.High
	switch {
	case analysis.TotalChange < -5:
		analysis.Direction = DirectionImproving
	case analysis.TotalChange > 5:
		analysis.Direction = DirectionDegrading
	default:
		analysis.Direction = DirectionStable
	}

	totals := make([]float64, len(points))
	scores := make([]float64, len(points))
	for i, p := range points {
		totals[i] = float64(p.Total)
		scores[i] = p.Score
	}
	analysis.TotalTrend = MannKendall(totals)
	analysis.ScoreTrend = MannKendall(scores)

	prev, curr := points[len(points)-2], points[len(points)-1]
	analysis.Regressions = RegressionsBetween(prev, curr)

	analysis.Improvement = improvement(ctx, store, points)
	analysis.RecurringRule = recurringTopRule(ctx, store, points)
	analysis.Insights = BuildInsights(analysis)
	return analysis, nil
}

// recurringTopRule finds a rule that appears in the top 3 of at least three
// consecutive scans, preferring the most recent streak.
func recurringTopRule(ctx context.Context, store *history.Store, points []Point) string {
	if len(points) < 3 {
		return ""
	}
	topSets := make([]map[string]struct{}, len(points))
	for i, p := range points {
		rules, err := TopRulesForScan(ctx, store, p.ScanID, 3)
		if err != nil {
			log.Warn().Err(err).Str("scan_id", p.ScanID).Msg("Top-rule lookup failed")
			return ""
		}
		set := map[string]struct{}{}
		for _, rc := range rules {
			set[rc.RuleID] = struct{}{}
		}
		topSets[i] = set
	}

	for end := len(topSets); end >= 3; end-- {
		for rule := range topSets[end-1] {
			streak := 1
			for i := end - 2; i >= 0; i-- {
				if _, ok := topSets[i][rule]; !ok {
					break
				}
				streak++
			}
			if streak >= 3 {
				return rule
			}
		}
	}
	return ""
}

// loadSeries selects the branch's scans inside the window, oldest first.
func loadSeries(ctx context.Context, store *history.Store, branch string, days int) ([]Point, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	query := `SELECT id, timestamp, critical_count, high_count, medium_count,
		low_count, info_count, total_findings FROM scans WHERE timestamp >= ?`
	args := []any{cutoff}
	if branch != "" {
		query += ` AND branch = ?`
		args = append(args, branch)
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("load trend series", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.ScanID, &p.Timestamp, &p.Critical, &p.High,
			&p.Medium, &p.Low, &p.Info, &p.Total); err != nil {
			return nil, err
		}
		p.Score = Score(p.Critical, p.High, p.Medium, p.Low)
		points = append(points, p)
	}
	return points, rows.Err()
}

// loadTopRules aggregates the ten most frequent (rule, severity) pairs
// across the selected scans.
func loadTopRules(ctx context.Context, store *history.Store, scanIDs []string) ([]RuleCount, error) {
	if len(scanIDs) == 0 {
		return nil, nil
	}
	query := `SELECT rule_id, severity, COUNT(*) AS n FROM findings
		WHERE scan_id IN (` + placeholders(len(scanIDs)) + `)
		GROUP BY rule_id, severity ORDER BY n DESC, rule_id ASC LIMIT 10`
	args := make([]any, len(scanIDs))
	for i, id := range scanIDs {
		args[i] = id
	}

	rows, err := store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("aggregate top rules", err)
	}
	defer rows.Close()

	var out []RuleCount
	for rows.Next() {
		var rc RuleCount
		if err := rows.Scan(&rc.RuleID, &rc.Severity, &rc.Count); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// TopRulesForScan returns a scan's most frequent rules, largest first.
func TopRulesForScan(ctx context.Context, store *history.Store, scanID string, limit int) ([]RuleCount, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := store.DB().QueryContext(ctx, `
		SELECT rule_id, severity, COUNT(*) AS n FROM findings
		WHERE scan_id = ? GROUP BY rule_id, severity
		ORDER BY n DESC, rule_id ASC LIMIT ?`, scanID, limit)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("per-scan top rules", err)
	}
	defer rows.Close()

	var out []RuleCount
	for rows.Next() {
		var rc RuleCount
		if err := rows.Scan(&rc.RuleID, &rc.Severity, &rc.Count); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// severityThresholds are the per-level increases that constitute a
// regression between consecutive scans. CRITICAL regresses on any increase.
var severityThresholds = []struct {
	Severity  string
	Threshold int
	Count     func(Point) int
}{
	{"CRITICAL", 0, func(p Point) int { return p.Critical }},
	{"HIGH", 3, func(p Point) int { return p.High }},
	{"MEDIUM", 10, func(p Point) int { return p.Medium }},
	{"LOW", 25, func(p Point) int { return p.Low }},
}

// RegressionsBetween evaluates the regression rules for one consecutive
// scan pair.
func RegressionsBetween(prev, curr Point) []Regression {
	var out []Regression
	for _, rule := range severityThresholds {
		before, after := rule.Count(prev), rule.Count(curr)
		if after-before > rule.Threshold {
			out = append(out, Regression{
				Severity: rule.Severity,
				Category: "severity_increase",
				Message: fmt.Sprintf("%s findings rose from %d to %d between scans %s and %s",
					rule.Severity, before, after, prev.ScanID, curr.ScanID),
				PreviousValue: float64(before),
				CurrentValue:  float64(after),
			})
		}
	}
	if prev.Score-curr.Score > 0.5 {
		out = append(out, Regression{
			Severity: "HIGH",
			Category: "score_drop",
			Message: fmt.Sprintf("Security score dropped from %.1f to %.1f between scans %s and %s",
				prev.Score, curr.Score, prev.ScanID, curr.ScanID),
			PreviousValue: prev.Score,
			CurrentValue:  curr.Score,
		})
	}
	return out
}

// improvement computes resolved/introduced counts over the window by
// diffing consecutive fingerprint sets. Failures degrade to count-based
// metrics only.
func improvement(ctx context.Context, store *history.Store, points []Point) ImprovementMetrics {
	first, last := points[0], points[len(points)-1]
	metrics := ImprovementMetrics{
		NetChange: last.Total - first.Total,
		BySeverity: map[string]int{
			"CRITICAL": last.Critical - first.Critical,
			"HIGH":     last.High - first.High,
			"MEDIUM":   last.Medium - first.Medium,
			"LOW":      last.Low - first.Low,
			"INFO":     last.Info - first.Info,
		},
	}
	if first.Total > 0 {
		metrics.PercentChange = float64(metrics.NetChange) / float64(first.Total) * 100
	}

	prevSet, err := store.Fingerprints(ctx, points[0].ScanID)
	if err != nil {
		log.Warn().Err(err).Msg("Fingerprint diff unavailable for improvement metrics")
		return metrics
	}
	for _, p := range points[1:] {
		currSet, err := store.Fingerprints(ctx, p.ScanID)
		if err != nil {
			log.Warn().Err(err).Str("scan_id", p.ScanID).Msg("Fingerprint diff unavailable for improvement metrics")
			return metrics
		}
		for fp := range prevSet {
			if _, still := currSet[fp]; !still {
				metrics.Resolved++
			}
		}
		for fp := range currSet {
			if _, existed := prevSet[fp]; !existed {
				metrics.Introduced++
			}
		}
		prevSet = currSet
	}
	return metrics
}

func pointIDs(points []Point) []string {
	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.ScanID
	}
	return ids
}

func placeholders(n int) string {
	out := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
