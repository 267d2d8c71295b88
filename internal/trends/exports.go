package trends

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// DashboardVersion identifies the compact dashboard JSON shape.
const DashboardVersion = "1.0"

// WriteCSV emits one row per scan with severity columns, the posture score
// and the window's remediation rate.
func WriteCSV(a *Analysis, w io.Writer) error {
	cw := csv.NewWriter(w)
	header := []string{"scan_id", "timestamp", "critical", "high", "medium",
		"low", "info", "total", "score", "remediation_rate"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	rate := remediationRate(a)
	for _, p := range a.Points {
		row := []string{
			p.ScanID,
			strconv.FormatInt(p.Timestamp, 10),
			strconv.Itoa(p.Critical),
			strconv.Itoa(p.High),
			strconv.Itoa(p.Medium),
			strconv.Itoa(p.Low),
			strconv.Itoa(p.Info),
			strconv.Itoa(p.Total),
			strconv.FormatFloat(p.Score, 'f', 2, 64),
			strconv.FormatFloat(rate, 'f', 4, 64),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func remediationRate(a *Analysis) float64 {
	divisor := a.ScanCount - 1
	if divisor < 1 {
		divisor = 1
	}
	net := a.Improvement.NetChange
	if net < 0 {
		net = -net
	}
	return float64(net) / float64(divisor)
}

func introductionRate(a *Analysis) float64 {
	divisor := a.ScanCount - 1
	if divisor < 1 {
		divisor = 1
	}
	return float64(a.Improvement.Introduced) / float64(divisor)
}

// PrometheusText renders the latest analysis state in the text exposition
// format, suitable for a node-exporter textfile collector.
func PrometheusText(a *Analysis) (string, error) {
	registry := prometheus.NewRegistry()

	findings := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jmo_findings",
		Help: "Latest finding count by severity.",
	}, []string{"severity"})
	score := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jmo_security_score",
		Help: "Latest security posture score (0-10).",
	})
	remediation := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jmo_remediation_rate",
		Help: "Findings resolved per scan across the analysis window.",
	})
	introduction := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jmo_introduction_rate",
		Help: "Findings introduced per scan across the analysis window.",
	})
	scans := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jmo_scan_count",
		Help: "Scans inside the analysis window.",
	})
	for _, c := range []prometheus.Collector{findings, score, remediation, introduction, scans} {
		if err := registry.Register(c); err != nil {
			return "", fmt.Errorf("register metric: %w", err)
		}
	}

	if n := len(a.Points); n > 0 {
		latest := a.Points[n-1]
		findings.WithLabelValues("CRITICAL").Set(float64(latest.Critical))
		findings.WithLabelValues("HIGH").Set(float64(latest.High))
		findings.WithLabelValues("MEDIUM").Set(float64(latest.Medium))
		findings.WithLabelValues("LOW").Set(float64(latest.Low))
		findings.WithLabelValues("INFO").Set(float64(latest.Info))
		score.Set(latest.Score)
	}
	remediation.Set(remediationRate(a))
	introduction.Set(introductionRate(a))
	scans.Set(float64(a.ScanCount))

	families, err := registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, family); err != nil {
			return "", fmt.Errorf("encode metrics: %w", err)
		}
	}
	return buf.String(), nil
}

// grafanaPanel is one panel in the generated dashboard.
type grafanaPanel struct {
	ID      int            `json:"id"`
	Title   string         `json:"title"`
	Type    string         `json:"type"`
	GridPos map[string]int `json:"gridPos"`
	Targets []grafanaQuery `json:"targets"`
}

type grafanaQuery struct {
	Expr         string `json:"expr"`
	LegendFormat string `json:"legendFormat,omitempty"`
	RefID        string `json:"refId"`
}

// GrafanaDashboard builds a dashboard JSON with the fixed panel layout:
// severity time series, posture score gauge and remediation stat.
func GrafanaDashboard(a *Analysis) ([]byte, error) {
	dashboard := map[string]any{
		"title":         "Security Posture - " + orDefault(a.Branch, "all branches"),
		"schemaVersion": 39,
		"tags":          []string{"security", "jmo"},
		"time":          map[string]string{"from": fmt.Sprintf("now-%dd", a.Days), "to": "now"},
		"panels": []grafanaPanel{
			{
				ID: 1, Title: "Findings by severity", Type: "timeseries",
				GridPos: map[string]int{"x": 0, "y": 0, "w": 16, "h": 8},
				Targets: []grafanaQuery{
					{Expr: `jmo_findings{severity="CRITICAL"}`, LegendFormat: "critical", RefID: "A"},
					{Expr: `jmo_findings{severity="HIGH"}`, LegendFormat: "high", RefID: "B"},
					{Expr: `jmo_findings{severity="MEDIUM"}`, LegendFormat: "medium", RefID: "C"},
					{Expr: `jmo_findings{severity="LOW"}`, LegendFormat: "low", RefID: "D"},
				},
			},
			{
				ID: 2, Title: "Security score", Type: "gauge",
				GridPos: map[string]int{"x": 16, "y": 0, "w": 8, "h": 8},
				Targets: []grafanaQuery{{Expr: "jmo_security_score", RefID: "A"}},
			},
			{
				ID: 3, Title: "Remediation rate", Type: "stat",
				GridPos: map[string]int{"x": 0, "y": 8, "w": 8, "h": 6},
				Targets: []grafanaQuery{{Expr: "jmo_remediation_rate", RefID: "A"}},
			},
			{
				ID: 4, Title: "Scans in window", Type: "stat",
				GridPos: map[string]int{"x": 8, "y": 8, "w": 8, "h": 6},
				Targets: []grafanaQuery{{Expr: "jmo_scan_count", RefID: "A"}},
			},
		},
	}
	return json.MarshalIndent(dashboard, "", "  ")
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// Dashboard is the compact JSON consumed by the bundled web dashboard.
type Dashboard struct {
	Version       string            `json:"version"`
	GeneratedAt   int64             `json:"generated_at"`
	SecurityScore float64           `json:"security_score"`
	ScoreTrend    TrendDirection    `json:"score_trend"`
	ScoreGrade    string            `json:"score_grade"`
	Metadata      DashboardMetadata `json:"metadata"`
	SeverityTrends SeverityTrends   `json:"severity_trends"`
	Insights      []Insight          `json:"insights"`
	Regressions   []Regression       `json:"regressions"`
	Improvement   ImprovementMetrics `json:"improvement_metrics"`
	TopRules      []RuleCount        `json:"top_rules"`
}

// DashboardMetadata describes the analysis window.
type DashboardMetadata struct {
	Branch    string `json:"branch"`
	ScanCount int    `json:"scan_count"`
	DateRange string `json:"date_range"`
}

// SeverityTrends carries the aligned per-severity vectors.
type SeverityTrends struct {
	BySeverity map[string][]int `json:"by_severity"`
	Total      []int            `json:"total"`
	Timestamps []int64          `json:"timestamps"`
}

// BuildDashboard projects an analysis into the compact dashboard shape.
func BuildDashboard(a *Analysis) *Dashboard {
	d := &Dashboard{
		Version:       DashboardVersion,
		GeneratedAt:   a.GeneratedAt,
		SecurityScore: a.Score,
		ScoreTrend:    a.ScoreTrend.Trend,
		ScoreGrade:    a.Grade,
		Metadata: DashboardMetadata{
			Branch:    a.Branch,
			ScanCount: a.ScanCount,
			DateRange: fmt.Sprintf("last %d days", a.Days),
		},
		SeverityTrends: SeverityTrends{BySeverity: map[string][]int{}},
		Insights:       a.Insights,
		Regressions:    a.Regressions,
		Improvement:    a.Improvement,
		TopRules:       a.TopRules,
	}
	for _, p := range a.Points {
		d.SeverityTrends.BySeverity["CRITICAL"] = append(d.SeverityTrends.BySeverity["CRITICAL"], p.Critical)
		d.SeverityTrends.BySeverity["HIGH"] = append(d.SeverityTrends.BySeverity["HIGH"], p.High)
		d.SeverityTrends.BySeverity["MEDIUM"] = append(d.SeverityTrends.BySeverity["MEDIUM"], p.Medium)
		d.SeverityTrends.BySeverity["LOW"] = append(d.SeverityTrends.BySeverity["LOW"], p.Low)
		d.SeverityTrends.BySeverity["INFO"] = append(d.SeverityTrends.BySeverity["INFO"], p.Info)
		d.SeverityTrends.Total = append(d.SeverityTrends.Total, p.Total)
		d.SeverityTrends.Timestamps = append(d.SeverityTrends.Timestamps, p.Timestamp)
	}
	return d
}
