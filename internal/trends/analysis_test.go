package trends

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmo-sec/jmo/internal/gitctx"
	"github.com/jmo-sec/jmo/internal/history"
	"github.com/jmo-sec/jmo/internal/models"
)

func openTestStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedFinding(tool, rule, path string, line int, sev models.Severity) models.CommonFinding {
	f := models.CommonFinding{
		Severity:  sev,
		RuleID:    rule,
		Tool:      models.ToolInfo{Name: tool},
		Path:      path,
		StartLine: line,
		Message:   rule + " in " + path,
	}
	f.SealFingerprint()
	return f
}

// seedScan stores one scan on main with the given findings, offset hours
// into the past window.
func seedScan(t *testing.T, store *history.Store, id string, hoursAgo int, findings ...models.CommonFinding) {
	t.Helper()
	doc := &models.Document{
		Meta: models.Meta{
			ScanID:       id,
			Timestamp:    time.Now().Add(-time.Duration(hoursAgo) * time.Hour).Unix(),
			Profile:      "balanced",
			TargetCount:  1,
			FindingCount: len(findings),
		},
		Findings: findings,
	}
	_, err := store.StoreScan(context.Background(), doc, history.StoreOptions{
		Git: &gitctx.Context{Branch: "main", CommitHash: "abc"},
	})
	require.NoError(t, err)
}

func TestAnalyzeGrowingSeries(t *testing.T) {
	store := openTestStore(t)

	// Ten scans, one new HIGH each time, never resolved.
	var grown []models.CommonFinding
	for i := 0; i < 10; i++ {
		grown = append(grown, seedFinding("semgrep", fmt.Sprintf("rule-%d", i), fmt.Sprintf("f%d.py", i), 1, models.SeverityHigh))
		seedScan(t, store, fmt.Sprintf("scan-grow-%02d", i), (10-i)*24, grown...)
	}

	analysis, err := Analyze(context.Background(), store, "main", 30)
	require.NoError(t, err)

	assert.Equal(t, 10, analysis.ScanCount)
	assert.Equal(t, DirectionDegrading, analysis.Direction)
	assert.Equal(t, 9, analysis.TotalChange)
	assert.Equal(t, TrendIncreasing, analysis.TotalTrend.Trend)
	assert.True(t, analysis.TotalTrend.Significant)
	assert.Equal(t, TrendDecreasing, analysis.ScoreTrend.Trend)
	assert.Equal(t, 9, analysis.Improvement.Introduced)
	assert.Zero(t, analysis.Improvement.Resolved)
}

func TestAnalyzeStableSeries(t *testing.T) {
	store := openTestStore(t)
	base := []models.CommonFinding{
		seedFinding("trivy", "CVE-1", "a.txt", 0, models.SeverityMedium),
		seedFinding("trivy", "CVE-2", "b.txt", 0, models.SeverityLow),
	}
	for i := 0; i < 5; i++ {
		seedScan(t, store, fmt.Sprintf("scan-flat-%d", i), (5-i)*24, base...)
	}

	analysis, err := Analyze(context.Background(), store, "main", 30)
	require.NoError(t, err)
	assert.Equal(t, DirectionStable, analysis.Direction)
	assert.Equal(t, TrendNone, analysis.TotalTrend.Trend)
	assert.Empty(t, analysis.Regressions)
	assert.Zero(t, analysis.Improvement.Introduced)
}

func TestAnalyzeRegressionDetection(t *testing.T) {
	store := openTestStore(t)
	base := seedFinding("trivy", "CVE-OLD", "a.txt", 0, models.SeverityLow)
	seedScan(t, store, "scan-reg-1", 48, base)
	seedScan(t, store, "scan-reg-2", 24, base,
		seedFinding("trivy", "CVE-NEW", "b.txt", 0, models.SeverityCritical))

	analysis, err := Analyze(context.Background(), store, "main", 30)
	require.NoError(t, err)

	require.NotEmpty(t, analysis.Regressions)
	var critical *Regression
	for i := range analysis.Regressions {
		if analysis.Regressions[i].Severity == "CRITICAL" && analysis.Regressions[i].Category == "severity_increase" {
			critical = &analysis.Regressions[i]
		}
	}
	require.NotNil(t, critical)
	assert.Zero(t, critical.PreviousValue)
	assert.EqualValues(t, 1, critical.CurrentValue)

	// 3-point score drop also fires the score rule.
	var scoreDrop bool
	for _, r := range analysis.Regressions {
		if r.Category == "score_drop" {
			scoreDrop = true
		}
	}
	assert.True(t, scoreDrop)
}

func TestRegressionThresholds(t *testing.T) {
	prev := Point{ScanID: "a", High: 10, Medium: 10, Low: 10}
	prev.Score = Score(0, prev.High, prev.Medium, prev.Low)

	within := Point{ScanID: "b", High: 13, Medium: 20, Low: 35}
	within.Score = prev.Score // only severity rules in play
	regs := RegressionsBetween(prev, within)
	assert.Empty(t, regs, "increases at the threshold do not regress")

	over := Point{ScanID: "c", High: 14}
	over.Score = prev.Score
	regs = RegressionsBetween(prev, over)
	require.Len(t, regs, 1)
	assert.Equal(t, "HIGH", regs[0].Severity)
}

func TestAnalyzeInsufficientData(t *testing.T) {
	store := openTestStore(t)
	seedScan(t, store, "scan-lone-1", 24,
		seedFinding("trivy", "CVE-1", "a.txt", 0, models.SeverityLow))

	analysis, err := Analyze(context.Background(), store, "main", 30)
	require.NoError(t, err)
	assert.Equal(t, DirectionInsufficient, analysis.Direction)

	var sawDataInsight bool
	for _, insight := range analysis.Insights {
		if insight.Category == "data" {
			sawDataInsight = true
			assert.Equal(t, "INFO", insight.Priority)
		}
	}
	assert.True(t, sawDataInsight)
}

func TestAnalyzeRecurringTopRule(t *testing.T) {
	store := openTestStore(t)
	recurring := seedFinding("semgrep", "sql-injection", "db.py", 10, models.SeverityHigh)
	for i := 0; i < 4; i++ {
		seedScan(t, store, fmt.Sprintf("scan-rec-%d", i), (4-i)*24, recurring,
			seedFinding("trivy", fmt.Sprintf("CVE-%d", i), "req.txt", 0, models.SeverityLow))
	}

	analysis, err := Analyze(context.Background(), store, "main", 30)
	require.NoError(t, err)
	assert.Equal(t, "sql-injection", analysis.RecurringRule)

	var recurringInsight bool
	for _, insight := range analysis.Insights {
		if insight.Category == "recurring" {
			recurringInsight = true
		}
	}
	assert.True(t, recurringInsight)
}

func TestCompareStoredScans(t *testing.T) {
	store := openTestStore(t)
	kept := seedFinding("trivy", "CVE-KEEP", "a.txt", 0, models.SeverityMedium)
	gone := seedFinding("trivy", "CVE-GONE", "b.txt", 0, models.SeverityHigh)
	added := seedFinding("semgrep", "eval", "c.py", 4, models.SeverityCritical)

	seedScan(t, store, "diff-base-1", 48, kept, gone)
	seedScan(t, store, "diff-curr-1", 24, kept, added)

	diff, err := Compare(context.Background(), store, "diff-base", "diff-curr")
	require.NoError(t, err)

	require.Len(t, diff.New, 1)
	assert.Equal(t, added.Fingerprint, diff.New[0].Fingerprint)
	require.Len(t, diff.Resolved, 1)
	assert.Equal(t, gone.Fingerprint, diff.Resolved[0].Fingerprint)
	require.Len(t, diff.Unchanged, 1)
	assert.Equal(t, map[string]int{"CRITICAL": 1}, diff.NewBySeverity())

	md := diff.Markdown()
	assert.Contains(t, md, "CVE-GONE")
	assert.Contains(t, md, "eval")
}

func TestCompareUnknownScan(t *testing.T) {
	store := openTestStore(t)
	seedScan(t, store, "diff-only-1", 24)
	_, err := Compare(context.Background(), store, "diff-only-1", "zzzz-9999")
	assert.Error(t, err)
}

func TestCompareDocuments(t *testing.T) {
	old := seedFinding("trivy", "CVE-1", "a", 0, models.SeverityLow)
	same := seedFinding("trivy", "CVE-2", "b", 0, models.SeverityLow)
	fresh := seedFinding("trivy", "CVE-3", "c", 0, models.SeverityHigh)

	baseline := &models.Document{Meta: models.Meta{ScanID: "base"}, Findings: []models.CommonFinding{old, same}}
	current := &models.Document{Meta: models.Meta{ScanID: "curr"}, Findings: []models.CommonFinding{same, fresh}}

	diff := CompareDocuments(baseline, current)
	assert.Len(t, diff.New, 1)
	assert.Len(t, diff.Resolved, 1)
	assert.Len(t, diff.Unchanged, 1)
}

func TestExportsCSVAndDashboard(t *testing.T) {
	store := openTestStore(t)
	seedScan(t, store, "scan-exp-1", 48,
		seedFinding("trivy", "CVE-1", "a", 0, models.SeverityHigh))
	seedScan(t, store, "scan-exp-2", 24,
		seedFinding("trivy", "CVE-1", "a", 0, models.SeverityHigh),
		seedFinding("trivy", "CVE-2", "b", 0, models.SeverityLow))

	analysis, err := Analyze(context.Background(), store, "main", 30)
	require.NoError(t, err)

	var csvOut strings.Builder
	require.NoError(t, WriteCSV(analysis, &csvOut))
	lines := strings.Split(strings.TrimSpace(csvOut.String()), "\n")
	require.Len(t, lines, 3, "header plus one row per scan")
	assert.Contains(t, lines[0], "remediation_rate")
	assert.Contains(t, lines[1], "scan-exp-1")

	promText, err := PrometheusText(analysis)
	require.NoError(t, err)
	assert.Contains(t, promText, `jmo_findings{severity="HIGH"} 1`)
	assert.Contains(t, promText, "jmo_security_score")
	assert.Contains(t, promText, "jmo_scan_count 2")

	dashboard := BuildDashboard(analysis)
	assert.Equal(t, DashboardVersion, dashboard.Version)
	assert.Equal(t, 2, dashboard.Metadata.ScanCount)
	assert.Equal(t, []int{1, 2}, dashboard.SeverityTrends.Total)
	assert.Len(t, dashboard.SeverityTrends.Timestamps, 2)

	grafana, err := GrafanaDashboard(analysis)
	require.NoError(t, err)
	assert.Contains(t, string(grafana), "jmo_security_score")
	assert.Contains(t, string(grafana), "timeseries")
}

func TestAttributeFindings(t *testing.T) {
	findings := []history.FindingRecord{
		{Path: "a.py", StartLine: 1},
		{Path: "a.py", StartLine: 5},
		{Path: "b.py", StartLine: 2},
		{Path: "vendor/c.py", StartLine: 9},
	}
	calls := map[string]int{}
	blame := func(repoDir, path string) map[int]string {
		calls[path]++
		switch path {
		case "a.py":
			return map[int]string{1: "alice", 5: "alice"}
		case "b.py":
			return map[int]string{2: "bob"}
		}
		return nil
	}

	attribution := attributeFindings("/repo", findings, map[string]string{"alice": "platform"}, blame)
	require.Len(t, attribution.ByAuthor, 2)
	assert.Equal(t, AuthorCount{Author: "alice", Team: "platform", Count: 2}, attribution.ByAuthor[0])
	assert.Equal(t, "bob", attribution.ByAuthor[1].Author)
	assert.Equal(t, 1, attribution.Unattributed)
	assert.Equal(t, map[string]int{"platform": 2}, attribution.ByTeam)

	// Two findings in a.py must not trigger a second blame of the file.
	assert.Equal(t, map[string]int{"a.py": 1, "b.py": 1, "vendor/c.py": 1}, calls)
}
