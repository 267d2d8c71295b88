package normalize

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmo-sec/jmo/internal/config"
	"github.com/jmo-sec/jmo/internal/models"
)

func writeArtifact(t *testing.T, resultsDir, kindDir, target, tool, body string) {
	t.Helper()
	dir := filepath.Join(resultsDir, kindDir, target)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tool+".json"), []byte(body), 0o644))
}

func testConfig() *config.Resolved {
	return &config.Resolved{Profile: "balanced", Threads: 2}
}

func TestPipelineAggregatesAcrossTargets(t *testing.T) {
	resultsDir := t.TempDir()
	writeArtifact(t, resultsDir, "individual-repos", "app", "gitleaks",
		`[{"Description":"AWS key","StartLine":5,"File":"deploy.sh","RuleID":"aws-access-token"}]`)
	writeArtifact(t, resultsDir, "individual-repos", "app", "semgrep",
		`{"results":[{"check_id":"eval","path":"a.py","start":{"line":1},"end":{"line":1},"extra":{"message":"bad","severity":"ERROR"}}],"errors":[]}`)
	writeArtifact(t, resultsDir, "individual-images", "alpine_3.19", "trivy",
		`{"Results":[{"Target":"alpine:3.19","Vulnerabilities":[{"VulnerabilityID":"CVE-2024-1","PkgName":"ssl","InstalledVersion":"1.0","Severity":"HIGH","Title":"x"}]}]}`)
	// A stray non-tool file must be ignored.
	writeArtifact(t, resultsDir, "individual-repos", "app", "notes", `{"whatever": true}`)

	p := NewPipeline(testConfig(), resultsDir, "1.0.0", "")
	doc, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, doc.Findings, 3)
	assert.Equal(t, 3, doc.Meta.FindingCount)
	assert.Equal(t, 2, doc.Meta.TargetCount)
	assert.Equal(t, []string{"gitleaks", "semgrep", "trivy"}, doc.Meta.Tools)
}

func TestPipelineMetaEnvelope(t *testing.T) {
	resultsDir := t.TempDir()
	writeArtifact(t, resultsDir, "individual-repos", "app", "gitleaks", `[]`)

	p := NewPipeline(testConfig(), resultsDir, "1.2.3", "")
	doc, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.OutputVersion, doc.Meta.OutputVersion)
	assert.Equal(t, "1.2.3", doc.Meta.JMOVersion)
	assert.Equal(t, models.SchemaVersion, doc.Meta.SchemaVersion)
	assert.NotEmpty(t, doc.Meta.ScanID)
	assert.Equal(t, "balanced", doc.Meta.Profile)
	assert.Equal(t, []string{"gitleaks"}, doc.Meta.Tools)
	assert.NotEmpty(t, doc.Meta.Platform)
	assert.NotZero(t, doc.Meta.Timestamp)
}

func TestPipelineFailsSoftOnMalformedArtifact(t *testing.T) {
	resultsDir := t.TempDir()
	writeArtifact(t, resultsDir, "individual-repos", "app", "gitleaks", `{{{{not json`)
	writeArtifact(t, resultsDir, "individual-repos", "app", "bandit",
		`{"results":[{"filename":"x.py","issue_severity":"LOW","issue_text":"y","test_id":"B101","line_number":1}]}`)

	p := NewPipeline(testConfig(), resultsDir, "1.0.0", "")
	doc, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Findings, 1)
	assert.Equal(t, "B101", doc.Findings[0].RuleID)
}

func TestPipelineMissingResultsDir(t *testing.T) {
	p := NewPipeline(testConfig(), filepath.Join(t.TempDir(), "nope"), "1.0.0", "")
	_, err := p.Run(context.Background())
	assert.Error(t, err)
}

func TestPipelineAppliesSuppressions(t *testing.T) {
	resultsDir := t.TempDir()
	writeArtifact(t, resultsDir, "individual-repos", "app", "gitleaks",
		`[{"Description":"AWS key","StartLine":5,"File":"deploy.sh","RuleID":"aws-access-token"},
		  {"Description":"Slack token","StartLine":9,"File":"ci.sh","RuleID":"slack-token"}]`)
	suppressions := filepath.Join(resultsDir, "suppressions.yml")
	require.NoError(t, os.WriteFile(suppressions, []byte(
		"suppressions:\n  - tool: gitleaks\n    rule_id: slack-token\n    reason: test webhook\n"), 0o644))

	p := NewPipeline(testConfig(), resultsDir, "1.0.0", "")
	doc, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, doc.Findings, 1)
	assert.Equal(t, "aws-access-token", doc.Findings[0].RuleID)
	assert.Len(t, doc.SuppressedIDs, 1)
}

func TestPipelineSortOrder(t *testing.T) {
	resultsDir := t.TempDir()
	writeArtifact(t, resultsDir, "individual-repos", "app", "semgrep",
		`{"results":[
			{"check_id":"low-rule","path":"z.py","start":{"line":1},"end":{"line":1},"extra":{"message":"m","severity":"INFO"}},
			{"check_id":"crit-rule","path":"a.py","start":{"line":1},"end":{"line":1},"extra":{"message":"m","severity":"ERROR"}}
		],"errors":[]}`)

	p := NewPipeline(testConfig(), resultsDir, "1.0.0", "")
	doc, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Findings, 2)
	assert.True(t, doc.Findings[0].Severity.Rank() > doc.Findings[1].Severity.Rank())
}

func TestWriteDocumentRoundTrip(t *testing.T) {
	doc := &models.Document{
		Meta:     models.Meta{OutputVersion: models.OutputVersion, ScanID: "s1"},
		Findings: []models.CommonFinding{},
	}
	out := filepath.Join(t.TempDir(), "nested", "findings.json")
	require.NoError(t, WriteDocument(doc, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var decoded models.Document
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "s1", decoded.Meta.ScanID)
}

func TestProfilerDrainIsReadOnce(t *testing.T) {
	p := NewProfiler(true)
	p.Record("parse:trivy", 1.5)
	p.Record("parse:trivy", 0.5)

	timings := p.Drain()
	assert.InDelta(t, 2.0, timings["parse:trivy"], 0.001)
	assert.Empty(t, p.Drain())
}

func TestProfilerDisabledIsNoop(t *testing.T) {
	p := NewProfiler(false)
	p.Record("x", 1)
	done := p.Track("y")
	done()
	assert.Nil(t, p.Drain())
}
