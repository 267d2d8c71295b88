package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmo-sec/jmo/internal/models"
)

func sampleDocument() *models.Document {
	f := models.CommonFinding{
		Severity:  models.SeverityCritical,
		RuleID:    "CVE-2024-1",
		Tool:      models.ToolInfo{Name: "trivy"},
		Path:      "requirements.txt",
		StartLine: 3,
		Message:   "RCE in flask <script>",
	}
	f.SealFingerprint()
	g := models.CommonFinding{
		Severity: models.SeverityLow,
		RuleID:   "DL3006",
		Tool:     models.ToolInfo{Name: "hadolint"},
		Path:     "Dockerfile",
		Message:  "Always tag the version",
	}
	g.SealFingerprint()
	return &models.Document{
		Meta:     models.Meta{ScanID: "scan-1", Profile: "balanced", TargetCount: 1, FindingCount: 2},
		Findings: []models.CommonFinding{f, g},
	}
}

func TestRenderAllFormats(t *testing.T) {
	dir := t.TempDir()
	doc := sampleDocument()
	require.NoError(t, Render(doc, []string{"json", "md", "yaml", "html", "sarif", "bogus"}, dir))

	for _, name := range []string{"findings.json", "findings.md", "findings.yaml", "findings.html", "findings.sarif"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	_, err := os.Stat(filepath.Join(dir, "findings.bogus"))
	assert.True(t, os.IsNotExist(err))
}

func TestMarkdownSummary(t *testing.T) {
	md := Markdown(sampleDocument())
	assert.Contains(t, md, "| CRITICAL | 1 |")
	assert.Contains(t, md, "requirements.txt:3")
	assert.Contains(t, md, "hadolint")
}

func TestHTMLEscapes(t *testing.T) {
	page := HTML(sampleDocument())
	assert.NotContains(t, page, "<script>")
	assert.Contains(t, page, "&lt;script&gt;")
}

func TestSARIFShape(t *testing.T) {
	data, err := SARIF(sampleDocument())
	require.NoError(t, err)

	var decoded struct {
		Version string `json:"version"`
		Runs    []struct {
			Tool struct {
				Driver struct {
					Name string `json:"name"`
				} `json:"driver"`
			} `json:"tool"`
			Results []struct {
				RuleID string `json:"ruleId"`
				Level  string `json:"level"`
			} `json:"results"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "2.1.0", decoded.Version)
	require.Len(t, decoded.Runs, 2, "one run per tool")
	assert.Equal(t, "hadolint", decoded.Runs[0].Tool.Driver.Name)
	assert.Equal(t, "error", decoded.Runs[1].Results[0].Level)
}

func TestCountAtOrAbove(t *testing.T) {
	doc := sampleDocument()
	assert.Equal(t, 1, CountAtOrAbove(doc, models.SeverityHigh))
	assert.Equal(t, 2, CountAtOrAbove(doc, models.SeverityLow))
	assert.Equal(t, 1, CountAtOrAbove(doc, models.SeverityCritical))
}
