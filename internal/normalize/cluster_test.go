package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmo-sec/jmo/internal/models"
)

func finding(tool, rule, path string, line int, sev models.Severity) models.CommonFinding {
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

func TestClusterFoldsCrossToolDuplicates(t *testing.T) {
	trivy := finding("trivy", "CVE-2024-1234", "requirements.txt", 0, models.SeverityHigh)
	grype := finding("grype-like", "cve-2024-1234", "./requirements.txt", 0, models.SeverityCritical)
	other := finding("semgrep", "eval", "a.py", 3, models.SeverityMedium)

	out := Cluster([]models.CommonFinding{trivy, grype, other})
	require.Len(t, out, 2)

	var rep models.CommonFinding
	for _, f := range out {
		if f.RuleID != "eval" {
			rep = f
		}
	}
	assert.Equal(t, models.SeverityCritical, rep.Severity)
	assert.Equal(t, []string{trivy.Fingerprint}, rep.RelatedFindings)
}

func TestClusterTieBreaksOnFingerprint(t *testing.T) {
	a := finding("trivy", "CVE-1", "f.txt", 0, models.SeverityHigh)
	b := finding("checkov", "CVE-1", "f.txt", 0, models.SeverityHigh)

	out := Cluster([]models.CommonFinding{a, b})
	require.Len(t, out, 1)

	want := a
	if b.Fingerprint < a.Fingerprint {
		want = b
	}
	assert.Equal(t, want.Fingerprint, out[0].Fingerprint)
	assert.Len(t, out[0].RelatedFindings, 1)
}

func TestClusterDistinctLinesStaySeparate(t *testing.T) {
	a := finding("semgrep", "eval", "a.py", 3, models.SeverityMedium)
	b := finding("semgrep", "eval", "a.py", 7, models.SeverityMedium)
	out := Cluster([]models.CommonFinding{a, b})
	assert.Len(t, out, 2)
}

func TestSuppressionRuleMatching(t *testing.T) {
	f := finding("gitleaks", "aws-access-token", "deploy/prod.sh", 5, models.SeverityHigh)

	assert.True(t, SuppressionRule{Tool: "gitleaks"}.Matches(f))
	assert.True(t, SuppressionRule{RuleID: "aws-access-token", Path: "deploy/*"}.Matches(f))
	assert.True(t, SuppressionRule{Fingerprint: f.Fingerprint}.Matches(f))
	assert.False(t, SuppressionRule{Tool: "trivy"}.Matches(f))
	assert.False(t, SuppressionRule{RuleID: "aws-access-token", Path: "src/*"}.Matches(f))
	assert.False(t, SuppressionRule{}.Matches(f), "empty rule matches nothing")
}

func TestLoadSuppressionsExplicitPathMissing(t *testing.T) {
	_, err := LoadSuppressions("/does/not/exist.yml", t.TempDir())
	assert.Error(t, err)
}

func TestLoadSuppressionsAbsentIsEmpty(t *testing.T) {
	s, err := LoadSuppressions("", t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, s.Rules)

	kept, suppressed := s.Apply([]models.CommonFinding{finding("t", "r", "p", 1, models.SeverityLow)})
	assert.Len(t, kept, 1)
	assert.Empty(t, suppressed)
}
