package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.Rank() > SeverityHigh.Rank())
	assert.True(t, SeverityHigh.Rank() > SeverityMedium.Rank())
	assert.True(t, SeverityMedium.Rank() > SeverityLow.Rank())
	assert.True(t, SeverityLow.Rank() > SeverityInfo.Rank())
	assert.Equal(t, -1, Severity("BOGUS").Rank())
}

func TestParseSeverity(t *testing.T) {
	cases := map[string]Severity{
		"critical": SeverityCritical,
		"CRITICAL": SeverityCritical,
		"ERROR":    SeverityHigh,
		"warning":  SeverityMedium,
		"MODERATE": SeverityMedium,
		"note":     SeverityLow,
		"":         SeverityInfo,
		"unknown":  SeverityInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseSeverity(in), "input %q", in)
	}
}

func TestSeverityAtLeast(t *testing.T) {
	assert.True(t, SeverityHigh.AtLeast(SeverityMedium))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityLow.AtLeast(SeverityHigh))
}

func TestTargetDisplayName(t *testing.T) {
	assert.Equal(t, "myrepo", Target{Kind: KindRepo, ID: "/srv/code/myrepo/"}.DisplayName())
	assert.Equal(t, "stack", Target{Kind: KindIaC, ID: "deploy/stack.tf"}.DisplayName())
	assert.Equal(t, "alpine_3.19", Target{Kind: KindImage, ID: "alpine:3.19"}.DisplayName())
	assert.Equal(t, "custom", Target{Kind: KindRepo, ID: "/x/y", Name: "custom"}.DisplayName())
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "https___example.com_app", SanitizeName("https://example.com/app"))
	assert.Equal(t, "registry.io_img_v1.2", SanitizeName("registry.io/img:v1.2"))
}

func TestDecodeDocumentEnvelope(t *testing.T) {
	doc, err := DecodeDocument([]byte(`{"meta":{"output_version":"1.0.0"},"findings":[{"id":"abc","severity":"HIGH","message":"m","path":"p","ruleId":"r","tool":{"name":"trivy"},"schemaVersion":"1.2.0"}]}`))
	require.NoError(t, err)
	require.Len(t, doc.Findings, 1)
	assert.Equal(t, "abc", doc.Findings[0].Fingerprint)
	assert.Equal(t, "1.0.0", doc.Meta.OutputVersion)
}

func TestDecodeDocumentBareList(t *testing.T) {
	doc, err := DecodeDocument([]byte(`[{"id":"abc","severity":"LOW","message":"m","path":"p","ruleId":"r","tool":{"name":"semgrep"},"schemaVersion":"1.2.0"}]`))
	require.NoError(t, err)
	require.Len(t, doc.Findings, 1)
	assert.Equal(t, SeverityLow, doc.Findings[0].Severity)
}

func TestDecodeDocumentMalformed(t *testing.T) {
	_, err := DecodeDocument([]byte(`{not json`))
	assert.Error(t, err)
}

func TestSealFingerprint(t *testing.T) {
	f := CommonFinding{
		Severity: SeverityHigh,
		RuleID:   "CVE-2024-1234",
		Tool:     ToolInfo{Name: "trivy"},
		Path:     "src/a.py",
		StartLine: 42,
		Message:  "Remote code execution  ",
	}
	f.SealFingerprint()
	assert.Equal(t, SchemaVersion, f.SchemaVersion)
	assert.Equal(t, Fingerprint("trivy", "CVE-2024-1234", "src/a.py", 42, "Remote code execution"), f.Fingerprint)
}
