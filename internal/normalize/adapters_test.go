package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmo-sec/jmo/internal/models"
)

func TestParseTruffleHogVerifiedUpgrade(t *testing.T) {
	data := []byte(`{"SourceMetadata":{"Data":{"Filesystem":{"file":"config/.env","line":3}}},"DetectorName":"AWS","Verified":true}
{"SourceMetadata":{"Data":{"Filesystem":{"file":"notes.txt","line":9}}},"DetectorName":"Slack","Verified":false}
not json at all
`)
	findings, err := parseTruffleHog("app", data)
	require.NoError(t, err)
	require.Len(t, findings, 2)

	verified := findings[0]
	assert.Equal(t, models.SeverityHigh, verified.Severity)
	assert.Equal(t, "trufflehog-aws", verified.RuleID)
	assert.Equal(t, "config/.env", verified.Path)
	assert.Equal(t, 3, verified.StartLine)
	assert.Equal(t, models.QualHigh, verified.Confidence)
	assert.Len(t, verified.Fingerprint, 16)

	unverified := findings[1]
	assert.Equal(t, models.SeverityMedium, unverified.Severity)
	assert.Equal(t, models.QualMedium, unverified.Confidence)
}

func TestParseTruffleHogGitSource(t *testing.T) {
	data := []byte(`{"SourceMetadata":{"Data":{"Git":{"file":"src/db.py","line":12}}},"DetectorName":"Postgres","Verified":true}`)
	findings, err := parseTruffleHog("app", data)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "src/db.py", findings[0].Path)
	assert.Equal(t, 12, findings[0].StartLine)
}

func TestParseGitleaks(t *testing.T) {
	data := []byte(`[{"Description":"AWS Access Key","StartLine":5,"EndLine":5,"File":"deploy.sh","RuleID":"aws-access-token"}]`)
	findings, err := parseGitleaks("app", data)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, models.SeverityHigh, f.Severity)
	assert.Equal(t, "aws-access-token", f.RuleID)
	assert.Equal(t, "deploy.sh", f.Path)
	assert.Contains(t, f.Tags, "secret")
}

func TestParseSemgrepSeverityMapping(t *testing.T) {
	data := []byte(`{"results":[
		{"check_id":"python.lang.security.eval","path":"src/a.py","start":{"line":10},"end":{"line":10},
		 "extra":{"message":"eval() is dangerous","severity":"ERROR","metadata":{"cwe":["CWE-95"],"confidence":"HIGH"}}},
		{"check_id":"python.lang.best-practice","path":"src/b.py","start":{"line":2},"end":{"line":2},
		 "extra":{"message":"prefer x","severity":"WARNING"}}
	],"errors":[]}`)
	findings, err := parseSemgrep("app", data)
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, models.SeverityHigh, findings[0].Severity)
	assert.Equal(t, []string{"CWE-95"}, findings[0].Compliance.CWETop25)
	assert.Equal(t, models.QualHigh, findings[0].Confidence)
	assert.Equal(t, models.SeverityMedium, findings[1].Severity)
}

func TestParseTrivyVulnerabilitiesAndMisconfigs(t *testing.T) {
	data := []byte(`{"Results":[
		{"Target":"requirements.txt","Vulnerabilities":[
			{"VulnerabilityID":"CVE-2024-1234","PkgName":"flask","InstalledVersion":"1.0","FixedVersion":"2.3.2",
			 "Severity":"CRITICAL","Title":"RCE in flask","CVSS":{"nvd":{"V3Score":9.8}}}]},
		{"Target":"Dockerfile","Misconfigurations":[
			{"ID":"DS002","Title":"Image runs as root","Severity":"HIGH","Resolution":"Add a USER statement"}]}
	]}`)
	findings, err := parseTrivy("app", data)
	require.NoError(t, err)
	require.Len(t, findings, 2)

	vuln := findings[0]
	assert.Equal(t, models.SeverityCritical, vuln.Severity)
	assert.Equal(t, "CVE-2024-1234", vuln.RuleID)
	assert.Equal(t, "Upgrade flask to 2.3.2", vuln.Remediation)
	assert.InDelta(t, 9.8, vuln.CVSSScore, 0.001)

	misconfig := findings[1]
	assert.Equal(t, "DS002", misconfig.RuleID)
	assert.Equal(t, "Add a USER statement", misconfig.Remediation)
}

func TestParseTrivyEmpty(t *testing.T) {
	findings, err := parseTrivy("app", []byte(`{"Results": []}`))
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestParseCheckovObjectAndList(t *testing.T) {
	object := []byte(`{"results":{"failed_checks":[
		{"check_id":"CKV_AWS_20","check_name":"S3 bucket is public","file_path":"/s3.tf","file_line_range":[1,8],"severity":"HIGH"}]}}`)
	findings, err := parseCheckov("app", object)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.SeverityHigh, findings[0].Severity)
	assert.Equal(t, 1, findings[0].StartLine)
	assert.Equal(t, 8, findings[0].EndLine)

	list := []byte(`[` + string(object) + `,` + string(object) + `]`)
	findings, err = parseCheckov("app", list)
	require.NoError(t, err)
	assert.Len(t, findings, 2)
}

func TestParseCheckovDefaultSeverity(t *testing.T) {
	data := []byte(`{"results":{"failed_checks":[{"check_id":"CKV_1","check_name":"x","file_path":"/m.tf"}]}}`)
	findings, err := parseCheckov("app", data)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.SeverityMedium, findings[0].Severity)
}

func TestParseHadolintLevels(t *testing.T) {
	data := []byte(`[
		{"line":1,"code":"DL3006","message":"Always tag the version","level":"error","file":"Dockerfile"},
		{"line":4,"code":"DL3008","message":"Pin versions in apt","level":"warning","file":"Dockerfile"},
		{"line":9,"code":"DL3059","message":"Consolidate RUN","level":"info","file":"Dockerfile"}
	]`)
	findings, err := parseHadolint("app", data)
	require.NoError(t, err)
	require.Len(t, findings, 3)
	assert.Equal(t, models.SeverityHigh, findings[0].Severity)
	assert.Equal(t, models.SeverityMedium, findings[1].Severity)
	assert.Equal(t, models.SeverityLow, findings[2].Severity)
}

func TestParseBandit(t *testing.T) {
	data := []byte(`{"results":[
		{"filename":"app/views.py","issue_severity":"MEDIUM","issue_confidence":"HIGH",
		 "issue_text":"Use of insecure MD5 hash","test_id":"B303","line_number":42,
		 "issue_cwe":{"id":327},"more_info":"https://bandit.readthedocs.io/b303"}
	]}`)
	findings, err := parseBandit("app", data)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, models.SeverityMedium, f.Severity)
	assert.Equal(t, "B303", f.RuleID)
	assert.Equal(t, []string{"CWE-327"}, f.Compliance.CWETop25)
	assert.Equal(t, models.QualHigh, f.Confidence)
}

func TestParseZAPRiskCodes(t *testing.T) {
	data := []byte(`{"site":[{"@name":"https://example.com","alerts":[
		{"pluginid":"10038","alert":"CSP header missing","riskcode":"2","solution":"Set CSP",
		 "cweid":"693","instances":[{"uri":"https://example.com/login"}]},
		{"pluginid":"10096","alert":"Timestamp disclosure","riskcode":"0","cweid":"-1"}
	]}]}`)
	findings, err := parseZAP("app", data)
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, models.SeverityMedium, findings[0].Severity)
	assert.Equal(t, "zap-10038", findings[0].RuleID)
	assert.Equal(t, "https://example.com/login", findings[0].Path)
	assert.Equal(t, []string{"CWE-693"}, findings[0].Compliance.CWETop25)

	assert.Equal(t, models.SeverityInfo, findings[1].Severity)
	assert.Equal(t, "https://example.com", findings[1].Path)
	assert.Empty(t, findings[1].Compliance.CWETop25)
}

func TestParseKubeBenchSkipsPasses(t *testing.T) {
	data := []byte(`{"Controls":[{"text":"Master Node","tests":[{"results":[
		{"test_number":"1.1.1","test_desc":"API server file perms","status":"FAIL","remediation":"chmod 600"},
		{"test_number":"1.1.2","test_desc":"Ownership","status":"WARN","remediation":"chown root"},
		{"test_number":"1.1.3","test_desc":"Fine","status":"PASS"}
	]}]}]}`)
	findings, err := parseKubeBench("prod-cluster", data)
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, models.SeverityMedium, findings[0].Severity)
	assert.Equal(t, "cis-1.1.1", findings[0].RuleID)
	assert.Equal(t, "prod-cluster", findings[0].Path)
	assert.Equal(t, []string{"1.1.1"}, findings[0].Compliance.CISControls)
	assert.Equal(t, models.SeverityLow, findings[1].Severity)
}

func TestAdaptersFailSoftOnGarbage(t *testing.T) {
	for name, parse := range map[string]func(string, []byte) ([]models.CommonFinding, error){
		"gitleaks": parseGitleaks, "semgrep": parseSemgrep, "trivy": parseTrivy,
		"checkov": parseCheckov, "hadolint": parseHadolint, "bandit": parseBandit,
		"zap": parseZAP, "kube-bench": parseKubeBench,
	} {
		_, err := parse("app", []byte("not json"))
		assert.Error(t, err, name)
	}

	// JSONL parsing never errors; garbage lines are skipped.
	findings, err := parseTruffleHog("app", []byte("not json"))
	require.NoError(t, err)
	assert.Empty(t, findings)
}
