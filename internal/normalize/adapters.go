// Package normalize walks the orchestrator's filesystem output, translates
// heterogeneous tool artifacts into CommonFinding records, applies
// suppressions and clusters cross-tool duplicates.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmo-sec/jmo/internal/catalog"
	"github.com/jmo-sec/jmo/internal/models"
)

func init() {
	catalog.BindParser("trufflehog", parseTruffleHog)
	catalog.BindParser("gitleaks", parseGitleaks)
	catalog.BindParser("semgrep", parseSemgrep)
	catalog.BindParser("trivy", parseTrivy)
	catalog.BindParser("checkov", parseCheckov)
	catalog.BindParser("hadolint", parseHadolint)
	catalog.BindParser("bandit", parseBandit)
	catalog.BindParser("zap-baseline", parseZAP)
	catalog.BindParser("kube-bench", parseKubeBench)
}

// parseTruffleHog consumes JSON-lines output. Verified secrets are upgraded
// to HIGH; unverified ones stay MEDIUM.
func parseTruffleHog(targetName string, data []byte) ([]models.CommonFinding, error) {
	var findings []models.CommonFinding
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var rec struct {
			DetectorName   string `json:"DetectorName"`
			DetectorDescription string `json:"DetectorDescription"`
			Verified       bool   `json:"Verified"`
			Redacted       string `json:"Redacted"`
			SourceMetadata struct {
				Data struct {
					Filesystem struct {
						File string `json:"file"`
						Line int    `json:"line"`
					} `json:"Filesystem"`
					Git struct {
						File string `json:"file"`
						Line int    `json:"line"`
					} `json:"Git"`
				} `json:"Data"`
			} `json:"SourceMetadata"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.DetectorName == "" {
			continue
		}

		path := rec.SourceMetadata.Data.Filesystem.File
		lineNo := rec.SourceMetadata.Data.Filesystem.Line
		if path == "" {
			path = rec.SourceMetadata.Data.Git.File
			lineNo = rec.SourceMetadata.Data.Git.Line
		}

		severity := models.SeverityMedium
		confidence := models.QualMedium
		if rec.Verified {
			severity = models.SeverityHigh
			confidence = models.QualHigh
		}

		f := models.CommonFinding{
			Severity:   severity,
			RuleID:     "trufflehog-" + strings.ToLower(rec.DetectorName),
			Tool:       models.ToolInfo{Name: "trufflehog"},
			Path:       path,
			StartLine:  lineNo,
			Message:    fmt.Sprintf("Secret detected: %s", rec.DetectorName),
			Title:      rec.DetectorName + " credential",
			Confidence: confidence,
			Tags:       []string{"secret"},
			Compliance: models.Compliance{
				OWASPTop10: []string{"A07:2021"},
				CWETop25:   []string{"CWE-798"},
			},
			Raw: json.RawMessage(append([]byte(nil), line...)),
		}
		f.SealFingerprint()
		findings = append(findings, f)
	}
	return findings, nil
}

func parseGitleaks(targetName string, data []byte) ([]models.CommonFinding, error) {
	var recs []struct {
		Description string  `json:"Description"`
		StartLine   int     `json:"StartLine"`
		EndLine     int     `json:"EndLine"`
		File        string  `json:"File"`
		RuleID      string  `json:"RuleID"`
		Entropy     float64 `json:"Entropy"`
		Commit      string  `json:"Commit"`
	}
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("gitleaks output: %w", err)
	}
	findings := make([]models.CommonFinding, 0, len(recs))
	for _, rec := range recs {
		raw, _ := json.Marshal(rec)
		f := models.CommonFinding{
			Severity:  models.SeverityHigh,
			RuleID:    rec.RuleID,
			Tool:      models.ToolInfo{Name: "gitleaks"},
			Path:      rec.File,
			StartLine: rec.StartLine,
			EndLine:   rec.EndLine,
			Message:   rec.Description,
			Title:     rec.RuleID,
			Tags:      []string{"secret"},
			Compliance: models.Compliance{
				OWASPTop10: []string{"A07:2021"},
				CWETop25:   []string{"CWE-798"},
			},
			Raw: raw,
		}
		if f.Message == "" {
			f.Message = "Potential secret: " + rec.RuleID
		}
		f.SealFingerprint()
		findings = append(findings, f)
	}
	return findings, nil
}

func parseSemgrep(targetName string, data []byte) ([]models.CommonFinding, error) {
	var doc struct {
		Results []struct {
			CheckID string `json:"check_id"`
			Path    string `json:"path"`
			Start   struct {
				Line int `json:"line"`
			} `json:"start"`
			End struct {
				Line int `json:"line"`
			} `json:"end"`
			Extra struct {
				Message  string `json:"message"`
				Severity string `json:"severity"`
				Metadata struct {
					CWE        []string `json:"cwe"`
					OWASP      []string `json:"owasp"`
					References []string `json:"references"`
					Confidence string   `json:"confidence"`
				} `json:"metadata"`
				Fix string `json:"fix"`
			} `json:"extra"`
		} `json:"results"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("semgrep output: %w", err)
	}
	findings := make([]models.CommonFinding, 0, len(doc.Results))
	for _, rec := range doc.Results {
		raw, _ := json.Marshal(rec)
		f := models.CommonFinding{
			Severity:  models.ParseSeverity(rec.Extra.Severity),
			RuleID:    rec.CheckID,
			Tool:      models.ToolInfo{Name: "semgrep"},
			Path:      rec.Path,
			StartLine: rec.Start.Line,
			EndLine:   rec.End.Line,
			Message:   rec.Extra.Message,
			Title:     rec.CheckID,
			References: rec.Extra.Metadata.References,
			Compliance: models.Compliance{
				CWETop25:   rec.Extra.Metadata.CWE,
				OWASPTop10: rec.Extra.Metadata.OWASP,
			},
			Remediation: rec.Extra.Fix,
			Confidence:  qualFromString(rec.Extra.Metadata.Confidence),
			Raw:         raw,
		}
		if f.Message == "" {
			f.Message = rec.CheckID
		}
		f.SealFingerprint()
		findings = append(findings, f)
	}
	return findings, nil
}

func parseTrivy(targetName string, data []byte) ([]models.CommonFinding, error) {
	var doc struct {
		Results []struct {
			Target          string `json:"Target"`
			Vulnerabilities []struct {
				VulnerabilityID  string   `json:"VulnerabilityID"`
				PkgName          string   `json:"PkgName"`
				InstalledVersion string   `json:"InstalledVersion"`
				FixedVersion     string   `json:"FixedVersion"`
				Severity         string   `json:"Severity"`
				Title            string   `json:"Title"`
				Description      string   `json:"Description"`
				References       []string `json:"References"`
				CweIDs           []string `json:"CweIDs"`
				CVSS             map[string]struct {
					V3Score float64 `json:"V3Score"`
				} `json:"CVSS"`
			} `json:"Vulnerabilities"`
			Misconfigurations []struct {
				ID          string   `json:"ID"`
				Title       string   `json:"Title"`
				Description string   `json:"Description"`
				Severity    string   `json:"Severity"`
				Resolution  string   `json:"Resolution"`
				References  []string `json:"References"`
				CauseMetadata struct {
					StartLine int `json:"StartLine"`
					EndLine   int `json:"EndLine"`
				} `json:"CauseMetadata"`
			} `json:"Misconfigurations"`
			Secrets []struct {
				RuleID    string `json:"RuleID"`
				Category  string `json:"Category"`
				Severity  string `json:"Severity"`
				Title     string `json:"Title"`
				StartLine int    `json:"StartLine"`
				EndLine   int    `json:"EndLine"`
			} `json:"Secrets"`
		} `json:"Results"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("trivy output: %w", err)
	}

	var findings []models.CommonFinding
	for _, result := range doc.Results {
		for _, v := range result.Vulnerabilities {
			raw, _ := json.Marshal(v)
			message := v.Title
			if message == "" {
				message = v.Description
			}
			if message == "" {
				message = fmt.Sprintf("%s in %s %s", v.VulnerabilityID, v.PkgName, v.InstalledVersion)
			}
			f := models.CommonFinding{
				Severity:   models.ParseSeverity(v.Severity),
				RuleID:     v.VulnerabilityID,
				Tool:       models.ToolInfo{Name: "trivy"},
				Path:       result.Target,
				Message:    message,
				Title:      v.Title,
				References: v.References,
				Compliance: models.Compliance{CWETop25: v.CweIDs},
				Raw:        raw,
			}
			if v.FixedVersion != "" {
				f.Remediation = fmt.Sprintf("Upgrade %s to %s", v.PkgName, v.FixedVersion)
			}
			f.CVSSScore = bestCVSS(v.CVSS)
			f.SealFingerprint()
			findings = append(findings, f)
		}
		for _, m := range result.Misconfigurations {
			raw, _ := json.Marshal(m)
			f := models.CommonFinding{
				Severity:    models.ParseSeverity(m.Severity),
				RuleID:      m.ID,
				Tool:        models.ToolInfo{Name: "trivy"},
				Path:        result.Target,
				StartLine:   m.CauseMetadata.StartLine,
				EndLine:     m.CauseMetadata.EndLine,
				Message:     firstNonEmpty(m.Title, m.Description, m.ID),
				Title:       m.Title,
				Remediation: m.Resolution,
				References:  m.References,
				Tags:        []string{"misconfiguration"},
				Raw:         raw,
			}
			f.SealFingerprint()
			findings = append(findings, f)
		}
		for _, s := range result.Secrets {
			raw, _ := json.Marshal(s)
			f := models.CommonFinding{
				Severity:  models.ParseSeverity(s.Severity),
				RuleID:    s.RuleID,
				Tool:      models.ToolInfo{Name: "trivy"},
				Path:      result.Target,
				StartLine: s.StartLine,
				EndLine:   s.EndLine,
				Message:   firstNonEmpty(s.Title, s.RuleID),
				Tags:      []string{"secret"},
				Raw:       raw,
			}
			f.SealFingerprint()
			findings = append(findings, f)
		}
	}
	return findings, nil
}

func parseCheckov(targetName string, data []byte) ([]models.CommonFinding, error) {
	type checkovResults struct {
		Results struct {
			FailedChecks []struct {
				CheckID       string `json:"check_id"`
				CheckName     string `json:"check_name"`
				FilePath      string `json:"file_path"`
				FileLineRange []int  `json:"file_line_range"`
				Resource      string `json:"resource"`
				Guideline     string `json:"guideline"`
				Severity      string `json:"severity"`
			} `json:"failed_checks"`
		} `json:"results"`
	}

	// Checkov emits a single object for one framework and a list when
	// several frameworks ran.
	var docs []checkovResults
	if err := json.Unmarshal(data, &docs); err != nil {
		var single checkovResults
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("checkov output: %w", err)
		}
		docs = []checkovResults{single}
	}

	var findings []models.CommonFinding
	for _, doc := range docs {
		for _, check := range doc.Results.FailedChecks {
			raw, _ := json.Marshal(check)
			severity := models.ParseSeverity(check.Severity)
			if check.Severity == "" {
				severity = models.SeverityMedium
			}
			f := models.CommonFinding{
				Severity: severity,
				RuleID:   check.CheckID,
				Tool:     models.ToolInfo{Name: "checkov"},
				Path:     check.FilePath,
				Message:  firstNonEmpty(check.CheckName, check.CheckID),
				Title:    check.CheckName,
				Tags:     []string{"iac"},
				Raw:      raw,
			}
			if len(check.FileLineRange) >= 1 {
				f.StartLine = check.FileLineRange[0]
			}
			if len(check.FileLineRange) >= 2 {
				f.EndLine = check.FileLineRange[1]
			}
			if check.Guideline != "" {
				f.References = []string{check.Guideline}
			}
			f.SealFingerprint()
			findings = append(findings, f)
		}
	}
	return findings, nil
}

func parseHadolint(targetName string, data []byte) ([]models.CommonFinding, error) {
	var recs []struct {
		Line    int    `json:"line"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Level   string `json:"level"`
		File    string `json:"file"`
	}
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("hadolint output: %w", err)
	}
	findings := make([]models.CommonFinding, 0, len(recs))
	for _, rec := range recs {
		raw, _ := json.Marshal(rec)
		severity := models.SeverityInfo
		switch rec.Level {
		case "error":
			severity = models.SeverityHigh
		case "warning":
			severity = models.SeverityMedium
		case "info":
			severity = models.SeverityLow
		}
		f := models.CommonFinding{
			Severity:  severity,
			RuleID:    rec.Code,
			Tool:      models.ToolInfo{Name: "hadolint"},
			Path:      rec.File,
			StartLine: rec.Line,
			Message:   rec.Message,
			Tags:      []string{"dockerfile"},
			Raw:       raw,
		}
		if f.Message == "" {
			f.Message = rec.Code
		}
		f.SealFingerprint()
		findings = append(findings, f)
	}
	return findings, nil
}

func parseBandit(targetName string, data []byte) ([]models.CommonFinding, error) {
	var doc struct {
		Results []struct {
			Filename        string `json:"filename"`
			IssueSeverity   string `json:"issue_severity"`
			IssueConfidence string `json:"issue_confidence"`
			IssueText       string `json:"issue_text"`
			TestID          string `json:"test_id"`
			LineNumber      int    `json:"line_number"`
			MoreInfo        string `json:"more_info"`
			IssueCWE        struct {
				ID int `json:"id"`
			} `json:"issue_cwe"`
		} `json:"results"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("bandit output: %w", err)
	}
	findings := make([]models.CommonFinding, 0, len(doc.Results))
	for _, rec := range doc.Results {
		raw, _ := json.Marshal(rec)
		f := models.CommonFinding{
			Severity:   models.ParseSeverity(rec.IssueSeverity),
			RuleID:     rec.TestID,
			Tool:       models.ToolInfo{Name: "bandit"},
			Path:       rec.Filename,
			StartLine:  rec.LineNumber,
			Message:    rec.IssueText,
			Confidence: qualFromString(rec.IssueConfidence),
			Raw:        raw,
		}
		if rec.MoreInfo != "" {
			f.References = []string{rec.MoreInfo}
		}
		if rec.IssueCWE.ID > 0 {
			f.Compliance.CWETop25 = []string{"CWE-" + strconv.Itoa(rec.IssueCWE.ID)}
		}
		if f.Message == "" {
			f.Message = rec.TestID
		}
		f.SealFingerprint()
		findings = append(findings, f)
	}
	return findings, nil
}

func parseZAP(targetName string, data []byte) ([]models.CommonFinding, error) {
	var doc struct {
		Site []struct {
			Name   string `json:"@name"`
			Alerts []struct {
				PluginID  string `json:"pluginid"`
				Alert     string `json:"alert"`
				RiskCode  string `json:"riskcode"`
				Desc      string `json:"desc"`
				Solution  string `json:"solution"`
				Reference string `json:"reference"`
				CWEID     string `json:"cweid"`
				Instances []struct {
					URI string `json:"uri"`
				} `json:"instances"`
			} `json:"alerts"`
		} `json:"site"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("zap output: %w", err)
	}

	var findings []models.CommonFinding
	for _, site := range doc.Site {
		for _, alert := range site.Alerts {
			raw, _ := json.Marshal(alert)
			severity := models.SeverityInfo
			switch alert.RiskCode {
			case "3":
				severity = models.SeverityHigh
			case "2":
				severity = models.SeverityMedium
			case "1":
				severity = models.SeverityLow
			}
			path := site.Name
			if len(alert.Instances) > 0 {
				path = alert.Instances[0].URI
			}
			f := models.CommonFinding{
				Severity:    severity,
				RuleID:      "zap-" + alert.PluginID,
				Tool:        models.ToolInfo{Name: "zap-baseline"},
				Path:        path,
				Message:     firstNonEmpty(alert.Alert, alert.Desc),
				Title:       alert.Alert,
				Remediation: alert.Solution,
				Tags:        []string{"dast"},
				Raw:         raw,
			}
			if alert.Reference != "" {
				f.References = []string{alert.Reference}
			}
			if alert.CWEID != "" && alert.CWEID != "-1" {
				f.Compliance.CWETop25 = []string{"CWE-" + alert.CWEID}
			}
			f.SealFingerprint()
			findings = append(findings, f)
		}
	}
	return findings, nil
}

func parseKubeBench(targetName string, data []byte) ([]models.CommonFinding, error) {
	var doc struct {
		Controls []struct {
			Text  string `json:"text"`
			Tests []struct {
				Results []struct {
					TestNumber  string `json:"test_number"`
					TestDesc    string `json:"test_desc"`
					Status      string `json:"status"`
					Remediation string `json:"remediation"`
				} `json:"results"`
			} `json:"tests"`
		} `json:"Controls"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("kube-bench output: %w", err)
	}

	var findings []models.CommonFinding
	for _, control := range doc.Controls {
		for _, test := range control.Tests {
			for _, result := range test.Results {
				if result.Status == "PASS" || result.Status == "INFO" {
					continue
				}
				raw, _ := json.Marshal(result)
				severity := models.SeverityMedium
				if result.Status == "WARN" {
					severity = models.SeverityLow
				}
				f := models.CommonFinding{
					Severity:    severity,
					RuleID:      "cis-" + result.TestNumber,
					Tool:        models.ToolInfo{Name: "kube-bench"},
					Path:        targetName,
					Message:     result.TestDesc,
					Remediation: result.Remediation,
					Tags:        []string{"k8s", "cis"},
					Compliance:  models.Compliance{CISControls: []string{result.TestNumber}},
					Raw:         raw,
				}
				if f.Message == "" {
					f.Message = result.TestNumber
				}
				f.SealFingerprint()
				findings = append(findings, f)
			}
		}
	}
	return findings, nil
}

func qualFromString(raw string) models.QualitativeLevel {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "HIGH":
		return models.QualHigh
	case "MEDIUM":
		return models.QualMedium
	case "LOW":
		return models.QualLow
	}
	return ""
}

func bestCVSS(scores map[string]struct {
	V3Score float64 `json:"V3Score"`
}) float64 {
	var best float64
	// Prefer the NVD score when present; otherwise the highest reported.
	if nvd, ok := scores["nvd"]; ok && nvd.V3Score > 0 {
		return nvd.V3Score
	}
	for _, s := range scores {
		if s.V3Score > best {
			best = s.V3Score
		}
	}
	return best
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
