package models

import "encoding/json"

// SchemaVersion is the CommonFinding schema version emitted by this build.
const SchemaVersion = "1.2.0"

// ToolInfo identifies the scanner that produced a finding.
type ToolInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Compliance carries optional framework mappings for a finding. Each slice
// holds control identifiers within the named framework.
type Compliance struct {
	OWASPTop10  []string `json:"owaspTop10_2021,omitempty"`
	CWETop25    []string `json:"cweTop25_2024,omitempty"`
	CISControls []string `json:"cisControlsV8_1,omitempty"`
	NISTCSF     []string `json:"nistCsf2_0,omitempty"`
	PCIDSS      []string `json:"pciDss4_0,omitempty"`
	MITREAttack []string `json:"mitreAttack,omitempty"`
}

// Empty reports whether no framework mapping is set.
func (c Compliance) Empty() bool {
	return len(c.OWASPTop10) == 0 && len(c.CWETop25) == 0 && len(c.CISControls) == 0 &&
		len(c.NISTCSF) == 0 && len(c.PCIDSS) == 0 && len(c.MITREAttack) == 0
}

// CommonFinding is the single normalized record every tool adapter emits.
type CommonFinding struct {
	SchemaVersion string   `json:"schemaVersion"`
	Fingerprint   string   `json:"id"`
	Severity      Severity `json:"severity"`
	RuleID        string   `json:"ruleId"`
	Tool          ToolInfo `json:"tool"`

	Path      string `json:"path"`
	StartLine int    `json:"startLine,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`

	Message     string   `json:"message"`
	Title       string   `json:"title,omitempty"`
	Remediation string   `json:"remediation,omitempty"`
	References  []string `json:"references,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	Compliance Compliance `json:"compliance,omitempty"`

	CVSSScore  float64          `json:"cvssScore,omitempty"`
	Confidence QualitativeLevel `json:"confidence,omitempty"`
	Likelihood QualitativeLevel `json:"likelihood,omitempty"`
	Impact     QualitativeLevel `json:"impact,omitempty"`

	// RelatedFindings lists fingerprints of cross-tool duplicates folded
	// into this representative during clustering.
	RelatedFindings []string `json:"relatedFindings,omitempty"`

	// Raw preserves the original tool record for downstream consumers.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// SealFingerprint computes and assigns the finding's fingerprint from its
// identity fields. Adapters call this once all fields are populated.
func (f *CommonFinding) SealFingerprint() {
	f.SchemaVersion = SchemaVersion
	f.Fingerprint = Fingerprint(f.Tool.Name, f.RuleID, f.Path, f.StartLine, f.Message)
}
