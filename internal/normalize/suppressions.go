package normalize

import (
	"fmt"
	"os"
	"path/filepath"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"gopkg.in/yaml.v3"

	"github.com/jmo-sec/jmo/internal/models"
)

// SuppressionRule silences findings matching every field the rule sets.
// Unset fields match anything; path supports glob patterns.
type SuppressionRule struct {
	Tool        string `yaml:"tool"`
	RuleID      string `yaml:"rule_id"`
	Path        string `yaml:"path"`
	Fingerprint string `yaml:"fingerprint"`
	Reason      string `yaml:"reason"`
}

// Suppressions is the loaded rule set.
type Suppressions struct {
	Rules []SuppressionRule `yaml:"suppressions"`
}

// suppressionsCandidates are checked in order relative to the results
// directory, then the working directory.
var suppressionsCandidates = []string{"suppressions.yml", "suppressions.yaml"}

// LoadSuppressions reads a rule file. An explicit path that does not exist
// is an error; with an empty path the well-known locations are probed and
// absence yields an empty rule set.
func LoadSuppressions(path, resultsDir string) (*Suppressions, error) {
	if path == "" {
		for _, dir := range []string{resultsDir, "."} {
			for _, name := range suppressionsCandidates {
				candidate := filepath.Join(dir, name)
				if _, err := os.Stat(candidate); err == nil {
					path = candidate
					break
				}
			}
			if path != "" {
				break
			}
		}
	}
	if path == "" {
		return &Suppressions{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suppressions file: %w", err)
	}
	var s Suppressions
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse suppressions file %s: %w", path, err)
	}
	return &s, nil
}

// Matches reports whether the rule applies to the finding. A rule with no
// fields set matches nothing.
func (r SuppressionRule) Matches(f models.CommonFinding) bool {
	if r.Tool == "" && r.RuleID == "" && r.Path == "" && r.Fingerprint == "" {
		return false
	}
	if r.Tool != "" && r.Tool != f.Tool.Name {
		return false
	}
	if r.RuleID != "" && r.RuleID != f.RuleID {
		return false
	}
	if r.Path != "" && !wildcard.Match(r.Path, f.Path) {
		return false
	}
	if r.Fingerprint != "" && r.Fingerprint != f.Fingerprint {
		return false
	}
	return true
}

// Apply partitions findings into kept records and the fingerprints of
// suppressed ones.
func (s *Suppressions) Apply(findings []models.CommonFinding) ([]models.CommonFinding, []string) {
	if len(s.Rules) == 0 {
		return findings, nil
	}
	kept := make([]models.CommonFinding, 0, len(findings))
	var suppressed []string
	for _, f := range findings {
		matched := false
		for _, rule := range s.Rules {
			if rule.Matches(f) {
				matched = true
				break
			}
		}
		if matched {
			suppressed = append(suppressed, f.Fingerprint)
		} else {
			kept = append(kept, f)
		}
	}
	return kept, suppressed
}
