package normalize

import (
	"path"
	"sort"
	"strings"

	"github.com/jmo-sec/jmo/internal/models"
)

// clusterKey identifies findings that describe the same underlying issue
// regardless of which tool reported it.
type clusterKey struct {
	Rule string
	Path string
	Line int
}

func keyFor(f models.CommonFinding) clusterKey {
	return clusterKey{
		Rule: canonicalRule(f.RuleID),
		Path: canonicalPath(f.Path),
		Line: f.StartLine,
	}
}

// canonicalRule folds case so CVE-2024-1234 and cve-2024-1234 cluster
// together across tools.
func canonicalRule(ruleID string) string {
	return strings.ToUpper(strings.TrimSpace(ruleID))
}

func canonicalPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean(p), "./")
}

// Cluster folds cross-tool duplicates. Within a group the representative is
// the highest-severity finding; ties break on lexicographically smallest
// fingerprint so output is deterministic. Folded fingerprints are recorded
// on the representative's RelatedFindings.
func Cluster(findings []models.CommonFinding) []models.CommonFinding {
	groups := make(map[clusterKey][]models.CommonFinding)
	var order []clusterKey
	for _, f := range findings {
		key := keyFor(f)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], f)
	}

	out := make([]models.CommonFinding, 0, len(order))
	for _, key := range order {
		group := groups[key]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}

		rep := group[0]
		for _, candidate := range group[1:] {
			if better(candidate, rep) {
				rep = candidate
			}
		}

		var related []string
		for _, member := range group {
			if member.Fingerprint != rep.Fingerprint {
				related = append(related, member.Fingerprint)
			}
		}
		sort.Strings(related)
		rep.RelatedFindings = related
		out = append(out, rep)
	}
	return out
}

func better(a, b models.CommonFinding) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	return a.Fingerprint < b.Fingerprint
}

// SortFindings orders findings by descending severity, then path, then rule,
// then fingerprint. Stable across runs given the same input set.
func SortFindings(findings []models.CommonFinding) {
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.Fingerprint < b.Fingerprint
	})
}
