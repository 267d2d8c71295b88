package trends

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jmo-sec/jmo/internal/history"
	"github.com/jmo-sec/jmo/internal/models"
)

// Diff is the fingerprint-set comparison of two scans. New and Unchanged
// carry records from the current scan, Resolved from the baseline.
type Diff struct {
	BaselineID string                  `json:"baseline_id"`
	CurrentID  string                  `json:"current_id"`
	New        []history.FindingRecord `json:"new"`
	Resolved   []history.FindingRecord `json:"resolved"`
	Unchanged  []history.FindingRecord `json:"unchanged"`
}

// NewBySeverity counts the newly introduced findings per severity.
func (d *Diff) NewBySeverity() map[string]int {
	out := map[string]int{}
	for _, f := range d.New {
		out[f.Severity]++
	}
	return out
}

// Compare diffs two stored scans by ID or unique prefix.
func Compare(ctx context.Context, store *history.Store, baselineID, currentID string) (*Diff, error) {
	baseScan, baseFindings, err := store.GetScan(ctx, baselineID)
	if err != nil {
		return nil, fmt.Errorf("baseline scan: %w", err)
	}
	currScan, currFindings, err := store.GetScan(ctx, currentID)
	if err != nil {
		return nil, fmt.Errorf("current scan: %w", err)
	}

	baseSet := map[string]struct{}{}
	for _, f := range baseFindings {
		baseSet[f.Fingerprint] = struct{}{}
	}
	currSet := map[string]struct{}{}
	for _, f := range currFindings {
		currSet[f.Fingerprint] = struct{}{}
	}

	diff := &Diff{BaselineID: baseScan.ID, CurrentID: currScan.ID}
	for _, f := range currFindings {
		if _, existed := baseSet[f.Fingerprint]; existed {
			diff.Unchanged = append(diff.Unchanged, f)
		} else {
			diff.New = append(diff.New, f)
		}
	}
	for _, f := range baseFindings {
		if _, still := currSet[f.Fingerprint]; !still {
			diff.Resolved = append(diff.Resolved, f)
		}
	}
	return diff, nil
}

// CompareDocuments diffs two aggregated findings documents without touching
// the store; used by the file-based diff command.
func CompareDocuments(baseline, current *models.Document) *Diff {
	baseSet := map[string]struct{}{}
	for _, f := range baseline.Findings {
		baseSet[f.Fingerprint] = struct{}{}
	}
	currSet := map[string]struct{}{}
	for _, f := range current.Findings {
		currSet[f.Fingerprint] = struct{}{}
	}

	diff := &Diff{BaselineID: baseline.Meta.ScanID, CurrentID: current.Meta.ScanID}
	for _, f := range current.Findings {
		record := documentRecord(current.Meta.ScanID, f)
		if _, existed := baseSet[f.Fingerprint]; existed {
			diff.Unchanged = append(diff.Unchanged, record)
		} else {
			diff.New = append(diff.New, record)
		}
	}
	for _, f := range baseline.Findings {
		if _, still := currSet[f.Fingerprint]; !still {
			diff.Resolved = append(diff.Resolved, documentRecord(baseline.Meta.ScanID, f))
		}
	}
	return diff
}

func documentRecord(scanID string, f models.CommonFinding) history.FindingRecord {
	return history.FindingRecord{
		ScanID:      scanID,
		Fingerprint: f.Fingerprint,
		Severity:    string(f.Severity),
		RuleID:      f.RuleID,
		Tool:        f.Tool.Name,
		ToolVersion: f.Tool.Version,
		Path:        f.Path,
		StartLine:   f.StartLine,
		EndLine:     f.EndLine,
		Title:       f.Title,
		Message:     f.Message,
		Remediation: f.Remediation,
		Compliance:  f.Compliance,
		CVSSScore:   f.CVSSScore,
		Confidence:  string(f.Confidence),
		Likelihood:  string(f.Likelihood),
		Impact:      string(f.Impact),
	}
}

// Markdown renders the diff as a short report.
func (d *Diff) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Scan diff\n\nBaseline `%s` vs current `%s`\n\n", d.BaselineID, d.CurrentID)
	fmt.Fprintf(&b, "| | Count |\n|---|---|\n| New | %d |\n| Resolved | %d |\n| Unchanged | %d |\n\n",
		len(d.New), len(d.Resolved), len(d.Unchanged))

	writeSection := func(title string, findings []history.FindingRecord) {
		if len(findings) == 0 {
			return
		}
		sorted := append([]history.FindingRecord(nil), findings...)
		sort.Slice(sorted, func(i, j int) bool {
			a, b := sorted[i], sorted[j]
			if ra, rb := models.Severity(a.Severity).Rank(), models.Severity(b.Severity).Rank(); ra != rb {
				return ra > rb
			}
			return a.Path < b.Path
		})
		fmt.Fprintf(&b, "## %s\n\n", title)
		for _, f := range sorted {
			fmt.Fprintf(&b, "- **%s** `%s` %s", f.Severity, f.RuleID, f.Path)
			if f.StartLine > 0 {
				fmt.Fprintf(&b, ":%d", f.StartLine)
			}
			fmt.Fprintf(&b, " (%s)\n", f.Tool)
		}
		b.WriteString("\n")
	}
	writeSection("New findings", d.New)
	writeSection("Resolved findings", d.Resolved)
	return b.String()
}
