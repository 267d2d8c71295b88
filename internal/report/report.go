// Package report renders the aggregated findings document into the
// configured output formats.
package report

import (
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/jmo-sec/jmo/internal/models"
)

// Formats lists the supported output formats.
var Formats = []string{"json", "md", "yaml", "html", "sarif"}

// Render writes one file per requested format into dir, named
// findings.<ext>. Unknown formats are skipped with a warning.
func Render(doc *models.Document, formats []string, dir string) error {
	if len(formats) == 0 {
		formats = []string{"json"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	for _, format := range formats {
		var (
			data []byte
			err  error
		)
		switch strings.ToLower(format) {
		case "json":
			data, err = json.MarshalIndent(doc, "", "  ")
		case "md":
			data = []byte(Markdown(doc))
		case "yaml", "yml":
			format = "yaml"
			data, err = yaml.Marshal(doc)
		case "html":
			data = []byte(HTML(doc))
		case "sarif":
			data, err = SARIF(doc)
		default:
			log.Warn().Str("format", format).Msg("Unknown report format; skipping")
			continue
		}
		if err != nil {
			return fmt.Errorf("render %s report: %w", format, err)
		}
		path := filepath.Join(dir, "findings."+format)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s report: %w", format, err)
		}
		log.Info().Str("path", path).Msg("Report written")
	}
	return nil
}

// CountAtOrAbove returns the number of findings at or above the threshold.
func CountAtOrAbove(doc *models.Document, threshold models.Severity) int {
	n := 0
	for _, f := range doc.Findings {
		if f.Severity.AtLeast(threshold) {
			n++
		}
	}
	return n
}

// Markdown renders a human-readable summary.
func Markdown(doc *models.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Security findings\n\n")
	fmt.Fprintf(&b, "Scan `%s`, profile `%s`, %d target(s), %d finding(s).\n\n",
		doc.Meta.ScanID, doc.Meta.Profile, doc.Meta.TargetCount, len(doc.Findings))

	counts := map[models.Severity]int{}
	for _, f := range doc.Findings {
		counts[f.Severity]++
	}
	b.WriteString("| Severity | Count |\n|---|---|\n")
	for _, sev := range models.Severities {
		fmt.Fprintf(&b, "| %s | %d |\n", sev, counts[sev])
	}
	b.WriteString("\n")

	if len(doc.Findings) > 0 {
		b.WriteString("| Severity | Rule | Path | Tool |\n|---|---|---|---|\n")
		for _, f := range doc.Findings {
			location := f.Path
			if f.StartLine > 0 {
				location = fmt.Sprintf("%s:%d", f.Path, f.StartLine)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", f.Severity, f.RuleID, location, f.Tool.Name)
		}
		b.WriteString("\n")
	}
	if len(doc.SuppressedIDs) > 0 {
		fmt.Fprintf(&b, "%d finding(s) suppressed by rule.\n", len(doc.SuppressedIDs))
	}
	return b.String()
}

// HTML renders a minimal self-contained page.
func HTML(doc *models.Document) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Security findings</title>\n")
	b.WriteString("<style>body{font-family:sans-serif;margin:2em}table{border-collapse:collapse}" +
		"td,th{border:1px solid #ccc;padding:4px 8px}.CRITICAL{color:#b30000;font-weight:bold}" +
		".HIGH{color:#d9534f}.MEDIUM{color:#f0ad4e}.LOW{color:#5bc0de}.INFO{color:#777}</style></head><body>\n")
	fmt.Fprintf(&b, "<h1>Security findings</h1><p>Scan %s: %d finding(s) across %d target(s).</p>\n",
		html.EscapeString(doc.Meta.ScanID), len(doc.Findings), doc.Meta.TargetCount)
	b.WriteString("<table><tr><th>Severity</th><th>Rule</th><th>Path</th><th>Tool</th><th>Message</th></tr>\n")
	for _, f := range doc.Findings {
		location := f.Path
		if f.StartLine > 0 {
			location = fmt.Sprintf("%s:%d", f.Path, f.StartLine)
		}
		fmt.Fprintf(&b, "<tr><td class=\"%s\">%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			f.Severity, f.Severity, html.EscapeString(f.RuleID), html.EscapeString(location),
			html.EscapeString(f.Tool.Name), html.EscapeString(f.Message))
	}
	b.WriteString("</table></body></html>\n")
	return b.String()
}

// sarifLevel maps severities onto the four SARIF levels.
func sarifLevel(sev models.Severity) string {
	switch sev {
	case models.SeverityCritical, models.SeverityHigh:
		return "error"
	case models.SeverityMedium:
		return "warning"
	case models.SeverityLow:
		return "note"
	default:
		return "none"
	}
}

// SARIF emits a SARIF 2.1.0 log with one run per tool.
func SARIF(doc *models.Document) ([]byte, error) {
	type sarifLocation struct {
		PhysicalLocation struct {
			ArtifactLocation struct {
				URI string `json:"uri"`
			} `json:"artifactLocation"`
			Region *struct {
				StartLine int `json:"startLine"`
			} `json:"region,omitempty"`
		} `json:"physicalLocation"`
	}
	type sarifResult struct {
		RuleID  string `json:"ruleId"`
		Level   string `json:"level"`
		Message struct {
			Text string `json:"text"`
		} `json:"message"`
		Locations   []sarifLocation `json:"locations"`
		Fingerprints map[string]string `json:"fingerprints,omitempty"`
	}
	type sarifRun struct {
		Tool struct {
			Driver struct {
				Name    string `json:"name"`
				Version string `json:"version,omitempty"`
			} `json:"driver"`
		} `json:"tool"`
		Results []sarifResult `json:"results"`
	}

	byTool := map[string][]models.CommonFinding{}
	for _, f := range doc.Findings {
		byTool[f.Tool.Name] = append(byTool[f.Tool.Name], f)
	}
	tools := make([]string, 0, len(byTool))
	for name := range byTool {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	var runs []sarifRun
	for _, name := range tools {
		var run sarifRun
		run.Tool.Driver.Name = name
		run.Results = []sarifResult{}
		for _, f := range byTool[name] {
			var r sarifResult
			r.RuleID = f.RuleID
			r.Level = sarifLevel(f.Severity)
			r.Message.Text = f.Message
			r.Fingerprints = map[string]string{"jmo/v1": f.Fingerprint}
			var loc sarifLocation
			loc.PhysicalLocation.ArtifactLocation.URI = f.Path
			if f.StartLine > 0 {
				loc.PhysicalLocation.Region = &struct {
					StartLine int `json:"startLine"`
				}{StartLine: f.StartLine}
			}
			r.Locations = []sarifLocation{loc}
			run.Results = append(run.Results, r)
		}
		runs = append(runs, run)
	}

	envelope := map[string]any{
		"$schema": "https://json.schemastore.org/sarif-2.1.0.json",
		"version": "2.1.0",
		"runs":    runs,
	}
	return json.MarshalIndent(envelope, "", "  ")
}
