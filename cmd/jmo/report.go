package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmo-sec/jmo/internal/config"
	"github.com/jmo-sec/jmo/internal/models"
	"github.com/jmo-sec/jmo/internal/normalize"
	"github.com/jmo-sec/jmo/internal/report"
)

type reportFlags struct {
	failOn       string
	outputs      []string
	suppressions string
	profile      bool
}

var reportOpts reportFlags

var reportCmd = &cobra.Command{
	Use:   "report [results_dir]",
	Short: "Normalize tool artifacts and write the aggregated reports",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadResolvedConfig()
		if err != nil {
			return err
		}
		resultsDir := "results"
		if len(args) == 1 {
			resultsDir = args[0]
		}
		return runReport(cmd, cfg, resultsDir)
	},
}

func addReportFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&reportOpts.failOn, "fail-on", "", "exit non-zero when findings at or above this severity exist")
	f.StringSliceVar(&reportOpts.outputs, "outputs", nil, "report formats (json, md, yaml, html, sarif)")
	f.StringVar(&reportOpts.suppressions, "suppressions", "", "suppressions file (default: probe well-known locations)")
	f.BoolVar(&reportOpts.profile, "profile", false, "write pipeline timings to timings.json")
}

func init() {
	addReportFlags(reportCmd)
}

func runReport(cmd *cobra.Command, cfg *config.Resolved, resultsDir string) error {
	threshold, err := parseFailOn(cfg)
	if err != nil {
		return err
	}

	pipeline := normalize.NewPipeline(cfg, resultsDir, Version, reportOpts.suppressions)
	if reportOpts.profile {
		pipeline.SetTimingsOutput(filepath.Join(resultsDir, "timings.json"))
	}
	doc, err := pipeline.Run(cmd.Context())
	if err != nil {
		return err
	}

	if err := normalize.WriteDocument(doc, filepath.Join(resultsDir, "findings.json")); err != nil {
		return err
	}
	formats := reportOpts.outputs
	if len(formats) == 0 {
		formats = cfg.Outputs
	}
	// findings.json above is the canonical artifact; skip the duplicate.
	var extra []string
	for _, format := range formats {
		if strings.EqualFold(format, "json") {
			continue
		}
		extra = append(extra, format)
	}
	if len(extra) > 0 {
		if err := report.Render(doc, extra, resultsDir); err != nil {
			return err
		}
	}

	if threshold != "" {
		if n := report.CountAtOrAbove(doc, threshold); n > 0 {
			return thresholdError{fmt.Sprintf("%d finding(s) at or above %s", n, threshold)}
		}
	}
	return nil
}

// parseFailOn resolves the threshold from the flag or config; an invalid
// severity name is a usage error.
func parseFailOn(cfg *config.Resolved) (models.Severity, error) {
	raw := reportOpts.failOn
	if raw == "" {
		raw = cfg.FailOn
	}
	if raw == "" {
		return "", nil
	}
	threshold := models.Severity(strings.ToUpper(strings.TrimSpace(raw)))
	if !threshold.Valid() {
		return "", usageError{fmt.Errorf("invalid --fail-on severity %q", raw)}
	}
	return threshold, nil
}
