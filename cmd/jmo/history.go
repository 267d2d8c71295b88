package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmo-sec/jmo/internal/gitctx"
	"github.com/jmo-sec/jmo/internal/history"
	"github.com/jmo-sec/jmo/internal/models"
	"github.com/jmo-sec/jmo/internal/trends"
)

var historyOpts struct {
	db     string
	asJSON bool

	branch    string
	limit     int
	sinceDays int
	severity  string
	tool      string
	rule      string
	pathGlob  string

	keep      int
	olderThan int
	dryRun    bool
	force     bool

	exportPath string
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and maintain the scan history database",
}

func init() {
	pf := historyCmd.PersistentFlags()
	pf.StringVar(&historyOpts.db, "db", history.DefaultDBPath, "history database path")
	pf.BoolVar(&historyOpts.asJSON, "json", false, "emit machine-readable JSON")

	historyCmd.AddCommand(historyStoreCmd, historyListCmd, historyShowCmd,
		historyQueryCmd, historyPruneCmd, historyExportCmd, historyStatsCmd,
		historyDiffCmd, historyTrendsCmd, historyOptimizeCmd, historyMigrateCmd,
		historyVerifyCmd, historyRepairCmd)

	historyListCmd.Flags().StringVar(&historyOpts.branch, "branch", "", "only scans from this branch")
	historyListCmd.Flags().IntVar(&historyOpts.limit, "limit", 20, "maximum scans to list")

	qf := historyQueryCmd.Flags()
	qf.StringVar(&historyOpts.severity, "min-severity", "", "minimum severity (CRITICAL..INFO)")
	qf.StringVar(&historyOpts.tool, "tool", "", "filter by tool")
	qf.StringVar(&historyOpts.rule, "rule", "", "filter by rule ID")
	qf.StringVar(&historyOpts.pathGlob, "path", "", "filter by path glob")
	qf.StringVar(&historyOpts.branch, "branch", "", "filter by branch")
	qf.IntVar(&historyOpts.sinceDays, "since", 0, "only scans from the last N days")
	qf.IntVar(&historyOpts.limit, "limit", 100, "maximum findings to return")

	historyPruneCmd.Flags().IntVar(&historyOpts.keep, "keep", 0, "retain only the N newest scans")
	historyPruneCmd.Flags().IntVar(&historyOpts.olderThan, "older-than", 0, "remove scans older than N days")
	historyPruneCmd.Flags().BoolVar(&historyOpts.dryRun, "dry-run", false, "report what would be removed")
	historyPruneCmd.Flags().BoolVar(&historyOpts.force, "force", false, "skip the confirmation prompt")

	historyExportCmd.Flags().StringVar(&historyOpts.exportPath, "output", "history-export.json", "export file path")
	historyTrendsCmd.Flags().StringVar(&historyOpts.branch, "branch", "", "branch to analyze")
	historyTrendsCmd.Flags().IntVar(&historyOpts.sinceDays, "days", 30, "trailing window in days")
	historyRepairCmd.Flags().BoolVar(&historyOpts.force, "force", false, "confirm the rewrite")
}

func openHistory(cmd *cobra.Command) (*history.Store, error) {
	return history.Open(cmd.Context(), historyOpts.db)
}

func emitJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var historyStoreCmd = &cobra.Command{
	Use:   "store <findings.json>",
	Short: "Store an aggregated findings document as a new scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := readDocument(args[0])
		if err != nil {
			return err
		}
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		git := gitctx.Detect(filepath.Dir(args[0]), gitctx.DefaultParentDepth)
		scanID, err := store.StoreScan(cmd.Context(), doc, history.StoreOptions{Git: &git})
		if err != nil {
			return err
		}
		fmt.Println(scanID)
		return nil
	},
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		scans, err := store.ListScans(cmd.Context(), historyOpts.branch, historyOpts.limit)
		if err != nil {
			return err
		}
		if historyOpts.asJSON {
			return emitJSON(scans)
		}
		for _, s := range scans {
			fmt.Printf("%s  %s  branch=%s  findings=%d (C:%d H:%d M:%d L:%d)\n",
				s.ID, time.Unix(s.Timestamp, 0).Format(time.RFC3339), s.Branch,
				s.FindingCount, s.CriticalCount, s.HighCount, s.MediumCount, s.LowCount)
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <scan-id>",
	Short: "Show one scan with its findings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		scan, findings, err := store.GetScan(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if historyOpts.asJSON {
			return emitJSON(map[string]any{"scan": scan, "findings": findings})
		}
		fmt.Printf("Scan %s (%s, branch %s)\n", scan.ID,
			time.Unix(scan.Timestamp, 0).Format(time.RFC3339), scan.Branch)
		for _, f := range findings {
			location := f.Path
			if f.StartLine > 0 {
				location = fmt.Sprintf("%s:%d", f.Path, f.StartLine)
			}
			fmt.Printf("  [%s] %s %s (%s)\n", f.Severity, f.RuleID, location, f.Tool)
		}
		return nil
	},
}

var historyQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search stored findings across scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := history.QueryFilter{
			Tool:      historyOpts.tool,
			RuleID:    historyOpts.rule,
			PathGlob:  historyOpts.pathGlob,
			Branch:    historyOpts.branch,
			SinceDays: historyOpts.sinceDays,
			Limit:     historyOpts.limit,
		}
		if historyOpts.severity != "" {
			sev := models.Severity(strings.ToUpper(historyOpts.severity))
			if !sev.Valid() {
				return usageError{fmt.Errorf("invalid severity %q", historyOpts.severity)}
			}
			filter.MinSeverity = sev
		}

		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		findings, err := store.QueryFindings(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if historyOpts.asJSON {
			return emitJSON(findings)
		}
		for _, f := range findings {
			fmt.Printf("[%s] %s %s:%d (%s, scan %s)\n",
				f.Severity, f.RuleID, f.Path, f.StartLine, f.Tool, f.ScanID)
		}
		return nil
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyOpts.keep <= 0 && historyOpts.olderThan <= 0 {
			return usageError{fmt.Errorf("prune needs --keep or --older-than")}
		}
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if historyOpts.dryRun {
			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("dry run: %d scan(s) present; prune with --keep=%d --older-than=%d would apply\n",
				stats.ScanCount, historyOpts.keep, historyOpts.olderThan)
			return nil
		}
		if !historyOpts.force {
			return usageError{fmt.Errorf("prune is destructive; re-run with --force (or --dry-run)")}
		}

		removed, err := store.Prune(cmd.Context(), historyOpts.keep, historyOpts.olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d scan(s)\n", removed)
		return nil
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump the whole database to a portable JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		export, err := store.ExportAll(cmd.Context())
		if err != nil {
			return err
		}
		if err := history.WriteExport(export, historyOpts.exportPath); err != nil {
			return err
		}
		fmt.Printf("exported %d scan(s) to %s\n", len(export.Scans), historyOpts.exportPath)
		return nil
	},
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the database contents",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if historyOpts.asJSON {
			return emitJSON(stats)
		}
		fmt.Printf("scans: %d, findings: %d, size: %d bytes, schema %s\n",
			stats.ScanCount, stats.FindingCount, stats.FileSizeBytes, stats.SchemaVersion)
		for _, sev := range models.Severities {
			if n := stats.BySeverity[string(sev)]; n > 0 {
				fmt.Printf("  %s: %d\n", sev, n)
			}
		}
		return nil
	},
}

var historyDiffCmd = &cobra.Command{
	Use:   "diff <baseline-id> <current-id>",
	Short: "Diff two stored scans",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		diff, err := trends.Compare(cmd.Context(), store, args[0], args[1])
		if err != nil {
			return err
		}
		if historyOpts.asJSON {
			return emitJSON(diff)
		}
		fmt.Print(diff.Markdown())
		return nil
	},
}

var historyTrendsCmd = &cobra.Command{
	Use:   "trends",
	Short: "Run the trend analysis over stored scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		analysis, err := trends.Analyze(cmd.Context(), store, historyOpts.branch, historyOpts.sinceDays)
		if err != nil {
			return err
		}
		return emitJSON(analysis)
	},
}

var historyOptimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Vacuum and re-analyze the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.Optimize(cmd.Context())
	},
}

var historyMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := store.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		if historyOpts.asJSON {
			return emitJSON(result)
		}
		if len(result.Applied) == 0 {
			fmt.Printf("schema up to date at %s\n", result.Current)
		} else {
			fmt.Printf("applied %s, now at %s\n", strings.Join(result.Applied, ", "), result.Current)
		}
		return nil
	},
}

var historyVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check database integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := store.Verify(cmd.Context())
		if err != nil {
			return err
		}
		if historyOpts.asJSON {
			if err := emitJSON(report); err != nil {
				return err
			}
		} else if report.OK {
			fmt.Printf("ok (%d scan(s), %d finding(s))\n",
				report.Stats.Scans, report.Stats.Findings)
		}
		if !report.OK {
			return fmt.Errorf("integrity check failed: %d issue(s)", len(report.Errors))
		}
		return nil
	},
}

var historyRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Rebuild a damaged database from its readable rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !historyOpts.force {
			return usageError{fmt.Errorf("repair rewrites the database; re-run with --force")}
		}
		result, err := history.Recover(cmd.Context(), historyOpts.db)
		if err != nil {
			return err
		}
		if historyOpts.asJSON {
			return emitJSON(result)
		}
		fmt.Printf("recovered %d scan(s), %d finding(s) in %.1fs; backup at %s\n",
			result.ScansRecovered, result.FindingsRecovered, result.DurationSeconds, result.BackupPath)
		if !result.Verified {
			return fmt.Errorf("recovered database failed verification")
		}
		return nil
	},
}
