package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmo-sec/jmo/internal/history"
	"github.com/jmo-sec/jmo/internal/trends"
)

var trendsOpts struct {
	db     string
	branch string
	days   int
	asJSON bool

	exportJSON string
	exportCSV  string
	exportProm string
	grafana    string

	repo  string
	scan  string
	teams []string
}

var trendsCmd = &cobra.Command{
	Use:   "trends",
	Short: "Analyze finding trends across stored scans",
}

func init() {
	pf := trendsCmd.PersistentFlags()
	pf.StringVar(&trendsOpts.db, "db", history.DefaultDBPath, "history database path")
	pf.StringVar(&trendsOpts.branch, "branch", "", "branch to analyze (default: all branches)")
	pf.IntVar(&trendsOpts.days, "days", 30, "trailing window in days")
	pf.BoolVar(&trendsOpts.asJSON, "json", false, "emit machine-readable JSON")

	trendsCmd.AddCommand(trendsAnalyzeCmd, trendsShowCmd, trendsRegressionsCmd,
		trendsScoreCmd, trendsCompareCmd, trendsInsightsCmd, trendsExplainCmd,
		trendsDevelopersCmd)

	af := trendsAnalyzeCmd.Flags()
	af.StringVar(&trendsOpts.exportJSON, "export-json", "", "write the dashboard JSON to a file")
	af.StringVar(&trendsOpts.exportCSV, "export-csv", "", "write the time series as CSV")
	af.StringVar(&trendsOpts.exportProm, "export-prometheus", "", "write Prometheus text exposition")
	af.StringVar(&trendsOpts.grafana, "export-grafana", "", "write a Grafana dashboard definition")

	df := trendsDevelopersCmd.Flags()
	df.StringVar(&trendsOpts.repo, "repo", ".", "repository to run git blame in")
	df.StringVar(&trendsOpts.scan, "scan", "", "scan ID or unique prefix (default: newest)")
	df.StringSliceVar(&trendsOpts.teams, "team", nil, "author=team mapping (repeatable)")
}

func runAnalysis(cmd *cobra.Command) (*trends.Analysis, error) {
	store, err := history.Open(cmd.Context(), trendsOpts.db)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return trends.Analyze(cmd.Context(), store, trendsOpts.branch, trendsOpts.days)
}

var trendsAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the full trend analysis, optionally exporting artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		analysis, err := runAnalysis(cmd)
		if err != nil {
			return err
		}
		if err := writeExports(analysis); err != nil {
			return err
		}
		if trendsOpts.asJSON {
			return emitJSON(analysis)
		}
		printAnalysisSummary(analysis)
		return nil
	},
}

func writeExports(analysis *trends.Analysis) error {
	if trendsOpts.exportJSON != "" {
		if err := writeJSONFile(trends.BuildDashboard(analysis), trendsOpts.exportJSON); err != nil {
			return err
		}
	}
	if trendsOpts.exportCSV != "" {
		f, err := os.Create(trendsOpts.exportCSV)
		if err != nil {
			return err
		}
		err = trends.WriteCSV(analysis, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	if trendsOpts.exportProm != "" {
		text, err := trends.PrometheusText(analysis)
		if err != nil {
			return err
		}
		if err := os.WriteFile(trendsOpts.exportProm, []byte(text), 0o644); err != nil {
			return err
		}
	}
	if trendsOpts.grafana != "" {
		data, err := trends.GrafanaDashboard(analysis)
		if err != nil {
			return err
		}
		if err := os.WriteFile(trendsOpts.grafana, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func printAnalysisSummary(a *trends.Analysis) {
	fmt.Printf("Trend analysis: %d scan(s) over %d day(s)", a.ScanCount, a.Days)
	if a.Branch != "" {
		fmt.Printf(" on %s", a.Branch)
	}
	fmt.Println()
	fmt.Printf("  direction: %s (total change %+d)\n", a.Direction, a.TotalChange)
	fmt.Printf("  score: %.1f (%s)\n", a.Score, a.Grade)
	if len(a.Regressions) > 0 {
		fmt.Printf("  regressions: %d\n", len(a.Regressions))
	}
	for _, insight := range a.Insights {
		fmt.Printf("  %s %s\n", insight.Icon, insight.Message)
	}
}

var trendsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the compact dashboard document",
	RunE: func(cmd *cobra.Command, args []string) error {
		analysis, err := runAnalysis(cmd)
		if err != nil {
			return err
		}
		return emitJSON(trends.BuildDashboard(analysis))
	},
}

var trendsRegressionsCmd = &cobra.Command{
	Use:   "regressions",
	Short: "List adverse changes between the two most recent scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		analysis, err := runAnalysis(cmd)
		if err != nil {
			return err
		}
		if trendsOpts.asJSON {
			return emitJSON(analysis.Regressions)
		}
		if len(analysis.Regressions) == 0 {
			fmt.Println("no regressions")
			return nil
		}
		for _, r := range analysis.Regressions {
			fmt.Printf("[%s] %s (%g -> %g)\n", r.Severity, r.Message, r.PreviousValue, r.CurrentValue)
		}
		return nil
	},
}

var trendsScoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Print the current security score and grade",
	RunE: func(cmd *cobra.Command, args []string) error {
		analysis, err := runAnalysis(cmd)
		if err != nil {
			return err
		}
		if trendsOpts.asJSON {
			return emitJSON(map[string]any{
				"security_score": analysis.Score,
				"score_grade":    analysis.Grade,
				"direction":      analysis.Direction,
			})
		}
		fmt.Printf("%.1f (%s), %s\n", analysis.Score, analysis.Grade, analysis.Direction)
		return nil
	},
}

var trendsCompareCmd = &cobra.Command{
	Use:   "compare <baseline-id> <current-id>",
	Short: "Diff two stored scans by fingerprint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := history.Open(cmd.Context(), trendsOpts.db)
		if err != nil {
			return err
		}
		defer store.Close()

		diff, err := trends.Compare(cmd.Context(), store, args[0], args[1])
		if err != nil {
			return err
		}
		if trendsOpts.asJSON {
			return emitJSON(diff)
		}
		fmt.Print(diff.Markdown())
		return nil
	},
}

var trendsInsightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Print prioritized observations about the trend window",
	RunE: func(cmd *cobra.Command, args []string) error {
		analysis, err := runAnalysis(cmd)
		if err != nil {
			return err
		}
		if trendsOpts.asJSON {
			return emitJSON(analysis.Insights)
		}
		for _, insight := range analysis.Insights {
			fmt.Printf("%s [%s] %s\n", insight.Icon, insight.Severity, insight.Message)
			if insight.RecommendedAction != "" {
				fmt.Printf("   -> %s\n", insight.RecommendedAction)
			}
		}
		return nil
	},
}

var trendsExplainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Show the statistics behind the trend classification",
	RunE: func(cmd *cobra.Command, args []string) error {
		analysis, err := runAnalysis(cmd)
		if err != nil {
			return err
		}
		if trendsOpts.asJSON {
			return emitJSON(map[string]any{
				"total_trend": analysis.TotalTrend,
				"score_trend": analysis.ScoreTrend,
				"direction":   analysis.Direction,
			})
		}
		fmt.Printf("Mann-Kendall over %d scan(s):\n", analysis.ScanCount)
		printTrendResult("total findings", analysis.TotalTrend)
		printTrendResult("security score", analysis.ScoreTrend)
		fmt.Printf("direction: %s\n", analysis.Direction)
		return nil
	},
}

func printTrendResult(label string, r trends.TrendResult) {
	fmt.Printf("  %s: %s (S=%d, Z=%.3f, p=%.4f, significant=%t)\n",
		label, r.Trend, r.S, r.Z, r.PValue, r.Significant)
}

var trendsDevelopersCmd = &cobra.Command{
	Use:   "developers",
	Short: "Attribute findings to authors via git blame",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := history.Open(cmd.Context(), trendsOpts.db)
		if err != nil {
			return err
		}
		defer store.Close()

		scanID := trendsOpts.scan
		if scanID == "" {
			scans, err := store.ListScans(cmd.Context(), trendsOpts.branch, 1)
			if err != nil {
				return err
			}
			if len(scans) == 0 {
				return fmt.Errorf("no scans in history")
			}
			scanID = scans[0].ID
		}
		_, findings, err := store.GetScan(cmd.Context(), scanID)
		if err != nil {
			return err
		}

		teams := map[string]string{}
		for _, pair := range trendsOpts.teams {
			author, team, ok := strings.Cut(pair, "=")
			if !ok {
				return usageError{fmt.Errorf("invalid --team %q, want author=team", pair)}
			}
			teams[author] = team
		}

		attribution := trends.AttributeFindings(trendsOpts.repo, findings, teams)
		if trendsOpts.asJSON {
			return emitJSON(attribution)
		}
		for _, ac := range attribution.ByAuthor {
			fmt.Printf("%4d  %s\n", ac.Count, ac.Author)
		}
		if attribution.Unattributed > 0 {
			fmt.Printf("%4d  (unattributed)\n", attribution.Unattributed)
		}
		return nil
	},
}

func writeJSONFile(v any, path string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
