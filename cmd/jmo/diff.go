package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmo-sec/jmo/internal/history"
	"github.com/jmo-sec/jmo/internal/models"
	"github.com/jmo-sec/jmo/internal/trends"
)

var diffOpts struct {
	scans  []string
	db     string
	format string
	output string
}

var diffCmd = &cobra.Command{
	Use:   "diff [baseline.json current.json]",
	Short: "Compare two findings documents or two stored scans",
	Long: `Compares findings by fingerprint. Pass two aggregated findings files,
or use --scan twice to compare scans from the history database.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			diff *trends.Diff
			err  error
		)
		switch {
		case len(diffOpts.scans) == 2:
			var store *history.Store
			store, err = history.Open(cmd.Context(), diffOpts.db)
			if err != nil {
				return err
			}
			defer store.Close()
			diff, err = trends.Compare(cmd.Context(), store, diffOpts.scans[0], diffOpts.scans[1])
		case len(args) == 2:
			diff, err = diffFiles(args[0], args[1])
		default:
			return usageError{fmt.Errorf("give two findings files, or --scan twice")}
		}
		if err != nil {
			return err
		}
		return emitDiff(diff)
	},
}

func init() {
	f := diffCmd.Flags()
	f.StringArrayVar(&diffOpts.scans, "scan", nil, "scan ID or unique prefix (use twice: baseline, current)")
	f.StringVar(&diffOpts.db, "db", history.DefaultDBPath, "history database path")
	f.StringVar(&diffOpts.format, "format", "json", "output format (json, md)")
	f.StringVar(&diffOpts.output, "output", "", "write to file instead of stdout")
}

func diffFiles(baselinePath, currentPath string) (*trends.Diff, error) {
	baseline, err := readDocument(baselinePath)
	if err != nil {
		return nil, err
	}
	current, err := readDocument(currentPath)
	if err != nil {
		return nil, err
	}
	return trends.CompareDocuments(baseline, current), nil
}

func readDocument(path string) (*models.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, usageError{fmt.Errorf("read findings file: %w", err)}
	}
	doc, err := models.DecodeDocument(data)
	if err != nil {
		return nil, usageError{err}
	}
	return doc, nil
}

func emitDiff(diff *trends.Diff) error {
	var rendered []byte
	switch diffOpts.format {
	case "json":
		var err error
		rendered, err = json.MarshalIndent(diff, "", "  ")
		if err != nil {
			return err
		}
	case "md":
		rendered = []byte(diff.Markdown())
	default:
		return usageError{fmt.Errorf("unknown diff format %q", diffOpts.format)}
	}

	if diffOpts.output != "" {
		return os.WriteFile(diffOpts.output, rendered, 0o644)
	}
	fmt.Println(string(rendered))
	return nil
}
