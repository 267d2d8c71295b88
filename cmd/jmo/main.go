package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jmo-sec/jmo/internal/logging"
	_ "github.com/jmo-sec/jmo/internal/normalize" // adapters bind to the catalog at init
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	exitOK     = 0
	exitFail   = 1
	exitConfig = 2
)

// usageError marks failures caused by bad arguments or configuration; they
// exit 2 instead of the generic 1.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// thresholdError marks a fail-on threshold trip: a clean run whose findings
// demand a non-zero exit.
type thresholdError struct{ message string }

func (e thresholdError) Error() string { return e.message }

var (
	flagConfig    string
	flagLogLevel  string
	flagHumanLogs bool
	flagLogFile   string
)

var rootCmd = &cobra.Command{
	Use:   "jmo",
	Short: "jmo - security scan orchestration and analytics",
	Long: `jmo runs a suite of security scanners against repos, images, IaC and
web targets, normalizes their output into one findings document, stores
scan history in SQLite, and derives diffs, trends and posture scores.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		format := "auto"
		if flagHumanLogs {
			format = "console"
		}
		logFile := flagLogFile
		if logFile == "" {
			logFile = os.Getenv("JMO_LOG_FILE")
		}
		logging.Init(logging.Config{
			Format:    format,
			Level:     flagLogLevel,
			Component: "jmo",
			FilePath:  logFile,
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("jmo %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to jmo.yml")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().BoolVar(&flagHumanLogs, "human-logs", false, "force human-readable console logs")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "also write logs to this file (JMO_LOG_FILE)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(ciCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(trendsCmd)
	rootCmd.AddCommand(attestCmd)
	rootCmd.AddCommand(verifyCmd)
}

func main() {
	// A .env alongside the working directory seeds JMO_* variables for
	// local runs; absence is not an error.
	_ = godotenv.Load()

	err := rootCmd.Execute()
	logging.Shutdown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var usage usageError
		if errors.As(err, &usage) {
			os.Exit(exitConfig)
		}
		os.Exit(exitFail)
	}
}
