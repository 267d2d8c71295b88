package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jmo-sec/jmo/internal/config"
	"github.com/jmo-sec/jmo/internal/gitctx"
	"github.com/jmo-sec/jmo/internal/history"
	"github.com/jmo-sec/jmo/internal/models"
	"github.com/jmo-sec/jmo/internal/normalize"
	"github.com/jmo-sec/jmo/internal/orchestrator"
)

type scanFlags struct {
	repos           []string
	reposDir        string
	targetsFile     string
	images          []string
	imagesFile      string
	terraformState  []string
	cloudformation  []string
	k8sManifests    []string
	urls            []string
	urlsFile        string
	apiSpec         string
	gitlabProjects  []string
	k8sContexts     []string

	resultsDir        string
	tools             []string
	timeout           int
	threads           int
	profileName       string
	allowMissingTools bool

	storeHistory     bool
	dbPath           string
	encryptFindings  bool
	noStoreRaw       bool
	collectMetadata  []string
}

var scanOpts scanFlags

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run security scanners against the configured targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := runScan(cmd)
		return err
	},
}

var ciCmd = &cobra.Command{
	Use:   "ci",
	Short: "Run scan and report in one step",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runScan(cmd)
		if err != nil {
			return err
		}
		return runReport(cmd, cfg, scanOpts.resultsDir)
	},
}

func addScanFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArrayVar(&scanOpts.repos, "repo", nil, "repository path to scan (repeatable)")
	f.StringVar(&scanOpts.reposDir, "repos-dir", "", "directory whose immediate subdirectories are scanned as repos")
	f.StringVar(&scanOpts.targetsFile, "targets", "", "file listing repository paths, one per line")
	f.StringArrayVar(&scanOpts.images, "image", nil, "container image reference (repeatable)")
	f.StringVar(&scanOpts.imagesFile, "images-file", "", "file listing image references, one per line")
	f.StringArrayVar(&scanOpts.terraformState, "terraform-state", nil, "Terraform state or module file")
	f.StringArrayVar(&scanOpts.cloudformation, "cloudformation", nil, "CloudFormation template file")
	f.StringArrayVar(&scanOpts.k8sManifests, "k8s-manifest", nil, "Kubernetes manifest file")
	f.StringArrayVar(&scanOpts.urls, "url", nil, "web target URL (repeatable)")
	f.StringVar(&scanOpts.urlsFile, "urls-file", "", "file listing URLs, one per line")
	f.StringVar(&scanOpts.apiSpec, "api-spec", "", "OpenAPI spec URL to scan as a web target")
	f.StringArrayVar(&scanOpts.gitlabProjects, "gitlab-project", nil, "GitLab project path (repeatable)")
	f.StringArrayVar(&scanOpts.k8sContexts, "k8s-context", nil, "Kubernetes cluster context (repeatable)")

	f.StringVar(&scanOpts.resultsDir, "results-dir", "results", "directory for per-tool artifacts")
	f.StringSliceVar(&scanOpts.tools, "tools", nil, "tools to run (default: all applicable)")
	f.IntVar(&scanOpts.timeout, "timeout", 0, "per-tool timeout in seconds")
	f.IntVar(&scanOpts.threads, "threads", 0, "worker pool size")
	f.StringVar(&scanOpts.profileName, "profile-name", "", "configuration profile (fast, balanced, deep)")
	f.BoolVar(&scanOpts.allowMissingTools, "allow-missing-tools", false, "treat missing scanner binaries as skipped, not failed")

	f.BoolVar(&scanOpts.storeHistory, "store-history", false, "normalize and store this scan in the history database")
	f.StringVar(&scanOpts.dbPath, "db", history.DefaultDBPath, "history database path")
	f.BoolVar(&scanOpts.encryptFindings, "encrypt-findings", false, "require JMO_ENCRYPTION_KEY and encrypt raw findings at rest")
	f.BoolVar(&scanOpts.noStoreRaw, "no-store-raw-findings", false, "drop raw tool records before storing history")
	f.StringSliceVar(&scanOpts.collectMetadata, "collect-metadata", nil, "key=value pairs stored with the scan")
}

func init() {
	addScanFlags(scanCmd)
	addScanFlags(ciCmd)
	addReportFlags(ciCmd)
}

func loadResolvedConfig() (*config.Resolved, error) {
	cfg, err := config.Load(flagConfig, config.Overrides{
		Tools:             scanOpts.tools,
		Threads:           scanOpts.threads,
		Timeout:           scanOpts.timeout,
		Profile:           scanOpts.profileName,
		LogLevel:          flagLogLevel,
		AllowMissingTools: scanOpts.allowMissingTools,
	})
	if err != nil {
		return nil, usageError{err}
	}
	return cfg, nil
}

func runScan(cmd *cobra.Command) (*config.Resolved, error) {
	cfg, err := loadResolvedConfig()
	if err != nil {
		return nil, err
	}
	targets, err := collectTargets()
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, usageError{fmt.Errorf("no scan targets given; see --repo, --image, --url and friends")}
	}
	if scanOpts.encryptFindings && os.Getenv(history.EncryptionKeyEnv) == "" {
		return nil, usageError{fmt.Errorf("--encrypt-findings requires %s to be set", history.EncryptionKeyEnv)}
	}

	if err := orchestrator.EnsureResultsDir(scanOpts.resultsDir); err != nil {
		return nil, err
	}
	orch := orchestrator.New(cfg, scanOpts.resultsDir)
	summary, err := orch.Run(cmd.Context(), targets)
	if err != nil {
		return nil, usageError{err}
	}

	if scanOpts.storeHistory {
		if err := storeScanHistory(cmd, cfg, targets, summary); err != nil {
			return nil, err
		}
	}

	if summary.ExitCode() != 0 {
		return cfg, fmt.Errorf("one or more tools failed; see the log for per-target status")
	}
	return cfg, nil
}

// storeScanHistory normalizes the fresh artifacts and records the scan.
func storeScanHistory(cmd *cobra.Command, cfg *config.Resolved, targets []models.Target, summary *orchestrator.Summary) error {
	pipeline := normalize.NewPipeline(cfg, scanOpts.resultsDir, Version, "")
	doc, err := pipeline.Run(cmd.Context())
	if err != nil {
		return err
	}
	if scanOpts.noStoreRaw {
		for i := range doc.Findings {
			doc.Findings[i].Raw = nil
		}
	}

	store, err := history.Open(cmd.Context(), scanOpts.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	git := detectGitContext(cfg, targets)
	metadata := map[string]string{}
	for _, pair := range scanOpts.collectMetadata {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return usageError{fmt.Errorf("--collect-metadata wants key=value, got %q", pair)}
		}
		metadata[key] = value
	}

	opts := history.StoreOptions{
		Git:        &git,
		Duration:   summary.Duration,
		Targets:    targetIDs(targets),
		TargetType: targetType(targets),
		Metadata:   metadata,
	}
	opts.CIProvider, opts.CIBuildID = detectCI()
	if len(metadata) > 0 {
		opts.Hostname, _ = os.Hostname()
		opts.Username = os.Getenv("USER")
	}

	scanID, err := store.StoreScan(cmd.Context(), doc, opts)
	if err != nil {
		return err
	}
	log.Info().Str("scan_id", scanID).Str("db", scanOpts.dbPath).Msg("Scan recorded in history")
	return nil
}

func targetIDs(targets []models.Target) []string {
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.ID)
	}
	return ids
}

// targetType is the shared target kind, or "mixed" when kinds differ.
func targetType(targets []models.Target) string {
	if len(targets) == 0 {
		return ""
	}
	kind := targets[0].Kind
	for _, t := range targets[1:] {
		if t.Kind != kind {
			return "mixed"
		}
	}
	return string(kind)
}

// detectCI identifies the CI system from its well-known environment
// variables.
func detectCI() (provider, buildID string) {
	switch {
	case os.Getenv("GITHUB_ACTIONS") != "":
		return "github", os.Getenv("GITHUB_RUN_ID")
	case os.Getenv("GITLAB_CI") != "":
		return "gitlab", os.Getenv("CI_PIPELINE_ID")
	case os.Getenv("JENKINS_URL") != "":
		return "jenkins", os.Getenv("BUILD_ID")
	case os.Getenv("CI") != "":
		return "generic", ""
	}
	return "", ""
}

// detectGitContext reads git state from the first repo target.
func detectGitContext(cfg *config.Resolved, targets []models.Target) gitctx.Context {
	for _, t := range targets {
		if t.Kind == models.KindRepo {
			return gitctx.Detect(t.ID, cfg.GitParentDepth)
		}
	}
	return gitctx.Context{}
}

func collectTargets() ([]models.Target, error) {
	var targets []models.Target

	addRepo := func(path string) error {
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			return usageError{fmt.Errorf("repo target %q is not a directory", path)}
		}
		targets = append(targets, models.Target{Kind: models.KindRepo, ID: path})
		return nil
	}

	for _, repo := range scanOpts.repos {
		if err := addRepo(repo); err != nil {
			return nil, err
		}
	}
	if scanOpts.reposDir != "" {
		entries, err := os.ReadDir(scanOpts.reposDir)
		if err != nil {
			return nil, usageError{fmt.Errorf("read --repos-dir: %w", err)}
		}
		for _, entry := range entries {
			if entry.IsDir() {
				targets = append(targets, models.Target{
					Kind: models.KindRepo,
					ID:   filepath.Join(scanOpts.reposDir, entry.Name()),
				})
			}
		}
	}
	if scanOpts.targetsFile != "" {
		lines, err := readLines(scanOpts.targetsFile)
		if err != nil {
			return nil, usageError{err}
		}
		for _, line := range lines {
			if err := addRepo(line); err != nil {
				return nil, err
			}
		}
	}

	for _, image := range scanOpts.images {
		targets = append(targets, models.Target{Kind: models.KindImage, ID: image})
	}
	if scanOpts.imagesFile != "" {
		lines, err := readLines(scanOpts.imagesFile)
		if err != nil {
			return nil, usageError{err}
		}
		for _, line := range lines {
			targets = append(targets, models.Target{Kind: models.KindImage, ID: line})
		}
	}

	for _, group := range [][]string{scanOpts.terraformState, scanOpts.cloudformation, scanOpts.k8sManifests} {
		for _, path := range group {
			if _, err := os.Stat(path); err != nil {
				return nil, usageError{fmt.Errorf("IaC target %q: %w", path, err)}
			}
			targets = append(targets, models.Target{Kind: models.KindIaC, ID: path})
		}
	}

	for _, url := range scanOpts.urls {
		targets = append(targets, models.Target{Kind: models.KindURL, ID: url})
	}
	if scanOpts.urlsFile != "" {
		lines, err := readLines(scanOpts.urlsFile)
		if err != nil {
			return nil, usageError{err}
		}
		for _, line := range lines {
			targets = append(targets, models.Target{Kind: models.KindURL, ID: line})
		}
	}
	if scanOpts.apiSpec != "" {
		targets = append(targets, models.Target{Kind: models.KindURL, ID: scanOpts.apiSpec})
	}

	for _, project := range scanOpts.gitlabProjects {
		targets = append(targets, models.Target{Kind: models.KindGitLab, ID: project})
	}
	for _, cluster := range scanOpts.k8sContexts {
		targets = append(targets, models.Target{Kind: models.KindK8s, ID: cluster})
	}

	return targets, nil
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
