// Package orchestrator fans out (target x tool) scan jobs over a bounded
// worker pool, applying per-tool timeout, retry and fallback policies, and
// produces the filesystem layout the normalization pipeline reads.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jmo-sec/jmo/internal/catalog"
	"github.com/jmo-sec/jmo/internal/config"
	"github.com/jmo-sec/jmo/internal/models"
)

// JobResult is the per-target outcome: one status and attempt count per
// tool that was considered for the target.
type JobResult struct {
	TargetName string          `json:"target_name"`
	Statuses   map[string]bool `json:"statuses"`
	Attempts   map[string]int  `json:"attempts"`
}

// Failed reports whether any tool failed for this target.
func (r JobResult) Failed() bool {
	for _, ok := range r.Statuses {
		if !ok {
			return true
		}
	}
	return false
}

// Summary aggregates a whole orchestrator run.
type Summary struct {
	RunID    string      `json:"run_id"`
	Results  []JobResult `json:"results"`
	Duration float64     `json:"duration_seconds"`
	Stopped  bool        `json:"stopped"`
}

// ExitCode is 0 on complete success, 1 if any job reported a tool failure
// not masked by allow-missing-tools.
func (s Summary) ExitCode() int {
	for _, r := range s.Results {
		if r.Failed() {
			return 1
		}
	}
	return 0
}

// Orchestrator executes every applicable (target, tool) pair.
type Orchestrator struct {
	cfg        *config.Resolved
	resultsDir string
	stopFlag   atomic.Bool

	// Injection points for tests.
	lookPath lookPathFunc
	runCmd   commandFunc
	sleep    func(time.Duration)
}

// New creates an orchestrator over a resolved configuration. Tool names
// must already be validated against the catalog.
func New(cfg *config.Resolved, resultsDir string) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		resultsDir: resultsDir,
		lookPath:   exec.LookPath,
		runCmd:     runCommand,
		sleep:      time.Sleep,
	}
}

// Stop sets the cooperative stop flag. In-flight subprocesses complete; no
// new jobs are dispatched. Idempotent.
func (o *Orchestrator) Stop() {
	if !o.stopFlag.Swap(true) {
		log.Warn().Msg("Stop requested; letting in-flight tools finish")
	}
}

func (o *Orchestrator) stopped() bool {
	return o.stopFlag.Load()
}

// Run executes all jobs and returns the run summary. One job per target;
// tools within a job run sequentially in the configured order.
func (o *Orchestrator) Run(ctx context.Context, targets []models.Target) (*Summary, error) {
	tools := o.cfg.Tools
	if len(tools) == 0 {
		tools = catalog.DefaultTools
	}
	if err := catalog.Validate(tools); err != nil {
		return nil, err
	}

	// First interrupt stops dispatch; a second one falls through to the
	// runtime default.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()
	go func() {
		if _, ok := <-sigCh; ok {
			o.Stop()
			signal.Stop(sigCh)
		}
	}()

	var selected []models.Target
	for _, t := range targets {
		if o.cfg.MatchesTarget(t.DisplayName()) {
			selected = append(selected, t)
		} else {
			log.Debug().Str("target", t.DisplayName()).Msg("Target excluded by filters")
		}
	}

	summary := &Summary{RunID: ulid.Make().String()}
	started := time.Now()
	progress := NewProgress(len(selected))

	log.Info().
		Str("run_id", summary.RunID).
		Int("targets", len(selected)).
		Strs("tools", tools).
		Int("threads", o.cfg.Threads).
		Msg("Starting scan")

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.cfg.Threads)

	for _, target := range selected {
		target := target
		group.Go(func() error {
			if o.stopped() {
				return nil
			}
			result, elapsed := o.runJob(groupCtx, target, tools)
			mu.Lock()
			summary.Results = append(summary.Results, result)
			mu.Unlock()
			if result.Failed() {
				elapsed = -elapsed
			}
			progress.Update(target.Kind, target.DisplayName(), elapsed)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	summary.Duration = time.Since(started).Seconds()
	summary.Stopped = o.stopped()
	log.Info().
		Str("run_id", summary.RunID).
		Float64("duration_sec", summary.Duration).
		Int("exit_code", summary.ExitCode()).
		Msg("Scan finished")
	return summary, nil
}

// runJob executes every applicable tool for one target, sequentially in
// tool-list order. The job owns its output directory.
func (o *Orchestrator) runJob(ctx context.Context, target models.Target, tools []string) (JobResult, float64) {
	started := time.Now()
	result := JobResult{
		TargetName: target.DisplayName(),
		Statuses:   map[string]bool{},
		Attempts:   map[string]int{},
	}

	targetDir, err := TargetDir(o.resultsDir, target)
	if err != nil {
		log.Error().Err(err).Str("target", target.DisplayName()).Msg("Cannot resolve target directory")
		return result, time.Since(started).Seconds()
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", targetDir).Msg("Cannot create target directory")
		return result, time.Since(started).Seconds()
	}

	for _, name := range tools {
		if o.stopped() {
			break
		}
		tool, ok := catalog.Get(name)
		if !ok {
			// Validate() runs before dispatch; this indicates a race in
			// registration and is not recoverable.
			log.Error().Str("tool", name).Msg("Tool vanished from catalog")
			result.Statuses[name] = false
			continue
		}
		if !tool.Applicable(target.Kind) {
			continue
		}

		outcome := o.runTool(ctx, target, tool, targetDir)
		result.Statuses[name] = outcome.OK
		result.Attempts[name] = outcome.Attempts
	}

	return result, time.Since(started).Seconds()
}

// EnsureResultsDir creates the results root.
func EnsureResultsDir(resultsDir string) error {
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return fmt.Errorf("create results directory: %w", err)
	}
	return nil
}
