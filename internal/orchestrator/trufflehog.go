package orchestrator

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jmo-sec/jmo/internal/catalog"
	"github.com/jmo-sec/jmo/internal/models"
)

// containerFallbackScript is the helper used when the local trufflehog
// binary cannot serve; it wraps the equivalent container invocation.
const containerFallbackScript = "jmo-trufflehog-container.sh"

// runTruffleHog drives the two-phase secret scanner: a scan phase that
// populates an on-disk datastore, then a report phase that emits JSON. The
// scratch datastore lives in a temp directory and is removed on all exit
// paths. If the local binary is unavailable or both phases fail, the runner
// falls back to a container invocation via the helper script when a
// container runtime is present; the fallback counts toward attempts.
func (o *Orchestrator) runTruffleHog(ctx context.Context, target models.Target, tool *catalog.Tool, artifact string) toolOutcome {
	logger := log.With().Str("tool", tool.Name).Str("target", target.DisplayName()).Logger()
	maxAttempts := 1 + o.cfg.Retries
	outcome := toolOutcome{}
	timeout := o.cfg.ToolTimeout(tool.Name)

	_, localErr := o.lookPath(tool.Name)
	localAvailable := localErr == nil

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if o.stopped() {
			break
		}
		outcome.Attempts = attempt

		var ok bool
		if localAvailable {
			ok = o.truffleHogLocal(ctx, target, artifact, timeout, logger)
		}
		if !ok {
			if o.containerRuntime() != "" {
				ok = o.truffleHogContainer(ctx, target, artifact, timeout, logger)
			} else if !localAvailable {
				logger.Warn().Msg("trufflehog unavailable locally and no container runtime found")
				break
			}
		}

		if ok {
			if _, err := os.Stat(artifact); err == nil {
				outcome.OK = true
				return outcome
			}
			logger.Warn().Int("attempt", attempt).Msg("trufflehog reported OK but artifact missing")
		}

		if attempt < maxAttempts && !o.stopped() {
			o.sleep(backoff(attempt))
		}
	}
	return outcome
}

// truffleHogLocal runs the scan phase against a scratch datastore, then the
// report phase capturing JSON lines to the artifact path.
func (o *Orchestrator) truffleHogLocal(ctx context.Context, target models.Target, artifact string, timeoutSec int, logger zerolog.Logger) bool {
	datastore, err := os.MkdirTemp("", "jmo-trufflehog-*")
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create scratch datastore")
		return false
	}
	defer func() {
		if rmErr := os.RemoveAll(datastore); rmErr != nil {
			logger.Warn().Err(rmErr).Str("dir", datastore).Msg("Failed to remove scratch datastore")
		}
	}()

	scanArgv := []string{
		"trufflehog", "filesystem", target.ID,
		"--json", "--no-update",
		"--datastore", datastore,
	}
	scanRes := o.execute(ctx, scanArgv, timeoutSec)
	if scanRes.TimedOut || scanRes.Err != nil || !okTruffleHogExit(scanRes.ExitCode) {
		logger.Warn().Int("exit_code", scanRes.ExitCode).Bool("timed_out", scanRes.TimedOut).Msg("trufflehog scan phase failed")
		return false
	}

	reportArgv := []string{
		"trufflehog", "report",
		"--format", "json",
		"--datastore", datastore,
	}
	reportRes := o.execute(ctx, reportArgv, timeoutSec)
	if reportRes.TimedOut || reportRes.Err != nil || !okTruffleHogExit(reportRes.ExitCode) {
		logger.Warn().Int("exit_code", reportRes.ExitCode).Bool("timed_out", reportRes.TimedOut).Msg("trufflehog report phase failed")
		return false
	}

	// The report phase may emit nothing; combine it with the scan phase
	// output so verified-findings JSONL is never lost.
	payload := reportRes.Stdout
	if len(payload) == 0 {
		payload = scanRes.Stdout
	}
	if err := os.WriteFile(artifact, payload, 0o644); err != nil {
		logger.Error().Err(err).Msg("Failed to write trufflehog artifact")
		return false
	}
	return true
}

// truffleHogContainer invokes the helper script that runs the scanner in a
// container. Output JSONL is captured to the artifact path.
func (o *Orchestrator) truffleHogContainer(ctx context.Context, target models.Target, artifact string, timeoutSec int, logger zerolog.Logger) bool {
	runtime := o.containerRuntime()
	argv := []string{containerFallbackScript, runtime, target.ID}
	res := o.execute(ctx, argv, timeoutSec)
	if res.TimedOut || res.Err != nil || !okTruffleHogExit(res.ExitCode) {
		logger.Warn().Int("exit_code", res.ExitCode).Bool("timed_out", res.TimedOut).Msg("trufflehog container fallback failed")
		return false
	}
	if err := os.WriteFile(artifact, res.Stdout, 0o644); err != nil {
		logger.Error().Err(err).Msg("Failed to write trufflehog artifact")
		return false
	}
	return true
}

func okTruffleHogExit(code int) bool {
	// 183 is the "findings present" exit used by recent releases.
	return code == 0 || code == 1 || code == 183
}

// containerRuntime returns the first available container runtime binary, or
// empty when none is installed.
func (o *Orchestrator) containerRuntime() string {
	for _, candidate := range []string{"docker", "podman"} {
		if _, err := o.lookPath(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
