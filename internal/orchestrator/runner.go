package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jmo-sec/jmo/internal/catalog"
	jmoerrors "github.com/jmo-sec/jmo/internal/errors"
	"github.com/jmo-sec/jmo/internal/models"
)

// timeoutExitCode is the synthetic exit code recorded when a tool exceeds
// its timeout.
const timeoutExitCode = 124

const maxBackoff = 3 * time.Second

// execResult captures one subprocess invocation.
type execResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
	Err      error
}

// commandFunc runs argv to completion under ctx. Injected in tests.
type commandFunc func(ctx context.Context, argv []string) execResult

// lookPathFunc reports whether a binary is on PATH. Injected in tests.
type lookPathFunc func(name string) (string, error)

func runCommand(ctx context.Context, argv []string) execResult {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := execResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = timeoutExitCode
		return res
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = err
		}
		return res
	}
	res.ExitCode = 0
	return res
}

// toolOutcome is the per-(target, tool) result aggregated into a job's
// status map.
type toolOutcome struct {
	OK       bool
	Skipped  bool
	Attempts int
}

// runTool executes one (target, tool) pair with retry and backoff. Success
// requires both an OK exit code and the artifact file existing on disk.
func (o *Orchestrator) runTool(ctx context.Context, target models.Target, tool *catalog.Tool, targetDir string) toolOutcome {
	artifact := ArtifactPath(targetDir, tool.Name)
	logger := log.With().Str("tool", tool.Name).Str("target", target.DisplayName()).Logger()

	if tool.PreCheck != nil {
		if err := tool.PreCheck(target); err != nil {
			logger.Debug().Err(err).Msg("Pre-check failed, skipping tool")
			return o.skipTool(tool, artifact)
		}
	}

	if _, err := o.lookPath(tool.Name); err != nil {
		if tool.Name == "trufflehog" && o.containerRuntime() != "" {
			// Local binary missing but the container fallback can serve.
			return o.runTruffleHog(ctx, target, tool, artifact)
		}
		logger.Warn().Err(jmoerrors.ErrToolMissing).Msg("Tool binary not found, skipping")
		return o.skipTool(tool, artifact)
	}

	if tool.Name == "trufflehog" {
		return o.runTruffleHog(ctx, target, tool, artifact)
	}

	maxAttempts := 1 + o.cfg.Retries
	outcome := toolOutcome{}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if o.stopped() {
			break
		}
		outcome.Attempts = attempt

		argv := tool.BuildArgv(target, artifact, o.cfg.ToolFlags(tool.Name))
		res := o.execute(ctx, argv, o.cfg.ToolTimeout(tool.Name))

		var runErr error
		switch {
		case res.TimedOut:
			runErr = jmoerrors.NewScanError(jmoerrors.ErrorTypeTimeout, "run tool", jmoerrors.ErrTimeout).
				WithTool(tool.Name).WithTarget(target.DisplayName()).WithExitCode(res.ExitCode)
			logger.Warn().Err(runErr).Int("attempt", attempt).
				Int("timeout_sec", o.cfg.ToolTimeout(tool.Name)).Msg("Tool timed out")
		case res.Err != nil:
			runErr = jmoerrors.WrapExecutionError("start tool", tool.Name, target.DisplayName(), res.Err)
			logger.Warn().Err(runErr).Int("attempt", attempt).Msg("Tool failed to start")
		case tool.OKExit(res.ExitCode):
			if tool.CaptureStdout {
				if err := os.WriteFile(artifact, res.Stdout, 0o644); err != nil {
					runErr = jmoerrors.WrapExecutionError("write artifact", tool.Name, target.DisplayName(), err)
					logger.Error().Err(runErr).Msg("Failed to write captured stdout")
					break
				}
			}
			if _, err := os.Stat(artifact); err == nil {
				outcome.OK = true
				return outcome
			}
			runErr = jmoerrors.WrapExecutionError("collect artifact", tool.Name, target.DisplayName(),
				fmt.Errorf("artifact %s missing after OK exit", artifact))
			logger.Warn().Err(runErr).Int("attempt", attempt).Msg("Tool exited OK but artifact missing")
		default:
			runErr = jmoerrors.NewScanError(jmoerrors.ErrorTypeExecution, "run tool",
				fmt.Errorf("exit code %d", res.ExitCode)).
				WithTool(tool.Name).WithTarget(target.DisplayName()).WithExitCode(res.ExitCode)
			logger.Warn().
				Err(runErr).
				Int("attempt", attempt).
				Int("exit_code", res.ExitCode).
				Str("stderr", truncate(string(res.Stderr), 500)).
				Msg("Tool failed")
		}

		if attempt == maxAttempts || !jmoerrors.IsRetryableError(runErr) || o.stopped() {
			break
		}
		o.sleep(backoff(attempt))
	}
	return outcome
}

// skipTool handles a tool that cannot run. With allow-missing-tools set, a
// stub artifact is written and the tool reports OK.
func (o *Orchestrator) skipTool(tool *catalog.Tool, artifact string) toolOutcome {
	if !o.cfg.AllowMissingTools {
		return toolOutcome{Skipped: true}
	}
	if err := os.WriteFile(artifact, []byte(tool.StubContent()), 0o644); err != nil {
		log.Error().Err(err).Str("tool", tool.Name).Msg("Failed to write stub artifact")
		return toolOutcome{Skipped: true}
	}
	return toolOutcome{OK: true, Skipped: true}
}

func (o *Orchestrator) execute(ctx context.Context, argv []string, timeoutSec int) execResult {
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()
	return o.runCmd(runCtx, argv)
}

// backoff returns min(1s x attempt, 3s).
func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
