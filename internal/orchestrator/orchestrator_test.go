package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmo-sec/jmo/internal/config"
	"github.com/jmo-sec/jmo/internal/models"
)

func newTestOrchestrator(t *testing.T, cfg *config.Resolved) (*Orchestrator, string) {
	t.Helper()
	resultsDir := t.TempDir()
	if cfg.Threads == 0 {
		cfg.Threads = 2
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30
	}
	if cfg.PerTool == nil {
		cfg.PerTool = map[string]config.PerTool{}
	}
	o := New(cfg, resultsDir)
	o.sleep = func(time.Duration) {}
	return o, resultsDir
}

func TestRunCaptureStdoutToolSucceeds(t *testing.T) {
	o, resultsDir := newTestOrchestrator(t, &config.Resolved{Tools: []string{"checkov"}})
	o.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	o.runCmd = func(ctx context.Context, argv []string) execResult {
		return execResult{ExitCode: 1, Stdout: []byte(`{"results": {"failed_checks": []}}`)}
	}

	summary, err := o.Run(context.Background(), []models.Target{{Kind: models.KindRepo, ID: "/src/app", Name: "app"}})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)

	result := summary.Results[0]
	assert.Equal(t, "app", result.TargetName)
	assert.True(t, result.Statuses["checkov"])
	assert.Equal(t, 1, result.Attempts["checkov"])
	assert.Equal(t, 0, summary.ExitCode())

	artifact := filepath.Join(resultsDir, "individual-repos", "app", "checkov.json")
	data, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.JSONEq(t, `{"results": {"failed_checks": []}}`, string(data))
}

func TestRunRetriesThenFails(t *testing.T) {
	o, _ := newTestOrchestrator(t, &config.Resolved{Tools: []string{"checkov"}, Retries: 2})
	o.lookPath = func(name string) (string, error) { return name, nil }

	var calls int
	var mu sync.Mutex
	o.runCmd = func(ctx context.Context, argv []string) execResult {
		mu.Lock()
		calls++
		mu.Unlock()
		return execResult{ExitCode: 2, Stderr: []byte("boom")}
	}

	summary, err := o.Run(context.Background(), []models.Target{{Kind: models.KindRepo, ID: "/src/app", Name: "app"}})
	require.NoError(t, err)

	result := summary.Results[0]
	assert.False(t, result.Statuses["checkov"])
	assert.Equal(t, 3, result.Attempts["checkov"])
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, summary.ExitCode())
}

func TestRunTimeoutIsFailure(t *testing.T) {
	o, _ := newTestOrchestrator(t, &config.Resolved{Tools: []string{"checkov"}})
	o.lookPath = func(name string) (string, error) { return name, nil }
	o.runCmd = func(ctx context.Context, argv []string) execResult {
		return execResult{ExitCode: timeoutExitCode, TimedOut: true}
	}

	summary, err := o.Run(context.Background(), []models.Target{{Kind: models.KindRepo, ID: "/src/app", Name: "app"}})
	require.NoError(t, err)
	assert.False(t, summary.Results[0].Statuses["checkov"])
	assert.Equal(t, 1, summary.ExitCode())
}

func TestRunTimeoutRetries(t *testing.T) {
	o, _ := newTestOrchestrator(t, &config.Resolved{Tools: []string{"checkov"}, Retries: 2})
	o.lookPath = func(name string) (string, error) { return name, nil }

	var calls int
	var mu sync.Mutex
	o.runCmd = func(ctx context.Context, argv []string) execResult {
		mu.Lock()
		calls++
		mu.Unlock()
		return execResult{ExitCode: timeoutExitCode, TimedOut: true}
	}

	summary, err := o.Run(context.Background(), []models.Target{{Kind: models.KindRepo, ID: "/src/app", Name: "app"}})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Results[0].Attempts["checkov"])
	assert.Equal(t, 3, calls)
}

func TestMissingToolAllowedWritesStub(t *testing.T) {
	o, resultsDir := newTestOrchestrator(t, &config.Resolved{Tools: []string{"semgrep"}, AllowMissingTools: true})
	o.lookPath = func(name string) (string, error) { return "", errors.New("not found") }
	o.runCmd = func(ctx context.Context, argv []string) execResult {
		t.Fatal("no subprocess should run for a missing tool")
		return execResult{}
	}

	summary, err := o.Run(context.Background(), []models.Target{{Kind: models.KindRepo, ID: "/src/app", Name: "app"}})
	require.NoError(t, err)
	assert.True(t, summary.Results[0].Statuses["semgrep"])
	assert.Equal(t, 0, summary.ExitCode())

	stub := filepath.Join(resultsDir, "individual-repos", "app", "semgrep.json")
	data, err := os.ReadFile(stub)
	require.NoError(t, err)
	assert.JSONEq(t, `{"results": [], "errors": []}`, string(data))
}

func TestMissingToolNotAllowedFails(t *testing.T) {
	o, _ := newTestOrchestrator(t, &config.Resolved{Tools: []string{"semgrep"}})
	o.lookPath = func(name string) (string, error) { return "", errors.New("not found") }

	summary, err := o.Run(context.Background(), []models.Target{{Kind: models.KindRepo, ID: "/src/app", Name: "app"}})
	require.NoError(t, err)
	assert.False(t, summary.Results[0].Statuses["semgrep"])
	assert.Equal(t, 1, summary.ExitCode())
}

func TestStopPreventsNewJobs(t *testing.T) {
	o, _ := newTestOrchestrator(t, &config.Resolved{Tools: []string{"checkov"}, Threads: 1})
	o.lookPath = func(name string) (string, error) { return name, nil }
	o.runCmd = func(ctx context.Context, argv []string) execResult {
		return execResult{ExitCode: 0, Stdout: []byte("{}")}
	}
	o.Stop()

	summary, err := o.Run(context.Background(), []models.Target{
		{Kind: models.KindRepo, ID: "/a", Name: "a"},
		{Kind: models.KindRepo, ID: "/b", Name: "b"},
	})
	require.NoError(t, err)
	assert.True(t, summary.Stopped)
	assert.Empty(t, summary.Results)
	assert.Equal(t, 0, summary.ExitCode())
}

func TestIncludeExcludeFilters(t *testing.T) {
	o, _ := newTestOrchestrator(t, &config.Resolved{Tools: []string{"checkov"}, Exclude: []string{"legacy-*"}})
	o.lookPath = func(name string) (string, error) { return name, nil }
	o.runCmd = func(ctx context.Context, argv []string) execResult {
		return execResult{ExitCode: 0, Stdout: []byte("{}")}
	}

	summary, err := o.Run(context.Background(), []models.Target{
		{Kind: models.KindRepo, ID: "/a", Name: "svc-api"},
		{Kind: models.KindRepo, ID: "/b", Name: "legacy-app"},
	})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "svc-api", summary.Results[0].TargetName)
}

func TestUnknownToolRejectedBeforeDispatch(t *testing.T) {
	o, _ := newTestOrchestrator(t, &config.Resolved{Tools: []string{"no-such-tool"}})
	_, err := o.Run(context.Background(), []models.Target{{Kind: models.KindRepo, ID: "/a", Name: "a"}})
	assert.Error(t, err)
}

func TestInapplicableToolSkippedSilently(t *testing.T) {
	// semgrep only handles repos; an image target must not record it.
	o, _ := newTestOrchestrator(t, &config.Resolved{Tools: []string{"semgrep", "trivy"}})
	o.lookPath = func(name string) (string, error) { return name, nil }
	o.runCmd = func(ctx context.Context, argv []string) execResult {
		return execResult{ExitCode: 0, Stdout: []byte("{}")}
	}

	// trivy writes to its output path itself; simulate that.
	o.runCmd = func(ctx context.Context, argv []string) execResult {
		for i, a := range argv {
			if a == "--output" && i+1 < len(argv) {
				_ = os.WriteFile(argv[i+1], []byte(`{"Results": []}`), 0o644)
			}
		}
		return execResult{ExitCode: 0}
	}

	summary, err := o.Run(context.Background(), []models.Target{{Kind: models.KindImage, ID: "alpine:3.19"}})
	require.NoError(t, err)

	result := summary.Results[0]
	_, semgrepRan := result.Statuses["semgrep"]
	assert.False(t, semgrepRan)
	assert.True(t, result.Statuses["trivy"])
}

func TestBackoffCap(t *testing.T) {
	assert.Equal(t, time.Second, backoff(1))
	assert.Equal(t, 2*time.Second, backoff(2))
	assert.Equal(t, 3*time.Second, backoff(3))
	assert.Equal(t, 3*time.Second, backoff(10))
}

func TestTargetDirLayout(t *testing.T) {
	dir, err := TargetDir("/res", models.Target{Kind: models.KindURL, ID: "https://example.com/app"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/res", "individual-web", "https___example.com_app"), dir)

	_, err = TargetDir("/res", models.Target{Kind: models.TargetKind("bogus"), ID: "x"})
	assert.Error(t, err)
}

func TestDetectTargetKind(t *testing.T) {
	resultsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(resultsDir, "individual-images", "alpine"), 0o755))
	assert.Equal(t, models.KindImage, DetectTargetKind(resultsDir))

	require.NoError(t, os.MkdirAll(filepath.Join(resultsDir, "individual-repos", "app"), 0o755))
	assert.Equal(t, models.KindRepo, DetectTargetKind(resultsDir))

	assert.Equal(t, models.KindRepo, DetectTargetKind(t.TempDir()))
}

func TestProgressETA(t *testing.T) {
	p := NewProgress(4)
	p.Update(models.KindRepo, "a", 2.0)
	completed, total := p.Snapshot()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 4, total)

	p.mu.Lock()
	eta := p.etaLocked()
	p.mu.Unlock()
	assert.InDelta(t, 6.0, eta, 0.001)
}
