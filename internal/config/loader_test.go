package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jmo.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	res, err := Load(filepath.Join(t.TempDir(), "missing.yml"), Overrides{})
	require.NoError(t, err)

	assert.Equal(t, DefaultProfile, res.Profile)
	assert.Equal(t, DefaultTimeout, res.Timeout)
	assert.GreaterOrEqual(t, res.Threads, 1)
	assert.LessOrEqual(t, res.Threads, 128)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, 5, res.GitParentDepth)
}

func TestLoadFileAndProfile(t *testing.T) {
	path := writeConfig(t, `
tools: [trivy, semgrep]
timeout: 120
retries: 2
default_profile: deep
per_tool:
  semgrep:
    flags: ["--max-memory", "2048"]
    timeout: 300
profiles:
  deep:
    tools: [trivy, semgrep, trufflehog]
    timeout: 900
`)
	res, err := Load(path, Overrides{})
	require.NoError(t, err)

	assert.Equal(t, "deep", res.Profile)
	assert.Equal(t, []string{"trivy", "semgrep", "trufflehog"}, res.Tools)
	assert.Equal(t, 900, res.Timeout)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, 300, res.ToolTimeout("semgrep"))
	assert.Equal(t, 900, res.ToolTimeout("trivy"))
	assert.Equal(t, []string{"--max-memory", "2048"}, res.ToolFlags("semgrep"))
}

func TestLoadCLIOverridesBeatFile(t *testing.T) {
	path := writeConfig(t, "timeout: 120\ntools: [trivy]\n")
	res, err := Load(path, Overrides{Timeout: 60, Tools: []string{"semgrep"}, Profile: "fast"})
	require.NoError(t, err)

	assert.Equal(t, 60, res.Timeout)
	assert.Equal(t, []string{"semgrep"}, res.Tools)
	assert.Equal(t, "fast", res.Profile)
}

func TestLoadEnvBeatsCLI(t *testing.T) {
	t.Setenv("JMO_THREADS", "7")
	res, err := Load("", Overrides{Threads: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Threads)
}

func TestLoadInvalidValuesCoerced(t *testing.T) {
	path := writeConfig(t, `
threads: "lots"
timeout: -5
retries: -1
default_profile: bogus
log_level: SHOUTING
`)
	t.Setenv("JMO_THREADS", "nope")
	res, err := Load(path, Overrides{})
	require.NoError(t, err)

	assert.Equal(t, DefaultProfile, res.Profile)
	assert.Equal(t, DefaultTimeout, res.Timeout)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, "info", res.LogLevel)
}

func TestThreadsAuto(t *testing.T) {
	path := writeConfig(t, `threads: auto`)
	res, err := Load(path, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, defaultThreads(), res.Threads)
}

func TestProfilingEnv(t *testing.T) {
	t.Setenv("JMO_PROFILE", "1")
	res, err := Load("", Overrides{})
	require.NoError(t, err)
	assert.True(t, res.Profiling)
}

func TestMatchesTarget(t *testing.T) {
	res := &Resolved{Include: []string{"svc-*"}, Exclude: []string{"svc-legacy"}}
	assert.True(t, res.MatchesTarget("svc-api"))
	assert.False(t, res.MatchesTarget("svc-legacy"))
	assert.False(t, res.MatchesTarget("other"))

	open := &Resolved{}
	assert.True(t, open.MatchesTarget("anything"))
}
