package config

import (
	"runtime"
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
)

const (
	// DefaultProfile is used when neither the config file nor the CLI
	// selects one.
	DefaultProfile = "balanced"

	// DefaultTimeout is the per-tool timeout in seconds.
	DefaultTimeout = 600

	minThreads = 1
	maxThreads = 128
)

// Profiles lists the allowed profile names.
var Profiles = []string{"fast", "balanced", "deep"}

// PerTool holds per-tool overrides.
type PerTool struct {
	Flags   []string `yaml:"flags"`
	Timeout int      `yaml:"timeout"`
}

// ProfileBlock is a named bundle of overrides inside the config file.
type ProfileBlock struct {
	Tools   []string           `yaml:"tools"`
	Threads any                `yaml:"threads"`
	Timeout int                `yaml:"timeout"`
	Include []string           `yaml:"include"`
	Exclude []string           `yaml:"exclude"`
	Retries *int               `yaml:"retries"`
	PerTool map[string]PerTool `yaml:"per_tool"`
}

// FileConfig mirrors the YAML configuration file.
type FileConfig struct {
	Tools          []string                `yaml:"tools"`
	Outputs        []string                `yaml:"outputs"`
	FailOn         string                  `yaml:"fail_on"`
	Threads        any                     `yaml:"threads"`
	Include        []string                `yaml:"include"`
	Exclude        []string                `yaml:"exclude"`
	Timeout        int                     `yaml:"timeout"`
	LogLevel       string                  `yaml:"log_level"`
	DefaultProfile string                  `yaml:"default_profile"`
	Profiles       map[string]ProfileBlock `yaml:"profiles"`
	PerTool        map[string]PerTool      `yaml:"per_tool"`
	Retries        *int                    `yaml:"retries"`
	Profiling      ProfilingConfig         `yaml:"profiling"`
	GitParentDepth int                     `yaml:"git_parent_depth"`
}

// ProfilingConfig carries thread recommendations for the profiling hooks.
type ProfilingConfig struct {
	MinThreads     int `yaml:"min_threads"`
	MaxThreads     int `yaml:"max_threads"`
	DefaultThreads int `yaml:"default_threads"`
}

// Resolved is the effective configuration for one invocation, built once
// and treated as immutable afterwards.
type Resolved struct {
	Tools             []string
	Threads           int
	Timeout           int // seconds
	Include           []string
	Exclude           []string
	Retries           int
	PerTool           map[string]PerTool
	Profile           string
	FailOn            string
	Outputs           []string
	LogLevel          string
	AllowMissingTools bool
	GitParentDepth    int
	Profiling         bool
	ProfilingThreads  ProfilingConfig
}

// ToolTimeout returns the effective timeout in seconds for a tool.
func (r *Resolved) ToolTimeout(tool string) int {
	if pt, ok := r.PerTool[tool]; ok && pt.Timeout > 0 {
		return pt.Timeout
	}
	return r.Timeout
}

// ToolFlags returns extra flags configured for a tool, nil when unset.
func (r *Resolved) ToolFlags(tool string) []string {
	if pt, ok := r.PerTool[tool]; ok {
		return pt.Flags
	}
	return nil
}

// MatchesTarget applies include/exclude glob patterns to a target display
// name. Include patterns, when present, are a whitelist; exclude patterns
// always win.
func (r *Resolved) MatchesTarget(name string) bool {
	for _, pattern := range r.Exclude {
		if wildcard.Match(pattern, name) {
			return false
		}
	}
	if len(r.Include) == 0 {
		return true
	}
	for _, pattern := range r.Include {
		if wildcard.Match(pattern, name) {
			return true
		}
	}
	return false
}

// defaultThreads is the pool size when threads is unset or "auto":
// CPU count clamped to [1, 128].
func defaultThreads() int {
	return clampThreads(runtime.NumCPU())
}

func clampThreads(n int) int {
	if n < minThreads {
		return minThreads
	}
	if n > maxThreads {
		return maxThreads
	}
	return n
}

// ValidProfile reports whether name is one of the allowed profiles.
func ValidProfile(name string) bool {
	for _, p := range Profiles {
		if p == name {
			return true
		}
	}
	return false
}

func normalizeLogLevel(level string) string {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return "debug"
	case "", "INFO":
		return "info"
	case "WARN", "WARNING":
		return "warn"
	case "ERROR":
		return "error"
	default:
		return "info"
	}
}
