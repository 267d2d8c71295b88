package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const envPrefix = "JMO_"

// Overrides carries CLI-level settings that take precedence over the
// config file but below environment variables.
type Overrides struct {
	Tools             []string
	Threads           int
	Timeout           int
	Profile           string
	FailOn            string
	LogLevel          string
	AllowMissingTools bool
}

// Load resolves the effective configuration by layering, lowest to highest
// precedence: built-in defaults, the YAML config file, the selected profile
// block within it, CLI overrides, environment variables. Invalid values in
// any layer are coerced to defaults rather than aborting the load.
func Load(configPath string, ov Overrides) (*Resolved, error) {
	res := &Resolved{
		Threads:        defaultThreads(),
		Timeout:        DefaultTimeout,
		Retries:        0,
		Profile:        DefaultProfile,
		LogLevel:       "info",
		PerTool:        map[string]PerTool{},
		GitParentDepth: 5,
	}

	file := loadFile(configPath)
	if file != nil {
		applyFile(res, file)
	}

	// Profile selection: CLI beats file default, env beats CLI.
	profile := res.Profile
	if ov.Profile != "" {
		profile = ov.Profile
	}
	if env := strings.TrimSpace(os.Getenv(envPrefix + "PROFILE_NAME")); env != "" {
		profile = env
	}
	if !ValidProfile(profile) {
		log.Debug().Str("profile", profile).Msg("unknown profile; using default")
		profile = DefaultProfile
	}
	res.Profile = profile

	if file != nil {
		if block, ok := file.Profiles[profile]; ok {
			applyProfile(res, block)
		}
	}

	applyOverrides(res, ov)
	applyEnv(res)

	res.Threads = clampThreads(res.Threads)
	if res.Timeout <= 0 {
		res.Timeout = DefaultTimeout
	}
	if res.Retries < 0 {
		res.Retries = 0
	}
	res.LogLevel = normalizeLogLevel(res.LogLevel)

	return res, nil
}

func loadFile(path string) *FileConfig {
	candidates := []string{path}
	if path == "" {
		candidates = []string{"jmo.yml", "jmo.yaml", ".jmo.yml", ".jmo.yaml"}
	}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var cfg FileConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Warn().Err(err).Str("path", candidate).Msg("Failed to parse config file, using defaults")
			return nil
		}
		log.Debug().Str("path", candidate).Msg("Loaded config file")
		return &cfg
	}
	return nil
}

func applyFile(res *Resolved, file *FileConfig) {
	if len(file.Tools) > 0 {
		res.Tools = append([]string(nil), file.Tools...)
	}
	if n, ok := parseThreads(file.Threads); ok {
		res.Threads = n
	}
	if file.Timeout > 0 {
		res.Timeout = file.Timeout
	}
	res.Include = append([]string(nil), file.Include...)
	res.Exclude = append([]string(nil), file.Exclude...)
	if file.Retries != nil && *file.Retries >= 0 {
		res.Retries = *file.Retries
	}
	for name, pt := range file.PerTool {
		res.PerTool[name] = pt
	}
	if file.DefaultProfile != "" {
		res.Profile = file.DefaultProfile
	}
	if file.FailOn != "" {
		res.FailOn = strings.ToUpper(file.FailOn)
	}
	if len(file.Outputs) > 0 {
		res.Outputs = append([]string(nil), file.Outputs...)
	}
	if file.LogLevel != "" {
		res.LogLevel = file.LogLevel
	}
	if file.GitParentDepth > 0 {
		res.GitParentDepth = file.GitParentDepth
	}
	res.ProfilingThreads = file.Profiling
}

func applyProfile(res *Resolved, block ProfileBlock) {
	if len(block.Tools) > 0 {
		res.Tools = append([]string(nil), block.Tools...)
	}
	if n, ok := parseThreads(block.Threads); ok {
		res.Threads = n
	}
	if block.Timeout > 0 {
		res.Timeout = block.Timeout
	}
	if len(block.Include) > 0 {
		res.Include = append([]string(nil), block.Include...)
	}
	if len(block.Exclude) > 0 {
		res.Exclude = append([]string(nil), block.Exclude...)
	}
	if block.Retries != nil && *block.Retries >= 0 {
		res.Retries = *block.Retries
	}
	for name, pt := range block.PerTool {
		res.PerTool[name] = pt
	}
}

func applyOverrides(res *Resolved, ov Overrides) {
	if len(ov.Tools) > 0 {
		res.Tools = append([]string(nil), ov.Tools...)
	}
	if ov.Threads > 0 {
		res.Threads = ov.Threads
	}
	if ov.Timeout > 0 {
		res.Timeout = ov.Timeout
	}
	if ov.FailOn != "" {
		res.FailOn = strings.ToUpper(ov.FailOn)
	}
	if ov.LogLevel != "" {
		res.LogLevel = ov.LogLevel
	}
	if ov.AllowMissingTools {
		res.AllowMissingTools = true
	}
}

func applyEnv(res *Resolved) {
	if raw := strings.TrimSpace(os.Getenv(envPrefix + "THREADS")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			res.Threads = n
		} else {
			log.Debug().Str("value", raw).Msg("Ignoring invalid JMO_THREADS")
		}
	}
	if raw := strings.TrimSpace(os.Getenv(envPrefix + "PROFILE")); raw != "" {
		res.Profiling = isTruthy(raw)
	}
}

// parseThreads accepts an int, an int-like string, or "auto".
func parseThreads(v any) (int, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case int:
		if t > 0 {
			return t, true
		}
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if s == "auto" {
			return defaultThreads(), true
		}
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n, true
		}
	}
	log.Debug().Interface("threads", v).Msg("Ignoring invalid threads value")
	return 0, false
}

func isTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
