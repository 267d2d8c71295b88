// Package catalog is the process-wide registry of external scanner tools.
// Entries are registered at startup and immutable afterwards.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jmo-sec/jmo/internal/models"
)

// ParseFunc translates one tool artifact into normalized findings. It must
// fail soft: malformed input yields zero findings and an error the caller
// logs, never a panic.
type ParseFunc func(targetName string, data []byte) ([]models.CommonFinding, error)

// PreCheckFunc gates a tool run on a target-local condition, e.g. the
// presence of a Dockerfile. A non-nil error means skip.
type PreCheckFunc func(target models.Target) error

// ArgvFunc builds the subprocess argument vector. Arguments are passed as a
// list; nothing is shell-interpreted.
type ArgvFunc func(target models.Target, outputPath string, flags []string) []string

// Tool describes one external scanner.
type Tool struct {
	Name string
	// Kinds lists the target kinds this tool applies to.
	Kinds []models.TargetKind
	// OKExitCodes are the process exit codes that signal success. Many
	// scanners exit 1 when findings exist, which is success for us.
	OKExitCodes []int
	// CaptureStdout is true when the tool emits its JSON payload on stdout
	// rather than writing to the artifact path itself.
	CaptureStdout bool
	// Stub is the schema-valid empty artifact written when the tool is
	// skipped and missing tools are allowed, so the normalization pipeline
	// can iterate uniformly.
	Stub      string
	PreCheck  PreCheckFunc
	BuildArgv ArgvFunc
	Parse     ParseFunc
}

// StubContent returns the stub artifact body, defaulting to an empty list.
func (t *Tool) StubContent() string {
	if t.Stub != "" {
		return t.Stub
	}
	return "[]"
}

// Applicable reports whether the tool handles the given target kind.
func (t *Tool) Applicable(kind models.TargetKind) bool {
	for _, k := range t.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// OKExit reports whether code is a success exit for this tool.
func (t *Tool) OKExit(code int) bool {
	for _, ok := range t.OKExitCodes {
		if ok == code {
			return true
		}
	}
	return false
}

var (
	mu       sync.RWMutex
	registry = map[string]*Tool{}
)

// Register adds a tool to the catalog. Registering a duplicate name panics;
// it indicates a programming error at startup.
func Register(tool *Tool) {
	mu.Lock()
	defer mu.Unlock()
	if tool.Name == "" {
		panic("catalog: tool with empty name")
	}
	if _, exists := registry[tool.Name]; exists {
		panic(fmt.Sprintf("catalog: duplicate tool %q", tool.Name))
	}
	registry[tool.Name] = tool
}

// BindParser attaches the normalization adapter for a registered tool.
// Adapters live in the normalize package and bind themselves at init.
func BindParser(name string, parse ParseFunc) {
	mu.Lock()
	defer mu.Unlock()
	tool, ok := registry[name]
	if !ok {
		panic(fmt.Sprintf("catalog: parser bound for unknown tool %q", name))
	}
	tool.Parse = parse
}

// Get looks up a tool by name.
func Get(name string) (*Tool, bool) {
	mu.RLock()
	defer mu.RUnlock()
	tool, ok := registry[name]
	return tool, ok
}

// Names returns all registered tool names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate rejects unknown tool names; called at configuration-resolution
// time so a typo never reaches the orchestrator.
func Validate(names []string) error {
	mu.RLock()
	defer mu.RUnlock()
	for _, name := range names {
		if _, ok := registry[name]; !ok {
			return fmt.Errorf("unknown tool %q", name)
		}
	}
	return nil
}
