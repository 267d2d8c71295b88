package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/host"
	"golang.org/x/sync/errgroup"

	"github.com/jmo-sec/jmo/internal/catalog"
	"github.com/jmo-sec/jmo/internal/config"
	jmoerrors "github.com/jmo-sec/jmo/internal/errors"
	"github.com/jmo-sec/jmo/internal/models"
	"github.com/jmo-sec/jmo/internal/orchestrator"
)

// artifact is one (target, tool) JSON file discovered under the results
// root.
type artifact struct {
	Kind       models.TargetKind
	TargetName string
	Tool       string
	Path       string
}

// Pipeline reads every tool artifact under a results directory and produces
// one aggregated findings document.
type Pipeline struct {
	cfg              *config.Resolved
	resultsDir       string
	version          string
	suppressionsPath string
	timingsPath      string
	profiler         *Profiler
}

// SetTimingsOutput enables profiling and writes the collected timings as
// JSON to path when the run finishes.
func (p *Pipeline) SetTimingsOutput(path string) {
	p.timingsPath = path
	p.profiler = NewProfiler(true)
}

// NewPipeline builds a pipeline over an existing results directory.
// suppressionsPath may be empty, in which case well-known locations are
// probed.
func NewPipeline(cfg *config.Resolved, resultsDir, version, suppressionsPath string) *Pipeline {
	return &Pipeline{
		cfg:              cfg,
		resultsDir:       resultsDir,
		version:          version,
		suppressionsPath: suppressionsPath,
		profiler:         NewProfiler(cfg.Profiling),
	}
}

// Run discovers artifacts, parses them concurrently, applies suppressions,
// clusters duplicates and returns the document envelope. Individual artifact
// failures are logged and skipped; only setup errors abort the run.
func (p *Pipeline) Run(ctx context.Context) (*models.Document, error) {
	defer p.finishProfiling()

	stopDiscover := p.profiler.Track("discover")
	artifacts, err := p.discover()
	stopDiscover()
	if err != nil {
		return nil, err
	}

	suppressions, err := LoadSuppressions(p.suppressionsPath, p.resultsDir)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		findings []models.CommonFinding
		toolSet  = map[string]struct{}{}
		targets  = map[string]struct{}{}
	)

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(p.threads())
	for _, a := range artifacts {
		a := a
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			parsed := p.parseArtifact(a)
			mu.Lock()
			findings = append(findings, parsed...)
			toolSet[a.Tool] = struct{}{}
			targets[string(a.Kind)+"/"+a.TargetName] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	stopPost := p.profiler.Track("postprocess")
	kept, suppressedIDs := suppressions.Apply(findings)
	kept = Cluster(kept)
	SortFindings(kept)
	stopPost()

	tools := make([]string, 0, len(toolSet))
	for name := range toolSet {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	doc := &models.Document{
		Meta: models.Meta{
			OutputVersion: models.OutputVersion,
			JMOVersion:    p.version,
			SchemaVersion: models.SchemaVersion,
			Timestamp:     time.Now().Unix(),
			ScanID:        uuid.NewString(),
			Profile:       p.cfg.Profile,
			Tools:         tools,
			TargetCount:   len(targets),
			FindingCount:  len(kept),
			Platform:      platformString(),
		},
		Findings:      kept,
		SuppressedIDs: suppressedIDs,
	}

	log.Info().
		Str("scan_id", doc.Meta.ScanID).
		Int("artifacts", len(artifacts)).
		Int("findings", len(kept)).
		Int("suppressed", len(suppressedIDs)).
		Msg("Normalization complete")
	return doc, nil
}

// discover walks the per-kind subtrees collecting every tool artifact.
// Files whose basename is not a registered tool are ignored.
func (p *Pipeline) discover() ([]artifact, error) {
	if _, err := os.Stat(p.resultsDir); err != nil {
		return nil, fmt.Errorf("results directory: %w", err)
	}

	var artifacts []artifact
	for _, kind := range models.TargetKinds {
		sub, ok := orchestrator.KindSubdir(kind)
		if !ok {
			continue
		}
		kindDir := filepath.Join(p.resultsDir, sub)
		targetEntries, err := os.ReadDir(kindDir)
		if err != nil {
			continue
		}
		for _, targetEntry := range targetEntries {
			if !targetEntry.IsDir() {
				continue
			}
			targetDir := filepath.Join(kindDir, targetEntry.Name())
			files, err := os.ReadDir(targetDir)
			if err != nil {
				log.Warn().Err(err).Str("dir", targetDir).Msg("Cannot read target directory")
				continue
			}
			for _, file := range files {
				if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
					continue
				}
				tool := strings.TrimSuffix(file.Name(), ".json")
				if _, ok := catalog.Get(tool); !ok {
					log.Debug().Str("file", file.Name()).Msg("Skipping non-tool artifact")
					continue
				}
				artifacts = append(artifacts, artifact{
					Kind:       kind,
					TargetName: targetEntry.Name(),
					Tool:       tool,
					Path:       filepath.Join(targetDir, file.Name()),
				})
			}
		}
	}
	return artifacts, nil
}

// parseArtifact reads and adapts one artifact, failing soft: any error
// yields zero findings for that file.
func (p *Pipeline) parseArtifact(a artifact) []models.CommonFinding {
	defer p.profiler.Track("parse:" + a.Tool)()

	tool, ok := catalog.Get(a.Tool)
	if !ok || tool.Parse == nil {
		log.Debug().Str("tool", a.Tool).Msg("No adapter bound; skipping artifact")
		return nil
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		log.Warn().Err(err).Str("file", a.Path).Msg("Cannot read artifact")
		return nil
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	findings, err := tool.Parse(a.TargetName, data)
	if err != nil {
		wrapped := jmoerrors.WrapParseError("parse artifact", a.Tool, err)
		log.Warn().Err(wrapped).Str("target", a.TargetName).Msg("Artifact parse failed; skipping")
		return nil
	}
	for i := range findings {
		if findings[i].Path == "" {
			findings[i].Path = a.TargetName
			findings[i].SealFingerprint()
		}
	}
	return findings
}

// finishProfiling drains the profiler once, logging the timings and
// optionally persisting them.
func (p *Pipeline) finishProfiling() {
	timings := p.profiler.Drain()
	if len(timings) == 0 {
		return
	}
	names := make([]string, 0, len(timings))
	for name := range timings {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return timings[names[i]] > timings[names[j]] })
	for _, name := range names {
		log.Info().Str("step", name).Float64("seconds", timings[name]).Msg("Pipeline timing")
	}

	if p.timingsPath != "" {
		data, err := json.MarshalIndent(timings, "", "  ")
		if err == nil {
			err = os.WriteFile(p.timingsPath, data, 0o644)
		}
		if err != nil {
			log.Warn().Err(err).Str("path", p.timingsPath).Msg("Cannot write timings file")
		}
	}
}

func (p *Pipeline) threads() int {
	if p.cfg.Threads > 0 {
		return p.cfg.Threads
	}
	return 4
}

// WriteDocument serializes the envelope to path, creating parent
// directories as needed.
func WriteDocument(doc *models.Document, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode findings document: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write findings document: %w", err)
	}
	return nil
}

func platformString() string {
	info, err := host.Info()
	if err != nil || info == nil {
		return "unknown"
	}
	parts := []string{info.OS}
	if info.Platform != "" {
		parts = append(parts, info.Platform)
	}
	if info.PlatformVersion != "" {
		parts = append(parts, info.PlatformVersion)
	}
	return strings.Join(parts, " ")
}
