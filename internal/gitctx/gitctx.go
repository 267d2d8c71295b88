// Package gitctx collects git context for repo targets by shelling out to
// the git binary. Non-repo directories degrade to an empty context.
package gitctx

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultParentDepth bounds the upward walk looking for a .git entry.
const DefaultParentDepth = 5

const gitTimeout = 10 * time.Second

// Context is the git state captured alongside a scan.
type Context struct {
	CommitHash  string
	CommitShort string
	Branch      string
	Tag         string
	IsDirty     bool
}

// Empty reports whether no git context was found.
func (c Context) Empty() bool {
	return c.CommitHash == ""
}

// Detect walks up at most maxDepth parents from dir looking for a .git
// entry, then queries commit, branch, tag and dirty state. Any failure
// yields an empty context.
func Detect(dir string, maxDepth int) Context {
	if maxDepth <= 0 {
		maxDepth = DefaultParentDepth
	}

	root, ok := findGitRoot(dir, maxDepth)
	if !ok {
		return Context{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	commit, err := gitOutput(ctx, root, "rev-parse", "HEAD")
	if err != nil {
		log.Debug().Err(err).Str("dir", root).Msg("git context unavailable")
		return Context{}
	}

	gc := Context{CommitHash: commit}
	if len(commit) >= 7 {
		gc.CommitShort = commit[:7]
	}

	if branch, err := gitOutput(ctx, root, "rev-parse", "--abbrev-ref", "HEAD"); err == nil && branch != "HEAD" {
		gc.Branch = branch
	}
	if tag, err := gitOutput(ctx, root, "describe", "--tags", "--exact-match"); err == nil {
		gc.Tag = tag
	}
	if status, err := gitOutput(ctx, root, "status", "--porcelain"); err == nil {
		gc.IsDirty = status != ""
	}

	return gc
}

func findGitRoot(dir string, maxDepth int) (string, bool) {
	current, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for i := 0; i <= maxDepth; i++ {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current, true
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", false
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// BlameFile blames a whole file in one invocation and returns the last
// author of every line. A nil map means the file could not be blamed.
// Returning soft failures keeps attribution from failing an analysis.
func BlameFile(repoDir, path string) map[int]string {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	out, err := blameOutput(ctx, repoDir, "--", path)
	if err != nil {
		return nil
	}
	return parseBlame(out)
}

// parseBlame walks line-porcelain output. Each hunk starts with a header
// of the form "<sha> <orig-line> <final-line> ..." followed by metadata
// lines, among them "author <name>".
func parseBlame(out string) map[int]string {
	authors := map[int]string{}
	current := 0
	for _, l := range strings.Split(out, "\n") {
		fields := strings.Fields(l)
		if len(fields) >= 3 && len(fields[0]) == 40 {
			if n, err := strconv.Atoi(fields[2]); err == nil {
				current = n
				continue
			}
		}
		if author, ok := strings.CutPrefix(l, "author "); ok && current > 0 {
			authors[current] = author
		}
	}
	return authors
}

func blameOutput(ctx context.Context, repoDir string, args ...string) (string, error) {
	argv := append([]string{"blame", "--line-porcelain"}, args...)
	cmd := exec.CommandContext(ctx, "git", argv...)
	cmd.Dir = repoDir
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return out.String(), nil
}
