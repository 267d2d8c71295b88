package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmo-sec/jmo/internal/models"
)

// kindSubdirs maps target kinds to their per-kind subtree under the
// results root.
var kindSubdirs = map[models.TargetKind]string{
	models.KindRepo:   "individual-repos",
	models.KindImage:  "individual-images",
	models.KindIaC:    "individual-iac",
	models.KindURL:    "individual-web",
	models.KindGitLab: "individual-gitlab",
	models.KindK8s:    "individual-k8s",
}

// KindSubdir returns the results subtree name for a target kind.
func KindSubdir(kind models.TargetKind) (string, bool) {
	sub, ok := kindSubdirs[kind]
	return sub, ok
}

// DetectTargetKind infers the primary target type from an existing results
// directory structure, preferring repo when several subtrees exist.
func DetectTargetKind(resultsDir string) models.TargetKind {
	order := []models.TargetKind{
		models.KindRepo, models.KindImage, models.KindIaC,
		models.KindURL, models.KindGitLab, models.KindK8s,
	}
	for _, kind := range order {
		dir := filepath.Join(resultsDir, kindSubdirs[kind])
		if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
			return kind
		}
	}
	return models.KindRepo
}

// TargetDir returns the per-target output directory for a target. The
// directory name is the sanitized display name.
func TargetDir(resultsDir string, target models.Target) (string, error) {
	sub, ok := kindSubdirs[target.Kind]
	if !ok {
		return "", fmt.Errorf("unknown target kind %q", target.Kind)
	}
	return filepath.Join(resultsDir, sub, models.SanitizeName(target.DisplayName())), nil
}

// ArtifactPath returns the artifact file for one (target, tool) pair.
func ArtifactPath(targetDir, tool string) string {
	return filepath.Join(targetDir, tool+".json")
}
