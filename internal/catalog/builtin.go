package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmo-sec/jmo/internal/models"
)

// DefaultTools is the tool order used when configuration leaves the tool
// list unset.
var DefaultTools = []string{"trufflehog", "gitleaks", "semgrep", "trivy", "checkov", "hadolint"}

func init() {
	Register(&Tool{
		Name:          "trufflehog",
		Stub:          "",
		Kinds:         []models.TargetKind{models.KindRepo, models.KindGitLab},
		OKExitCodes:   []int{0, 1, 183},
		CaptureStdout: true,
		// Argv for the report phase; the scan phase and container fallback
		// are handled by the orchestrator's two-phase runner.
		BuildArgv: func(target models.Target, outputPath string, flags []string) []string {
			argv := []string{"trufflehog", "filesystem", target.ID, "--json", "--no-update"}
			return append(argv, flags...)
		},
	})

	Register(&Tool{
		Name:        "gitleaks",
		Stub:        "[]",
		Kinds:       []models.TargetKind{models.KindRepo, models.KindGitLab},
		OKExitCodes: []int{0, 1},
		BuildArgv: func(target models.Target, outputPath string, flags []string) []string {
			argv := []string{
				"gitleaks", "detect",
				"--source", target.ID,
				"--report-format", "json",
				"--report-path", outputPath,
				"--no-banner",
			}
			return append(argv, flags...)
		},
	})

	Register(&Tool{
		Name:        "semgrep",
		Stub:        `{"results": [], "errors": []}`,
		Kinds:       []models.TargetKind{models.KindRepo},
		OKExitCodes: []int{0, 1},
		BuildArgv: func(target models.Target, outputPath string, flags []string) []string {
			argv := []string{
				"semgrep", "scan",
				"--config", "auto",
				"--json",
				"--output", outputPath,
				"--quiet",
			}
			argv = append(argv, flags...)
			return append(argv, target.ID)
		},
	})

	Register(&Tool{
		Name:        "trivy",
		Stub:        `{"Results": []}`,
		Kinds:       []models.TargetKind{models.KindRepo, models.KindImage, models.KindIaC, models.KindK8s},
		OKExitCodes: []int{0, 1},
		BuildArgv: func(target models.Target, outputPath string, flags []string) []string {
			var argv []string
			switch target.Kind {
			case models.KindImage:
				argv = []string{"trivy", "image"}
			case models.KindIaC:
				argv = []string{"trivy", "config"}
			case models.KindK8s:
				argv = []string{"trivy", "k8s"}
			default:
				argv = []string{"trivy", "fs"}
			}
			argv = append(argv, "--format", "json", "--output", outputPath)
			argv = append(argv, flags...)
			return append(argv, target.ID)
		},
	})

	Register(&Tool{
		Name:          "checkov",
		Stub:          `{"results": {"failed_checks": []}}`,
		Kinds:         []models.TargetKind{models.KindRepo, models.KindIaC},
		OKExitCodes:   []int{0, 1},
		CaptureStdout: true,
		BuildArgv: func(target models.Target, outputPath string, flags []string) []string {
			selector := "-d"
			if target.Kind == models.KindIaC {
				selector = "-f"
			}
			argv := []string{"checkov", selector, target.ID, "-o", "json", "--quiet"}
			return append(argv, flags...)
		},
	})

	Register(&Tool{
		Name:          "hadolint",
		Kinds:         []models.TargetKind{models.KindRepo, models.KindIaC},
		OKExitCodes:   []int{0, 1},
		CaptureStdout: true,
		PreCheck: func(target models.Target) error {
			path := target.ID
			if target.Kind == models.KindRepo {
				path = filepath.Join(target.ID, "Dockerfile")
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no Dockerfile in target: %w", err)
			}
			return nil
		},
		BuildArgv: func(target models.Target, outputPath string, flags []string) []string {
			path := target.ID
			if target.Kind == models.KindRepo {
				path = filepath.Join(target.ID, "Dockerfile")
			}
			argv := []string{"hadolint", "--format", "json"}
			argv = append(argv, flags...)
			return append(argv, path)
		},
	})

	Register(&Tool{
		Name:        "bandit",
		Stub:        `{"results": []}`,
		Kinds:       []models.TargetKind{models.KindRepo},
		OKExitCodes: []int{0, 1},
		BuildArgv: func(target models.Target, outputPath string, flags []string) []string {
			argv := []string{"bandit", "-r", target.ID, "-f", "json", "-o", outputPath}
			return append(argv, flags...)
		},
	})

	Register(&Tool{
		Name:        "zap-baseline",
		Stub:        `{"site": []}`,
		Kinds:       []models.TargetKind{models.KindURL},
		OKExitCodes: []int{0, 1, 2},
		BuildArgv: func(target models.Target, outputPath string, flags []string) []string {
			argv := []string{"zap-baseline.py", "-t", target.ID, "-J", outputPath}
			return append(argv, flags...)
		},
	})

	Register(&Tool{
		Name:          "kube-bench",
		Stub:          `{"Controls": []}`,
		Kinds:         []models.TargetKind{models.KindK8s},
		OKExitCodes:   []int{0},
		CaptureStdout: true,
		BuildArgv: func(target models.Target, outputPath string, flags []string) []string {
			argv := []string{"kube-bench", "run", "--json"}
			return append(argv, flags...)
		},
	})
}
