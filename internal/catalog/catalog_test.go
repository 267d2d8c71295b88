package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jmo-sec/jmo/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinToolsRegistered(t *testing.T) {
	for _, name := range DefaultTools {
		tool, ok := Get(name)
		require.True(t, ok, "tool %s not registered", name)
		assert.NotEmpty(t, tool.Kinds)
		assert.NotEmpty(t, tool.OKExitCodes)
		assert.NotNil(t, tool.BuildArgv)
	}
}

func TestValidateRejectsUnknown(t *testing.T) {
	assert.NoError(t, Validate([]string{"trivy", "semgrep"}))
	assert.Error(t, Validate([]string{"trivy", "made-up-scanner"}))
}

func TestOKExit(t *testing.T) {
	trivy, ok := Get("trivy")
	require.True(t, ok)
	assert.True(t, trivy.OKExit(0))
	assert.True(t, trivy.OKExit(1), "findings-exist exit must count as success")
	assert.False(t, trivy.OKExit(2))
}

func TestApplicable(t *testing.T) {
	semgrep, ok := Get("semgrep")
	require.True(t, ok)
	assert.True(t, semgrep.Applicable(models.KindRepo))
	assert.False(t, semgrep.Applicable(models.KindImage))
}

func TestTrivyArgvPerKind(t *testing.T) {
	trivy, _ := Get("trivy")

	repo := trivy.BuildArgv(models.Target{Kind: models.KindRepo, ID: "/src/app"}, "/out/trivy.json", nil)
	assert.Equal(t, "fs", repo[1])
	assert.Equal(t, "/src/app", repo[len(repo)-1])

	img := trivy.BuildArgv(models.Target{Kind: models.KindImage, ID: "alpine:3.19"}, "/out/trivy.json", []string{"--scanners", "vuln"})
	assert.Equal(t, "image", img[1])
	assert.Contains(t, img, "--scanners")
}

func TestHadolintPreCheck(t *testing.T) {
	hadolint, _ := Get("hadolint")
	dir := t.TempDir()

	err := hadolint.PreCheck(models.Target{Kind: models.KindRepo, ID: dir})
	assert.Error(t, err, "missing Dockerfile must skip")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o600))
	assert.NoError(t, hadolint.PreCheck(models.Target{Kind: models.KindRepo, ID: dir}))
}

func TestNamesSorted(t *testing.T) {
	names := Names()
	require.NotEmpty(t, names)
	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i])
	}
}
