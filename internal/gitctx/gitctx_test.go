package gitctx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectNonRepoReturnsEmpty(t *testing.T) {
	// A temp dir deep enough that no ancestor .git is within reach.
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c", "d", "e", "f", "g")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	ctx := Detect(nested, 2)
	assert.True(t, ctx.Empty())
}

func TestFindGitRootRespectsDepth(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	nested := filepath.Join(dir, "x", "y", "z")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	_, ok := findGitRoot(nested, 5)
	assert.True(t, ok)

	_, ok = findGitRoot(nested, 1)
	assert.False(t, ok, "walk limit must be honored")
}

func TestBlameFileOutsideRepo(t *testing.T) {
	assert.Nil(t, BlameFile(t.TempDir(), "nope.go"))
}

func TestParseBlamePorcelain(t *testing.T) {
	sha1 := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	sha2 := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	out := sha1 + " 1 1 2\n" +
		"author alice\n" +
		"author-mail <alice@example.com>\n" +
		"\tline one\n" +
		sha1 + " 2 2\n" +
		"author alice\n" +
		"\tline two\n" +
		sha2 + " 3 3 1\n" +
		"author bob\n" +
		"\tline three\n"

	authors := parseBlame(out)
	assert.Equal(t, map[int]string{1: "alice", 2: "alice", 3: "bob"}, authors)
}
