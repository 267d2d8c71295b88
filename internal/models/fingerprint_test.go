package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintMatchesReferenceValue(t *testing.T) {
	got := Fingerprint("trivy", "CVE-2024-1234", "src/a.py", 42, "Remote code execution  ")

	sum := sha256.Sum256([]byte("trivy|CVE-2024-1234|src/a.py|42|Remote code execution"))
	want := hex.EncodeToString(sum[:])[:FingerprintLength]

	assert.Equal(t, want, got)
	assert.Len(t, got, FingerprintLength)
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("semgrep", "go.lang.security", "main.go", 10, "hardcoded secret")
	b := Fingerprint("semgrep", "go.lang.security", "main.go", 10, "hardcoded secret")
	assert.Equal(t, a, b)
}

func TestFingerprintCollapsesWhitespace(t *testing.T) {
	a := Fingerprint("trivy", "r", "p", 1, "a   b\t\nc")
	b := Fingerprint("trivy", "r", "p", 1, "a b c")
	assert.Equal(t, a, b)
}

func TestFingerprintTruncatesLongMessages(t *testing.T) {
	long := strings.Repeat("x", MessageSnippetLength) + " trailing detail that should not matter"
	a := Fingerprint("trivy", "r", "p", 1, long)
	b := Fingerprint("trivy", "r", "p", 1, strings.Repeat("x", MessageSnippetLength))
	assert.Equal(t, a, b)
}

func TestFingerprintTruncatesByRunes(t *testing.T) {
	// A message of multibyte characters must be cut on a character
	// boundary, never mid-encoding.
	long := strings.Repeat("ä", MessageSnippetLength+30)
	a := Fingerprint("trivy", "r", "p", 1, long)
	b := Fingerprint("trivy", "r", "p", 1, strings.Repeat("ä", MessageSnippetLength))
	assert.Equal(t, a, b)

	sum := sha256.Sum256([]byte("trivy|r|p|1|" + strings.Repeat("ä", MessageSnippetLength)))
	assert.Equal(t, hex.EncodeToString(sum[:])[:FingerprintLength], a)
}

func TestFingerprintZeroLineWhenUnset(t *testing.T) {
	got := Fingerprint("gitleaks", "generic-api-key", ".env", 0, "secret")
	sum := sha256.Sum256([]byte("gitleaks|generic-api-key|.env|0|secret"))
	require.Equal(t, hex.EncodeToString(sum[:])[:FingerprintLength], got)
}
