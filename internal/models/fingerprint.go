package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// FingerprintLength is the number of hex characters kept from the
	// SHA-256 digest. Changing it invalidates every stored fingerprint.
	FingerprintLength = 16

	// MessageSnippetLength bounds the message contribution to the
	// fingerprint so that trailing detail churn does not change identity.
	MessageSnippetLength = 120
)

// Fingerprint computes the stable dedup identity of a finding. Equal inputs
// yield equal fingerprints across processes and machines.
func Fingerprint(tool, ruleID, path string, startLine int, message string) string {
	snippet := normalizeSnippet(message)
	data := fmt.Sprintf("%s|%s|%s|%d|%s", tool, ruleID, path, startLine, snippet)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

// normalizeSnippet collapses consecutive whitespace to single spaces, trims,
// and truncates to MessageSnippetLength characters. Truncation counts runes
// so a multibyte character is never split.
func normalizeSnippet(message string) string {
	collapsed := strings.Join(strings.Fields(message), " ")
	if runes := []rune(collapsed); len(runes) > MessageSnippetLength {
		collapsed = string(runes[:MessageSnippetLength])
	}
	return collapsed
}
