package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmo-sec/jmo/internal/history"
)

// attestationDocument is the standalone provenance record written next to a
// findings file. Verification recomputes the subject digest and compares.
type attestationDocument struct {
	Version       string `json:"version"`
	PredicateType string `json:"predicate_type"`
	Subject       string `json:"subject"`
	SubjectSHA256 string `json:"subject_sha256"`
	CreatedAt     int64  `json:"created_at"`
	Tool          string `json:"tool"`
	ToolVersion   string `json:"tool_version"`
}

const attestationPredicate = "https://jmo.dev/attestation/findings/v1"

var attestOpts struct {
	attestation string
	db          string
	scan        string
}

var attestCmd = &cobra.Command{
	Use:   "attest <findings.json>",
	Short: "Record a digest attestation for a findings document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		digest, err := fileDigest(args[0])
		if err != nil {
			return usageError{err}
		}
		doc := attestationDocument{
			Version:       "1.0",
			PredicateType: attestationPredicate,
			Subject:       args[0],
			SubjectSHA256: digest,
			CreatedAt:     time.Now().Unix(),
			Tool:          "jmo",
			ToolVersion:   Version,
		}
		payload, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}

		path := attestOpts.attestation
		if path == "" {
			path = args[0] + ".att.json"
		}
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			return err
		}

		if attestOpts.scan != "" {
			store, err := history.Open(cmd.Context(), attestOpts.db)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.AttachAttestation(cmd.Context(), attestOpts.scan, attestationPredicate, string(payload)); err != nil {
				return err
			}
		}
		fmt.Printf("attestation written to %s (sha256 %s)\n", path, digest)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <findings.json>",
	Short: "Verify a findings document against its attestation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := attestOpts.attestation
		if path == "" {
			path = args[0] + ".att.json"
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return thresholdError{fmt.Sprintf("attestation missing: %v", err)}
		}
		var doc attestationDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return thresholdError{fmt.Sprintf("attestation unreadable: %v", err)}
		}

		digest, err := fileDigest(args[0])
		if err != nil {
			return usageError{err}
		}
		if digest != doc.SubjectSHA256 {
			return thresholdError{fmt.Sprintf("digest mismatch: findings file has changed since attestation (want %s, have %s)",
				doc.SubjectSHA256, digest)}
		}
		fmt.Printf("verified: %s matches attestation from %s\n",
			args[0], time.Unix(doc.CreatedAt, 0).Format(time.RFC3339))
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{attestCmd, verifyCmd} {
		cmd.Flags().StringVar(&attestOpts.attestation, "attestation", "", "attestation file (default: <findings>.att.json)")
	}
	attestCmd.Flags().StringVar(&attestOpts.db, "db", history.DefaultDBPath, "history database path")
	attestCmd.Flags().StringVar(&attestOpts.scan, "scan", "", "also attach the attestation to this stored scan")
}

func fileDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read subject: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
