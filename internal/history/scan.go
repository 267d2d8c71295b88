package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	jmoerrors "github.com/jmo-sec/jmo/internal/errors"
	"github.com/jmo-sec/jmo/internal/gitctx"
	"github.com/jmo-sec/jmo/internal/models"
)

// redactedKeys are secret-bearing fields scrubbed from raw tool records
// before they reach disk.
var redactedKeys = map[string]struct{}{
	"Raw":          {},
	"RawV2":        {},
	"snippet":      {},
	"lines":        {},
	"secret_value": {},
	"Secret":       {},
}

const redactedPlaceholder = "[REDACTED]"

// StoreOptions carries the per-scan context not present in the document.
// Hostname and Username are only set when metadata collection is opted in.
type StoreOptions struct {
	Git        *gitctx.Context
	Duration   float64
	Targets    []string
	TargetType string
	Hostname   string
	Username   string
	CIProvider string
	CIBuildID  string
	Metadata   map[string]string
}

// StoreScan persists one aggregated findings document as a new scan row
// plus its findings, atomically. Returns the scan ID.
func (s *Store) StoreScan(ctx context.Context, doc *models.Document, opts StoreOptions) (string, error) {
	if doc == nil {
		return "", jmoerrors.ErrInvalidInput
	}
	scanID := doc.Meta.ScanID
	if scanID == "" {
		scanID = uuid.NewString()
	}
	timestamp := doc.Meta.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}

	git := gitctx.Context{}
	if opts.Git != nil {
		git = *opts.Git
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", jmoerrors.WrapStoreError("begin scan transaction", err)
	}
	defer tx.Rollback()

	// Counters start at zero; the finding insert triggers drive them to
	// their final values.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO scans (
			id, timestamp, timestamp_iso, profile, tools, targets, target_type,
			target_count, duration_seconds,
			branch, commit_hash, commit_short, tag, is_dirty,
			hostname, username, ci_provider, ci_build_id,
			jmo_version, schema_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		scanID, timestamp, time.Unix(timestamp, 0).UTC().Format(time.RFC3339),
		doc.Meta.Profile, strings.Join(doc.Meta.Tools, ","),
		encodeTargets(opts.Targets), opts.TargetType,
		doc.Meta.TargetCount, opts.Duration,
		git.Branch, git.CommitHash, git.CommitShort, git.Tag, boolToInt(git.IsDirty),
		opts.Hostname, opts.Username, opts.CIProvider, opts.CIBuildID,
		doc.Meta.JMOVersion, doc.Meta.SchemaVersion)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", fmt.Errorf("scan %s already stored: %w", scanID, jmoerrors.ErrInvalidInput)
		}
		return "", jmoerrors.WrapStoreError("insert scan row", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO findings (
			scan_id, fingerprint, severity, rule_id, tool, tool_version,
			path, start_line, end_line, title, message, remediation,
			owasp_top10, cwe_top25, cis_controls, nist_csf, pci_dss, mitre_attack,
			cvss_score, confidence, likelihood, impact, raw
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", jmoerrors.WrapStoreError("prepare finding insert", err)
	}
	defer stmt.Close()

	seen := map[string]struct{}{}
	for _, f := range doc.Findings {
		// The UNIQUE(scan_id, fingerprint) constraint would reject the
		// duplicate anyway; skipping keeps the transaction alive.
		if _, dup := seen[f.Fingerprint]; dup {
			continue
		}
		seen[f.Fingerprint] = struct{}{}

		raw, err := storableRaw(f.Raw)
		if err != nil {
			return "", jmoerrors.WrapStoreError("prepare raw payload", err)
		}
		if _, err := stmt.ExecContext(ctx,
			scanID, f.Fingerprint, string(f.Severity), f.RuleID,
			f.Tool.Name, f.Tool.Version,
			f.Path, f.StartLine, f.EndLine, f.Title, f.Message, f.Remediation,
			encodeList(f.Compliance.OWASPTop10), encodeList(f.Compliance.CWETop25),
			encodeList(f.Compliance.CISControls), encodeList(f.Compliance.NISTCSF),
			encodeList(f.Compliance.PCIDSS), encodeList(f.Compliance.MITREAttack),
			f.CVSSScore, string(f.Confidence), string(f.Likelihood), string(f.Impact),
			raw); err != nil {
			return "", jmoerrors.WrapStoreError("insert finding", err)
		}
	}

	for key, value := range opts.Metadata {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scan_metadata (scan_id, key, value) VALUES (?, ?, ?)`,
			scanID, key, value); err != nil {
			return "", jmoerrors.WrapStoreError("insert scan metadata", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", jmoerrors.WrapStoreError("commit scan", err)
	}

	log.Info().
		Str("scan_id", scanID).
		Int("findings", len(seen)).
		Str("branch", git.Branch).
		Msg("Scan stored")
	return scanID, nil
}

// storableRaw redacts secret-bearing fields from a raw record and applies
// at-rest encryption when a key is configured.
func storableRaw(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Not JSON; store nothing rather than an unredactable blob.
		return "", nil
	}
	redacted, _ := json.Marshal(redactValue(decoded))
	return encryptRaw(string(redacted))
}

func redactValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		for key, inner := range value {
			if _, hit := redactedKeys[key]; hit {
				value[key] = redactedPlaceholder
				continue
			}
			if key == "capture_groups" {
				if groups, ok := inner.(map[string]any); ok {
					if _, has := groups["secret"]; has {
						groups["secret"] = redactedPlaceholder
					}
				}
			}
			value[key] = redactValue(inner)
		}
		return value
	case []any:
		for i, inner := range value {
			value[i] = redactValue(inner)
		}
		return value
	default:
		return v
	}
}

// AttachAttestation records a provenance payload for a stored scan.
func (s *Store) AttachAttestation(ctx context.Context, scanID, predicateType, payload string) error {
	resolved, err := s.ResolveScanID(ctx, scanID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attestations (scan_id, predicate_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		resolved, predicateType, payload, time.Now().Unix())
	if err != nil {
		return jmoerrors.WrapStoreError("insert attestation", err)
	}
	return nil
}

// Attestations returns the stored attestations for a scan, newest first.
func (s *Store) Attestations(ctx context.Context, scanID string) ([]Attestation, error) {
	resolved, err := s.ResolveScanID(ctx, scanID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT predicate_type, payload, created_at FROM attestations
		 WHERE scan_id = ? ORDER BY created_at DESC`, resolved)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("query attestations", err)
	}
	defer rows.Close()

	var out []Attestation
	for rows.Next() {
		var a Attestation
		a.ScanID = resolved
		if err := rows.Scan(&a.PredicateType, &a.Payload, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Attestation is one stored provenance record.
type Attestation struct {
	ScanID        string `json:"scan_id"`
	PredicateType string `json:"predicate_type"`
	Payload       string `json:"payload"`
	CreatedAt     int64  `json:"created_at"`
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeTargets keeps the targets column a valid JSON array even when no
// target list was supplied.
func encodeTargets(targets []string) string {
	if encoded := encodeList(targets); encoded != "" {
		return encoded
	}
	return "[]"
}
