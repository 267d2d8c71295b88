package history

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	jmoerrors "github.com/jmo-sec/jmo/internal/errors"
)

// Optimize reclaims space and refreshes the query planner statistics.
func (s *Store) Optimize(ctx context.Context) error {
	steps := []string{
		`PRAGMA wal_checkpoint(TRUNCATE)`,
		`VACUUM`,
		`ANALYZE`,
		`PRAGMA optimize`,
	}
	for _, stmt := range steps {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return jmoerrors.WrapStoreError("optimize: "+stmt, err)
		}
	}
	log.Info().Str("db", s.path).Msg("Database optimized")
	return nil
}

// IntegrityStats are the row counts reported alongside a verification.
type IntegrityStats struct {
	Scans    int `json:"scans"`
	Findings int `json:"findings"`
}

// IntegrityReport is the outcome of a database verification pass. Errors
// aggregates every issue the individual checks found.
type IntegrityReport struct {
	OK               bool           `json:"is_valid"`
	Errors           []string       `json:"errors,omitempty"`
	IntegrityIssues  []string       `json:"integrity_check,omitempty"`
	ForeignKeyIssues []string       `json:"foreign_key_check,omitempty"`
	QuickCheck       string         `json:"quick_check"`
	Stats            IntegrityStats `json:"stats"`
}

// Verify runs SQLite's integrity and foreign-key checks without modifying
// the database.
func (s *Store) Verify(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{OK: true}

	rows, err := s.db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("integrity_check", err)
	}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			rows.Close()
			return nil, err
		}
		if line != "ok" {
			report.OK = false
			report.IntegrityIssues = append(report.IntegrityIssues, line)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fkRows, err := s.db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("foreign_key_check", err)
	}
	for fkRows.Next() {
		var table string
		var rowid, parentRowOrNull any
		var fkid any
		if err := fkRows.Scan(&table, &rowid, &parentRowOrNull, &fkid); err != nil {
			fkRows.Close()
			return nil, err
		}
		report.OK = false
		report.ForeignKeyIssues = append(report.ForeignKeyIssues,
			fmt.Sprintf("table %s rowid %v violates fk %v", table, rowid, fkid))
	}
	fkRows.Close()
	if err := fkRows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&report.QuickCheck); err != nil {
		return nil, jmoerrors.WrapStoreError("quick_check", err)
	}
	if report.QuickCheck != "ok" {
		report.OK = false
		report.Errors = append(report.Errors, "quick_check: "+report.QuickCheck)
	}
	report.Errors = append(report.Errors, report.IntegrityIssues...)
	report.Errors = append(report.Errors, report.ForeignKeyIssues...)

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scans`).Scan(&report.Stats.Scans); err != nil {
		report.OK = false
		report.Errors = append(report.Errors, "count scans: "+err.Error())
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM findings`).Scan(&report.Stats.Findings); err != nil {
		report.OK = false
		report.Errors = append(report.Errors, "count findings: "+err.Error())
	}
	return report, nil
}

// RecoveryResult reports what a repair pass managed to salvage.
type RecoveryResult struct {
	BackupPath        string  `json:"backup_path"`
	ScansRecovered    int     `json:"scans_recovered"`
	FindingsRecovered int     `json:"findings_recovered"`
	RowsRecovered     int     `json:"rows_recovered"`
	ScansSkipped      int     `json:"scans_skipped"`
	Verified          bool    `json:"verified"`
	DurationSeconds   float64 `json:"recovery_time_sec"`
}

// Recover rebuilds a damaged database. The file is backed up before it is
// touched, then every readable row is dumped without running migrations
// against it, the database is reinitialized and rows are reimported with
// foreign keys deferred. Unreadable rows are skipped, not fatal.
func Recover(ctx context.Context, dbPath string) (*RecoveryResult, error) {
	started := time.Now()
	result := &RecoveryResult{}

	backup := fmt.Sprintf("%s.backup-%d", dbPath, time.Now().Unix())
	if err := copyFile(dbPath, backup); err != nil {
		return nil, fmt.Errorf("back up database: %w", err)
	}
	result.BackupPath = backup

	damaged, err := openRaw(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open damaged database: %w", err)
	}
	export, err := damaged.ExportAll(ctx)
	damaged.Close()
	if err != nil {
		return nil, fmt.Errorf("dump damaged database: %w", err)
	}

	if err := os.Remove(dbPath); err != nil {
		return nil, fmt.Errorf("remove damaged database: %w", err)
	}
	for _, sidecar := range []string{dbPath + "-wal", dbPath + "-shm"} {
		os.Remove(sidecar)
	}

	fresh, err := Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("reinitialize database: %w", err)
	}
	defer fresh.Close()

	if _, err := fresh.db.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		return nil, jmoerrors.WrapStoreError("defer foreign keys", err)
	}
	defer fresh.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`)

	for _, scan := range export.Scans {
		_, err := fresh.db.ExecContext(ctx, `
			INSERT INTO scans (
				id, timestamp, timestamp_iso, profile, tools, targets, target_type,
				target_count, duration_seconds,
				branch, commit_hash, commit_short, tag, is_dirty,
				hostname, username, ci_provider, ci_build_id,
				jmo_version, schema_version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			scan.ID, scan.Timestamp, scan.TimestampISO, scan.Profile, scan.Tools,
			encodeTargets(scan.Targets), scan.TargetType,
			scan.TargetCount, scan.Duration,
			scan.Branch, scan.CommitHash, scan.CommitShort, scan.Tag, boolToInt(scan.IsDirty),
			scan.Hostname, scan.Username, scan.CIProvider, scan.CIBuildID,
			scan.JMOVersion, scan.SchemaVersion)
		if err != nil {
			log.Warn().Err(err).Str("scan_id", scan.ID).Msg("Skipping unrecoverable scan")
			result.ScansSkipped++
			continue
		}
		result.ScansRecovered++
	}

	for _, f := range export.Findings {
		_, err := fresh.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO findings (
				scan_id, fingerprint, severity, rule_id, tool, tool_version,
				path, start_line, end_line, title, message, remediation,
				owasp_top10, cwe_top25, cis_controls, nist_csf, pci_dss, mitre_attack,
				cvss_score, confidence, likelihood, impact, raw
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ScanID, f.Fingerprint, f.Severity, f.RuleID, f.Tool, f.ToolVersion,
			f.Path, f.StartLine, f.EndLine, f.Title, f.Message, f.Remediation,
			encodeList(f.Compliance.OWASPTop10), encodeList(f.Compliance.CWETop25),
			encodeList(f.Compliance.CISControls), encodeList(f.Compliance.NISTCSF),
			encodeList(f.Compliance.PCIDSS), encodeList(f.Compliance.MITREAttack),
			f.CVSSScore, f.Confidence, f.Likelihood, f.Impact, f.Raw)
		if err != nil {
			log.Warn().Err(err).Str("fingerprint", f.Fingerprint).Msg("Skipping unrecoverable finding")
			continue
		}
		result.FindingsRecovered++
	}
	result.RowsRecovered = result.ScansRecovered + result.FindingsRecovered

	for scanID, meta := range export.Metadata {
		for key, value := range meta {
			fresh.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO scan_metadata (scan_id, key, value) VALUES (?, ?, ?)`,
				scanID, key, value)
		}
	}

	report, err := fresh.Verify(ctx)
	if err != nil {
		return result, err
	}
	result.Verified = report.OK
	result.DurationSeconds = time.Since(started).Seconds()

	log.Info().
		Int("scans", result.ScansRecovered).
		Int("findings", result.FindingsRecovered).
		Bool("verified", result.Verified).
		Str("backup", backup).
		Msg("Database recovered")
	return result, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
