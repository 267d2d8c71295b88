package history

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// migration is one versioned schema step. Down statements revert the schema
// when the transactional apply fails in a way that leaves residue.
type migration struct {
	Version string
	Up      []string
	Down    []string
}

// migrations holds every known schema version, registered in schema.go and
// applied in ascending version order.
var migrations = []migration{
	{
		Version: "1.0.0",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS schema_version (
				version TEXT PRIMARY KEY,
				applied_at INTEGER NOT NULL,
				applied_at_iso TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS scans (
				id TEXT PRIMARY KEY,
				timestamp INTEGER NOT NULL,
				timestamp_iso TEXT NOT NULL DEFAULT '',
				profile TEXT NOT NULL DEFAULT '',
				tools TEXT NOT NULL DEFAULT '',
				targets TEXT NOT NULL DEFAULT '[]',
				target_type TEXT NOT NULL DEFAULT '',
				target_count INTEGER NOT NULL DEFAULT 0,
				total_findings INTEGER NOT NULL DEFAULT 0,
				critical_count INTEGER NOT NULL DEFAULT 0,
				high_count INTEGER NOT NULL DEFAULT 0,
				medium_count INTEGER NOT NULL DEFAULT 0,
				low_count INTEGER NOT NULL DEFAULT 0,
				info_count INTEGER NOT NULL DEFAULT 0,
				duration_seconds REAL NOT NULL DEFAULT 0,
				branch TEXT NOT NULL DEFAULT '',
				commit_hash TEXT NOT NULL DEFAULT '',
				commit_short TEXT NOT NULL DEFAULT '',
				tag TEXT NOT NULL DEFAULT '',
				is_dirty INTEGER NOT NULL DEFAULT 0,
				hostname TEXT NOT NULL DEFAULT '',
				username TEXT NOT NULL DEFAULT '',
				ci_provider TEXT NOT NULL DEFAULT '',
				ci_build_id TEXT NOT NULL DEFAULT '',
				jmo_version TEXT NOT NULL DEFAULT '',
				schema_version TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS findings (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
				fingerprint TEXT NOT NULL,
				severity TEXT NOT NULL
					CHECK (severity IN ('CRITICAL','HIGH','MEDIUM','LOW','INFO')),
				rule_id TEXT NOT NULL DEFAULT '',
				tool TEXT NOT NULL DEFAULT '',
				tool_version TEXT NOT NULL DEFAULT '',
				path TEXT NOT NULL DEFAULT '',
				start_line INTEGER NOT NULL DEFAULT 0,
				end_line INTEGER NOT NULL DEFAULT 0,
				title TEXT NOT NULL DEFAULT '',
				message TEXT NOT NULL DEFAULT '',
				remediation TEXT NOT NULL DEFAULT '',
				owasp_top10 TEXT NOT NULL DEFAULT '',
				cwe_top25 TEXT NOT NULL DEFAULT '',
				cis_controls TEXT NOT NULL DEFAULT '',
				nist_csf TEXT NOT NULL DEFAULT '',
				pci_dss TEXT NOT NULL DEFAULT '',
				mitre_attack TEXT NOT NULL DEFAULT '',
				cvss_score REAL NOT NULL DEFAULT 0,
				confidence TEXT NOT NULL DEFAULT ''
					CHECK (confidence IN ('','HIGH','MEDIUM','LOW')),
				likelihood TEXT NOT NULL DEFAULT ''
					CHECK (likelihood IN ('','HIGH','MEDIUM','LOW')),
				impact TEXT NOT NULL DEFAULT ''
					CHECK (impact IN ('','HIGH','MEDIUM','LOW')),
				raw TEXT NOT NULL DEFAULT '',
				UNIQUE (scan_id, fingerprint)
			)`,
			`CREATE TABLE IF NOT EXISTS scan_metadata (
				scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
				key TEXT NOT NULL,
				value TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (scan_id, key)
			)`,
			`CREATE TABLE IF NOT EXISTS attestations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
				predicate_type TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_scans_timestamp ON scans(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_scans_branch ON scans(branch, timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_scans_tag ON scans(tag)`,
			`CREATE INDEX IF NOT EXISTS idx_scans_commit ON scans(commit_hash)`,
			`CREATE INDEX IF NOT EXISTS idx_scans_target_type ON scans(target_type)`,
			`CREATE INDEX IF NOT EXISTS idx_scans_profile ON scans(profile)`,
			`CREATE INDEX IF NOT EXISTS idx_findings_scan_id ON findings(scan_id)`,
			`CREATE INDEX IF NOT EXISTS idx_findings_fingerprint ON findings(fingerprint)`,
			`CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity)`,
			`CREATE INDEX IF NOT EXISTS idx_findings_tool ON findings(tool)`,
			`CREATE INDEX IF NOT EXISTS idx_findings_rule ON findings(rule_id)`,
			`CREATE INDEX IF NOT EXISTS idx_findings_path ON findings(path)`,
			`CREATE INDEX IF NOT EXISTS idx_findings_cvss ON findings(cvss_score DESC)`,
			// Severity counters live on the scan row and are maintained by
			// trigger so aggregate queries never scan the findings table.
			`CREATE TRIGGER IF NOT EXISTS trg_findings_insert
				AFTER INSERT ON findings
			BEGIN
				UPDATE scans SET
					total_findings = total_findings + 1,
					critical_count = critical_count + (NEW.severity = 'CRITICAL'),
					high_count = high_count + (NEW.severity = 'HIGH'),
					medium_count = medium_count + (NEW.severity = 'MEDIUM'),
					low_count = low_count + (NEW.severity = 'LOW'),
					info_count = info_count + (NEW.severity = 'INFO')
				WHERE id = NEW.scan_id;
			END`,
			`CREATE TRIGGER IF NOT EXISTS trg_findings_delete
				AFTER DELETE ON findings
			BEGIN
				UPDATE scans SET
					total_findings = total_findings - 1,
					critical_count = critical_count - (OLD.severity = 'CRITICAL'),
					high_count = high_count - (OLD.severity = 'HIGH'),
					medium_count = medium_count - (OLD.severity = 'MEDIUM'),
					low_count = low_count - (OLD.severity = 'LOW'),
					info_count = info_count - (OLD.severity = 'INFO')
				WHERE id = OLD.scan_id;
			END`,
			`CREATE VIEW IF NOT EXISTS latest_scan_by_branch AS
				SELECT s.* FROM scans s
				JOIN (
					SELECT branch, MAX(timestamp) AS ts FROM scans GROUP BY branch
				) latest ON s.branch = latest.branch AND s.timestamp = latest.ts`,
			`CREATE VIEW IF NOT EXISTS finding_history AS
				SELECT f.fingerprint,
				       MIN(s.timestamp) AS first_seen,
				       MAX(s.timestamp) AS last_seen,
				       COUNT(DISTINCT s.id) AS scan_count
				FROM findings f JOIN scans s ON f.scan_id = s.id
				GROUP BY f.fingerprint`,
		},
		Down: []string{
			`DROP VIEW IF EXISTS finding_history`,
			`DROP VIEW IF EXISTS latest_scan_by_branch`,
			`DROP TRIGGER IF EXISTS trg_findings_delete`,
			`DROP TRIGGER IF EXISTS trg_findings_insert`,
			`DROP TABLE IF EXISTS attestations`,
			`DROP TABLE IF EXISTS scan_metadata`,
			`DROP TABLE IF EXISTS findings`,
			`DROP TABLE IF EXISTS scans`,
		},
	},
}

// MigrationError records one failed migration attempt.
type MigrationError struct {
	Version       string `json:"version"`
	Error         string `json:"error"`
	RollbackError string `json:"rollback_error,omitempty"`
}

// MigrationResult reports what a migrate call changed.
type MigrationResult struct {
	Applied           []string         `json:"applied"`
	Errors            []MigrationError `json:"errors,omitempty"`
	Current           string           `json:"final_version"`
	RollbackPerformed bool             `json:"rollback_performed"`
}

// migrate applies every migration newer than the recorded schema version,
// in ascending order.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.Migrate(ctx)
	return err
}

// Migrate is the exported form used by the history migrate command. Each
// migration runs inside its own transaction so a failing statement leaves
// the schema at the previous version.
func (s *Store) Migrate(ctx context.Context) (*MigrationResult, error) {
	current, err := s.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]migration, 0, len(migrations))
	for _, m := range migrations {
		if compareVersions(m.Version, current) > 0 {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return compareVersions(pending[i].Version, pending[j].Version) < 0
	})

	result := &MigrationResult{Current: current}
	for _, m := range pending {
		if err := s.apply(ctx, m); err != nil {
			// The transaction already rolled back; the down steps sweep up
			// any residue from DDL that autocommitted outside it.
			migErr := MigrationError{Version: m.Version, Error: err.Error()}
			if rbErr := s.runDown(ctx, m); rbErr != nil {
				migErr.RollbackError = rbErr.Error()
			}
			result.Errors = append(result.Errors, migErr)
			result.RollbackPerformed = true
			return result, fmt.Errorf("migrate to %s: %w", m.Version, err)
		}
		result.Applied = append(result.Applied, m.Version)
		result.Current = m.Version
		log.Info().Str("version", m.Version).Msg("Applied schema migration")
	}
	return result, nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range m.Up {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_version (version, applied_at, applied_at_iso) VALUES (?, ?, ?)`,
		m.Version, now.Unix(), now.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func (s *Store) runDown(ctx context.Context, m migration) error {
	var firstErr error
	for _, stmt := range m.Down {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			log.Warn().Err(err).Str("version", m.Version).Msg("Rollback statement failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// currentVersion reads the highest recorded schema version, empty on a
// fresh database.
func (s *Store) currentVersion(ctx context.Context) (string, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("probe schema_version table: %w", err)
	}
	if exists == 0 {
		return "", nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return "", fmt.Errorf("read schema versions: %w", err)
	}
	defer rows.Close()

	var highest string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", err
		}
		if compareVersions(v, highest) > 0 {
			highest = v
		}
	}
	return highest, rows.Err()
}

// SchemaVersion returns the database's current schema version.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	return s.currentVersion(ctx)
}

// compareVersions orders dotted numeric versions; empty sorts lowest.
func compareVersions(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
