package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	jmoerrors "github.com/jmo-sec/jmo/internal/errors"
	"github.com/jmo-sec/jmo/internal/models"
)

// ScanRecord is one row of the scans table.
type ScanRecord struct {
	ID            string   `json:"id"`
	Timestamp     int64    `json:"timestamp"`
	TimestampISO  string   `json:"timestamp_iso"`
	Profile       string   `json:"profile"`
	Tools         string   `json:"tools"`
	Targets       []string `json:"targets,omitempty"`
	TargetType    string   `json:"target_type,omitempty"`
	TargetCount   int      `json:"target_count"`
	FindingCount  int      `json:"total_findings"`
	CriticalCount int      `json:"critical_count"`
	HighCount     int      `json:"high_count"`
	MediumCount   int      `json:"medium_count"`
	LowCount      int      `json:"low_count"`
	InfoCount     int      `json:"info_count"`
	Duration      float64  `json:"duration_seconds"`
	Branch        string   `json:"branch"`
	CommitHash    string   `json:"commit_hash"`
	CommitShort   string   `json:"commit_short"`
	Tag           string   `json:"tag"`
	IsDirty       bool     `json:"is_dirty"`
	Hostname      string   `json:"hostname,omitempty"`
	Username      string   `json:"username,omitempty"`
	CIProvider    string   `json:"ci_provider,omitempty"`
	CIBuildID     string   `json:"ci_build_id,omitempty"`
	JMOVersion    string   `json:"jmo_version"`
	SchemaVersion string   `json:"schema_version"`
}

// FindingRecord is one row of the findings table with its raw payload
// decrypted when possible. Compliance columns are stored as JSON text and
// decoded on read.
type FindingRecord struct {
	ScanID      string            `json:"scan_id"`
	Fingerprint string            `json:"fingerprint"`
	Severity    string            `json:"severity"`
	RuleID      string            `json:"rule_id"`
	Tool        string            `json:"tool"`
	ToolVersion string            `json:"tool_version,omitempty"`
	Path        string            `json:"path"`
	StartLine   int               `json:"start_line"`
	EndLine     int               `json:"end_line,omitempty"`
	Title       string            `json:"title,omitempty"`
	Message     string            `json:"message"`
	Remediation string            `json:"remediation,omitempty"`
	Compliance  models.Compliance `json:"compliance,omitempty"`
	CVSSScore   float64           `json:"cvss_score,omitempty"`
	Confidence  string            `json:"confidence,omitempty"`
	Likelihood  string            `json:"likelihood,omitempty"`
	Impact      string            `json:"impact,omitempty"`
	Raw         string            `json:"raw,omitempty"`
}

const scanColumns = `id, timestamp, timestamp_iso, profile, tools, targets,
	target_type, target_count, total_findings,
	critical_count, high_count, medium_count, low_count, info_count,
	duration_seconds, branch, commit_hash, commit_short, tag, is_dirty,
	hostname, username, ci_provider, ci_build_id,
	jmo_version, schema_version`

const findingColumns = `scan_id, fingerprint, severity, rule_id, tool, tool_version,
	path, start_line, end_line, title, message, remediation,
	owasp_top10, cwe_top25, cis_controls, nist_csf, pci_dss, mitre_attack,
	cvss_score, confidence, likelihood, impact, raw`

func scanRecordFrom(row interface{ Scan(...any) error }) (ScanRecord, error) {
	var r ScanRecord
	var dirty int
	var targets string
	err := row.Scan(&r.ID, &r.Timestamp, &r.TimestampISO, &r.Profile, &r.Tools,
		&targets, &r.TargetType, &r.TargetCount,
		&r.FindingCount, &r.CriticalCount, &r.HighCount, &r.MediumCount,
		&r.LowCount, &r.InfoCount, &r.Duration, &r.Branch, &r.CommitHash,
		&r.CommitShort, &r.Tag, &dirty, &r.Hostname, &r.Username,
		&r.CIProvider, &r.CIBuildID, &r.JMOVersion, &r.SchemaVersion)
	r.IsDirty = dirty != 0
	r.Targets = decodeList(targets)
	return r, err
}

// findingRecordFrom scans one findings row; raw is returned in its stored
// form so callers choose whether to decrypt.
func findingRecordFrom(row interface{ Scan(...any) error }) (FindingRecord, string, error) {
	var f FindingRecord
	var raw, owasp, cwe, cis, nist, pci, mitre string
	err := row.Scan(&f.ScanID, &f.Fingerprint, &f.Severity, &f.RuleID,
		&f.Tool, &f.ToolVersion, &f.Path, &f.StartLine, &f.EndLine,
		&f.Title, &f.Message, &f.Remediation,
		&owasp, &cwe, &cis, &nist, &pci, &mitre,
		&f.CVSSScore, &f.Confidence, &f.Likelihood, &f.Impact, &raw)
	if err != nil {
		return f, "", err
	}
	f.Compliance = models.Compliance{
		OWASPTop10:  decodeList(owasp),
		CWETop25:    decodeList(cwe),
		CISControls: decodeList(cis),
		NISTCSF:     decodeList(nist),
		PCIDSS:      decodeList(pci),
		MITREAttack: decodeList(mitre),
	}
	return f, raw, nil
}

// encodeList stores a string slice as JSON text, empty string for none.
func encodeList(values []string) string {
	if len(values) == 0 {
		return ""
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// ResolveScanID accepts a full scan ID or a unique prefix of at least four
// characters. Ambiguous prefixes return ErrAmbiguousID.
func (s *Store) ResolveScanID(ctx context.Context, idOrPrefix string) (string, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return "", jmoerrors.ErrInvalidInput
	}

	var exact string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM scans WHERE id = ?`, idOrPrefix).Scan(&exact)
	if err == nil {
		return exact, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", jmoerrors.WrapStoreError("resolve scan id", err)
	}
	if len(idOrPrefix) < 4 {
		return "", fmt.Errorf("scan %q: %w", idOrPrefix, jmoerrors.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM scans WHERE id LIKE ? || '%' LIMIT 2`, idOrPrefix)
	if err != nil {
		return "", jmoerrors.WrapStoreError("resolve scan prefix", err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		matches = append(matches, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("scan %q: %w", idOrPrefix, jmoerrors.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("scan prefix %q: %w", idOrPrefix, jmoerrors.ErrAmbiguousID)
	}
}

// ListScans returns recent scans, newest first. branch narrows to one
// branch when non-empty; limit <= 0 means 20.
func (s *Store) ListScans(ctx context.Context, branch string, limit int) ([]ScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + scanColumns + ` FROM scans`
	args := []any{}
	if branch != "" {
		query += ` WHERE branch = ?`
		args = append(args, branch)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("list scans", err)
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		r, err := scanRecordFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetScan returns one scan row with its findings.
func (s *Store) GetScan(ctx context.Context, idOrPrefix string) (*ScanRecord, []FindingRecord, error) {
	id, err := s.ResolveScanID(ctx, idOrPrefix)
	if err != nil {
		return nil, nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, id)
	record, err := scanRecordFrom(row)
	if err != nil {
		return nil, nil, jmoerrors.WrapStoreError("load scan", err)
	}

	findings, err := s.findingsForScan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return &record, findings, nil
}

func (s *Store) findingsForScan(ctx context.Context, scanID string) ([]FindingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+findingColumns+`
		FROM findings WHERE scan_id = ?
		ORDER BY CASE severity
			WHEN 'CRITICAL' THEN 0 WHEN 'HIGH' THEN 1 WHEN 'MEDIUM' THEN 2
			WHEN 'LOW' THEN 3 ELSE 4 END, path, rule_id`, scanID)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("load findings", err)
	}
	defer rows.Close()
	return collectFindings(rows)
}

func collectFindings(rows *sql.Rows) ([]FindingRecord, error) {
	var out []FindingRecord
	for rows.Next() {
		f, raw, err := findingRecordFrom(rows)
		if err != nil {
			return nil, err
		}
		plain, err := decryptRaw(raw)
		if err != nil {
			if errors.Is(err, jmoerrors.ErrKeyMissing) {
				// Leave the payload sealed rather than failing the query.
				plain = ""
			} else {
				return nil, err
			}
		}
		f.Raw = plain
		out = append(out, f)
	}
	return out, rows.Err()
}

// Fingerprints returns the fingerprint set of one scan. The diff and trend
// layers compare these sets without materializing full finding rows.
func (s *Store) Fingerprints(ctx context.Context, idOrPrefix string) (map[string]struct{}, error) {
	id, err := s.ResolveScanID(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint FROM findings WHERE scan_id = ?`, id)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("load fingerprints", err)
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		out[fp] = struct{}{}
	}
	return out, rows.Err()
}

// QueryFilter narrows a findings query. Zero values mean "no constraint".
type QueryFilter struct {
	MinSeverity models.Severity
	Tool        string
	RuleID      string
	PathGlob    string
	Branch      string
	SinceDays   int
	Limit       int
}

// QueryFindings searches stored findings across scans.
func (s *Store) QueryFindings(ctx context.Context, filter QueryFilter) ([]FindingRecord, error) {
	// The finding column names do not collide with any scans column, so the
	// shared list needs no alias prefix inside the join.
	query := `
		SELECT ` + findingColumns + `
		FROM findings f JOIN scans s ON f.scan_id = s.id WHERE 1=1`
	var args []any

	if filter.MinSeverity != "" {
		levels := severitiesAtLeast(filter.MinSeverity)
		query += ` AND f.severity IN (` + placeholders(len(levels)) + `)`
		for _, l := range levels {
			args = append(args, l)
		}
	}
	if filter.Tool != "" {
		query += ` AND f.tool = ?`
		args = append(args, filter.Tool)
	}
	if filter.RuleID != "" {
		query += ` AND f.rule_id = ?`
		args = append(args, filter.RuleID)
	}
	if filter.Branch != "" {
		query += ` AND s.branch = ?`
		args = append(args, filter.Branch)
	}
	if filter.SinceDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -filter.SinceDays).Unix()
		query += ` AND s.timestamp >= ?`
		args = append(args, cutoff)
	}
	query += ` ORDER BY s.timestamp DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("query findings", err)
	}
	defer rows.Close()

	findings, err := collectFindings(rows)
	if err != nil {
		return nil, err
	}
	// Glob matching happens in-process; SQLite LIKE cannot express the
	// wildcard syntax the include/exclude filters use.
	if filter.PathGlob != "" {
		filtered := findings[:0]
		for _, f := range findings {
			if wildcard.Match(filter.PathGlob, f.Path) {
				filtered = append(filtered, f)
			}
		}
		findings = filtered
	}
	return findings, nil
}

func severitiesAtLeast(min models.Severity) []string {
	var out []string
	for _, sev := range models.Severities {
		if sev.Rank() >= min.Rank() {
			out = append(out, string(sev))
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// DeleteScan removes one scan; findings and metadata cascade.
func (s *Store) DeleteScan(ctx context.Context, idOrPrefix string) error {
	id, err := s.ResolveScanID(ctx, idOrPrefix)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scans WHERE id = ?`, id); err != nil {
		return jmoerrors.WrapStoreError("delete scan", err)
	}
	log.Info().Str("scan_id", id).Msg("Scan deleted")
	return nil
}

// Prune removes old scans. keep retains the N newest; olderThanDays removes
// scans before the cutoff. Either may be zero; both combine.
func (s *Store) Prune(ctx context.Context, keep, olderThanDays int) (int64, error) {
	var removed int64
	if olderThanDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -olderThanDays).Unix()
		res, err := s.db.ExecContext(ctx, `DELETE FROM scans WHERE timestamp < ?`, cutoff)
		if err != nil {
			return removed, jmoerrors.WrapStoreError("prune by age", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if keep > 0 {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM scans WHERE id NOT IN (
				SELECT id FROM scans ORDER BY timestamp DESC LIMIT ?
			)`, keep)
		if err != nil {
			return removed, jmoerrors.WrapStoreError("prune by count", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Msg("History pruned")
	}
	return removed, nil
}

// Stats summarizes the database contents.
type Stats struct {
	ScanCount     int            `json:"scan_count"`
	FindingCount  int            `json:"finding_count"`
	BySeverity    map[string]int `json:"by_severity"`
	ByTool        map[string]int `json:"by_tool"`
	OldestScan    int64          `json:"oldest_scan,omitempty"`
	NewestScan    int64          `json:"newest_scan,omitempty"`
	Branches      []string       `json:"branches,omitempty"`
	FileSizeBytes int64          `json:"file_size_bytes"`
	SchemaVersion string         `json:"schema_version"`
}

// Stats computes summary statistics for the whole database.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{BySeverity: map[string]int{}, ByTool: map[string]int{}}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MIN(timestamp), 0), COALESCE(MAX(timestamp), 0)
		FROM scans`).Scan(&stats.ScanCount, &stats.OldestScan, &stats.NewestScan)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("scan stats", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM findings`).Scan(&stats.FindingCount); err != nil {
		return nil, jmoerrors.WrapStoreError("finding stats", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM findings GROUP BY severity`)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("severity stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		stats.BySeverity[sev] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	toolRows, err := s.db.QueryContext(ctx, `SELECT tool, COUNT(*) FROM findings GROUP BY tool`)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("tool stats", err)
	}
	defer toolRows.Close()
	for toolRows.Next() {
		var tool string
		var n int
		if err := toolRows.Scan(&tool, &n); err != nil {
			return nil, err
		}
		stats.ByTool[tool] = n
	}
	if err := toolRows.Err(); err != nil {
		return nil, err
	}

	branchRows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT branch FROM scans WHERE branch != '' ORDER BY branch`)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("branch stats", err)
	}
	defer branchRows.Close()
	for branchRows.Next() {
		var b string
		if err := branchRows.Scan(&b); err != nil {
			return nil, err
		}
		stats.Branches = append(stats.Branches, b)
	}
	if err := branchRows.Err(); err != nil {
		return nil, err
	}

	if info, err := os.Stat(s.path); err == nil {
		stats.FileSizeBytes = info.Size()
	}
	stats.SchemaVersion, _ = s.currentVersion(ctx)
	return stats, nil
}

// Export is the portable dump format produced by the history export
// command and consumed by recovery.
type Export struct {
	SchemaVersion string                       `json:"schema_version"`
	ExportedAt    int64                        `json:"exported_at"`
	Scans         []ScanRecord                 `json:"scans"`
	Findings      []FindingRecord              `json:"findings"`
	Metadata      map[string]map[string]string `json:"metadata,omitempty"`
}

// ExportAll dumps every scan and finding as JSON. Raw payloads stay in
// their stored form, sealed ones included.
func (s *Store) ExportAll(ctx context.Context) (*Export, error) {
	export := &Export{ExportedAt: time.Now().Unix(), Metadata: map[string]map[string]string{}}
	export.SchemaVersion, _ = s.currentVersion(ctx)

	scans, err := s.ListScans(ctx, "", 1<<30)
	if err != nil {
		return nil, err
	}
	export.Scans = scans

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+findingColumns+`
		FROM findings ORDER BY scan_id, fingerprint`)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("export findings", err)
	}
	defer rows.Close()
	for rows.Next() {
		f, raw, err := findingRecordFrom(rows)
		if err != nil {
			return nil, err
		}
		f.Raw = raw
		export.Findings = append(export.Findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	metaRows, err := s.db.QueryContext(ctx, `SELECT scan_id, key, value FROM scan_metadata`)
	if err != nil {
		return nil, jmoerrors.WrapStoreError("export metadata", err)
	}
	defer metaRows.Close()
	for metaRows.Next() {
		var scanID, key, value string
		if err := metaRows.Scan(&scanID, &key, &value); err != nil {
			return nil, err
		}
		if export.Metadata[scanID] == nil {
			export.Metadata[scanID] = map[string]string{}
		}
		export.Metadata[scanID][key] = value
	}
	return export, metaRows.Err()
}

// WriteExport serializes an export to a file.
func WriteExport(export *Export, path string) error {
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}
