// Package history persists scan results to an embedded SQLite database and
// serves the queries the diff and trend layers are built on.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the database location when none is configured.
const DefaultDBPath = ".jmo/history.db"

// Store wraps one SQLite database handle. Safe for concurrent use; SQLite
// serializes writers and the busy timeout absorbs short contention.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the history database, applies connection pragmas
// and runs any pending schema migrations. The parent directory is created
// with owner-only permissions since raw findings may contain sensitive
// context even after redaction.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	store, err := openRaw(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.migrate(ctx); err != nil {
		store.db.Close()
		return nil, err
	}
	if err := os.Chmod(store.path, 0o600); err != nil {
		store.db.Close()
		return nil, fmt.Errorf("restrict database permissions: %w", err)
	}
	return store, nil
}

// openRaw opens the database without touching the schema. Recovery uses it
// to dump a damaged file exactly as found.
func openRaw(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between pool members.
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: dbPath}, nil
}

// dsn builds the connection string with the pragmas every connection needs.
func dsn(dbPath string) string {
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(30000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(ON)")
	params.Add("_pragma", "cache_size(10000)")
	params.Add("_pragma", "temp_store(MEMORY)")
	return dbPath + "?" + params.Encode()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying handle for the trend queries that live in
// their own package.
func (s *Store) DB() *sql.DB {
	return s.db
}
