package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DefaultSQLitePath is used when no database path is configured.
const DefaultSQLitePath = "./drillshow.db"

var sqliteQueries = sqlQueries{
	create: `CREATE TABLE IF NOT EXISTS nav_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	get: `SELECT value FROM nav_state WHERE key = ?`,
	upsert: `INSERT INTO nav_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
	delete: `DELETE FROM nav_state WHERE key = ?`,
	keys:   `SELECT key FROM nav_state WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
}

// SQLite persists navigation state in a local database file.
type SQLite struct {
	*sqlStore
	path string
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(path string, timeout time.Duration) (*SQLite, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite storage: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: failed to open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between sessions.
	db.SetMaxOpenConns(1)

	store, err := newSQLStore("sqlite", db, sqliteQueries, timeout)
	if err != nil {
		return nil, err
	}
	return &SQLite{sqlStore: store, path: path}, nil
}

// Path returns the database file.
func (s *SQLite) Path() string {
	return s.path
}
