package storage

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var postgresQueries = sqlQueries{
	create: `CREATE TABLE IF NOT EXISTS nav_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	get: `SELECT value FROM nav_state WHERE key = $1`,
	upsert: `INSERT INTO nav_state (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
	delete: `DELETE FROM nav_state WHERE key = $1`,
	keys:   `SELECT key FROM nav_state WHERE key LIKE $1 ESCAPE '\' ORDER BY key`,
}

// Postgres shares navigation state between server instances.
type Postgres struct {
	*sqlStore
}

// NewPostgres connects to dsn, falling back to the DATABASE_URL environment
// variable.
func NewPostgres(dsn string, timeout time.Duration) (*Postgres, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres storage: database connection required (set storage.dsn or DATABASE_URL env)")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := newSQLStore("postgres", db, postgresQueries, timeout)
	if err != nil {
		return nil, err
	}
	return &Postgres{sqlStore: store}, nil
}
