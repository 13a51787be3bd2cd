package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultTimeout = 5 * time.Second

// sqlQueries holds the dialect-specific statements for the nav_state table.
type sqlQueries struct {
	create string
	get    string
	upsert string
	delete string
	keys   string
}

// sqlStore implements Storage over database/sql. Each call runs under its
// own timeout so callers stay context-free.
type sqlStore struct {
	name    string
	db      *sql.DB
	q       sqlQueries
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

func newSQLStore(name string, db *sql.DB, q sqlQueries, timeout time.Duration) (*sqlStore, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &sqlStore{name: name, db: db, q: q, timeout: timeout}

	ctx, cancel := s.opContext()
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s storage: failed to connect: %w", name, err)
	}
	if _, err := db.ExecContext(ctx, q.create); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s storage: failed to create table: %w", name, err)
	}
	return s, nil
}

func (s *sqlStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *sqlStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	var value string
	err := s.db.QueryRowContext(ctx, s.q.get, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%s storage: get %q: %w", s.name, key, err)
	}
	return value, true, nil
}

func (s *sqlStore) Set(key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.q.upsert, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("%s storage: set %q: %w", s.name, key, err)
	}
	return nil
}

func (s *sqlStore) Delete(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.q.delete, key); err != nil {
		return fmt.Errorf("%s storage: delete %q: %w", s.name, key, err)
	}
	return nil
}

func (s *sqlStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q.keys, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("%s storage: list keys: %w", s.name, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%s storage: scan key: %w", s.name, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close releases the database connection. Safe to call multiple times.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// likePrefix escapes LIKE wildcards in prefix and appends %.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
