// Package storage provides the key-value backends that hold persisted
// navigation snapshots and preferences.
package storage

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQuotaExceeded is returned when a write would exceed the backend's size limit.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("storage closed")
)

// Storage is a string key-value store shared by every session of a process.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns the value for key. found is false when the key is absent.
	Get(key string) (value string, found bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Keys lists every key that starts with prefix, sorted.
	Keys(prefix string) ([]string, error)

	// Close releases the backend.
	Close() error
}

// Driver names accepted by Open.
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Driver string

	// Path is the SQLite database file.
	Path string

	// DSN is the PostgreSQL connection string. DATABASE_URL is used when empty.
	DSN string

	// Timeout bounds every SQL statement.
	Timeout time.Duration

	// MaxBytes limits the memory backend. Zero means unlimited.
	MaxBytes int

	// Retries is how often a transient SQL failure is retried. Zero uses
	// the default; a negative value disables retries.
	Retries int

	// Logger receives retry and circuit breaker events.
	Logger *zap.Logger
}

// Open creates the backend named by opts.Driver. The "none" driver returns a
// nil Storage, which disables persistence. SQL backends are wrapped in a
// Resilient store.
func Open(opts Options) (Storage, error) {
	switch opts.Driver {
	case DriverNone:
		return nil, nil
	case "", DriverMemory:
		return NewMemory(opts.MaxBytes), nil
	case DriverSQLite:
		s, err := NewSQLite(opts.Path, opts.Timeout)
		if err != nil {
			return nil, err
		}
		return NewResilient(s, DriverSQLite, ResilienceConfig{MaxRetries: opts.Retries}, opts.Logger), nil
	case DriverPostgres:
		s, err := NewPostgres(opts.DSN, opts.Timeout)
		if err != nil {
			return nil, err
		}
		return NewResilient(s, DriverPostgres, ResilienceConfig{MaxRetries: opts.Retries}, opts.Logger), nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", opts.Driver)
	}
}
