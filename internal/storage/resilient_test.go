package storage

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flakyStorage fails the next n calls with err before delegating.
type flakyStorage struct {
	Storage
	err   error
	fails int
	calls int
}

func (f *flakyStorage) Set(key, value string) error {
	f.calls++
	if f.fails > 0 {
		f.fails--
		return f.err
	}
	return f.Storage.Set(key, value)
}

func (f *flakyStorage) Get(key string) (string, bool, error) {
	f.calls++
	if f.fails > 0 {
		f.fails--
		return "", false, f.err
	}
	return f.Storage.Get(key)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestResilient(inner Storage, cfg ResilienceConfig, logger *zap.Logger) (*Resilient, *fakeClock, *[]time.Duration) {
	r := NewResilient(inner, "test", cfg, logger)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var slept []time.Duration
	r.now = clock.now
	r.lastStateChange = clock.t
	r.sleep = func(d time.Duration) { slept = append(slept, d) }
	return r, clock, &slept
}

func TestResilientPassesThrough(t *testing.T) {
	r := NewResilient(NewMemory(0), "memory", ResilienceConfig{}, nil)
	exerciseStorage(t, r)
}

func TestResilientRetriesTransientErrors(t *testing.T) {
	inner := &flakyStorage{Storage: NewMemory(0), err: driver.ErrBadConn, fails: 2}
	r, _, slept := newTestResilient(inner, ResilienceConfig{MaxRetries: 2, BaseDelay: 10 * time.Millisecond}, nil)

	require.NoError(t, r.Set("mbs-drillto", "true"))
	assert.Equal(t, 3, inner.calls)
	require.Len(t, *slept, 2)
	assert.InDelta(t, 10*time.Millisecond, (*slept)[0], float64(2*time.Millisecond))
	assert.InDelta(t, 20*time.Millisecond, (*slept)[1], float64(4*time.Millisecond))

	value, found, err := r.Get("mbs-drillto")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "true", value)
}

func TestResilientDoesNotRetryPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"quota", ErrQuotaExceeded},
		{"closed", ErrClosed},
		{"syntax", errors.New(`pq: syntax error at or near "SELEC"`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &flakyStorage{Storage: NewMemory(0), err: tt.err, fails: 1}
			r, _, slept := newTestResilient(inner, ResilienceConfig{}, nil)

			err := r.Set("k", "v")
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, inner.calls)
			assert.Empty(t, *slept)
			assert.Equal(t, BreakerClosed, r.State())
		})
	}
}

func TestResilientBreaker(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	inner := &flakyStorage{Storage: NewMemory(0), err: fmt.Errorf("dial tcp: connection refused"), fails: 100}
	cfg := ResilienceConfig{
		MaxRetries:       -1,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Second,
	}
	r, clock, _ := newTestResilient(inner, cfg, zap.New(core))

	for range 3 {
		assert.Error(t, r.Set("k", "v"))
	}
	assert.Equal(t, BreakerOpen, r.State())
	assert.Equal(t, 1, logs.FilterMessage("circuit breaker opened, failing fast").Len())

	calls := inner.calls
	assert.ErrorIs(t, r.Set("k", "v"), ErrUnavailable)
	assert.Equal(t, calls, inner.calls, "open breaker must not reach the backend")

	// After the timeout one probe is let through; a failure reopens.
	clock.advance(11 * time.Second)
	assert.Error(t, r.Set("k", "v"))
	assert.Equal(t, BreakerOpen, r.State())

	// The backend recovers; two probes close the breaker.
	inner.fails = 0
	clock.advance(11 * time.Second)
	require.NoError(t, r.Set("k", "v"))
	assert.Equal(t, BreakerHalfOpen, r.State())
	require.NoError(t, r.Set("k", "v"))
	assert.Equal(t, BreakerClosed, r.State())
}

func TestResilientFailureWindow(t *testing.T) {
	inner := &flakyStorage{Storage: NewMemory(0), err: errors.New("i/o timeout"), fails: 100}
	r, clock, _ := newTestResilient(inner, ResilienceConfig{
		MaxRetries:       -1,
		FailureThreshold: 2,
		FailureWindow:    time.Second,
	}, nil)

	assert.Error(t, r.Set("k", "v"))
	clock.advance(2 * time.Second)
	assert.Error(t, r.Set("k", "v"))
	assert.Equal(t, BreakerClosed, r.State(), "failures outside the window do not count")

	assert.Error(t, r.Set("k", "v"))
	assert.Equal(t, BreakerOpen, r.State())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{driver.ErrBadConn, true},
		{fmt.Errorf("sqlite storage: set: %w", errors.New("database is locked (5) (SQLITE_BUSY)")), true},
		{errors.New("context deadline exceeded"), true},
		{fmt.Errorf("wrapped: %w", ErrClosed), false},
		{ErrUnavailable, false},
		{errors.New("no such table: nav_state"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isTransient(tt.err), "%v", tt.err)
	}
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
