package storage

import (
	"database/sql/driver"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("storage unavailable")

// BreakerState is the state of a Resilient store's circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, calls allowed
	BreakerOpen                         // Too many failures, calls fail fast
	BreakerHalfOpen                     // Probing whether the backend recovered
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ResilienceConfig configures retries and the circuit breaker.
type ResilienceConfig struct {
	MaxRetries int           // Retries after the first attempt (default: 2)
	BaseDelay  time.Duration // Initial backoff (default: 50ms)
	MaxDelay   time.Duration // Backoff cap (default: 1s)
	Multiplier float64       // Backoff growth (default: 2.0)

	FailureThreshold int           // Failures within FailureWindow that open the breaker (default: 5)
	SuccessThreshold int           // Half-open successes that close it (default: 2)
	OpenTimeout      time.Duration // Time before an open breaker probes again (default: 30s)
	FailureWindow    time.Duration // Window failures are counted in (default: 1m)
}

// DefaultResilienceConfig returns the default configuration.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxRetries:       2,
		BaseDelay:        50 * time.Millisecond,
		MaxDelay:         time.Second,
		Multiplier:       2.0,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		FailureWindow:    time.Minute,
	}
}

// Resilient wraps a networked or file-backed Storage. Transient failures
// are retried with jittered exponential backoff; repeated failures open a
// circuit breaker so navigation does not wait on a dead database for every
// transition.
type Resilient struct {
	inner Storage
	name  string
	cfg   ResilienceConfig
	log   *zap.Logger
	sleep func(time.Duration)
	now   func() time.Time

	mu              sync.Mutex
	state           BreakerState
	failures        []time.Time
	successes       int
	lastStateChange time.Time
}

// NewResilient wraps inner. Zero fields of cfg take their defaults; a
// negative MaxRetries disables retries.
func NewResilient(inner Storage, name string, cfg ResilienceConfig, logger *zap.Logger) *Resilient {
	def := DefaultResilienceConfig()
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = def.MaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resilient{
		inner:           inner,
		name:            name,
		cfg:             cfg,
		log:             logger.Named("storage").With(zap.String("backend", name)),
		sleep:           time.Sleep,
		now:             time.Now,
		lastStateChange: time.Now(),
	}
}

// Unwrap returns the wrapped backend.
func (r *Resilient) Unwrap() Storage {
	return r.inner
}

func (r *Resilient) Get(key string) (value string, found bool, err error) {
	err = r.do("get", func() error {
		var e error
		value, found, e = r.inner.Get(key)
		return e
	})
	return value, found, err
}

func (r *Resilient) Set(key, value string) error {
	return r.do("set", func() error { return r.inner.Set(key, value) })
}

func (r *Resilient) Delete(key string) error {
	return r.do("delete", func() error { return r.inner.Delete(key) })
}

func (r *Resilient) Keys(prefix string) (keys []string, err error) {
	err = r.do("keys", func() error {
		var e error
		keys, e = r.inner.Keys(prefix)
		return e
	})
	return keys, err
}

// Close closes the wrapped backend without retrying.
func (r *Resilient) Close() error {
	return r.inner.Close()
}

// State returns the breaker state.
func (r *Resilient) State() BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Resilient) do(op string, fn func() error) error {
	if !r.allow() {
		return ErrUnavailable
	}

	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		err = fn()
		if err == nil {
			if attempt > 0 {
				r.log.Debug("succeeded after retry", zap.String("op", op), zap.Int("attempt", attempt+1))
			}
			r.record(nil)
			return nil
		}
		if !isTransient(err) {
			r.record(err)
			return err
		}
		if attempt < r.cfg.MaxRetries {
			delay := r.backoff(attempt)
			r.log.Debug("transient failure, retrying",
				zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
			r.sleep(delay)
		}
	}

	r.log.Warn("all attempts failed", zap.String("op", op), zap.Int("attempts", r.cfg.MaxRetries+1), zap.Error(err))
	r.record(err)
	return err
}

// backoff is baseDelay * multiplier^attempt, capped, with ±20% jitter.
func (r *Resilient) backoff(attempt int) time.Duration {
	delay := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Multiplier, float64(attempt))
	if delay > float64(r.cfg.MaxDelay) {
		delay = float64(r.cfg.MaxDelay)
	}
	delay *= 0.8 + rand.Float64()*0.4
	return time.Duration(delay)
}

func (r *Resilient) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == BreakerOpen {
		if r.now().Sub(r.lastStateChange) < r.cfg.OpenTimeout {
			return false
		}
		r.transitionTo(BreakerHalfOpen)
	}
	return true
}

// record updates the breaker. Only transient failures count against the
// backend.
func (r *Resilient) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	switch {
	case err == nil:
		switch r.state {
		case BreakerHalfOpen:
			r.successes++
			if r.successes >= r.cfg.SuccessThreshold {
				r.transitionTo(BreakerClosed)
			}
		case BreakerClosed:
			r.failures = r.failures[:0]
		}

	case isTransient(err):
		r.failures = append(r.failures, now)
		cutoff := now.Add(-r.cfg.FailureWindow)
		recent := r.failures[:0]
		for _, t := range r.failures {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		r.failures = recent

		switch r.state {
		case BreakerClosed:
			if len(r.failures) >= r.cfg.FailureThreshold {
				r.transitionTo(BreakerOpen)
			}
		case BreakerHalfOpen:
			r.transitionTo(BreakerOpen)
		}
	}
}

func (r *Resilient) transitionTo(state BreakerState) {
	if r.state == state {
		return
	}
	old := r.state
	r.state = state
	r.lastStateChange = r.now()
	r.successes = 0
	if state == BreakerClosed {
		r.failures = r.failures[:0]
	}

	fields := []zap.Field{zap.Stringer("from", old), zap.Stringer("to", state)}
	if state == BreakerOpen {
		r.log.Warn("circuit breaker opened, failing fast", append(fields, zap.Duration("for", r.cfg.OpenTimeout))...)
		return
	}
	r.log.Info("circuit breaker state changed", fields...)
}

// isTransient reports whether err is worth retrying: a dropped connection,
// a timeout, or a busy database.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrUnavailable) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"deadline exceeded",
		"timeout",
		"database is locked",
		"too many connections",
		"the database system is starting up",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
