package config

import (
	"os"
	"sync"
)

// RuntimeConfig stores configuration set at runtime via CLI flags.
// These values are not persisted to config files.
type RuntimeConfig struct {
	mu         sync.RWMutex
	presenter  string
	allowClear bool
}

var globalRuntime = &RuntimeConfig{}

// SetAllowClear enables or disables the clear command for viewer sessions.
// Clearing wipes saved progress for every viewer of a deck, so it is off
// by default.
func SetAllowClear(allow bool) {
	globalRuntime.mu.Lock()
	defer globalRuntime.mu.Unlock()
	globalRuntime.allowClear = allow
}

// IsClearAllowed returns whether sessions may clear saved progress.
func IsClearAllowed() bool {
	globalRuntime.mu.RLock()
	defer globalRuntime.mu.RUnlock()
	return globalRuntime.allowClear
}

// SetPresenter sets the presenter name reported to viewers.
// If empty, defaults to the current user from $USER environment variable.
func SetPresenter(name string) {
	globalRuntime.mu.Lock()
	defer globalRuntime.mu.Unlock()

	if name == "" {
		name = os.Getenv("USER")
	}
	globalRuntime.presenter = name
}

// GetPresenter returns the presenter name.
// Returns empty string if not set and $USER is not available.
func GetPresenter() string {
	globalRuntime.mu.RLock()
	defer globalRuntime.mu.RUnlock()
	return globalRuntime.presenter
}
