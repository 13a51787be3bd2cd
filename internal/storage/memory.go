package storage

import (
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Storage. With a byte limit it behaves like browser
// local storage: writes that would push the total size of keys and values
// past the limit fail with ErrQuotaExceeded and leave the old value in place.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]string
	size     int
	maxBytes int
	closed   bool
}

// NewMemory creates an in-memory store. maxBytes <= 0 means unlimited.
func NewMemory(maxBytes int) *Memory {
	return &Memory{
		entries:  make(map[string]string),
		maxBytes: maxBytes,
	}
}

// Get returns the value stored under key.
func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, ErrClosed
	}
	value, ok := m.entries[key]
	return value, ok, nil
}

// Set stores value under key.
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	size := m.size + len(value)
	if old, ok := m.entries[key]; ok {
		size -= len(old)
	} else {
		size += len(key)
	}
	if m.maxBytes > 0 && size > m.maxBytes {
		return ErrQuotaExceeded
	}

	m.entries[key] = value
	m.size = size
	return nil
}

// Delete removes key.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if old, ok := m.entries[key]; ok {
		m.size -= len(key) + len(old)
		delete(m.entries, key)
	}
	return nil
}

// Keys lists keys with the given prefix in sorted order.
func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	var keys []string
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close drops every entry. Safe to call multiple times.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.entries = nil
	m.size = 0
	return nil
}

// Len returns the number of entries (for testing).
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Size returns the bytes currently used by keys and values.
func (m *Memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}
