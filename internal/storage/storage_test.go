package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStorage runs the behavior every backend must share.
func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()

	_, found, err := s.Get("mbs-nav-life")
	require.NoError(t, err)
	assert.False(t, found, "expected miss for absent key")

	require.NoError(t, s.Set("mbs-nav-life", `{"a":1}`))
	require.NoError(t, s.Set("mbs-nav-promises", `{"b":2}`))
	require.NoError(t, s.Set("mbs-drillto", "false"))
	require.NoError(t, s.Set("other_key", "x"))

	value, found, err := s.Get("mbs-nav-life")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"a":1}`, value)

	require.NoError(t, s.Set("mbs-nav-life", `{"a":2}`))
	value, _, err = s.Get("mbs-nav-life")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, value, "set should overwrite")

	keys, err := s.Keys("mbs-nav-")
	require.NoError(t, err)
	assert.Equal(t, []string{"mbs-nav-life", "mbs-nav-promises"}, keys)

	keys, err = s.Keys("other_")
	require.NoError(t, err)
	assert.Equal(t, []string{"other_key"}, keys, "underscore in prefix must not act as a wildcard")

	require.NoError(t, s.Delete("mbs-nav-life"))
	require.NoError(t, s.Delete("never-set"))
	_, found, err = s.Get("mbs-nav-life")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close should be idempotent")

	_, _, err = s.Get("mbs-drillto")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set("k", "v"), ErrClosed)
}

func TestMemoryStorage(t *testing.T) {
	exerciseStorage(t, NewMemory(0))
}

func TestMemoryQuota(t *testing.T) {
	m := NewMemory(20)

	require.NoError(t, m.Set("key", "0123456789"))
	assert.Equal(t, 13, m.Size())

	err := m.Set("other", "0123456789")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 1, m.Len(), "failed write must not be stored")

	// Replacing a value only counts the difference.
	require.NoError(t, m.Set("key", "01234567890123456"))
	assert.Equal(t, 20, m.Size())

	require.NoError(t, m.Delete("key"))
	assert.Equal(t, 0, m.Size())
	require.NoError(t, m.Set("other", "0123456789"))
}

func TestMemoryConcurrentAccess(t *testing.T) {
	m := NewMemory(0)
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("mbs-nav-%d", i)
			assert.NoError(t, m.Set(key, "v"))
			_, _, err := m.Get(key)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	keys, err := m.Keys("mbs-nav-")
	require.NoError(t, err)
	assert.Len(t, keys, 20)
}

func TestSQLiteStorage(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nav.db"), 0)
	require.NoError(t, err)
	exerciseStorage(t, s)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "nav.db")

	s, err := NewSQLite(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.Set("mbs-nav-life", "saved"))
	require.NoError(t, s.Close())

	s, err = NewSQLite(path, 0)
	require.NoError(t, err)
	defer s.Close()

	value, found, err := s.Get("mbs-nav-life")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "saved", value)
	assert.Equal(t, path, s.Path())
}

func TestPostgresStorage(t *testing.T) {
	dsn := os.Getenv("DRILLSHOW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("DRILLSHOW_TEST_DATABASE_URL not set")
	}
	s, err := NewPostgres(dsn, 0)
	require.NoError(t, err)
	for _, key := range []string{"mbs-nav-life", "mbs-nav-promises", "mbs-drillto", "other_key"} {
		require.NoError(t, s.Delete(key))
	}
	exerciseStorage(t, s)
}

func TestPostgresRequiresDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := NewPostgres("", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		wantNil   bool
		wantErr   bool
		resilient bool
	}{
		{name: "default is memory", opts: Options{}},
		{name: "memory", opts: Options{Driver: DriverMemory, MaxBytes: 100}},
		{name: "none disables", opts: Options{Driver: DriverNone}, wantNil: true},
		{name: "sqlite", opts: Options{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "open.db")}, resilient: true},
		{name: "unknown", opts: Options{Driver: "redis"}, wantNil: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			if tt.wantNil {
				assert.Nil(t, s)
				return
			}
			require.NotNil(t, s)
			if tt.resilient {
				r, ok := s.(*Resilient)
				require.True(t, ok, "SQL backends are wrapped")
				assert.IsType(t, &SQLite{}, r.Unwrap())
			}
			assert.NoError(t, s.Close())
		})
	}
}

func TestLikePrefix(t *testing.T) {
	assert.Equal(t, `mbs-nav-%`, likePrefix("mbs-nav-"))
	assert.Equal(t, `a\_b\%c\\%`, likePrefix(`a_b%c\`))
}
