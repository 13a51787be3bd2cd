package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetGetPresenter(t *testing.T) {
	SetPresenter("alice")
	assert.Equal(t, "alice", GetPresenter())

	SetPresenter("bob")
	assert.Equal(t, "bob", GetPresenter())
}

func TestSetPresenterDefaultsToUser(t *testing.T) {
	t.Setenv("USER", "testuser")

	SetPresenter("")
	assert.Equal(t, "testuser", GetPresenter())
}

func TestClearAllowedDefault(t *testing.T) {
	SetAllowClear(false)
	assert.False(t, IsClearAllowed())
}

func TestSetAllowClear(t *testing.T) {
	SetAllowClear(false)

	SetAllowClear(true)
	assert.True(t, IsClearAllowed())

	SetAllowClear(false)
	assert.False(t, IsClearAllowed())
}

func TestRuntimeConcurrentAccess(t *testing.T) {
	defer SetAllowClear(false)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			SetAllowClear(i%2 == 0)
			SetPresenter("p")
		}(i)
		go func() {
			defer wg.Done()
			_ = IsClearAllowed()
			_ = GetPresenter()
		}()
	}
	wg.Wait()
	assert.Equal(t, "p", GetPresenter())
}
