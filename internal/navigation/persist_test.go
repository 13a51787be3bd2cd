package navigation

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/livetemplate/drillshow/internal/storage"
)

func readSnapshot(t *testing.T, st storage.Storage, key string) snapshot {
	t.Helper()
	raw, found, err := st.Get(key)
	require.NoError(t, err)
	require.True(t, found, "expected %s to be stored", key)
	var snap snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	return snap
}

func writeSnapshot(t *testing.T, st storage.Storage, key string, snap snapshot) {
	t.Helper()
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, st.Set(key, string(data)))
}

func TestSnapshotWireFormat(t *testing.T) {
	h := lifeHarness(t)
	h.nextN(2)
	h.DrillInto("life/ecclesiastes.3.19", 0, false)

	raw, _, err := h.storage.Get("mbs-nav-life")
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &generic))
	assert.ElementsMatch(t, []string{"current", "stack", "slideFragments", "slideFragmentCounts", "maxSlide"}, keysOf(generic))

	stack := generic["stack"].([]any)
	require.Len(t, stack, 1)
	frame := stack[0].(map[string]any)
	assert.Equal(t, "life", frame["presentation"])
	assert.Equal(t, float64(2), frame["fragment"])
	assert.Equal(t, []any{float64(2), float64(0), float64(0)}, frame["slideFragments"])
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func TestRestoreMatchingPresentation(t *testing.T) {
	h := newHarness(t)
	writeSnapshot(t, h.storage, "mbs-nav-life", snapshot{
		Current:             Position{Presentation: "life", Slide: 1, Fragment: 7},
		SlideFragments:      []int{5, 7, 0},
		SlideFragmentCounts: []int{9, 15, 12},
		MaxSlide:            2,
	})

	h.Init("life", []int{9, 15, 12})

	state := h.Snapshot()
	assert.Equal(t, Position{Presentation: "life", Slide: 1, Fragment: 7}, state.Current)
	assert.Equal(t, []int{5, 7, 0}, state.SlideFragments)
	assert.Equal(t, 15, state.MaxFragment)
}

func TestRestoreIgnoresOtherPresentations(t *testing.T) {
	h := newHarness(t)
	writeSnapshot(t, h.storage, "mbs-nav-salvation", snapshot{
		Current:        Position{Presentation: "salvation", Slide: 2, Fragment: 3},
		SlideFragments: []int{1, 2, 3},
	})

	h.Init("life", []int{9, 15, 12})

	assert.Equal(t, Position{Presentation: "life"}, h.Snapshot().Current)
}

func TestRestoreClampsToCurrentDeck(t *testing.T) {
	h := newHarness(t)
	writeSnapshot(t, h.storage, "mbs-nav-life", snapshot{
		Current:        Position{Presentation: "life", Slide: 4, Fragment: 30},
		SlideFragments: []int{9, 9, 9, 9, 30},
	})

	h.Init("life", []int{9, 15, 12})

	state := h.Snapshot()
	assert.Equal(t, Position{Presentation: "life", Slide: 2, Fragment: 12}, state.Current)
	assert.Equal(t, []int{9, 9, 12}, state.SlideFragments)
}

func TestRefreshMidDrillCollapsesToOrigin(t *testing.T) {
	st := storage.NewMemory(0)

	first := New(WithStorage(st))
	first.Init("life", []int{9, 15, 12})
	for i := 0; i < 4; i++ {
		first.Next()
	}
	first.GoToSlide(1)
	first.Next()
	first.DrillInto("life/hebrews.9.27", 0, false)
	first.Init("life/hebrews.9.27", []int{3})
	first.Next()

	// A new viewer session on the same storage, as after a page refresh.
	second := New(WithStorage(st))
	second.Init("life", []int{9, 15, 12})

	state := second.Snapshot()
	assert.Equal(t, Position{Presentation: "life", Slide: 1, Fragment: 1}, state.Current)
	assert.Empty(t, state.Stack)
	assert.Equal(t, []int{4, 1, 0}, state.SlideFragments)
	assert.Equal(t, 15, state.MaxFragment)

	persisted := readSnapshot(t, st, "mbs-nav-life")
	assert.Empty(t, persisted.Stack, "collapsed state is written back")
}

func TestPersistenceRoundTrip(t *testing.T) {
	st := storage.NewMemory(0)

	first := New(WithStorage(st))
	first.Init("life", []int{9, 15, 12})
	first.GoToSlide(2)
	first.GoToFragment(6)
	first.GoToSlide(1)
	first.Next()
	want := first.Snapshot()

	second := New(WithStorage(st))
	second.Init("life", []int{9, 15, 12})
	got := second.Snapshot()

	assert.Equal(t, want.Current, got.Current)
	assert.Equal(t, want.SlideFragments, got.SlideFragments)
	assert.Equal(t, want.Stack, got.Stack)
}

func TestStatePersistedPerPresentation(t *testing.T) {
	h := lifeHarness(t)
	h.nextN(3)
	assert.Equal(t, 3, readSnapshot(t, h.storage, "mbs-nav-life").Current.Fragment)

	h.Reset()
	h.Init("promises", []int{5, 5, 5})
	h.Next()

	assert.Equal(t, 1, readSnapshot(t, h.storage, "mbs-nav-promises").Current.Fragment)
	life := readSnapshot(t, h.storage, "mbs-nav-life")
	assert.Equal(t, "life", life.Current.Presentation)
	assert.Equal(t, 3, life.Current.Fragment)
}

func TestDrillStateFiledUnderRoot(t *testing.T) {
	h := lifeHarness(t)
	h.nextN(2)
	h.DrillInto("life/ecclesiastes.3.19", 0, false)
	h.Init("life/ecclesiastes.3.19", []int{4})
	h.Next()

	snap := readSnapshot(t, h.storage, "mbs-nav-life")
	assert.Equal(t, "life/ecclesiastes.3.19", snap.Current.Presentation)
	assert.Equal(t, 1, snap.Current.Fragment)
	require.Len(t, snap.Stack, 1)

	_, found, err := h.storage.Get("mbs-nav-life/ecclesiastes.3.19")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEmptyStateIsNeverPersisted(t *testing.T) {
	h := newHarness(t)
	h.Next()
	h.Prev()
	h.GoToSlide(3)

	keys, err := h.storage.Keys("mbs-nav-")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestClearPresentation(t *testing.T) {
	h := lifeHarness(t)
	h.SetAutoDrillAll(false)
	h.nextN(2)

	h.ClearPresentation("life")

	_, found, err := h.storage.Get("mbs-nav-life")
	require.NoError(t, err)
	assert.False(t, found)

	state := h.Snapshot()
	assert.Equal(t, Position{}, state.Current)
	assert.False(t, state.AutoDrillAll, "preference survives clearing")
}

func TestClearAllPresentations(t *testing.T) {
	h := lifeHarness(t)
	h.Next()
	h.Init("promises", []int{2})
	h.Next()
	h.SetAutoDrillAll(false)
	require.NoError(t, h.storage.Set("unrelated", "x"))

	h.ClearPresentation("")

	keys, err := h.storage.Keys("mbs-nav-")
	require.NoError(t, err)
	assert.Empty(t, keys)

	pref, found, err := h.storage.Get("mbs-drillto")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "false", pref)

	_, found, _ = h.storage.Get("unrelated")
	assert.True(t, found)
}

func TestAutoDrillPreference(t *testing.T) {
	st := storage.NewMemory(0)

	s := New(WithStorage(st))
	assert.True(t, s.AutoDrillAll(), "defaults to enabled")

	s.SetAutoDrillAll(false)
	raw, _, err := st.Get("mbs-drillto")
	require.NoError(t, err)
	assert.Equal(t, "false", raw)
	assert.False(t, New(WithStorage(st)).AutoDrillAll())

	s.SetAutoDrillAll(true)
	raw, _, err = st.Get("mbs-drillto")
	require.NoError(t, err)
	assert.Equal(t, "true", raw)
}

func TestUnreadablePreferenceDefaultsOn(t *testing.T) {
	st := storage.NewMemory(0)
	require.NoError(t, st.Set("mbs-drillto", "{not json"))

	assert.True(t, New(WithStorage(st)).AutoDrillAll())
}

func TestAutoDrillDefaultAppliesUntilSaved(t *testing.T) {
	st := storage.NewMemory(0)

	s := New(WithStorage(st), WithAutoDrillDefault(false))
	assert.False(t, s.AutoDrillAll())
	assert.False(t, New(WithAutoDrillDefault(false)).AutoDrillAll())

	s.SetAutoDrillAll(true)
	assert.True(t, New(WithStorage(st), WithAutoDrillDefault(false)).AutoDrillAll(), "saved preference wins")
}

func TestUnreadableSnapshotStartsFresh(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.storage.Set("mbs-nav-life", "{broken"))

	h.Init("life", []int{3})

	assert.Equal(t, Position{Presentation: "life"}, h.Snapshot().Current)
	assert.Equal(t, 1, h.logs.FilterMessage("discarding unreadable navigation state").Len())
}

func TestCustomKeyPrefix(t *testing.T) {
	h := newHarness(t, WithKeyPrefix("deck"))
	h.Init("life", []int{3})
	h.SetAutoDrillAll(false)

	keys, err := h.storage.Keys("deck-")
	require.NoError(t, err)
	assert.Equal(t, []string{"deck-drillto", "deck-nav-life"}, keys)
}

func TestNilStorageDisablesPersistence(t *testing.T) {
	var routes []string
	s := New(WithNavigator(func(p string) { routes = append(routes, p) }))

	s.Init("life", []int{2, 2})
	s.Next()
	s.DrillInto("life/a", 0, false)
	s.ReturnFromDrill(false)
	s.SetAutoDrillAll(false)
	s.ClearPresentation("")

	assert.Equal(t, []string{"/life/a", "/life"}, routes)
	assert.True(t, s.AutoDrillAll(), "without storage the preference resets to the default")
}

// failingStorage fails every operation.
type failingStorage struct{ err error }

func (f failingStorage) Get(string) (string, bool, error) { return "", false, f.err }
func (f failingStorage) Set(string, string) error         { return f.err }
func (f failingStorage) Delete(string) error              { return f.err }
func (f failingStorage) Keys(string) ([]string, error)    { return nil, f.err }
func (f failingStorage) Close() error                     { return nil }

func TestStorageFailuresAreLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(
		WithStorage(failingStorage{err: errors.New("disk on fire")}),
		WithLogger(zap.New(core)),
	)

	assert.True(t, s.AutoDrillAll())
	s.Init("life", []int{3})
	s.Next()
	s.SetAutoDrillAll(false)
	s.ClearPresentation("life")
	s.ClearPresentation("")

	assert.Equal(t, 0, s.CurrentFragment())
	for _, msg := range []string{
		"failed to load auto-drill preference",
		"failed to load navigation state",
		"failed to persist navigation state",
		"failed to persist auto-drill preference",
		"failed to clear navigation state",
		"failed to list navigation state",
	} {
		assert.NotZero(t, logs.FilterMessage(msg).Len(), "expected warning %q", msg)
	}
}

func TestQuotaExceededKeepsInMemoryState(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	st := storage.NewMemory(16)
	s := New(WithStorage(st), WithLogger(zap.New(core)))

	s.Init("life", []int{9, 15, 12})
	s.Next()
	s.Next()

	assert.Equal(t, 2, s.CurrentFragment())
	assert.Equal(t, 0, st.Len())
	warnings := logs.FilterMessage("failed to persist navigation state")
	require.NotZero(t, warnings.Len())
	var logged error
	for _, f := range warnings.All()[0].Context {
		if f.Key == "error" {
			logged, _ = f.Interface.(error)
		}
	}
	assert.ErrorIs(t, logged, storage.ErrQuotaExceeded)
}
