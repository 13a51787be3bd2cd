package steps

import "sync"

type registryKey struct {
	presentation string
	slide        int
}

// Registry remembers the normalizer of every mounted slide so diagnostics can
// show the author's original step for a normalized position.
type Registry struct {
	mu      sync.RWMutex
	lookups map[registryKey]*Normalizer
	version uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{lookups: make(map[registryKey]*Normalizer)}
}

// Register associates a slide's normalizer with (presentation, slide). An
// unbuilt normalizer is built before it is published; a built one is shared
// read-only with concurrent lookups and is never rebuilt. It must not receive
// further steps afterwards.
func (r *Registry) Register(presentation string, slide int, n *Normalizer) {
	n.ensureBuilt()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups[registryKey{presentation, slide}] = n
	r.version++
}

// Unregister drops the lookup for (presentation, slide).
func (r *Registry) Unregister(presentation string, slide int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lookups, registryKey{presentation, slide})
	r.version++
}

// UnregisterPresentation drops every slide of presentation.
func (r *Registry) UnregisterPresentation(presentation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.lookups {
		if key.presentation == presentation {
			delete(r.lookups, key)
		}
	}
	r.version++
}

// OriginalStep returns the author step for a normalized step, or the
// normalized step when the slide has no registered lookup.
func (r *Registry) OriginalStep(presentation string, slide, normalized int) int {
	r.mu.RLock()
	n, ok := r.lookups[registryKey{presentation, slide}]
	r.mu.RUnlock()
	if !ok {
		return normalized
	}
	return n.Denormalize(normalized)
}

// Version increments on every change so observers can detect updates.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
