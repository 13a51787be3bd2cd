// Package steps maps author-chosen fragment step numbers to the dense,
// consecutive numbering used for navigation.
//
// Authors may number fragments with gaps (1, 5, 19) and with decimals (5.1,
// 5.2). The integer part of a step is the click on which the content appears;
// the decimal part only sequences animation delays within that click and is
// never touched by normalization.
package steps

import (
	"math"
	"sort"
)

// Normalizer collects the steps registered on one slide and assigns them
// consecutive values starting at 1.
type Normalizer struct {
	registered map[int]struct{}
	forward    map[int]int // author integer step -> normalized
	reverse    map[int]int // normalized -> author integer step
	built      bool
}

// NewNormalizer creates an empty normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		registered: make(map[int]struct{}),
		forward:    make(map[int]int),
		reverse:    make(map[int]int),
	}
}

// RegisterStep records the integer part of step. Registering after Build
// marks the maps stale; they are rebuilt on the next lookup.
func (n *Normalizer) RegisterStep(step float64) {
	if n.registered == nil {
		n.registered = make(map[int]struct{})
	}
	n.registered[EffectiveStep(step)] = struct{}{}
	n.built = false
}

// Build sorts the unique registered steps and assigns 1..N.
func (n *Normalizer) Build() {
	sorted := n.Steps()

	n.forward = make(map[int]int, len(sorted))
	n.reverse = make(map[int]int, len(sorted))
	for i, step := range sorted {
		n.forward[step] = i + 1
		n.reverse[i+1] = step
	}
	n.built = true
}

// Normalize maps an author step to its dense value, keeping the fractional
// part. Steps that were never registered fall back to themselves.
func (n *Normalizer) Normalize(authorStep float64) float64 {
	n.ensureBuilt()

	intPart := math.Floor(authorStep)
	frac := authorStep - intPart
	normalized, ok := n.forward[int(intPart)]
	if !ok {
		return authorStep
	}
	return float64(normalized) + frac
}

// NormalizeInt is Normalize for the integer click number only.
func (n *Normalizer) NormalizeInt(authorStep float64) int {
	return EffectiveStep(n.Normalize(authorStep))
}

// Denormalize returns the author step for a normalized value, or the value
// itself when it is unknown.
func (n *Normalizer) Denormalize(normalized int) int {
	n.ensureBuilt()

	if step, ok := n.reverse[normalized]; ok {
		return step
	}
	return normalized
}

// MaxStep is the number of distinct registered steps, which is the number of
// clicks the slide needs.
func (n *Normalizer) MaxStep() int {
	return len(n.registered)
}

// Steps returns the unique registered integer steps in ascending order.
func (n *Normalizer) Steps() []int {
	sorted := make([]int, 0, len(n.registered))
	for step := range n.registered {
		sorted = append(sorted, step)
	}
	sort.Ints(sorted)
	return sorted
}

// Mapping returns a copy of the author→normalized map.
func (n *Normalizer) Mapping() map[int]int {
	n.ensureBuilt()

	out := make(map[int]int, len(n.forward))
	for k, v := range n.forward {
		out[k] = v
	}
	return out
}

func (n *Normalizer) ensureBuilt() {
	if !n.built {
		n.Build()
	}
}
