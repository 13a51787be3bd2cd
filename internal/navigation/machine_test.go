package navigation

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

var machineDecks = map[string][]int{
	"life":     {3, 2, 4},
	"hebrews":  {2, 1},
	"promises": nil,
	"grace":    {1, 0, 3},
}

var machineDrillable = []string{"hebrews", "promises", "grace"}

type machineLevel struct {
	presentation string
	returnHere   bool
}

// storeMachine drives a Store the way a host router would, mounting every
// routed presentation, and tracks the expected drill stack alongside it.
type storeMachine struct {
	h       *harness
	levels  []machineLevel
	targets map[TargetKey]DrillTarget
	routed  int
}

func (m *storeMachine) depth() int { return len(m.levels) - 1 }

func (m *storeMachine) push(target string, returnHere bool) {
	m.levels = append(m.levels, machineLevel{target, returnHere})
}

func (m *storeMachine) popOne() {
	if m.depth() > 0 {
		m.levels = m.levels[:len(m.levels)-1]
	}
}

func (m *storeMachine) popAll() {
	m.levels = m.levels[:1]
}

// mount runs Init for the last route the store asked for, if any.
func (m *storeMachine) mount() {
	if len(m.h.routes) == m.routed {
		return
	}
	m.routed = len(m.h.routes)
	name := strings.TrimPrefix(m.h.lastRoute(), "/")
	m.h.Init(name, machineDecks[name])
	m.targets = make(map[TargetKey]DrillTarget)
}

func (m *storeMachine) autoTarget(slide, step int) *DrillTarget {
	t, ok := m.targets[TargetKey{Slide: slide, Step: step}]
	if !ok || !(m.h.AutoDrillAll() || t.AutoDrill) {
		return nil
	}
	if last := m.h.LastCompletedDrill(); last != "" && last == t.Target {
		return nil
	}
	return &t
}

func (m *storeMachine) requireNoPending(t *rapid.T, action string) {
	if p := m.h.PendingAutoDrill(); p != nil {
		t.Fatalf("%s left pending drill %+v", action, *p)
	}
}

func (m *storeMachine) next(t *rapid.T) {
	h := m.h
	pending := h.PendingAutoDrill()
	atEnd := h.CurrentFragment() == h.MaxFragment() && h.CurrentSlide() == h.MaxSlide()
	moves := false

	switch {
	case pending != nil:
		m.push(pending.Target, pending.ReturnHere)
	case atEnd:
		if target := m.autoTarget(h.CurrentSlide(), h.MaxFragment()); target != nil {
			m.push(target.Target, target.ReturnHere)
		} else if m.depth() > 0 {
			if m.levels[len(m.levels)-1].returnHere {
				m.popOne()
			} else {
				m.popAll()
			}
		}
	default:
		moves = true
	}

	h.Next()
	m.mount()

	if moves {
		want := m.autoTarget(h.CurrentSlide(), h.CurrentFragment())
		got := h.PendingAutoDrill()
		if (want == nil) != (got == nil) || (want != nil && *want != *got) {
			t.Fatalf("after Next to %d:%d pending = %v, want %v", h.CurrentSlide(), h.CurrentFragment(), got, want)
		}
	}
}

func (m *storeMachine) check(t *rapid.T) {
	h := m.h
	state := h.Snapshot()

	if h.StackDepth() != m.depth() {
		t.Fatalf("stack depth %d, want %d", h.StackDepth(), m.depth())
	}
	if want := m.levels[len(m.levels)-1].presentation; h.CurrentPresentation() != want {
		t.Fatalf("presentation %q, want %q", h.CurrentPresentation(), want)
	}
	if f := h.CurrentFragment(); f < 0 || f > h.MaxFragment() {
		t.Fatalf("fragment %d outside 0..%d", f, h.MaxFragment())
	}
	if s := h.CurrentSlide(); s < 0 || s > h.MaxSlide() {
		t.Fatalf("slide %d outside 0..%d", s, h.MaxSlide())
	}
	if len(state.SlideFragmentCounts) != h.MaxSlide()+1 || len(state.SlideFragments) != h.MaxSlide()+1 {
		t.Fatalf("memory %v and counts %v for %d slides", state.SlideFragments, state.SlideFragmentCounts, h.MaxSlide()+1)
	}
	if h.ReturningFromDrill() {
		t.Fatalf("returning flag survived a mount")
	}
}

func TestStoreStateMachine(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := &storeMachine{
			h:       newHarness(t),
			levels:  []machineLevel{{presentation: "life"}},
			targets: make(map[TargetKey]DrillTarget),
		}
		m.h.Init("life", machineDecks["life"])

		rt.Repeat(map[string]func(*rapid.T){
			"next": m.next,
			"prev": func(t *rapid.T) {
				m.h.Prev()
				m.requireNoPending(t, "Prev")
			},
			"goToSlide": func(t *rapid.T) {
				m.h.GoToSlide(rapid.IntRange(-1, 4).Draw(t, "slide"))
				m.requireNoPending(t, "GoToSlide")
			},
			"goToFragment": func(t *rapid.T) {
				m.h.GoToFragment(rapid.IntRange(-1, 5).Draw(t, "fragment"))
				m.requireNoPending(t, "GoToFragment")
			},
			"drillInto": func(t *rapid.T) {
				target := rapid.SampledFrom(machineDrillable).Draw(t, "target")
				returnHere := rapid.Bool().Draw(t, "returnHere")
				m.push(target, returnHere)
				m.h.DrillInto(target, rapid.IntRange(0, 3).Draw(t, "start"), returnHere)
				m.mount()
				m.requireNoPending(t, "DrillInto")
			},
			"returnOneLevel": func(t *rapid.T) {
				inDrill := m.depth() > 0
				m.popOne()
				m.h.ReturnFromDrill(false)
				m.mount()
				if inDrill {
					m.requireNoPending(t, "ReturnFromDrill")
				}
			},
			"registerTarget": func(t *rapid.T) {
				counts := m.h.Snapshot().SlideFragmentCounts
				slide := rapid.IntRange(0, len(counts)-1).Draw(t, "targetSlide")
				step := rapid.IntRange(0, counts[slide]).Draw(t, "targetStep")
				target := DrillTarget{
					Target:     rapid.SampledFrom(machineDrillable).Draw(t, "target"),
					ReturnHere: rapid.Bool().Draw(t, "returnHere"),
					AutoDrill:  rapid.Bool().Draw(t, "autoDrill"),
				}
				m.h.RegisterDrillTarget(slide, step, target.Target, target.ReturnHere, target.AutoDrill)
				m.targets[TargetKey{Slide: slide, Step: step}] = target
			},
			"setAutoDrillAll": func(t *rapid.T) {
				enabled := rapid.Bool().Draw(t, "enabled")
				if !enabled {
					m.popAll()
				}
				m.h.SetAutoDrillAll(enabled)
				m.mount()
			},
			"": m.check,
		})
	})
}
