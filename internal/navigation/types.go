package navigation

import (
	"fmt"
	"strconv"
	"strings"
)

// Position identifies what is on screen: a presentation, a slide within it,
// and how many fragments of that slide are revealed.
type Position struct {
	Presentation string `json:"presentation"`
	Slide        int    `json:"slide"`
	Fragment     int    `json:"fragment"`
}

// Frame is a saved position on the drill stack. SlideFragments holds the
// per-slide memory of the presentation that was left and ReturnHere its
// own return mode, both restored when the viewer comes back to it.
type Frame struct {
	Position
	SlideFragments []int `json:"slideFragments,omitempty"`
	ReturnHere     bool  `json:"returnHere,omitempty"`
}

// DrillTarget is a drill link registered at a (slide, step) of the mounted
// presentation.
type DrillTarget struct {
	Target     string `json:"target"`
	ReturnHere bool   `json:"returnHere"`
	AutoDrill  bool   `json:"autoDrill"`
}

// TargetKey addresses a drill target by slide index and normalized step.
type TargetKey struct {
	Slide int
	Step  int
}

func (k TargetKey) String() string {
	return fmt.Sprintf("%d:%d", k.Slide, k.Step)
}

// MarshalText encodes the key as "slide:step" so target maps serialize as
// JSON objects.
func (k TargetKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a "slide:step" key.
func (k *TargetKey) UnmarshalText(text []byte) error {
	slide, step, ok := strings.Cut(string(text), ":")
	if !ok {
		return fmt.Errorf("invalid target key %q", text)
	}
	var err error
	if k.Slide, err = strconv.Atoi(slide); err != nil {
		return fmt.Errorf("invalid target key %q: %w", text, err)
	}
	if k.Step, err = strconv.Atoi(step); err != nil {
		return fmt.Errorf("invalid target key %q: %w", text, err)
	}
	return nil
}

// Context is the complete navigation state of one viewer.
type Context struct {
	Current Position `json:"current"`
	Stack   []Frame  `json:"stack"`

	MaxSlide            int   `json:"maxSlide"`
	MaxFragment         int   `json:"maxFragment"`
	SlideFragmentCounts []int `json:"slideFragmentCounts"`
	SlideFragments      []int `json:"slideFragments"`

	// ReturningFromDrill tells the next Init of the restored presentation
	// to keep the position instead of starting over.
	ReturningFromDrill bool `json:"returningFromDrill"`

	DrillTargets map[TargetKey]DrillTarget `json:"drillTargets"`

	// ReturnHere makes the end of the current drill pop one level instead
	// of returning to the origin.
	ReturnHere bool `json:"returnHere"`

	AutoDrillAll     bool         `json:"autoDrillAll"`
	PendingAutoDrill *DrillTarget `json:"pendingAutoDrill"`

	// LastCompletedDrill suppresses re-staging the drill the viewer just
	// returned from.
	LastCompletedDrill string `json:"lastCompletedDrill"`
}

// Clone returns a deep copy of c.
func (c Context) Clone() Context {
	out := c
	out.SlideFragmentCounts = cloneInts(c.SlideFragmentCounts)
	out.SlideFragments = cloneInts(c.SlideFragments)
	if c.Stack != nil {
		out.Stack = make([]Frame, len(c.Stack))
		for i, f := range c.Stack {
			f.SlideFragments = cloneInts(f.SlideFragments)
			out.Stack[i] = f
		}
	}
	if c.DrillTargets != nil {
		out.DrillTargets = make(map[TargetKey]DrillTarget, len(c.DrillTargets))
		for k, v := range c.DrillTargets {
			out.DrillTargets[k] = v
		}
	}
	if c.PendingAutoDrill != nil {
		pending := *c.PendingAutoDrill
		out.PendingAutoDrill = &pending
	}
	return out
}

func cloneInts(s []int) []int {
	if s == nil {
		return nil
	}
	return append([]int(nil), s...)
}
