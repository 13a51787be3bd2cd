// Package customshow maps between global fragment positions of a composite
// presentation and the slide-local fragments of the slides it is built from.
//
// Each slide reports its own max step (0 when it is static only). Every slide
// occupies at least one global fragment so static slides are still shown
// before the sequence moves on. Slide i owns the closed range
// [offset(i), offset(i)+EffectiveMaxStep(i)]; the shared boundary fragment
// belongs to the earlier slide, as its terminal step.
package customshow

// SlidePosition is a slide index and a fragment local to that slide.
type SlidePosition struct {
	SlideIndex    int `json:"slideIndex"`
	LocalFragment int `json:"localFragment"`
}

// EffectiveMaxStep floors a slide's max step at 1.
func EffectiveMaxStep(maxStep int) int {
	return max(maxStep, 1)
}

// Offsets returns the starting global fragment of each slide.
func Offsets(slideMaxSteps []int) []int {
	if len(slideMaxSteps) == 0 {
		return nil
	}
	offsets := make([]int, len(slideMaxSteps))
	for i := 1; i < len(slideMaxSteps); i++ {
		offsets[i] = offsets[i-1] + EffectiveMaxStep(slideMaxSteps[i-1])
	}
	return offsets
}

// TotalFragments is the sum of every slide's effective max step.
func TotalFragments(slideMaxSteps []int) int {
	total := 0
	for _, s := range slideMaxSteps {
		total += EffectiveMaxStep(s)
	}
	return total
}

// SlideForFragment maps a global fragment to the first slide whose range
// contains it. Fragments past the end resolve to the last slide. An empty
// show returns the zero position.
func SlideForFragment(globalFragment int, slideMaxSteps []int) SlidePosition {
	if len(slideMaxSteps) == 0 {
		return SlidePosition{}
	}
	offsets := Offsets(slideMaxSteps)

	for i, offset := range offsets {
		upper := offset + EffectiveMaxStep(slideMaxSteps[i])
		if globalFragment >= offset && globalFragment <= upper {
			return SlidePosition{SlideIndex: i, LocalFragment: globalFragment - offset}
		}
	}

	last := len(slideMaxSteps) - 1
	return SlidePosition{SlideIndex: last, LocalFragment: globalFragment - offsets[last]}
}

// Show is a composite presentation described by its slides' max steps.
type Show struct {
	SlideMaxSteps []int `json:"slideMaxSteps"`
	offsets       []int
}

// NewShow creates a show from per-slide max steps.
func NewShow(slideMaxSteps []int) Show {
	steps := append([]int(nil), slideMaxSteps...)
	return Show{SlideMaxSteps: steps, offsets: Offsets(steps)}
}

// MaxFragment is the last global fragment of the show.
func (s Show) MaxFragment() int {
	return TotalFragments(s.SlideMaxSteps)
}

// Len is the number of slides.
func (s Show) Len() int {
	return len(s.SlideMaxSteps)
}

// Locate maps a global fragment to its slide position.
func (s Show) Locate(globalFragment int) SlidePosition {
	return SlideForFragment(globalFragment, s.SlideMaxSteps)
}

// GlobalStep maps a slide-local step to the global fragment at which it is
// reached. Local step 0 of any slide after the first is shown together with
// the slide's first owned fragment, since offset(i) itself belongs to the
// previous slide.
func (s Show) GlobalStep(slide, local int) int {
	if slide < 0 || slide >= len(s.SlideMaxSteps) {
		return local
	}
	offsets := s.offsets
	if len(offsets) != len(s.SlideMaxSteps) {
		offsets = Offsets(s.SlideMaxSteps)
	}
	if slide > 0 && local < 1 {
		local = 1
	}
	return offsets[slide] + local
}
