// Package navigation implements the presentation navigation state machine:
// fragment and slide stepping, per-slide position memory, the drill stack
// with return-to-caller or return-to-origin semantics, staged auto-drills,
// and transparent persistence of all of it.
//
// A Store is not safe for concurrent use. Each viewer owns one Store and
// serializes its calls.
package navigation

import (
	"go.uber.org/zap"

	"github.com/livetemplate/drillshow/internal/storage"
)

// Navigator performs the route change that follows a drill or a return.
type Navigator func(path string)

// Listener receives a copy of the state after every committed transition.
type Listener func(Context)

// Option configures a Store.
type Option func(*Store)

// WithStorage persists snapshots and the auto-drill preference to st.
// Without it the store keeps state in memory only.
func WithStorage(st storage.Storage) Option {
	return func(s *Store) {
		s.persist.storage = st
	}
}

// WithNavigator sets the route callback used by DrillInto and ReturnFromDrill.
func WithNavigator(n Navigator) Option {
	return func(s *Store) {
		s.navigate = n
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithKeyPrefix changes the namespace of persisted keys.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.persist.prefix = prefix
		}
	}
}

// WithAutoDrillDefault sets the auto-drill preference used until the viewer
// saves one. It defaults to true.
func WithAutoDrillDefault(enabled bool) Option {
	return func(s *Store) {
		s.persist.autoDrillDefault = enabled
	}
}

type listenerEntry struct {
	id int
	fn Listener
}

// Store holds one viewer's navigation state.
type Store struct {
	ctx      Context
	persist  persister
	navigate Navigator
	log      *zap.Logger

	listeners []listenerEntry
	nextID    int
}

// New creates a store in the idle state. The auto-drill preference is read
// from storage, defaulting to enabled.
func New(opts ...Option) *Store {
	s := &Store{
		log:     zap.NewNop(),
		persist: persister{prefix: DefaultKeyPrefix, autoDrillDefault: true},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("navigation")
	s.persist.log = s.log
	s.ctx = s.initial()
	return s
}

func (s *Store) initial() Context {
	return Context{
		DrillTargets: make(map[TargetKey]DrillTarget),
		AutoDrillAll: s.persist.loadAutoDrillAll(),
	}
}

// RouteFor returns the route of a presentation.
func RouteFor(presentation string) string {
	return "/" + presentation
}

// Init mounts a presentation whose slides have the given fragment counts.
// An empty counts slice means a single static slide.
//
// The position is kept when the viewer is coming back from a drill or when
// the presentation is the drill currently being entered. Otherwise a
// persisted snapshot is restored; a snapshot saved mid-drill collapses to
// the drill's origin. Without a usable snapshot the presentation starts at
// slide 0, fragment 0.
func (s *Store) Init(presentation string, slideFragmentCounts []int) {
	counts := normalizeCounts(slideFragmentCounts)
	c := &s.ctx

	switch {
	case c.ReturningFromDrill && c.Current.Presentation == presentation:
		s.log.Debug("returning from drill, preserving position",
			zap.String("presentation", presentation),
			zap.Int("slide", c.Current.Slide),
			zap.Int("fragment", c.Current.Fragment))
		c.SlideFragments = fitMemory(c.SlideFragments, len(counts))

	case len(c.Stack) > 0 && c.Current.Presentation == presentation:
		s.log.Debug("mounting drill", zap.String("presentation", presentation), zap.Int("depth", len(c.Stack)))
		// Empty on first entry; a re-mount keeps what the viewer saw.
		c.SlideFragments = fitMemory(c.SlideFragments, len(counts))

	default:
		if !s.restore(presentation, len(counts)) {
			s.log.Debug("fresh init", zap.String("presentation", presentation))
			c.Current = Position{Presentation: presentation}
			c.SlideFragments = make([]int, len(counts))
		}
	}

	c.ReturningFromDrill = false
	c.SlideFragmentCounts = counts
	c.MaxSlide = len(counts) - 1
	s.clampCurrent()
	s.remember()
	s.commit(true)
}

// restore applies the persisted snapshot for presentation, reporting
// whether one was usable.
func (s *Store) restore(presentation string, slides int) bool {
	snap := s.persist.load(presentation)
	if snap == nil || len(snap.SlideFragments) == 0 {
		return false
	}
	c := &s.ctx

	inDrill := len(snap.Stack) > 0 && snap.Stack[0].Presentation == presentation
	direct := snap.Current.Presentation == presentation

	switch {
	case inDrill && !direct:
		origin := snap.Stack[0]
		s.log.Debug("snapshot was mid-drill, restoring origin",
			zap.String("presentation", presentation),
			zap.String("drill", snap.Current.Presentation))
		memory := origin.SlideFragments
		if len(memory) == 0 {
			memory = snap.SlideFragments
		}
		c.Current = Position{Presentation: presentation, Slide: origin.Slide, Fragment: origin.Fragment}
		c.Stack = nil
		c.SlideFragments = fitMemory(memory, slides)
		return true

	case direct:
		s.log.Debug("restoring snapshot",
			zap.String("presentation", presentation),
			zap.Int("slide", snap.Current.Slide),
			zap.Int("fragment", snap.Current.Fragment))
		c.Current = snap.Current
		c.Stack = snap.Stack
		c.SlideFragments = fitMemory(snap.SlideFragments, slides)
		return true
	}
	return false
}

// SetMaxFragment mounts a single-slide presentation with maxFragment
// fragments.
func (s *Store) SetMaxFragment(maxFragment int) {
	c := &s.ctx
	c.SlideFragmentCounts = []int{max(maxFragment, 0)}
	c.MaxSlide = 0
	s.clampCurrent()
	c.SlideFragments = []int{c.Current.Fragment}
	s.commit(false)
}

// Next reveals the next fragment, moves to the next slide, or at the very
// end drills into the terminal drill target or leaves the current drill.
//
// A drill target reached by stepping is staged and only entered by the
// following call, so its content is shown first.
func (s *Store) Next() {
	c := &s.ctx

	if pending := c.PendingAutoDrill; pending != nil {
		s.log.Debug("executing pending auto-drill",
			zap.String("target", pending.Target),
			zap.Bool("returnHere", pending.ReturnHere))
		c.PendingAutoDrill = nil
		s.DrillInto(pending.Target, 0, pending.ReturnHere)
		return
	}

	switch {
	case c.Current.Fragment < c.MaxFragment:
		c.Current.Fragment++
		s.remember()
		c.LastCompletedDrill = ""
		c.PendingAutoDrill = s.autoDrillAt(c.Current.Slide, c.Current.Fragment)
		s.commit(true)

	case c.Current.Slide < c.MaxSlide:
		c.Current.Slide++
		c.Current.Fragment = 0
		c.MaxFragment = countAt(c.SlideFragmentCounts, c.Current.Slide)
		s.remember()
		c.LastCompletedDrill = ""
		c.PendingAutoDrill = s.autoDrillAt(c.Current.Slide, 0)
		s.log.Debug("advancing to next slide", zap.Int("slide", c.Current.Slide))
		s.commit(true)

	default:
		if target := s.autoDrillAt(c.Current.Slide, c.MaxFragment); target != nil {
			s.log.Debug("auto-drilling at end of slide", zap.String("target", target.Target))
			s.DrillInto(target.Target, 0, target.ReturnHere)
			return
		}
		if len(c.Stack) > 0 {
			s.ReturnFromDrill(!c.ReturnHere)
		}
	}
}

// autoDrillAt returns the target at (slide, step) when it should drill
// without a click: auto-drill is on globally or for that link, and the
// viewer did not just come back from it.
func (s *Store) autoDrillAt(slide, step int) *DrillTarget {
	c := &s.ctx
	target, ok := c.DrillTargets[TargetKey{Slide: slide, Step: step}]
	if !ok || !(c.AutoDrillAll || target.AutoDrill) {
		return nil
	}
	if c.LastCompletedDrill != "" && c.LastCompletedDrill == target.Target {
		return nil
	}
	return &target
}

// Prev hides the last revealed fragment or moves to the previous slide at
// its remembered fragment. Any staged auto-drill is cancelled.
func (s *Store) Prev() {
	c := &s.ctx

	switch {
	case c.Current.Fragment > 0:
		c.Current.Fragment--
		s.remember()
	case c.Current.Slide > 0:
		c.Current.Slide--
		c.MaxFragment = countAt(c.SlideFragmentCounts, c.Current.Slide)
		c.Current.Fragment = clamp(countAt(c.SlideFragments, c.Current.Slide), 0, c.MaxFragment)
		s.log.Debug("going to previous slide",
			zap.Int("slide", c.Current.Slide),
			zap.Int("fragment", c.Current.Fragment))
	}

	c.PendingAutoDrill = nil
	c.LastCompletedDrill = ""
	s.commit(true)
}

// GoToFragment jumps within the current slide, clamped to its fragments.
func (s *Store) GoToFragment(fragment int) {
	c := &s.ctx
	c.Current.Fragment = clamp(fragment, 0, c.MaxFragment)
	s.remember()
	c.PendingAutoDrill = nil
	s.commit(true)
}

// GoToSlide jumps to a slide, clamped to the presentation, at the fragment
// the viewer last saw on it.
func (s *Store) GoToSlide(slide int) {
	c := &s.ctx
	c.Current.Slide = clamp(slide, 0, c.MaxSlide)
	c.MaxFragment = countAt(c.SlideFragmentCounts, c.Current.Slide)
	c.Current.Fragment = clamp(countAt(c.SlideFragments, c.Current.Slide), 0, c.MaxFragment)
	c.PendingAutoDrill = nil
	s.log.Debug("jumping to slide",
		zap.Int("slide", c.Current.Slide),
		zap.Int("fragment", c.Current.Fragment))
	s.commit(true)
}

// RegisterDrillTarget records a drill link at (slide, step) of the mounted
// presentation, replacing any link already there.
func (s *Store) RegisterDrillTarget(slide, step int, target string, returnHere, autoDrill bool) {
	c := &s.ctx
	if c.DrillTargets == nil {
		c.DrillTargets = make(map[TargetKey]DrillTarget)
	}
	c.DrillTargets[TargetKey{Slide: slide, Step: step}] = DrillTarget{
		Target:     target,
		ReturnHere: returnHere,
		AutoDrill:  autoDrill,
	}
	s.commit(false)
}

// UnregisterDrillTarget removes the link at (slide, step).
func (s *Store) UnregisterDrillTarget(slide, step int) {
	delete(s.ctx.DrillTargets, TargetKey{Slide: slide, Step: step})
	s.commit(false)
}

// ClearDrillTargets removes every registered link.
func (s *Store) ClearDrillTargets() {
	clear(s.ctx.DrillTargets)
	s.commit(false)
}

// CheckAutoDrillAtCurrentPosition stages the link at (slide, step) when the
// viewer is already there, which covers links on content visible before
// any click.
func (s *Store) CheckAutoDrillAtCurrentPosition(slide, step int) {
	c := &s.ctx
	if c.ReturningFromDrill {
		return
	}
	if c.Current.Slide != slide || c.Current.Fragment != step {
		return
	}
	target, ok := c.DrillTargets[TargetKey{Slide: slide, Step: step}]
	if !ok {
		return
	}
	if c.LastCompletedDrill == target.Target {
		s.log.Debug("skipping auto-drill, just returned from it", zap.String("target", target.Target))
		return
	}
	if !(c.AutoDrillAll || target.AutoDrill) {
		return
	}

	s.log.Debug("staging auto-drill at current position",
		zap.Stringer("key", TargetKey{Slide: slide, Step: step}),
		zap.String("target", target.Target))
	c.PendingAutoDrill = &target
	s.commit(false)
}

// DrillInto saves the current position on the stack and enters target at
// startFragment. With returnHere the end of the drill comes back to this
// position; otherwise it returns all the way to the origin.
func (s *Store) DrillInto(target string, startFragment int, returnHere bool) {
	c := &s.ctx

	c.Stack = append(c.Stack, Frame{
		Position:       c.Current,
		SlideFragments: cloneInts(c.SlideFragments),
		ReturnHere:     c.ReturnHere,
	})
	c.Current = Position{Presentation: target, Fragment: max(startFragment, 0)}
	c.MaxSlide = 0
	c.MaxFragment = 0
	c.SlideFragmentCounts = nil
	c.SlideFragments = nil
	c.DrillTargets = make(map[TargetKey]DrillTarget)
	c.ReturnHere = returnHere
	c.PendingAutoDrill = nil

	s.log.Debug("drilling",
		zap.String("target", target),
		zap.Bool("returnHere", returnHere),
		zap.Int("depth", len(c.Stack)))
	s.commit(true)
	s.goTo(RouteFor(target))
}

// ReturnFromDrill leaves the current drill, to the previous level or with
// toOrigin to the bottom of the stack, restoring the exact saved position.
// Returning with an empty stack logs a warning and does nothing.
func (s *Store) ReturnFromDrill(toOrigin bool) {
	c := &s.ctx
	if len(c.Stack) == 0 {
		s.log.Warn("cannot return, drill stack is empty")
		return
	}

	pop := 1
	if toOrigin {
		pop = len(c.Stack)
	}
	keep := len(c.Stack) - pop
	frame := c.Stack[keep]
	completed := c.Current.Presentation

	if keep == 0 {
		c.Stack = nil
	} else {
		c.Stack = append([]Frame(nil), c.Stack[:keep]...)
	}
	c.Current = frame.Position
	if frame.SlideFragments != nil {
		c.SlideFragments = frame.SlideFragments
	}
	c.ReturnHere = frame.ReturnHere
	c.ReturningFromDrill = true
	c.DrillTargets = make(map[TargetKey]DrillTarget)
	c.PendingAutoDrill = nil
	c.LastCompletedDrill = completed
	c.MaxSlide = 0
	c.MaxFragment = 0
	c.SlideFragmentCounts = nil

	s.log.Debug("returning from drill",
		zap.String("from", completed),
		zap.String("to", frame.Presentation),
		zap.Int("popped", pop),
		zap.Int("depth", len(c.Stack)))
	s.commit(true)
	s.goTo(RouteFor(frame.Presentation))
}

// SetAutoDrillAll turns global auto-drill on or off and persists the
// choice. Turning it off inside a drill first returns to the origin.
func (s *Store) SetAutoDrillAll(enabled bool) {
	if !enabled && len(s.ctx.Stack) > 0 {
		s.log.Debug("auto-drill disabled inside a drill, returning to origin")
		s.ReturnFromDrill(true)
	}
	s.persist.saveAutoDrillAll(enabled)
	s.ctx.AutoDrillAll = enabled
	s.commit(false)
}

// ClearPresentation forgets the saved progress of presentation, or of every
// presentation when it is empty, and resets the state. The auto-drill
// preference survives.
func (s *Store) ClearPresentation(presentation string) {
	s.persist.clear(presentation)
	s.ctx = s.initial()
	s.log.Debug("cleared presentation", zap.String("presentation", presentation))
	s.commit(false)
}

// Reset returns to the idle state, keeping the auto-drill preference.
func (s *Store) Reset() {
	s.ctx = s.initial()
	s.commit(false)
}

// Subscribe registers l for every committed transition. The returned
// function unregisters it.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	return func() {
		for i, e := range s.listeners {
			if e.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) commit(persist bool) {
	if persist {
		s.persist.save(&s.ctx)
	}
	for _, e := range s.listeners {
		e.fn(s.ctx.Clone())
	}
}

func (s *Store) goTo(route string) {
	if s.navigate != nil {
		s.navigate(route)
	}
}

// clampCurrent pulls the position into the mounted bounds and refreshes
// MaxFragment for the current slide.
func (s *Store) clampCurrent() {
	c := &s.ctx
	c.Current.Slide = clamp(c.Current.Slide, 0, c.MaxSlide)
	c.MaxFragment = countAt(c.SlideFragmentCounts, c.Current.Slide)
	c.Current.Fragment = clamp(c.Current.Fragment, 0, c.MaxFragment)
}

// remember records the current fragment as the current slide's position.
func (s *Store) remember() {
	c := &s.ctx
	slide := c.Current.Slide
	if slide < 0 {
		return
	}
	if slide >= len(c.SlideFragments) {
		grown := make([]int, slide+1)
		copy(grown, c.SlideFragments)
		c.SlideFragments = grown
	}
	c.SlideFragments[slide] = c.Current.Fragment
}

// Read-only views.

func (s *Store) CurrentFragment() int        { return s.ctx.Current.Fragment }
func (s *Store) CurrentSlide() int           { return s.ctx.Current.Slide }
func (s *Store) CurrentPresentation() string { return s.ctx.Current.Presentation }
func (s *Store) CanReturn() bool             { return len(s.ctx.Stack) > 0 }
func (s *Store) StackDepth() int             { return len(s.ctx.Stack) }
func (s *Store) MaxFragment() int            { return s.ctx.MaxFragment }
func (s *Store) MaxSlide() int               { return s.ctx.MaxSlide }
func (s *Store) AutoDrillAll() bool          { return s.ctx.AutoDrillAll }
func (s *Store) LastCompletedDrill() string  { return s.ctx.LastCompletedDrill }
func (s *Store) ReturningFromDrill() bool    { return s.ctx.ReturningFromDrill }

// PendingAutoDrill returns a copy of the staged drill, or nil.
func (s *Store) PendingAutoDrill() *DrillTarget {
	if s.ctx.PendingAutoDrill == nil {
		return nil
	}
	p := *s.ctx.PendingAutoDrill
	return &p
}

// Snapshot returns a deep copy of the full state.
func (s *Store) Snapshot() Context {
	return s.ctx.Clone()
}

func normalizeCounts(counts []int) []int {
	if len(counts) == 0 {
		return []int{0}
	}
	out := make([]int, len(counts))
	for i, n := range counts {
		out[i] = max(n, 0)
	}
	return out
}

// fitMemory resizes saved per-slide positions to n slides.
func fitMemory(memory []int, n int) []int {
	out := make([]int, n)
	copy(out, memory)
	return out
}

func countAt(counts []int, i int) int {
	if i < 0 || i >= len(counts) {
		return 0
	}
	return counts[i]
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	return min(max(v, lo), hi)
}
