package server

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/livetemplate/drillshow/internal/config"
	"github.com/livetemplate/drillshow/internal/customshow"
	"github.com/livetemplate/drillshow/internal/navigation"
	"github.com/livetemplate/drillshow/internal/steps"
)

// Client command actions.
const (
	ActionNext            = "next"
	ActionPrev            = "prev"
	ActionGoToSlide       = "goToSlide"
	ActionGoToFragment    = "goToFragment"
	ActionDrillInto       = "drillInto"
	ActionReturn          = "return"
	ActionSetAutoDrillAll = "setAutoDrillAll"
	ActionClear           = "clear"
)

// Server frame types.
const (
	FrameState    = "state"
	FrameNavigate = "navigate"
	FrameReload   = "reload"
	FrameError    = "error"
)

// maxMountsPerCommand bounds the drill/return chain one command can cause.
const maxMountsPerCommand = 16

// Command is a message sent by the viewer.
type Command struct {
	Action       string `json:"action"`
	Value        int    `json:"value,omitempty"`
	Target       string `json:"target,omitempty"`
	ReturnHere   bool   `json:"returnHere,omitempty"`
	ToOrigin     bool   `json:"toOrigin,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
	Presentation string `json:"presentation,omitempty"`
}

// Frame is a message sent to the viewer.
type Frame struct {
	Type  string `json:"type"`
	State *View  `json:"state,omitempty"`
	Path  string `json:"path,omitempty"`
	File  string `json:"file,omitempty"`
	Error string `json:"error,omitempty"`
}

// View is what a viewer needs to render the current position.
type View struct {
	Presentation string                    `json:"presentation"`
	Title        string                    `json:"title"`
	Slide        int                       `json:"slide"`
	Fragment     int                       `json:"fragment"`
	MaxSlide     int                       `json:"maxSlide"`
	MaxFragment  int                       `json:"maxFragment"`
	AuthorStep   int                       `json:"authorStep"`
	Local        *customshow.SlidePosition `json:"local,omitempty"`
	Fragments    []Reveal                  `json:"fragments,omitempty"`
	Trail        []string                  `json:"trail"`
	CanReturn    bool                      `json:"canReturn"`
	AutoDrillAll bool                      `json:"autoDrillAll"`
	Pending      *navigation.DrillTarget   `json:"pending,omitempty"`
	Presenter    string                    `json:"presenter,omitempty"`
}

// Reveal is a stepped fragment of the slide on screen.
type Reveal struct {
	Line    int     `json:"line"`
	Step    float64 `json:"step"`
	Visible bool    `json:"visible"`
	DelayMS int64   `json:"delayMs,omitempty"`
}

var upgrader = websocket.Upgrader{}

var debugUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in debug mode
	},
}

// Session is one tab's navigation: a store, the deck it has mounted, and the
// socket it reports to. Commands and reloads are serialized by mu.
type Session struct {
	server  *Server
	conn    *websocket.Conn
	limiter *rate.Limiter
	log     *zap.Logger

	mu     sync.Mutex
	store  *navigation.Store
	root   string
	routes []string

	writeMu sync.Mutex
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	presentation := deckFromQuery(r)
	if presentation == "" {
		writeJSONError(w, http.StatusBadRequest, "presentation query parameter required")
		return
	}
	if _, ok := s.library.Get(presentation); !ok {
		writeJSONError(w, http.StatusNotFound, "deck not found: "+presentation)
		return
	}

	up := upgrader
	if s.config.Server.Debug {
		up = debugUpgrader
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	sess := s.newSession(conn, presentation, viewerAddr(r))
	s.register(sess)
	defer func() {
		s.unregister(sess)
		conn.Close()
	}()

	sess.start()
	sess.readLoop()
}

func (s *Server) newSession(conn *websocket.Conn, root, clientIP string) *Session {
	sess := &Session{
		server:  s,
		conn:    conn,
		root:    root,
		limiter: rate.NewLimiter(rate.Limit(s.config.Session.GetRateLimitRPS()), s.config.Session.GetRateLimitBurst()),
		log:     s.log.Named("ws").With(zap.String("client", clientIP)),
	}
	sess.store = navigation.New(
		navigation.WithStorage(s.storage),
		navigation.WithKeyPrefix(s.config.Storage.GetKeyPrefix()),
		navigation.WithAutoDrillDefault(s.config.Navigation.GetAutoDrillAll()),
		navigation.WithLogger(sess.log),
		navigation.WithNavigator(sess.queueRoute),
	)
	sess.store.Subscribe(func(c navigation.Context) {
		sess.log.Debug("transition",
			zap.String("presentation", c.Current.Presentation),
			zap.Int("slide", c.Current.Slide),
			zap.Int("fragment", c.Current.Fragment),
			zap.Int("depth", len(c.Stack)))
	})
	return sess
}

func (sess *Session) start() {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.log.Debug("client connected", zap.String("presentation", sess.root))
	sess.mount(sess.root)
	sess.settle()
	sess.sendState()
}

func (sess *Session) readLoop() {
	for {
		_, message, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.log.Info("unexpected close", zap.Error(err))
			}
			break
		}
		sess.handleMessage(message)
	}
	sess.log.Debug("client disconnected")
}

func (sess *Session) handleMessage(message []byte) {
	var cmd Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		sess.sendError(fmt.Sprintf("invalid command: %v", err))
		return
	}
	if !sess.limiter.Allow() {
		sess.sendError("rate limit exceeded")
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.apply(cmd); err != nil {
		sess.sendError(err.Error())
		return
	}
	sess.settle()
	sess.sendState()
}

func (sess *Session) apply(cmd Command) error {
	st := sess.store
	switch cmd.Action {
	case ActionNext:
		st.Next()
	case ActionPrev:
		st.Prev()
	case ActionGoToSlide:
		st.GoToSlide(cmd.Value)
	case ActionGoToFragment:
		st.GoToFragment(cmd.Value)
	case ActionDrillInto:
		target := strings.Trim(cmd.Target, "/")
		if target == "" {
			return fmt.Errorf("drillInto requires a target")
		}
		st.DrillInto(target, cmd.Value, cmd.ReturnHere)
	case ActionReturn:
		st.ReturnFromDrill(cmd.ToOrigin)
	case ActionSetAutoDrillAll:
		if cmd.Enabled == nil {
			return fmt.Errorf("setAutoDrillAll requires enabled")
		}
		st.SetAutoDrillAll(*cmd.Enabled)
	case ActionClear:
		if !config.IsClearAllowed() {
			return fmt.Errorf("clear is disabled; start the server with --allow-clear")
		}
		st.ClearPresentation(cmd.Presentation)
		sess.mount(sess.root)
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
	return nil
}

// queueRoute records a route change requested by the store. Routes are
// mounted once the command that caused them has returned.
func (sess *Session) queueRoute(path string) {
	sess.routes = append(sess.routes, path)
}

// settle mounts every queued route, like a router reacting to navigation.
// A route to a missing deck returns one level.
func (sess *Session) settle() {
	for i := 0; len(sess.routes) > 0; i++ {
		if i >= maxMountsPerCommand {
			sess.log.Warn("too many route changes in one command, stopping", zap.Strings("pending", sess.routes))
			sess.routes = nil
			return
		}
		path := sess.routes[0]
		sess.routes = sess.routes[1:]

		sess.send(Frame{Type: FrameNavigate, Path: path})
		id := strings.TrimPrefix(path, "/")
		if !sess.mount(id) {
			sess.sendError(fmt.Sprintf("deck %q not found", id))
			sess.store.ReturnFromDrill(false)
		}
	}
}

// mount initializes the store for deck id and registers its drill links.
// Static links are checked at once; stepped links are staged by Next.
func (sess *Session) mount(id string) bool {
	d, ok := sess.server.library.Get(id)
	if !ok {
		return false
	}

	st := sess.store
	st.ClearDrillTargets()
	st.Init(id, d.FragmentCounts())
	targets := d.Targets()
	for _, t := range targets {
		st.RegisterDrillTarget(t.Key.Slide, t.Key.Step, t.Target, t.ReturnHere, t.AutoDrill)
	}
	for _, t := range targets {
		if t.Static {
			st.CheckAutoDrillAtCurrentPosition(t.Key.Slide, t.Key.Step)
		}
	}
	return true
}

// reload re-mounts the current deck after the library changed on disk.
func (sess *Session) reload(changed string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.send(Frame{Type: FrameReload, File: changed})
	current := sess.store.CurrentPresentation()
	if current == "" {
		current = sess.root
	}
	if !sess.mount(current) {
		sess.sendError(fmt.Sprintf("deck %q was removed", current))
		if sess.store.CanReturn() {
			sess.store.ReturnFromDrill(true)
		} else {
			sess.mount(sess.root)
		}
	}
	sess.settle()
	sess.sendState()
}

func (sess *Session) view() *View {
	c := sess.store.Snapshot()
	v := &View{
		Presentation: c.Current.Presentation,
		Title:        c.Current.Presentation,
		Slide:        c.Current.Slide,
		Fragment:     c.Current.Fragment,
		MaxSlide:     c.MaxSlide,
		MaxFragment:  c.MaxFragment,
		CanReturn:    len(c.Stack) > 0,
		AutoDrillAll: c.AutoDrillAll,
		Pending:      c.PendingAutoDrill,
		Trail:        make([]string, 0, len(c.Stack)),
		Presenter:    config.GetPresenter(),
	}
	for _, f := range c.Stack {
		v.Trail = append(v.Trail, f.Presentation)
	}

	slide, local := c.Current.Slide, c.Current.Fragment
	if d, ok := sess.server.library.Get(c.Current.Presentation); ok {
		v.Title = d.Title
		if _, isShow := d.Show(); isShow {
			pos := d.Locate(c.Current.Slide, c.Current.Fragment)
			v.Local = &pos
			slide, local = pos.SlideIndex, pos.LocalFragment
		}
		if slide >= 0 && slide < len(d.Slides) {
			perDecimal := sess.server.config.Navigation.GetDelayPerDecimal()
			for _, f := range d.Slides[slide].Fragments {
				v.Fragments = append(v.Fragments, Reveal{
					Line:    f.Line,
					Step:    f.Normalized,
					Visible: steps.Visible(f.Normalized, local),
					DelayMS: steps.AnimationDelay(f.Normalized, perDecimal).Milliseconds(),
				})
			}
		}
	}
	v.AuthorStep = sess.server.registry.OriginalStep(c.Current.Presentation, slide, local)
	return v
}

func (sess *Session) sendState() {
	sess.send(Frame{Type: FrameState, State: sess.view()})
}

func (sess *Session) sendError(message string) {
	sess.log.Debug("command rejected", zap.String("error", message))
	sess.send(Frame{Type: FrameError, Error: message})
}

func (sess *Session) send(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		sess.log.Warn("failed to marshal frame", zap.Error(err))
		return
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		sess.log.Debug("failed to send frame", zap.String("type", f.Type), zap.Error(err))
	}
}
