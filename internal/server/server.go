package server

import (
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/livetemplate/drillshow/internal/config"
	"github.com/livetemplate/drillshow/internal/deck"
	"github.com/livetemplate/drillshow/internal/steps"
	"github.com/livetemplate/drillshow/internal/storage"
)

// Server serves decks and one navigation session per connected tab.
type Server struct {
	config   *config.Config
	library  *deck.Library
	storage  storage.Storage
	registry *steps.Registry
	log      *zap.Logger

	// loaded holds the deck IDs whose steps are in registry.
	loaded []string

	sessionMu sync.RWMutex
	sessions  map[*Session]struct{}

	watcher *Watcher
}

// New creates a server. st may be nil to keep navigation state in memory
// only, per session.
func New(lib *deck.Library, st storage.Storage, cfg *config.Config, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		config:   cfg,
		library:  lib,
		storage:  st,
		registry: steps.NewRegistry(),
		log:      logger.Named("server"),
		sessions: make(map[*Session]struct{}),
	}
}

// Registry returns the step lookups of every loaded slide.
func (s *Server) Registry() *steps.Registry {
	return s.registry
}

// Load discovers the decks and registers their step maps. Decks that fail
// to parse are reported in the returned error; the rest are served.
func (s *Server) Load() error {
	err := s.library.Discover()
	s.registerSteps()
	return err
}

// Reload re-discovers the decks and re-mounts every open session.
func (s *Server) Reload(changed string) error {
	err := s.library.Reload()
	s.registerSteps()

	s.sessionMu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionMu.RUnlock()

	s.log.Info("reloading sessions", zap.String("file", changed), zap.Int("sessions", len(sessions)))
	for _, sess := range sessions {
		sess.reload(changed)
	}
	return err
}

func (s *Server) registerSteps() {
	for _, id := range s.loaded {
		s.registry.UnregisterPresentation(id)
	}
	decks := s.library.Decks()
	s.loaded = s.loaded[:0]
	for _, d := range decks {
		for _, slide := range d.Slides {
			s.registry.Register(d.ID, slide.Index, slide.Normalizer())
		}
		s.loaded = append(s.loaded, d.ID)
	}
}

// Handler builds the HTTP handler.
func (s *Server) Handler() (http.Handler, error) {
	api := NewAPIHandler(s.library, s.log)
	compress, err := newDeckCompression()
	if err != nil {
		return nil, fmt.Errorf("failed to set up compression: %w", err)
	}

	session := s.config.Session
	limits := NewViewerLimits(session.GetRateLimitRPS(), session.GetRateLimitBurst(), session.GetMaxTrackedViewers(), s.log)
	byPath := limits.Middleware(deckFromPath)

	mux := http.NewServeMux()
	mux.Handle("GET /api/decks", byPath(compress(http.HandlerFunc(api.ListDecks))))
	mux.Handle("GET /api/decks/{id...}", byPath(compress(http.HandlerFunc(api.GetDeck))))
	mux.Handle("GET /ws", limits.Middleware(deckFromQuery)(http.HandlerFunc(s.serveWebSocket)))

	return dataOnlyHeaders(mux), nil
}

func (s *Server) register(sess *Session) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	s.sessions[sess] = struct{}{}
	s.log.Debug("session registered", zap.Int("active", len(s.sessions)))
}

func (s *Server) unregister(sess *Session) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	delete(s.sessions, sess)
	s.log.Debug("session unregistered", zap.Int("active", len(s.sessions)))
}

// SessionCount returns the number of connected sessions.
func (s *Server) SessionCount() int {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	return len(s.sessions)
}

// EnableWatch reloads decks whenever a markdown file under the library root
// changes.
func (s *Server) EnableWatch() error {
	watcher, err := NewWatcher(s.library.RootDir(), func(filePath string) error {
		if err := s.Reload(filePath); err != nil {
			return fmt.Errorf("failed to reload decks: %w", err)
		}
		return nil
	}, s.log)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	s.watcher = watcher
	s.watcher.Start()

	s.log.Info("file watcher started", zap.String("dir", s.library.RootDir()))
	return nil
}

// StopWatch stops the file watcher if it's running.
func (s *Server) StopWatch() error {
	if s.watcher != nil {
		return s.watcher.Stop()
	}
	return nil
}
