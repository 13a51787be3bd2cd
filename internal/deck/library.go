package deck

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Ext is the file extension of deck files.
const Ext = ".md"

// Library holds every deck found under a root directory, keyed by id.
type Library struct {
	rootDir string
	ignore  []string
	log     *zap.Logger

	mu    sync.RWMutex
	decks map[string]*Deck
}

// NewLibrary creates a library for rootDir. ignore holds slash-separated
// glob patterns relative to rootDir; a trailing "/**" ignores a directory.
func NewLibrary(rootDir string, ignore []string, logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{
		rootDir: rootDir,
		ignore:  ignore,
		log:     logger.Named("deck"),
		decks:   make(map[string]*Deck),
	}
}

// RootDir returns the directory decks are discovered in.
func (l *Library) RootDir() string {
	return l.rootDir
}

// Discover scans the root directory and replaces the loaded decks. Every
// file that fails to parse is reported; the decks that parsed are kept.
func (l *Library) Discover() error {
	decks := make(map[string]*Deck)
	var errs error

	err := filepath.WalkDir(l.rootDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(l.rootDir, p)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		if d.IsDir() {
			if relPath == "." {
				return nil
			}
			name := d.Name()
			// Skip hidden directories (starting with _ or .)
			if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			switch name {
			case "node_modules", "vendor", "dist", "build":
				return filepath.SkipDir
			}
			if l.ignored(relPath + "/") {
				return filepath.SkipDir
			}
			return nil
		}

		if filepath.Ext(p) != Ext {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || l.ignored(relPath) {
			return nil
		}

		id := IDFromPath(relPath)
		parsed, err := ParseFile(id, p)
		if err != nil {
			errs = multierr.Append(errs, err)
			return nil
		}
		decks[id] = parsed
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", l.rootDir, err)
	}

	l.mu.Lock()
	l.decks = decks
	l.mu.Unlock()

	l.log.Debug("discovered decks", zap.Int("count", len(decks)), zap.Int("errors", len(multierr.Errors(errs))))
	return errs
}

// Reload is Discover for an already served library; parse failures are
// logged and the previous version of a broken deck is kept.
func (l *Library) Reload() error {
	l.mu.RLock()
	previous := l.decks
	l.mu.RUnlock()

	errs := l.Discover()
	if errs == nil {
		return nil
	}

	l.mu.Lock()
	for _, err := range multierr.Errors(errs) {
		var pe *ParseError
		if !errors.As(err, &pe) {
			continue
		}
		l.log.Warn("deck failed to reload, keeping previous version", zap.String("file", pe.File), zap.Int("line", pe.Line), zap.String("error", pe.Message))
		for id, d := range previous {
			if d.File == pe.File {
				if _, ok := l.decks[id]; !ok {
					l.decks[id] = d
				}
			}
		}
	}
	l.mu.Unlock()
	return errs
}

// Get returns the deck with the given id.
func (l *Library) Get(id string) (*Deck, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.decks[id]
	return d, ok
}

// IDs returns every deck id in sorted order.
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.decks))
	for id := range l.decks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Decks returns every deck sorted by id.
func (l *Library) Decks() []*Deck {
	ids := l.IDs()
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Deck, 0, len(ids))
	for _, id := range ids {
		if d, ok := l.decks[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Validate checks that every drill link points at a loaded deck and that no
// deck drills into itself.
func (l *Library) Validate() error {
	var errs error
	for _, d := range l.Decks() {
		for _, link := range d.Links() {
			switch {
			case link.Target == d.ID:
				errs = multierr.Append(errs, NewParseError(d.File, link.Line, fmt.Sprintf("deck %q drills into itself", d.ID)))
			default:
				if _, ok := l.Get(link.Target); !ok {
					errs = multierr.Append(errs, NewParseError(d.File, link.Line, fmt.Sprintf("drill target %q not found", link.Target)).
						WithHint(l.suggest(link.Target)))
				}
			}
		}
	}
	return errs
}

func (l *Library) suggest(target string) string {
	base := path.Base(target)
	for _, id := range l.IDs() {
		if path.Base(id) == base {
			return fmt.Sprintf("did you mean %q?", id)
		}
	}
	return fmt.Sprintf("create %s%s under %s", target, Ext, l.rootDir)
}

// ignored matches a slash path against the ignore patterns. Directory
// paths end in "/".
func (l *Library) ignored(relPath string) bool {
	for _, pattern := range l.ignore {
		if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
			if strings.HasPrefix(relPath, dir+"/") {
				return true
			}
			continue
		}
		name := strings.TrimSuffix(relPath, "/")
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
		if ok, _ := path.Match(pattern, path.Base(name)); ok {
			return true
		}
	}
	return false
}

// IDFromPath converts a slash path relative to the deck root into a deck id.
func IDFromPath(relPath string) string {
	return strings.TrimSuffix(filepath.ToSlash(relPath), Ext)
}
