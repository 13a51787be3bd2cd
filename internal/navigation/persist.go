package navigation

import (
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/livetemplate/drillshow/internal/storage"
)

// DefaultKeyPrefix namespaces every key the store writes.
const DefaultKeyPrefix = "mbs"

// snapshot is the durable subset of a Context.
type snapshot struct {
	Current             Position `json:"current"`
	Stack               []Frame  `json:"stack"`
	SlideFragments      []int    `json:"slideFragments"`
	SlideFragmentCounts []int    `json:"slideFragmentCounts"`
	MaxSlide            int      `json:"maxSlide"`
}

// persister mirrors state into a storage.Storage. A nil storage turns every
// method into a no-op. Failures are logged and never returned.
type persister struct {
	storage storage.Storage
	prefix  string
	log     *zap.Logger

	// autoDrillDefault applies when no preference has been saved.
	autoDrillDefault bool
}

func (p *persister) snapshotPrefix() string {
	return p.prefix + "-nav-"
}

func (p *persister) snapshotKey(presentation string) string {
	return p.snapshotPrefix() + presentation
}

func (p *persister) preferenceKey() string {
	return p.prefix + "-drillto"
}

// rootPresentation is the presentation a snapshot is filed under: the drill
// origin when inside a drill, else the current presentation.
func rootPresentation(c *Context) string {
	if len(c.Stack) > 0 {
		return c.Stack[0].Presentation
	}
	return c.Current.Presentation
}

func (p *persister) save(c *Context) {
	if p.storage == nil {
		return
	}
	root := rootPresentation(c)
	if root == "" {
		return
	}

	data, err := json.Marshal(snapshot{
		Current:             c.Current,
		Stack:               c.Stack,
		SlideFragments:      c.SlideFragments,
		SlideFragmentCounts: c.SlideFragmentCounts,
		MaxSlide:            c.MaxSlide,
	})
	if err != nil {
		p.log.Warn("failed to encode navigation state", zap.String("presentation", root), zap.Error(err))
		return
	}
	if err := p.storage.Set(p.snapshotKey(root), string(data)); err != nil {
		p.log.Warn("failed to persist navigation state", zap.String("presentation", root), zap.Error(err))
	}
}

// load returns the snapshot filed under presentation, or nil.
func (p *persister) load(presentation string) *snapshot {
	if p.storage == nil {
		return nil
	}
	raw, found, err := p.storage.Get(p.snapshotKey(presentation))
	if err != nil {
		p.log.Warn("failed to load navigation state", zap.String("presentation", presentation), zap.Error(err))
		return nil
	}
	if !found || raw == "" {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		p.log.Warn("discarding unreadable navigation state", zap.String("presentation", presentation), zap.Error(err))
		return nil
	}
	p.log.Debug("loaded navigation state",
		zap.String("presentation", presentation),
		zap.Int("slide", snap.Current.Slide),
		zap.Int("fragment", snap.Current.Fragment))
	return &snap
}

// clear deletes the snapshot for presentation, or every snapshot when
// presentation is empty.
func (p *persister) clear(presentation string) {
	if p.storage == nil {
		return
	}
	if presentation != "" {
		if err := p.storage.Delete(p.snapshotKey(presentation)); err != nil {
			p.log.Warn("failed to clear navigation state", zap.String("presentation", presentation), zap.Error(err))
		}
		return
	}

	keys, err := p.storage.Keys(p.snapshotPrefix())
	if err != nil {
		p.log.Warn("failed to list navigation state", zap.Error(err))
		return
	}
	for _, key := range keys {
		if err := p.storage.Delete(key); err != nil {
			p.log.Warn("failed to clear navigation state", zap.String("key", key), zap.Error(err))
		}
	}
}

// loadAutoDrillAll reads the auto-drill preference, falling back to
// autoDrillDefault.
func (p *persister) loadAutoDrillAll() bool {
	if p.storage == nil {
		return p.autoDrillDefault
	}
	raw, found, err := p.storage.Get(p.preferenceKey())
	if err != nil {
		p.log.Warn("failed to load auto-drill preference", zap.Error(err))
		return p.autoDrillDefault
	}
	if !found {
		return p.autoDrillDefault
	}
	var value bool
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		p.log.Warn("discarding unreadable auto-drill preference", zap.String("value", raw), zap.Error(err))
		return p.autoDrillDefault
	}
	return value
}

func (p *persister) saveAutoDrillAll(value bool) {
	if p.storage == nil {
		return
	}
	data, _ := json.Marshal(value)
	if err := p.storage.Set(p.preferenceKey(), string(data)); err != nil {
		p.log.Warn("failed to persist auto-drill preference", zap.Error(err))
	}
}
