package server

import (
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/livetemplate/drillshow/internal/deck"
)

// DeckSummary is one entry of the deck list.
type DeckSummary struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Kind   deck.Kind `json:"kind"`
	Slides int       `json:"slides"`
}

// DeckDetail describes a deck in the coordinates the navigation store uses.
type DeckDetail struct {
	*deck.Deck
	FragmentCounts []int         `json:"fragmentCounts"`
	StepMaps       []map[int]int `json:"stepMaps"`
	SlideMaxSteps  []int         `json:"slideMaxSteps,omitempty"`
	Targets        []TargetInfo  `json:"targets"`
}

// TargetInfo is a drill registration as the session performs it.
type TargetInfo struct {
	Slide      int    `json:"slide"`
	Step       int    `json:"step"`
	Target     string `json:"target"`
	ReturnHere bool   `json:"returnHere,omitempty"`
	AutoDrill  bool   `json:"autoDrill,omitempty"`
	Static     bool   `json:"static,omitempty"`
}

// APIHandler serves read-only deck metadata.
type APIHandler struct {
	library *deck.Library
	log     *zap.Logger
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(lib *deck.Library, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{library: lib, log: logger.Named("api")}
}

// ListDecks handles GET /api/decks.
func (h *APIHandler) ListDecks(w http.ResponseWriter, r *http.Request) {
	decks := h.library.Decks()
	out := make([]DeckSummary, 0, len(decks))
	for _, d := range decks {
		out = append(out, DeckSummary{ID: d.ID, Title: d.Title, Kind: d.Kind, Slides: len(d.Slides)})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"decks": out})
}

// GetDeck handles GET /api/decks/{id...}.
func (h *APIHandler) GetDeck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, ok := h.library.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "deck not found: "+id)
		return
	}
	h.writeJSON(w, http.StatusOK, detailFor(d))
}

func detailFor(d *deck.Deck) DeckDetail {
	detail := DeckDetail{
		Deck:           d,
		FragmentCounts: d.FragmentCounts(),
		StepMaps:       make([]map[int]int, len(d.Slides)),
		Targets:        []TargetInfo{},
	}
	for i, s := range d.Slides {
		detail.StepMaps[i] = s.StepMap()
	}
	if show, ok := d.Show(); ok {
		detail.SlideMaxSteps = show.SlideMaxSteps
	}
	for _, t := range d.Targets() {
		detail.Targets = append(detail.Targets, TargetInfo{
			Slide:      t.Key.Slide,
			Step:       t.Key.Step,
			Target:     t.Target,
			ReturnHere: t.ReturnHere,
			AutoDrill:  t.AutoDrill,
			Static:     t.Static,
		})
	}
	return detail
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("failed to encode response", zap.Error(err))
	}
}
