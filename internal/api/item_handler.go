package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"drawfeed/internal/broadcast"
	"drawfeed/internal/cache"
	"drawfeed/internal/countdown"
	"drawfeed/internal/service"
)

type itemView struct {
	ItemID    string           `json:"item_id"`
	Countdown *countdown.State `json:"countdown,omitempty"`
	LastKnown *service.Item    `json:"last_known,omitempty"`
}

type fetchView struct {
	service.Result
	Error string `json:"error,omitempty"`
}

type statsView struct {
	Sources   []service.SourceStats `json:"sources"`
	Cache     *cache.Stats          `json:"cache,omitempty"`
	Broadcast *broadcast.Stats      `json:"broadcast,omitempty"`
}

// ListItems handles GET /api/items
func (h *Handler) ListItems(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, h.opts.Countdowns.Items())
}

// GetItem handles GET /api/items/{id}
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view := itemView{ItemID: id}
	if state, ok := h.opts.Countdowns.GetState(id); ok {
		view.Countdown = &state
	}
	if item, ok := h.opts.Fetcher.LastKnown(id); ok {
		view.LastKnown = &item
	}
	if view.Countdown == nil && view.LastKnown == nil {
		h.respondError(w, http.StatusNotFound, "item has no data yet")
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// FetchItem handles POST /api/items/{id}/fetch
func (h *Handler) FetchItem(w http.ResponseWriter, r *http.Request) {
	res := h.opts.Fetcher.FetchItem(r.Context(), chi.URLParam(r, "id"))
	if res.Success {
		h.respondJSON(w, http.StatusOK, fetchView{Result: res})
		return
	}

	status := http.StatusBadGateway
	var cfgErr *service.ConfigurationError
	if errors.As(res.Err, &cfgErr) {
		status = http.StatusNotFound
	} else if code := statusFor(res.Err); code == http.StatusServiceUnavailable {
		status = code
	}
	h.respondJSON(w, status, fetchView{Result: res, Error: res.Err.Error()})
}

// Stats handles GET /api/stats
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	view := statsView{Sources: h.opts.Fetcher.Stats()}
	if h.opts.Cache != nil {
		s := h.opts.Cache.Stats()
		view.Cache = &s
	}
	if h.opts.Hub != nil {
		s := h.opts.Hub.Stats()
		view.Broadcast = &s
	}
	h.respondJSON(w, http.StatusOK, view)
}
