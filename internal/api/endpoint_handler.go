package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"drawfeed/internal/endpoint"
)

type endpointView struct {
	endpoint.Endpoint
	Current bool `json:"current"`
}

type addEndpointRequest struct {
	ID         string `json:"id"`
	SourceType string `json:"source_type"`
	URL        string `json:"url"`
	Priority   int    `json:"priority"`
	Enabled    *bool  `json:"enabled"`
}

type switchRequest struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

// ListEndpoints handles GET /api/endpoints?source_type=
func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints := h.opts.Registry.List(r.URL.Query().Get("source_type"))
	out := make([]endpointView, 0, len(endpoints))
	for _, ep := range endpoints {
		current, _ := h.opts.Registry.Current(ep.SourceType)
		out = append(out, endpointView{Endpoint: ep, Current: current == ep.ID})
	}
	h.respondJSON(w, http.StatusOK, out)
}

// AddEndpoint handles POST /api/endpoints
func (h *Handler) AddEndpoint(w http.ResponseWriter, r *http.Request) {
	var req addEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.SourceType == "" || req.URL == "" {
		h.respondError(w, http.StatusBadRequest, "id, source_type and url are required")
		return
	}

	ep, err := h.opts.Registry.AddEndpoint(r.Context(), endpoint.Endpoint{
		ID:         req.ID,
		SourceType: req.SourceType,
		URL:        req.URL,
		Priority:   req.Priority,
		Enabled:    req.Enabled == nil || *req.Enabled,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("endpoint", req.ID).Msg("failed to add endpoint")
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, http.StatusCreated, ep)
}

// DeleteEndpoint handles DELETE /api/endpoints/{id}
func (h *Handler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.opts.Registry.DeleteEndpoint(id); err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	if h.opts.Deleter != nil {
		if err := h.opts.Deleter.DeleteEndpoint(r.Context(), id); err != nil {
			h.logger.Error().Err(err).Str("endpoint", id).Msg("failed to delete persisted endpoint")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// SwitchEndpoint handles POST /api/endpoints/{id}/switch
func (h *Handler) SwitchEndpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req switchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual switch"
	}

	entry, err := h.opts.Registry.SwitchDomain(r.Context(), id, req.Reason, req.Operator)
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, entry)
}

// EnableEndpoint handles POST /api/endpoints/{id}/enable
func (h *Handler) EnableEndpoint(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableEndpoint handles POST /api/endpoints/{id}/disable
func (h *Handler) DisableEndpoint(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ep, err := h.opts.Registry.SetEnabled(r.Context(), chi.URLParam(r, "id"), enabled)
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, ep)
}

// ListHistory handles GET /api/history?source_type=&limit=
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	h.respondJSON(w, http.StatusOK, h.opts.Registry.History(r.URL.Query().Get("source_type"), limit))
}
