package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"drawfeed/internal/broadcast"
	"drawfeed/internal/cache"
	"drawfeed/internal/countdown"
	"drawfeed/internal/endpoint"
	"drawfeed/internal/service"
	"drawfeed/internal/version"
)

// EndpointRegistry is the endpoint management surface exposed over HTTP.
type EndpointRegistry interface {
	List(sourceType string) []endpoint.Endpoint
	Get(id string) (endpoint.Endpoint, bool)
	Current(sourceType string) (string, bool)
	AddEndpoint(ctx context.Context, ep endpoint.Endpoint) (endpoint.Endpoint, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (endpoint.Endpoint, error)
	DeleteEndpoint(id string) error
	SwitchDomain(ctx context.Context, id, reason, operator string) (endpoint.SwitchHistoryEntry, error)
	History(sourceType string, limit int) []endpoint.SwitchHistoryEntry
}

// ItemFetcher runs on-demand fetches and exposes acquisition stats.
type ItemFetcher interface {
	FetchItem(ctx context.Context, itemID string) service.Result
	LastKnown(itemID string) (service.Item, bool)
	Stats() []service.SourceStats
}

// Countdowns exposes live timer state.
type Countdowns interface {
	GetState(itemID string) (countdown.State, bool)
	Items() []countdown.State
}

// EndpointDeleter removes persisted endpoint rows.
type EndpointDeleter interface {
	DeleteEndpoint(ctx context.Context, id string) error
}

// CacheStats reports fetch cache counters.
type CacheStats interface {
	Stats() cache.Stats
}

// Subscribers is the websocket fan-out.
type Subscribers interface {
	http.Handler
	Stats() broadcast.Stats
}

// Options wire the handler's dependencies. Cache, Hub and Deleter are optional.
type Options struct {
	Registry   EndpointRegistry
	Fetcher    ItemFetcher
	Countdowns Countdowns
	Cache      CacheStats
	Hub        Subscribers
	Deleter    EndpointDeleter
}

// Handler holds the HTTP handlers and dependencies
type Handler struct {
	opts   Options
	logger zerolog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		opts:   opts,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(h.logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("http request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/endpoints", h.ListEndpoints)
		r.Post("/endpoints", h.AddEndpoint)
		r.Delete("/endpoints/{id}", h.DeleteEndpoint)
		r.Post("/endpoints/{id}/switch", h.SwitchEndpoint)
		r.Post("/endpoints/{id}/enable", h.EnableEndpoint)
		r.Post("/endpoints/{id}/disable", h.DisableEndpoint)
		r.Get("/history", h.ListHistory)

		r.Get("/items", h.ListItems)
		r.Get("/items/{id}", h.GetItem)
		r.Post("/items/{id}/fetch", h.FetchItem)

		r.Get("/stats", h.Stats)
	})

	if h.opts.Hub != nil {
		r.Handle("/ws", h.opts.Hub)
	}
	return r
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// errorResponse represents an error response
type errorResponse struct {
	Error string `json:"error"`
}

// respondJSON writes a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// respondError writes an error response
func (h *Handler) respondError(w http.ResponseWriter, statusCode int, message string) {
	h.respondJSON(w, statusCode, errorResponse{Error: message})
}

// statusFor maps registry errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, endpoint.ErrEndpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, endpoint.ErrDuplicateEndpoint),
		errors.Is(err, endpoint.ErrEndpointDisabled),
		errors.Is(err, endpoint.ErrAlreadyCurrent),
		errors.Is(err, endpoint.ErrLastEnabledEndpoint):
		return http.StatusConflict
	case errors.Is(err, endpoint.ErrNoEndpointAvailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
