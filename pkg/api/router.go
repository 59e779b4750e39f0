// Package api provides the HTTP transport: the JSON-RPC endpoint, health
// probes, the websocket event feed, and the middleware chain around them.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/pkg/api/handlers"
	"github.com/taskmesh/taskmesh/pkg/api/middleware"
	"github.com/taskmesh/taskmesh/pkg/logger"
)

// Handlers holds the endpoint implementations mounted by the router.
type Handlers struct {
	// RPC serves the JSON-RPC 2.0 method surface.
	RPC http.Handler

	// Health serves liveness and readiness probes.
	Health *handlers.HealthHandler

	// WebSocket serves the /ws/events result feed.
	WebSocket *handlers.WebSocketHandler

	// Metrics optionally serves the Prometheus scrape endpoint in-process.
	Metrics http.Handler

	// Tokens resolves bearer tokens to caller identities; nil disables
	// identity extraction.
	Tokens middleware.TokenResolver

	// Recorder is the optional HTTP metrics recorder.
	Recorder middleware.MetricsRecorder
}

// NewRouter creates a chi router with the standard middleware chain.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	if h.Recorder != nil {
		r.Use(middleware.Metrics(h.Recorder))
	}
	if cfg.Tracing.Enabled {
		r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	}

	r.Use(middleware.CORS(&cfg.Server.CORS))
	r.Use(middleware.Auth(h.Tokens))

	RegisterRoutes(r, cfg, h)

	return r
}

// RegisterRoutes registers all HTTP routes.
func RegisterRoutes(r chi.Router, cfg *config.Config, h *Handlers) {
	if h.RPC != nil {
		// The RPC endpoint carries its own deadline semantics, so the
		// request timeout wraps only this route.
		r.With(middleware.Timeout(cfg.Server.HTTP.ReadTimeout)).
			Post("/rpc", h.RPC.ServeHTTP)
	}

	if h.Health != nil {
		r.Get("/healthz", h.Health.Health)
		r.Get("/readyz", h.Health.Ready)
	}

	if h.WebSocket != nil {
		r.Get("/ws/events", h.WebSocket.ServeHTTP)
	}

	if h.Metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Get(path, h.Metrics.ServeHTTP)
	}
}
