// Package handlers provides HTTP request handlers for the endpoints that
// live outside the JSON-RPC surface: health probes and the websocket feed.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/taskmesh/taskmesh/pkg/api/response"
)

// Check probes one backing dependency.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	version string
	checks  map[string]Check
	timeout time.Duration
}

// NewHealthHandler creates a health handler. Checks run on every readiness
// probe; a failing check marks the process not ready but still live.
func NewHealthHandler(version string, checks map[string]Check) *HealthHandler {
	return &HealthHandler{
		version: version,
		checks:  checks,
		timeout: 2 * time.Second,
	}
}

// Health handles the liveness probe.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Ready handles the readiness probe, probing every registered dependency.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := true
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			ready = false
			deps[name] = err.Error()
			continue
		}
		deps[name] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, map[string]any{
		"ready":        ready,
		"dependencies": deps,
	})
}
