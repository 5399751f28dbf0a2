// Package api provides HTTP handlers for the sandpool admin API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/akarpov/sandpool/internal/monitor"
	"github.com/akarpov/sandpool/internal/pool"
	"github.com/akarpov/sandpool/internal/runtime"
	"github.com/akarpov/sandpool/internal/session"
	"github.com/akarpov/sandpool/internal/store"
)

// Handler provides common handler dependencies.
type Handler struct {
	repo     store.Repository
	rt       runtime.Runtime
	pool     *pool.Pool
	sessions *session.Manager
	monitor  *monitor.Monitor
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, rt runtime.Runtime, p *pool.Pool, sm *session.Manager, mon *monitor.Monitor) *Handler {
	return &Handler{
		repo:     repo,
		rt:       rt,
		pool:     p,
		sessions: sm,
		monitor:  mon,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// HealthHandler reports service health.
type HealthHandler struct {
	repo store.Repository
	rt   runtime.Runtime
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, rt runtime.Runtime) *HealthHandler {
	return &HealthHandler{repo: repo, rt: rt}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	checks := status["checks"].(map[string]string)
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "check", "database", "error", err)
		checks["database"] = "unreachable"
		status["status"] = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if err := h.rt.Ping(ctx); err != nil {
		slog.Error("Health check failed", "check", "docker", "error", err)
		checks["docker"] = "unreachable"
		status["status"] = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["docker"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
