package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/akarpov/sandpool/internal/domain"
)

// SessionHandler handles session and metrics endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session and metrics routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.List)
		r.Post("/sessions/restore", h.CheckRestore)
		r.Get("/metrics", h.Metrics)
	})
}

// List returns the live session snapshot.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.sessions.ActiveSessions(),
		"stats":    h.sessions.Stats(),
	})
}

type restoreCheckRequest struct {
	RestoreKey string `json:"restoreKey"`
}

// CheckRestore reports whether a restore key refers to a restorable session.
// The actual rebind happens over the WebSocket; this lets a client decide
// whether to offer restoration before reconnecting.
func (h *SessionHandler) CheckRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RestoreKey == "" {
		Error(w, http.StatusBadRequest, "restoreKey is required")
		return
	}

	sess, err := h.repo.FindByRestoreKey(r.Context(), req.RestoreKey)
	if err != nil {
		slog.Error("Restore key lookup failed", "error", err)
		Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if sess == nil || !sess.Restorable(time.Now()) {
		JSON(w, http.StatusOK, map[string]interface{}{"restorable": false})
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"restorable":    true,
		"sessionId":     sess.ID,
		"containerType": sess.ContainerType,
		"expiresAt":     sess.ExpiresAt.Unix(),
	})
}

// Metrics returns recent metric records of one type plus active alerts.
// Query params: type (default "system"), limit (default 100, max 1000).
func (h *SessionHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metricType := r.URL.Query().Get("type")
	if metricType == "" {
		metricType = domain.MetricSystem
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			Error(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	records, err := h.repo.RecentMetrics(r.Context(), metricType, limit)
	if err != nil {
		slog.Error("Failed to load metrics", "type", metricType, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load metrics")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"metrics": records,
		"alerts":  h.monitor.Alerts(),
	})
}
