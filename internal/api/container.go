package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxImportContextSize bounds an uploaded image build context.
const maxImportContextSize = 256 << 20 // 256 MB

// ContainerHandler handles container and image admin endpoints.
type ContainerHandler struct {
	*Handler
}

// NewContainerHandler creates a new container handler.
func NewContainerHandler(base *Handler) *ContainerHandler {
	return &ContainerHandler{Handler: base}
}

// RegisterRoutes registers container admin routes.
func (h *ContainerHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/containers", h.List)
		r.Post("/containers", h.Create)
		r.Delete("/containers/{id}", h.Destroy)
		r.Post("/images/import", h.ImportImage)
	})
}

type createRequest struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Create warms the pool with containers of the requested type.
func (h *ContainerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = h.pool.DefaultType()
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > 10 {
		Error(w, http.StatusBadRequest, "count must be at most 10")
		return
	}

	slog.Info("Warming pool via API", "type", req.Type, "count", req.Count)
	h.pool.Warmup(r.Context(), req.Type, req.Count)

	JSON(w, http.StatusOK, map[string]interface{}{
		"status": "warmed",
		"pool":   h.pool.Stats(),
	})
}

// List returns all containers carrying the managed label.
func (h *ContainerHandler) List(w http.ResponseWriter, r *http.Request) {
	containers, err := h.rt.ListManaged(r.Context())
	if err != nil {
		slog.Error("Failed to list containers", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list containers")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"containers": containers,
		"pool":       h.pool.Stats(),
	})
}

// Destroy terminates a container by ID. The stop runs in the background so
// the request returns promptly; termination of an unknown ID is a no-op at
// the runtime level.
func (h *ContainerHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "id")
	if containerID == "" {
		Error(w, http.StatusBadRequest, "container id required")
		return
	}

	slog.Info("Destroying container via API", "container_id", containerID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h.pool.Release(ctx, containerID, false)
	}()

	JSON(w, http.StatusOK, map[string]string{"status": "destroying"})
}

// ImportImage builds a sandbox image from an uploaded tar build context.
// The context is sent as the multipart field "context"; the image tag as
// the form field "tag".
func (h *ContainerHandler) ImportImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	tag := r.FormValue("tag")
	if tag == "" {
		Error(w, http.StatusBadRequest, "tag is required")
		return
	}

	file, header, err := r.FormFile("context")
	if err != nil {
		Error(w, http.StatusBadRequest, "build context file is required")
		return
	}
	defer file.Close()
	if header.Size > maxImportContextSize {
		Error(w, http.StatusRequestEntityTooLarge, "build context too large")
		return
	}

	slog.Info("Building image from uploaded context", "tag", tag, "size", header.Size)
	if err := h.rt.BuildImage(r.Context(), file, tag); err != nil {
		slog.Error("Image build failed", "tag", tag, "error", err)
		Error(w, http.StatusInternalServerError, "image build failed")
		return
	}

	JSON(w, http.StatusOK, map[string]string{"status": "built", "tag": tag})
}
