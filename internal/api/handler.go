// Package api provides the HTTP API handlers and routing for the flashpods service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"flashpods/internal/apperrors"
	"flashpods/internal/artifact"
	"flashpods/internal/engine"
	"flashpods/internal/health"
	"flashpods/internal/job"
	"flashpods/internal/upload"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

const defaultListLimit = 100

// Handler contains HTTP handlers for the flashpods API
type Handler struct {
	engine  *engine.Engine
	uploads *upload.Tracker
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(eng *engine.Engine, uploads *upload.Tracker, healthChecker *health.Checker) *Handler {
	return &Handler{
		engine:  eng,
		uploads: uploads,
		health:  healthChecker,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.engine.Create(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	// An idempotent hit is a pure read; only a fresh admission is a 202.
	status := http.StatusAccepted
	if !resp.Created {
		status = http.StatusOK
	}
	h.writeJSON(w, status, resp)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	jobs, err := h.engine.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	views := make([]job.View, 0, len(jobs))
	for i := range jobs {
		views = append(views, job.NewView(&jobs[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.engine.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, job.NewView(j))
}

// DeleteJob handles DELETE /v1/jobs/{jobId} - cancels an active job.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.engine.Cancel(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListArtifacts handles GET /v1/jobs/{jobId}/artifacts
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	artifacts, err := h.engine.Artifacts(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []artifact.Artifact{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "artifacts": artifacts})
}

// CreateUpload handles POST /v1/uploads
func (h *Handler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	u, err := h.uploads.Create(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, upload.NewView(u))
}

// GetUpload handles GET /v1/uploads/{uploadId}
func (h *Handler) GetUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	if uploadID == "" {
		h.writeError(w, http.StatusBadRequest, "Upload ID is required")
		return
	}

	u, err := h.uploads.Get(r.Context(), uploadID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, upload.NewView(u))
}

// finalizeUploadRequest is the body of a finalize call: the client declares
// what it transferred so the record can be checked against disk later.
type finalizeUploadRequest struct {
	SizeBytes int64 `json:"size_bytes"`
	FileCount int64 `json:"file_count"`
}

// FinalizeUpload handles POST /v1/uploads/{uploadId}/finalize
func (h *Handler) FinalizeUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	if uploadID == "" {
		h.writeError(w, http.StatusBadRequest, "Upload ID is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req finalizeUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	u, err := h.uploads.Finalize(r.Context(), uploadID, req.SizeBytes, req.FileCount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, upload.NewView(u))
}

// DeleteUpload handles DELETE /v1/uploads/{uploadId}
func (h *Handler) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	if uploadID == "" {
		h.writeError(w, http.StatusBadRequest, "Upload ID is required")
		return
	}

	if err := h.uploads.Delete(r.Context(), uploadID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if dependencies (Docker, database) are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the engine with appropriate HTTP status codes.
// Admission rejections carry their full capacity snapshot so callers can
// decide when to retry.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *engine.Rejection
	if errors.As(err, &rej) {
		h.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     rej.Error(),
			"rejection": rej,
		})
		return
	}

	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
