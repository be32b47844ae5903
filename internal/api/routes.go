package api

import (
	"net/http"

	"flashpods/internal/engine"
	"flashpods/internal/health"
	"flashpods/internal/observability"
	"flashpods/internal/upload"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Engine        *engine.Engine
	Uploads       *upload.Tracker
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Engine, cfg.Uploads, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job and upload endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	protected := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(h)
	}
	mux.Handle("POST /v1/jobs", protected(handler.CreateJob))
	mux.Handle("GET /v1/jobs", protected(handler.ListJobs))
	mux.Handle("GET /v1/jobs/{jobId}", protected(handler.GetJob))
	mux.Handle("DELETE /v1/jobs/{jobId}", protected(handler.DeleteJob))
	mux.Handle("GET /v1/jobs/{jobId}/artifacts", protected(handler.ListArtifacts))

	mux.Handle("POST /v1/uploads", protected(handler.CreateUpload))
	mux.Handle("GET /v1/uploads/{uploadId}", protected(handler.GetUpload))
	mux.Handle("POST /v1/uploads/{uploadId}/finalize", protected(handler.FinalizeUpload))
	mux.Handle("DELETE /v1/uploads/{uploadId}", protected(handler.DeleteUpload))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
