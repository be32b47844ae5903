package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"flashpods/internal/artifact"
	"flashpods/internal/config"
	"flashpods/internal/engine"
	"flashpods/internal/health"
	"flashpods/internal/job"
	"flashpods/internal/runner"
	"flashpods/internal/store"
	"flashpods/internal/testutil"
	"flashpods/internal/upload"
)

// stubDriver satisfies the engine without a Docker daemon. Every started
// unit reports running until terminated.
type stubDriver struct{}

func (stubDriver) Start(ctx context.Context, j *job.Job, spec runner.StartSpec) (string, error) {
	return "ctr-" + j.ID, nil
}

func (stubDriver) Status(ctx context.Context, containerID string) (runner.UnitStatus, error) {
	return runner.UnitStatus{State: runner.UnitRunning}, nil
}

func (stubDriver) Terminate(ctx context.Context, containerID string, grace time.Duration) error {
	return nil
}

func (stubDriver) Remove(ctx context.Context, containerID string) error { return nil }

func (stubDriver) List(ctx context.Context) ([]runner.Unit, error) { return nil, nil }

func (stubDriver) Ready(ctx context.Context) error { return nil }

func (stubDriver) Close() error { return nil }

type testServer struct {
	handler http.Handler
	store   *store.Store
	uploads *upload.Tracker
}

func newTestServer(t *testing.T, engineCfg config.EngineConfig, apiKey string) *testServer {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	uploads := upload.NewTracker(st.DB(), upload.Config{
		Root:         t.TempDir(),
		UploadingTTL: 30 * time.Minute,
		FinalizedTTL: 60 * time.Minute,
	})
	artifacts := artifact.NewStore(t.TempDir())

	eng := engine.New(st, stubDriver{}, uploads, artifacts, nil, engineCfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	checker := health.NewChecker(map[string]health.ReadinessCheck{
		"driver":   stubDriver{}.Ready,
		"database": st.Ping,
	})

	handler := NewRouter(RouterConfig{
		Engine:        eng,
		Uploads:       uploads,
		HealthChecker: checker,
		APIKey:        apiKey,
	})
	return &testServer{handler: handler, store: st, uploads: uploads}
}

func defaultEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		HostCPUs:      16,
		HostMemoryGB:  32,
		JobRetention:  15 * time.Minute,
		SweepInterval: time.Minute,
		StopGrace:     time.Second,
		PollInterval:  5 * time.Millisecond,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestCreateJobEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, defaultEngineConfig(), "")

	rec := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"type":    "worker",
		"command": "echo hello",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	resp := decode[job.CreateResponse](t, rec)
	if resp.JobID == "" || !resp.Created {
		t.Errorf("unexpected response: %+v", resp)
	}

	get := ts.do(t, http.MethodGet, "/v1/jobs/"+resp.JobID, nil)
	if get.Code != http.StatusOK {
		t.Fatalf("get status = %d", get.Code)
	}
	view := decode[job.View](t, get)
	if view.ID != resp.JobID || view.Type != job.TypeWorker {
		t.Errorf("unexpected view: %+v", view)
	}
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, defaultEngineConfig(), "")

	rec := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{"type": "worker"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing command: status = %d, want 400", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{"type": "batch", "command": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad type: status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec2 := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rec2.Code)
	}
}

func TestCreateJobIdempotentHit(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, defaultEngineConfig(), "")

	body := map[string]any{"type": "worker", "command": "true", "client_job_id": "K"}

	first := ts.do(t, http.MethodPost, "/v1/jobs", body)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", first.Code)
	}
	second := ts.do(t, http.MethodPost, "/v1/jobs", body)
	if second.Code != http.StatusOK {
		t.Fatalf("idempotent hit status = %d, want 200", second.Code)
	}

	a := decode[job.CreateResponse](t, first)
	b := decode[job.CreateResponse](t, second)
	if a.JobID != b.JobID || b.Created {
		t.Errorf("idempotent hit mismatch: %+v vs %+v", a, b)
	}
}

func TestCreateJobRejection(t *testing.T) {
	t.Parallel()
	cfg := defaultEngineConfig()
	cfg.HostCPUs = 1
	cfg.HostMemoryGB = 1
	ts := newTestServer(t, cfg, "")

	rec := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"type":    "worker",
		"command": "true",
		// defaults (2 CPUs, 4 GB) exceed the 1/1 host
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429: %s", rec.Code, rec.Body.String())
	}

	payload := decode[struct {
		Error     string           `json:"error"`
		Rejection engine.Rejection `json:"rejection"`
	}](t, rec)
	if payload.Rejection.RequestedCPUs != 2 || payload.Rejection.CapacityCPUs != 1 {
		t.Errorf("unexpected rejection payload: %+v", payload.Rejection)
	}
}

func TestCancelJobEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, defaultEngineConfig(), "")

	created := decode[job.CreateResponse](t, ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"type": "worker", "command": "sleep 600",
	}))

	testutil.MustWaitFor(t, func() bool {
		j, err := ts.store.GetJob(context.Background(), created.JobID)
		return err == nil && j.State == job.StateRunning
	})

	rec := ts.do(t, http.MethodDelete, "/v1/jobs/"+created.JobID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel status = %d, want 204", rec.Code)
	}

	// Cancelling a settled job conflicts.
	rec = ts.do(t, http.MethodDelete, "/v1/jobs/"+created.JobID, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestJobNotFound(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, defaultEngineConfig(), "")

	if rec := ts.do(t, http.MethodGet, "/v1/jobs/job_missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/jobs/job_missing/artifacts", nil); rec.Code != http.StatusNotFound {
		t.Errorf("artifacts status = %d, want 404", rec.Code)
	}
}

func TestArtifactsEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, defaultEngineConfig(), "")

	created := decode[job.CreateResponse](t, ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"type": "worker", "command": "true",
	}))

	testutil.MustWaitFor(t, func() bool {
		j, err := ts.store.GetJob(context.Background(), created.JobID)
		return err == nil && j.State == job.StateRunning
	})

	rec := ts.do(t, http.MethodGet, "/v1/jobs/"+created.JobID+"/artifacts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	payload := decode[struct {
		JobID     string              `json:"job_id"`
		Artifacts []artifact.Artifact `json:"artifacts"`
	}](t, rec)
	if payload.JobID != created.JobID || payload.Artifacts == nil {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestUploadEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, defaultEngineConfig(), "")

	rec := ts.do(t, http.MethodPost, "/v1/uploads", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[upload.View](t, rec)
	if created.UploadID == "" || created.State != upload.StateUploading {
		t.Fatalf("unexpected upload: %+v", created)
	}

	rec = ts.do(t, http.MethodPost, "/v1/uploads/"+created.UploadID+"/finalize", map[string]any{
		"size_bytes": 2048, "file_count": 3,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize status = %d: %s", rec.Code, rec.Body.String())
	}
	finalized := decode[upload.View](t, rec)
	if finalized.State != upload.StateFinalized {
		t.Errorf("state = %q, want finalized", finalized.State)
	}

	// Double finalize conflicts.
	rec = ts.do(t, http.MethodPost, "/v1/uploads/"+created.UploadID+"/finalize", map[string]any{
		"size_bytes": 1, "file_count": 1,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("double finalize status = %d, want 409", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/uploads/"+created.UploadID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodDelete, "/v1/uploads/"+created.UploadID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, defaultEngineConfig(), "secret")

	// Probes never require auth.
	if rec := ts.do(t, http.MethodGet, "/livez", nil); rec.Code != http.StatusOK {
		t.Errorf("livez status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Errorf("readyz status = %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, defaultEngineConfig(), "secret")

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rec.Code)
	}
}

func TestContentTypeMiddleware(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, defaultEngineConfig(), "")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
}
