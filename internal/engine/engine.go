// Package engine implements the job lifecycle: admission against host
// capacity, idempotent creation, container launch, deadline and exit
// watching, cancellation, crash reconciliation, and terminal cleanup.
//
// All writes to a job row flow through this package. Every transition is a
// compare-and-set on the current state, so concurrent writers (a watcher
// observing an exit racing a cancel request) resolve deterministically: one
// wins, the other sees a conflict and backs off.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"flashpods/internal/apperrors"
	"flashpods/internal/artifact"
	"flashpods/internal/config"
	"flashpods/internal/job"
	"flashpods/internal/observability"
	"flashpods/internal/runner"
	"flashpods/internal/store"
	"flashpods/internal/upload"
)

// Engine coordinates the durable job store, the execution driver, and the
// upload and artifact storage.
type Engine struct {
	store     *store.Store
	driver    runner.Driver
	uploads   *upload.Tracker
	artifacts *artifact.Store
	metrics   *observability.Metrics
	cfg       config.EngineConfig

	// admitMu serializes "resolve idempotency key -> decide admission ->
	// reserve resources -> persist". Splitting these steps reopens the
	// stale-headroom race.
	admitMu sync.Mutex

	watchMu  sync.Mutex
	watchers map[string]context.CancelFunc
	watchWg  sync.WaitGroup

	// baseCtx outlives any request; watchers and launches run on it.
	baseCtx context.Context
	stop    context.CancelFunc

	sweeping  bool
	sweepDone chan struct{}
}

// New creates an engine. Call Recover before serving requests and Start to
// begin background sweeping.
func New(st *store.Store, driver runner.Driver, uploads *upload.Tracker, artifacts *artifact.Store, metrics *observability.Metrics, cfg config.EngineConfig) *Engine {
	baseCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		store:     st,
		driver:    driver,
		uploads:   uploads,
		artifacts: artifacts,
		metrics:   metrics,
		cfg:       cfg,
		watchers:  make(map[string]context.CancelFunc),
		baseCtx:   baseCtx,
		stop:      stop,
		sweepDone: make(chan struct{}),
	}
}

// Start launches the background sweeper.
func (e *Engine) Start() {
	e.sweeping = true
	go e.runSweeper(e.baseCtx)
}

// Shutdown stops background work and waits for in-flight watchers, bounded
// by ctx. Containers keep running; the reconciler picks them back up on the
// next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()

	done := make(chan struct{})
	go func() {
		e.watchWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if e.sweeping {
		select {
		case <-e.sweepDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Create admits and launches a new job. Validation and admission errors
// return synchronously; everything after the resource reservation happens in
// the background and surfaces as job state.
func (e *Engine) Create(ctx context.Context, req job.CreateRequest) (*job.CreateResponse, error) {
	typ, err := req.Validate()
	if err != nil {
		return nil, err
	}
	req.ApplyDefaults()

	cpus, memoryGB, timeoutMinutes := job.LimitsFor(typ).Clamp(req.CPUs, req.MemoryGB, req.TimeoutMinutes)

	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	// Idempotency short-circuits before admission: a hit must have no side
	// effects at all.
	if req.DedupKey != "" {
		existing, err := e.store.GetJobByDedupKey(ctx, req.DedupKey)
		if err == nil {
			slog.Info("Job creation deduplicated", "jobId", existing.ID, "clientJobId", req.DedupKey)
			return &job.CreateResponse{
				JobID:   existing.ID,
				State:   existing.State,
				Created: false,
				Message: "existing job returned for client_job_id",
			}, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}

	if req.UploadID != "" {
		if err := e.requireFinalizedUpload(ctx, req.UploadID); err != nil {
			return nil, err
		}
	}

	usage, err := e.admit(ctx, cpus, memoryGB)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			slog.Warn("Job rejected for capacity",
				"requestedCpus", rej.RequestedCPUs, "requestedMemoryGb", rej.RequestedMemoryGB,
				"availableCpus", rej.AvailableCPUs, "availableMemoryGb", rej.AvailableMemoryGB,
				"runningJobs", rej.RunningJobs)
			if e.metrics != nil {
				e.metrics.RecordAdmissionRejected(ctx, string(typ))
			}
		}
		return nil, err
	}

	j := &job.Job{
		ID:             job.NewID(),
		Type:           typ,
		State:          job.StatePending,
		Command:        req.Command,
		Task:           req.Task,
		Context:        req.Context,
		GitBranch:      req.GitBranch,
		UploadID:       req.UploadID,
		Image:          req.Image,
		CPUs:           cpus,
		MemoryGB:       memoryGB,
		TimeoutMinutes: timeoutMinutes,
		CreatedAt:      time.Now(),
	}

	if err := e.store.CreateJob(ctx, j, req.DedupKey); err != nil {
		return nil, err
	}

	// The reservation is the starting row itself: the ledger sums declared
	// resources of starting and running jobs, so the job must reach starting
	// before the mutex is released.
	if err := e.store.TransitionJob(ctx, j.ID, job.StatePending, job.StateStarting); err != nil {
		return nil, err
	}
	j.State = job.StateStarting

	if e.metrics != nil {
		e.metrics.RecordJobAdmitted(ctx, string(typ))
		e.metrics.RecordCommitted(ctx, int64(usage.CPUs+cpus), int64(usage.MemoryGB+memoryGB))
	}
	slog.Info("Job admitted", "jobId", j.ID, "type", typ,
		"cpus", cpus, "memoryGb", memoryGB, "timeoutMinutes", timeoutMinutes)

	go e.launch(j)

	return &job.CreateResponse{JobID: j.ID, State: j.State, Created: true}, nil
}

// requireFinalizedUpload checks the referenced input object is ready to be
// mounted. Jobs are only admitted against finalized uploads.
func (e *Engine) requireFinalizedUpload(ctx context.Context, uploadID string) error {
	u, err := e.uploads.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	switch u.State {
	case upload.StateFinalized:
		return nil
	case upload.StateUploading:
		return apperrors.Conflict("upload", uploadID, "upload is not finalized")
	case upload.StateConsumed:
		return apperrors.Conflict("upload", uploadID, "upload was already consumed by another job")
	default:
		return apperrors.Conflict("upload", uploadID, "upload has expired")
	}
}

// launch starts the container for an admitted job and confirms it running.
// Runs detached from the request context.
func (e *Engine) launch(j *job.Job) {
	ctx := e.baseCtx
	logger := slog.With("jobId", j.ID)

	artifactsDir, err := e.artifacts.EnsureDir(j.ID)
	if err != nil {
		e.failStart(ctx, logger, j, err)
		return
	}

	spec := runner.StartSpec{ArtifactsDir: artifactsDir}
	if j.UploadID != "" {
		spec.InputDir = e.uploads.Dir(j.UploadID)
	}

	containerID, err := e.driver.Start(ctx, j, spec)
	if err != nil {
		e.failStart(ctx, logger, j, err)
		return
	}
	if err := e.store.SetContainerID(ctx, j.ID, containerID); err != nil {
		logger.Error("Failed to record container id", "error", err)
	}

	// A successful create+start is the liveness confirmation. The CAS loses
	// only to a cancel that slipped in during startup, in which case the
	// fresh unit must be torn down.
	if err := e.store.TransitionJob(ctx, j.ID, job.StateStarting, job.StateRunning); err != nil {
		logger.Info("Job settled during startup, terminating unit", "error", err)
		_ = e.driver.Terminate(ctx, containerID, e.cfg.StopGrace)
		_ = e.driver.Remove(ctx, containerID)
		return
	}
	logger.Info("Job running", "containerId", containerID)

	// The input data is mounted now; the tracker no longer protects it.
	if j.UploadID != "" {
		if err := e.uploads.Consume(ctx, j.UploadID, j.ID); err != nil {
			logger.Error("Failed to mark upload consumed", "uploadId", j.UploadID, "error", err)
		}
	}

	running, err := e.store.GetJob(ctx, j.ID)
	if err != nil {
		logger.Error("Failed to reload job after start", "error", err)
		return
	}
	e.startWatcher(running)
}

// failStart settles a job whose container never came up.
func (e *Engine) failStart(ctx context.Context, logger *slog.Logger, j *job.Job, cause error) {
	logger.Error("Job failed to start", "error", cause)
	if err := e.store.TransitionJob(ctx, j.ID, job.StateStarting, job.StateFailed); err != nil {
		// Lost to a concurrent cancel; nothing to settle.
		return
	}
	if err := e.store.SetOutcome(ctx, j.ID, nil, job.ErrClassStartFailed); err != nil {
		logger.Error("Failed to record outcome", "error", err)
	}
	e.recordSettled(ctx, j, job.ErrClassStartFailed, 0)
}

// Get returns a job by id.
func (e *Engine) Get(ctx context.Context, id string) (*job.Job, error) {
	return e.store.GetJob(ctx, id)
}

// List returns jobs, optionally filtered by state.
func (e *Engine) List(ctx context.Context, stateFilter string, limit int) ([]job.Job, error) {
	if stateFilter != "" {
		if _, err := job.ParseState(stateFilter); err != nil {
			return nil, apperrors.Validation("status", err.Error())
		}
	}
	return e.store.ListJobs(ctx, stateFilter, limit)
}

// Artifacts lists a job's output files. The job must exist; a cleaned job
// has none.
func (e *Engine) Artifacts(ctx context.Context, id string) ([]artifact.Artifact, error) {
	if _, err := e.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return e.artifacts.List(id)
}

// Cancel requests termination of an active job. Terminal jobs cannot be
// cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	j, err := e.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !j.State.IsActive() {
		return apperrors.Conflict("job", id, "job is already "+string(j.State))
	}

	// Settle state first. Whoever wins this CAS owns the job's outcome; the
	// unit is torn down afterwards, so an exit observed mid-termination can
	// never rewrite a cancelled job as completed.
	if err := e.store.TransitionJob(ctx, id, j.State, job.StateCancelled); err != nil {
		return apperrors.Conflict("job", id, "job settled concurrently")
	}
	if err := e.store.SetOutcome(ctx, id, nil, job.ErrClassCancelled); err != nil {
		slog.Error("Failed to record outcome", "jobId", id, "error", err)
	}
	e.stopWatcher(id)
	e.recordSettled(ctx, j, job.ErrClassCancelled, sinceStart(j))
	slog.Info("Job cancelled", "jobId", id, "fromState", j.State)

	if j.ContainerID != "" {
		go e.terminateUnit(j.ID, j.ContainerID)
	}
	return nil
}

// terminateUnit applies the graceful-then-forceful protocol to a settled
// job's container.
func (e *Engine) terminateUnit(jobID, containerID string) {
	ctx := context.WithoutCancel(e.baseCtx)
	if err := e.driver.Terminate(ctx, containerID, e.cfg.StopGrace); err != nil {
		slog.Warn("Failed to terminate container", "jobId", jobID, "containerId", containerID, "error", err)
	}
}

// startWatcher begins deadline and exit monitoring for a running job. At
// most one watcher exists per job.
func (e *Engine) startWatcher(j *job.Job) {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if _, exists := e.watchers[j.ID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	e.watchers[j.ID] = cancel
	e.watchWg.Add(1)
	go func() {
		defer e.watchWg.Done()
		defer e.stopWatcher(j.ID)
		e.watch(ctx, j)
	}()
}

// stopWatcher tears down a job's watcher so a stale timer can never fire
// after the job is terminal.
func (e *Engine) stopWatcher(jobID string) {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if cancel, ok := e.watchers[jobID]; ok {
		cancel()
		delete(e.watchers, jobID)
	}
}

// watch polls the unit and enforces the deadline. Deadlines resume from the
// original start timestamp across restarts.
func (e *Engine) watch(ctx context.Context, j *job.Job) {
	var deadlineCh <-chan time.Time
	if deadline := j.Deadline(); !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadlineCh:
			e.expire(j)
			return
		case <-ticker.C:
			status, err := e.driver.Status(ctx, j.ContainerID)
			if err != nil {
				slog.Warn("Failed to poll container", "jobId", j.ID, "error", err)
				continue
			}
			switch status.State {
			case runner.UnitRunning, runner.UnitCreated:
				continue
			case runner.UnitExited:
				e.observeExit(j, status.ExitCode)
				return
			case runner.UnitNotFound:
				e.markLost(j)
				return
			}
		}
	}
}

// expire settles a job whose deadline elapsed, then terminates its unit. The
// state is settled before the kill so a clean exit arriving during the grace
// period cannot turn a timed-out job into a completed one.
func (e *Engine) expire(j *job.Job) {
	ctx := e.baseCtx
	if err := e.store.TransitionJob(ctx, j.ID, job.StateRunning, job.StateTimedOut); err != nil {
		return
	}
	if err := e.store.SetOutcome(ctx, j.ID, nil, job.ErrClassTimeout); err != nil {
		slog.Error("Failed to record outcome", "jobId", j.ID, "error", err)
	}
	e.recordSettled(ctx, j, job.ErrClassTimeout, sinceStart(j))
	slog.Info("Job timed out", "jobId", j.ID, "timeoutMinutes", j.TimeoutMinutes)

	go e.terminateUnit(j.ID, j.ContainerID)
}

// observeExit applies the exit-code mapping to a unit that stopped on its
// own: 0 is success, anything else is a workload failure with the raw code
// preserved.
func (e *Engine) observeExit(j *job.Job, exitCode int) {
	ctx := e.baseCtx
	to := job.StateCompleted
	errClass := ""
	if exitCode != 0 {
		to = job.StateFailed
	}

	if err := e.store.TransitionJob(ctx, j.ID, job.StateRunning, to); err != nil {
		// A cancel or timeout settled the job first; its outcome stands.
		return
	}
	if err := e.store.SetOutcome(ctx, j.ID, &exitCode, errClass); err != nil {
		slog.Error("Failed to record outcome", "jobId", j.ID, "error", err)
	}

	reason := errClass
	if to == job.StateFailed {
		reason = "nonzero_exit"
	}
	e.recordSettled(ctx, j, reason, sinceStart(j))
	slog.Info("Job exited", "jobId", j.ID, "exitCode", exitCode, "state", to)
}

// markLost settles a running job whose unit disappeared out from under the
// engine.
func (e *Engine) markLost(j *job.Job) {
	ctx := e.baseCtx
	if err := e.store.TransitionJob(ctx, j.ID, job.StateRunning, job.StateFailed); err != nil {
		return
	}
	if err := e.store.SetOutcome(ctx, j.ID, nil, job.ErrClassLost); err != nil {
		slog.Error("Failed to record outcome", "jobId", j.ID, "error", err)
	}
	e.recordSettled(ctx, j, job.ErrClassLost, sinceStart(j))
	slog.Warn("Container disappeared while running", "jobId", j.ID, "containerId", j.ContainerID)
}

func (e *Engine) recordSettled(ctx context.Context, j *job.Job, errClass string, duration time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordJobSettled(ctx, string(j.Type), errClass, duration.Seconds())
	if usage, err := e.store.ResourceUsage(ctx); err == nil {
		e.metrics.RecordCommitted(ctx, int64(usage.CPUs), int64(usage.MemoryGB))
	}
}

func sinceStart(j *job.Job) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	return time.Since(*j.StartedAt)
}
