package engine

import (
	"context"
	"log/slog"
	"time"

	"flashpods/internal/job"
)

// runSweeper drives the periodic cleanup of job byproducts and stale
// uploads, and re-runs reconciliation to catch divergence accumulated while
// the service was up. Errors are logged and retried on the next tick, never
// fatal.
func (e *Engine) runSweeper(ctx context.Context) {
	defer close(e.sweepDone)

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepJobs(ctx)
			e.sweepUploads(ctx)
			if err := e.Reconcile(ctx); err != nil {
				slog.Warn("Reconcile pass failed, will retry", "error", err)
			}
		}
	}
}

// sweepJobs purges byproducts of jobs past retention. A job advances to
// cleaned only when every deletion succeeded; partial failures leave it in
// cleaning for the next pass.
func (e *Engine) sweepJobs(ctx context.Context) {
	logger := slog.With("component", "sweeper")

	cutoff := time.Now().Add(-e.cfg.JobRetention)
	candidates, err := e.store.CleanupCandidates(ctx, cutoff)
	if err != nil {
		logger.Warn("Failed to list cleanup candidates", "error", err)
		return
	}

	var cleaned, failed int64
	for _, j := range candidates {
		if j.State != job.StateCleaning {
			if err := e.store.TransitionJob(ctx, j.ID, j.State, job.StateCleaning); err != nil {
				continue
			}
		}

		if err := e.purgeByproducts(ctx, &j); err != nil {
			logger.Warn("Cleanup incomplete, job stays in cleaning", "jobId", j.ID, "error", err)
			failed++
			continue
		}

		if err := e.store.TransitionJob(ctx, j.ID, job.StateCleaning, job.StateCleaned); err != nil {
			logger.Warn("Failed to mark job cleaned", "jobId", j.ID, "error", err)
			failed++
			continue
		}
		// Only now may the client's deduplication key be reused.
		if err := e.store.DeactivateDedupKey(ctx, j.ID); err != nil {
			logger.Warn("Failed to release dedup key", "jobId", j.ID, "error", err)
		}
		cleaned++
		logger.Debug("Job cleaned", "jobId", j.ID)
	}

	if e.metrics != nil {
		e.metrics.RecordSweep(ctx, cleaned, failed)
	}
	if cleaned > 0 || failed > 0 {
		logger.Info("Sweep complete", "cleaned", cleaned, "failed", failed)
	}
}

// purgeByproducts removes everything a settled job left behind: its
// container and its artifact directory.
func (e *Engine) purgeByproducts(ctx context.Context, j *job.Job) error {
	if j.ContainerID != "" {
		if err := e.driver.Remove(ctx, j.ContainerID); err != nil {
			return err
		}
	}
	return e.artifacts.DeleteAll(j.ID)
}

// sweepUploads removes input data that can no longer serve any job: expired
// unconsumed uploads, uploads orphaned by jobs that settled before running,
// and the directories of consumed uploads.
func (e *Engine) sweepUploads(ctx context.Context) {
	logger := slog.With("component", "sweeper")
	now := time.Now()

	expired, err := e.uploads.Expired(ctx, now)
	if err != nil {
		logger.Warn("Failed to list expired uploads", "error", err)
	}
	for _, u := range expired {
		if err := e.uploads.RemoveDir(u.ID); err != nil {
			logger.Warn("Failed to remove upload directory", "uploadId", u.ID, "error", err)
			continue
		}
		if err := e.uploads.MarkExpired(ctx, u.ID); err != nil {
			logger.Warn("Failed to expire upload", "uploadId", u.ID, "error", err)
			continue
		}
		logger.Info("Expired upload removed", "uploadId", u.ID, "state", u.State)
	}

	orphaned, err := e.uploads.Orphaned(ctx)
	if err != nil {
		logger.Warn("Failed to list orphaned uploads", "error", err)
	}
	for _, u := range orphaned {
		if err := e.uploads.RemoveDir(u.ID); err != nil {
			logger.Warn("Failed to remove upload directory", "uploadId", u.ID, "error", err)
			continue
		}
		if err := e.uploads.MarkExpired(ctx, u.ID); err != nil {
			logger.Warn("Failed to expire upload", "uploadId", u.ID, "error", err)
			continue
		}
		logger.Info("Orphaned upload removed", "uploadId", u.ID, "jobId", u.JobID)
	}

	consumed, err := e.uploads.Consumed(ctx)
	if err != nil {
		logger.Warn("Failed to list consumed uploads", "error", err)
	}
	for _, u := range consumed {
		if err := e.uploads.RemoveDir(u.ID); err != nil {
			logger.Warn("Failed to remove upload directory", "uploadId", u.ID, "error", err)
			continue
		}
		logger.Debug("Consumed upload directory removed", "uploadId", u.ID, "jobId", u.JobID)
	}
}
