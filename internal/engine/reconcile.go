package engine

import (
	"context"
	"log/slog"

	"flashpods/internal/job"
	"flashpods/internal/runner"
)

// PatchAction is a repair to apply to the store or the execution driver.
type PatchAction string

const (
	// ActionResume confirms a unit alive: ensure the job is running and
	// resume deadline monitoring from its original start timestamp.
	ActionResume PatchAction = "resume"
	// ActionSettleExit applies the exit-code mapping to a unit that stopped
	// while the orchestrator was away.
	ActionSettleExit PatchAction = "settle_exit"
	// ActionMarkLost fails a job whose unit no longer exists.
	ActionMarkLost PatchAction = "mark_lost"
	// ActionTerminateOrphan force-terminates a unit with no active job
	// backing it. An unmanaged unit is never left running.
	ActionTerminateOrphan PatchAction = "terminate_orphan"
)

// Patch is one divergence between recorded state and observed reality.
type Patch struct {
	Action      PatchAction
	JobID       string
	ContainerID string
	From        job.State
	ExitCode    int
	ErrClass    string
}

// LiveUnit pairs a managed unit with its observed status.
type LiveUnit struct {
	ContainerID string
	JobID       string
	Status      runner.UnitStatus
}

// Diff computes the repairs that make the job store consistent with
// observable execution-unit reality. Pure: it reads nothing and writes
// nothing, so it is testable against synthetic unit lists.
//
// active must be the jobs in {starting, running}. Jobs with no live unit are
// failed with a classification that distinguishes "never started" from "lost
// mid-flight"; units with no active job are orphans.
func Diff(active []job.Job, live []LiveUnit) []Patch {
	byJob := make(map[string]LiveUnit, len(live))
	for _, u := range live {
		if u.JobID != "" {
			byJob[u.JobID] = u
		}
	}

	activeIDs := make(map[string]bool, len(active))
	var patches []Patch

	for _, j := range active {
		activeIDs[j.ID] = true

		u, found := byJob[j.ID]
		if !found {
			errClass := job.ErrClassNeverStarted
			if j.State == job.StateRunning {
				errClass = job.ErrClassLost
			}
			patches = append(patches, Patch{
				Action:   ActionMarkLost,
				JobID:    j.ID,
				From:     j.State,
				ErrClass: errClass,
			})
			continue
		}

		switch u.Status.State {
		case runner.UnitRunning:
			patches = append(patches, Patch{
				Action:      ActionResume,
				JobID:       j.ID,
				ContainerID: u.ContainerID,
				From:        j.State,
			})
		case runner.UnitExited:
			patches = append(patches, Patch{
				Action:      ActionSettleExit,
				JobID:       j.ID,
				ContainerID: u.ContainerID,
				From:        j.State,
				ExitCode:    u.Status.ExitCode,
			})
		default:
			// Created-but-never-started and vanished units both mean the job
			// never ran; the leftover container is an orphan to remove.
			patches = append(patches, Patch{
				Action:   ActionMarkLost,
				JobID:    j.ID,
				From:     j.State,
				ErrClass: job.ErrClassNeverStarted,
			})
			patches = append(patches, Patch{
				Action:      ActionTerminateOrphan,
				ContainerID: u.ContainerID,
			})
		}
	}

	for _, u := range live {
		if activeIDs[u.JobID] {
			continue
		}
		patches = append(patches, Patch{
			Action:      ActionTerminateOrphan,
			JobID:       u.JobID,
			ContainerID: u.ContainerID,
		})
	}

	return patches
}

// Reconcile diffs the store against the driver and applies the repairs. It
// runs synchronously at startup before the listener opens, and again on
// sweeper ticks to catch divergence accumulated at runtime. Transient driver
// failures abort the pass; the next tick retries.
func (e *Engine) Reconcile(ctx context.Context) error {
	logger := slog.With("component", "reconcile")

	units, err := e.driver.List(ctx)
	if err != nil {
		return err
	}
	active, err := e.store.ActiveJobs(ctx)
	if err != nil {
		return err
	}

	live := make([]LiveUnit, 0, len(units))
	for _, u := range units {
		status, err := e.driver.Status(ctx, u.ContainerID)
		if err != nil {
			return err
		}
		if status.State == runner.UnitNotFound {
			continue
		}
		live = append(live, LiveUnit{ContainerID: u.ContainerID, JobID: u.JobID, Status: status})
	}

	patches := Diff(active, live)
	for _, p := range patches {
		if err := e.apply(ctx, logger, p); err != nil {
			logger.Warn("Failed to apply repair", "action", p.Action, "jobId", p.JobID, "error", err)
			continue
		}
		if e.metrics != nil {
			e.metrics.RecordReconcilerRepair(ctx, string(p.Action))
		}
	}

	if e.metrics != nil {
		if usage, err := e.store.ResourceUsage(ctx); err == nil {
			e.metrics.RecordCommitted(ctx, int64(usage.CPUs), int64(usage.MemoryGB))
		}
	}

	if len(patches) > 0 {
		logger.Info("Reconciliation complete", "activeJobs", len(active), "liveUnits", len(live), "repairs", len(patches))
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, logger *slog.Logger, p Patch) error {
	switch p.Action {
	case ActionResume:
		if p.From == job.StateStarting {
			if err := e.store.TransitionJob(ctx, p.JobID, job.StateStarting, job.StateRunning); err != nil {
				return err
			}
		}
		j, err := e.store.GetJob(ctx, p.JobID)
		if err != nil {
			return err
		}
		logger.Info("Resumed watching job", "jobId", p.JobID, "containerId", p.ContainerID)
		e.startWatcher(j)

	case ActionSettleExit:
		// A unit that exited while unobserved settles through running so the
		// state sequence stays a valid path. Forced-kill codes map to failed
		// here: with no recorded termination intent, the kill was not ours.
		if p.From == job.StateStarting {
			if err := e.store.TransitionJob(ctx, p.JobID, job.StateStarting, job.StateRunning); err != nil {
				return err
			}
		}
		j, err := e.store.GetJob(ctx, p.JobID)
		if err != nil {
			return err
		}
		e.observeExit(j, p.ExitCode)

	case ActionMarkLost:
		if err := e.store.TransitionJob(ctx, p.JobID, p.From, job.StateFailed); err != nil {
			return err
		}
		if err := e.store.SetOutcome(ctx, p.JobID, nil, p.ErrClass); err != nil {
			return err
		}
		logger.Warn("Job lost its container", "jobId", p.JobID, "fromState", p.From, "reason", p.ErrClass)

	case ActionTerminateOrphan:
		logger.Warn("Terminating orphan container", "jobId", p.JobID, "containerId", p.ContainerID)
		if err := e.driver.Terminate(ctx, p.ContainerID, e.cfg.StopGrace); err != nil {
			return err
		}
		return e.driver.Remove(ctx, p.ContainerID)
	}
	return nil
}
