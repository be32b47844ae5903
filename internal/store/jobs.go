package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"flashpods/internal/apperrors"
	"flashpods/internal/job"
)

// jobRow is the raw database representation of a job.
type jobRow struct {
	ID             string  `db:"id"`
	JobType        string  `db:"job_type"`
	Status         string  `db:"status"`
	Command        *string `db:"command"`
	Task           *string `db:"task"`
	Context        *string `db:"context"`
	GitBranch      *string `db:"git_branch"`
	FilesID        *string `db:"files_id"`
	Image          string  `db:"image"`
	CPUs           int     `db:"cpus"`
	MemoryGB       int     `db:"memory_gb"`
	TimeoutMinutes int     `db:"timeout_minutes"`
	ContainerID    *string `db:"container_id"`
	ExitCode       *int    `db:"exit_code"`
	Error          *string `db:"error"`
	CreatedAt      string  `db:"created_at"`
	StartedAt      *string `db:"started_at"`
	CompletedAt    *string `db:"completed_at"`
}

const jobColumns = `id, job_type, status, command, task, context, git_branch,
	files_id, image, cpus, memory_gb, timeout_minutes, container_id,
	exit_code, error, created_at, started_at, completed_at`

func (r jobRow) toJob() job.Job {
	typ, _ := job.ParseType(r.JobType)
	state, _ := job.ParseState(r.Status)
	return job.Job{
		ID:             r.ID,
		Type:           typ,
		State:          state,
		Command:        deref(r.Command),
		Task:           deref(r.Task),
		Context:        deref(r.Context),
		GitBranch:      deref(r.GitBranch),
		UploadID:       deref(r.FilesID),
		Image:          r.Image,
		CPUs:           r.CPUs,
		MemoryGB:       r.MemoryGB,
		TimeoutMinutes: r.TimeoutMinutes,
		ContainerID:    deref(r.ContainerID),
		ExitCode:       r.ExitCode,
		Error:          deref(r.Error),
		CreatedAt:      parseTime(r.CreatedAt),
		StartedAt:      parseTimePtr(r.StartedAt),
		CompletedAt:    parseTimePtr(r.CompletedAt),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CreateJob inserts a new job row and, when dedupKey is non-empty, an active
// idempotency entry pointing at it. Both writes happen in one transaction so
// a crash cannot leave a reserved key without a job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job, dedupKey string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Internal("store.createJob", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, job_type, status, command, task, context, git_branch,
			files_id, image, cpus, memory_gb, timeout_minutes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Type), string(j.State), j.Command, j.Task, j.Context, j.GitBranch,
		j.UploadID, j.Image, j.CPUs, j.MemoryGB, j.TimeoutMinutes, formatTime(j.CreatedAt))
	if err != nil {
		return apperrors.Internal("store.createJob", err)
	}

	if dedupKey != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (client_job_id, job_id, active) VALUES (?, ?, 1)`,
			dedupKey, j.ID)
		if err != nil {
			return apperrors.Internal("store.createJob", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Internal("store.createJob", err)
	}
	return nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getJob", err)
	}
	j := row.toJob()
	return &j, nil
}

// GetJobByDedupKey returns the job referenced by an active idempotency entry,
// or a not-found error when the key is unused or deactivated.
func (s *Store) GetJobByDedupKey(ctx context.Context, key string) (*job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT j.id, j.job_type, j.status, j.command, j.task, j.context, j.git_branch,
			j.files_id, j.image, j.cpus, j.memory_gb, j.timeout_minutes, j.container_id,
			j.exit_code, j.error, j.created_at, j.started_at, j.completed_at
		 FROM jobs j
		 JOIN idempotency_keys ik ON j.id = ik.job_id
		 WHERE ik.client_job_id = ? AND ik.active = 1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("idempotency key", key)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getJobByDedupKey", err)
	}
	j := row.toJob()
	return &j, nil
}

// ListJobs returns jobs ordered newest first, optionally filtered by state.
func (s *Store) ListJobs(ctx context.Context, stateFilter string, limit int) ([]job.Job, error) {
	var rows []jobRow
	var err error
	if stateFilter != "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
			stateFilter, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, apperrors.Internal("store.listJobs", err)
	}
	return toJobs(rows), nil
}

// ActiveJobs returns jobs in starting or running state, the set the
// reconciler diffs against live containers.
func (s *Store) ActiveJobs(ctx context.Context) ([]job.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN ('starting', 'running')`)
	if err != nil {
		return nil, apperrors.Internal("store.activeJobs", err)
	}
	return toJobs(rows), nil
}

// CleanupCandidates returns jobs whose byproducts are due for purging: jobs
// that settled before cutoff, plus jobs stuck in cleaning from earlier
// partial failures.
func (s *Store) CleanupCandidates(ctx context.Context, cutoff time.Time) ([]job.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE (status IN ('completed', 'failed', 'timed_out', 'cancelled') AND completed_at <= ?)
		    OR status = 'cleaning'`,
		formatTime(cutoff))
	if err != nil {
		return nil, apperrors.Internal("store.cleanupCandidates", err)
	}
	return toJobs(rows), nil
}

func toJobs(rows []jobRow) []job.Job {
	jobs := make([]job.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs
}

// TransitionJob moves a job from one state to another with a compare-and-set
// on the current state, so concurrent writers (watcher vs. cancel) cannot
// apply transitions out of order. started_at and completed_at are set exactly
// once on entry to running and to the intermediate-terminal states.
func (s *Store) TransitionJob(ctx context.Context, id string, from, to job.State) error {
	if !job.CanTransition(from, to) {
		return apperrors.Conflict("job", id, "illegal transition "+string(from)+" -> "+string(to))
	}

	now := formatTime(time.Now())
	var res sql.Result
	var err error
	switch {
	case to == job.StateRunning:
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ? AND status = ?`,
			string(to), now, id, string(from))
	case to.AwaitingCleanup():
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ? AND status = ?`,
			string(to), now, id, string(from))
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
			string(to), id, string(from))
	}
	if err != nil {
		return apperrors.Internal("store.transitionJob", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("store.transitionJob", err)
	}
	if n == 0 {
		return apperrors.Conflict("job", id, "job is no longer in state "+string(from))
	}
	return nil
}

// SetContainerID records the container backing a job.
func (s *Store) SetContainerID(ctx context.Context, id, containerID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET container_id = ? WHERE id = ?`, containerID, id); err != nil {
		return apperrors.Internal("store.setContainerID", err)
	}
	return nil
}

// SetOutcome records the exit code and error classification of a settled job.
func (s *Store) SetOutcome(ctx context.Context, id string, exitCode *int, errClass string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET exit_code = ?, error = ? WHERE id = ?`,
		exitCode, nullable(errClass), id); err != nil {
		return apperrors.Internal("store.setOutcome", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Usage is the resource ledger snapshot: declared resources of all jobs
// currently holding capacity, computed from the job store in one query so
// every field reflects the same instant.
type Usage struct {
	CPUs        int `db:"cpus"`
	MemoryGB    int `db:"memory_gb"`
	RunningJobs int `db:"running_jobs"`
}

// ResourceUsage recomputes the ledger from the jobs table. This is the
// authoritative value; no cached counter exists to drift from it.
func (s *Store) ResourceUsage(ctx context.Context) (Usage, error) {
	var u Usage
	err := s.db.GetContext(ctx, &u,
		`SELECT COALESCE(SUM(cpus), 0) AS cpus,
		        COALESCE(SUM(memory_gb), 0) AS memory_gb,
		        COUNT(*) AS running_jobs
		 FROM jobs WHERE status IN ('starting', 'running')`)
	if err != nil {
		return Usage{}, apperrors.Internal("store.resourceUsage", err)
	}
	return u, nil
}

// DeactivateDedupKey releases the idempotency entry for a job once it reaches
// cleaned, making the key reusable for a brand-new job.
func (s *Store) DeactivateDedupKey(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET active = 0 WHERE job_id = ?`, jobID); err != nil {
		return apperrors.Internal("store.deactivateDedupKey", err)
	}
	return nil
}
