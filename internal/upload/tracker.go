package upload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"flashpods/internal/apperrors"
)

// Tracker is the durable upload lifecycle tracker. It shares the orchestrator
// database and owns the upload directory tree.
type Tracker struct {
	db           *sqlx.DB
	root         string
	uploadingTTL time.Duration
	finalizedTTL time.Duration
}

// Config holds tracker configuration.
type Config struct {
	Root         string        // Upload directory root
	UploadingTTL time.Duration // Expiry for uploads never finalized
	FinalizedTTL time.Duration // Expiry for finalized uploads never consumed
}

// NewTracker creates a tracker over an already-migrated database.
func NewTracker(db *sqlx.DB, cfg Config) *Tracker {
	return &Tracker{
		db:           db,
		root:         cfg.Root,
		uploadingTTL: cfg.UploadingTTL,
		finalizedTTL: cfg.FinalizedTTL,
	}
}

// Dir returns the directory that receives an upload's files.
func (t *Tracker) Dir(id string) string {
	return filepath.Join(t.root, id)
}

type uploadRow struct {
	ID          string  `db:"id"`
	State       string  `db:"state"`
	SizeBytes   *int64  `db:"size_bytes"`
	FileCount   *int64  `db:"file_count"`
	CreatedAt   string  `db:"created_at"`
	FinalizedAt *string `db:"finalized_at"`
	ConsumedAt  *string `db:"consumed_at"`
	ExpiresAt   *string `db:"expires_at"`
	JobID       *string `db:"job_id"`
}

const uploadColumns = `id, state, size_bytes, file_count, created_at, finalized_at, consumed_at, expires_at, job_id`

func (r uploadRow) toUpload() Upload {
	u := Upload{
		ID:          r.ID,
		State:       State(r.State),
		SizeBytes:   r.SizeBytes,
		FileCount:   r.FileCount,
		CreatedAt:   parseTime(r.CreatedAt),
		FinalizedAt: parseTimePtr(r.FinalizedAt),
		ConsumedAt:  parseTimePtr(r.ConsumedAt),
		ExpiresAt:   parseTimePtr(r.ExpiresAt),
	}
	if r.JobID != nil {
		u.JobID = *r.JobID
	}
	return u
}

// Create reserves a new upload in uploading state with its directory and a
// TTL for abandoned transfers.
func (t *Tracker) Create(ctx context.Context) (*Upload, error) {
	id := NewID()
	now := time.Now()
	expiresAt := now.Add(t.uploadingTTL)

	if err := os.MkdirAll(t.Dir(id), 0o755); err != nil {
		return nil, apperrors.Internal("upload.create", err)
	}

	_, err := t.db.ExecContext(ctx,
		`INSERT INTO uploads (id, state, created_at, expires_at) VALUES (?, 'uploading', ?, ?)`,
		id, formatTime(now), formatTime(expiresAt))
	if err != nil {
		return nil, apperrors.Internal("upload.create", err)
	}

	slog.Info("Upload created", "uploadId", id, "expiresAt", expiresAt)
	return t.Get(ctx, id)
}

// Get returns an upload by id.
func (t *Tracker) Get(ctx context.Context, id string) (*Upload, error) {
	var row uploadRow
	err := t.db.GetContext(ctx, &row, `SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("upload", id)
	}
	if err != nil {
		return nil, apperrors.Internal("upload.get", err)
	}
	u := row.toUpload()
	return &u, nil
}

// Finalize transitions an upload from uploading to finalized, recording its
// size and extending its TTL. Any other current state is a conflict.
func (t *Tracker) Finalize(ctx context.Context, id string, sizeBytes, fileCount int64) (*Upload, error) {
	u, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch u.State {
	case StateUploading:
		// fall through to the update
	case StateFinalized:
		return nil, apperrors.Conflict("upload", id, "upload already finalized")
	case StateConsumed:
		return nil, apperrors.Conflict("upload", id, "upload already consumed")
	default:
		return nil, apperrors.Conflict("upload", id, "upload expired")
	}

	now := time.Now()
	expiresAt := now.Add(t.finalizedTTL)
	_, err = t.db.ExecContext(ctx,
		`UPDATE uploads SET state = 'finalized', size_bytes = ?, file_count = ?,
			finalized_at = ?, expires_at = ?
		 WHERE id = ? AND state = 'uploading'`,
		sizeBytes, fileCount, formatTime(now), formatTime(expiresAt), id)
	if err != nil {
		return nil, apperrors.Internal("upload.finalize", err)
	}

	slog.Info("Upload finalized", "uploadId", id, "sizeBytes", sizeBytes, "fileCount", fileCount)
	return t.Get(ctx, id)
}

// Consume marks an upload as consumed by a job. Called at the instant the
// job's container is confirmed running, never earlier: the sandbox must have
// mounted the data before the tracker stops protecting it.
func (t *Tracker) Consume(ctx context.Context, id, jobID string) error {
	_, err := t.db.ExecContext(ctx,
		`UPDATE uploads SET state = 'consumed', consumed_at = ?, job_id = ? WHERE id = ?`,
		formatTime(time.Now()), jobID, id)
	if err != nil {
		return apperrors.Internal("upload.consume", err)
	}
	slog.Info("Upload consumed", "uploadId", id, "jobId", jobID)
	return nil
}

// Delete expires an unconsumed upload and removes its directory.
func (t *Tracker) Delete(ctx context.Context, id string) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE uploads SET state = 'expired' WHERE id = ? AND state IN ('uploading', 'finalized')`, id)
	if err != nil {
		return apperrors.Internal("upload.delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("upload.delete", err)
	}
	if n == 0 {
		return apperrors.NotFound("upload", id)
	}

	if err := t.RemoveDir(id); err != nil {
		return err
	}
	slog.Info("Upload deleted", "uploadId", id)
	return nil
}

// RemoveDir removes an upload's directory. Idempotent.
func (t *Tracker) RemoveDir(id string) error {
	if err := os.RemoveAll(t.Dir(id)); err != nil {
		return apperrors.Internal("upload.removeDir", fmt.Errorf("upload %s: %w", id, err))
	}
	return nil
}

// Expired returns uploads whose TTL elapsed while still unconsumed.
func (t *Tracker) Expired(ctx context.Context, now time.Time) ([]Upload, error) {
	var rows []uploadRow
	err := t.db.SelectContext(ctx, &rows,
		`SELECT `+uploadColumns+` FROM uploads
		 WHERE expires_at < ? AND state IN ('uploading', 'finalized')`,
		formatTime(now))
	if err != nil {
		return nil, apperrors.Unavailable("upload.expired", err)
	}
	return toUploads(rows), nil
}

// Orphaned returns unconsumed uploads whose referencing job settled without
// ever reaching running. Their input data will never be mounted; the sweeper
// removes them without waiting for the TTL.
func (t *Tracker) Orphaned(ctx context.Context) ([]Upload, error) {
	var rows []uploadRow
	err := t.db.SelectContext(ctx, &rows,
		`SELECT u.id, u.state, u.size_bytes, u.file_count, u.created_at,
			u.finalized_at, u.consumed_at, u.expires_at, u.job_id
		 FROM uploads u
		 JOIN jobs j ON j.files_id = u.id
		 WHERE u.state IN ('uploading', 'finalized')
		   AND j.status IN ('failed', 'cancelled')
		   AND j.started_at IS NULL`)
	if err != nil {
		return nil, apperrors.Unavailable("upload.orphaned", err)
	}
	return toUploads(rows), nil
}

// Consumed returns consumed uploads whose directory still exists on disk.
func (t *Tracker) Consumed(ctx context.Context) ([]Upload, error) {
	var rows []uploadRow
	err := t.db.SelectContext(ctx, &rows,
		`SELECT `+uploadColumns+` FROM uploads WHERE state = 'consumed'`)
	if err != nil {
		return nil, apperrors.Unavailable("upload.consumed", err)
	}

	var withDir []Upload
	for _, u := range toUploads(rows) {
		if _, err := os.Stat(t.Dir(u.ID)); err == nil {
			withDir = append(withDir, u)
		}
	}
	return withDir, nil
}

// MarkExpired expires an upload without touching its directory.
func (t *Tracker) MarkExpired(ctx context.Context, id string) error {
	if _, err := t.db.ExecContext(ctx,
		`UPDATE uploads SET state = 'expired' WHERE id = ?`, id); err != nil {
		return apperrors.Internal("upload.markExpired", err)
	}
	return nil
}

func toUploads(rows []uploadRow) []Upload {
	uploads := make([]Upload, 0, len(rows))
	for _, r := range rows {
		uploads = append(uploads, r.toUpload())
	}
	return uploads
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}
