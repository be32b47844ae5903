// Package upload tracks input-data objects through their lifecycle:
// uploading -> finalized -> consumed, or expiry. The byte transfer itself
// (rsync into the upload directory) happens outside this process; this
// package owns the durable state and the directories.
package upload

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is an upload lifecycle state.
type State string

const (
	StateUploading State = "uploading"
	StateFinalized State = "finalized"
	StateConsumed  State = "consumed"
	StateExpired   State = "expired"
)

// Upload is an input-data object referenced by at most one job.
type Upload struct {
	ID          string
	State       State
	SizeBytes   *int64
	FileCount   *int64
	CreatedAt   time.Time
	FinalizedAt *time.Time
	ConsumedAt  *time.Time
	ExpiresAt   *time.Time
	JobID       string
}

// View is the external representation of an upload.
type View struct {
	UploadID    string     `json:"upload_id"`
	State       State      `json:"state"`
	SizeBytes   *int64     `json:"size_bytes,omitempty"`
	FileCount   *int64     `json:"file_count,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// NewView converts an upload record to its external representation.
func NewView(u *Upload) View {
	return View{
		UploadID:    u.ID,
		State:       u.State,
		SizeBytes:   u.SizeBytes,
		FileCount:   u.FileCount,
		CreatedAt:   u.CreatedAt,
		FinalizedAt: u.FinalizedAt,
		ExpiresAt:   u.ExpiresAt,
	}
}

// NewID generates an opaque upload identifier.
func NewID() string {
	return "upload_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
