package job

import (
	"fmt"
	"time"

	"flashpods/internal/apperrors"
)

// Validation limits for create requests. Resource values above the per-type
// caps are clamped at admission, not rejected here.
const (
	maxDedupKeyLength = 128
	maxCommandLength  = 4096
	maxTaskLength     = 8192
	maxImageLength    = 256
)

// CreateRequest is a request to create a new job.
type CreateRequest struct {
	DedupKey       string `json:"client_job_id,omitempty"`
	Type           string `json:"type"`
	Command        string `json:"command,omitempty"`
	Task           string `json:"task,omitempty"`
	Context        string `json:"context,omitempty"`
	GitBranch      string `json:"git_branch,omitempty"`
	UploadID       string `json:"files_id,omitempty"`
	Image          string `json:"image,omitempty"`
	CPUs           int    `json:"cpus,omitempty"`
	MemoryGB       int    `json:"memory_gb,omitempty"`
	TimeoutMinutes int    `json:"timeout_minutes,omitempty"`
}

// ApplyDefaults sets default values for unspecified request fields.
func (r *CreateRequest) ApplyDefaults() {
	if r.Image == "" {
		r.Image = "ubuntu:22.04"
	}
	if r.CPUs <= 0 {
		r.CPUs = 2
	}
	if r.MemoryGB <= 0 {
		r.MemoryGB = 4
	}
	if r.TimeoutMinutes <= 0 {
		r.TimeoutMinutes = 30
	}
}

// Validate checks the request. Does not modify it.
func (r *CreateRequest) Validate() (Type, error) {
	typ, err := ParseType(r.Type)
	if err != nil {
		return "", apperrors.Validation("type", err.Error())
	}

	switch typ {
	case TypeWorker:
		if r.Command == "" {
			return "", apperrors.Validation("command", "worker jobs require a 'command' field")
		}
	case TypeAgent:
		if r.Task == "" {
			return "", apperrors.Validation("task", "agent jobs require a 'task' field")
		}
	}

	if len(r.DedupKey) > maxDedupKeyLength {
		return "", apperrors.Validation("client_job_id", fmt.Sprintf("deduplication key exceeds maximum length of %d", maxDedupKeyLength))
	}
	if len(r.Command) > maxCommandLength {
		return "", apperrors.Validation("command", fmt.Sprintf("command exceeds maximum length of %d", maxCommandLength))
	}
	if len(r.Task) > maxTaskLength {
		return "", apperrors.Validation("task", fmt.Sprintf("task exceeds maximum length of %d", maxTaskLength))
	}
	if len(r.Image) > maxImageLength {
		return "", apperrors.Validation("image", fmt.Sprintf("image exceeds maximum length of %d", maxImageLength))
	}

	return typ, nil
}

// CreateResponse is returned by job creation. Created is false on an
// idempotent hit: the request matched an existing active deduplication key
// and had no side effects.
type CreateResponse struct {
	JobID   string `json:"job_id"`
	State   State  `json:"status"`
	Created bool   `json:"created"`
	Message string `json:"message,omitempty"`
}

// View is the external representation of a job record.
type View struct {
	ID              string     `json:"id"`
	Type            Type       `json:"type"`
	State           State      `json:"status"`
	Command         string     `json:"command,omitempty"`
	Task            string     `json:"task,omitempty"`
	Image           string     `json:"image"`
	CPUs            int        `json:"cpus"`
	MemoryGB        int        `json:"memory_gb"`
	TimeoutMinutes  int        `json:"timeout_minutes"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ElapsedSeconds  *int64     `json:"elapsed_seconds,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
}

// NewView converts a job record to its external representation.
func NewView(j *Job) View {
	v := View{
		ID:             j.ID,
		Type:           j.Type,
		State:          j.State,
		Command:        j.Command,
		Task:           j.Task,
		Image:          j.Image,
		CPUs:           j.CPUs,
		MemoryGB:       j.MemoryGB,
		TimeoutMinutes: j.TimeoutMinutes,
		ExitCode:       j.ExitCode,
		Error:          j.Error,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}

	if j.StartedAt != nil {
		elapsed := int64(time.Since(*j.StartedAt).Seconds())
		v.ElapsedSeconds = &elapsed
		if j.CompletedAt != nil {
			duration := int64(j.CompletedAt.Sub(*j.StartedAt).Seconds())
			v.DurationSeconds = &duration
			v.ElapsedSeconds = nil
		}
	}

	return v
}
