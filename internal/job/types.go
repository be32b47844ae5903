// Package job defines the job domain model: types, states, the lifecycle
// transition graph, and per-type resource limits.
package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the execution profile of a job. Each type carries its own resource
// caps and input-mount policy.
type Type string

const (
	TypeWorker Type = "worker"
	TypeAgent  Type = "agent"
)

// ParseType parses a job type string.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "worker":
		return TypeWorker, nil
	case "agent":
		return TypeAgent, nil
	default:
		return "", fmt.Errorf("invalid job type: %q", s)
	}
}

// MountMode returns how the input upload is mounted into the container.
// Workers get a read-only view of their input; agents may modify it.
func (t Type) MountMode() string {
	if t == TypeAgent {
		return "rw"
	}
	return "ro"
}

// State is a job lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
	StateCleaning  State = "cleaning"
	StateCleaned   State = "cleaned"
)

// ParseState parses a job state string.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StatePending, StateStarting, StateRunning, StateCompleted, StateFailed,
		StateTimedOut, StateCancelled, StateCleaning, StateCleaned:
		return State(s), nil
	default:
		return "", fmt.Errorf("invalid job state: %q", s)
	}
}

// IsActive reports whether the job can still be cancelled and may hold
// resources. Jobs in {starting, running} count toward the resource ledger.
func (s State) IsActive() bool {
	return s == StatePending || s == StateStarting || s == StateRunning
}

// HoldsResources reports whether the job's declared resources count toward
// the ledger.
func (s State) HoldsResources() bool {
	return s == StateStarting || s == StateRunning
}

// IsTerminal reports whether the job's outcome is settled. Terminal jobs
// (other than cleaned) still await cleanup.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled, StateCleaned:
		return true
	}
	return false
}

// AwaitingCleanup reports whether the sweeper may pick this job up.
func (s State) AwaitingCleanup() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// transitions is the lifecycle graph. cleaned is absorbing.
var transitions = map[State][]State{
	StatePending:   {StateStarting, StateCancelled},
	StateStarting:  {StateRunning, StateFailed, StateCancelled},
	StateRunning:   {StateCompleted, StateFailed, StateTimedOut, StateCancelled},
	StateCompleted: {StateCleaning},
	StateFailed:    {StateCleaning},
	StateTimedOut:  {StateCleaning},
	StateCancelled: {StateCleaning},
	StateCleaning:  {StateCleaned},
	StateCleaned:   {},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Error classifications recorded on terminal jobs. They distinguish "the
// workload failed" from "the platform failed the workload".
const (
	ErrClassStartFailed  = "container_start_failed"
	ErrClassNeverStarted = "container_never_started"
	ErrClassLost         = "container_lost_on_recovery"
	ErrClassTimeout      = "deadline_exceeded"
	ErrClassCancelled    = "cancelled_by_client"
)

// Job is the central entity: a unit of requested, resource-bounded,
// time-bounded isolated execution. Rows are never deleted; terminal rows
// persist as history after their byproducts are purged.
type Job struct {
	ID   string
	Type Type

	State State

	// Worker jobs run a shell command; agent jobs run their image entrypoint
	// against a task description.
	Command   string
	Task      string
	Context   string
	GitBranch string

	UploadID string // optional input object reference
	Image    string

	CPUs           int
	MemoryGB       int
	TimeoutMinutes int

	ContainerID string
	ExitCode    *int
	Error       string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Deadline returns the wall-clock deadline, valid only once the job has
// started.
func (j *Job) Deadline() time.Time {
	if j.StartedAt == nil {
		return time.Time{}
	}
	return j.StartedAt.Add(time.Duration(j.TimeoutMinutes) * time.Minute)
}

// NewID generates an opaque job identifier.
func NewID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Limits are the per-type resource caps. Requests above a cap are clamped,
// never rejected.
type Limits struct {
	MaxCPUs           int
	MaxMemoryGB       int
	MaxTimeoutMinutes int
}

// LimitsFor returns the resource caps for a job type.
func LimitsFor(t Type) Limits {
	switch t {
	case TypeAgent:
		return Limits{MaxCPUs: 4, MaxMemoryGB: 8, MaxTimeoutMinutes: 120}
	default:
		return Limits{MaxCPUs: 8, MaxMemoryGB: 16, MaxTimeoutMinutes: 120}
	}
}

// Clamp bounds the requested values to [1, max] on every dimension.
func (l Limits) Clamp(cpus, memoryGB, timeoutMinutes int) (int, int, int) {
	return clamp(cpus, 1, l.MaxCPUs),
		clamp(memoryGB, 1, l.MaxMemoryGB),
		clamp(timeoutMinutes, 1, l.MaxTimeoutMinutes)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
