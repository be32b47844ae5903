// Package runner abstracts the container engine behind a narrow driver
// interface. The lifecycle engine is the only caller; it treats containers as
// opaque execution units and never encodes engine-specific behavior.
package runner

import (
	"context"
	"time"

	"flashpods/internal/job"
)

// UnitState is the observed state of an execution unit.
type UnitState string

const (
	UnitRunning  UnitState = "running"
	UnitExited   UnitState = "exited"
	UnitCreated  UnitState = "created"
	UnitNotFound UnitState = "not_found"
)

// UnitStatus is a point-in-time observation of a unit. ExitCode is only
// meaningful when State is UnitExited.
type UnitStatus struct {
	State      UnitState
	ExitCode   int
	FinishedAt time.Time
}

// Unit is a managed execution unit discovered on the engine, identified back
// to its job through labels.
type Unit struct {
	ContainerID string
	JobID       string
	JobType     string
	Running     bool
}

// StartSpec describes the filesystem surface a job's container gets beyond
// what the job record itself carries.
type StartSpec struct {
	InputDir     string // host directory mounted at /work, empty for no input
	ArtifactsDir string // host directory mounted read-write at /artifacts
}

// Driver starts, observes, and terminates execution units.
//
// Terminate delivers SIGTERM, waits up to grace, then SIGKILL. It is
// idempotent: terminating a unit that already exited or no longer exists is
// not an error. Remove deletes a unit's container and is likewise idempotent.
type Driver interface {
	Start(ctx context.Context, j *job.Job, spec StartSpec) (containerID string, err error)
	Status(ctx context.Context, containerID string) (UnitStatus, error)
	Terminate(ctx context.Context, containerID string, grace time.Duration) error
	Remove(ctx context.Context, containerID string) error
	List(ctx context.Context) ([]Unit, error)
	Ready(ctx context.Context) error
	Close() error
}
