package engine

import (
	"context"
	"fmt"

	"flashpods/internal/apperrors"
	"flashpods/internal/store"
)

// Rejection is returned when a job's clamped request exceeds current
// headroom. It carries everything the caller needs to decide whether and
// when to retry.
type Rejection struct {
	RequestedCPUs     int `json:"requested_cpus"`
	RequestedMemoryGB int `json:"requested_memory_gb"`
	AvailableCPUs     int `json:"available_cpus"`
	AvailableMemoryGB int `json:"available_memory_gb"`
	CapacityCPUs      int `json:"capacity_cpus"`
	CapacityMemoryGB  int `json:"capacity_memory_gb"`
	RunningJobs       int `json:"running_jobs"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("insufficient capacity: requested %d CPUs / %d GB, available %d CPUs / %d GB (%d jobs holding resources)",
		r.RequestedCPUs, r.RequestedMemoryGB, r.AvailableCPUs, r.AvailableMemoryGB, r.RunningJobs)
}

func (r *Rejection) Unwrap() error {
	return apperrors.ErrResourceExhausted
}

// admit decides whether a clamped request fits current headroom. Must be
// called with the admission mutex held: the decision and the reservation it
// precedes form one critical section.
func (e *Engine) admit(ctx context.Context, cpus, memoryGB int) (store.Usage, error) {
	usage, err := e.store.ResourceUsage(ctx)
	if err != nil {
		return store.Usage{}, err
	}

	availCPUs := e.cfg.HostCPUs - usage.CPUs
	availMem := e.cfg.HostMemoryGB - usage.MemoryGB
	if cpus > availCPUs || memoryGB > availMem {
		return usage, &Rejection{
			RequestedCPUs:     cpus,
			RequestedMemoryGB: memoryGB,
			AvailableCPUs:     availCPUs,
			AvailableMemoryGB: availMem,
			CapacityCPUs:      e.cfg.HostCPUs,
			CapacityMemoryGB:  e.cfg.HostMemoryGB,
			RunningJobs:       usage.RunningJobs,
		}
	}
	return usage, nil
}
