package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flashpods/internal/apperrors"
	"flashpods/internal/config"
	"flashpods/internal/job"
	"flashpods/internal/testutil"
)

func smallHostConfig(cpus, memoryGB int) config.EngineConfig {
	cfg := testConfig()
	cfg.HostCPUs = cpus
	cfg.HostMemoryGB = memoryGB
	return cfg
}

func TestAdmissionRejectsOverHeadroom(t *testing.T) {
	t.Parallel()
	e, _, st := newTestEngine(t, smallHostConfig(8, 16))
	ctx := context.Background()

	a, err := e.Create(ctx, job.CreateRequest{Type: "worker", Command: "true", CPUs: 6, MemoryGB: 10})
	if err != nil {
		t.Fatalf("first job should be admitted: %v", err)
	}
	waitForState(t, st, a.JobID, job.StateRunning)

	_, err = e.Create(ctx, job.CreateRequest{Type: "worker", Command: "true", CPUs: 4, MemoryGB: 8})
	if err == nil {
		t.Fatal("second job should be rejected for capacity")
	}
	if !errors.Is(err, apperrors.ErrResourceExhausted) {
		t.Fatalf("expected resource exhausted, got %v", err)
	}

	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected a Rejection, got %T", err)
	}
	if rej.RequestedCPUs != 4 || rej.RequestedMemoryGB != 8 {
		t.Errorf("requested = (%d, %d), want (4, 8)", rej.RequestedCPUs, rej.RequestedMemoryGB)
	}
	if rej.AvailableCPUs != 2 || rej.AvailableMemoryGB != 6 {
		t.Errorf("available = (%d, %d), want (2, 6)", rej.AvailableCPUs, rej.AvailableMemoryGB)
	}
	if rej.CapacityCPUs != 8 || rej.CapacityMemoryGB != 16 {
		t.Errorf("capacity = (%d, %d), want (8, 16)", rej.CapacityCPUs, rej.CapacityMemoryGB)
	}
	if rej.RunningJobs != 1 {
		t.Errorf("running jobs = %d, want 1", rej.RunningJobs)
	}
}

func TestOverCapRequestIsClampedNotRejected(t *testing.T) {
	t.Parallel()
	e, _, st := newTestEngine(t, smallHostConfig(8, 16))
	ctx := context.Background()

	// A worker asking for far more than its type max is admitted at the cap.
	resp, err := e.Create(ctx, job.CreateRequest{Type: "worker", Command: "true", CPUs: 100, MemoryGB: 100, TimeoutMinutes: 9999})
	if err != nil {
		t.Fatalf("over-cap request must be clamped, not rejected: %v", err)
	}

	j := waitForState(t, st, resp.JobID, job.StateRunning)
	if j.CPUs != 8 || j.MemoryGB != 16 || j.TimeoutMinutes != 120 {
		t.Errorf("clamped to (%d, %d, %d), want (8, 16, 120)", j.CPUs, j.MemoryGB, j.TimeoutMinutes)
	}
}

func TestConcurrentAdmissionNeverOvercommits(t *testing.T) {
	t.Parallel()
	e, _, st := newTestEngine(t, smallHostConfig(4, 8))
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Create(ctx, job.CreateRequest{Type: "worker", Command: "true", CPUs: 4, MemoryGB: 8})
			results[i] = err
		}(i)
	}
	wg.Wait()

	var admitted, rejected int
	for _, err := range results {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, apperrors.ErrResourceExhausted):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 1 {
		t.Errorf("admitted = %d, want exactly 1", admitted)
	}
	if rejected != attempts-1 {
		t.Errorf("rejected = %d, want %d", rejected, attempts-1)
	}

	usage, err := st.ResourceUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if usage.CPUs > 4 || usage.MemoryGB > 8 {
		t.Errorf("ledger exceeds capacity: %+v", usage)
	}
}

func TestIdempotentCreate(t *testing.T) {
	t.Parallel()
	e, _, st := newTestEngine(t, smallHostConfig(8, 16))
	ctx := context.Background()

	first, err := e.Create(ctx, job.CreateRequest{Type: "worker", Command: "true", DedupKey: "K", CPUs: 4, MemoryGB: 8})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !first.Created {
		t.Error("first call must report created=true")
	}

	second, err := e.Create(ctx, job.CreateRequest{Type: "worker", Command: "true", DedupKey: "K", CPUs: 4, MemoryGB: 8})
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if second.Created {
		t.Error("second call must report created=false")
	}
	if second.JobID != first.JobID {
		t.Errorf("second call returned %q, want %q", second.JobID, first.JobID)
	}

	// Resources were reserved exactly once.
	waitForState(t, st, first.JobID, job.StateRunning)
	usage, err := st.ResourceUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if usage.CPUs != 4 || usage.MemoryGB != 8 || usage.RunningJobs != 1 {
		t.Errorf("usage = %+v, want one reservation of (4, 8)", usage)
	}
}

func TestRejectionFreesNothing(t *testing.T) {
	t.Parallel()
	e, fd, st := newTestEngine(t, smallHostConfig(4, 8))
	ctx := context.Background()

	resp, err := e.Create(ctx, job.CreateRequest{Type: "worker", Command: "true", CPUs: 4, MemoryGB: 8})
	if err != nil {
		t.Fatal(err)
	}
	running := waitForState(t, st, resp.JobID, job.StateRunning)

	if _, err := e.Create(ctx, job.CreateRequest{Type: "worker", Command: "true", CPUs: 1, MemoryGB: 1}); err == nil {
		t.Fatal("expected rejection")
	}

	// Once the first job settles, its headroom comes back.
	fd.exit(running.ContainerID, 0)
	waitForState(t, st, resp.JobID, job.StateCompleted)

	testutil.MustWaitFor(t, func() bool {
		_, err := e.Create(ctx, job.CreateRequest{Type: "worker", Command: "true", CPUs: 1, MemoryGB: 1})
		return err == nil
	}, testutil.WithTimeout(5*time.Second))
}
