package engine

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"flashpods/internal/apperrors"
	"flashpods/internal/config"
	"flashpods/internal/job"
	"flashpods/internal/testutil"
	"flashpods/internal/upload"
)

func shortRetentionConfig() config.EngineConfig {
	cfg := testConfig()
	cfg.JobRetention = time.Millisecond
	return cfg
}

func TestSweepRetriesPartialFailure(t *testing.T) {
	t.Parallel()
	e, fd, st := newTestEngine(t, shortRetentionConfig())
	ctx := context.Background()

	resp, err := e.Create(ctx, job.CreateRequest{Type: "worker", Command: "true", DedupKey: "sweep-key"})
	if err != nil {
		t.Fatal(err)
	}
	running := waitForState(t, st, resp.JobID, job.StateRunning)
	fd.exit(running.ContainerID, 0)
	waitForState(t, st, resp.JobID, job.StateCompleted)

	// Let retention elapse, then make the first byproduct deletion fail.
	time.Sleep(10 * time.Millisecond)
	fd.mu.Lock()
	fd.removeFail[running.ContainerID] = 1
	fd.mu.Unlock()

	e.sweepJobs(ctx)
	j, err := st.GetJob(ctx, resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != job.StateCleaning {
		t.Fatalf("state = %q after failed deletion, want cleaning", j.State)
	}

	// The key is still held while cleanup is incomplete.
	if _, err := st.GetJobByDedupKey(ctx, "sweep-key"); err != nil {
		t.Fatalf("dedup key must stay active until cleaned: %v", err)
	}

	// Next pass succeeds.
	e.sweepJobs(ctx)
	j, err = st.GetJob(ctx, resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != job.StateCleaned {
		t.Fatalf("state = %q after retry, want cleaned", j.State)
	}
	if _, err := os.Stat(e.artifacts.Dir(resp.JobID)); !os.IsNotExist(err) {
		t.Error("artifact directory must be purged")
	}

	// Cleaned releases the key for a brand-new job.
	if _, err := st.GetJobByDedupKey(ctx, "sweep-key"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected deactivated key, got %v", err)
	}
	fresh, err := e.Create(ctx, job.CreateRequest{Type: "worker", Command: "true", DedupKey: "sweep-key"})
	if err != nil {
		t.Fatalf("key reuse after cleaned: %v", err)
	}
	if !fresh.Created || fresh.JobID == resp.JobID {
		t.Errorf("expected a brand-new job, got %+v", fresh)
	}
}

func TestSweepIgnoresJobsWithinRetention(t *testing.T) {
	t.Parallel()
	e, fd, st := newTestEngine(t, testConfig())
	ctx := context.Background()

	resp, err := e.Create(ctx, job.CreateRequest{Type: "worker", Command: "true"})
	if err != nil {
		t.Fatal(err)
	}
	running := waitForState(t, st, resp.JobID, job.StateRunning)
	fd.exit(running.ContainerID, 0)
	waitForState(t, st, resp.JobID, job.StateCompleted)

	e.sweepJobs(ctx)
	j, err := st.GetJob(ctx, resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != job.StateCompleted {
		t.Errorf("state = %q, want completed until retention elapses", j.State)
	}
}

func TestSweepRemovesOrphanedUploads(t *testing.T) {
	t.Parallel()
	e, fd, st := newTestEngine(t, testConfig())
	ctx := context.Background()

	u, err := e.uploads.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.uploads.Finalize(ctx, u.ID, 10, 1); err != nil {
		t.Fatal(err)
	}

	// The job admitted against this upload dies before ever running.
	fd.startErr = errors.New("no such image")
	resp, err := e.Create(ctx, job.CreateRequest{Type: "agent", Task: "t", UploadID: u.ID})
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, st, resp.JobID, job.StateFailed)

	e.sweepUploads(ctx)

	got, err := e.uploads.Get(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != upload.StateExpired {
		t.Errorf("upload state = %q, want expired", got.State)
	}
	if _, err := os.Stat(e.uploads.Dir(u.ID)); !os.IsNotExist(err) {
		t.Error("orphaned upload directory must be removed")
	}
}

func TestSweepRemovesConsumedUploadDirs(t *testing.T) {
	t.Parallel()
	e, _, st := newTestEngine(t, testConfig())
	ctx := context.Background()

	u, err := e.uploads.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.uploads.Finalize(ctx, u.ID, 10, 1); err != nil {
		t.Fatal(err)
	}

	resp, err := e.Create(ctx, job.CreateRequest{Type: "agent", Task: "t", UploadID: u.ID})
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, st, resp.JobID, job.StateRunning)

	// Wait for consumption, then sweep the directory.
	testutil.MustWaitFor(t, func() bool {
		got, err := e.uploads.Get(ctx, u.ID)
		return err == nil && got.State == upload.StateConsumed
	})
	e.sweepUploads(ctx)

	got, err := e.uploads.Get(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != upload.StateConsumed {
		t.Errorf("upload state = %q, want consumed", got.State)
	}
	if _, err := os.Stat(e.uploads.Dir(u.ID)); !os.IsNotExist(err) {
		t.Error("consumed upload directory must be removed")
	}
}
