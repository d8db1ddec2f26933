package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ofcore/internal/domain"
)

func TestFetchNextBatchClaimsOldestFirst(t *testing.T) {
	repo := NewMemoryJobRepository()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		job := domain.ProcessingJob{
			ID:          fmt.Sprintf("job-%d", i),
			Type:        domain.JobResourceSync,
			Status:      domain.JobPending,
			ScheduledAt: base.Add(time.Duration(-i) * time.Minute),
		}
		if err := repo.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	batch, err := repo.FetchNextBatch(ctx, 3)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch size: got %d, want 3", len(batch))
	}
	// Oldest scheduled come first.
	if batch[0].ID != "job-4" || batch[1].ID != "job-3" || batch[2].ID != "job-2" {
		t.Fatalf("order: %s %s %s", batch[0].ID, batch[1].ID, batch[2].ID)
	}
	for _, job := range batch {
		if job.Status != domain.JobRunning {
			t.Fatalf("claimed job %s not RUNNING: %s", job.ID, job.Status)
		}
	}

	// A second fetch must not hand out the same jobs.
	second, err := repo.FetchNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("second batch: got %d, want 2", len(second))
	}
}

func TestJobTerminalStatesNeverRegress(t *testing.T) {
	repo := NewMemoryJobRepository()
	ctx := context.Background()

	if err := repo.Enqueue(ctx, domain.ProcessingJob{ID: "j1", Status: domain.JobPending}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := repo.MarkJobCompleted(ctx, "j1", "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A late failure report must not move a finished job.
	if err := repo.MarkJobFailed(ctx, "j1", "late error"); err != nil {
		t.Fatalf("late fail: %v", err)
	}
	if err := repo.UpdateStatus(ctx, "j1", domain.JobPending); err != nil {
		t.Fatalf("late requeue: %v", err)
	}

	job, err := repo.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("status regressed to %s", job.Status)
	}
	if job.CompletedAt == nil {
		t.Fatal("completed job missing completion time")
	}
}

func TestRequeueForRetry(t *testing.T) {
	repo := NewMemoryJobRepository()
	ctx := context.Background()

	if err := repo.Enqueue(ctx, domain.ProcessingJob{ID: "j1", Status: domain.JobPending, MaxRetries: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := repo.FetchNextBatch(ctx, 1); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := repo.RequeueForRetry(ctx, "j1", "upstream returned 503"); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	job, err := repo.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobPending || job.RetryCount != 1 {
		t.Fatalf("after requeue: status=%s retries=%d", job.Status, job.RetryCount)
	}
	if job.LastError != "upstream returned 503" {
		t.Fatalf("last error: %q", job.LastError)
	}
}

func TestUnknownJobReturnsNotFound(t *testing.T) {
	repo := NewMemoryJobRepository()
	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResourceStatusTransitionEnforced(t *testing.T) {
	repo := NewMemoryResourceRepository()
	ctx := context.Background()

	resource := domain.Resource{ResourceID: "r1", Status: domain.StatusDiscovered}
	if err := repo.Save(ctx, resource); err != nil {
		t.Fatalf("save: %v", err)
	}

	// DISCOVERED cannot jump straight to ACTIVE.
	if err := repo.UpdateStatus(ctx, "r1", domain.StatusActive); err == nil {
		t.Fatal("illegal transition accepted")
	}
	if err := repo.UpdateStatus(ctx, "r1", domain.StatusValidating); err != nil {
		t.Fatalf("legal transition rejected: %v", err)
	}
	if err := repo.UpdateStatus(ctx, "r1", domain.StatusActive); err != nil {
		t.Fatalf("VALIDATING -> ACTIVE rejected: %v", err)
	}
}

func TestFindResourcesNeedingSync(t *testing.T) {
	repo := NewMemoryResourceRepository()
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-time.Hour)

	never := domain.Resource{ResourceID: "never", Status: domain.StatusActive}
	stale := domain.Resource{ResourceID: "stale", Status: domain.StatusActive, LastSyncedAt: &old}
	fresh := domain.Resource{ResourceID: "fresh", Status: domain.StatusActive, LastSyncedAt: &now}
	inactive := domain.Resource{ResourceID: "off", Status: domain.StatusInactive, LastSyncedAt: &old}
	if err := repo.SaveAll(ctx, []domain.Resource{never, stale, fresh, inactive}); err != nil {
		t.Fatalf("save: %v", err)
	}

	due, err := repo.FindResourcesNeedingSync(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	ids := make(map[string]bool)
	for _, r := range due {
		ids[r.ResourceID] = true
	}
	if len(ids) != 2 || !ids["never"] || !ids["stale"] {
		t.Fatalf("due set: %v", ids)
	}
}

func TestGetHealthDefaultsToUnknown(t *testing.T) {
	repo := NewMemoryResourceRepository()
	health, err := repo.GetHealth(context.Background(), "r1")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	if health.Status != domain.HealthUnknown || health.ResourceID != "r1" {
		t.Fatalf("fresh health: %+v", health)
	}
}
