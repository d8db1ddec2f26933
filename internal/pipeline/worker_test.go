package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"ofcore/internal/adaptive"
	"ofcore/internal/admission"
	"ofcore/internal/config"
	"ofcore/internal/domain"
	"ofcore/internal/executor"
	"ofcore/internal/logger"
	"ofcore/internal/repository"
	"ofcore/internal/telemetry"
)

// scriptedOp fails with the scripted errors in call order, then succeeds.
type scriptedOp struct {
	class domain.OperationClass

	mu    sync.Mutex
	calls int
	errs  []error
}

func (o *scriptedOp) Class() domain.OperationClass { return o.class }

func (o *scriptedOp) Process(ctx context.Context, job domain.ProcessingJob) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.calls
	o.calls++
	if i < len(o.errs) {
		return o.errs[i]
	}
	return nil
}

func (o *scriptedOp) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

type panickingOp struct{ class domain.OperationClass }

func (o panickingOp) Class() domain.OperationClass { return o.class }
func (o panickingOp) Process(ctx context.Context, job domain.ProcessingJob) error {
	panic("corrupted job payload")
}

func newTestWorker(t *testing.T, jobs repository.JobRepository, ops map[domain.JobType]Operation, limits map[domain.OperationClass]admission.Limits) *Worker {
	t.Helper()
	cfg := config.Default().OpenFinance.Resources

	collector := telemetry.NewCollector(cfg.Adaptive.WindowWeightNew)
	adm := admission.New(limits, collector)

	sizes := make(map[domain.OperationClass]int)
	for _, class := range domain.OperationClasses {
		sizes[class] = 16
	}
	pools, err := executor.NewPools(sizes, logger.NewNop())
	if err != nil {
		t.Fatalf("pools: %v", err)
	}
	t.Cleanup(pools.Release)

	exec := executor.New(pools, collector, logger.NewNop(), nil)
	ctrl := adaptive.New(cfg.Adaptive, cfg.Batch, config.Default().OpenFinance.Scheduler.Batch, adm, collector, adaptive.FixedSampler{CPU: 0.2, Mem: 0.3}, logger.NewNop())

	return NewWorker(jobs, ops, exec, adm, ctrl, time.Minute, 0, logger.NewNop())
}

func enqueueJobs(t *testing.T, jobs repository.JobRepository, jobType domain.JobType, maxRetries, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("job-%d", i)
		err := jobs.Enqueue(context.Background(), domain.ProcessingJob{
			ID:          id,
			Type:        jobType,
			EntityID:    fmt.Sprintf("r-%d", i),
			MaxRetries:  maxRetries,
			ScheduledAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestBatchOfJobsCompletes(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	op := &scriptedOp{class: domain.ClassSync}
	w := newTestWorker(t, jobs, map[domain.JobType]Operation{domain.JobResourceSync: op}, nil)

	ids := enqueueJobs(t, jobs, domain.JobResourceSync, 3, 10)
	w.DrainOnce(context.Background())

	for _, id := range ids {
		job, err := jobs.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if job.Status != domain.JobCompleted {
			t.Fatalf("job %s: status %s, want COMPLETED", id, job.Status)
		}
	}
	if op.callCount() != 10 {
		t.Fatalf("operation calls: got %d, want 10", op.callCount())
	}
}

func TestRetryableFailureRetriesUntilSuccess(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	op := &scriptedOp{
		class: domain.ClassSync,
		errs: []error{
			domain.UpstreamStatusError(503, "overloaded"),
			domain.UpstreamStatusError(503, "overloaded"),
		},
	}
	w := newTestWorker(t, jobs, map[domain.JobType]Operation{domain.JobResourceSync: op}, nil)

	enqueueJobs(t, jobs, domain.JobResourceSync, 3, 1)
	for i := 0; i < 3; i++ {
		w.DrainOnce(context.Background())
	}

	job, err := jobs.Get(context.Background(), "job-0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("status: got %s, want COMPLETED", job.Status)
	}
	if job.RetryCount != 2 {
		t.Fatalf("retry count: got %d, want 2", job.RetryCount)
	}
}

func TestExhaustedRetriesFailJob(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	op := &scriptedOp{
		class: domain.ClassSync,
		errs: []error{
			domain.UpstreamStatusError(503, "down"),
			domain.UpstreamStatusError(503, "down"),
			domain.UpstreamStatusError(503, "down"),
		},
	}
	w := newTestWorker(t, jobs, map[domain.JobType]Operation{domain.JobResourceSync: op}, nil)

	enqueueJobs(t, jobs, domain.JobResourceSync, 2, 1)
	for i := 0; i < 5; i++ {
		w.DrainOnce(context.Background())
	}

	job, err := jobs.Get(context.Background(), "job-0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobFailed {
		t.Fatalf("status: got %s, want FAILED", job.Status)
	}
	if job.RetryCount != 2 {
		t.Fatalf("retry count: got %d, want 2", job.RetryCount)
	}
	if job.LastError == "" {
		t.Fatal("failed job must carry its last error")
	}
}

func TestNonRetryableFailureFailsImmediately(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	op := &scriptedOp{
		class: domain.ClassSync,
		errs:  []error{domain.UpstreamStatusError(403, "forbidden")},
	}
	w := newTestWorker(t, jobs, map[domain.JobType]Operation{domain.JobResourceSync: op}, nil)

	enqueueJobs(t, jobs, domain.JobResourceSync, 3, 1)
	w.DrainOnce(context.Background())

	job, _ := jobs.Get(context.Background(), "job-0")
	if job.Status != domain.JobFailed {
		t.Fatalf("status: got %s, want FAILED", job.Status)
	}
	if job.RetryCount != 0 {
		t.Fatalf("non-retryable failure must not consume retries, got %d", job.RetryCount)
	}
}

func TestAdmissionDenialLeavesJobPending(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	op := &scriptedOp{class: domain.ClassSync}
	limits := map[domain.OperationClass]admission.Limits{
		domain.ClassSync: {Min: 0, Max: 0, Initial: 0},
	}
	w := newTestWorker(t, jobs, map[domain.JobType]Operation{domain.JobResourceSync: op}, limits)

	enqueueJobs(t, jobs, domain.JobResourceSync, 3, 1)
	w.DrainOnce(context.Background())

	job, _ := jobs.Get(context.Background(), "job-0")
	if job.Status != domain.JobPending {
		t.Fatalf("status: got %s, want PENDING", job.Status)
	}
	if job.RetryCount != 0 {
		t.Fatalf("denied job must keep its retry budget, got %d", job.RetryCount)
	}
	if op.callCount() != 0 {
		t.Fatal("denied job must not reach the operation")
	}
}

func TestPanicFailsJobRegardlessOfBudget(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	w := newTestWorker(t, jobs, map[domain.JobType]Operation{
		domain.JobResourceSync: panickingOp{class: domain.ClassSync},
	}, nil)

	enqueueJobs(t, jobs, domain.JobResourceSync, 5, 1)
	w.DrainOnce(context.Background())

	job, _ := jobs.Get(context.Background(), "job-0")
	if job.Status != domain.JobFailed {
		t.Fatalf("status: got %s, want FAILED", job.Status)
	}
}

func TestUnsupportedJobTypeFails(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	w := newTestWorker(t, jobs, map[domain.JobType]Operation{}, nil)

	enqueueJobs(t, jobs, domain.JobCustom, 3, 1)
	w.DrainOnce(context.Background())

	job, _ := jobs.Get(context.Background(), "job-0")
	if job.Status != domain.JobFailed {
		t.Fatalf("status: got %s, want FAILED", job.Status)
	}
}

func TestClassPermitsReleasedAfterBatch(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	op := &scriptedOp{class: domain.ClassSync}
	cfg := config.Default().OpenFinance.Resources

	collector := telemetry.NewCollector(cfg.Adaptive.WindowWeightNew)
	adm := admission.New(nil, collector)
	sizes := make(map[domain.OperationClass]int)
	for _, class := range domain.OperationClasses {
		sizes[class] = 16
	}
	pools, err := executor.NewPools(sizes, logger.NewNop())
	if err != nil {
		t.Fatalf("pools: %v", err)
	}
	t.Cleanup(pools.Release)
	exec := executor.New(pools, collector, logger.NewNop(), nil)
	ctrl := adaptive.New(cfg.Adaptive, cfg.Batch, config.Default().OpenFinance.Scheduler.Batch, adm, collector, adaptive.FixedSampler{}, logger.NewNop())
	w := NewWorker(jobs, map[domain.JobType]Operation{domain.JobResourceSync: op}, exec, adm, ctrl, time.Minute, 0, logger.NewNop())

	enqueueJobs(t, jobs, domain.JobResourceSync, 3, 8)
	w.DrainOnce(context.Background())

	if active := adm.Active(domain.ClassSync); active != 0 {
		t.Fatalf("sync permits leaked: %d", active)
	}
	if active := adm.Active(domain.ClassBatch); active != 0 {
		t.Fatalf("batch permit leaked: %d", active)
	}
}

func TestResultSinkReceivesEveryOutcome(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	op := &scriptedOp{class: domain.ClassSync, errs: []error{domain.UpstreamStatusError(500, "x")}}
	w := newTestWorker(t, jobs, map[domain.JobType]Operation{domain.JobResourceSync: op}, nil)

	var mu sync.Mutex
	var seen []domain.ProcessingResult
	w.OnResult(func(r domain.ProcessingResult) {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	})

	enqueueJobs(t, jobs, domain.JobResourceSync, 3, 3)
	w.DrainOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("sink results: got %d, want 3", len(seen))
	}
}

// blockingOp parks inside Process until released, honoring its context the
// way a real upstream call would.
type blockingOp struct {
	class   domain.OperationClass
	started chan struct{}
	proceed chan struct{}
}

func (o *blockingOp) Class() domain.OperationClass { return o.class }

func (o *blockingOp) Process(ctx context.Context, job domain.ProcessingJob) error {
	close(o.started)
	select {
	case <-o.proceed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestStopSignalLetsInFlightBatchFinish(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	op := &blockingOp{
		class:   domain.ClassSync,
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	w := newTestWorker(t, jobs, map[domain.JobType]Operation{domain.JobResourceSync: op}, nil)

	enqueueJobs(t, jobs, domain.JobResourceSync, 3, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.DrainOnce(ctx)
	}()

	// Cancel the stop context while the job is mid-flight, then let the job
	// finish.
	<-op.started
	cancel()
	close(op.proceed)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not return")
	}

	job, err := jobs.Get(context.Background(), "job-0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("status: got %s, want COMPLETED", job.Status)
	}
	if job.RetryCount != 0 {
		t.Fatalf("stop must not charge retries, got %d", job.RetryCount)
	}
}

func TestDrainOnceRefusesAfterStop(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	op := &scriptedOp{class: domain.ClassSync}
	w := newTestWorker(t, jobs, map[domain.JobType]Operation{domain.JobResourceSync: op}, nil)

	enqueueJobs(t, jobs, domain.JobResourceSync, 3, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.DrainOnce(ctx)

	if op.callCount() != 0 {
		t.Fatal("stopped worker must not claim new batches")
	}
	pending, err := jobs.CountByStatus(context.Background(), domain.JobPending)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if pending != 2 {
		t.Fatalf("pending jobs: got %d, want 2", pending)
	}
}
