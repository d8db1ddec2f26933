package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"ofcore/internal/adaptive"
	"ofcore/internal/admission"
	"ofcore/internal/domain"
	"ofcore/internal/executor"
	"ofcore/internal/logger"
	"ofcore/internal/repository"
)

const (
	drainTimeout = 30 * time.Second
	crashBackoff = 5 * time.Second
)

// Worker drains the job queue in adaptive batches. One batch is in flight at
// a time; the batchProcessing permit and the inFlight flag both gate the
// drain so the backup trigger can never double-run a cycle.
type Worker struct {
	jobs       repository.JobRepository
	operations map[domain.JobType]Operation
	executor   *executor.Executor
	admission  *admission.Controller
	adaptive   *adaptive.Controller
	logger     logger.Logger

	backupInterval time.Duration
	startupDelay   time.Duration

	inFlight atomic.Bool
	draining atomic.Bool

	onResult func(domain.ProcessingResult)
}

// OnResult registers a sink called with every settled per-item result.
// Must be set before Run.
func (w *Worker) OnResult(fn func(domain.ProcessingResult)) {
	w.onResult = fn
}

// NewWorker wires the worker. operations maps each job type it should
// handle; jobs of unmapped types are failed as internal errors.
func NewWorker(
	jobs repository.JobRepository,
	operations map[domain.JobType]Operation,
	exec *executor.Executor,
	adm *admission.Controller,
	adpt *adaptive.Controller,
	backupInterval, startupDelay time.Duration,
	log logger.Logger,
) *Worker {
	if backupInterval <= 0 {
		backupInterval = 60 * time.Second
	}
	return &Worker{
		jobs:           jobs,
		operations:     operations,
		executor:       exec,
		admission:      adm,
		adaptive:       adpt,
		logger:         log,
		backupInterval: backupInterval,
		startupDelay:   startupDelay,
	}
}

// Run drives the drain loop until ctx is cancelled, then drains the
// in-flight batch for up to 30s before returning. A panic inside the loop
// restarts it after a short pause instead of killing the process.
func (w *Worker) Run(ctx context.Context) {
	if w.startupDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.startupDelay):
		}
	}

	// Backup trigger: fires on a fixed schedule and is a no-op whenever the
	// main loop already has a batch in flight.
	scheduler := cron.New()
	spec := fmt.Sprintf("@every %s", w.backupInterval)
	if _, err := scheduler.AddFunc(spec, func() { w.DrainOnce(ctx) }); err != nil {
		w.logger.Error("backup trigger registration failed", logger.Field{Key: "error", Value: err})
	} else {
		scheduler.Start()
		defer scheduler.Stop()
	}

	for {
		err := w.runLoop(ctx)
		if ctx.Err() != nil {
			w.waitForDrain()
			return
		}
		w.logger.Error("worker loop crashed, restarting",
			logger.Field{Key: "error", Value: err},
			logger.Field{Key: "backoff", Value: crashBackoff})
		select {
		case <-ctx.Done():
			w.waitForDrain()
			return
		case <-time.After(crashBackoff):
		}
	}
}

// runLoop is one life of the drain loop. It only returns on cancellation or
// a recovered panic.
func (w *Worker) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.DrainOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.adaptive.ProcessingInterval()):
		}
	}
}

// DrainOnce claims and processes at most one batch. It is safe to call
// concurrently with the main loop; only one caller wins the in-flight flag.
func (w *Worker) DrainOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !w.shouldProcessNow() {
		return
	}
	if !w.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer w.inFlight.Store(false)

	if !w.admission.TryAcquire(domain.ClassBatch) {
		return
	}
	defer w.admission.Release(domain.ClassBatch)

	batch, err := w.jobs.FetchNextBatch(ctx, w.adaptive.BatchSize())
	if err != nil {
		w.logger.Error("batch fetch failed", logger.Field{Key: "error", Value: err})
		return
	}
	if len(batch) == 0 {
		return
	}

	// Claimed jobs run to completion even if the stop signal fires mid-batch:
	// stopping only stops fetching. Children stay bounded by their per-class
	// deadlines and waitForDrain caps how long shutdown waits for them.
	w.processBatch(context.WithoutCancel(ctx), batch)
}

// shouldProcessNow gates a drain cycle on host pressure and the in-flight
// batch. The batchProcessing permit is checked at claim time, not here, so
// the check stays race-free.
func (w *Worker) shouldProcessNow() bool {
	if w.draining.Load() {
		return false
	}
	if w.adaptive.UnderPressure() {
		return false
	}
	return !w.inFlight.Load()
}

func (w *Worker) processBatch(ctx context.Context, batch []domain.ProcessingJob) {
	byID := make(map[string]domain.ProcessingJob, len(batch))
	tasks := make([]executor.Task, 0, len(batch))

	for _, job := range batch {
		job := job
		op, ok := w.operations[job.Type]
		if !ok {
			w.logger.Error("no operation for job type",
				logger.Field{Key: "job", Value: job.ID},
				logger.Field{Key: "type", Value: string(job.Type)})
			if err := w.jobs.MarkJobFailed(ctx, job.ID, "unsupported job type "+string(job.Type)); err != nil {
				w.logger.Error("job finalize failed", logger.Field{Key: "job", Value: job.ID}, logger.Field{Key: "error", Value: err})
			}
			continue
		}

		// No permit means the job is skipped this cycle, untouched: back to
		// PENDING with no retry charge and no upstream call.
		class := op.Class()
		if !w.admission.TryAcquire(class) {
			if err := w.jobs.UpdateStatus(ctx, job.ID, domain.JobPending); err != nil {
				w.logger.Error("requeue after admission skip failed",
					logger.Field{Key: "job", Value: job.ID},
					logger.Field{Key: "error", Value: err})
			}
			continue
		}

		byID[job.ID] = job
		tasks = append(tasks, executor.Task{
			ID:    job.ID,
			Class: class,
			Run: func(taskCtx context.Context) error {
				return op.Process(taskCtx, job)
			},
			// The executor runs Cleanup on every exit path, so the permit
			// comes back even when a cancelled scope never invokes Run.
			Cleanup: func() { w.admission.Release(class) },
		})
	}

	if len(tasks) == 0 {
		return
	}

	results, err := w.executor.Execute(ctx, executor.CollectAll, tasks)
	if err != nil {
		w.logger.Error("batch execution failed", logger.Field{Key: "error", Value: err})
		return
	}
	for _, result := range results {
		w.settle(ctx, byID[result.ItemID], result)
		if w.onResult != nil {
			w.onResult(result)
		}
	}
}

// settle applies the retry semantics to one finished job.
func (w *Worker) settle(ctx context.Context, job domain.ProcessingJob, result domain.ProcessingResult) {
	var err error
	switch {
	case result.Success:
		err = w.jobs.MarkJobCompleted(ctx, job.ID, "")

	case result.Kind == domain.ErrAdmissionDenied:
		// Skipped, not failed. The retry budget is untouched.
		err = w.jobs.UpdateStatus(ctx, job.ID, domain.JobPending)

	case result.Kind == domain.ErrInvariant:
		// Internal inconsistency fails the job no matter the budget.
		err = w.jobs.MarkJobFailed(ctx, job.ID, result.Message)

	case domain.KindRetryable(result.Kind) && job.CanRetry():
		err = w.jobs.RequeueForRetry(ctx, job.ID, result.Message)

	default:
		err = w.jobs.MarkJobFailed(ctx, job.ID, result.Message)
	}
	if err != nil {
		w.logger.Error("job finalize failed",
			logger.Field{Key: "job", Value: job.ID},
			logger.Field{Key: "error", Value: err})
	}
}

// waitForDrain blocks until the in-flight batch finishes or the drain
// timeout elapses. New cycles are refused while draining.
func (w *Worker) waitForDrain() {
	w.draining.Store(true)
	deadline := time.Now().Add(drainTimeout)
	for w.inFlight.Load() {
		if time.Now().After(deadline) {
			w.logger.Warn("drain timeout elapsed with a batch still in flight")
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
