package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ofcore/internal/domain"
	"ofcore/internal/logger"
	"ofcore/internal/telemetry"
)

// Mode selects the batch failure policy.
type Mode int

const (
	// ShutdownOnFailure cancels all outstanding siblings as soon as any
	// child fails and surfaces the first error; partial results are
	// discarded.
	ShutdownOnFailure Mode = iota
	// CollectAll lets every child run to completion and returns per-item
	// results regardless of failures.
	CollectAll
)

// Task is one child of a batch scope.
type Task struct {
	ID    string
	Class domain.OperationClass
	Run   func(ctx context.Context) error
	// Cleanup, when set, runs exactly once per task on every exit path,
	// including when a cancelled scope skips Run and when Run panics.
	// Callers park resource releases here, never inside Run.
	Cleanup func()
}

// DefaultDeadlines returns the per-class item deadlines.
func DefaultDeadlines() map[domain.OperationClass]time.Duration {
	return map[domain.OperationClass]time.Duration{
		domain.ClassDiscovery:  60 * time.Second,
		domain.ClassSync:       120 * time.Second,
		domain.ClassValidation: 45 * time.Second,
		domain.ClassMonitoring: 30 * time.Second,
		domain.ClassAPICall:    30 * time.Second,
		domain.ClassBatch:      5 * time.Minute,
	}
}

// DeadlinesFromTimeouts builds the deadline table from the configured task
// and batch timeouts: every operation class gets the task deadline, the
// batch class gets the batch deadline. Non-positive values keep the
// per-class defaults.
func DeadlinesFromTimeouts(task, batch time.Duration) map[domain.OperationClass]time.Duration {
	deadlines := DefaultDeadlines()
	if task > 0 {
		for _, class := range domain.OperationClasses {
			if class != domain.ClassBatch {
				deadlines[class] = task
			}
		}
	}
	if batch > 0 {
		deadlines[domain.ClassBatch] = batch
	}
	return deadlines
}

// Executor runs batches of tasks as a single structured scope: fork one
// child per item, join all children, collect results. Children inherit the
// scope context, so cancelling the caller cancels every child.
type Executor struct {
	pools     *Pools
	collector *telemetry.Collector
	logger    logger.Logger
	deadlines map[domain.OperationClass]time.Duration
}

// New builds an executor. deadlines may be nil to use the defaults.
func New(pools *Pools, collector *telemetry.Collector, log logger.Logger, deadlines map[domain.OperationClass]time.Duration) *Executor {
	if deadlines == nil {
		deadlines = DefaultDeadlines()
	}
	return &Executor{
		pools:     pools,
		collector: collector,
		logger:    log,
		deadlines: deadlines,
	}
}

func (e *Executor) deadline(class domain.OperationClass) time.Duration {
	if d, ok := e.deadlines[class]; ok {
		return d
	}
	return 30 * time.Second
}

// Execute runs tasks as one scope and joins before returning. There is no
// ordering guarantee between children; callers must not assume input order
// in the result slice.
//
// In ShutdownOnFailure mode the first child failure cancels the siblings and
// is returned as the scope error with nil results. In CollectAll mode the
// error is always nil and every item has a result.
func (e *Executor) Execute(ctx context.Context, mode Mode, tasks []Task) ([]domain.ProcessingResult, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	scopeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		results   = make([]domain.ProcessingResult, 0, len(tasks))
		firstErr  error
		firstOnce sync.Once
	)

	batchStart := time.Now()

	for _, task := range tasks {
		task := task
		wg.Add(1)
		e.pools.submit(task.Class, func() {
			defer wg.Done()
			result := e.runChild(scopeCtx, task)

			mu.Lock()
			results = append(results, result)
			mu.Unlock()

			if !result.Success && mode == ShutdownOnFailure {
				firstOnce.Do(func() {
					firstErr = &domain.ProcessingError{
						Kind:      result.Kind,
						Message:   result.Message,
						Retryable: domain.KindRetryable(result.Kind),
					}
					cancel()
				})
			}
		})
	}

	wg.Wait()

	e.collector.RecordBatch(len(tasks), time.Since(batchStart))

	if mode == ShutdownOnFailure && firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// runChild executes one task under its per-class deadline. Every exit path
// produces exactly one result and one telemetry record; panics are turned
// into invariant violations rather than crashing the scope.
func (e *Executor) runChild(scopeCtx context.Context, task Task) (result domain.ProcessingResult) {
	start := time.Now()

	if task.Cleanup != nil {
		defer task.Cleanup()
	}

	defer func() {
		if r := recover(); r != nil {
			result = domain.ProcessingResult{
				ItemID:   task.ID,
				Kind:     domain.ErrInvariant,
				Message:  fmt.Sprintf("task panicked: %v", r),
				Duration: time.Since(start),
			}
			e.logger.Error("task panic",
				logger.Field{Key: "item", Value: task.ID},
				logger.Field{Key: "class", Value: string(task.Class)},
				logger.Field{Key: "panic", Value: r})
		}
		e.collector.RecordOperation(task.Class, result.Success, result.Duration)
		if !result.Success {
			e.collector.RecordError(result.Kind, task.Class, domain.KindRetryable(result.Kind))
		}
	}()

	// A batch cancelled before this child was scheduled must not run the
	// work at all.
	select {
	case <-scopeCtx.Done():
		pe := domain.Classify(scopeCtx.Err())
		return domain.ProcessingResult{
			ItemID:   task.ID,
			Kind:     pe.Kind,
			Message:  pe.Message,
			Duration: time.Since(start),
		}
	default:
	}

	itemCtx, cancel := context.WithTimeout(scopeCtx, e.deadline(task.Class))
	defer cancel()

	err := task.Run(itemCtx)
	duration := time.Since(start)

	if err != nil {
		pe := domain.Classify(err)
		return domain.ProcessingResult{
			ItemID:   task.ID,
			Kind:     pe.Kind,
			Message:  pe.Message,
			Duration: duration,
		}
	}
	return domain.ProcessingResult{
		ItemID:   task.ID,
		Success:  true,
		Duration: duration,
	}
}
