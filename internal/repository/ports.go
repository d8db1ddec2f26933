package repository

import (
	"context"
	"errors"
	"time"

	"ofcore/internal/domain"
)

// ErrNotFound is returned when a job or resource id is unknown.
var ErrNotFound = errors.New("not found")

// JobRepository is the persistence port for the job queue.
//
// FetchNextBatch must be atomic and non-overlapping across callers,
// including callers in separate processes sharing the same store: two
// replicas must never claim the same job. Implementations that cannot
// guarantee this must not be used with more than one core instance.
type JobRepository interface {
	// FetchNextBatch atomically claims up to limit PENDING jobs, marks them
	// RUNNING, and returns them ordered by scheduled time.
	FetchNextBatch(ctx context.Context, limit int) ([]domain.ProcessingJob, error)

	// UpdateStatus sets a job's status. Idempotent: applying the same
	// status twice is a no-op. Transitions out of a terminal status are
	// ignored.
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error

	// IncrementRetryCount bumps the retry counter.
	IncrementRetryCount(ctx context.Context, id string) error

	// RequeueForRetry atomically increments the retry counter, stores the
	// last error, and returns the job to PENDING.
	RequeueForRetry(ctx context.Context, id string, errMsg string) error

	// MarkJobCompleted finalizes a job as COMPLETED with its result.
	MarkJobCompleted(ctx context.Context, id string, result string) error

	// MarkJobFailed finalizes a job as FAILED with the error message.
	MarkJobFailed(ctx context.Context, id string, errMsg string) error

	CountByStatus(ctx context.Context, status domain.JobStatus) (int64, error)

	// Enqueue persists a new PENDING job.
	Enqueue(ctx context.Context, job domain.ProcessingJob) error

	// Get returns a job by id.
	Get(ctx context.Context, id string) (domain.ProcessingJob, error)
}

// ResourceRepository is the persistence port for resource snapshots and
// their rolling health records.
type ResourceRepository interface {
	Save(ctx context.Context, resource domain.Resource) error
	SaveAll(ctx context.Context, resources []domain.Resource) error
	FindByID(ctx context.Context, resourceID string) (domain.Resource, error)
	FindByStatus(ctx context.Context, status domain.ResourceStatus) ([]domain.Resource, error)
	FindByOrganizationID(ctx context.Context, orgID string) ([]domain.Resource, error)

	// FindResourcesNeeding* return ACTIVE resources whose last
	// synced/validated/monitored stamp is older than threshold (or unset).
	FindResourcesNeedingSync(ctx context.Context, threshold time.Time) ([]domain.Resource, error)
	FindResourcesNeedingValidation(ctx context.Context, threshold time.Time) ([]domain.Resource, error)
	FindResourcesNeedingMonitoring(ctx context.Context, threshold time.Time) ([]domain.Resource, error)

	// UpdateStatus moves a resource along its lifecycle graph. Illegal
	// transitions (including any move out of a terminal state) are
	// rejected.
	UpdateStatus(ctx context.Context, resourceID string, status domain.ResourceStatus) error
	UpdateLastSyncAt(ctx context.Context, resourceID string, ts time.Time) error

	SaveHealth(ctx context.Context, health domain.ResourceHealth) error
	GetHealth(ctx context.Context, resourceID string) (domain.ResourceHealth, error)
}
