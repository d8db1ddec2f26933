package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ofcore/internal/domain"
)

// MemoryJobRepository is an in-process JobRepository. FetchNextBatch is
// atomic under a single mutex, so callers within one process never overlap;
// it cannot coordinate across processes.
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[string]domain.ProcessingJob
}

// NewMemoryJobRepository returns an empty in-memory job store.
func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[string]domain.ProcessingJob)}
}

func (r *MemoryJobRepository) Enqueue(ctx context.Context, job domain.ProcessingJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.Status == "" {
		job.Status = domain.JobPending
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = time.Now()
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *MemoryJobRepository) Get(ctx context.Context, id string) (domain.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.ProcessingJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (r *MemoryJobRepository) FetchNextBatch(ctx context.Context, limit int) ([]domain.ProcessingJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]domain.ProcessingJob, 0, limit)
	for _, job := range r.jobs {
		if job.Status == domain.JobPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ScheduledAt.Before(pending[j].ScheduledAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	now := time.Now()
	for i := range pending {
		job := pending[i]
		job.Status = domain.JobRunning
		job.StartedAt = &now
		r.jobs[job.ID] = job
		pending[i] = job
	}
	return pending, nil
}

func (r *MemoryJobRepository) UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status == status {
		return nil
	}
	// Terminal states are final; the state machine never regresses.
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = status
	if status.IsTerminal() {
		now := time.Now()
		job.CompletedAt = &now
	}
	r.jobs[id] = job
	return nil
}

func (r *MemoryJobRepository) IncrementRetryCount(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	job.RetryCount++
	r.jobs[id] = job
	return nil
}

func (r *MemoryJobRepository) RequeueForRetry(ctx context.Context, id string, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.RetryCount++
	job.LastError = errMsg
	job.Status = domain.JobPending
	r.jobs[id] = job
	return nil
}

func (r *MemoryJobRepository) MarkJobCompleted(ctx context.Context, id string, result string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = domain.JobCompleted
	job.Payload = result
	now := time.Now()
	job.CompletedAt = &now
	r.jobs[id] = job
	return nil
}

func (r *MemoryJobRepository) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = domain.JobFailed
	job.LastError = errMsg
	now := time.Now()
	job.CompletedAt = &now
	r.jobs[id] = job
	return nil
}

func (r *MemoryJobRepository) CountByStatus(ctx context.Context, status domain.JobStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, job := range r.jobs {
		if job.Status == status {
			n++
		}
	}
	return n, nil
}

// MemoryResourceRepository is an in-process ResourceRepository.
type MemoryResourceRepository struct {
	mu        sync.Mutex
	resources map[string]domain.Resource
	health    map[string]domain.ResourceHealth
}

// NewMemoryResourceRepository returns an empty in-memory resource store.
func NewMemoryResourceRepository() *MemoryResourceRepository {
	return &MemoryResourceRepository{
		resources: make(map[string]domain.Resource),
		health:    make(map[string]domain.ResourceHealth),
	}
}

func (r *MemoryResourceRepository) Save(ctx context.Context, resource domain.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[resource.ResourceID] = resource
	return nil
}

func (r *MemoryResourceRepository) SaveAll(ctx context.Context, resources []domain.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, resource := range resources {
		r.resources[resource.ResourceID] = resource
	}
	return nil
}

func (r *MemoryResourceRepository) FindByID(ctx context.Context, resourceID string) (domain.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resource, ok := r.resources[resourceID]
	if !ok {
		return domain.Resource{}, fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
	}
	return resource, nil
}

func (r *MemoryResourceRepository) FindByStatus(ctx context.Context, status domain.ResourceStatus) ([]domain.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Resource
	for _, resource := range r.resources {
		if resource.Status == status {
			out = append(out, resource)
		}
	}
	return out, nil
}

func (r *MemoryResourceRepository) FindByOrganizationID(ctx context.Context, orgID string) ([]domain.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Resource
	for _, resource := range r.resources {
		if resource.OrganizationID == orgID {
			out = append(out, resource)
		}
	}
	return out, nil
}

func (r *MemoryResourceRepository) FindResourcesNeedingSync(ctx context.Context, threshold time.Time) ([]domain.Resource, error) {
	return r.findStale(threshold, func(res domain.Resource) *time.Time { return res.LastSyncedAt })
}

func (r *MemoryResourceRepository) FindResourcesNeedingValidation(ctx context.Context, threshold time.Time) ([]domain.Resource, error) {
	return r.findStale(threshold, func(res domain.Resource) *time.Time { return res.LastValidatedAt })
}

func (r *MemoryResourceRepository) FindResourcesNeedingMonitoring(ctx context.Context, threshold time.Time) ([]domain.Resource, error) {
	return r.findStale(threshold, func(res domain.Resource) *time.Time { return res.LastMonitoredAt })
}

func (r *MemoryResourceRepository) findStale(threshold time.Time, stamp func(domain.Resource) *time.Time) ([]domain.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Resource
	for _, resource := range r.resources {
		if resource.Status != domain.StatusActive {
			continue
		}
		ts := stamp(resource)
		if ts == nil || ts.Before(threshold) {
			out = append(out, resource)
		}
	}
	return out, nil
}

func (r *MemoryResourceRepository) UpdateStatus(ctx context.Context, resourceID string, status domain.ResourceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	resource, ok := r.resources[resourceID]
	if !ok {
		return fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
	}
	if resource.Status == status {
		return nil
	}
	if !resource.Status.CanTransitionTo(status) {
		return fmt.Errorf("illegal transition %s -> %s for resource %s", resource.Status, status, resourceID)
	}
	r.resources[resourceID] = resource.WithStatus(status)
	return nil
}

func (r *MemoryResourceRepository) UpdateLastSyncAt(ctx context.Context, resourceID string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	resource, ok := r.resources[resourceID]
	if !ok {
		return fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
	}
	r.resources[resourceID] = resource.WithSyncedAt(ts)
	return nil
}

func (r *MemoryResourceRepository) SaveHealth(ctx context.Context, health domain.ResourceHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[health.ResourceID] = health
	return nil
}

func (r *MemoryResourceRepository) GetHealth(ctx context.Context, resourceID string) (domain.ResourceHealth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	health, ok := r.health[resourceID]
	if !ok {
		return domain.NewResourceHealth(resourceID), nil
	}
	return health, nil
}
