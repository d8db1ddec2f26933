package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ofcore/internal/domain"
)

const (
	jobKeyPrefix      = "ofcore:job:"
	jobPendingSet     = "ofcore:jobs:pending"
	resourceKeyPrefix = "ofcore:resource:"
	resourceStatusSet = "ofcore:resources:status:"
	resourceOrgSet    = "ofcore:resources:org:"
	healthKeyPrefix   = "ofcore:health:"
)

// claimScript atomically pops up to ARGV[1] job ids from the pending set.
// Running as one script means two core replicas sharing the store can never
// claim the same job, which is the cross-instance invariant the
// JobRepository port requires.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
if #ids > 0 then
  redis.call('ZREM', KEYS[1], unpack(ids))
end
return ids
`)

// RedisJobRepository is a Redis-backed JobRepository. Jobs are JSON rows
// keyed by id; the pending queue is a sorted set scored by scheduled time.
type RedisJobRepository struct {
	client *redis.Client
}

// NewRedisJobRepository wraps an existing client.
func NewRedisJobRepository(client *redis.Client) *RedisJobRepository {
	return &RedisJobRepository{client: client}
}

func jobKey(id string) string { return jobKeyPrefix + id }

func (r *RedisJobRepository) loadJob(ctx context.Context, id string) (domain.ProcessingJob, error) {
	data, err := r.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ProcessingJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.ProcessingJob{}, fmt.Errorf("load job %s: %w", id, err)
	}
	var job domain.ProcessingJob
	if err := json.Unmarshal(data, &job); err != nil {
		return domain.ProcessingJob{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func (r *RedisJobRepository) storeJob(ctx context.Context, job domain.ProcessingJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := r.client.Set(ctx, jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	return nil
}

func (r *RedisJobRepository) Enqueue(ctx context.Context, job domain.ProcessingJob) error {
	if job.Status == "" {
		job.Status = domain.JobPending
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = time.Now()
	}
	if err := r.storeJob(ctx, job); err != nil {
		return err
	}
	return r.client.ZAdd(ctx, jobPendingSet, redis.Z{
		Score:  float64(job.ScheduledAt.UnixNano()),
		Member: job.ID,
	}).Err()
}

func (r *RedisJobRepository) Get(ctx context.Context, id string) (domain.ProcessingJob, error) {
	return r.loadJob(ctx, id)
}

func (r *RedisJobRepository) FetchNextBatch(ctx context.Context, limit int) ([]domain.ProcessingJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := claimScript.Run(ctx, r.client, []string{jobPendingSet}, limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	now := time.Now()
	jobs := make([]domain.ProcessingJob, 0, len(raw))
	for _, id := range raw {
		job, err := r.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return jobs, err
		}
		job.Status = domain.JobRunning
		job.StartedAt = &now
		if err := r.storeJob(ctx, job); err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *RedisJobRepository) UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error {
	job, err := r.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == status || job.Status.IsTerminal() {
		return nil
	}
	job.Status = status
	if status.IsTerminal() {
		now := time.Now()
		job.CompletedAt = &now
	}
	if status == domain.JobPending {
		if err := r.client.ZAdd(ctx, jobPendingSet, redis.Z{
			Score:  float64(job.ScheduledAt.UnixNano()),
			Member: job.ID,
		}).Err(); err != nil {
			return err
		}
	}
	return r.storeJob(ctx, job)
}

func (r *RedisJobRepository) IncrementRetryCount(ctx context.Context, id string) error {
	job, err := r.loadJob(ctx, id)
	if err != nil {
		return err
	}
	job.RetryCount++
	return r.storeJob(ctx, job)
}

func (r *RedisJobRepository) RequeueForRetry(ctx context.Context, id string, errMsg string) error {
	job, err := r.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.RetryCount++
	job.LastError = errMsg
	job.Status = domain.JobPending
	if err := r.storeJob(ctx, job); err != nil {
		return err
	}
	return r.client.ZAdd(ctx, jobPendingSet, redis.Z{
		Score:  float64(job.ScheduledAt.UnixNano()),
		Member: job.ID,
	}).Err()
}

func (r *RedisJobRepository) MarkJobCompleted(ctx context.Context, id string, result string) error {
	job, err := r.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = domain.JobCompleted
	job.Payload = result
	now := time.Now()
	job.CompletedAt = &now
	return r.storeJob(ctx, job)
}

func (r *RedisJobRepository) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	job, err := r.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = domain.JobFailed
	job.LastError = errMsg
	now := time.Now()
	job.CompletedAt = &now
	return r.storeJob(ctx, job)
}

func (r *RedisJobRepository) CountByStatus(ctx context.Context, status domain.JobStatus) (int64, error) {
	var count int64
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, jobKeyPrefix+"*", 200).Result()
		if err != nil {
			return count, fmt.Errorf("scan jobs: %w", err)
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return count, err
			}
			var job domain.ProcessingJob
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			if job.Status == status {
				count++
			}
		}
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// RedisResourceRepository is a Redis-backed ResourceRepository with status
// and organization index sets.
type RedisResourceRepository struct {
	client *redis.Client
}

// NewRedisResourceRepository wraps an existing client.
func NewRedisResourceRepository(client *redis.Client) *RedisResourceRepository {
	return &RedisResourceRepository{client: client}
}

func resourceKey(id string) string { return resourceKeyPrefix + id }

func (r *RedisResourceRepository) loadResource(ctx context.Context, id string) (domain.Resource, error) {
	data, err := r.client.Get(ctx, resourceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Resource{}, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Resource{}, fmt.Errorf("load resource %s: %w", id, err)
	}
	var resource domain.Resource
	if err := json.Unmarshal(data, &resource); err != nil {
		return domain.Resource{}, fmt.Errorf("decode resource %s: %w", id, err)
	}
	return resource, nil
}

func (r *RedisResourceRepository) storeResource(ctx context.Context, resource domain.Resource, prev *domain.Resource) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("encode resource %s: %w", resource.ResourceID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, resourceKey(resource.ResourceID), data, 0)
	if prev != nil && prev.Status != resource.Status {
		pipe.SRem(ctx, resourceStatusSet+string(prev.Status), resource.ResourceID)
	}
	pipe.SAdd(ctx, resourceStatusSet+string(resource.Status), resource.ResourceID)
	pipe.SAdd(ctx, resourceOrgSet+resource.OrganizationID, resource.ResourceID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisResourceRepository) Save(ctx context.Context, resource domain.Resource) error {
	prev, err := r.loadResource(ctx, resource.ResourceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	var prevPtr *domain.Resource
	if err == nil {
		prevPtr = &prev
	}
	return r.storeResource(ctx, resource, prevPtr)
}

func (r *RedisResourceRepository) SaveAll(ctx context.Context, resources []domain.Resource) error {
	for _, resource := range resources {
		if err := r.Save(ctx, resource); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisResourceRepository) FindByID(ctx context.Context, resourceID string) (domain.Resource, error) {
	return r.loadResource(ctx, resourceID)
}

func (r *RedisResourceRepository) findByIDs(ctx context.Context, ids []string) ([]domain.Resource, error) {
	out := make([]domain.Resource, 0, len(ids))
	for _, id := range ids {
		resource, err := r.loadResource(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, resource)
	}
	return out, nil
}

func (r *RedisResourceRepository) FindByStatus(ctx context.Context, status domain.ResourceStatus) ([]domain.Resource, error) {
	ids, err := r.client.SMembers(ctx, resourceStatusSet+string(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("status index read: %w", err)
	}
	return r.findByIDs(ctx, ids)
}

func (r *RedisResourceRepository) FindByOrganizationID(ctx context.Context, orgID string) ([]domain.Resource, error) {
	ids, err := r.client.SMembers(ctx, resourceOrgSet+orgID).Result()
	if err != nil {
		return nil, fmt.Errorf("org index read: %w", err)
	}
	return r.findByIDs(ctx, ids)
}

func (r *RedisResourceRepository) FindResourcesNeedingSync(ctx context.Context, threshold time.Time) ([]domain.Resource, error) {
	return r.findStale(ctx, threshold, func(res domain.Resource) *time.Time { return res.LastSyncedAt })
}

func (r *RedisResourceRepository) FindResourcesNeedingValidation(ctx context.Context, threshold time.Time) ([]domain.Resource, error) {
	return r.findStale(ctx, threshold, func(res domain.Resource) *time.Time { return res.LastValidatedAt })
}

func (r *RedisResourceRepository) FindResourcesNeedingMonitoring(ctx context.Context, threshold time.Time) ([]domain.Resource, error) {
	return r.findStale(ctx, threshold, func(res domain.Resource) *time.Time { return res.LastMonitoredAt })
}

func (r *RedisResourceRepository) findStale(ctx context.Context, threshold time.Time, stamp func(domain.Resource) *time.Time) ([]domain.Resource, error) {
	active, err := r.FindByStatus(ctx, domain.StatusActive)
	if err != nil {
		return nil, err
	}
	out := active[:0]
	for _, resource := range active {
		ts := stamp(resource)
		if ts == nil || ts.Before(threshold) {
			out = append(out, resource)
		}
	}
	return out, nil
}

func (r *RedisResourceRepository) UpdateStatus(ctx context.Context, resourceID string, status domain.ResourceStatus) error {
	resource, err := r.loadResource(ctx, resourceID)
	if err != nil {
		return err
	}
	if resource.Status == status {
		return nil
	}
	if !resource.Status.CanTransitionTo(status) {
		return fmt.Errorf("illegal transition %s -> %s for resource %s", resource.Status, status, resourceID)
	}
	prev := resource
	return r.storeResource(ctx, resource.WithStatus(status), &prev)
}

func (r *RedisResourceRepository) UpdateLastSyncAt(ctx context.Context, resourceID string, ts time.Time) error {
	resource, err := r.loadResource(ctx, resourceID)
	if err != nil {
		return err
	}
	prev := resource
	return r.storeResource(ctx, resource.WithSyncedAt(ts), &prev)
}

func (r *RedisResourceRepository) SaveHealth(ctx context.Context, health domain.ResourceHealth) error {
	data, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("encode health %s: %w", health.ResourceID, err)
	}
	return r.client.Set(ctx, healthKeyPrefix+health.ResourceID, data, 0).Err()
}

func (r *RedisResourceRepository) GetHealth(ctx context.Context, resourceID string) (domain.ResourceHealth, error) {
	data, err := r.client.Get(ctx, healthKeyPrefix+resourceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.NewResourceHealth(resourceID), nil
	}
	if err != nil {
		return domain.ResourceHealth{}, fmt.Errorf("load health %s: %w", resourceID, err)
	}
	var health domain.ResourceHealth
	if err := json.Unmarshal(data, &health); err != nil {
		return domain.ResourceHealth{}, fmt.Errorf("decode health %s: %w", resourceID, err)
	}
	return health, nil
}
