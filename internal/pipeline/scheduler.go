package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"ofcore/internal/domain"
	"ofcore/internal/logger"
	"ofcore/internal/repository"
)

// Staleness thresholds: how old a stamp may get before the scan enqueues a
// refresh job.
const (
	syncStaleAfter       = 15 * time.Minute
	validationStaleAfter = 6 * time.Hour
	monitoringStaleAfter = 1 * time.Minute
)

// Scheduler enqueues refresh jobs for stale resources and periodically
// re-runs directory discovery. It only writes PENDING jobs; the worker owns
// everything after that.
type Scheduler struct {
	jobs       repository.JobRepository
	resources  repository.ResourceRepository
	discovery  *DiscoveryOperation
	endpoints  []string
	maxRetries int
	logger     logger.Logger

	cron *cron.Cron
}

func NewScheduler(jobs repository.JobRepository, resources repository.ResourceRepository, discovery *DiscoveryOperation, directoryEndpoints []string, maxRetries int, log logger.Logger) *Scheduler {
	return &Scheduler{
		jobs:       jobs,
		resources:  resources,
		discovery:  discovery,
		endpoints:  directoryEndpoints,
		maxRetries: maxRetries,
		logger:     log,
	}
}

// Start registers the scan schedules and begins firing them. Stop must be
// called on shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	entries := []struct {
		spec string
		run  func()
	}{
		{"@every 5m", func() { s.RunDiscovery(ctx) }},
		{"@every 1m", func() { s.ScanForSync(ctx) }},
		{"@every 10m", func() { s.ScanForValidation(ctx) }},
		{"@every 30s", func() { s.ScanForMonitoring(ctx) }},
	}
	for _, entry := range entries {
		if _, err := s.cron.AddFunc(entry.spec, entry.run); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedules and waits for any running scan to return.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunDiscovery scans every configured directory endpoint.
func (s *Scheduler) RunDiscovery(ctx context.Context) {
	if len(s.endpoints) == 0 {
		return
	}
	if err := s.discovery.Discover(ctx, s.endpoints); err != nil {
		s.logger.Error("directory discovery failed", logger.Field{Key: "error", Value: err})
	}
}

// ScanForSync enqueues sync jobs for resources whose last sync is stale.
func (s *Scheduler) ScanForSync(ctx context.Context) {
	threshold := time.Now().Add(-syncStaleAfter)
	stale, err := s.resources.FindResourcesNeedingSync(ctx, threshold)
	if err != nil {
		s.logger.Error("sync scan failed", logger.Field{Key: "error", Value: err})
		return
	}
	s.enqueueAll(ctx, domain.JobResourceSync, stale)
}

// ScanForValidation enqueues validation jobs for stale and newly discovered
// resources.
func (s *Scheduler) ScanForValidation(ctx context.Context) {
	threshold := time.Now().Add(-validationStaleAfter)
	stale, err := s.resources.FindResourcesNeedingValidation(ctx, threshold)
	if err != nil {
		s.logger.Error("validation scan failed", logger.Field{Key: "error", Value: err})
		return
	}
	discovered, err := s.resources.FindByStatus(ctx, domain.StatusDiscovered)
	if err != nil {
		s.logger.Error("validation scan failed", logger.Field{Key: "error", Value: err})
		return
	}
	s.enqueueAll(ctx, domain.JobResourceValidation, append(stale, discovered...))
}

// ScanForMonitoring enqueues probe jobs for resources due a health check.
func (s *Scheduler) ScanForMonitoring(ctx context.Context) {
	threshold := time.Now().Add(-monitoringStaleAfter)
	stale, err := s.resources.FindResourcesNeedingMonitoring(ctx, threshold)
	if err != nil {
		s.logger.Error("monitoring scan failed", logger.Field{Key: "error", Value: err})
		return
	}
	s.enqueueAll(ctx, domain.JobResourceMonitoring, stale)
}

func (s *Scheduler) enqueueAll(ctx context.Context, jobType domain.JobType, resources []domain.Resource) {
	for _, resource := range resources {
		job := domain.ProcessingJob{
			ID:          uuid.NewString(),
			Type:        jobType,
			EntityID:    resource.ResourceID,
			Status:      domain.JobPending,
			MaxRetries:  s.maxRetries,
			ScheduledAt: time.Now(),
		}
		if err := s.jobs.Enqueue(ctx, job); err != nil {
			s.logger.Error("enqueue failed",
				logger.Field{Key: "type", Value: string(jobType)},
				logger.Field{Key: "resource", Value: resource.ResourceID},
				logger.Field{Key: "error", Value: err})
		}
	}
	if len(resources) > 0 {
		s.logger.Debug("scan enqueued jobs",
			logger.Field{Key: "type", Value: string(jobType)},
			logger.Field{Key: "count", Value: len(resources)})
	}
}
