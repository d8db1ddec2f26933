package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ofcore/internal/admission"
	"ofcore/internal/client"
	"ofcore/internal/domain"
	"ofcore/internal/executor"
	"ofcore/internal/logger"
	"ofcore/internal/repository"
)

// Operation processes one job of its class. Implementations acquire the
// apiCall permit themselves around upstream calls; the worker holds the
// class permit for the duration of Process.
type Operation interface {
	Class() domain.OperationClass
	Process(ctx context.Context, job domain.ProcessingJob) error
}

// errAPIPermit is returned when the apiCall semaphore has no capacity. The
// worker treats it as a skip, not a failure.
func errAPIPermit() *domain.ProcessingError {
	return domain.NewProcessingError(domain.ErrAdmissionDenied, "no apiCall permit available")
}

// DiscoveryOperation pulls participant directories and persists what they
// publish as DISCOVERED resources.
type DiscoveryOperation struct {
	directory client.DirectoryClient
	resources repository.ResourceRepository
	admission *admission.Controller
	executor  *executor.Executor
	logger    logger.Logger
}

func NewDiscoveryOperation(directory client.DirectoryClient, resources repository.ResourceRepository, adm *admission.Controller, exec *executor.Executor, log logger.Logger) *DiscoveryOperation {
	return &DiscoveryOperation{
		directory: directory,
		resources: resources,
		admission: adm,
		executor:  exec,
		logger:    log,
	}
}

func (o *DiscoveryOperation) Class() domain.OperationClass { return domain.ClassDiscovery }

// Process discovers one directory endpoint carried in the job payload.
func (o *DiscoveryOperation) Process(ctx context.Context, job domain.ProcessingJob) error {
	endpoint := job.Payload
	if endpoint == "" {
		endpoint = job.EntityID
	}
	if endpoint == "" {
		return domain.NewProcessingError(domain.ErrValidation, "discovery job %s has no directory endpoint", job.ID)
	}
	return o.discoverEndpoint(ctx, endpoint)
}

// Discover scans every directory endpoint as one batch. Directory data is
// all-or-nothing: any endpoint failure cancels the remaining scans and the
// whole run reports that failure.
func (o *DiscoveryOperation) Discover(ctx context.Context, endpoints []string) error {
	if len(endpoints) == 0 {
		return nil
	}
	tasks := make([]executor.Task, 0, len(endpoints))
	for _, endpoint := range endpoints {
		endpoint := endpoint
		tasks = append(tasks, executor.Task{
			ID:    endpoint,
			Class: domain.ClassDiscovery,
			Run: func(ctx context.Context) error {
				return o.discoverEndpoint(ctx, endpoint)
			},
		})
	}
	_, err := o.executor.Execute(ctx, executor.ShutdownOnFailure, tasks)
	return err
}

func (o *DiscoveryOperation) discoverEndpoint(ctx context.Context, endpoint string) error {
	if !o.admission.TryAcquire(domain.ClassAPICall) {
		return errAPIPermit()
	}
	listed, err := o.directory.ListResources(ctx, endpoint)
	o.admission.Release(domain.ClassAPICall)
	if err != nil {
		return err
	}

	// Already-known resources keep their lifecycle state; only new ids land
	// as DISCOVERED.
	fresh := make([]domain.Resource, 0, len(listed))
	for _, resource := range listed {
		if _, err := o.resources.FindByID(ctx, resource.ResourceID); err == nil {
			continue
		}
		fresh = append(fresh, resource)
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := o.resources.SaveAll(ctx, fresh); err != nil {
		return domain.NewProcessingError(domain.ErrPersistence, "persist discovered resources: %v", err)
	}
	o.logger.Info("discovered resources",
		logger.Field{Key: "endpoint", Value: endpoint},
		logger.Field{Key: "count", Value: len(fresh)})
	return nil
}

// SyncOperation refreshes the upstream representation of one resource and
// stamps its sync time.
type SyncOperation struct {
	institutions client.InstitutionClient
	resources    repository.ResourceRepository
	admission    *admission.Controller
	logger       logger.Logger
}

func NewSyncOperation(institutions client.InstitutionClient, resources repository.ResourceRepository, adm *admission.Controller, log logger.Logger) *SyncOperation {
	return &SyncOperation{
		institutions: institutions,
		resources:    resources,
		admission:    adm,
		logger:       log,
	}
}

func (o *SyncOperation) Class() domain.OperationClass { return domain.ClassSync }

func (o *SyncOperation) Process(ctx context.Context, job domain.ProcessingJob) error {
	resource, err := o.resources.FindByID(ctx, job.EntityID)
	if err != nil {
		return domain.NewProcessingError(domain.ErrPersistence, "load resource %s: %v", job.EntityID, err)
	}

	if !o.admission.TryAcquire(domain.ClassAPICall) {
		return errAPIPermit()
	}
	result, callErr := o.institutions.FetchResourceData(ctx, resource, client.FAPIHeaders{})
	o.admission.Release(domain.ClassAPICall)
	if callErr != nil {
		return callErr
	}

	if err := o.resources.UpdateLastSyncAt(ctx, resource.ResourceID, time.Now()); err != nil {
		return domain.NewProcessingError(domain.ErrPersistence, "stamp sync time for %s: %v", resource.ResourceID, err)
	}
	o.logger.Debug("resource synced",
		logger.Field{Key: "resource", Value: resource.ResourceID},
		logger.Field{Key: "interactionId", Value: result.InteractionID},
		logger.Field{Key: "latencyMs", Value: result.Latency.Milliseconds()})
	return nil
}

// ValidationOperation runs the admission checks that move a resource from
// DISCOVERED to ACTIVE or VALIDATION_FAILED.
type ValidationOperation struct {
	resources repository.ResourceRepository
	logger    logger.Logger
}

func NewValidationOperation(resources repository.ResourceRepository, log logger.Logger) *ValidationOperation {
	return &ValidationOperation{resources: resources, logger: log}
}

func (o *ValidationOperation) Class() domain.OperationClass { return domain.ClassValidation }

func (o *ValidationOperation) Process(ctx context.Context, job domain.ProcessingJob) error {
	resource, err := o.resources.FindByID(ctx, job.EntityID)
	if err != nil {
		return domain.NewProcessingError(domain.ErrPersistence, "load resource %s: %v", job.EntityID, err)
	}

	if resource.Status != domain.StatusValidating {
		if err := o.resources.UpdateStatus(ctx, resource.ResourceID, domain.StatusValidating); err != nil {
			return domain.NewProcessingError(domain.ErrPersistence, "move %s to VALIDATING: %v", resource.ResourceID, err)
		}
	}

	warnings, validationErr := o.runChecks(ctx, resource)
	if len(warnings) > 0 {
		o.logger.Warn("validation warnings",
			logger.Field{Key: "resource", Value: resource.ResourceID},
			logger.Field{Key: "warnings", Value: strings.Join(warnings, "; ")})
	}

	next := domain.StatusActive
	if validationErr != nil {
		next = domain.StatusValidationFailed
	}
	if err := o.resources.UpdateStatus(ctx, resource.ResourceID, next); err != nil {
		return domain.NewProcessingError(domain.ErrPersistence, "move %s to %s: %v", resource.ResourceID, next, err)
	}
	stamped, err := o.resources.FindByID(ctx, resource.ResourceID)
	if err == nil {
		_ = o.resources.Save(ctx, stamped.WithValidatedAt(time.Now()))
	}

	if validationErr != nil {
		o.logger.Warn("resource failed validation",
			logger.Field{Key: "resource", Value: resource.ResourceID},
			logger.Field{Key: "reason", Value: validationErr.Error()})
		return domain.NewProcessingError(domain.ErrValidation, "resource %s: %v", resource.ResourceID, validationErr)
	}
	return nil
}

// expiryWarningWindow is how close to expiration a resource may get before
// validation flags it without failing it.
const expiryWarningWindow = 7 * 24 * time.Hour

// runChecks runs the five field checks concurrently in a
// shutdown-on-failure subscope: the first failing check cancels the rest
// and decides the outcome. Warnings never fail the resource; they are
// collected alongside the verdict.
func (o *ValidationOperation) runChecks(ctx context.Context, resource domain.Resource) ([]string, error) {
	g, ctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var warnings []string
	warn := func(format string, args ...interface{}) {
		mu.Lock()
		warnings = append(warnings, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	checks := []func() error{
		func() error {
			if resource.Status == "" {
				return fmt.Errorf("status is empty")
			}
			return nil
		},
		func() error {
			if resource.ExpiresAt == nil {
				return nil
			}
			now := time.Now()
			if resource.ExpiresAt.Before(now) {
				return fmt.Errorf("expired at %s", resource.ExpiresAt.Format(time.RFC3339))
			}
			if resource.ExpiresAt.Before(now.Add(expiryWarningWindow)) {
				warn("expires soon at %s", resource.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
		func() error {
			if len(resource.Permissions) == 0 {
				return fmt.Errorf("permissions are empty")
			}
			for _, p := range resource.Permissions {
				if p == "" {
					return fmt.Errorf("permissions contain an empty entry")
				}
			}
			return nil
		},
		func() error {
			if resource.OrganizationID == "" {
				return fmt.Errorf("organization id is empty")
			}
			return nil
		},
		func() error {
			if resource.CustomerID == "" {
				return fmt.Errorf("customer id is empty")
			}
			return nil
		},
	}
	for _, check := range checks {
		check := check
		g.Go(func() error {
			// A sibling failure cancels the subscope before this check runs.
			if err := ctx.Err(); err != nil {
				return err
			}
			return check()
		})
	}

	err := g.Wait()
	return warnings, err
}

// MonitoringOperation probes a resource endpoint and folds the outcome into
// its rolling health record. A failed probe is a recorded observation, not a
// job failure.
type MonitoringOperation struct {
	institutions client.InstitutionClient
	resources    repository.ResourceRepository
	admission    *admission.Controller
	logger       logger.Logger
}

func NewMonitoringOperation(institutions client.InstitutionClient, resources repository.ResourceRepository, adm *admission.Controller, log logger.Logger) *MonitoringOperation {
	return &MonitoringOperation{
		institutions: institutions,
		resources:    resources,
		admission:    adm,
		logger:       log,
	}
}

func (o *MonitoringOperation) Class() domain.OperationClass { return domain.ClassMonitoring }

func (o *MonitoringOperation) Process(ctx context.Context, job domain.ProcessingJob) error {
	resource, err := o.resources.FindByID(ctx, job.EntityID)
	if err != nil {
		return domain.NewProcessingError(domain.ErrPersistence, "load resource %s: %v", job.EntityID, err)
	}

	if !o.admission.TryAcquire(domain.ClassAPICall) {
		return errAPIPermit()
	}
	result, probeErr := o.institutions.Probe(ctx, resource.Endpoint)
	o.admission.Release(domain.ClassAPICall)

	now := time.Now()
	health, err := o.resources.GetHealth(ctx, resource.ResourceID)
	if err != nil {
		return domain.NewProcessingError(domain.ErrPersistence, "load health for %s: %v", resource.ResourceID, err)
	}
	health = health.RecordSample(probeErr == nil, result.Latency, now)
	if err := o.resources.SaveHealth(ctx, health); err != nil {
		return domain.NewProcessingError(domain.ErrPersistence, "save health for %s: %v", resource.ResourceID, err)
	}

	if next, ok := nextStatusForHealth(resource.Status, health.Status); ok {
		if err := o.resources.UpdateStatus(ctx, resource.ResourceID, next); err != nil {
			return domain.NewProcessingError(domain.ErrPersistence, "move %s to %s: %v", resource.ResourceID, next, err)
		}
	}
	if stamped, err := o.resources.FindByID(ctx, resource.ResourceID); err == nil {
		_ = o.resources.Save(ctx, stamped.WithMonitoredAt(now))
	}

	if probeErr != nil {
		o.logger.Warn("probe failed",
			logger.Field{Key: "resource", Value: resource.ResourceID},
			logger.Field{Key: "error", Value: probeErr.Error()},
			logger.Field{Key: "healthScore", Value: health.HealthScore})
	}
	return nil
}

// nextStatusForHealth maps an observed health status onto a lifecycle move,
// honoring the transition graph.
func nextStatusForHealth(current domain.ResourceStatus, health domain.HealthStatus) (domain.ResourceStatus, bool) {
	var next domain.ResourceStatus
	switch health {
	case domain.HealthUp:
		next = domain.StatusActive
	case domain.HealthDegraded:
		next = domain.StatusDegraded
	case domain.HealthDown:
		next = domain.StatusTemporarilyUnavailable
	default:
		return "", false
	}
	if next == current || !current.CanTransitionTo(next) {
		return "", false
	}
	return next, true
}
