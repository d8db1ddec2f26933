package domain

import "time"

// JobType selects which operation class a job is dispatched to.
type JobType string

const (
	JobConsentProcessing    JobType = "CONSENT_PROCESSING"
	JobAccountSync          JobType = "ACCOUNT_SYNC"
	JobAccountBalanceUpdate JobType = "ACCOUNT_BALANCE_UPDATE"
	JobResourceDiscovery    JobType = "RESOURCE_DISCOVERY"
	JobResourceSync         JobType = "RESOURCE_SYNC"
	JobResourceValidation   JobType = "RESOURCE_VALIDATION"
	JobResourceMonitoring   JobType = "RESOURCE_MONITORING"
	JobCustom               JobType = "CUSTOM"
)

// JobStatus is the processing state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether the job state machine has finished. A job
// reaches COMPLETED or FAILED at most once and never regresses.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ProcessingJob is one unit of pending work fetched from the repository port.
type ProcessingJob struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"jobType"`
	EntityID    string     `json:"entityId"`
	Status      JobStatus  `json:"status"`
	RetryCount  int        `json:"retryCount"`
	MaxRetries  int        `json:"maxRetries"`
	Payload     string     `json:"payload,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// CanRetry reports whether a failed execution should return the job to
// PENDING rather than FAILED.
func (j ProcessingJob) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// ProcessingResult is the per-item outcome the batch executor hands back to
// the job worker.
type ProcessingResult struct {
	ItemID   string
	Success  bool
	Kind     ErrorKind
	Message  string
	Duration time.Duration
}
