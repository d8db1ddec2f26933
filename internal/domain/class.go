package domain

// OperationClass partitions work for admission control, telemetry, and the
// adaptive controller.
type OperationClass string

const (
	ClassDiscovery  OperationClass = "discovery"
	ClassSync       OperationClass = "sync"
	ClassValidation OperationClass = "validation"
	ClassMonitoring OperationClass = "monitoring"
	ClassAPICall    OperationClass = "apiCall"
	ClassBatch      OperationClass = "batchProcessing"
)

// OperationClasses lists every class in a stable order.
var OperationClasses = []OperationClass{
	ClassDiscovery,
	ClassSync,
	ClassValidation,
	ClassMonitoring,
	ClassAPICall,
	ClassBatch,
}

// ClassForJob maps a job type to the operation class that gates it.
func ClassForJob(t JobType) OperationClass {
	switch t {
	case JobResourceDiscovery:
		return ClassDiscovery
	case JobResourceSync, JobAccountSync, JobAccountBalanceUpdate:
		return ClassSync
	case JobResourceValidation, JobConsentProcessing:
		return ClassValidation
	case JobResourceMonitoring:
		return ClassMonitoring
	default:
		return ClassBatch
	}
}
