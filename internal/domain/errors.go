package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a processing failure for retry and telemetry
// decisions.
type ErrorKind string

const (
	// ErrAdmissionDenied means no permit was available. Not a failure from
	// the job's perspective; never counted as an error.
	ErrAdmissionDenied ErrorKind = "ADMISSION_DENIED"
	// ErrUpstreamTimeout means the per-item deadline was exceeded.
	ErrUpstreamTimeout ErrorKind = "UPSTREAM_TIMEOUT"
	// ErrUpstream5xx is an institution-side failure.
	ErrUpstream5xx ErrorKind = "UPSTREAM_5XX"
	// ErrUpstream4xx is a client error. Non-retryable except 429.
	ErrUpstream4xx ErrorKind = "UPSTREAM_4XX"
	// ErrValidation is a business-rule failure.
	ErrValidation ErrorKind = "VALIDATION_ERROR"
	// ErrPersistence means the repository port failed.
	ErrPersistence ErrorKind = "PERSISTENCE_ERROR"
	// ErrInvariant is an internal consistency error. The job is marked
	// FAILED regardless of its retry budget.
	ErrInvariant ErrorKind = "INVARIANT_VIOLATION"
	// ErrNone marks a successful result.
	ErrNone ErrorKind = ""
)

// ProcessingError carries the classified failure through the executor to the
// job worker.
type ProcessingError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewProcessingError builds a classified error with the kind's default
// retryability.
func NewProcessingError(kind ErrorKind, format string, args ...interface{}) *ProcessingError {
	return &ProcessingError{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kindRetryable(kind),
	}
}

// UpstreamStatusError maps an HTTP status code onto the error taxonomy.
// 429 stays retryable even though it is a 4xx.
func UpstreamStatusError(status int, detail string) *ProcessingError {
	switch {
	case status >= 500:
		return NewProcessingError(ErrUpstream5xx, "upstream returned %d: %s", status, detail)
	case status == 429:
		return &ProcessingError{
			Kind:      ErrUpstream4xx,
			Message:   fmt.Sprintf("upstream rate limited (429): %s", detail),
			Retryable: true,
		}
	default:
		return NewProcessingError(ErrUpstream4xx, "upstream returned %d: %s", status, detail)
	}
}

// KindRetryable reports the default retryability of an error kind.
func KindRetryable(kind ErrorKind) bool {
	return kindRetryable(kind)
}

func kindRetryable(kind ErrorKind) bool {
	switch kind {
	case ErrUpstreamTimeout, ErrUpstream5xx, ErrPersistence:
		return true
	}
	return false
}

// Classify maps an arbitrary error onto the taxonomy. Already-classified
// errors pass through unchanged.
func Classify(err error) *ProcessingError {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProcessingError(ErrUpstreamTimeout, "deadline exceeded: %v", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewProcessingError(ErrUpstreamTimeout, "cancelled before completion: %v", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewProcessingError(ErrUpstreamTimeout, "network timeout: %v", err)
	}
	// Unknown errors are treated as upstream failures so the retry budget
	// gets a chance before the job is written off.
	return NewProcessingError(ErrUpstream5xx, "%v", err)
}

// IsRetryable reports whether the error should send the job back to PENDING.
func IsRetryable(err error) bool {
	pe := Classify(err)
	return pe != nil && pe.Retryable
}
