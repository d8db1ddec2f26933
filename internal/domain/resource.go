package domain

import "time"

// ResourceType identifies the kind of Open Finance participant that
// publishes a resource.
type ResourceType string

const (
	ResourceTypeBank               ResourceType = "BANK"
	ResourceTypeCreditUnion        ResourceType = "CREDIT_UNION"
	ResourceTypeFintech            ResourceType = "FINTECH"
	ResourceTypePaymentInstitution ResourceType = "PAYMENT_INSTITUTION"
	ResourceTypeCreditProvider     ResourceType = "CREDIT_PROVIDER"
	ResourceTypeInvestmentFirm     ResourceType = "INVESTMENT_FIRM"
	ResourceTypeInsuranceCompany   ResourceType = "INSURANCE_COMPANY"
	ResourceTypeBroker             ResourceType = "BROKER"
	ResourceTypePensionFund        ResourceType = "PENSION_FUND"
	ResourceTypeOther              ResourceType = "OTHER"
)

// ResourceStatus is the lifecycle state of a resource.
type ResourceStatus string

const (
	StatusDiscovered             ResourceStatus = "DISCOVERED"
	StatusValidating             ResourceStatus = "VALIDATING"
	StatusActive                 ResourceStatus = "ACTIVE"
	StatusTemporarilyUnavailable ResourceStatus = "TEMPORARILY_UNAVAILABLE"
	StatusMaintenance            ResourceStatus = "MAINTENANCE"
	StatusDegraded               ResourceStatus = "DEGRADED"
	StatusValidationFailed       ResourceStatus = "VALIDATION_FAILED"
	StatusInactive               ResourceStatus = "INACTIVE"
	StatusDeprecated             ResourceStatus = "DEPRECATED"
	StatusRemoved                ResourceStatus = "REMOVED"
)

// IsTerminal reports whether the core must never move the resource again.
func (s ResourceStatus) IsTerminal() bool {
	switch s {
	case StatusDeprecated, StatusRemoved, StatusInactive:
		return true
	}
	return false
}

// transitions encodes the allowed lifecycle graph. Any state may move to a
// terminal state; terminal states never move. ACTIVE may re-enter
// VALIDATING so periodic re-validation can run the same path as first
// admission.
var transitions = map[ResourceStatus][]ResourceStatus{
	StatusDiscovered:             {StatusValidating},
	StatusValidating:             {StatusActive, StatusValidationFailed},
	StatusActive:                 {StatusValidating, StatusDegraded, StatusTemporarilyUnavailable, StatusMaintenance},
	StatusDegraded:               {StatusActive},
	StatusTemporarilyUnavailable: {StatusActive},
	StatusMaintenance:            {StatusActive},
	StatusValidationFailed:       {StatusValidating},
}

// CanTransitionTo reports whether moving from s to next respects the
// lifecycle graph.
func (s ResourceStatus) CanTransitionTo(next ResourceStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Resource is an immutable snapshot of a participant's API endpoint set.
// Mutation produces a new snapshot persisted through the repository port.
type Resource struct {
	ResourceID      string         `json:"resourceId" yaml:"resource_id"`
	OrganizationID  string         `json:"organizationId" yaml:"organization_id"`
	CustomerID      string         `json:"customerId" yaml:"customer_id"`
	Type            ResourceType   `json:"type" yaml:"type"`
	Status          ResourceStatus `json:"status" yaml:"status"`
	Endpoint        string         `json:"endpoint" yaml:"endpoint"`
	Permissions     []string       `json:"permissions" yaml:"permissions"`
	ExpiresAt       *time.Time     `json:"expirationDateTime,omitempty"`
	DiscoveredAt    time.Time      `json:"discoveredAt"`
	LastSyncedAt    *time.Time     `json:"lastSyncedAt,omitempty"`
	LastValidatedAt *time.Time     `json:"lastValidatedAt,omitempty"`
	LastMonitoredAt *time.Time     `json:"lastMonitoredAt,omitempty"`
}

// WithStatus returns a copy of the resource in the given state. It does not
// check the transition graph; callers gate on CanTransitionTo first.
func (r Resource) WithStatus(s ResourceStatus) Resource {
	r.Status = s
	return r
}

// WithSyncedAt returns a copy stamped with a sync time.
func (r Resource) WithSyncedAt(t time.Time) Resource {
	r.LastSyncedAt = &t
	return r
}

// WithValidatedAt returns a copy stamped with a validation time.
func (r Resource) WithValidatedAt(t time.Time) Resource {
	r.LastValidatedAt = &t
	return r
}

// WithMonitoredAt returns a copy stamped with a monitoring time.
func (r Resource) WithMonitoredAt(t time.Time) Resource {
	r.LastMonitoredAt = &t
	return r
}
