package client

import (
	"context"
	"net/http"
	"time"

	"ofcore/internal/domain"
)

// FAPIHeaders are the caller-supplied headers forwarded verbatim on every
// institution call. The core never mints them.
type FAPIHeaders struct {
	Authorization     string
	AuthDate          string
	CustomerIPAddress string
	InteractionID     string
	CustomerUserAgent string
	// JWSSignature is required on consent creation and extension only.
	JWSSignature string
}

func (h FAPIHeaders) apply(req *http.Request) {
	if h.Authorization != "" {
		req.Header.Set("Authorization", h.Authorization)
	}
	if h.AuthDate != "" {
		req.Header.Set("x-fapi-auth-date", h.AuthDate)
	}
	if h.CustomerIPAddress != "" {
		req.Header.Set("x-fapi-customer-ip-address", h.CustomerIPAddress)
	}
	if h.InteractionID != "" {
		req.Header.Set("x-fapi-interaction-id", h.InteractionID)
	}
	if h.CustomerUserAgent != "" {
		req.Header.Set("x-customer-user-agent", h.CustomerUserAgent)
	}
	if h.JWSSignature != "" {
		req.Header.Set("x-jws-signature", h.JWSSignature)
	}
}

// APIError is the upstream error body contract.
type APIError struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// CallResult carries the response metadata every call must surface,
// notably the interaction id echoed by the institution.
type CallResult struct {
	StatusCode    int
	InteractionID string
	Body          []byte
	Latency       time.Duration
}

// InstitutionClient issues calls against one Open Finance participant.
type InstitutionClient interface {
	// FetchResourceData pulls the current upstream representation of a
	// resource. Used by the sync operation.
	FetchResourceData(ctx context.Context, resource domain.Resource, headers FAPIHeaders) (CallResult, error)

	// Probe issues a lightweight availability check against the resource
	// endpoint. Used by the monitoring operation.
	Probe(ctx context.Context, endpoint string) (CallResult, error)

	// CreateConsent posts a new consent. Requires JWSSignature.
	CreateConsent(ctx context.Context, body []byte, headers FAPIHeaders) (CallResult, error)

	// GetConsent reads a consent by id.
	GetConsent(ctx context.Context, consentID string, headers FAPIHeaders) (CallResult, error)

	// ExtendConsent posts to /consents/{id}/extends. Requires JWSSignature.
	ExtendConsent(ctx context.Context, consentID string, body []byte, headers FAPIHeaders) (CallResult, error)
}

// DirectoryClient lists the resources published at a participant directory
// endpoint. Used by the discovery operation.
type DirectoryClient interface {
	ListResources(ctx context.Context, endpoint string) ([]domain.Resource, error)
}
