package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ofcore/internal/domain"
	"ofcore/internal/logger"
)

const consentsBasePath = "/consents"

// HTTPClient is the default InstitutionClient and DirectoryClient. Calls
// are rate limited per client instance and responses outside 2xx are
// mapped onto the domain error taxonomy.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logger.Logger
}

// Options tunes the HTTP client construction. BaseURL is the institution
// host the consent endpoints live under.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// DefaultOptions matches the institution-facing defaults: 30s per call,
// 100 rps with a burst of 20.
func DefaultOptions() Options {
	return Options{
		Timeout:           30 * time.Second,
		RequestsPerSecond: 100,
		Burst:             20,
	}
}

// NewHTTPClient builds a rate-limited client.
func NewHTTPClient(opts Options, log logger.Logger) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultOptions().RequestsPerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultOptions().Burst
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:     log,
	}
}

func (c *HTTPClient) FetchResourceData(ctx context.Context, resource domain.Resource, headers FAPIHeaders) (CallResult, error) {
	return c.call(ctx, http.MethodGet, resource.Endpoint, nil, headers)
}

func (c *HTTPClient) Probe(ctx context.Context, endpoint string) (CallResult, error) {
	return c.call(ctx, http.MethodGet, endpoint, nil, FAPIHeaders{})
}

func (c *HTTPClient) CreateConsent(ctx context.Context, body []byte, headers FAPIHeaders) (CallResult, error) {
	if headers.JWSSignature == "" {
		return CallResult{}, domain.NewProcessingError(domain.ErrValidation,
			"consent creation requires a request signature")
	}
	return c.call(ctx, http.MethodPost, c.baseURL+consentsBasePath, body, headers)
}

func (c *HTTPClient) GetConsent(ctx context.Context, consentID string, headers FAPIHeaders) (CallResult, error) {
	return c.call(ctx, http.MethodGet, c.baseURL+consentsBasePath+"/"+consentID, nil, headers)
}

func (c *HTTPClient) ExtendConsent(ctx context.Context, consentID string, body []byte, headers FAPIHeaders) (CallResult, error) {
	if headers.JWSSignature == "" {
		return CallResult{}, domain.NewProcessingError(domain.ErrValidation,
			"consent extension requires a request signature")
	}
	return c.call(ctx, http.MethodPost, c.baseURL+consentsBasePath+"/"+consentID+"/extends", body, headers)
}

// directoryListing is the wire shape of a participant directory response.
type directoryListing struct {
	Data []struct {
		ResourceID     string   `json:"resourceId"`
		OrganizationID string   `json:"organizationId"`
		CustomerID     string   `json:"customerId"`
		Type           string   `json:"type"`
		Endpoint       string   `json:"endpoint"`
		Permissions    []string `json:"permissions"`
		ExpiresAt      *string  `json:"expirationDateTime"`
	} `json:"data"`
}

func (c *HTTPClient) ListResources(ctx context.Context, endpoint string) ([]domain.Resource, error) {
	result, err := c.call(ctx, http.MethodGet, endpoint, nil, FAPIHeaders{})
	if err != nil {
		return nil, err
	}

	var listing directoryListing
	if err := json.Unmarshal(result.Body, &listing); err != nil {
		return nil, domain.NewProcessingError(domain.ErrValidation,
			"malformed directory listing: %v", err)
	}

	now := time.Now()
	resources := make([]domain.Resource, 0, len(listing.Data))
	for _, row := range listing.Data {
		resource := domain.Resource{
			ResourceID:     row.ResourceID,
			OrganizationID: row.OrganizationID,
			CustomerID:     row.CustomerID,
			Type:           domain.ResourceType(row.Type),
			Status:         domain.StatusDiscovered,
			Endpoint:       row.Endpoint,
			Permissions:    row.Permissions,
			DiscoveredAt:   now,
		}
		if row.ExpiresAt != nil {
			if ts, err := time.Parse(time.RFC3339, *row.ExpiresAt); err == nil {
				resource.ExpiresAt = &ts
			}
		}
		resources = append(resources, resource)
	}
	return resources, nil
}

func (c *HTTPClient) call(ctx context.Context, method, url string, body []byte, headers FAPIHeaders) (CallResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return CallResult{}, domain.Classify(err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return CallResult{}, domain.NewProcessingError(domain.ErrValidation,
			"bad request for %s: %v", url, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	headers.apply(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CallResult{Latency: latency}, domain.Classify(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	result := CallResult{
		StatusCode:    resp.StatusCode,
		InteractionID: resp.Header.Get("x-fapi-interaction-id"),
		Body:          respBody,
		Latency:       latency,
	}
	c.logger.Debug("institution call",
		logger.Field{Key: "method", Value: method},
		logger.Field{Key: "url", Value: url},
		logger.Field{Key: "status", Value: resp.StatusCode},
		logger.Field{Key: "interactionId", Value: result.InteractionID},
		logger.Field{Key: "latencyMs", Value: latency.Milliseconds()})

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return result, nil
	}

	detail := errorDetail(respBody)
	return result, domain.UpstreamStatusError(resp.StatusCode, detail)
}

// errorDetail extracts the upstream error body contract, falling back to
// the raw body when it does not parse.
func errorDetail(body []byte) string {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && (apiErr.Code != "" || apiErr.Detail != "") {
		return strings.TrimSpace(apiErr.Code + " " + apiErr.Detail)
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return trimmed
}
