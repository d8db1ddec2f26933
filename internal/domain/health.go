package domain

import "time"

// HealthStatus is the observed availability class of a resource.
type HealthStatus string

const (
	HealthUp       HealthStatus = "UP"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthDown     HealthStatus = "DOWN"
	HealthUnknown  HealthStatus = "UNKNOWN"
)

// ResourceHealth is the rolling health record kept per resource. Aggregates
// are updated incrementally on every probe sample.
type ResourceHealth struct {
	ResourceID    string        `json:"resourceId"`
	Status        HealthStatus  `json:"status"`
	HealthScore   float64       `json:"healthScore"`
	AvgResponseMs float64       `json:"avgResponseMs"`
	P95ResponseMs float64       `json:"p95ResponseMs"`
	P99ResponseMs float64       `json:"p99ResponseMs"`
	Uptime        float64       `json:"uptime"`
	TotalRequests int64         `json:"totalRequests"`
	SuccessCount  int64         `json:"successCount"`
	ErrorRate     float64       `json:"errorRate"`
	LastCheckedAt time.Time     `json:"lastCheckedAt"`
	LastLatency   time.Duration `json:"-"`
}

// NewResourceHealth returns a zeroed record in the UNKNOWN state.
func NewResourceHealth(resourceID string) ResourceHealth {
	return ResourceHealth{ResourceID: resourceID, Status: HealthUnknown}
}

// RecordSample folds one probe outcome into the record and recomputes the
// derived score. The running average uses the exact incremental mean:
//
//	newAvg = (avg*total + sample) / (total+1)
//
// p95/p99 are tracked with a coarse high-watermark decay so the record stays
// O(1) per resource.
func (h ResourceHealth) RecordSample(ok bool, latency time.Duration, now time.Time) ResourceHealth {
	sampleMs := float64(latency.Milliseconds())

	newTotal := h.TotalRequests + 1
	newSuccess := h.SuccessCount
	if ok {
		newSuccess++
	}

	h.AvgResponseMs = (h.AvgResponseMs*float64(h.TotalRequests) + sampleMs) / float64(newTotal)
	h.TotalRequests = newTotal
	h.SuccessCount = newSuccess
	h.ErrorRate = float64(newTotal-newSuccess) / float64(newTotal)
	h.Uptime = float64(newSuccess) / float64(newTotal)
	h.LastCheckedAt = now
	h.LastLatency = latency

	if sampleMs > h.P95ResponseMs {
		h.P95ResponseMs = sampleMs
	} else {
		h.P95ResponseMs = h.P95ResponseMs*0.95 + sampleMs*0.05
	}
	if sampleMs > h.P99ResponseMs {
		h.P99ResponseMs = sampleMs
	} else {
		h.P99ResponseMs = h.P99ResponseMs*0.99 + sampleMs*0.01
	}

	h.HealthScore = 0.4*h.Uptime + 0.3*h.performanceScore() + 0.3*h.successRate()
	h.Status = h.statusFromScore()
	return h
}

func (h ResourceHealth) successRate() float64 {
	if h.TotalRequests == 0 {
		return 0
	}
	return float64(h.SuccessCount) / float64(h.TotalRequests)
}

// performanceScore is piecewise on (avg, p95): fast endpoints score 1.0,
// anything with multi-second tails degrades toward 0.
func (h ResourceHealth) performanceScore() float64 {
	switch {
	case h.AvgResponseMs <= 300 && h.P95ResponseMs <= 1000:
		return 1.0
	case h.AvgResponseMs <= 800 && h.P95ResponseMs <= 2500:
		return 0.75
	case h.AvgResponseMs <= 2000 && h.P95ResponseMs <= 5000:
		return 0.5
	case h.AvgResponseMs <= 5000:
		return 0.25
	default:
		return 0
	}
}

func (h ResourceHealth) statusFromScore() HealthStatus {
	switch {
	case h.TotalRequests == 0:
		return HealthUnknown
	case h.HealthScore >= 0.8:
		return HealthUp
	case h.HealthScore >= 0.5:
		return HealthDegraded
	default:
		return HealthDown
	}
}
