package telemetry

import (
	"time"

	"ofcore/internal/domain"
)

// ClassReport is the per-class slice of a PerformanceReport.
type ClassReport struct {
	Operations    int64   `json:"operations"`
	Errors        int64   `json:"errors"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	Active        int64   `json:"active"`
	PeakActive    int64   `json:"peakActive"`
}

// PerformanceReport is an immutable snapshot of the collector.
type PerformanceReport struct {
	TotalOperations    int64                                 `json:"totalOperations"`
	SuccessfulOps      int64                                 `json:"successfulOperations"`
	TotalErrors        int64                                 `json:"totalErrors"`
	TotalBatches       int64                                 `json:"totalBatches"`
	Efficiency         float64                               `json:"efficiency"`
	ErrorRate          float64                               `json:"errorRate"`
	CurrentThroughput  float64                               `json:"currentThroughput"`
	AvgBatchSize       float64                               `json:"avgBatchSize"`
	AvgBatchDurationMs float64                               `json:"avgBatchDurationMs"`
	Classes            map[domain.OperationClass]ClassReport `json:"classes"`
	ErrorBreakdown     map[domain.ErrorKind]int64            `json:"errorBreakdown"`
	Uptime             time.Duration                         `json:"uptimeNs"`
}

// Recommendations is the collector's tuning hint for the adaptive
// controller's neutral zone.
type Recommendations struct {
	BatchSize   int `json:"recommendedBatchSize"`
	Concurrency int `json:"recommendedConcurrency"`
}

// Report assembles a consistent snapshot. Counters may be mutually stale by
// a few operations but are never torn.
func (c *Collector) Report() PerformanceReport {
	total := c.totalOps.Load()
	success := c.successfulOps.Load()
	errs := c.totalErrors.Load()

	report := PerformanceReport{
		TotalOperations: total,
		SuccessfulOps:   success,
		TotalErrors:     errs,
		TotalBatches:    c.totalBatches.Load(),
		Classes:         make(map[domain.OperationClass]ClassReport, len(c.classes)),
		ErrorBreakdown:  make(map[domain.ErrorKind]int64),
	}
	if total > 0 {
		report.Efficiency = float64(success) / float64(total)
		report.ErrorRate = float64(errs) / float64(total)
	}
	report.CurrentThroughput = c.currentThroughput()

	c.batchMu.Lock()
	report.AvgBatchSize = c.avgBatchSize
	report.AvgBatchDurationMs = c.avgBatchDurationMs
	report.Uptime = time.Since(c.startedAt)
	c.batchMu.Unlock()

	for class, cc := range c.classes {
		report.Classes[class] = ClassReport{
			Operations:    cc.operations.Load(),
			Errors:        cc.errors.Load(),
			AvgDurationMs: cc.avgDurationMs(),
			Active:        cc.active.Load(),
			PeakActive:    cc.peakActive.Load(),
		}
	}

	c.errMu.Lock()
	for key, n := range c.errByKind {
		report.ErrorBreakdown[key.Kind] += n
	}
	c.errMu.Unlock()

	return report
}

func (c *Collector) currentThroughput() float64 {
	elapsed := time.Duration(time.Now().UnixNano() - c.windowStart.Load())
	if elapsed <= 0 {
		return 0
	}
	return float64(c.windowOps.Load()) / elapsed.Seconds()
}

// GetRecommendations derives batch-size and concurrency hints from
// efficiency and throughput.
func (c *Collector) GetRecommendations() Recommendations {
	report := c.Report()
	return Recommend(report.Efficiency, report.CurrentThroughput)
}

// Recommend maps (efficiency, throughput) onto the tuning table. The
// adaptive controller calls this directly with its own throughput reading.
func Recommend(efficiency, throughput float64) Recommendations {
	switch {
	case efficiency > 0.9 && throughput > 100:
		return Recommendations{BatchSize: 500, Concurrency: 200}
	case efficiency > 0.8 && throughput > 50:
		return Recommendations{BatchSize: 300, Concurrency: 100}
	case efficiency > 0.7:
		return Recommendations{BatchSize: 200, Concurrency: 50}
	default:
		return Recommendations{BatchSize: 100, Concurrency: 20}
	}
}
