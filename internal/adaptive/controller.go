package adaptive

import (
	"context"
	"sync"
	"time"

	"ofcore/internal/admission"
	"ofcore/internal/config"
	"ofcore/internal/domain"
	"ofcore/internal/logger"
	"ofcore/internal/telemetry"
)

// classDelta is the grow/shrink step for one class, with its gating host
// resource.
type classDelta struct {
	grow       int
	shrink     int
	gateOnMem  bool // gate on memory instead of CPU
	gateOnErrs bool // additionally require a low error rate to grow
}

var classDeltas = map[domain.OperationClass]classDelta{
	domain.ClassDiscovery:  {grow: 10, shrink: 5},
	domain.ClassSync:       {grow: 15, shrink: 10},
	domain.ClassValidation: {grow: 5, shrink: 3},
	domain.ClassMonitoring: {grow: 8, shrink: 5, gateOnMem: true},
	domain.ClassAPICall:    {grow: 50, shrink: 30, gateOnErrs: true},
}

const (
	shareHigh = 0.30
	shareLow  = 0.05

	throughputLow = 50.0
	errorRateLow  = 0.05
	errorRateHigh = 0.15

	efficiencyHigh = 0.85
	efficiencyLow  = 0.70

	batchStep       = 50
	concurrencyStep = 25
	periodGrowStep  = 15 * time.Second
)

// Snapshot is a consistent read of the adaptive state.
type Snapshot struct {
	BatchSize          int                           `json:"batchSize"`
	Concurrency        int                           `json:"concurrency"`
	ControlPeriod      time.Duration                 `json:"controlPeriodNs"`
	ProcessingInterval time.Duration                 `json:"processingIntervalNs"`
	ClassCapacities    map[domain.OperationClass]int `json:"classCapacities"`
	CPUUsage           float64                       `json:"cpuUsage"`
	MemoryUsage        float64                       `json:"memoryUsage"`
	LastTick           time.Time                     `json:"lastTick"`
}

// Controller periodically retunes batch size, per-class admission
// capacities, and its own control period from host and telemetry readings.
// It is the sole writer of semaphore capacities and batch-size state.
type Controller struct {
	cfg       config.Adaptive
	batchCfg  config.Batch
	admission *admission.Controller
	collector *telemetry.Collector
	sampler   HostSampler
	logger    logger.Logger

	mu                 sync.RWMutex
	batchSize          int
	concurrency        int
	period             time.Duration
	processingInterval time.Duration
	lastCPU            float64
	lastMem            float64
	lastTick           time.Time
}

// New builds a controller in its initial state. The initial batch size and
// concurrency come from the scheduler's batch config, clamped to the
// resource bounds; the control period starts at 30s within the configured
// bounds.
func New(cfg config.Adaptive, batchCfg config.Batch, init config.BatchInit, adm *admission.Controller, collector *telemetry.Collector, sampler HostSampler, log logger.Logger) *Controller {
	period := 30 * time.Second
	if period < cfg.Interval.Min {
		period = cfg.Interval.Min
	}
	if period > cfg.Interval.Max {
		period = cfg.Interval.Max
	}
	initialSize := init.Size
	if initialSize <= 0 {
		initialSize = batchCfg.Size
	}
	initialConcurrent := init.MaxConcurrent
	if initialConcurrent <= 0 {
		initialConcurrent = batchCfg.MaxConcurrent
	}
	return &Controller{
		cfg:                cfg,
		batchCfg:           batchCfg,
		admission:          adm,
		collector:          collector,
		sampler:            sampler,
		logger:             log,
		batchSize:          clamp(initialSize, batchCfg.MinSize, batchCfg.MaxSize),
		concurrency:        clamp(initialConcurrent, batchCfg.MinConcurrent, batchCfg.MaxConcurrent),
		period:             period,
		processingInterval: time.Second,
	}
}

// Run drives the control loop until ctx is cancelled. The tick period is
// re-read after every adjustment.
func (c *Controller) Run(ctx context.Context) {
	for {
		c.mu.RLock()
		period := c.period
		c.mu.RUnlock()

		timer := time.NewTimer(period)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			c.Tick()
		}
	}
}

// Tick performs one control cycle: sample, read telemetry, rewrite
// capacities and batch size, adjust the next period. Exported so tests and
// operators can force a cycle.
func (c *Controller) Tick() {
	cpuUsage, memUsage, err := c.sampler.Sample()
	if err != nil {
		c.logger.Warn("host sample failed, skipping control cycle", logger.Field{Key: "error", Value: err})
		return
	}

	report := c.collector.Report()
	throughput := c.collector.ResetWindow()
	rec := telemetry.Recommend(report.Efficiency, throughput)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastCPU = cpuUsage
	c.lastMem = memUsage
	c.lastTick = time.Now()

	c.retuneBatchSize(cpuUsage, memUsage, report.Efficiency, rec)
	c.retuneConcurrency(cpuUsage, throughput, report.ErrorRate, rec)
	c.retuneClasses(cpuUsage, memUsage, report)
	c.retunePeriod(cpuUsage, memUsage, report.Efficiency)
	c.retuneProcessingInterval(cpuUsage, memUsage, report.Efficiency)

	if memUsage > c.cfg.MemoryThreshold {
		c.logger.Warn("memory usage above threshold",
			logger.Field{Key: "memoryUsage", Value: memUsage},
			logger.Field{Key: "threshold", Value: c.cfg.MemoryThreshold})
	}

	c.logger.Debug("control cycle complete",
		logger.Field{Key: "cpu", Value: cpuUsage},
		logger.Field{Key: "mem", Value: memUsage},
		logger.Field{Key: "batchSize", Value: c.batchSize},
		logger.Field{Key: "concurrency", Value: c.concurrency},
		logger.Field{Key: "period", Value: c.period})
}

func (c *Controller) retuneBatchSize(cpuUsage, memUsage, efficiency float64, rec telemetry.Recommendations) {
	switch {
	case cpuUsage < c.cfg.CPULow && memUsage < c.cfg.MemoryLow && efficiency > efficiencyHigh:
		c.batchSize += batchStep
	case cpuUsage > c.cfg.CPUThreshold || memUsage > c.cfg.MemoryThreshold || efficiency < efficiencyLow:
		c.batchSize -= batchStep
	default:
		c.batchSize = rec.BatchSize
	}
	c.batchSize = clamp(c.batchSize, c.batchCfg.MinSize, c.batchCfg.MaxSize)
}

func (c *Controller) retuneConcurrency(cpuUsage, throughput, errorRate float64, rec telemetry.Recommendations) {
	switch {
	case throughput < throughputLow && errorRate < errorRateLow:
		c.concurrency += concurrencyStep
	case cpuUsage > c.cfg.CPUThreshold || errorRate > errorRateHigh:
		c.concurrency -= concurrencyStep
	default:
		c.concurrency = rec.Concurrency
	}
	c.concurrency = clamp(c.concurrency, c.batchCfg.MinConcurrent, c.batchCfg.MaxConcurrent)
}

// retuneClasses grows a class whose share of recorded operations is high
// while its gating resource has headroom, and shrinks one whose share is
// low or whose gating resource is under pressure.
func (c *Controller) retuneClasses(cpuUsage, memUsage float64, report telemetry.PerformanceReport) {
	for class, delta := range classDeltas {
		classReport := report.Classes[class]
		var share float64
		if report.TotalOperations > 0 {
			share = float64(classReport.Operations) / float64(report.TotalOperations)
		}

		gate := cpuUsage
		gateHigh := c.cfg.CPUThreshold
		gateLow := c.cfg.CPULow
		if delta.gateOnMem {
			gate = memUsage
			gateHigh = c.cfg.MemoryThreshold
			gateLow = c.cfg.MemoryLow
		}

		capacity := c.admission.Capacity(class)
		switch {
		case share >= shareHigh && gate < gateLow && (!delta.gateOnErrs || report.ErrorRate < errorRateLow):
			c.admission.Resize(class, capacity+delta.grow)
		case share < shareLow || gate > gateHigh || (delta.gateOnErrs && report.ErrorRate > errorRateHigh):
			c.admission.Resize(class, capacity-delta.shrink)
		}
	}
}

func (c *Controller) retunePeriod(cpuUsage, memUsage, efficiency float64) {
	switch {
	case cpuUsage > c.cfg.CPUThreshold || memUsage > c.cfg.MemoryThreshold || efficiency < efficiencyLow:
		c.period /= 2
	case cpuUsage < c.cfg.CPULow && efficiency > efficiencyHigh:
		c.period += periodGrowStep
	}
	if c.period < c.cfg.Interval.Min {
		c.period = c.cfg.Interval.Min
	}
	if c.period > c.cfg.Interval.Max {
		c.period = c.cfg.Interval.Max
	}
}

// retuneProcessingInterval surfaces the worker's sleep between drain
// cycles. Independent of the control period: under pressure the worker
// backs off, with headroom it polls faster.
func (c *Controller) retuneProcessingInterval(cpuUsage, memUsage, efficiency float64) {
	switch {
	case cpuUsage > c.cfg.CPUThreshold || memUsage > c.cfg.MemoryThreshold:
		c.processingInterval = 5 * time.Second
	case cpuUsage < c.cfg.CPULow && efficiency > efficiencyHigh:
		c.processingInterval = 500 * time.Millisecond
	default:
		c.processingInterval = time.Second
	}
}

// BatchSize returns the current adaptive batch size.
func (c *Controller) BatchSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.batchSize
}

// ProcessingInterval returns the worker's current inter-cycle sleep.
func (c *Controller) ProcessingInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.processingInterval
}

// UnderPressure reports whether host usage is above the high thresholds.
// The worker's shouldProcessNow gate reads this.
func (c *Controller) UnderPressure() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCPU > c.cfg.CPUThreshold || c.lastMem > c.cfg.MemoryThreshold
}

// Snapshot returns a consistent copy of the adaptive state plus the last
// host sample.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	caps := make(map[domain.OperationClass]int, len(domain.OperationClasses))
	for _, class := range domain.OperationClasses {
		caps[class] = c.admission.Capacity(class)
	}
	return Snapshot{
		BatchSize:          c.batchSize,
		Concurrency:        c.concurrency,
		ControlPeriod:      c.period,
		ProcessingInterval: c.processingInterval,
		ClassCapacities:    caps,
		CPUUsage:           c.lastCPU,
		MemoryUsage:        c.lastMem,
		LastTick:           c.lastTick,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
