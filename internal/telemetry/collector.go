package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"ofcore/internal/domain"
)

// classCounters holds the monotonic counters and timers for one operation
// class. All fields are updated atomically; readers may observe counters at
// slightly different instants but never torn values.
type classCounters struct {
	operations atomic.Int64
	successes  atomic.Int64
	errors     atomic.Int64
	durationMs atomic.Int64
	active     atomic.Int64
	peakActive atomic.Int64
}

func (c *classCounters) avgDurationMs() float64 {
	ops := c.operations.Load()
	if ops == 0 {
		return 0
	}
	return float64(c.durationMs.Load()) / float64(ops)
}

// Collector is the process-wide telemetry state. It is safe for parallel
// writers; every mutator is lock-free except the batch moving averages,
// which take a small mutex.
type Collector struct {
	classes map[domain.OperationClass]*classCounters

	totalOps      atomic.Int64
	successfulOps atomic.Int64
	totalErrors   atomic.Int64
	totalBatches  atomic.Int64

	// Batch moving averages, weight windowWeightNew on the new sample.
	batchMu            sync.Mutex
	avgBatchSize       float64
	avgBatchDurationMs float64
	batchSamples       int64
	windowWeightNew    float64

	// Throughput window.
	windowOps   atomic.Int64
	windowStart atomic.Int64 // unix nanos

	errMu     sync.Mutex
	errByKind map[errKey]int64

	// startedAt is rewritten by Reset; guarded by batchMu.
	startedAt time.Time
}

type errKey struct {
	Kind  domain.ErrorKind
	Class domain.OperationClass
}

// NewCollector builds a collector with the given moving-average weight for
// new samples (0.2 by default).
func NewCollector(windowWeightNew float64) *Collector {
	if windowWeightNew <= 0 || windowWeightNew >= 1 {
		windowWeightNew = 0.2
	}
	c := &Collector{
		classes:         make(map[domain.OperationClass]*classCounters, len(domain.OperationClasses)),
		windowWeightNew: windowWeightNew,
		errByKind:       make(map[errKey]int64),
		startedAt:       time.Now(),
	}
	for _, class := range domain.OperationClasses {
		c.classes[class] = &classCounters{}
	}
	c.windowStart.Store(time.Now().UnixNano())
	return c
}

func (c *Collector) class(class domain.OperationClass) *classCounters {
	if cc, ok := c.classes[class]; ok {
		return cc
	}
	return c.classes[domain.ClassBatch]
}

// RecordOperation folds one completed operation into the counters.
func (c *Collector) RecordOperation(class domain.OperationClass, success bool, duration time.Duration) {
	cc := c.class(class)
	cc.operations.Add(1)
	cc.durationMs.Add(duration.Milliseconds())
	c.totalOps.Add(1)
	c.windowOps.Add(1)
	if success {
		cc.successes.Add(1)
		c.successfulOps.Add(1)
	} else {
		cc.errors.Add(1)
		c.totalErrors.Add(1)
	}
}

// RecordBatch updates the batch moving averages. The first sample writes
// directly; subsequent samples are blended with weight windowWeightNew.
func (c *Collector) RecordBatch(count int, duration time.Duration) {
	c.totalBatches.Add(1)

	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	if c.batchSamples == 0 {
		c.avgBatchSize = float64(count)
		c.avgBatchDurationMs = float64(duration.Milliseconds())
	} else {
		w := c.windowWeightNew
		c.avgBatchSize = c.avgBatchSize*(1-w) + float64(count)*w
		c.avgBatchDurationMs = c.avgBatchDurationMs*(1-w) + float64(duration.Milliseconds())*w
	}
	c.batchSamples++
}

// RecordError increments the (kind, class) breakdown. Admission denials are
// not errors and are ignored here by contract.
func (c *Collector) RecordError(kind domain.ErrorKind, class domain.OperationClass, retryable bool) {
	if kind == domain.ErrAdmissionDenied || kind == domain.ErrNone {
		return
	}
	c.errMu.Lock()
	c.errByKind[errKey{Kind: kind, Class: class}]++
	c.errMu.Unlock()
}

// TaskStarted mirrors an admission acquire into the active gauges,
// peak-held.
func (c *Collector) TaskStarted(class domain.OperationClass) {
	cc := c.class(class)
	active := cc.active.Add(1)
	for {
		peak := cc.peakActive.Load()
		if active <= peak || cc.peakActive.CompareAndSwap(peak, active) {
			break
		}
	}
}

// TaskFinished mirrors an admission release.
func (c *Collector) TaskFinished(class domain.OperationClass) {
	c.class(class).active.Add(-1)
}

// ResetWindow restarts the throughput window and returns the closed
// window's throughput in operations per second.
func (c *Collector) ResetWindow() float64 {
	now := time.Now().UnixNano()
	ops := c.windowOps.Swap(0)
	start := c.windowStart.Swap(now)
	elapsed := time.Duration(now - start)
	if elapsed <= 0 {
		return 0
	}
	return float64(ops) / elapsed.Seconds()
}

// Reset zeroes every counter. Operator-requested only; the counters are
// otherwise monotonic for the process lifetime.
func (c *Collector) Reset() {
	for _, cc := range c.classes {
		cc.operations.Store(0)
		cc.successes.Store(0)
		cc.errors.Store(0)
		cc.durationMs.Store(0)
		cc.peakActive.Store(cc.active.Load())
	}
	c.totalOps.Store(0)
	c.successfulOps.Store(0)
	c.totalErrors.Store(0)
	c.totalBatches.Store(0)
	c.windowOps.Store(0)
	c.windowStart.Store(time.Now().UnixNano())

	c.batchMu.Lock()
	c.avgBatchSize = 0
	c.avgBatchDurationMs = 0
	c.batchSamples = 0
	c.startedAt = time.Now()
	c.batchMu.Unlock()

	c.errMu.Lock()
	c.errByKind = make(map[errKey]int64)
	c.errMu.Unlock()
}
