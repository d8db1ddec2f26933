package adaptive

import (
	"errors"
	"testing"
	"time"

	"ofcore/internal/admission"
	"ofcore/internal/config"
	"ofcore/internal/domain"
	"ofcore/internal/logger"
	"ofcore/internal/telemetry"
)

func newTestController(sampler HostSampler) (*Controller, *telemetry.Collector, *admission.Controller) {
	cfg := config.Default().OpenFinance.Resources
	collector := telemetry.NewCollector(cfg.Adaptive.WindowWeightNew)
	adm := admission.New(admission.DefaultLimits(), collector)
	ctrl := New(cfg.Adaptive, cfg.Batch, config.Default().OpenFinance.Scheduler.Batch, adm, collector, sampler, logger.NewNop())
	return ctrl, collector, adm
}

func TestHeadroomGrowsBatchSize(t *testing.T) {
	ctrl, collector, _ := newTestController(FixedSampler{CPU: 0.30, Mem: 0.40})

	// High efficiency, healthy throughput.
	for i := 0; i < 150; i++ {
		collector.RecordOperation(domain.ClassSync, i%20 != 0, 10*time.Millisecond)
	}
	before := ctrl.BatchSize()

	ctrl.Tick()

	if got := ctrl.BatchSize(); got != before+batchStep {
		t.Fatalf("batch size: got %d, want %d", got, before+batchStep)
	}
}

func TestPressureShrinksBatchSize(t *testing.T) {
	ctrl, _, _ := newTestController(FixedSampler{CPU: 0.95, Mem: 0.40})

	before := ctrl.BatchSize()
	ctrl.Tick()

	want := before - batchStep
	if min := config.Default().OpenFinance.Resources.Batch.MinSize; want < min {
		want = min
	}
	if got := ctrl.BatchSize(); got != want {
		t.Fatalf("batch size under pressure: got %d, want %d", got, want)
	}
	if !ctrl.UnderPressure() {
		t.Fatal("controller must report pressure after a hot sample")
	}
}

func TestBatchSizeStaysWithinBounds(t *testing.T) {
	ctrl, collector, _ := newTestController(FixedSampler{CPU: 0.10, Mem: 0.10})
	bounds := config.Default().OpenFinance.Resources.Batch

	for i := 0; i < 100; i++ {
		for j := 0; j < 50; j++ {
			collector.RecordOperation(domain.ClassSync, true, time.Millisecond)
		}
		ctrl.Tick()
	}
	if got := ctrl.BatchSize(); got > bounds.MaxSize {
		t.Fatalf("batch size exceeded max: %d > %d", got, bounds.MaxSize)
	}

	hot, _, _ := newTestController(FixedSampler{CPU: 0.99, Mem: 0.99})
	for i := 0; i < 100; i++ {
		hot.Tick()
	}
	if got := hot.BatchSize(); got < bounds.MinSize {
		t.Fatalf("batch size fell below min: %d < %d", got, bounds.MinSize)
	}
}

func TestBusyClassCapacityGrows(t *testing.T) {
	ctrl, collector, adm := newTestController(FixedSampler{CPU: 0.20, Mem: 0.30})

	// Sync dominates the recorded work.
	for i := 0; i < 100; i++ {
		collector.RecordOperation(domain.ClassSync, true, time.Millisecond)
	}
	before := adm.Capacity(domain.ClassSync)

	ctrl.Tick()

	if got := adm.Capacity(domain.ClassSync); got != before+15 {
		t.Fatalf("sync capacity: got %d, want %d", got, before+15)
	}
}

func TestIdleClassCapacityShrinks(t *testing.T) {
	ctrl, collector, adm := newTestController(FixedSampler{CPU: 0.20, Mem: 0.30})

	// All traffic is sync; validation share is zero and shrinks.
	for i := 0; i < 100; i++ {
		collector.RecordOperation(domain.ClassSync, true, time.Millisecond)
	}
	before := adm.Capacity(domain.ClassValidation)

	ctrl.Tick()

	want := before - 3
	if min := adm.Limits(domain.ClassValidation).Min; want < min {
		want = min
	}
	if got := adm.Capacity(domain.ClassValidation); got != want {
		t.Fatalf("validation capacity: got %d, want %d", got, want)
	}
}

func TestCapacityNeverLeavesClassBounds(t *testing.T) {
	ctrl, collector, adm := newTestController(FixedSampler{CPU: 0.10, Mem: 0.10})

	for i := 0; i < 200; i++ {
		for j := 0; j < 50; j++ {
			collector.RecordOperation(domain.ClassAPICall, true, time.Millisecond)
		}
		ctrl.Tick()
	}
	limits := adm.Limits(domain.ClassAPICall)
	if got := adm.Capacity(domain.ClassAPICall); got > limits.Max {
		t.Fatalf("apiCall capacity exceeded max: %d > %d", got, limits.Max)
	}
}

func TestControlPeriodAdapts(t *testing.T) {
	cfg := config.Default().OpenFinance.Resources

	calm, collector, _ := newTestController(FixedSampler{CPU: 0.20, Mem: 0.30})
	for i := 0; i < 100; i++ {
		collector.RecordOperation(domain.ClassSync, true, time.Millisecond)
	}
	before := calm.Snapshot().ControlPeriod
	calm.Tick()
	if got := calm.Snapshot().ControlPeriod; got != before+periodGrowStep {
		t.Fatalf("calm period: got %v, want %v", got, before+periodGrowStep)
	}

	hot, _, _ := newTestController(FixedSampler{CPU: 0.95, Mem: 0.40})
	for i := 0; i < 20; i++ {
		hot.Tick()
	}
	if got := hot.Snapshot().ControlPeriod; got < cfg.Adaptive.Interval.Min {
		t.Fatalf("hot period fell below floor: %v < %v", got, cfg.Adaptive.Interval.Min)
	}
}

func TestProcessingIntervalTracksPressure(t *testing.T) {
	hot, _, _ := newTestController(FixedSampler{CPU: 0.95, Mem: 0.95})
	hot.Tick()
	if got := hot.ProcessingInterval(); got != 5*time.Second {
		t.Fatalf("hot interval: got %v, want 5s", got)
	}

	calm, collector, _ := newTestController(FixedSampler{CPU: 0.20, Mem: 0.30})
	for i := 0; i < 100; i++ {
		collector.RecordOperation(domain.ClassSync, true, time.Millisecond)
	}
	calm.Tick()
	if got := calm.ProcessingInterval(); got != 500*time.Millisecond {
		t.Fatalf("calm interval: got %v, want 500ms", got)
	}
}

func TestFailedSampleSkipsCycle(t *testing.T) {
	ctrl, _, _ := newTestController(failingSampler{})
	before := ctrl.Snapshot()
	ctrl.Tick()
	after := ctrl.Snapshot()
	if after.BatchSize != before.BatchSize || after.ControlPeriod != before.ControlPeriod {
		t.Fatalf("state changed on failed sample: %+v -> %+v", before, after)
	}
}

type failingSampler struct{}

func (failingSampler) Sample() (float64, float64, error) {
	return 0, 0, errors.New("sensor unavailable")
}

func TestInitialStateComesFromSchedulerBatchConfig(t *testing.T) {
	cfg := config.Default().OpenFinance.Resources
	collector := telemetry.NewCollector(cfg.Adaptive.WindowWeightNew)
	adm := admission.New(admission.DefaultLimits(), collector)

	init := config.BatchInit{Size: 250, MaxConcurrent: 40}
	ctrl := New(cfg.Adaptive, cfg.Batch, init, adm, collector, FixedSampler{}, logger.NewNop())

	if got := ctrl.BatchSize(); got != 250 {
		t.Fatalf("initial batch size: got %d, want 250", got)
	}
	if got := ctrl.Snapshot().Concurrency; got != 40 {
		t.Fatalf("initial concurrency: got %d, want 40", got)
	}

	// Out-of-bounds initial values are clamped to the resource bounds.
	ctrl = New(cfg.Adaptive, cfg.Batch, config.BatchInit{Size: 5000, MaxConcurrent: 1}, adm, collector, FixedSampler{}, logger.NewNop())
	if got := ctrl.BatchSize(); got != cfg.Batch.MaxSize {
		t.Fatalf("oversized init not clamped: got %d, want %d", got, cfg.Batch.MaxSize)
	}
	if got := ctrl.Snapshot().Concurrency; got != cfg.Batch.MinConcurrent {
		t.Fatalf("undersized init not clamped: got %d, want %d", got, cfg.Batch.MinConcurrent)
	}
}
