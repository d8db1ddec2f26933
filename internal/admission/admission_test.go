package admission

import (
	"sync"
	"testing"

	"ofcore/internal/domain"
)

func TestTryAcquireNeverExceedsCapacity(t *testing.T) {
	c := New(map[domain.OperationClass]Limits{
		domain.ClassSync: {Min: 1, Max: 10, Initial: 3},
	}, nil)

	for i := 0; i < 3; i++ {
		if !c.TryAcquire(domain.ClassSync) {
			t.Fatalf("acquire %d should succeed", i)
		}
	}
	if c.TryAcquire(domain.ClassSync) {
		t.Fatal("acquire past capacity must fail")
	}

	c.Release(domain.ClassSync)
	if !c.TryAcquire(domain.ClassSync) {
		t.Fatal("acquire after release should succeed")
	}
}

func TestResizeClampsToBounds(t *testing.T) {
	c := New(map[domain.OperationClass]Limits{
		domain.ClassSync: {Min: 5, Max: 20, Initial: 10},
	}, nil)

	if got := c.Resize(domain.ClassSync, 100); got != 20 {
		t.Fatalf("resize above max: applied %d, want 20", got)
	}
	if got := c.Resize(domain.ClassSync, 0); got != 5 {
		t.Fatalf("resize below min: applied %d, want 5", got)
	}
}

func TestShrinkBelowInFlightDoesNotEvict(t *testing.T) {
	c := New(map[domain.OperationClass]Limits{
		domain.ClassSync: {Min: 1, Max: 10, Initial: 5},
	}, nil)

	for i := 0; i < 5; i++ {
		if !c.TryAcquire(domain.ClassSync) {
			t.Fatalf("acquire %d should succeed", i)
		}
	}
	c.Resize(domain.ClassSync, 2)

	if c.Active(domain.ClassSync) != 5 {
		t.Fatalf("shrink must not evict: active %d, want 5", c.Active(domain.ClassSync))
	}
	if c.TryAcquire(domain.ClassSync) {
		t.Fatal("no new permits until in-flight drains below capacity")
	}

	// Drain to below the new capacity; permits flow again.
	for i := 0; i < 4; i++ {
		c.Release(domain.ClassSync)
	}
	if !c.TryAcquire(domain.ClassSync) {
		t.Fatal("acquire should succeed once active < capacity")
	}
}

func TestConcurrentAcquireReleaseNoLeak(t *testing.T) {
	c := New(map[domain.OperationClass]Limits{
		domain.ClassAPICall: {Min: 1, Max: 100, Initial: 50},
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if c.TryAcquire(domain.ClassAPICall) {
					c.Release(domain.ClassAPICall)
				}
			}
		}()
	}
	wg.Wait()

	if active := c.Active(domain.ClassAPICall); active != 0 {
		t.Fatalf("permits leaked: active %d, want 0", active)
	}
}

func TestObserverNotified(t *testing.T) {
	obs := &countingObserver{}
	c := New(map[domain.OperationClass]Limits{
		domain.ClassSync: {Min: 1, Max: 10, Initial: 2},
	}, obs)

	c.TryAcquire(domain.ClassSync)
	c.TryAcquire(domain.ClassSync)
	c.TryAcquire(domain.ClassSync) // denied, must not notify
	c.Release(domain.ClassSync)

	if obs.started != 2 || obs.finished != 1 {
		t.Fatalf("observer: started=%d finished=%d, want 2/1", obs.started, obs.finished)
	}
}

func TestUnknownClassDenied(t *testing.T) {
	c := New(nil, nil)
	if c.TryAcquire(domain.OperationClass("bogus")) {
		t.Fatal("unknown class must be denied")
	}
}

type countingObserver struct {
	started, finished int
}

func (o *countingObserver) TaskStarted(domain.OperationClass)  { o.started++ }
func (o *countingObserver) TaskFinished(domain.OperationClass) { o.finished++ }
