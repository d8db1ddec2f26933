package admission

import (
	"fmt"
	"sync"

	"ofcore/internal/domain"
)

// Limits bounds one class's semaphore capacity. The adaptive controller may
// resize within [Min, Max] only.
type Limits struct {
	Min     int
	Max     int
	Initial int
}

// DefaultLimits returns the per-class capacity bounds and starting values.
func DefaultLimits() map[domain.OperationClass]Limits {
	return map[domain.OperationClass]Limits{
		domain.ClassDiscovery:  {Min: 5, Max: 200, Initial: 50},
		domain.ClassSync:       {Min: 10, Max: 300, Initial: 75},
		domain.ClassValidation: {Min: 5, Max: 100, Initial: 30},
		domain.ClassMonitoring: {Min: 5, Max: 150, Initial: 40},
		domain.ClassAPICall:    {Min: 20, Max: 1000, Initial: 200},
		domain.ClassBatch:      {Min: 10, Max: 10, Initial: 10},
	}
}

// Observer receives acquire/release notifications so peak concurrency can be
// recorded. The telemetry collector satisfies this.
type Observer interface {
	TaskStarted(class domain.OperationClass)
	TaskFinished(class domain.OperationClass)
}

// classSem is a resizable counting semaphore. TryAcquire never blocks; the
// admission path must skip rather than queue.
type classSem struct {
	mu       sync.Mutex
	capacity int
	active   int
	limits   Limits
}

func (s *classSem) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.capacity {
		return false
	}
	s.active++
	return true
}

func (s *classSem) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		s.active--
	}
}

// resize clamps to the class bounds. Shrinking below in-flight work does not
// evict anyone; acquisition simply fails until releases drain the excess.
func (s *classSem) resize(newCapacity int) int {
	if newCapacity < s.limits.Min {
		newCapacity = s.limits.Min
	}
	if newCapacity > s.limits.Max {
		newCapacity = s.limits.Max
	}
	s.mu.Lock()
	s.capacity = newCapacity
	s.mu.Unlock()
	return newCapacity
}

func (s *classSem) snapshot() (capacity, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity, s.active
}

// Controller is the per-class admission gate. One bounded semaphore per
// operation class; no other lock gates class work.
type Controller struct {
	sems     map[domain.OperationClass]*classSem
	observer Observer
}

// ClassUtilization is the live state of one semaphore.
type ClassUtilization struct {
	Capacity  int `json:"capacity"`
	Active    int `json:"active"`
	Available int `json:"available"`
}

// New builds a controller from the given limits. Classes absent from limits
// get the defaults. observer may be nil.
func New(limits map[domain.OperationClass]Limits, observer Observer) *Controller {
	defaults := DefaultLimits()
	sems := make(map[domain.OperationClass]*classSem, len(defaults))
	for _, class := range domain.OperationClasses {
		l, ok := limits[class]
		if !ok {
			l = defaults[class]
		}
		sems[class] = &classSem{capacity: l.Initial, limits: l}
	}
	return &Controller{sems: sems, observer: observer}
}

func (c *Controller) sem(class domain.OperationClass) (*classSem, error) {
	s, ok := c.sems[class]
	if !ok {
		return nil, fmt.Errorf("unknown operation class %q", class)
	}
	return s, nil
}

// TryAcquire attempts to take one permit. It never blocks; a false return
// means the caller must skip this cycle.
func (c *Controller) TryAcquire(class domain.OperationClass) bool {
	s, err := c.sem(class)
	if err != nil {
		return false
	}
	if !s.tryAcquire() {
		return false
	}
	if c.observer != nil {
		c.observer.TaskStarted(class)
	}
	return true
}

// Release returns one permit. It must be called on every exit path of an
// admitted task, including failure and cancellation.
func (c *Controller) Release(class domain.OperationClass) {
	s, err := c.sem(class)
	if err != nil {
		return
	}
	s.release()
	if c.observer != nil {
		c.observer.TaskFinished(class)
	}
}

// Resize adjusts a class capacity within its bounds and returns the applied
// value. The adaptive controller is the sole caller.
func (c *Controller) Resize(class domain.OperationClass, newCapacity int) int {
	s, err := c.sem(class)
	if err != nil {
		return 0
	}
	return s.resize(newCapacity)
}

// Capacity returns the current capacity of a class.
func (c *Controller) Capacity(class domain.OperationClass) int {
	s, err := c.sem(class)
	if err != nil {
		return 0
	}
	capacity, _ := s.snapshot()
	return capacity
}

// Active returns the in-flight permit count of a class.
func (c *Controller) Active(class domain.OperationClass) int {
	s, err := c.sem(class)
	if err != nil {
		return 0
	}
	_, active := s.snapshot()
	return active
}

// Limits returns the configured bounds of a class.
func (c *Controller) Limits(class domain.OperationClass) Limits {
	s, err := c.sem(class)
	if err != nil {
		return Limits{}
	}
	return s.limits
}

// Utilization reports the live state of every class.
func (c *Controller) Utilization() map[domain.OperationClass]ClassUtilization {
	out := make(map[domain.OperationClass]ClassUtilization, len(c.sems))
	for class, s := range c.sems {
		capacity, active := s.snapshot()
		available := capacity - active
		if available < 0 {
			available = 0
		}
		out[class] = ClassUtilization{Capacity: capacity, Active: active, Available: available}
	}
	return out
}
