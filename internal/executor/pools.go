package executor

import (
	"fmt"

	"github.com/panjf2000/ants/v2"

	"ofcore/internal/domain"
	"ofcore/internal/logger"
)

// Pools holds one ants pool per operation class. Pool sizes follow the
// admission maxima so the pool is never the tighter gate; admission
// semaphores remain the only concurrency control on class capacity.
type Pools struct {
	pools  map[domain.OperationClass]*ants.Pool
	logger logger.Logger
}

// NewPools builds the per-class pools. sizes maps class to worker count;
// missing classes default to 64.
func NewPools(sizes map[domain.OperationClass]int, log logger.Logger) (*Pools, error) {
	p := &Pools{
		pools:  make(map[domain.OperationClass]*ants.Pool, len(domain.OperationClasses)),
		logger: log,
	}
	panicHandler := func(v interface{}) {
		log.Error("worker panic recovered", logger.Field{Key: "panic", Value: v})
	}
	for _, class := range domain.OperationClasses {
		size, ok := sizes[class]
		if !ok || size <= 0 {
			size = 64
		}
		pool, err := ants.NewPool(
			size,
			ants.WithNonblocking(true),
			ants.WithPreAlloc(true),
			ants.WithPanicHandler(panicHandler),
		)
		if err != nil {
			p.Release()
			return nil, fmt.Errorf("failed to create %s pool: %w", class, err)
		}
		p.pools[class] = pool
	}
	return p, nil
}

// submit hands a task to the class pool, falling back to a plain goroutine
// when the pool is saturated so a batch can never deadlock on itself.
func (p *Pools) submit(class domain.OperationClass, fn func()) {
	pool, ok := p.pools[class]
	if !ok {
		go fn()
		return
	}
	if err := pool.Submit(fn); err != nil {
		go fn()
	}
}

// Running reports the in-flight worker count for a class.
func (p *Pools) Running(class domain.OperationClass) int {
	if pool, ok := p.pools[class]; ok {
		return pool.Running()
	}
	return 0
}

// Release tears down every pool.
func (p *Pools) Release() {
	for _, pool := range p.pools {
		if pool != nil {
			pool.Release()
		}
	}
}
