// Package pool provides a typed wrapper over sync.Pool that resets objects on
// return and keeps allocation statistics.
//
//	batches := pool.New(
//	    func() *Batch { return &Batch{} },
//	    func(b *Batch) { b.Reset() },
//	)
//	b := batches.Get()
//	defer batches.Put(b)
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool is a type-safe object pool. It is safe for concurrent use.
//
// Pointer types are recommended for T so that Put does not allocate.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
	stats struct {
		allocated atomic.Int64
		inUse     atomic.Int64
		gets      atomic.Int64
	}
}

// Stats is a snapshot of pool activity.
type Stats struct {
	// Allocated counts objects created by the factory.
	Allocated int64
	// InUse counts objects handed out and not yet returned.
	InUse int64
	// Hits counts Gets served by a recycled object.
	Hits int64
	// Misses counts Gets that needed a fresh allocation.
	Misses int64
}

// New creates a pool. reset may be nil; when set it runs on every Put.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.stats.allocated.Add(1)
		return newFn()
	}
	return p
}

// Get returns a recycled object or a new one.
func (p *Pool[T]) Get() T {
	p.stats.gets.Add(1)
	p.stats.inUse.Add(1)
	return p.pool.Get().(T)
}

// Put resets obj and makes it available to later Gets.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.stats.inUse.Add(-1)
	p.pool.Put(obj)
}

// Stats returns current counters.
func (p *Pool[T]) Stats() Stats {
	allocated := p.stats.allocated.Load()
	gets := p.stats.gets.Load()
	hits := gets - allocated
	if hits < 0 {
		hits = 0
	}
	return Stats{
		Allocated: allocated,
		InUse:     p.stats.inUse.Load(),
		Hits:      hits,
		Misses:    gets - hits,
	}
}
