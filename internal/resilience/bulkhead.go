package resilience

import (
	"context"
	"sync"
)

// Bulkhead isolates one resource class: at most maxConcurrent calls run at
// once, up to maxQueued more wait for a slot, and everything beyond that is
// rejected with BulkheadFullError.
type Bulkhead struct {
	resource string
	sem      chan struct{}
	mu       sync.Mutex
	queued   int
	maxQueue int
}

func newBulkhead(resource string, maxConcurrent, maxQueued int) *Bulkhead {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxQueued < 0 {
		maxQueued = 0
	}
	return &Bulkhead{
		resource: resource,
		sem:      make(chan struct{}, maxConcurrent),
		maxQueue: maxQueued,
	}
}

// Acquire takes an execution slot, waiting in the queue if allowed.
// The caller must Release after the work completes.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	default:
	}

	b.mu.Lock()
	if b.queued >= b.maxQueue {
		b.mu.Unlock()
		return &BulkheadFullError{Resource: b.resource, MaxConcurrent: cap(b.sem), MaxQueued: b.maxQueue}
	}
	b.queued++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.queued--
		b.mu.Unlock()
	}()

	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the slot taken by a successful Acquire.
func (b *Bulkhead) Release() { <-b.sem }

// Active returns the number of calls currently holding slots.
func (b *Bulkhead) Active() int { return len(b.sem) }

// Queued returns the number of callers waiting for a slot.
func (b *Bulkhead) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queued
}

// bulkhead returns the Bulkhead for a resource class, creating it lazily
// with the limits from the first policy seen for the name.
func (c *Core) bulkhead(p *BulkheadPolicy, op string) *Bulkhead {
	resource := p.Resource
	if resource == "" {
		resource = op
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bulkheads[resource]
	if !ok {
		b = newBulkhead(resource, p.MaxConcurrent, p.MaxQueued)
		c.bulkheads[resource] = b
	}
	return b
}
