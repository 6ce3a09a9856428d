package resilience

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// BulkheadConfig configures the bulkhead.
type BulkheadConfig struct {
	// MaxConcurrent is the number of slots.
	// Default: 10
	MaxConcurrent int

	// MaxWait is how long Acquire queues for a slot.
	// Default: 0 (fail immediately when full)
	MaxWait time.Duration
}

// Bulkhead hands out a fixed number of slots. Callers that find it full
// queue for up to MaxWait and are served in arrival order: Release gives
// the slot directly to the oldest waiter.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Every successful Acquire or TryAcquire must be paired with one Release.
// - Fairness: a queued caller is never overtaken by TryAcquire or a later Acquire.
type Bulkhead struct {
	config BulkheadConfig

	mu       sync.Mutex
	held     int
	peak     int
	waiters  list.List // of chan struct{}
	rejected int64
}

// NewBulkhead creates a new bulkhead.
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	return &Bulkhead{config: config}
}

// Acquire takes a slot. When none is free it queues for up to MaxWait and
// returns ErrBulkheadFull if still unserved, or ctx.Err() if ctx ends first.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	b.mu.Lock()
	if b.freeLocked() {
		b.takeLocked()
		b.mu.Unlock()
		return nil
	}
	if b.config.MaxWait <= 0 {
		b.rejected++
		b.mu.Unlock()
		return ErrBulkheadFull
	}
	ready := make(chan struct{})
	elem := b.waiters.PushBack(ready)
	b.mu.Unlock()

	timer := time.NewTimer(b.config.MaxWait)
	defer timer.Stop()

	var err error
	select {
	case <-ready:
		return nil
	case <-timer.C:
		err = ErrBulkheadFull
	case <-ctx.Done():
		err = ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-ready:
		// Handed a slot while giving up; keep it.
		return nil
	default:
	}
	b.waiters.Remove(elem)
	if err == ErrBulkheadFull {
		b.rejected++
	}
	return err
}

// TryAcquire takes a slot only if one is free and nobody is queued. A
// false result is not counted as a rejection.
func (b *Bulkhead) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.freeLocked() {
		return false
	}
	b.takeLocked()
	return true
}

// Release returns a slot, handing it to the oldest waiter if there is one.
// Releasing more slots than were taken is a no-op.
func (b *Bulkhead) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.held == 0 {
		return
	}
	if front := b.waiters.Front(); front != nil {
		b.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	b.held--
}

// Execute runs op while holding a slot.
func (b *Bulkhead) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()
	return op(ctx)
}

func (b *Bulkhead) freeLocked() bool {
	return b.held < b.config.MaxConcurrent && b.waiters.Len() == 0
}

func (b *Bulkhead) takeLocked() {
	b.held++
	b.peak = max(b.peak, b.held)
}

// Metrics returns a snapshot of slot usage.
func (b *Bulkhead) Metrics() BulkheadMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BulkheadMetrics{
		Active:        b.held,
		MaxActive:     b.peak,
		Available:     b.config.MaxConcurrent - b.held,
		MaxConcurrent: b.config.MaxConcurrent,
		Waiting:       b.waiters.Len(),
		Rejected:      b.rejected,
	}
}

// BulkheadMetrics contains bulkhead statistics.
type BulkheadMetrics struct {
	Active        int
	MaxActive     int
	Available     int
	MaxConcurrent int
	Waiting       int
	Rejected      int64
}
