/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// FixedInflightLimiter enforces a constant configured concurrency ceiling.
// A non-positive ceiling disables the limiter: acquisitions are granted
// no-op permits immediately and are never throttled.
type FixedInflightLimiter struct {
	mu       sync.RWMutex
	slots    chan struct{} // nil when the limiter is disabled
	limit    atomic.Int64
	inflight atomic.Int64
	closed   atomic.Bool
	closedCh chan struct{} // closed on Close to wake blocked acquisitions
}

// NewFixedInflightLimiter creates a new FixedInflightLimiter with the passed ceiling.
func NewFixedInflightLimiter(limit int) *FixedInflightLimiter {
	l := &FixedInflightLimiter{closedCh: make(chan struct{})}
	l.SetMaxInflight(limit)
	return l
}

// Acquire blocks until a slot is available or ctx is done.
func (l *FixedInflightLimiter) Acquire(ctx context.Context, dryRun bool) (Permit, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if dryRun {
		return NoopPermit, nil
	}
	slots := l.slotsChan()
	if slots == nil {
		return NoopPermit, nil
	}
	select {
	case slots <- struct{}{}:
		l.inflight.Inc()
		return &fixedPermit{limiter: l, slots: slots}, nil
	case <-l.closedCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire inflight slot: %w", ctx.Err())
	}
}

// TryAcquire acquires a slot without blocking.
func (l *FixedInflightLimiter) TryAcquire(dryRun bool) (Permit, bool) {
	if l.closed.Load() {
		return nil, false
	}
	if dryRun {
		return NoopPermit, true
	}
	slots := l.slotsChan()
	if slots == nil {
		return NoopPermit, true
	}
	select {
	case slots <- struct{}{}:
		l.inflight.Inc()
		return &fixedPermit{limiter: l, slots: slots}, true
	default:
		return nil, false
	}
}

// SetMaxInflight reconfigures the ceiling. The change is eventually
// consistent: permits already granted release into the slot channel they
// were acquired from, so the old and the new ceilings briefly coexist.
func (l *FixedInflightLimiter) SetMaxInflight(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit.Store(int64(n))
	if n <= 0 {
		l.slots = nil
		return
	}
	l.slots = make(chan struct{}, n)
}

// Metrics returns a snapshot of the limiter state.
func (l *FixedInflightLimiter) Metrics() Metrics {
	return Metrics{
		Limit:    l.limit.Load(),
		Inflight: l.inflight.Load(),
	}
}

// Close marks the limiter as closed and fails blocked acquisitions.
// Outstanding permits may still be completed.
func (l *FixedInflightLimiter) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		close(l.closedCh)
	}
	return nil
}

func (l *FixedInflightLimiter) slotsChan() chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slots
}

type fixedPermit struct {
	limiter   *FixedInflightLimiter
	slots     chan struct{}
	completed atomic.Bool
}

func (p *fixedPermit) Complete(Result) bool {
	if !p.completed.CompareAndSwap(false, true) {
		return false
	}
	p.limiter.inflight.Dec()
	select {
	case <-p.slots:
	default:
	}
	return true
}
