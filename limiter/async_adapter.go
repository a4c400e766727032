/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"container/heap"
	"context"
	"sync"

	"go.uber.org/atomic"
)

// AsyncAdapter adapts a blocking InflightLimiter into a non-blocking,
// future-based acquisition path without duplicating the limiting logic.
//
// Acquisitions that cannot be granted immediately are queued in an
// offset-ordered min-heap and granted as capacity is released by permit
// completions, so messages with lower offsets are admitted first.
// Cancelling a queued future removes it from the queue; cancelling a granted
// future completes its permit with ResultFailed, so no slot leaks either way.
type AsyncAdapter struct {
	limiter InflightLimiter

	mu      sync.Mutex
	pending pendingFutures
	closed  bool
}

// NewAsyncAdapter creates a new AsyncAdapter wrapping the passed limiter.
func NewAsyncAdapter(limiter InflightLimiter) *AsyncAdapter {
	return &AsyncAdapter{limiter: limiter}
}

// AcquireAsync acquires a permit without blocking the calling goroutine.
// The returned future is resolved when a permit is granted, the adapter is
// closed, or the future is cancelled.
func (a *AsyncAdapter) AcquireAsync(partition int, offset int64, dryRun bool) *PermitFuture {
	f := &PermitFuture{adapter: a, partition: partition, offset: offset, done: make(chan struct{}), index: -1}

	if dryRun {
		// Dry-run acquisitions never block and never queue.
		p, ok := a.limiter.TryAcquire(true)
		if !ok {
			f.fail(ErrClosed)
			return f
		}
		f.complete(&asyncPermit{adapter: a, inner: p})
		return f
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		f.fail(ErrClosed)
		return f
	}
	heap.Push(&a.pending, f)
	a.dispatchLocked()
	a.mu.Unlock()
	return f
}

// Metrics returns the wrapped limiter's metrics with the queue depth filled in.
func (a *AsyncAdapter) Metrics() Metrics {
	m := a.limiter.Metrics()
	a.mu.Lock()
	m.AsyncQueueSize = int64(a.pending.Len())
	a.mu.Unlock()
	return m
}

// Close fails all queued acquisitions. It does not close the wrapped limiter.
func (a *AsyncAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	queued := make([]*PermitFuture, len(a.pending))
	copy(queued, a.pending)
	for _, f := range queued {
		f.index = -1
	}
	a.pending = nil
	a.mu.Unlock()
	for _, f := range queued {
		f.fail(ErrClosed)
	}
	return nil
}

// dispatch grants queued acquisitions in offset order while the wrapped
// limiter has capacity.
func (a *AsyncAdapter) dispatch() {
	a.mu.Lock()
	a.dispatchLocked()
	a.mu.Unlock()
}

func (a *AsyncAdapter) dispatchLocked() {
	for a.pending.Len() > 0 {
		p, ok := a.limiter.TryAcquire(false)
		if !ok {
			return
		}
		f := heap.Pop(&a.pending).(*PermitFuture)
		if !f.complete(&asyncPermit{adapter: a, inner: p}) {
			// The future was cancelled between dispatches, release the slot.
			p.Complete(ResultFailed)
		}
	}
}

func (a *AsyncAdapter) removeFromQueue(f *PermitFuture) {
	a.mu.Lock()
	if f.index >= 0 {
		heap.Remove(&a.pending, f.index)
		f.index = -1
	}
	a.mu.Unlock()
}

// asyncPermit wraps a granted permit so that its completion triggers
// dispatching of queued acquisitions.
type asyncPermit struct {
	adapter   *AsyncAdapter
	inner     Permit
	completed atomic.Bool
}

func (p *asyncPermit) Complete(result Result) bool {
	if !p.completed.CompareAndSwap(false, true) {
		return false
	}
	ok := p.inner.Complete(result)
	p.adapter.dispatch()
	return ok
}

// PermitFuture is the result of an asynchronous acquisition.
type PermitFuture struct {
	adapter   *AsyncAdapter
	partition int
	offset    int64

	// index is the position in the adapter's pending heap, -1 when not queued.
	// Guarded by the adapter's mutex.
	index int

	mu        sync.Mutex
	done      chan struct{}
	permit    Permit
	err       error
	completed bool
}

// Done returns a channel that is closed when the future is resolved.
func (f *PermitFuture) Done() <-chan struct{} {
	return f.done
}

// Permit returns the granted permit or the resolution error.
// It must be called only after Done is closed.
func (f *PermitFuture) Permit() (Permit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permit, f.err
}

// Cancel resolves a pending future with context.Canceled and removes it from
// the queue. Cancelling an already granted future completes its permit with
// ResultFailed so that the reserved slot is released. Cancel is a no-op if
// the caller has already observed the grant and owns the permit lifecycle.
func (f *PermitFuture) Cancel() {
	f.adapter.removeFromQueue(f)
	f.mu.Lock()
	if f.completed {
		p := f.permit
		f.mu.Unlock()
		if p != nil {
			p.Complete(ResultFailed)
		}
		return
	}
	f.completed = true
	f.err = context.Canceled
	close(f.done)
	f.mu.Unlock()
}

func (f *PermitFuture) complete(p Permit) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return false
	}
	f.completed = true
	f.permit = p
	close(f.done)
	return true
}

func (f *PermitFuture) fail(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return false
	}
	f.completed = true
	f.err = err
	close(f.done)
	return true
}

// pendingFutures is a min-heap of queued acquisitions ordered by offset.
type pendingFutures []*PermitFuture

func (q pendingFutures) Len() int { return len(q) }

func (q pendingFutures) Less(i, j int) bool {
	if q[i].offset != q[j].offset {
		return q[i].offset < q[j].offset
	}
	return q[i].partition < q[j].partition
}

func (q pendingFutures) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pendingFutures) Push(x interface{}) {
	f := x.(*PermitFuture)
	f.index = len(*q)
	*q = append(*q, f)
}

func (q *pendingFutures) Pop() interface{} {
	old := *q
	n := len(old)
	f := old[n-1]
	old[n-1] = nil // avoid memory leak
	f.index = -1
	*q = old[0 : n-1]
	return f
}
