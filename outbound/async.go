/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package outbound

import (
	"context"
	"sync"

	"github.com/acronis/go-outboundlimit/limiter"
)

// PermitFuture is the result of an asynchronous composite acquisition.
// It resolves once all limiting stages have granted their permits, or fails
// with the first stage error, or with context.Canceled after Cancel.
type PermitFuture struct {
	mu        sync.Mutex
	done      chan struct{}
	permit    limiter.Permit
	err       error
	completed bool
	cancelled bool
	current   *limiter.PermitFuture
}

func newPermitFuture() *PermitFuture {
	return &PermitFuture{done: make(chan struct{})}
}

// Done returns a channel that is closed when the future is resolved.
func (f *PermitFuture) Done() <-chan struct{} {
	return f.done
}

// Permit returns the granted composite permit or the resolution error.
// It must be called only after Done is closed.
func (f *PermitFuture) Permit() (limiter.Permit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permit, f.err
}

// Cancel cancels the acquisition. Capacity reserved by already granted
// stages is released, so cancellation never leaks limiter slots.
func (f *PermitFuture) Cancel() {
	f.mu.Lock()
	f.cancelled = true
	current := f.current
	var permit limiter.Permit
	if !f.completed {
		f.completed = true
		f.err = context.Canceled
		close(f.done)
	} else {
		permit = f.permit
	}
	f.mu.Unlock()

	if current != nil {
		current.Cancel()
	}
	if permit != nil {
		permit.Complete(limiter.ResultFailed)
	}
}

// setCurrent publishes the stage future the chain is blocked on, so Cancel
// can propagate into it. It reports false if the future is already cancelled.
func (f *PermitFuture) setCurrent(sf *limiter.PermitFuture) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return false
	}
	f.current = sf
	return true
}

func (f *PermitFuture) complete(p limiter.Permit) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return false
	}
	f.completed = true
	f.permit = p
	f.current = nil
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
	f.current = nil
	close(f.done)
	return true
}
