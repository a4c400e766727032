/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package limiter provides inflight-limiting strategies for outbound message
// dispatching: a fixed-ceiling limiter, an adaptive (feedback-driven) limiter,
// and an adapter exposing a non-blocking, future-based acquisition path.
//
// Every strategy grants permits. A permit represents one admitted (or, in
// dry-run mode, one measured) dispatch and must be completed exactly once
// with the outcome of the downstream call.
package limiter

import (
	"context"
	"errors"
)

// ErrClosed is returned by acquisitions on a closed limiter.
var ErrClosed = errors.New("inflight limiter is closed")

// Result is the outcome a caller reports when completing a permit.
type Result int

// Permit completion results.
const (
	// ResultSucceed means the downstream call was accepted.
	ResultSucceed Result = iota
	// ResultFailed means the call failed for a reason other than downstream
	// overload (e.g. it was cancelled before dispatching).
	ResultFailed
	// ResultDropped means the downstream service rejected the message,
	// signaling backpressure.
	ResultDropped
)

func (r Result) String() string {
	switch r {
	case ResultSucceed:
		return "succeed"
	case ResultFailed:
		return "failed"
	case ResultDropped:
		return "dropped"
	}
	return "unknown"
}

// Permit is a token representing a granted (or measured) admission slot.
// Complete must be called exactly once when the downstream call finishes;
// it reports false if the permit has already been completed.
type Permit interface {
	Complete(result Result) bool
}

// NoopPermit is a permit that is not backed by any limiter slot.
// Completing it has no effect.
var NoopPermit Permit = noopPermit{}

type noopPermit struct{}

func (noopPermit) Complete(Result) bool { return true }

// Metrics is a snapshot of a limiter's state for metrics publication.
type Metrics struct {
	// Limit is the current concurrency ceiling.
	Limit int64

	// Inflight is the number of currently outstanding permits.
	Inflight int64

	// AsyncQueueSize is the number of acquisitions queued in the async
	// adapter. Zero for limiters not wrapped by an AsyncAdapter.
	AsyncQueueSize int64

	// ExtraMetrics contains auxiliary named metrics exposed by the
	// limiting algorithm (may be nil).
	ExtraMetrics map[string]float64
}

// InflightLimiter bounds the number of concurrently outstanding permits.
// Implementations must be safe for concurrent use.
//
// Acquisitions with dryRun=true never block and never reject: they are used
// purely to measure what the limiter would have done, and their completions
// still feed the limiter's feedback loop.
//
// A limiter whose ceiling is configured to a non-positive value is disabled:
// it grants no-op permits immediately instead of blocking.
type InflightLimiter interface {
	// Acquire blocks until a permit is available or ctx is done.
	Acquire(ctx context.Context, dryRun bool) (Permit, error)

	// TryAcquire acquires a permit without blocking,
	// reporting false if none is available right now.
	TryAcquire(dryRun bool) (Permit, bool)

	// SetMaxInflight reconfigures the concurrency ceiling. The effect is
	// eventually consistent: in-flight permits keep the accounting they
	// were granted with.
	SetMaxInflight(n int)

	// Metrics returns a snapshot of the limiter state.
	Metrics() Metrics

	// Close releases resources. Acquiring after Close fails with ErrClosed.
	Close() error
}

// AdaptiveInflightLimiter is an InflightLimiter that adjusts its effective
// ceiling using completion feedback. The concrete algorithm is pluggable;
// see AIMDInflightLimiter for the reference implementation.
type AdaptiveInflightLimiter interface {
	InflightLimiter
}

// AdaptiveBuilder constructs an adaptive limiter instance. It is called twice
// by the composite outbound limiter: once for the load-bearing instance and
// once for the shadow one that always runs in dry-run mode.
type AdaptiveBuilder func(shadow bool) AdaptiveInflightLimiter
