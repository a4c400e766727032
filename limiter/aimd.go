/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/acronis/go-appkit/log"
)

// Default parameters of AIMDInflightLimiter.
const (
	DefaultAIMDInitialLimit = 100
	DefaultAIMDMinLimit     = 1
	DefaultAIMDMaxInflight  = 1000

	aimdDecreaseFactor = 0.5
)

// AIMDOpts represents options for AIMDInflightLimiter.
type AIMDOpts struct {
	// InitialLimit is the starting concurrency limit. 100 by default.
	InitialLimit int

	// MinLimit is the floor the limit never drops below. 1 by default.
	MinLimit int

	// Logger is used to log limit decreases. Disabled if not specified.
	Logger log.FieldLogger
}

// AIMDInflightLimiter is an adaptive limiter driven by additive-increase/
// multiplicative-decrease feedback: every windowful of succeeded completions
// raises the limit by one, a dropped completion halves it. The limit is
// clamped between the configured floor and the ceiling set by SetMaxInflight.
//
// It is the reference adaptive strategy for the composite outbound limiter;
// production deployments may plug in a different algorithm through the
// AdaptiveBuilder contract.
type AIMDInflightLimiter struct {
	logger log.FieldLogger

	mu          sync.Mutex
	limit       float64
	minLimit    float64
	maxInflight int
	inflight    int
	succeeded   float64
	waiters     []chan struct{}
	closed      bool
}

// NewAIMDInflightLimiter creates a new AIMDInflightLimiter.
func NewAIMDInflightLimiter(opts AIMDOpts) (*AIMDInflightLimiter, error) {
	if opts.InitialLimit == 0 {
		opts.InitialLimit = DefaultAIMDInitialLimit
	}
	if opts.InitialLimit < 0 {
		return nil, fmt.Errorf("initial limit should be positive, got %d", opts.InitialLimit)
	}
	if opts.MinLimit == 0 {
		opts.MinLimit = DefaultAIMDMinLimit
	}
	if opts.MinLimit < 0 {
		return nil, fmt.Errorf("min limit should be positive, got %d", opts.MinLimit)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	return &AIMDInflightLimiter{
		logger:      opts.Logger,
		limit:       math.Max(float64(opts.InitialLimit), float64(opts.MinLimit)),
		minLimit:    float64(opts.MinLimit),
		maxInflight: DefaultAIMDMaxInflight,
	}, nil
}

// MustNewAIMDInflightLimiter is a version of NewAIMDInflightLimiter that panics on error.
func MustNewAIMDInflightLimiter(opts AIMDOpts) *AIMDInflightLimiter {
	l, err := NewAIMDInflightLimiter(opts)
	if err != nil {
		panic(err)
	}
	return l
}

// NewAIMDBuilder returns an AdaptiveBuilder producing AIMD limiters.
// The shadow instance gets its logging disabled.
func NewAIMDBuilder(opts AIMDOpts, logger log.FieldLogger) AdaptiveBuilder {
	return func(shadow bool) AdaptiveInflightLimiter {
		o := opts
		o.Logger = logger
		if shadow || logger == nil {
			o.Logger = log.NewDisabledLogger()
		}
		return MustNewAIMDInflightLimiter(o)
	}
}

// Acquire blocks until the number of outstanding permits is below the current
// adaptive limit or ctx is done.
func (l *AIMDInflightLimiter) Acquire(ctx context.Context, dryRun bool) (Permit, error) {
	l.mu.Lock()
	for {
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		if dryRun {
			l.mu.Unlock()
			return &aimdPermit{limiter: l, dry: true}, nil
		}
		if l.maxInflight <= 0 {
			l.mu.Unlock()
			return NoopPermit, nil
		}
		if l.inflight < l.effectiveLimit() {
			l.inflight++
			l.mu.Unlock()
			return &aimdPermit{limiter: l}, nil
		}

		w := make(chan struct{})
		l.waiters = append(l.waiters, w)
		l.mu.Unlock()
		select {
		case <-w:
			l.mu.Lock()
		case <-ctx.Done():
			l.mu.Lock()
			if !l.removeWaiterLocked(w) {
				// The wake raced with the cancellation, pass it on.
				l.wakeWaitersLocked()
			}
			l.mu.Unlock()
			return nil, fmt.Errorf("acquire adaptive inflight slot: %w", ctx.Err())
		}
	}
}

// TryAcquire acquires a permit without blocking.
func (l *AIMDInflightLimiter) TryAcquire(dryRun bool) (Permit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false
	}
	if dryRun {
		return &aimdPermit{limiter: l, dry: true}, true
	}
	if l.maxInflight <= 0 {
		return NoopPermit, true
	}
	if l.inflight >= l.effectiveLimit() {
		return nil, false
	}
	l.inflight++
	return &aimdPermit{limiter: l}, true
}

// SetMaxInflight reconfigures the ceiling the adaptive limit may grow to.
// A non-positive value disables the limiter.
func (l *AIMDInflightLimiter) SetMaxInflight(n int) {
	l.mu.Lock()
	l.maxInflight = n
	if n > 0 && l.limit > float64(n) {
		l.limit = float64(n)
	}
	l.wakeWaitersLocked()
	l.mu.Unlock()
}

// Metrics returns a snapshot of the limiter state.
func (l *AIMDInflightLimiter) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Metrics{
		Limit:    int64(l.effectiveLimit()),
		Inflight: int64(l.inflight),
		ExtraMetrics: map[string]float64{
			"min_limit":    l.minLimit,
			"max_inflight": float64(l.maxInflight),
		},
	}
}

// Close marks the limiter as closed and fails all blocked acquisitions.
func (l *AIMDInflightLimiter) Close() error {
	l.mu.Lock()
	l.closed = true
	for _, w := range l.waiters {
		close(w)
	}
	l.waiters = nil
	l.mu.Unlock()
	return nil
}

func (l *AIMDInflightLimiter) effectiveLimit() int {
	lim := l.limit
	if lim > float64(l.maxInflight) {
		lim = float64(l.maxInflight)
	}
	if lim < 1 {
		lim = 1
	}
	return int(lim)
}

func (l *AIMDInflightLimiter) complete(dry bool, result Result) {
	l.mu.Lock()
	if !dry {
		l.inflight--
	}
	switch result {
	case ResultSucceed:
		l.succeeded++
		if l.succeeded >= l.limit {
			l.succeeded = 0
			if l.limit < float64(l.maxInflight) {
				l.limit++
			}
		}
	case ResultDropped:
		oldLimit := l.limit
		l.limit = math.Max(l.limit*aimdDecreaseFactor, l.minLimit)
		l.succeeded = 0
		if l.limit != oldLimit {
			l.logger.Info("decreased adaptive inflight limit on dropped result",
				log.Int("old_limit", int(oldLimit)), log.Int("new_limit", int(l.limit)))
		}
	case ResultFailed:
		// Not a downstream signal, the limit stays put.
	}
	l.wakeWaitersLocked()
	l.mu.Unlock()
}

// wakeWaitersLocked grants wakes to as many waiters as the current limit
// allows. Awakened acquisitions re-check the limit under the lock, so an
// excess wake is re-queued, not over-admitted.
func (l *AIMDInflightLimiter) wakeWaitersLocked() {
	n := l.effectiveLimit() - l.inflight
	if l.closed || l.maxInflight <= 0 {
		n = len(l.waiters)
	}
	for i := 0; i < n && len(l.waiters) > 0; i++ {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(w)
	}
}

func (l *AIMDInflightLimiter) removeWaiterLocked(w chan struct{}) bool {
	for i, cand := range l.waiters {
		if cand == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return true
		}
	}
	return false
}

type aimdPermit struct {
	limiter   *AIMDInflightLimiter
	dry       bool
	completed bool
	mu        sync.Mutex
}

func (p *aimdPermit) Complete(result Result) bool {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return false
	}
	p.completed = true
	p.mu.Unlock()
	p.limiter.complete(p.dry, result)
	return true
}
