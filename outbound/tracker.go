/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package outbound

import (
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-outboundlimit/rollingwindow"
)

// InflightTracker maintains the process-wide count of outstanding dispatches
// and its one-minute rolling extrema.
type InflightTracker struct {
	inflight     atomic.Int64
	oneMinuteMax *rollingwindow.Aggregator[int64]
	oneMinuteMin *rollingwindow.Aggregator[int64]
}

// NewInflightTracker creates a new InflightTracker.
// nowFunc may be nil, in which case time.Now is used.
func NewInflightTracker(nowFunc func() time.Time) *InflightTracker {
	opts := rollingwindow.Opts{NowFunc: nowFunc}
	return &InflightTracker{
		oneMinuteMax: rollingwindow.MustNewAggregator(maxInt64, opts),
		oneMinuteMin: rollingwindow.MustNewAggregator(minInt64, opts),
	}
}

// Increase records one more outstanding dispatch. The counter value before
// the increment is sampled into the minimum aggregate and the value after it
// into the maximum one, so the window captures the trough right before a
// burst and the peak right after it.
func (t *InflightTracker) Increase() {
	t.oneMinuteMin.Put(t.inflight.Load())
	t.oneMinuteMax.Put(t.inflight.Inc())
}

// Decrease records the completion of an outstanding dispatch.
// No extremum is sampled on shrink.
func (t *InflightTracker) Decrease() {
	t.inflight.Dec()
}

// Inflight returns the current count of outstanding dispatches.
func (t *InflightTracker) Inflight() int64 {
	return t.inflight.Load()
}

// OneMinuteMax returns the maximum inflight count observed in the trailing minute.
func (t *InflightTracker) OneMinuteMax() int64 {
	return t.oneMinuteMax.Get(0)
}

// OneMinuteMin returns the minimum inflight count observed in the trailing minute.
func (t *InflightTracker) OneMinuteMin() int64 {
	return t.oneMinuteMin.Get(0)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
