/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package outbound

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInflightTracker_Counter(t *testing.T) {
	tr := NewInflightTracker(nil)

	for i := 0; i < 5; i++ {
		tr.Increase()
	}
	require.Equal(t, int64(5), tr.Inflight())

	for i := 0; i < 5; i++ {
		tr.Decrease()
	}
	require.Equal(t, int64(0), tr.Inflight())
}

func TestInflightTracker_Extrema(t *testing.T) {
	tr := NewInflightTracker(nil)

	tr.Increase()
	tr.Increase()
	tr.Increase()
	tr.Decrease()

	require.Equal(t, int64(3), tr.OneMinuteMax())
	require.Equal(t, int64(0), tr.OneMinuteMin(), "the trough right before the burst should be recorded")
	require.GreaterOrEqual(t, tr.OneMinuteMax(), tr.OneMinuteMin())

	tr.Decrease()
	tr.Decrease()
	require.Equal(t, int64(3), tr.OneMinuteMax(), "decrements are not sampled into the window")
}

func TestInflightTracker_MinUnderSustainedLoad(t *testing.T) {
	clock := newFakeClock()
	tr := NewInflightTracker(clock.Now)

	tr.Increase()
	tr.Increase()
	tr.Increase()
	require.Equal(t, int64(0), tr.OneMinuteMin(), "the trough right before the burst is zero")

	// The pre-burst zero samples age out of the window while the load holds.
	clock.Advance(time.Second * 61)
	tr.Increase()
	require.Equal(t, int64(3), tr.OneMinuteMin(), "under sustained load the trough is positive")
	require.Equal(t, int64(4), tr.OneMinuteMax())
}

func TestInflightTracker_Concurrent(t *testing.T) {
	tr := NewInflightTracker(nil)

	const goroutines = 32
	const iterations = 500
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				tr.Increase()
				if tr.Inflight() < 0 {
					t.Error("inflight count must never be negative")
				}
				tr.Decrease()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(0), tr.Inflight())
	require.GreaterOrEqual(t, tr.OneMinuteMax(), tr.OneMinuteMin())
}
