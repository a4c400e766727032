/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package rollingwindow

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewAggregator(t *testing.T) {
	t.Run("nil reducer", func(t *testing.T) {
		_, err := NewAggregator[int64](nil, Opts{})
		require.EqualError(t, err, "reduce func should be specified")
	})

	t.Run("negative buckets number", func(t *testing.T) {
		_, err := NewMax[int64](Opts{BucketsNum: -1})
		require.EqualError(t, err, "buckets number should be positive, got -1")
	})

	t.Run("negative bucket duration", func(t *testing.T) {
		_, err := NewMax[int64](Opts{BucketDuration: -time.Second})
		require.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		a, err := NewMax[int64](Opts{})
		require.NoError(t, err)
		require.Len(t, a.buckets, DefaultBucketsNum)
		require.Equal(t, DefaultBucketDuration, a.bucketDur)
	})
}

func TestAggregator_Get(t *testing.T) {
	clock := newFakeClock()
	opts := Opts{BucketsNum: 10, BucketDuration: time.Second * 6, NowFunc: clock.Now}

	t.Run("empty window returns default", func(t *testing.T) {
		a, err := NewMax[int64](opts)
		require.NoError(t, err)
		require.Equal(t, int64(0), a.Get(0))
		require.Equal(t, int64(-1), a.Get(-1))
	})

	t.Run("max over single bucket", func(t *testing.T) {
		a, err := NewMax[int64](opts)
		require.NoError(t, err)
		a.Put(3)
		a.Put(7)
		a.Put(5)
		require.Equal(t, int64(7), a.Get(0))
	})

	t.Run("min over single bucket", func(t *testing.T) {
		a, err := NewMin[int64](opts)
		require.NoError(t, err)
		a.Put(3)
		a.Put(7)
		a.Put(5)
		require.Equal(t, int64(3), a.Get(100))
	})

	t.Run("default does not take part in the reduction", func(t *testing.T) {
		a, err := NewMin[int64](opts)
		require.NoError(t, err)
		a.Put(5)
		a.Put(7)
		require.Equal(t, int64(5), a.Get(0), "the default is a fallback for an empty window, not a sample")
	})

	t.Run("max across buckets", func(t *testing.T) {
		a, err := NewMax[int64](opts)
		require.NoError(t, err)
		a.Put(10)
		clock.Advance(time.Second * 6)
		a.Put(4)
		clock.Advance(time.Second * 6)
		a.Put(8)
		require.Equal(t, int64(10), a.Get(0))
	})

	t.Run("samples expire after the window", func(t *testing.T) {
		a, err := NewMax[int64](opts)
		require.NoError(t, err)
		a.Put(100)
		clock.Advance(time.Second * 30)
		a.Put(5)
		require.Equal(t, int64(100), a.Get(0), "sample recorded 30s ago is still within the window")
		clock.Advance(time.Second * 31)
		require.Equal(t, int64(5), a.Get(0), "sample recorded more than a minute ago is gone")
		clock.Advance(time.Minute)
		require.Equal(t, int64(0), a.Get(0), "the whole window is expired")
	})

	t.Run("stale bucket is reset on reuse", func(t *testing.T) {
		a, err := NewMax[int64](opts)
		require.NoError(t, err)
		a.Put(100)
		clock.Advance(time.Second * 60) // the ring wraps to the same bucket index
		a.Put(1)
		require.Equal(t, int64(1), a.Get(0))
	})
}

func TestAggregator_ConcurrentPut(t *testing.T) {
	clock := newFakeClock()
	a, err := NewMax[int64](Opts{BucketsNum: 10, BucketDuration: time.Second * 6, NowFunc: clock.Now})
	require.NoError(t, err)

	const goroutines = 16
	const putsPerGoroutine = 1000
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < putsPerGoroutine; i++ {
				a.Put(int64(g*putsPerGoroutine + i))
			}
		}(g)
	}
	wg.Wait()
	require.Equal(t, int64(goroutines*putsPerGoroutine-1), a.Get(0))
}
