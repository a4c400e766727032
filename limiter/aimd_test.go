/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAIMDInflightLimiter(t *testing.T) {
	t.Run("negative initial limit", func(t *testing.T) {
		_, err := NewAIMDInflightLimiter(AIMDOpts{InitialLimit: -1})
		require.EqualError(t, err, "initial limit should be positive, got -1")
	})

	t.Run("negative min limit", func(t *testing.T) {
		_, err := NewAIMDInflightLimiter(AIMDOpts{MinLimit: -2})
		require.EqualError(t, err, "min limit should be positive, got -2")
	})

	t.Run("defaults", func(t *testing.T) {
		l, err := NewAIMDInflightLimiter(AIMDOpts{})
		require.NoError(t, err)
		require.Equal(t, int64(DefaultAIMDInitialLimit), l.Metrics().Limit)
	})
}

func TestAIMDInflightLimiter_Feedback(t *testing.T) {
	t.Run("dropped result halves the limit", func(t *testing.T) {
		l := MustNewAIMDInflightLimiter(AIMDOpts{InitialLimit: 100})
		defer func() { require.NoError(t, l.Close()) }()

		p, err := l.Acquire(context.Background(), false)
		require.NoError(t, err)
		require.True(t, p.Complete(ResultDropped))
		require.Equal(t, int64(50), l.Metrics().Limit)

		p, err = l.Acquire(context.Background(), false)
		require.NoError(t, err)
		require.True(t, p.Complete(ResultDropped))
		require.Equal(t, int64(25), l.Metrics().Limit)
	})

	t.Run("limit never drops below the floor", func(t *testing.T) {
		l := MustNewAIMDInflightLimiter(AIMDOpts{InitialLimit: 4, MinLimit: 3})
		defer func() { require.NoError(t, l.Close()) }()

		for i := 0; i < 10; i++ {
			p, err := l.Acquire(context.Background(), false)
			require.NoError(t, err)
			require.True(t, p.Complete(ResultDropped))
		}
		require.Equal(t, int64(3), l.Metrics().Limit)
	})

	t.Run("successes raise the limit additively", func(t *testing.T) {
		l := MustNewAIMDInflightLimiter(AIMDOpts{InitialLimit: 2})
		defer func() { require.NoError(t, l.Close()) }()

		// A windowful (limit's worth) of succeeded completions raises the limit by one.
		for i := 0; i < 2; i++ {
			p, err := l.Acquire(context.Background(), false)
			require.NoError(t, err)
			require.True(t, p.Complete(ResultSucceed))
		}
		require.Equal(t, int64(3), l.Metrics().Limit)
	})

	t.Run("failed result leaves the limit unchanged", func(t *testing.T) {
		l := MustNewAIMDInflightLimiter(AIMDOpts{InitialLimit: 10})
		defer func() { require.NoError(t, l.Close()) }()

		p, err := l.Acquire(context.Background(), false)
		require.NoError(t, err)
		require.True(t, p.Complete(ResultFailed))
		require.Equal(t, int64(10), l.Metrics().Limit)
	})

	t.Run("shadow completions feed the algorithm without consuming capacity", func(t *testing.T) {
		l := MustNewAIMDInflightLimiter(AIMDOpts{InitialLimit: 100})
		defer func() { require.NoError(t, l.Close()) }()

		p, err := l.Acquire(context.Background(), true)
		require.NoError(t, err)
		require.Equal(t, int64(0), l.Metrics().Inflight)
		require.True(t, p.Complete(ResultDropped))
		require.Equal(t, int64(50), l.Metrics().Limit)
	})
}

func TestAIMDInflightLimiter_Acquire(t *testing.T) {
	t.Run("blocks at the limit and resumes on release", func(t *testing.T) {
		l := MustNewAIMDInflightLimiter(AIMDOpts{InitialLimit: 1})
		defer func() { require.NoError(t, l.Close()) }()

		p1, err := l.Acquire(context.Background(), false)
		require.NoError(t, err)

		granted := make(chan Permit)
		go func() {
			p, acquireErr := l.Acquire(context.Background(), false)
			require.NoError(t, acquireErr)
			granted <- p
		}()

		select {
		case <-granted:
			require.FailNow(t, "the second acquisition should block at the limit")
		case <-time.After(time.Millisecond * 100):
		}

		require.True(t, p1.Complete(ResultSucceed))
		select {
		case p := <-granted:
			require.True(t, p.Complete(ResultSucceed))
		case <-time.After(time.Second * 3):
			require.FailNow(t, "the blocked acquisition should be granted after a release")
		}
	})

	t.Run("context cancellation while blocked", func(t *testing.T) {
		l := MustNewAIMDInflightLimiter(AIMDOpts{InitialLimit: 1})
		defer func() { require.NoError(t, l.Close()) }()

		p1, err := l.Acquire(context.Background(), false)
		require.NoError(t, err)
		defer p1.Complete(ResultSucceed)

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
		defer cancel()
		_, err = l.Acquire(ctx, false)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("dry run never blocks at the limit", func(t *testing.T) {
		l := MustNewAIMDInflightLimiter(AIMDOpts{InitialLimit: 1})
		defer func() { require.NoError(t, l.Close()) }()

		p1, err := l.Acquire(context.Background(), false)
		require.NoError(t, err)
		defer p1.Complete(ResultSucceed)

		for i := 0; i < 10; i++ {
			p, acquireErr := l.Acquire(context.Background(), true)
			require.NoError(t, acquireErr)
			require.True(t, p.Complete(ResultSucceed))
		}
	})

	t.Run("disabled limiter grants noop permits", func(t *testing.T) {
		l := MustNewAIMDInflightLimiter(AIMDOpts{InitialLimit: 1})
		defer func() { require.NoError(t, l.Close()) }()

		l.SetMaxInflight(0)
		p, err := l.Acquire(context.Background(), false)
		require.NoError(t, err)
		require.Equal(t, NoopPermit, p)
	})

	t.Run("close fails blocked acquisitions", func(t *testing.T) {
		l := MustNewAIMDInflightLimiter(AIMDOpts{InitialLimit: 1})

		p1, err := l.Acquire(context.Background(), false)
		require.NoError(t, err)
		defer p1.Complete(ResultSucceed)

		acquireRes := make(chan error)
		go func() {
			_, acquireErr := l.Acquire(context.Background(), false)
			acquireRes <- acquireErr
		}()
		time.Sleep(time.Millisecond * 50)
		require.NoError(t, l.Close())
		require.ErrorIs(t, <-acquireRes, ErrClosed)
	})
}

func TestAIMDInflightLimiter_SetMaxInflight(t *testing.T) {
	l := MustNewAIMDInflightLimiter(AIMDOpts{InitialLimit: 100})
	defer func() { require.NoError(t, l.Close()) }()

	l.SetMaxInflight(10)
	require.Equal(t, int64(10), l.Metrics().Limit, "the limit should be clamped to the new ceiling")

	l.SetMaxInflight(4000)
	require.Equal(t, int64(10), l.Metrics().Limit, "raising the ceiling alone does not raise the limit")
	require.Equal(t, float64(4000), l.Metrics().ExtraMetrics["max_inflight"])
}
