/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package rollingwindow provides a generic fixed-bucket rolling-window reducer.
// Samples are reduced (e.g. by max or min) into the bucket that corresponds to
// the time they were recorded, and reading the aggregate reduces across all
// buckets of the trailing window. Stale buckets are reset lazily on first
// touch, there is no background timer.
//
// The aggregate is monitoring-grade: readers may observe a bucket mid-update,
// which is acceptable for gauges but not for billing-grade accounting.
package rollingwindow

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/constraints"
)

// Default window geometry: ten six-second buckets covering one minute.
const (
	DefaultBucketsNum     = 10
	DefaultBucketDuration = time.Second * 6
)

// ReduceFunc is a binary reducer applied to samples within the window.
// It must be associative and commutative (e.g. max, min, sum).
type ReduceFunc[T any] func(a, b T) T

// Opts represents options for the Aggregator.
type Opts struct {
	// BucketsNum is the number of buckets in the window. 10 by default.
	BucketsNum int

	// BucketDuration is the time span covered by a single bucket. 6s by default.
	// The whole window covers BucketsNum * BucketDuration.
	BucketDuration time.Duration

	// NowFunc is a time source. time.Now is used if not specified.
	NowFunc func() time.Time
}

// Aggregator reduces recorded samples over a rolling window of fixed buckets.
// It is safe for concurrent use.
type Aggregator[T any] struct {
	reduce    ReduceFunc[T]
	bucketDur time.Duration
	buckets   []bucket[T]
	now       func() time.Time
}

type bucket[T any] struct {
	mu    sync.Mutex
	epoch int64
	val   T
}

const neverWrittenEpoch = int64(-1) << 62

// NewAggregator creates a new Aggregator with the provided reducer.
func NewAggregator[T any](reduce ReduceFunc[T], opts Opts) (*Aggregator[T], error) {
	if reduce == nil {
		return nil, fmt.Errorf("reduce func should be specified")
	}
	if opts.BucketsNum == 0 {
		opts.BucketsNum = DefaultBucketsNum
	}
	if opts.BucketsNum < 0 {
		return nil, fmt.Errorf("buckets number should be positive, got %d", opts.BucketsNum)
	}
	if opts.BucketDuration == 0 {
		opts.BucketDuration = DefaultBucketDuration
	}
	if opts.BucketDuration < 0 {
		return nil, fmt.Errorf("bucket duration should be positive, got %s", opts.BucketDuration)
	}
	if opts.NowFunc == nil {
		opts.NowFunc = time.Now
	}
	a := &Aggregator[T]{
		reduce:    reduce,
		bucketDur: opts.BucketDuration,
		buckets:   make([]bucket[T], opts.BucketsNum),
		now:       opts.NowFunc,
	}
	for i := range a.buckets {
		a.buckets[i].epoch = neverWrittenEpoch
	}
	return a, nil
}

// MustNewAggregator is a version of NewAggregator that panics on error.
func MustNewAggregator[T any](reduce ReduceFunc[T], opts Opts) *Aggregator[T] {
	a, err := NewAggregator(reduce, opts)
	if err != nil {
		panic(err)
	}
	return a
}

// NewMax creates an Aggregator that keeps the maximum of the samples recorded
// within the trailing window.
func NewMax[T constraints.Ordered](opts Opts) (*Aggregator[T], error) {
	return NewAggregator(func(a, b T) T {
		if a > b {
			return a
		}
		return b
	}, opts)
}

// NewMin creates an Aggregator that keeps the minimum of the samples recorded
// within the trailing window.
func NewMin[T constraints.Ordered](opts Opts) (*Aggregator[T], error) {
	return NewAggregator(func(a, b T) T {
		if a < b {
			return a
		}
		return b
	}, opts)
}

// Put reduces the passed value into the current bucket.
// A bucket left over from a previous pass of the ring is reset before reuse.
func (a *Aggregator[T]) Put(v T) {
	e := a.epochNow()
	b := &a.buckets[a.bucketIndex(e)]
	b.mu.Lock()
	if b.epoch != e {
		b.epoch = e
		b.val = v
	} else {
		b.val = a.reduce(b.val, v)
	}
	b.mu.Unlock()
}

// Get reduces across all buckets that belong to the trailing window.
// Buckets that were not written within the window do not contribute;
// def is returned if no bucket contributes at all.
func (a *Aggregator[T]) Get(def T) T {
	cur := a.epochNow()
	oldest := cur - int64(len(a.buckets)) + 1
	var acc T
	contributed := false
	for i := range a.buckets {
		b := &a.buckets[i]
		b.mu.Lock()
		if b.epoch >= oldest && b.epoch <= cur {
			if contributed {
				acc = a.reduce(acc, b.val)
			} else {
				acc = b.val
				contributed = true
			}
		}
		b.mu.Unlock()
	}
	if !contributed {
		return def
	}
	return acc
}

func (a *Aggregator[T]) epochNow() int64 {
	return a.now().UnixNano() / int64(a.bucketDur)
}

func (a *Aggregator[T]) bucketIndex(epoch int64) int {
	n := int64(len(a.buckets))
	return int(((epoch % n) + n) % n)
}
