/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/acronis/go-outboundlimit/job"
	"github.com/acronis/go-outboundlimit/limiter"
)

const (
	// DefaultMaxOutboundCacheCount is the default per-partition budget used
	// in the adaptive ceiling formula when no static limit is configured.
	DefaultMaxOutboundCacheCount = 1000

	// defaultMaxInflight is the floor of the adaptive ceiling.
	defaultMaxInflight = 1000

	// backpressureAdaptivePeriod is how long the adaptive limiter stays
	// load-bearing after a dropped completion.
	backpressureAdaptivePeriod = time.Minute * 30
)

// ErrPartitionNotAssigned is returned when a permit is requested for a
// partition that was never initialized. It indicates a pipeline bug upstream.
var ErrPartitionNotAssigned = errors.New("topic partition is not assigned to the outbound limiter")

// Opts represents options for the Limiter.
type Opts struct {
	// AdaptiveBuilder constructs the adaptive limiter instances.
	// An AIMD builder with default parameters is used if not specified.
	AdaptiveBuilder limiter.AdaptiveBuilder

	// MaxOutboundCacheCount is the per-partition budget of the adaptive
	// ceiling formula. 1000 by default, must be positive.
	MaxOutboundCacheCount int

	// JobTemplate carries the consumer group/topic coordinates the limiter
	// serves. Used only to annotate logging.
	JobTemplate job.Job

	// NowFunc is a time source. time.Now is used if not specified.
	NowFunc func() time.Time

	// Logger is used for logging. Disabled if not specified.
	Logger log.FieldLogger

	// MetricsCollector is a collector the limiter publishes into.
	// A new unregistered collector is created if not specified.
	MetricsCollector *MetricsCollector
}

// limiterStage pairs one limiting strategy with its async adapter and the
// predicate deciding whether the strategy runs in dry-run mode for a call.
// Both acquisition paths evaluate the stages uniformly and in order.
type limiterStage struct {
	name   string
	lim    limiter.InflightLimiter
	async  *limiter.AsyncAdapter
	dryRun func(useFixedLimiter bool) bool
}

// Limiter is the composite outbound limiter: it combines a static fixed
// limiter, an adaptive limiter and a shadow adaptive limiter into a single
// admission decision per message, tracks inflight dispatches per partition,
// and switches to the adaptive strategy while downstream signals backpressure.
//
// Exactly one of the fixed and adaptive limiters is load-bearing at any time
// (see UseFixedLimiter); the other one and the shadow instance run in dry-run
// mode so their metrics stay comparable.
type Limiter struct {
	fixed    *limiter.FixedInflightLimiter
	adaptive limiter.AdaptiveInflightLimiter
	shadow   limiter.AdaptiveInflightLimiter
	stages   []limiterStage

	registry *Registry
	tracker  *InflightTracker

	// adaptiveModeDeadline is the unix-nano timestamp until which the
	// adaptive limiter stays load-bearing. Extended with max-write-wins
	// semantics so concurrent drops keep it monotonic.
	adaptiveModeDeadline atomic.Int64

	now                   func() time.Time
	maxOutboundCacheCount int
	metricsCollector      *MetricsCollector
	logger                log.FieldLogger
}

// New creates a new composite outbound Limiter.
func New(opts Opts) (*Limiter, error) {
	if opts.MaxOutboundCacheCount == 0 {
		opts.MaxOutboundCacheCount = DefaultMaxOutboundCacheCount
	}
	if opts.MaxOutboundCacheCount < 0 {
		return nil, fmt.Errorf("max outbound cache count should be positive, got %d", opts.MaxOutboundCacheCount)
	}
	if opts.NowFunc == nil {
		opts.NowFunc = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.AdaptiveBuilder == nil {
		opts.AdaptiveBuilder = limiter.NewAIMDBuilder(limiter.AIMDOpts{}, opts.Logger)
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = NewMetricsCollector("")
	}

	logger := opts.Logger
	if opts.JobTemplate.ConsumerGroup != "" || opts.JobTemplate.Topic != "" {
		logger = logger.With(
			log.String("kafka_group", opts.JobTemplate.ConsumerGroup),
			log.String("kafka_topic", opts.JobTemplate.Topic),
		)
	}

	l := &Limiter{
		fixed:                 limiter.NewFixedInflightLimiter(0),
		adaptive:              opts.AdaptiveBuilder(false),
		shadow:                opts.AdaptiveBuilder(true),
		registry:              NewRegistry(),
		tracker:               NewInflightTracker(opts.NowFunc),
		now:                   opts.NowFunc,
		maxOutboundCacheCount: opts.MaxOutboundCacheCount,
		metricsCollector:      opts.MetricsCollector,
		logger:                logger,
	}
	l.adaptiveModeDeadline.Store(opts.NowFunc().UnixNano())

	// The static limiter gates only while the fixed mode holds, the adaptive
	// one gates in the mirror case, and the shadow instance always measures.
	l.stages = []limiterStage{
		{
			name:   "static",
			lim:    l.fixed,
			async:  limiter.NewAsyncAdapter(l.fixed),
			dryRun: func(useFixedLimiter bool) bool { return !useFixedLimiter },
		},
		{
			name:   "adaptive",
			lim:    l.adaptive,
			async:  limiter.NewAsyncAdapter(l.adaptive),
			dryRun: func(useFixedLimiter bool) bool { return useFixedLimiter },
		},
		{
			name:   "shadow_adaptive",
			lim:    l.shadow,
			async:  limiter.NewAsyncAdapter(l.shadow),
			dryRun: func(bool) bool { return true },
		},
	}
	return l, nil
}

// MustNew is a version of New that panics on error.
func MustNew(opts Opts) *Limiter {
	l, err := New(opts)
	if err != nil {
		panic(err)
	}
	return l
}

// Init registers a topic-partition consumer job. Initialization and permit
// acquisition may happen concurrently; a repeated Init keeps the existing
// per-partition accounting.
func (l *Limiter) Init(j job.Job) {
	l.registry.Init(j)
}

// Cancel unregisters a topic-partition consumer job. Permits already granted
// against the partition still complete and still update the accounting.
func (l *Limiter) Cancel(j job.Job) {
	l.registry.Cancel(j)
}

// CancelAll unregisters every topic-partition consumer job.
func (l *Limiter) CancelAll() {
	l.registry.CancelAll()
}

// Contains reports whether the job's partition is registered.
func (l *Limiter) Contains(j job.Job) bool {
	return l.registry.Contains(j)
}

// Jobs returns the distinct jobs currently registered.
func (l *Limiter) Jobs() []job.Job {
	return l.registry.Jobs()
}

// UseFixedLimiter reports whether the static fixed limiter is load-bearing:
// it is when a positive static limit is configured and the backpressure
// deadline has passed.
func (l *Limiter) UseFixedLimiter() bool {
	return l.fixed.Metrics().Limit > 0 && l.now().UnixNano() >= l.adaptiveModeDeadline.Load()
}

// AcquirePermit acquires an admission permit for the message, blocking on the
// load-bearing limiter. A cancellation of ctx while blocked does not fail the
// message: the limiter records a fault metric and degrades to a no-op permit,
// so the dispatch proceeds without a guaranteed slot.
//
// The returned permit must be completed exactly once with the outcome of the
// downstream call.
func (l *Limiter) AcquirePermit(ctx context.Context, msg job.Message) (limiter.Permit, error) {
	entry := l.registry.get(msg.Key())
	if entry == nil {
		l.logger.Error("message arrived for a partition that is not assigned to the outbound limiter",
			log.String("kafka_topic", msg.Topic), log.Int("kafka_partition", msg.Partition))
		return nil, fmt.Errorf("%w: %s", ErrPartitionNotAssigned, msg.Key())
	}

	useFixedLimiter := l.UseFixedLimiter()
	permits := make([]limiter.Permit, 0, len(l.stages))
	for _, stage := range l.stages {
		p, err := stage.lim.Acquire(ctx, stage.dryRun(useFixedLimiter))
		if err != nil {
			for _, held := range permits {
				held.Complete(limiter.ResultFailed)
			}
			l.logger.Error("interrupted while acquiring an outbound permit",
				log.String("stage", stage.name),
				log.String("kafka_topic", msg.Topic),
				log.Int("kafka_partition", msg.Partition),
				log.Error(err))
			l.metricsCollector.AcquireInterrupts.With(entry.labels).Inc()
			return limiter.NoopPermit, nil
		}
		permits = append(permits, p)
	}
	return l.newCompositePermit(permits, entry), nil
}

// AcquirePermitAsync acquires an admission permit without blocking the
// calling goroutine. The three stages are acquired sequentially in the same
// order as the synchronous path. Unlike the synchronous path there is no
// degrade-to-noop recovery: a failure or cancellation of any stage resolves
// the future with the error.
func (l *Limiter) AcquirePermitAsync(msg job.Message) (*PermitFuture, error) {
	entry := l.registry.get(msg.Key())
	if entry == nil {
		l.logger.Error("message arrived for a partition that is not assigned to the outbound limiter",
			log.String("kafka_topic", msg.Topic), log.Int("kafka_partition", msg.Partition))
		return nil, fmt.Errorf("%w: %s", ErrPartitionNotAssigned, msg.Key())
	}

	f := newPermitFuture()
	go l.runAcquireChain(f, msg, entry, l.UseFixedLimiter())
	return f, nil
}

func (l *Limiter) runAcquireChain(f *PermitFuture, msg job.Message, entry *registryEntry, useFixedLimiter bool) {
	permits := make([]limiter.Permit, 0, len(l.stages))
	failHeld := func() {
		for _, held := range permits {
			held.Complete(limiter.ResultFailed)
		}
	}
	for _, stage := range l.stages {
		sf := stage.async.AcquireAsync(msg.Partition, msg.Offset, stage.dryRun(useFixedLimiter))
		if !f.setCurrent(sf) {
			// The composite future was cancelled before this stage started.
			sf.Cancel()
			failHeld()
			return
		}
		<-sf.Done()
		p, err := sf.Permit()
		if err != nil {
			failHeld()
			f.fail(fmt.Errorf("acquire %s outbound permit: %w", stage.name, err))
			return
		}
		permits = append(permits, p)
	}
	cp := l.newCompositePermit(permits, entry)
	if !f.complete(cp) {
		// Cancelled after the last stage was granted, roll the permit back.
		cp.Complete(limiter.ResultFailed)
	}
}

// UpdateLimit reconfigures the static inflight limit. A positive limit pins
// the static cap and forces the adaptive and shadow ceilings to the same
// value, so the dry-run measurements stay comparable to the live cap.
// A non-positive limit disables the static limiter and sizes the adaptive
// ceiling by the number of registered partitions.
func (l *Limiter) UpdateLimit(limit int) {
	l.fixed.SetMaxInflight(limit)
	maxLimit := limit
	if limit <= 0 {
		maxLimit = defaultMaxInflight
		if n := l.maxOutboundCacheCount * l.registry.Len(); n > maxLimit {
			maxLimit = n
		}
	}
	l.adaptive.SetMaxInflight(maxLimit)
	l.shadow.SetMaxInflight(maxLimit)
	l.logger.Info("updated outbound inflight limit",
		log.Int("limit", limit), log.Int("adaptive_max_limit", maxLimit))
}

// PublishMetrics publishes the gauge set for every registered partition.
// It is intended to be invoked periodically, see NewMetricsPublisher.
func (l *Limiter) PublishMetrics() {
	entries := l.registry.snapshot()
	nPartitions := float64(len(entries))
	if nPartitions == 0 {
		return
	}

	staticMetrics := l.fixed.Metrics()
	staticQueue := float64(l.stages[0].async.Metrics().AsyncQueueSize)
	adaptiveMetrics := l.adaptive.Metrics()
	shadowMetrics := l.shadow.Metrics()
	adaptiveEnabled := 1.0
	if l.UseFixedLimiter() {
		adaptiveEnabled = 0.0
	}
	oneMinuteMax := float64(l.tracker.OneMinuteMax())
	oneMinuteMin := float64(l.tracker.OneMinuteMin())

	mc := l.metricsCollector
	for _, entry := range entries {
		labels := entry.labels
		mc.OutboundSize.With(labels).Set(float64(entry.inflight.Load()))
		mc.OutboundSizeOneMinuteMax.With(labels).Set(oneMinuteMax / nPartitions)
		mc.OutboundSizeOneMinuteMin.With(labels).Set(oneMinuteMin / nPartitions)
		mc.OutboundLimit.With(labels).Set(float64(staticMetrics.Limit) / nPartitions)
		mc.OutboundQueue.With(labels).Set(staticQueue / nPartitions)
		mc.AdaptiveLimit.With(labels).Set(float64(adaptiveMetrics.Limit) / nPartitions)
		mc.ShadowAdaptiveLimit.With(labels).Set(float64(shadowMetrics.Limit) / nPartitions)
		mc.AdaptiveLimitEnabled.With(labels).Set(adaptiveEnabled)
		publishExtraMetrics(mc, labels, metricsValLimiterAdaptive, adaptiveMetrics.ExtraMetrics)
		publishExtraMetrics(mc, labels, metricsValLimiterShadowAdaptive, shadowMetrics.ExtraMetrics)
	}
}

// Close closes all limiting strategies and their async adapters.
// No acquisitions must be issued after Close.
func (l *Limiter) Close() error {
	var errs []error
	for _, stage := range l.stages {
		if err := stage.async.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s async adapter: %w", stage.name, err))
		}
		if err := stage.lim.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s limiter: %w", stage.name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	l.logger.Info("outbound limiter closed")
	return nil
}

// onBackpressure extends the adaptive-mode deadline. The extension is
// max-write-wins: a concurrent drop with a later deadline is never
// overwritten by an earlier one.
func (l *Limiter) onBackpressure() {
	deadline := l.now().Add(backpressureAdaptivePeriod).UnixNano()
	for {
		current := l.adaptiveModeDeadline.Load()
		if current >= deadline {
			return
		}
		if l.adaptiveModeDeadline.CompareAndSwap(current, deadline) {
			return
		}
	}
}

func publishExtraMetrics(mc *MetricsCollector, labels prometheus.Labels, limiterVal string, extra map[string]float64) {
	for name, value := range extra {
		extraLabels := prometheus.Labels{metricsLabelLimiter: limiterVal, metricsLabelMetric: name}
		for k, v := range labels {
			extraLabels[k] = v
		}
		mc.AdaptiveLimitExtra.With(extraLabels).Set(value)
	}
}

// compositePermit fans a completion out to the permits of all stages and
// keeps the shared and per-partition inflight counters in sync. Constructing
// it counts the dispatch as outstanding; completing it releases it.
type compositePermit struct {
	limiter   *Limiter
	permits   []limiter.Permit
	entry     *registryEntry
	completed atomic.Bool
}

func (l *Limiter) newCompositePermit(permits []limiter.Permit, entry *registryEntry) *compositePermit {
	l.tracker.Increase()
	entry.inflight.Inc()
	return &compositePermit{limiter: l, permits: permits, entry: entry}
}

func (p *compositePermit) Complete(result limiter.Result) bool {
	if !p.completed.CompareAndSwap(false, true) {
		return false
	}
	for _, inner := range p.permits {
		inner.Complete(result)
	}
	p.limiter.tracker.Decrease()
	p.entry.inflight.Dec()
	if result == limiter.ResultDropped {
		p.limiter.onBackpressure()
	}
	return true
}
