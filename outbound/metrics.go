/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package outbound

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics labels.
const (
	metricsLabelDestination    = "destination"
	metricsLabelKafkaCluster   = "kafka_cluster"
	metricsLabelKafkaGroup     = "kafka_group"
	metricsLabelKafkaTopic     = "kafka_topic"
	metricsLabelKafkaPartition = "kafka_partition"

	metricsLabelLimiter = "limiter"
	metricsLabelMetric  = "metric"
)

// Limiter label values for extra adaptive metrics.
const (
	metricsValLimiterAdaptive       = "adaptive"
	metricsValLimiterShadowAdaptive = "shadow_adaptive"
)

var partitionLabelNames = []string{
	metricsLabelDestination,
	metricsLabelKafkaCluster,
	metricsLabelKafkaGroup,
	metricsLabelKafkaTopic,
	metricsLabelKafkaPartition,
}

// MetricsCollector represents collector of metrics for the outbound limiter.
// Process-wide aggregates (window extrema, limits, queue depth) are published
// normalized by the number of registered partitions, which distributes them
// evenly across per-partition time series. This is an approximation for
// dashboards, not a true per-partition measurement.
type MetricsCollector struct {
	OutboundSize             *prometheus.GaugeVec
	OutboundSizeOneMinuteMax *prometheus.GaugeVec
	OutboundSizeOneMinuteMin *prometheus.GaugeVec
	OutboundLimit            *prometheus.GaugeVec
	OutboundQueue            *prometheus.GaugeVec
	AdaptiveLimit            *prometheus.GaugeVec
	ShadowAdaptiveLimit      *prometheus.GaugeVec
	AdaptiveLimitEnabled     *prometheus.GaugeVec
	AdaptiveLimitExtra       *prometheus.GaugeVec
	AcquireInterrupts        *prometheus.CounterVec
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	makeGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, partitionLabelNames)
	}

	return &MetricsCollector{
		OutboundSize: makeGauge("outbound_cache_size",
			"Number of currently outstanding dispatches for the partition."),
		OutboundSizeOneMinuteMax: makeGauge("outbound_cache_size_one_minute_max",
			"One-minute maximum of outstanding dispatches, normalized by partition count."),
		OutboundSizeOneMinuteMin: makeGauge("outbound_cache_size_one_minute_min",
			"One-minute minimum of outstanding dispatches, normalized by partition count."),
		OutboundLimit: makeGauge("outbound_cache_limit",
			"Static inflight limit, normalized by partition count."),
		OutboundQueue: makeGauge("outbound_cache_queue",
			"Async acquisition queue depth, normalized by partition count."),
		AdaptiveLimit: makeGauge("outbound_cache_adaptive_limit",
			"Adaptive inflight limit, normalized by partition count."),
		ShadowAdaptiveLimit: makeGauge("outbound_cache_shadow_adaptive_limit",
			"Shadow adaptive inflight limit, normalized by partition count."),
		AdaptiveLimitEnabled: makeGauge("outbound_cache_adaptive_limit_enabled",
			"1 when the adaptive limiter is load-bearing, 0 when the static one is."),
		AdaptiveLimitExtra: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_cache_adaptive_limit_extra",
			Help:      "Auxiliary metrics exposed by the adaptive limiting algorithm.",
		}, append(append([]string{}, partitionLabelNames...), metricsLabelLimiter, metricsLabelMetric)),
		AcquireInterrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_cache_acquire_interrupts_total",
			Help:      "Number of permit acquisitions interrupted by context cancellation.",
		}, partitionLabelNames),
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (mc *MetricsCollector) MustCurryWith(labels prometheus.Labels) *MetricsCollector {
	return &MetricsCollector{
		OutboundSize:             mc.OutboundSize.MustCurryWith(labels),
		OutboundSizeOneMinuteMax: mc.OutboundSizeOneMinuteMax.MustCurryWith(labels),
		OutboundSizeOneMinuteMin: mc.OutboundSizeOneMinuteMin.MustCurryWith(labels),
		OutboundLimit:            mc.OutboundLimit.MustCurryWith(labels),
		OutboundQueue:            mc.OutboundQueue.MustCurryWith(labels),
		AdaptiveLimit:            mc.AdaptiveLimit.MustCurryWith(labels),
		ShadowAdaptiveLimit:      mc.ShadowAdaptiveLimit.MustCurryWith(labels),
		AdaptiveLimitEnabled:     mc.AdaptiveLimitEnabled.MustCurryWith(labels),
		AdaptiveLimitExtra:       mc.AdaptiveLimitExtra.MustCurryWith(labels),
		AcquireInterrupts:        mc.AcquireInterrupts.MustCurryWith(labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(mc.allCollectors()...)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	for _, c := range mc.allCollectors() {
		prometheus.Unregister(c)
	}
}

// AllMetrics returns all metrics of the collector. May be used to register
// them in a custom prometheus.Registerer.
func (mc *MetricsCollector) AllMetrics() []prometheus.Collector {
	return mc.allCollectors()
}

func (mc *MetricsCollector) allCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		mc.OutboundSize,
		mc.OutboundSizeOneMinuteMax,
		mc.OutboundSizeOneMinuteMin,
		mc.OutboundLimit,
		mc.OutboundQueue,
		mc.AdaptiveLimit,
		mc.ShadowAdaptiveLimit,
		mc.AdaptiveLimitEnabled,
		mc.AdaptiveLimitExtra,
		mc.AcquireInterrupts,
	}
}
