/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package outbound implements the admission-control layer of a Kafka
// consumer-proxy worker. For every message the worker is about to forward
// downstream, the composite Limiter decides whether the dispatch may proceed
// now and tracks how many dispatches are currently outstanding per source
// partition.
//
// Admission combines three strategies: a static fixed cap, an adaptive
// feedback-driven cap, and a shadow adaptive instance that always runs in
// dry-run mode for algorithm tuning. The static cap is load-bearing in normal
// operation; a Dropped completion result (downstream backpressure) switches
// admission to the adaptive cap for the next thirty minutes, and repeated
// drops keep extending the window.
package outbound
