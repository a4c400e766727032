/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package outbound

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/acronis/go-outboundlimit/job"
)

// Registry maps assigned topic partitions to their jobs and inflight counters.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[job.PartitionKey]*registryEntry
}

// registryEntry keeps the per-partition accounting. Permits hold a direct
// reference to their entry, so completions after the partition is cancelled
// still update the counter, they are just no longer published.
type registryEntry struct {
	job      job.Job
	labels   prometheus.Labels
	inflight atomic.Int64
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[job.PartitionKey]*registryEntry)}
}

// Init registers the job's partition. It is idempotent: a concurrent or
// repeated Init for the same partition keeps the existing entry and its
// accumulated inflight count.
func (r *Registry) Init(j job.Job) {
	key := j.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return
	}
	r.entries[key] = &registryEntry{job: j, labels: metricsLabels(j)}
}

// Cancel removes the job's partition from the registry.
func (r *Registry) Cancel(j job.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, j.Key())
}

// CancelAll removes every registered partition.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[job.PartitionKey]*registryEntry)
}

// Contains reports whether the job's partition is registered.
func (r *Registry) Contains(j job.Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[j.Key()]
	return ok
}

// Jobs returns the distinct jobs currently registered.
func (r *Registry) Jobs() []job.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jobs := make([]job.Job, 0, len(r.entries))
	for _, e := range r.entries {
		jobs = append(jobs, e.job)
	}
	return jobs
}

// Len returns the number of registered partitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) get(key job.PartitionKey) *registryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[key]
}

func (r *Registry) snapshot() []*registryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	return entries
}

func metricsLabels(j job.Job) prometheus.Labels {
	return prometheus.Labels{
		metricsLabelDestination:    j.RPCAddress,
		metricsLabelKafkaCluster:   j.Cluster,
		metricsLabelKafkaGroup:     j.ConsumerGroup,
		metricsLabelKafkaTopic:     j.Topic,
		metricsLabelKafkaPartition: strconv.Itoa(j.Partition),
	}
}
