/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package job contains descriptors of Kafka consumer jobs and messages
// that the outbound admission-control layer operates on.
// The types are deliberately opaque value objects: the limiter only needs
// routing coordinates (topic, partition, group, cluster, destination),
// not message payloads or offsets management.
package job

import (
	"fmt"
)

// PartitionKey uniquely identifies a topic partition.
// It is comparable and may be used as a map key.
type PartitionKey struct {
	Topic     string
	Partition int
}

// String returns the key in the conventional "topic-partition" form.
func (k PartitionKey) String() string {
	return fmt.Sprintf("%s-%d", k.Topic, k.Partition)
}

// Job describes one topic-partition consumer job assigned to the worker.
type Job struct {
	// Topic is the Kafka topic the job consumes from.
	Topic string

	// Partition is the Kafka partition the job consumes from.
	Partition int

	// ConsumerGroup is the Kafka consumer group of the job.
	ConsumerGroup string

	// Cluster is the Kafka cluster the topic lives in.
	Cluster string

	// RPCAddress is the address of the downstream service messages are dispatched to.
	RPCAddress string
}

// Key returns the partition key of the job.
func (j Job) Key() PartitionKey {
	return PartitionKey{Topic: j.Topic, Partition: j.Partition}
}

// Message describes a consumed message the worker is about to dispatch downstream.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
}

// Key returns the partition key of the message's source partition.
func (m Message) Key() PartitionKey {
	return PartitionKey{Topic: m.Topic, Partition: m.Partition}
}
