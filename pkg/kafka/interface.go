// pkg/kafka/interface.go
//
// Package kafka defines the minimal messaging contracts shared by the
// gateway and its clients. It does not pull in sarama.
package kafka

import (
	"context"
	"time"
)

// Tuple is one message ready to be handed to a producer.
// An empty Key means the message is published without a key.
type Tuple struct {
	Value string `json:"value"`
	Topic string `json:"topic"`
	Key   string `json:"key,omitempty"`
}

// Message is a record read back from a partition.
type Message struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Producer publishes tuples to the cluster.
type Producer interface {
	// Publish sends all tuples in a single batch. The error reported by the
	// underlying client is returned as is.
	Publish(ctx context.Context, tuples ...Tuple) error
	Close() error
}

// Consumer reads a single topic partition by partition.
type Consumer interface {
	Partitions() ([]int32, error)
	// ConsumePartition streams messages starting at offset until ctx is done.
	ConsumePartition(ctx context.Context, partition int32, offset int64) (<-chan *Message, error)
	Close() error
}
