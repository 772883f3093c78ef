// Package transport defines the partitioned-log contract the engine uses to
// ship vertex messages between workers. The log has a fixed number of
// partitions per job; publishing is asynchronous with a durable
// acknowledgment at flush time, and each partition preserves per-producer
// FIFO order.
package transport

import "context"

// Record is a single message routed to the worker that owns the destination
// vertex.
type Record struct {
	// Partition the record is published to; computed by the router as
	// hash(Key) mod the partition count.
	Partition int

	// Key is the destination vertex ID.
	Key string

	// Value is the serialized message payload.
	Value []byte
}

// Log is implemented by partitioned message logs. A worker publishes to any
// partition but only ever polls the partitions it owns.
type Log interface {
	// Publish enqueues records for delivery. Records are not guaranteed
	// to be durable (or visible to consumers) until Flush returns.
	Publish(ctx context.Context, records ...Record) error

	// Flush blocks until every record published so far has been durably
	// accepted by the log.
	Flush(ctx context.Context) error

	// Poll consumes and returns the records currently available in the
	// given partition, in publication order. It returns an empty batch
	// when the partition has no pending records.
	Poll(ctx context.Context, partition int) ([]Record, error)

	// Close releases the resources held by the log client.
	Close() error
}
