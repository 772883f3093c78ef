package pregel

import (
	"context"
	"hash/fnv"
	"sync/atomic"

	"github.com/kgraph/pregel/message"
	"github.com/kgraph/pregel/transport"
	"golang.org/x/xerrors"
)

// Partition returns the transport partition that owns the given vertex ID.
// Every worker must compute identical assignments, so this is a pure
// function of the ID and the partition count.
func Partition(vertexID string, numPartitions int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(vertexID))
	return int(h.Sum64() % uint64(numPartitions))
}

// router implements the worker-local outbound message pipeline: outgoing
// messages are serialized, keyed by destination vertex and published to the
// partition owning the destination. The inbound side drains the worker's
// own partitions and delivers the decoded messages to the vertex store.
type router struct {
	numPartitions int
	serializer    Serializer
	log           transport.Log

	sentInPhase     int64
	receivedInPhase int64
}

func newRouter(numPartitions int, serializer Serializer, log transport.Log) *router {
	return &router{
		numPartitions: numPartitions,
		serializer:    serializer,
		log:           log,
	}
}

// Send queues a message for the vertex with the given destination ID.
// Messages become visible to the owning worker after Flush.
func (r *router) Send(dstID string, msg message.Message) error {
	payload, err := r.serializer.Serialize(msg)
	if err != nil {
		return xerrors.Errorf("unable to serialize message for %q: %w", dstID, err)
	}
	rec := transport.Record{
		Partition: Partition(dstID, r.numPartitions),
		Key:       dstID,
		Value:     payload,
	}
	if err := r.log.Publish(context.Background(), rec); err != nil {
		return xerrors.Errorf("unable to publish message for %q: %w", dstID, err)
	}
	atomic.AddInt64(&r.sentInPhase, 1)
	return nil
}

// Flush blocks until every message queued by Send has been durably accepted
// by the transport and returns the number of messages shipped in this
// phase.
func (r *router) Flush(ctx context.Context) (int, error) {
	if err := r.log.Flush(ctx); err != nil {
		return 0, xerrors.Errorf("unable to flush outbound messages: %w", err)
	}
	return int(atomic.SwapInt64(&r.sentInPhase, 0)), nil
}

// Drain consumes the records available in the given partitions and hands
// each decoded message to deliver. It returns the number of delivered
// messages.
func (r *router) Drain(ctx context.Context, partitions []int, deliver func(dstID string, msg message.Message) error) (int, error) {
	delivered := 0
	for _, partition := range partitions {
		records, err := r.log.Poll(ctx, partition)
		if err != nil {
			return delivered, xerrors.Errorf("unable to poll partition %d: %w", partition, err)
		}
		for _, rec := range records {
			payload, err := r.serializer.Unserialize(rec.Value)
			if err != nil {
				return delivered, xerrors.Errorf("unable to decode message for %q: %w", rec.Key, err)
			}
			msg, ok := payload.(message.Message)
			if !ok {
				return delivered, xerrors.Errorf("message for %q: %w", rec.Key, ErrInvalidMessage)
			}
			if err := deliver(rec.Key, msg); err != nil {
				return delivered, err
			}
			delivered++
		}
	}
	return delivered, nil
}
