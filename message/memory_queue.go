package message

import (
	"sync"
)

// inMemoryQueue implements a queue that stores messages in memory in
// arrival order. Messages can be enqueued concurrently but the returned
// iterator is not safe for concurrent access.
type inMemoryQueue struct {
	mu   sync.Mutex
	msgs []Message

	latchedMsg Message
}

// NewInMemoryQueue creates a new in-memory queue instance. This function can
// serve as a QueueFactory.
func NewInMemoryQueue() Queue {
	return new(inMemoryQueue)
}

// Enqueue implements Queue.
func (q *inMemoryQueue) Enqueue(msg Message) error {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
	return nil
}

// PendingMessages implements Queue.
func (q *inMemoryQueue) PendingMessages() bool {
	q.mu.Lock()
	pending := len(q.msgs) != 0
	q.mu.Unlock()
	return pending
}

// DiscardMessages implements Queue.
func (q *inMemoryQueue) DiscardMessages() error {
	q.mu.Lock()
	q.msgs = q.msgs[:0]
	q.latchedMsg = nil
	q.mu.Unlock()
	return nil
}

// Close implements Queue.
func (*inMemoryQueue) Close() error { return nil }

// Messages implements Queue.
func (q *inMemoryQueue) Messages() Iterator { return q }

// Next implements Iterator. Messages are dequeued in the order they were
// enqueued so that per-producer emission order is preserved.
func (q *inMemoryQueue) Next() bool {
	q.mu.Lock()
	if len(q.msgs) == 0 {
		q.mu.Unlock()
		return false
	}
	q.latchedMsg = q.msgs[0]
	q.msgs = q.msgs[1:]
	q.mu.Unlock()
	return true
}

// Message implements Iterator.
func (q *inMemoryQueue) Message() Message {
	q.mu.Lock()
	msg := q.latchedMsg
	q.mu.Unlock()
	return msg
}

// Error implements Iterator.
func (*inMemoryQueue) Error() error { return nil }

// combiningQueue reduces every enqueued message into a single value via a
// Combiner, so a vertex receiving many messages observes exactly one.
type combiningQueue struct {
	mu       sync.Mutex
	combiner Combiner
	combined Message
	latched  Message
}

// NewCombiningQueue returns a QueueFactory whose queues reduce enqueued
// messages on arrival using the provided combiner.
func NewCombiningQueue(combiner Combiner) QueueFactory {
	return func() Queue {
		return &combiningQueue{combiner: combiner}
	}
}

// Enqueue implements Queue.
func (q *combiningQueue) Enqueue(msg Message) error {
	q.mu.Lock()
	if q.combined == nil {
		q.combined = msg
	} else {
		q.combined = q.combiner.Combine(q.combined, msg)
	}
	q.mu.Unlock()
	return nil
}

// PendingMessages implements Queue.
func (q *combiningQueue) PendingMessages() bool {
	q.mu.Lock()
	pending := q.combined != nil
	q.mu.Unlock()
	return pending
}

// DiscardMessages implements Queue.
func (q *combiningQueue) DiscardMessages() error {
	q.mu.Lock()
	q.combined = nil
	q.latched = nil
	q.mu.Unlock()
	return nil
}

// Close implements Queue.
func (*combiningQueue) Close() error { return nil }

// Messages implements Queue.
func (q *combiningQueue) Messages() Iterator { return q }

// Next implements Iterator.
func (q *combiningQueue) Next() bool {
	q.mu.Lock()
	if q.combined == nil {
		q.mu.Unlock()
		return false
	}
	q.latched = q.combined
	q.combined = nil
	q.mu.Unlock()
	return true
}

// Message implements Iterator.
func (q *combiningQueue) Message() Message {
	q.mu.Lock()
	msg := q.latched
	q.mu.Unlock()
	return msg
}

// Error implements Iterator.
func (*combiningQueue) Error() error { return nil }
