package message

// Message is implemented by types that can be delivered to vertices.
type Message interface {
	// Type returns the type of this Message.
	Type() string
}

// Queue is implemented by types that buffer the inbound messages of a
// single vertex between supersteps.
type Queue interface {
	// Cleanly shutdown the queue.
	Close() error

	// Enqueue inserts a message to the end of the queue.
	Enqueue(msg Message) error

	// PendingMessages returns true if the queue contains any messages.
	PendingMessages() bool

	// DiscardMessages drops all pending messages from the queue.
	DiscardMessages() error

	// Messages returns an iterator for accessing the queued messages.
	Messages() Iterator
}

// Iterator provides an API for iterating a list of messages.
type Iterator interface {
	// Next advances the iterator so that the next message can be
	// retrieved via a call to Message(). If no more messages are
	// available or an error occurs, Next() returns false.
	Next() bool

	// Message returns the message currently pointed to by the iterator.
	Message() Message

	// Error returns the last error that the iterator encountered.
	Error() error
}

// QueueFactory is a function that can create new Queue instances.
type QueueFactory func() Queue

// Combiner is implemented by types that can reduce two messages bound for
// the same destination into one. Combine must be associative and
// commutative; it must not be used by algorithms that rely on message
// multiplicity.
type Combiner interface {
	// Combine merges two messages bound for the same destination vertex.
	Combine(a, b Message) Message
}

// The CombinerFunc type is an adapter to allow the use of ordinary
// functions as Combiners. If f is a function with the appropriate
// signature, CombinerFunc(f) is a Combiner that calls f.
type CombinerFunc func(a, b Message) Message

// Combine calls f(a, b).
func (f CombinerFunc) Combine(a, b Message) Message { return f(a, b) }
