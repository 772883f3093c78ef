package pregel

import (
	"github.com/kgraph/pregel/aggregator"
	"github.com/kgraph/pregel/graph"
	"github.com/kgraph/pregel/message"
)

// Computation is implemented by user algorithms. A single implementation
// covers every phase of an algorithm; per-phase behavior is selected inside
// Compute based on the superstep number. Optional capabilities (superstep
// hooks, a master program, a message combiner) are discovered by interface
// assertion against the same value.
type Computation interface {
	// Init is invoked once per worker before the computation starts. It
	// is the only place where aggregators may be registered.
	Init(cb *InitCallbacks) error

	// Compute is invoked for every eligible vertex in each superstep: at
	// superstep 0 for every vertex, afterwards for vertices that have
	// pending inbound messages or have not voted to halt.
	Compute(superstep int, v *graph.Vertex, msgs message.Iterator, cb *ComputeCallbacks) error
}

// AggregatorView provides read access to the previous (globally merged)
// aggregator values.
type AggregatorView interface {
	// Value returns the merged value of the named aggregator from the
	// previous superstep, or the reducer identity before the first
	// merge.
	Value(name string) (interface{}, error)
}

// PreSuperstepHook is implemented by computations that want a callback
// before each superstep's compute pass.
type PreSuperstepHook interface {
	PreSuperstep(superstep int, agg AggregatorView) error
}

// PostSuperstepHook is implemented by computations that want a callback
// after each superstep's compute pass.
type PostSuperstepHook interface {
	PostSuperstep(superstep int, agg AggregatorView) error
}

// MasterComputation is implemented by computations with a master program.
// MasterCompute runs on the elected leader only, between supersteps, before
// the workers are released into the next one.
type MasterComputation interface {
	MasterCompute(superstep int, cb *MasterCallbacks) error
}

// CombinerProvider is implemented by computations whose messages can be
// reduced with an associative-commutative combiner. The combiner is only
// applied when the engine is configured with combiner.enabled.
type CombinerProvider interface {
	Combiner() message.Combiner
}

// InitCallbacks is passed to Computation.Init.
type InitCallbacks struct {
	registry *aggregator.Registry
}

// RegisterAggregator registers a named aggregator. The call is idempotent.
// Persistent aggregators accumulate across supersteps; non-persistent ones
// reset to the reducer identity at each new superstep.
func (cb *InitCallbacks) RegisterAggregator(name string, factory aggregator.Factory, persistent bool) {
	cb.registry.Register(name, factory, persistent)
}

// ComputeCallbacks exposes the per-vertex side effects available to a
// compute invocation. Value updates, edge mutations and halt votes are
// staged and applied atomically at the end of the worker's SEND phase;
// messages are delivered in the next superstep.
type ComputeCallbacks struct {
	vertex   *graph.Vertex
	graph    *graph.Graph
	router   *router
	registry *aggregator.Registry
}

// SetNewVertexValue stages an update of the vertex value.
func (cb *ComputeCallbacks) SetNewVertexValue(value interface{}) {
	cb.graph.StageValue(cb.vertex.ID(), value)
}

// SendMessageTo queues a message for delivery to the vertex with the given
// ID in the next superstep. The destination does not have to exist yet;
// unknown vertices are created by their owner on delivery. Self-messages
// are permitted.
func (cb *ComputeCallbacks) SendMessageTo(dstID string, msg message.Message) error {
	return cb.router.Send(dstID, msg)
}

// AddEdge stages the insertion of an out-edge from this vertex.
func (cb *ComputeCallbacks) AddEdge(dstID string, value interface{}) {
	cb.graph.StageAddEdge(cb.vertex.ID(), dstID, value)
}

// RemoveEdge stages the removal of all out-edges from this vertex to dstID.
func (cb *ComputeCallbacks) RemoveEdge(dstID string) {
	cb.graph.StageRemoveEdge(cb.vertex.ID(), dstID)
}

// Aggregate merges a delta into the named aggregator. The delta becomes
// visible through GetAggregatedValue in the next superstep.
func (cb *ComputeCallbacks) Aggregate(name string, delta interface{}) error {
	return cb.registry.Aggregate(name, delta)
}

// GetAggregatedValue returns the globally merged value of the named
// aggregator from the previous superstep.
func (cb *ComputeCallbacks) GetAggregatedValue(name string) (interface{}, error) {
	return cb.registry.Value(name)
}

// VoteToHalt declares that this vertex has no more work. The vertex is
// re-awakened by any inbound message.
func (cb *ComputeCallbacks) VoteToHalt() {
	cb.graph.StageHalt(cb.vertex.ID())
}

// MasterCallbacks exposes the side effects available to the master program.
type MasterCallbacks struct {
	merged map[string]interface{}
	halted bool
}

// GetAggregatedValue returns the globally merged value of the named
// aggregator for the superstep that just completed.
func (cb *MasterCallbacks) GetAggregatedValue(name string) interface{} {
	return cb.merged[name]
}

// SetAggregatedValue overrides the merged value of the named aggregator.
// All workers observe the override in the next superstep.
func (cb *MasterCallbacks) SetAggregatedValue(name string, value interface{}) {
	cb.merged[name] = value
}

// HaltComputation forces global termination regardless of pending work.
// Workers finish draining their current phase and exit.
func (cb *MasterCallbacks) HaltComputation() {
	cb.halted = true
}
