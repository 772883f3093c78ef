// Package graph implements the per-worker vertex state store: vertex
// values, halt flags, out-edges owned by their source vertex and the
// per-vertex inbound message buffer for the next superstep. Mutations
// issued from inside compute callbacks are staged and applied atomically at
// the end of the SEND phase so that compute always observes a stable
// snapshot.
package graph

import (
	"sync"

	"github.com/kgraph/pregel/message"
	"golang.org/x/xerrors"
)

var (
	// ErrUnknownEdgeSource is returned by AddEdge when the source vertex
	// is not present in the graph.
	ErrUnknownEdgeSource = xerrors.New("source vertex is not part of the graph")
)

// Vertex represents a vertex in the Graph.
type Vertex struct {
	id     string
	value  interface{}
	halted bool
	edges  []*Edge
	queue  message.Queue
}

// ID returns the vertex ID.
func (v *Vertex) ID() string { return v.id }

// Value returns the value associated with this vertex.
func (v *Vertex) Value() interface{} { return v.value }

// Halted returns true if the vertex has voted to halt and has not been
// re-awakened by an incoming message.
func (v *Vertex) Halted() bool { return v.halted }

// Edges returns the list of outgoing edges from this vertex.
func (v *Vertex) Edges() []*Edge { return v.edges }

// PendingMessages returns true if the vertex has buffered messages for the
// next superstep.
func (v *Vertex) PendingMessages() bool { return v.queue.PendingMessages() }

// Messages returns an iterator over the vertex's buffered messages.
func (v *Vertex) Messages() message.Iterator { return v.queue.Messages() }

// DiscardMessages drops any buffered messages.
func (v *Vertex) DiscardMessages() error { return v.queue.DiscardMessages() }

// Edge represents a directed edge in the Graph.
type Edge struct {
	dstID string
	value interface{}
}

// DstID returns the vertex ID that corresponds to this edge's target
// endpoint.
func (e *Edge) DstID() string { return e.dstID }

// Value returns the value associated with this edge.
func (e *Edge) Value() interface{} { return e.value }

// Config encapsulates the configuration options for creating graphs.
type Config struct {
	// QueueFactory is used by the graph to create the inbound message
	// queue for each vertex. If not specified, the default in-memory
	// FIFO queue will be used instead.
	QueueFactory message.QueueFactory

	// DefaultValue, if defined, provides the initial value for vertices
	// created on demand when a message arrives for an unknown ID.
	DefaultValue func(id string) interface{}
}

func (cfg *Config) applyDefaults() {
	if cfg.QueueFactory == nil {
		cfg.QueueFactory = message.NewInMemoryQueue
	}
}

type mutationType int8

const (
	mutationSetValue mutationType = iota
	mutationAddEdge
	mutationRemoveEdge
	mutationHalt
)

type mutation struct {
	mutType mutationType
	srcID   string
	dstID   string
	value   interface{}
}

// Graph maintains the vertices owned by a single worker.
type Graph struct {
	cfg      Config
	vertices map[string]*Vertex

	mu     sync.Mutex
	staged []mutation
}

// NewGraph creates a new Graph instance using the specified configuration.
func NewGraph(cfg Config) *Graph {
	cfg.applyDefaults()
	return &Graph{
		cfg:      cfg,
		vertices: make(map[string]*Vertex),
	}
}

// Vertices returns the graph vertices as a map where the key is the vertex
// ID.
func (g *Graph) Vertices() map[string]*Vertex { return g.vertices }

// Vertex returns the vertex with the specified ID or nil if it is not part
// of the graph.
func (g *Graph) Vertex(id string) *Vertex { return g.vertices[id] }

// AddVertex inserts a new vertex with the specified id and initial value
// into the graph. If the vertex already exists, AddVertex will just
// overwrite its value with the provided initValue.
func (g *Graph) AddVertex(id string, initValue interface{}) {
	v := g.vertices[id]
	if v == nil {
		v = &Vertex{
			id:    id,
			queue: g.cfg.QueueFactory(),
		}
		g.vertices[id] = v
	}
	v.value = initValue
}

// AddEdge inserts a directed edge from src to destination and annotates it
// with the specified initValue. Edges are owned by their source vertices
// and therefore srcID must resolve to a local vertex.
func (g *Graph) AddEdge(srcID, dstID string, initValue interface{}) error {
	srcVert := g.vertices[srcID]
	if srcVert == nil {
		return xerrors.Errorf("create edge from %q to %q: %w", srcID, dstID, ErrUnknownEdgeSource)
	}
	srcVert.edges = append(srcVert.edges, &Edge{
		dstID: dstID,
		value: initValue,
	})
	return nil
}

// Ensure returns the vertex with the specified ID, creating it with the
// configured default value, no edges and halted=false when it is not yet
// part of the graph. This supports vertices that emerge because some other
// vertex sent them a message.
func (g *Graph) Ensure(id string) *Vertex {
	v := g.vertices[id]
	if v == nil {
		var value interface{}
		if g.cfg.DefaultValue != nil {
			value = g.cfg.DefaultValue(id)
		}
		v = &Vertex{
			id:    id,
			value: value,
			queue: g.cfg.QueueFactory(),
		}
		g.vertices[id] = v
	}
	return v
}

// Deliver buffers a message for the vertex with the specified ID, creating
// it on demand, and re-awakens it: a halted vertex that receives a message
// transitions back to the active state.
func (g *Graph) Deliver(id string, msg message.Message) error {
	v := g.Ensure(id)
	if err := v.queue.Enqueue(msg); err != nil {
		return xerrors.Errorf("delivering message to %q: %w", id, err)
	}
	v.halted = false
	return nil
}

// Retain drops every vertex whose ID is rejected by the keep predicate.
// It is used after partition assignment so that each worker only holds the
// vertices it owns.
func (g *Graph) Retain(keep func(id string) bool) error {
	for id, v := range g.vertices {
		if keep(id) {
			continue
		}
		if err := v.queue.Close(); err != nil {
			return xerrors.Errorf("closing message queue for vertex %v: %w", id, err)
		}
		delete(g.vertices, id)
	}
	return nil
}

// StageValue records a vertex value update to be applied at the end of the
// current SEND phase.
func (g *Graph) StageValue(id string, value interface{}) {
	g.stage(mutation{mutType: mutationSetValue, srcID: id, value: value})
}

// StageAddEdge records the insertion of an edge from src to dst to be
// applied at the end of the current SEND phase.
func (g *Graph) StageAddEdge(srcID, dstID string, value interface{}) {
	g.stage(mutation{mutType: mutationAddEdge, srcID: srcID, dstID: dstID, value: value})
}

// StageRemoveEdge records the removal of all edges from src to dst to be
// applied at the end of the current SEND phase.
func (g *Graph) StageRemoveEdge(srcID, dstID string) {
	g.stage(mutation{mutType: mutationRemoveEdge, srcID: srcID, dstID: dstID})
}

// StageHalt records a vertex's vote to halt. The vote takes effect at the
// end of the current SEND phase and is overridden by any message delivered
// to the vertex afterwards.
func (g *Graph) StageHalt(id string) {
	g.stage(mutation{mutType: mutationHalt, srcID: id})
}

func (g *Graph) stage(m mutation) {
	g.mu.Lock()
	g.staged = append(g.staged, m)
	g.mu.Unlock()
}

// ApplyStaged applies all staged mutations in the order they were issued
// and clears the staging buffer.
func (g *Graph) ApplyStaged() error {
	g.mu.Lock()
	staged := g.staged
	g.staged = nil
	g.mu.Unlock()

	for _, m := range staged {
		v := g.vertices[m.srcID]
		if v == nil {
			return xerrors.Errorf("staged mutation for vertex %q: %w", m.srcID, ErrUnknownEdgeSource)
		}
		switch m.mutType {
		case mutationSetValue:
			v.value = m.value
		case mutationAddEdge:
			v.edges = append(v.edges, &Edge{dstID: m.dstID, value: m.value})
		case mutationRemoveEdge:
			edges := v.edges[:0]
			for _, e := range v.edges {
				if e.dstID != m.dstID {
					edges = append(edges, e)
				}
			}
			v.edges = edges
		case mutationHalt:
			v.halted = true
		}
	}
	return nil
}

// Close releases any resources associated with the graph.
func (g *Graph) Close() error {
	for id, v := range g.vertices {
		if err := v.queue.Close(); err != nil {
			return xerrors.Errorf("closing message queue for vertex %v: %w", id, err)
		}
	}
	g.vertices = make(map[string]*Vertex)
	return nil
}
