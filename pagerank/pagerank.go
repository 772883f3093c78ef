// Package pagerank implements the iterative PageRank algorithm as a vertex
// program for the pregel engine. Scores converge either when the sum of
// absolute score differences between supersteps drops below a configured
// threshold (checked by the master program) or when the engine's iteration
// bound is reached.
package pagerank

import (
	"encoding/json"
	"math"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/kgraph/pregel"
	"github.com/kgraph/pregel/aggregator"
	"github.com/kgraph/pregel/graph"
	"github.com/kgraph/pregel/message"
	"golang.org/x/xerrors"
)

// Aggregator names used by the algorithm.
const (
	// pageCountAggregator counts the vertices in the graph at superstep 0.
	pageCountAggregator = "page_count"

	// sadAggregator tracks the sum of absolute score differences for one
	// superstep; the master program checks it for convergence.
	sadAggregator = "SAD"

	// residualAggregator collects the scores of dead-end vertices so they
	// can be redistributed across the graph in the next superstep.
	residualAggregator = "residual"
)

// Config encapsulates the parameters of the PageRank computation.
type Config struct {
	// DampingFactor is the probability that a random surfer will click on
	// one of the outgoing links on the page they are currently visiting
	// instead of visiting (teleporting to) a random page in the graph.
	//
	// If not specified, a default value of 0.85 will be used instead.
	DampingFactor float64

	// The computation keeps executing supersteps until the aggregated sum
	// of absolute score differences (SAD) across all vertices becomes
	// less than MinSADForConvergence.
	//
	// If not specified, a default value of 0.001 will be used instead.
	MinSADForConvergence float64
}

func (c *Config) validate() error {
	var err error
	if c.DampingFactor < 0 || c.DampingFactor > 1.0 {
		err = multierror.Append(err, xerrors.New("DampingFactor must be in the range (0, 1]"))
	} else if c.DampingFactor == 0 {
		c.DampingFactor = 0.85
	}
	if c.MinSADForConvergence < 0 || c.MinSADForConvergence >= 1.0 {
		err = multierror.Append(err, xerrors.New("MinSADForConvergence must be in the range (0, 1)"))
	} else if c.MinSADForConvergence == 0 {
		c.MinSADForConvergence = 0.001
	}
	return err
}

// ScoreMessage distributes PageRank scores to neighbor vertices.
type ScoreMessage struct {
	Score float64 `json:"s"`
}

// Type implements message.Message.
func (ScoreMessage) Type() string { return "score" }

// Computation implements the PageRank vertex program together with its
// combiner and master program.
type Computation struct {
	cfg Config
}

var (
	_ pregel.Computation       = (*Computation)(nil)
	_ pregel.MasterComputation = (*Computation)(nil)
	_ pregel.CombinerProvider  = (*Computation)(nil)
)

// NewComputation creates a PageRank computation with the provided config
// options.
func NewComputation(cfg Config) (*Computation, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("PageRank config validation failed: %w", err)
	}
	return &Computation{cfg: cfg}, nil
}

// InitialValue is the score vertices carry before the first superstep.
func InitialValue(string) interface{} { return 0.0 }

// NewSerializer returns a serializer covering the algorithm's message and
// aggregator types.
func NewSerializer() pregel.Serializer {
	s := pregel.NewJSONSerializer()
	s.RegisterMessage(ScoreMessage{}.Type(), decodeScoreMessage)
	return s
}

func decodeScoreMessage(data []byte) (message.Message, error) {
	var m ScoreMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, xerrors.Errorf("decode score message: %w", err)
	}
	return m, nil
}

// Init implements pregel.Computation.
func (pr *Computation) Init(cb *pregel.InitCallbacks) error {
	// The page count is established once at superstep 0 and must stay
	// visible for the rest of the run.
	cb.RegisterAggregator(pageCountAggregator, aggregator.NewIntAccumulator, true)
	cb.RegisterAggregator(sadAggregator, aggregator.NewFloat64Accumulator, false)
	cb.RegisterAggregator(residualAggregator, aggregator.NewFloat64Accumulator, false)
	return nil
}

// Compute implements pregel.Computation.
func (pr *Computation) Compute(superstep int, v *graph.Vertex, msgs message.Iterator, cb *pregel.ComputeCallbacks) error {
	// At step 0, count the number of vertices in the graph.
	if superstep == 0 {
		return cb.Aggregate(pageCountAggregator, 1)
	}

	count, err := cb.GetAggregatedValue(pageCountAggregator)
	if err != nil {
		return err
	}
	pageCount := float64(count.(int))

	var newScore float64
	switch superstep {
	case 1:
		// Evenly distribute the initial scores; their sum must equal 1.
		newScore = 1.0 / pageCount
	default:
		newScore = (1.0 - pr.cfg.DampingFactor) / pageCount
		for msgs.Next() {
			newScore += pr.cfg.DampingFactor * msgs.Message().(ScoreMessage).Score
		}

		// Integrate the residual score accumulated from dead-end
		// vertices during the previous step.
		residual, err := cb.GetAggregatedValue(residualAggregator)
		if err != nil {
			return err
		}
		newScore += pr.cfg.DampingFactor * residual.(float64)
	}

	if err := cb.Aggregate(sadAggregator, math.Abs(v.Value().(float64)-newScore)); err != nil {
		return err
	}
	cb.SetNewVertexValue(newScore)

	// A dead-end behaves as if it linked to every vertex in the graph:
	// its score cannot be broadcast, so it is accumulated and folded into
	// every score calculated during the next step.
	edges := v.Edges()
	if len(edges) == 0 {
		return cb.Aggregate(residualAggregator, newScore/pageCount)
	}

	outScore := newScore / float64(len(edges))
	for _, e := range edges {
		if err := cb.SendMessageTo(e.DstID(), ScoreMessage{Score: outScore}); err != nil {
			return err
		}
	}
	return nil
}

// MasterCompute implements pregel.MasterComputation. Supersteps 0 and 1 are
// part of the algorithm initialization; the convergence predicate is only
// evaluated for supersteps > 1.
func (pr *Computation) MasterCompute(superstep int, cb *pregel.MasterCallbacks) error {
	if superstep <= 1 {
		return nil
	}
	sad, ok := cb.GetAggregatedValue(sadAggregator).(float64)
	if !ok {
		return xerrors.Errorf("unexpected type %T for the %q aggregator", cb.GetAggregatedValue(sadAggregator), sadAggregator)
	}
	if sad < pr.cfg.MinSADForConvergence {
		cb.HaltComputation()
	}
	return nil
}

// Combiner implements pregel.CombinerProvider. Scores bound for the same
// destination are summed, which the score update in Compute distributes
// over.
func (pr *Computation) Combiner() message.Combiner {
	return message.CombinerFunc(func(a, b message.Message) message.Message {
		return ScoreMessage{Score: a.(ScoreMessage).Score + b.(ScoreMessage).Score}
	})
}
