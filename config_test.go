package pregel

import (
	"github.com/kgraph/pregel/coordination/memtree"
	"github.com/kgraph/pregel/graph"
	"github.com/kgraph/pregel/message"
	"github.com/kgraph/pregel/transport/memlog"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(ConfigTestSuite))

type ConfigTestSuite struct {
}

type noopComputation struct{}

func (noopComputation) Init(*InitCallbacks) error { return nil }
func (noopComputation) Compute(int, *graph.Vertex, message.Iterator, *ComputeCallbacks) error {
	return nil
}

func (s *ConfigTestSuite) TestValidateFlagsMissingFields(c *gc.C) {
	var cfg Config
	err := cfg.Validate()
	c.Assert(err, gc.NotNil)
	for _, exp := range []string{
		"job ID not specified",
		"coordination store not specified",
		"message transport not specified",
		"computation not specified",
		"serializer not specified",
		"number of partitions must be at least equal to 1",
		"group size must be at least equal to 1",
	} {
		c.Assert(err, gc.ErrorMatches, "(?s).*"+exp+".*", gc.Commentf("expected error to mention %q", exp))
	}
}

func (s *ConfigTestSuite) TestValidateAppliesDefaults(c *gc.C) {
	cfg := Config{
		JobID:         "test",
		Store:         memtree.New().Session(),
		Log:           memlog.New(1),
		Computation:   noopComputation{},
		Serializer:    NewJSONSerializer(),
		NumPartitions: 1,
		GroupSize:     1,
	}
	c.Assert(cfg.Validate(), gc.IsNil)
	c.Assert(cfg.ComputeWorkers, gc.Equals, 1)
	c.Assert(cfg.Logger, gc.NotNil)
}

func (s *ConfigTestSuite) TestApplyKeys(c *gc.C) {
	var cfg Config
	err := cfg.ApplyKeys(map[string]string{
		KeyMaxIterations:   "5",
		KeyNumPartitions:   "8",
		KeyGroupSize:       "4",
		KeyCombinerEnabled: "true",
		"custom.algorithm.key": "left alone",
	})
	c.Assert(err, gc.IsNil)
	c.Assert(cfg.MaxIterations, gc.Equals, 5)
	c.Assert(cfg.NumPartitions, gc.Equals, 8)
	c.Assert(cfg.GroupSize, gc.Equals, 4)
	c.Assert(cfg.CombinerEnabled, gc.Equals, true)
}

func (s *ConfigTestSuite) TestApplyKeysRejectsMalformedValues(c *gc.C) {
	var cfg Config
	err := cfg.ApplyKeys(map[string]string{KeyGroupSize: "not-a-number"})
	c.Assert(err, gc.ErrorMatches, `invalid value for "group.size".*`)
}
