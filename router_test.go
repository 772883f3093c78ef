package pregel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kgraph/pregel/message"
	"github.com/kgraph/pregel/transport"
	"github.com/kgraph/pregel/transport/memlog"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(RouterTestSuite))

type RouterTestSuite struct {
	serializer *JSONSerializer
}

func (s *RouterTestSuite) SetUpTest(c *gc.C) {
	s.serializer = NewJSONSerializer()
	s.serializer.RegisterMessage(testMsg{}.Type(), func(data []byte) (message.Message, error) {
		var m testMsg
		err := json.Unmarshal(data, &m)
		return m, err
	})
}

func (s *RouterTestSuite) TestPartitionIsDeterministicAndInRange(c *gc.C) {
	for p := 1; p <= 8; p *= 2 {
		for i := 0; i < 100; i++ {
			id := fmt.Sprint(i)
			owner := Partition(id, p)
			c.Assert(owner >= 0 && owner < p, gc.Equals, true, gc.Commentf("vertex %q, %d partitions", id, p))
			c.Assert(Partition(id, p), gc.Equals, owner)
		}
	}
}

func (s *RouterTestSuite) TestSendFlushDrainRoundTrip(c *gc.C) {
	numPartitions := 4
	log := memlog.New(numPartitions)
	defer func() { c.Assert(log.Close(), gc.IsNil) }()
	r := newRouter(numPartitions, s.serializer, log)

	numMessages := 50
	for i := 0; i < numMessages; i++ {
		err := r.Send(fmt.Sprint(i), testMsg{Value: i})
		c.Assert(err, gc.IsNil)
	}

	sent, err := r.Flush(context.TODO())
	c.Assert(err, gc.IsNil)
	c.Assert(sent, gc.Equals, numMessages)

	allPartitions := []int{0, 1, 2, 3}
	got := make(map[string]int)
	delivered, err := r.Drain(context.TODO(), allPartitions, func(dstID string, msg message.Message) error {
		got[dstID] = msg.(testMsg).Value
		return nil
	})
	c.Assert(err, gc.IsNil)
	c.Assert(delivered, gc.Equals, numMessages)
	for i := 0; i < numMessages; i++ {
		c.Assert(got[fmt.Sprint(i)], gc.Equals, i)
	}
}

func (s *RouterTestSuite) TestDrainOnlyConsumesOwnedPartitions(c *gc.C) {
	numPartitions := 2
	log := memlog.New(numPartitions)
	defer func() { c.Assert(log.Close(), gc.IsNil) }()
	r := newRouter(numPartitions, s.serializer, log)

	// Find one destination per partition.
	dsts := make(map[int]string)
	for i := 0; len(dsts) < numPartitions; i++ {
		id := fmt.Sprint(i)
		if _, taken := dsts[Partition(id, numPartitions)]; !taken {
			dsts[Partition(id, numPartitions)] = id
		}
	}
	for _, dst := range dsts {
		c.Assert(r.Send(dst, testMsg{Value: 1}), gc.IsNil)
	}
	_, err := r.Flush(context.TODO())
	c.Assert(err, gc.IsNil)

	delivered, err := r.Drain(context.TODO(), []int{0}, func(dstID string, _ message.Message) error {
		c.Assert(dstID, gc.Equals, dsts[0])
		return nil
	})
	c.Assert(err, gc.IsNil)
	c.Assert(delivered, gc.Equals, 1)
}

func (s *RouterTestSuite) TestDrainRejectsNonMessagePayloads(c *gc.C) {
	log := memlog.New(1)
	defer func() { c.Assert(log.Close(), gc.IsNil) }()
	r := newRouter(1, s.serializer, log)

	// An aggregator value map is a valid payload for the serializer but
	// not a vertex message.
	payload, err := s.serializer.Serialize(map[string]interface{}{"x": 1})
	c.Assert(err, gc.IsNil)
	err = log.Publish(context.TODO(), transport.Record{Partition: 0, Key: "v", Value: payload})
	c.Assert(err, gc.IsNil)
	c.Assert(log.Flush(context.TODO()), gc.IsNil)

	_, err = r.Drain(context.TODO(), []int{0}, func(string, message.Message) error { return nil })
	c.Assert(xerrors.Is(err, ErrInvalidMessage), gc.Equals, true, gc.Commentf("got %v", err))
}
