package pregel

import (
	"encoding/json"

	"github.com/kgraph/pregel/message"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(SerializerTestSuite))

type SerializerTestSuite struct {
	s *JSONSerializer
}

type testMsg struct {
	Value int `json:"v"`
}

func (testMsg) Type() string { return "testMsg" }

func (s *SerializerTestSuite) SetUpTest(c *gc.C) {
	s.s = NewJSONSerializer()
	s.s.RegisterMessage(testMsg{}.Type(), func(data []byte) (message.Message, error) {
		var m testMsg
		err := json.Unmarshal(data, &m)
		return m, err
	})
}

func (s *SerializerTestSuite) roundTrip(c *gc.C, v interface{}) interface{} {
	payload, err := s.s.Serialize(v)
	c.Assert(err, gc.IsNil)
	got, err := s.s.Unserialize(payload)
	c.Assert(err, gc.IsNil)
	return got
}

func (s *SerializerTestSuite) TestScalarsKeepTheirDynamicType(c *gc.C) {
	// A plain JSON codec would widen the int to float64.
	c.Assert(s.roundTrip(c, 42), gc.Equals, 42)
	c.Assert(s.roundTrip(c, 0.25), gc.Equals, 0.25)
	c.Assert(s.roundTrip(c, "vertex-1"), gc.Equals, "vertex-1")
	c.Assert(s.roundTrip(c, true), gc.Equals, true)
	c.Assert(s.roundTrip(c, nil), gc.IsNil)
}

func (s *SerializerTestSuite) TestAggregatorValueMap(c *gc.C) {
	got := s.roundTrip(c, map[string]interface{}{
		"page_count": 4,
		"SAD":        0.125,
	})
	c.Assert(got, gc.DeepEquals, map[string]interface{}{
		"page_count": 4,
		"SAD":        0.125,
	})
}

func (s *SerializerTestSuite) TestRegisteredMessage(c *gc.C) {
	got := s.roundTrip(c, testMsg{Value: 7})
	c.Assert(got, gc.Equals, testMsg{Value: 7})
}

func (s *SerializerTestSuite) TestUnsupportedValue(c *gc.C) {
	_, err := s.s.Serialize(struct{ X int }{X: 1})
	c.Assert(xerrors.Is(err, ErrUnsupportedType), gc.Equals, true)
}

func (s *SerializerTestSuite) TestUnregisteredMessageType(c *gc.C) {
	payload, err := s.s.Serialize(testMsg{Value: 7})
	c.Assert(err, gc.IsNil)

	_, err = NewJSONSerializer().Unserialize(payload)
	c.Assert(xerrors.Is(err, ErrUnsupportedType), gc.Equals, true)
}
