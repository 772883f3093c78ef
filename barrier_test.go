package pregel

import (
	"context"

	"github.com/kgraph/pregel/coordination"
	"github.com/kgraph/pregel/coordination/memtree"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(BarrierTestSuite))

type BarrierTestSuite struct {
	store *memtree.Session
	paths coordination.JobPaths

	boundaryCalls []int
	boundaryHalt  bool
}

func (s *BarrierTestSuite) SetUpTest(c *gc.C) {
	s.store = memtree.New().Session()
	s.paths = coordination.PathsForJob("barrier-test")
	s.boundaryCalls = nil
	s.boundaryHalt = false
}

func (s *BarrierTestSuite) newBarrier(groupSize, maxIterations int, leader bool) *stepBarrier {
	b := &stepBarrier{
		store:         s.store,
		view:          coordination.NewView(s.store),
		paths:         s.paths,
		groupSize:     groupSize,
		maxIterations: maxIterations,
	}
	if leader {
		b.onBoundary = func(_ context.Context, completedStep int) (bool, error) {
			s.boundaryCalls = append(s.boundaryCalls, completedStep)
			return s.boundaryHalt, nil
		}
	}
	return b
}

func (s *BarrierTestSuite) addMarker(c *gc.C, barrierPath, workerID string) {
	_, err := s.store.Create(context.TODO(), s.paths.BarrierMember(barrierPath, workerID), nil, coordination.ModePersistent)
	c.Assert(err, gc.IsNil)
}

func (s *BarrierTestSuite) runningAt(superstep int, stage Stage) PregelState {
	st := NewState().WithStatus(StatusRunning)
	for st.Superstep() != superstep || st.Stage() != stage {
		st = st.Next()
	}
	return st
}

func (s *BarrierTestSuite) TestBootstrapAdvancesUnconditionally(c *gc.C) {
	b := s.newBarrier(2, 0, false)
	st := NewState().WithStatus(StatusRunning)

	next, err := b.MaybeReadyToSend(context.TODO(), st)
	c.Assert(err, gc.IsNil)
	c.Assert(next.Superstep(), gc.Equals, 0)
	c.Assert(next.Stage(), gc.Equals, StageSend)
}

func (s *BarrierTestSuite) TestWaitWhileReceiveMarkersMissing(c *gc.C) {
	b := s.newBarrier(2, 0, true)
	st := s.runningAt(0, StageReceive)
	s.addMarker(c, s.paths.ReceiveBarrier(0), "w0")

	for i := 0; i < 3; i++ {
		next, err := b.MaybeReadyToSend(context.TODO(), st)
		c.Assert(err, gc.IsNil)
		c.Assert(next, gc.Equals, st, gc.Commentf("evaluation %d must not advance", i))
	}
	c.Assert(s.boundaryCalls, gc.HasLen, 0)
}

func (s *BarrierTestSuite) TestLeaderAdvancesAndCreatesReady(c *gc.C) {
	b := s.newBarrier(2, 0, true)
	st := s.runningAt(0, StageReceive)
	s.addMarker(c, s.paths.ReceiveBarrier(0), "w0")
	s.addMarker(c, s.paths.ReceiveBarrier(0), "w1")
	s.addMarker(c, s.paths.SendBarrier(1), "w0") // pending work registration

	next, err := b.MaybeReadyToSend(context.TODO(), st)
	c.Assert(err, gc.IsNil)
	c.Assert(next.Superstep(), gc.Equals, 1)
	c.Assert(next.Stage(), gc.Equals, StageSend)
	c.Assert(s.boundaryCalls, gc.DeepEquals, []int{0})

	ready, err := s.store.Exists(context.TODO(), s.paths.BarrierReady(s.paths.SendBarrier(1)))
	c.Assert(err, gc.IsNil)
	c.Assert(ready, gc.Equals, true)
}

func (s *BarrierTestSuite) TestReevaluationOnUnchangedTreeIsIdempotent(c *gc.C) {
	b := s.newBarrier(2, 0, true)
	st := s.runningAt(0, StageReceive)
	s.addMarker(c, s.paths.ReceiveBarrier(0), "w0")
	s.addMarker(c, s.paths.ReceiveBarrier(0), "w1")
	s.addMarker(c, s.paths.SendBarrier(1), "w0")

	first, err := b.MaybeReadyToSend(context.TODO(), st)
	c.Assert(err, gc.IsNil)

	// A spurious watch fire re-evaluates the same state against the same
	// tree; the outcome must be identical and the ready node unique.
	second, err := b.MaybeReadyToSend(context.TODO(), st)
	c.Assert(err, gc.IsNil)
	c.Assert(second, gc.Equals, first)

	children, err := s.store.Children(context.TODO(), s.paths.SendBarrier(1))
	c.Assert(err, gc.IsNil)
	c.Assert(children, gc.DeepEquals, []string{coordination.ReadyNode, "w0"})
}

func (s *BarrierTestSuite) TestFollowerWaitsForReady(c *gc.C) {
	b := s.newBarrier(2, 0, false)
	st := s.runningAt(0, StageReceive)
	s.addMarker(c, s.paths.ReceiveBarrier(0), "w0")
	s.addMarker(c, s.paths.ReceiveBarrier(0), "w1")
	s.addMarker(c, s.paths.SendBarrier(1), "w0")

	next, err := b.MaybeReadyToSend(context.TODO(), st)
	c.Assert(err, gc.IsNil)
	c.Assert(next, gc.Equals, st, gc.Commentf("follower must not advance before the leader publishes ready"))

	err = coordination.CreateIfNotExists(context.TODO(), s.store, s.paths.BarrierReady(s.paths.SendBarrier(1)), nil, coordination.ModePersistent)
	c.Assert(err, gc.IsNil)

	next, err = b.MaybeReadyToSend(context.TODO(), st)
	c.Assert(err, gc.IsNil)
	c.Assert(next.Superstep(), gc.Equals, 1)
	c.Assert(next.Stage(), gc.Equals, StageSend)
}

func (s *BarrierTestSuite) TestCompletesWhenNoPendingWork(c *gc.C) {
	for _, leader := range []bool{true, false} {
		s.SetUpTest(c)
		b := s.newBarrier(2, 0, leader)
		st := s.runningAt(0, StageReceive)
		s.addMarker(c, s.paths.ReceiveBarrier(0), "w0")
		s.addMarker(c, s.paths.ReceiveBarrier(0), "w1")

		next, err := b.MaybeReadyToSend(context.TODO(), st)
		c.Assert(err, gc.IsNil)
		c.Assert(next.Status(), gc.Equals, StatusCompleted, gc.Commentf("leader=%t", leader))
		c.Assert(next.Superstep(), gc.Equals, 0)
	}
}

func (s *BarrierTestSuite) TestLeaderHaltDropsRegistrations(c *gc.C) {
	b := s.newBarrier(2, 0, true)
	s.boundaryHalt = true
	st := s.runningAt(1, StageReceive)
	s.addMarker(c, s.paths.ReceiveBarrier(1), "w0")
	s.addMarker(c, s.paths.ReceiveBarrier(1), "w1")
	s.addMarker(c, s.paths.SendBarrier(2), "w0")
	s.addMarker(c, s.paths.SendBarrier(2), "w1")

	next, err := b.MaybeReadyToSend(context.TODO(), st)
	c.Assert(err, gc.IsNil)
	c.Assert(next.Status(), gc.Equals, StatusCompleted)

	// The dropped registrations let every follower converge to COMPLETED
	// through the regular no-pending-work rule.
	children, err := s.store.Children(context.TODO(), s.paths.SendBarrier(2))
	c.Assert(err, gc.IsNil)
	c.Assert(coordination.CountLiveMembers(children), gc.Equals, 0)
}

func (s *BarrierTestSuite) TestMaxIterationsBound(c *gc.C) {
	for _, leader := range []bool{true, false} {
		s.SetUpTest(c)
		b := s.newBarrier(2, 1, leader)
		st := s.runningAt(0, StageReceive)
		s.addMarker(c, s.paths.ReceiveBarrier(0), "w0")
		s.addMarker(c, s.paths.ReceiveBarrier(0), "w1")
		s.addMarker(c, s.paths.SendBarrier(1), "w0")

		next, err := b.MaybeReadyToSend(context.TODO(), st)
		c.Assert(err, gc.IsNil)
		c.Assert(next.Status(), gc.Equals, StatusCompleted, gc.Commentf("leader=%t", leader))
	}
}

func (s *BarrierTestSuite) TestReceiveWaitsForRegistrations(c *gc.C) {
	b := s.newBarrier(2, 0, false)
	st := s.runningAt(0, StageSend)
	s.addMarker(c, s.paths.SendBarrier(0), "w0")

	next, err := b.MaybeReadyToReceive(context.TODO(), st)
	c.Assert(err, gc.IsNil)
	c.Assert(next, gc.Equals, st)
}

func (s *BarrierTestSuite) TestReceiveAdvancesWhenRegistrationsWithdrawn(c *gc.C) {
	b := s.newBarrier(2, 0, false)
	st := s.runningAt(0, StageSend)
	s.addMarker(c, s.paths.SendBarrier(0), "w0")
	err := s.store.Delete(context.TODO(), s.paths.BarrierMember(s.paths.SendBarrier(0), "w0"))
	c.Assert(err, gc.IsNil)

	next, err := b.MaybeReadyToReceive(context.TODO(), st)
	c.Assert(err, gc.IsNil)
	c.Assert(next.Superstep(), gc.Equals, 0)
	c.Assert(next.Stage(), gc.Equals, StageReceive)

	ready, err := s.store.Exists(context.TODO(), s.paths.BarrierReady(s.paths.ReceiveBarrier(0)))
	c.Assert(err, gc.IsNil)
	c.Assert(ready, gc.Equals, true)
}

func (s *BarrierTestSuite) TestExtraMarkersViolateInvariant(c *gc.C) {
	b := s.newBarrier(2, 0, false)
	st := s.runningAt(0, StageReceive)
	s.addMarker(c, s.paths.ReceiveBarrier(0), "w0")
	s.addMarker(c, s.paths.ReceiveBarrier(0), "w1")
	s.addMarker(c, s.paths.ReceiveBarrier(0), "w2")

	_, err := b.MaybeReadyToSend(context.TODO(), st)
	c.Assert(err, gc.NotNil)
	_, isViolation := err.(*InvariantViolationError)
	c.Assert(isViolation, gc.Equals, true, gc.Commentf("got %T: %v", err, err))
}

func (s *BarrierTestSuite) TestAdvancementCollectsGarbage(c *gc.C) {
	b := s.newBarrier(1, 0, true)
	ctx := context.TODO()

	// Step 0 subtrees linger from two supersteps ago.
	s.addMarker(c, s.paths.SendBarrier(0), "w0")
	s.addMarker(c, s.paths.ReceiveBarrier(0), "w0")
	_, err := s.store.Create(ctx, s.paths.AggregateMember(0, "w0"), nil, coordination.ModePersistent)
	c.Assert(err, gc.IsNil)

	st := s.runningAt(1, StageReceive)
	s.addMarker(c, s.paths.ReceiveBarrier(1), "w0")
	s.addMarker(c, s.paths.SendBarrier(2), "w0")

	next, err := b.MaybeReadyToSend(ctx, st)
	c.Assert(err, gc.IsNil)
	c.Assert(next.Superstep(), gc.Equals, 2)

	for _, path := range []string{s.paths.SendBarrier(0), s.paths.ReceiveBarrier(0), s.paths.Aggregates(0)} {
		exists, err := s.store.Exists(ctx, path)
		c.Assert(err, gc.IsNil)
		c.Assert(exists, gc.Equals, false, gc.Commentf("expected %q to be garbage-collected", path))
	}
}
