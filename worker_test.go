package pregel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kgraph/pregel/aggregator"
	"github.com/kgraph/pregel/coordination"
	"github.com/kgraph/pregel/coordination/memtree"
	"github.com/kgraph/pregel/graph"
	"github.com/kgraph/pregel/message"
	"github.com/kgraph/pregel/transport/memlog"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(WorkerTestSuite))

type WorkerTestSuite struct {
}

func newTestSerializer() Serializer {
	s := NewJSONSerializer()
	s.RegisterMessage(testMsg{}.Type(), func(data []byte) (message.Message, error) {
		var m testMsg
		err := json.Unmarshal(data, &m)
		return m, err
	})
	return s
}

type jobConfig struct {
	jobID         string
	groupSize     int
	numPartitions int
	maxIterations int
	combiner      bool
	defaultValue  func(string) interface{}

	// computation builds the vertex program for one worker.
	computation func(workerIdx int) Computation

	// seed populates each worker with the full input graph; ownership
	// pruning happens when the workers join the group.
	seed func(w *Worker)
}

type jobRun struct {
	tree     *memtree.Tree
	sessions []*memtree.Session
	workers  []*Worker
	results  []*Result
	errs     []error
}

// runJob spins up the configured worker group against a shared in-memory
// tree and log and waits for every worker to finish.
func (s *WorkerTestSuite) runJob(c *gc.C, job jobConfig) *jobRun {
	run := &jobRun{
		tree:     memtree.New(),
		sessions: make([]*memtree.Session, job.groupSize),
		workers:  make([]*Worker, job.groupSize),
		results:  make([]*Result, job.groupSize),
		errs:     make([]error, job.groupSize),
	}
	log := memlog.New(job.numPartitions)

	for i := 0; i < job.groupSize; i++ {
		run.sessions[i] = run.tree.Session()
		w, err := NewWorker(Config{
			JobID:              job.jobID,
			Store:              run.sessions[i],
			Log:                log,
			Computation:        job.computation(i),
			Serializer:         newTestSerializer(),
			NumPartitions:      job.numPartitions,
			GroupSize:          job.groupSize,
			MaxIterations:      job.maxIterations,
			CombinerEnabled:    job.combiner,
			DefaultVertexValue: job.defaultValue,
		})
		c.Assert(err, gc.IsNil)
		if job.seed != nil {
			job.seed(w)
		}
		run.workers[i] = w
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	var wg sync.WaitGroup
	wg.Add(job.groupSize)
	for i := 0; i < job.groupSize; i++ {
		go func(i int) {
			defer wg.Done()
			run.results[i], run.errs[i] = run.workers[i].Run(ctx)
		}(i)
	}
	wg.Wait()
	c.Assert(ctx.Err(), gc.IsNil, gc.Commentf("job timed out; a barrier deadlocked"))
	return run
}

func (run *jobRun) assertCompleted(c *gc.C, lastSuperstep int) {
	for i, err := range run.errs {
		c.Assert(err, gc.IsNil, gc.Commentf("worker %d", i))
		c.Assert(run.results[i].Status, gc.Equals, StatusCompleted, gc.Commentf("worker %d", i))
		c.Assert(run.results[i].LastSuperstep, gc.Equals, lastSuperstep, gc.Commentf("worker %d", i))
	}
}

// haltImmediately votes to halt at superstep 0 without sending messages.
type haltImmediately struct{}

func (haltImmediately) Init(*InitCallbacks) error { return nil }
func (haltImmediately) Compute(_ int, _ *graph.Vertex, _ message.Iterator, cb *ComputeCallbacks) error {
	cb.VoteToHalt()
	return nil
}

func (s *WorkerTestSuite) TestTwoWorkerNoOp(c *gc.C) {
	run := s.runJob(c, jobConfig{
		jobID:         "no-op",
		groupSize:     2,
		numPartitions: 2,
		computation:   func(int) Computation { return haltImmediately{} },
		seed: func(w *Worker) {
			w.AddVertex("1", nil)
			w.AddVertex("2", nil)
			c.Assert(w.AddEdge("1", "2", nil), gc.IsNil)
			c.Assert(w.AddEdge("2", "1", nil), gc.IsNil)
		},
	})
	run.assertCompleted(c, 0)

	// No worker registered work for superstep 1, so its send barrier was
	// never created.
	session := run.tree.Session()
	exists, err := session.Exists(context.TODO(), coordination.PathsForJob("no-op").SendBarrier(1))
	c.Assert(err, gc.IsNil)
	c.Assert(exists, gc.Equals, false)
}

// emergentRecorder captures what compute observed for the vertex that only
// exists because a message was sent to it.
type emergentRecorder struct {
	mu        sync.Mutex
	superstep int
	value     interface{}
	numEdges  int
	received  []int
}

type emergentComputation struct {
	rec *emergentRecorder
}

func (emergentComputation) Init(*InitCallbacks) error { return nil }
func (e emergentComputation) Compute(superstep int, v *graph.Vertex, msgs message.Iterator, cb *ComputeCallbacks) error {
	if superstep == 0 && v.ID() == "seed" {
		if err := cb.SendMessageTo("emergent-99", testMsg{Value: 7}); err != nil {
			return err
		}
	}
	if v.ID() == "emergent-99" {
		e.rec.mu.Lock()
		e.rec.superstep = superstep
		e.rec.value = v.Value()
		e.rec.numEdges = len(v.Edges())
		for msgs.Next() {
			e.rec.received = append(e.rec.received, msgs.Message().(testMsg).Value)
		}
		e.rec.mu.Unlock()
	}
	cb.VoteToHalt()
	return nil
}

func (s *WorkerTestSuite) TestEmergentVertex(c *gc.C) {
	rec := new(emergentRecorder)
	run := s.runJob(c, jobConfig{
		jobID:         "emergent",
		groupSize:     2,
		numPartitions: 2,
		defaultValue:  func(string) interface{} { return "fresh" },
		computation:   func(int) Computation { return emergentComputation{rec: rec} },
		seed: func(w *Worker) {
			w.AddVertex("seed", nil)
		},
	})
	run.assertCompleted(c, 1)

	c.Assert(rec.superstep, gc.Equals, 1)
	c.Assert(rec.value, gc.Equals, "fresh")
	c.Assert(rec.numEdges, gc.Equals, 0)
	c.Assert(rec.received, gc.DeepEquals, []int{7})

	// The vertex must exist on exactly one worker: the owner of its
	// partition.
	holders := 0
	for _, w := range run.workers {
		if v := w.Graph().Vertex("emergent-99"); v != nil {
			holders++
			c.Assert(w.ownsVertex("emergent-99"), gc.Equals, true)
		}
	}
	c.Assert(holders, gc.Equals, 1)
}

// aggRecorder tracks the previous aggregator values each compute invocation
// observed, keyed by superstep.
type aggRecorder struct {
	mu    sync.Mutex
	prevA map[int]int
	prevB map[int]int
}

type aggComputation struct {
	rec *aggRecorder
}

func (aggComputation) Init(cb *InitCallbacks) error {
	cb.RegisterAggregator("A", aggregator.NewIntAccumulator, true)
	cb.RegisterAggregator("B", aggregator.NewIntAccumulator, false)
	return nil
}

func (a aggComputation) Compute(superstep int, _ *graph.Vertex, _ message.Iterator, cb *ComputeCallbacks) error {
	prevA, err := cb.GetAggregatedValue("A")
	if err != nil {
		return err
	}
	prevB, err := cb.GetAggregatedValue("B")
	if err != nil {
		return err
	}
	a.rec.mu.Lock()
	a.rec.prevA[superstep] = prevA.(int)
	a.rec.prevB[superstep] = prevB.(int)
	a.rec.mu.Unlock()

	if err := cb.Aggregate("A", 1); err != nil {
		return err
	}
	return cb.Aggregate("B", 1)
}

func (s *WorkerTestSuite) TestAggregatorPersistenceVersusReset(c *gc.C) {
	rec := &aggRecorder{prevA: make(map[int]int), prevB: make(map[int]int)}
	run := s.runJob(c, jobConfig{
		jobID:         "aggregators",
		groupSize:     3,
		numPartitions: 3,
		maxIterations: 4,
		computation:   func(int) Computation { return aggComputation{rec: rec} },
		seed: func(w *Worker) {
			// One aggregate(1) call per vertex per superstep; three in
			// total regardless of how the vertices are distributed.
			w.AddVertex("v0", nil)
			w.AddVertex("v1", nil)
			w.AddVertex("v2", nil)
		},
	})
	run.assertCompleted(c, 3)

	for superstep := 0; superstep < 4; superstep++ {
		c.Assert(rec.prevA[superstep], gc.Equals, 3*superstep, gc.Commentf("superstep %d", superstep))
		expB := 3
		if superstep == 0 {
			expB = 0
		}
		c.Assert(rec.prevB[superstep], gc.Equals, expB, gc.Commentf("superstep %d", superstep))
	}

	for i, res := range run.results {
		c.Assert(res.Aggregators["A"], gc.Equals, 12, gc.Commentf("worker %d", i))
		c.Assert(res.Aggregators["B"], gc.Equals, 3, gc.Commentf("worker %d", i))
	}
}

// stepCounter counts compute invocations per superstep across all workers.
type stepCounter struct {
	mu          sync.Mutex
	invocations map[int]int
}

func (sc *stepCounter) inc(superstep int) {
	sc.mu.Lock()
	sc.invocations[superstep]++
	sc.mu.Unlock()
}

type masterHaltComputation struct {
	counter *stepCounter
}

func (masterHaltComputation) Init(*InitCallbacks) error { return nil }
func (m masterHaltComputation) Compute(superstep int, _ *graph.Vertex, _ message.Iterator, _ *ComputeCallbacks) error {
	// Never halts; only the master program terminates the run.
	m.counter.inc(superstep)
	return nil
}

func (masterHaltComputation) MasterCompute(superstep int, cb *MasterCallbacks) error {
	if superstep == 2 {
		cb.HaltComputation()
	}
	return nil
}

func (s *WorkerTestSuite) TestMasterHalt(c *gc.C) {
	counter := &stepCounter{invocations: make(map[int]int)}
	run := s.runJob(c, jobConfig{
		jobID:         "master-halt",
		groupSize:     2,
		numPartitions: 2,
		computation:   func(int) Computation { return masterHaltComputation{counter: counter} },
		seed: func(w *Worker) {
			w.AddVertex("1", nil)
			w.AddVertex("2", nil)
		},
	})
	run.assertCompleted(c, 2)

	for superstep := 0; superstep <= 2; superstep++ {
		c.Assert(counter.invocations[superstep], gc.Equals, 2, gc.Commentf("superstep %d", superstep))
	}
	c.Assert(counter.invocations[3], gc.Equals, 0, gc.Commentf("compute must never run after the master halts"))
}

type combinerRecorder struct {
	mu       sync.Mutex
	received []int
}

type fanInComputation struct {
	rec *combinerRecorder
}

func (fanInComputation) Init(*InitCallbacks) error { return nil }
func (f fanInComputation) Compute(superstep int, v *graph.Vertex, msgs message.Iterator, cb *ComputeCallbacks) error {
	if superstep == 0 {
		if v.ID() != "X" {
			if err := cb.SendMessageTo("X", testMsg{Value: 1}); err != nil {
				return err
			}
		}
	} else if v.ID() == "X" {
		f.rec.mu.Lock()
		for msgs.Next() {
			f.rec.received = append(f.rec.received, msgs.Message().(testMsg).Value)
		}
		f.rec.mu.Unlock()
	}
	cb.VoteToHalt()
	return nil
}

func (fanInComputation) Combiner() message.Combiner {
	return message.CombinerFunc(func(a, b message.Message) message.Message {
		return testMsg{Value: a.(testMsg).Value + b.(testMsg).Value}
	})
}

func (s *WorkerTestSuite) TestCombinerReducesFanIn(c *gc.C) {
	rec := new(combinerRecorder)
	run := s.runJob(c, jobConfig{
		jobID:         "combiner",
		groupSize:     2,
		numPartitions: 2,
		combiner:      true,
		computation:   func(int) Computation { return fanInComputation{rec: rec} },
		seed: func(w *Worker) {
			w.AddVertex("X", nil)
			for i := 0; i < 100; i++ {
				w.AddVertex(fmt.Sprintf("src-%d", i), nil)
			}
		},
	})
	run.assertCompleted(c, 1)

	// The 100 messages must arrive as a single combined message.
	c.Assert(rec.received, gc.DeepEquals, []int{100})
}

type failingComputation struct {
	fail bool
}

func (failingComputation) Init(*InitCallbacks) error { return nil }
func (f failingComputation) Compute(int, *graph.Vertex, message.Iterator, *ComputeCallbacks) error {
	if f.fail {
		return xerrors.New("user callback blew up")
	}
	return nil
}

func (s *WorkerTestSuite) TestUserCallbackFailureAbortsJob(c *gc.C) {
	run := s.runJob(c, jobConfig{
		jobID:         "user-failure",
		groupSize:     2,
		numPartitions: 2,
		computation:   func(workerIdx int) Computation { return failingComputation{fail: workerIdx == 0} },
		seed: func(w *Worker) {
			w.AddVertex("1", nil)
			w.AddVertex("2", nil)
		},
	})

	c.Assert(run.errs[0], gc.ErrorMatches, "(?s).*user callback blew up.*")
	c.Assert(run.errs[1], gc.NotNil, gc.Commentf("peers must not keep waiting on a torn-down job"))
}

type neverHaltComputation struct{}

func (neverHaltComputation) Init(*InitCallbacks) error { return nil }
func (neverHaltComputation) Compute(int, *graph.Vertex, message.Iterator, *ComputeCallbacks) error {
	return nil
}

func (s *WorkerTestSuite) TestSessionExpiryAbortsJob(c *gc.C) {
	tree := memtree.New()
	log := memlog.New(2)
	sessions := []*memtree.Session{tree.Session(), tree.Session()}

	workers := make([]*Worker, 2)
	for i := 0; i < 2; i++ {
		w, err := NewWorker(Config{
			JobID:         "expiry",
			Store:         sessions[i],
			Log:           log,
			Computation:   neverHaltComputation{},
			Serializer:    newTestSerializer(),
			NumPartitions: 2,
			GroupSize:     2,
		})
		c.Assert(err, gc.IsNil)
		w.AddVertex("1", nil)
		w.AddVertex("2", nil)
		workers[i] = w
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = workers[i].Run(ctx)
		}(i)
	}

	// Let the group form and run a few supersteps, then kill one session.
	time.Sleep(100 * time.Millisecond)
	sessions[1].Expire()
	wg.Wait()
	c.Assert(ctx.Err(), gc.IsNil, gc.Commentf("job timed out; a barrier deadlocked"))

	c.Assert(xerrors.Is(errs[1], coordination.ErrSessionExpired), gc.Equals, true, gc.Commentf("got %v", errs[1]))
	c.Assert(errs[0], gc.NotNil, gc.Commentf("survivor must abort when the group shrinks"))
}
