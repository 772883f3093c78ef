package pregel

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kgraph/pregel/aggregator"
	"github.com/kgraph/pregel/coordination"
	"github.com/kgraph/pregel/graph"
	"github.com/kgraph/pregel/message"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Result is the final state of a job as observed by one worker.
type Result struct {
	// Status is always StatusCompleted for successful runs.
	Status Status

	// LastSuperstep is the number of the last executed superstep.
	LastSuperstep int

	// Aggregators holds the globally merged value of every registered
	// aggregator after the last superstep.
	Aggregators map[string]interface{}
}

// Worker executes a vertex program over the graph partitions it owns, in
// lock-step with the other workers of its group.
type Worker struct {
	cfg    Config
	id     string
	logger *logrus.Entry
	paths  coordination.JobPaths

	graph    *graph.Graph
	registry *aggregator.Registry
	router   *router
	metrics  *workerMetrics

	barrier         *stepBarrier
	leader          bool
	workerIndex     int
	ownedPartitions []int
	events          <-chan coordination.Event

	userFailure bool
}

// NewWorker creates a new Worker instance with the specified configuration
// and runs the computation's Init callback. Vertices and edges may be added
// to the worker until Run is invoked; ownership-based pruning happens when
// the worker joins its group.
func NewWorker(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("worker config validation failed: %w", err)
	}

	id := uuid.New().String()
	queueFactory := message.NewInMemoryQueue
	if cfg.CombinerEnabled {
		if provider, ok := cfg.Computation.(CombinerProvider); ok {
			queueFactory = message.NewCombiningQueue(provider.Combiner())
		}
	}

	w := &Worker{
		cfg:    cfg,
		id:     id,
		logger: cfg.Logger.WithFields(logrus.Fields{"job_id": cfg.JobID, "worker_id": id}),
		paths:  coordination.PathsForJob(cfg.JobID),
		graph: graph.NewGraph(graph.Config{
			QueueFactory: queueFactory,
			DefaultValue: cfg.DefaultVertexValue,
		}),
		registry: aggregator.NewRegistry(),
		router:   newRouter(cfg.NumPartitions, cfg.Serializer, cfg.Log),
		metrics:  newWorkerMetrics(cfg.Metrics),
	}

	if err := cfg.Computation.Init(&InitCallbacks{registry: w.registry}); err != nil {
		return nil, xerrors.Errorf("computation init failed: %w", err)
	}
	return w, nil
}

// ID returns the worker's unique ID.
func (w *Worker) ID() string { return w.id }

// AddVertex inserts a vertex into the worker's local graph. Vertices not
// owned by this worker are dropped when it joins the group.
func (w *Worker) AddVertex(id string, initValue interface{}) {
	w.graph.AddVertex(id, initValue)
}

// AddEdge inserts a directed edge between two vertices.
func (w *Worker) AddEdge(srcID, dstID string, initValue interface{}) error {
	return w.graph.AddEdge(srcID, dstID, initValue)
}

// Graph exposes the worker's local vertex store so that callers can read
// back the computed vertex values after Run returns.
func (w *Worker) Graph() *graph.Graph { return w.graph }

// Run joins the worker group and executes supersteps until the computation
// completes, the context expires or the job is aborted.
func (w *Worker) Run(ctx context.Context) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.join(runCtx); err != nil {
		return nil, xerrors.Errorf("unable to join group for job %q: %w", w.cfg.JobID, err)
	}

	res, err := w.runToCompletion(runCtx)
	if err != nil {
		w.logger.WithField("err", err).Error("job execution failed")
		if w.userFailure {
			// User-callback failures tear down the whole job so that
			// peers do not wait on barriers that will never fill up.
			_ = w.cfg.Store.DeleteTree(context.Background(), w.paths.Root())
		}
		return nil, err
	}

	w.logger.WithField("last_superstep", res.LastSuperstep).Info("job completed successfully")
	return res, nil
}

// join implements the group entry sequence: subscribe to tree changes,
// register step-0 work, publish the ephemeral membership node, enter the
// leader election and block until the expected group size is reached.
func (w *Worker) join(ctx context.Context) error {
	events, err := w.cfg.Store.WatchTree(ctx, w.paths.Root())
	if err != nil {
		return err
	}
	w.events = events

	if err := coordination.CreateIfNotExists(ctx, w.cfg.Store, w.paths.Root(), nil, coordination.ModePersistent); err != nil {
		return err
	}
	// Step 0 runs compute for every vertex, so each worker pre-registers
	// pending work for the first SEND phase before releasing the group.
	if err := coordination.CreateIfNotExists(ctx, w.cfg.Store, w.paths.BarrierMember(w.paths.SendBarrier(0), w.id), nil, coordination.ModePersistent); err != nil {
		return err
	}
	if _, err := w.cfg.Store.Create(ctx, w.paths.GroupMember(w.id), nil, coordination.ModeEphemeral); err != nil {
		return err
	}

	candidatePath, err := w.cfg.Store.Create(ctx, w.paths.LeaderCandidate(), []byte(w.id), coordination.ModeEphemeralSequential)
	if err != nil {
		return err
	}

	// Group-size barrier: whichever worker observes the full group first
	// acts as the configurator and publishes group/ready.
	for {
		ready, err := w.cfg.Store.Exists(ctx, w.paths.GroupReady())
		if err != nil {
			return err
		}
		if ready {
			break
		}
		children, err := w.cfg.Store.Children(ctx, w.paths.Group())
		if err != nil {
			return err
		}
		n := coordination.CountLiveMembers(children)
		if n > w.cfg.GroupSize {
			return &InvariantViolationError{
				Path:    w.paths.Group(),
				Details: xerrors.Errorf("%d workers joined a group of %d", n, w.cfg.GroupSize).Error(),
			}
		}
		if n == w.cfg.GroupSize {
			if err := coordination.CreateIfNotExists(ctx, w.cfg.Store, w.paths.GroupReady(), nil, coordination.ModePersistent); err != nil {
				return err
			}
			break
		}
		if err := w.awaitEvent(ctx); err != nil {
			return err
		}
	}

	// Snapshot the membership; from here on any shrinkage is fatal.
	children, err := w.cfg.Store.Children(ctx, w.paths.Group())
	if err != nil {
		return err
	}
	members := coordination.LiveMembers(children)
	if len(members) != w.cfg.GroupSize {
		return xerrors.Errorf("group changed while joining (have %d workers, expect %d): %w", len(members), w.cfg.GroupSize, ErrGroupShrunk)
	}
	w.workerIndex = sort.SearchStrings(members, w.id)
	if w.workerIndex >= len(members) || members[w.workerIndex] != w.id {
		return xerrors.Errorf("worker %q missing from group member list", w.id)
	}
	for partition := 0; partition < w.cfg.NumPartitions; partition++ {
		if partition%w.cfg.GroupSize == w.workerIndex {
			w.ownedPartitions = append(w.ownedPartitions, partition)
		}
	}

	// The candidate with the lowest sequence number leads the job: it
	// merges aggregators, runs the master program and releases the group
	// into each new superstep.
	candidates, err := w.cfg.Store.Children(ctx, w.paths.Leader())
	if err != nil {
		return err
	}
	sort.Strings(candidates)
	w.leader = len(candidates) != 0 && candidates[0] == baseName(candidatePath)

	// Drop the vertices this worker does not own.
	if err := w.graph.Retain(w.ownsVertex); err != nil {
		return err
	}

	var onBoundary boundaryFunc
	if w.leader {
		onBoundary = w.masterBoundary
	}
	w.barrier = &stepBarrier{
		store:         w.cfg.Store,
		view:          coordination.NewView(w.cfg.Store),
		paths:         w.paths,
		groupSize:     w.cfg.GroupSize,
		maxIterations: w.cfg.MaxIterations,
		onBoundary:    onBoundary,
	}

	w.logger.WithFields(logrus.Fields{
		"worker_index":     w.workerIndex,
		"group_size":       w.cfg.GroupSize,
		"owned_partitions": w.ownedPartitions,
		"leader":           w.leader,
	}).Info("joined worker group")
	return nil
}

func (w *Worker) ownsVertex(id string) bool {
	return Partition(id, w.cfg.NumPartitions)%w.cfg.GroupSize == w.workerIndex
}

// runToCompletion drives the two-phase barrier state machine until the
// computation completes.
func (w *Worker) runToCompletion(ctx context.Context) (*Result, error) {
	state := NewState().WithStatus(StatusRunning)
	for state.Status() != StatusCompleted {
		var (
			next PregelState
			err  error
		)
		if state.Stage() == StageReceive {
			next, err = w.barrier.MaybeReadyToSend(ctx, state)
		} else {
			next, err = w.barrier.MaybeReadyToReceive(ctx, state)
		}
		if err != nil {
			return nil, err
		}

		if next == state {
			// Blocked on the barrier; distinguish a stalled phase
			// from a dead peer before going back to sleep.
			if err := w.checkGroup(ctx); err != nil {
				return nil, err
			}
			if err := w.awaitEvent(ctx); err != nil {
				return nil, err
			}
			continue
		}

		state = next
		if state.Status() == StatusCompleted {
			break
		}
		if state.Stage() == StageSend {
			err = w.runSendPhase(ctx, state.Superstep())
		} else {
			err = w.runReceivePhase(ctx, state.Superstep())
		}
		if err != nil {
			return nil, err
		}
	}

	return w.finalize(ctx, state.Superstep())
}

// awaitEvent blocks until the coordination tree changes.
func (w *Worker) awaitEvent(ctx context.Context) error {
	select {
	case ev, ok := <-w.events:
		if !ok {
			return xerrors.Errorf("coordination watch terminated: %w", ErrJobAborted)
		}
		if ev.Type == coordination.SessionExpired {
			return coordination.ErrSessionExpired
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkGroup verifies that the group still has the expected size.
func (w *Worker) checkGroup(ctx context.Context) error {
	children, err := w.cfg.Store.Children(ctx, w.paths.Group())
	if err != nil {
		if xerrors.Is(err, coordination.ErrNoNode) {
			return xerrors.Errorf("job root torn down: %w", ErrJobAborted)
		}
		return err
	}
	if n := coordination.CountLiveMembers(children); n < w.cfg.GroupSize {
		return xerrors.Errorf("%d of %d workers left: %w", w.cfg.GroupSize-n, w.cfg.GroupSize, ErrGroupShrunk)
	}
	return nil
}

// runSendPhase executes the compute half of superstep n: commit the merged
// aggregator values of the previous superstep, invoke compute for every
// eligible vertex, apply the staged mutations, flush the outbound messages
// and publish this worker's aggregator contribution.
func (w *Worker) runSendPhase(ctx context.Context, n int) error {
	span := opentracing.StartSpan("pregel/send")
	span.SetTag("job_id", w.cfg.JobID)
	span.SetTag("superstep", n)
	defer span.Finish()

	logger := w.logger.WithFields(logrus.Fields{"superstep": n, "stage": StageSend.String()})

	if n > 0 {
		blob, err := w.cfg.Store.Get(ctx, w.paths.AggregateMaster(n-1))
		if err != nil {
			return xerrors.Errorf("unable to read merged aggregator values for superstep %d: %w", n-1, err)
		}
		merged, err := w.decodeAggregatorValues(blob)
		if err != nil {
			return err
		}
		if err := w.registry.CommitPrevious(merged); err != nil {
			return err
		}
		w.registry.ResetForSuperstep()
	}

	if hook, ok := w.cfg.Computation.(PreSuperstepHook); ok {
		if err := hook.PreSuperstep(n, w.registry); err != nil {
			w.userFailure = true
			return xerrors.Errorf("pre-superstep hook failed at superstep %d: %w", n, err)
		}
	}

	eligible := w.eligibleVertices(n)
	w.metrics.activeVertices.Set(float64(len(eligible)))
	logger.WithField("active_vertices", len(eligible)).Debug("running compute")

	if err := w.computeVertices(ctx, n, eligible); err != nil {
		w.userFailure = true
		return err
	}
	if err := w.graph.ApplyStaged(); err != nil {
		return err
	}

	sent, err := w.router.Flush(ctx)
	if err != nil {
		return err
	}
	w.metrics.messagesSent.Add(float64(sent))

	contribution, err := w.cfg.Serializer.Serialize(w.registry.Contributions())
	if err != nil {
		return xerrors.Errorf("unable to serialize aggregator contribution for superstep %d: %w", n, err)
	}
	if _, err := w.cfg.Store.Create(ctx, w.paths.AggregateMember(n, w.id), contribution, coordination.ModePersistent); err != nil {
		return xerrors.Errorf("unable to publish aggregator contribution for superstep %d: %w", n, err)
	}

	if hook, ok := w.cfg.Computation.(PostSuperstepHook); ok {
		if err := hook.PostSuperstep(n, w.registry); err != nil {
			w.userFailure = true
			return xerrors.Errorf("post-superstep hook failed at superstep %d: %w", n, err)
		}
	}

	// All sends are durable; withdraw the pending-work registration so the
	// group can move on to the RECEIVE phase.
	if err := coordination.DeleteIfExists(ctx, w.cfg.Store, w.paths.BarrierMember(w.paths.SendBarrier(n), w.id)); err != nil {
		return err
	}

	w.metrics.supersteps.Inc()
	logger.WithField("messages_sent", sent).Debug("send phase finished")
	return nil
}

// runReceivePhase executes the drain half of superstep n: deliver the
// messages from the owned partitions into the per-vertex buffers, register
// pending work for the next superstep and publish the finish marker.
func (w *Worker) runReceivePhase(ctx context.Context, n int) error {
	span := opentracing.StartSpan("pregel/receive")
	span.SetTag("job_id", w.cfg.JobID)
	span.SetTag("superstep", n)
	defer span.Finish()

	logger := w.logger.WithFields(logrus.Fields{"superstep": n, "stage": StageReceive.String()})

	delivered, err := w.router.Drain(ctx, w.ownedPartitions, w.graph.Deliver)
	if err != nil {
		return err
	}
	w.metrics.messagesReceived.Add(float64(delivered))

	hasWork := false
	for _, v := range w.graph.Vertices() {
		if v.PendingMessages() || !v.Halted() {
			hasWork = true
			break
		}
	}
	withinBound := w.cfg.MaxIterations == 0 || n+1 < w.cfg.MaxIterations
	if hasWork && withinBound {
		if err := coordination.CreateIfNotExists(ctx, w.cfg.Store, w.paths.BarrierMember(w.paths.SendBarrier(n+1), w.id), nil, coordination.ModePersistent); err != nil {
			return err
		}
	}

	memberPath := w.paths.BarrierMember(w.paths.ReceiveBarrier(n), w.id)
	if _, err := w.cfg.Store.Create(ctx, memberPath, nil, coordination.ModePersistent); err != nil {
		if xerrors.Is(err, coordination.ErrNodeExists) {
			return &InvariantViolationError{Path: memberPath, Details: "duplicate barrier completion"}
		}
		return err
	}

	logger.WithField("messages_received", delivered).Debug("receive phase finished")
	return nil
}

// eligibleVertices selects the vertices that must run compute at superstep
// n: every vertex at superstep 0, afterwards those with pending messages or
// that have not voted to halt.
func (w *Worker) eligibleVertices(n int) []*graph.Vertex {
	var eligible []*graph.Vertex
	for _, v := range w.graph.Vertices() {
		if n == 0 || v.PendingMessages() || !v.Halted() {
			eligible = append(eligible, v)
		}
	}
	return eligible
}

// computeVertices fans the eligible vertices out to the compute pool and
// invokes the user compute callback for each one.
func (w *Worker) computeVertices(ctx context.Context, n int, eligible []*graph.Vertex) error {
	var (
		wg       sync.WaitGroup
		vertexCh = make(chan *graph.Vertex)
		errCh    = make(chan error, 1)
	)

	wg.Add(w.cfg.ComputeWorkers)
	for i := 0; i < w.cfg.ComputeWorkers; i++ {
		go func() {
			defer wg.Done()
			for v := range vertexCh {
				cb := &ComputeCallbacks{
					vertex:   v,
					graph:    w.graph,
					router:   w.router,
					registry: w.registry,
				}
				if err := w.cfg.Computation.Compute(n, v, v.Messages(), cb); err != nil {
					tryEmitError(errCh, xerrors.Errorf("running compute for vertex %q at superstep %d failed: %w", v.ID(), n, err))
				} else if err := v.DiscardMessages(); err != nil {
					tryEmitError(errCh, xerrors.Errorf("discarding unprocessed messages for vertex %q failed: %w", v.ID(), err))
				}
			}
		}()
	}

	for _, v := range eligible {
		vertexCh <- v
	}
	close(vertexCh)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func tryEmitError(errCh chan<- error, err error) {
	select {
	case errCh <- err: // queued error
	default: // channel already contains another error
	}
}

// masterBoundary runs on the leader when superstep n has globally finished:
// it merges the per-worker aggregator contributions, runs the master
// program and publishes the merged values for the group.
func (w *Worker) masterBoundary(ctx context.Context, n int) (bool, error) {
	aggregatesPath := w.paths.Aggregates(n)
	children, err := w.cfg.Store.Children(ctx, aggregatesPath)
	if err != nil {
		return false, xerrors.Errorf("unable to list aggregator contributions for superstep %d: %w", n, err)
	}

	var contributions []map[string]interface{}
	for _, child := range children {
		if child == coordination.MasterNode {
			continue
		}
		blob, err := w.cfg.Store.Get(ctx, aggregatesPath+"/"+child)
		if err != nil {
			return false, xerrors.Errorf("unable to read aggregator contribution %q for superstep %d: %w", child, n, err)
		}
		values, err := w.decodeAggregatorValues(blob)
		if err != nil {
			return false, err
		}
		contributions = append(contributions, values)
	}
	if len(contributions) != w.cfg.GroupSize {
		return false, &InvariantViolationError{
			Path:    aggregatesPath,
			Details: xerrors.Errorf("%d aggregator contributions for a group of %d", len(contributions), w.cfg.GroupSize).Error(),
		}
	}

	merged, err := w.registry.Merge(contributions)
	if err != nil {
		return false, err
	}

	mcb := &MasterCallbacks{merged: merged}
	if mc, ok := w.cfg.Computation.(MasterComputation); ok {
		if err := mc.MasterCompute(n, mcb); err != nil {
			w.userFailure = true
			return false, xerrors.Errorf("master compute failed at superstep %d: %w", n, err)
		}
		if mcb.halted {
			w.logger.WithField("superstep", n).Info("master program halted the computation")
		}
	}

	blob, err := w.cfg.Serializer.Serialize(merged)
	if err != nil {
		return false, xerrors.Errorf("unable to serialize merged aggregator values for superstep %d: %w", n, err)
	}
	if err := coordination.CreateIfNotExists(ctx, w.cfg.Store, w.paths.AggregateMaster(n), blob, coordination.ModePersistent); err != nil {
		return false, err
	}
	return mcb.halted, nil
}

// finalize waits for the merged aggregator values of the last superstep and
// assembles the job result.
func (w *Worker) finalize(ctx context.Context, lastSuperstep int) (*Result, error) {
	masterPath := w.paths.AggregateMaster(lastSuperstep)
	for {
		exists, err := w.cfg.Store.Exists(ctx, masterPath)
		if err != nil {
			return nil, err
		}
		if exists {
			break
		}
		if err := w.awaitEvent(ctx); err != nil {
			return nil, err
		}
	}

	blob, err := w.cfg.Store.Get(ctx, masterPath)
	if err != nil {
		return nil, err
	}
	merged, err := w.decodeAggregatorValues(blob)
	if err != nil {
		return nil, err
	}
	if err := w.registry.CommitPrevious(merged); err != nil {
		return nil, err
	}

	return &Result{
		Status:        StatusCompleted,
		LastSuperstep: lastSuperstep,
		Aggregators:   w.registry.Values(),
	}, nil
}

func (w *Worker) decodeAggregatorValues(blob []byte) (map[string]interface{}, error) {
	val, err := w.cfg.Serializer.Unserialize(blob)
	if err != nil {
		return nil, xerrors.Errorf("unable to decode aggregator values: %w", err)
	}
	values, ok := val.(map[string]interface{})
	if !ok {
		return nil, xerrors.Errorf("aggregator payload decoded into %T instead of a value map", val)
	}
	return values, nil
}

func baseName(path string) string {
	if idx := strings.LastIndex(path, "/"); idx != -1 {
		return path[idx+1:]
	}
	return path
}
