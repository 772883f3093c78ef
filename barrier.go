package pregel

import (
	"context"
	"fmt"

	"github.com/kgraph/pregel/coordination"
	"golang.org/x/xerrors"
)

// boundaryFunc is invoked on the leader when all workers have finished the
// RECEIVE phase of completedStep, before the workers are released into the
// next superstep. It performs the global aggregator merge and runs the
// master program; a true result forces global termination.
type boundaryFunc func(ctx context.Context, completedStep int) (halt bool, err error)

// stepBarrier evaluates the barrier protocol against the coordination
// tree. Both evaluation functions are monotonic: fed the same or a later
// tree state they return the same or a strictly advanced PregelState, so
// retries and spurious watch fires are safe.
//
// Marker discipline: snd-<N>/<wid> children are pending-work registrations
// created before the worker's rcv-<N-1> marker and removed once the
// worker's step-N sends are flushed; the SEND phase completes at zero
// registrations. rcv-<N>/<wid> children are finish markers; the RECEIVE
// phase completes at exactly groupSize of them.
type stepBarrier struct {
	store coordination.Store
	view  coordination.View
	paths coordination.JobPaths

	groupSize     int
	maxIterations int

	// leader-only; nil on followers.
	onBoundary boundaryFunc
}

func (b *stepBarrier) barrierPath(state PregelState) string {
	if state.Stage() == StageSend {
		return b.paths.SendBarrier(state.Superstep())
	}
	return b.paths.ReceiveBarrier(state.Superstep())
}

// MaybeReadyToSend is evaluated by a worker in the RECEIVE stage of step N.
// It advances to (N+1, SEND) once all workers have finished receiving and
// at least one of them has registered pending work, or flags the state as
// COMPLETED when there is none (or the iteration bound is reached).
func (b *stepBarrier) MaybeReadyToSend(ctx context.Context, state PregelState) (PregelState, error) {
	// Bootstrap: the group-ready barrier guarantees that every worker has
	// already registered its step-0 work.
	if state.Superstep() < 0 {
		return state.Next(), nil
	}

	barrierPath := b.barrierPath(state)
	children, ok, err := b.view.CurrentChildren(ctx, barrierPath)
	if err != nil {
		return state, err
	}
	if !ok {
		return state, nil
	}
	finished := coordination.CountLiveMembers(children)
	if finished > b.groupSize {
		return state, &InvariantViolationError{
			Path:    barrierPath,
			Details: fmt.Sprintf("%d finish markers for a group of %d", finished, b.groupSize),
		}
	}
	if finished < b.groupSize {
		return state, nil
	}

	next := state.Next()
	boundedOut := b.maxIterations > 0 && next.Superstep() >= b.maxIterations

	nextBarrierPath := b.paths.SendBarrier(next.Superstep())
	nextChildren, nextOk, err := b.view.CurrentChildren(ctx, nextBarrierPath)
	if err != nil {
		return state, err
	}
	pending := coordination.LiveMembers(nextChildren)

	if b.onBoundary != nil {
		// Leader: merge aggregators and run the master program before
		// anything that could release or terminate the group.
		halt, err := b.onBoundary(ctx, state.Superstep())
		if err != nil {
			return state, err
		}
		if halt || boundedOut {
			// Drop the pending-work registrations so that every
			// worker's own evaluation converges to COMPLETED.
			for _, workerID := range pending {
				if err := coordination.DeleteIfExists(ctx, b.store, b.paths.BarrierMember(nextBarrierPath, workerID)); err != nil {
					return state, err
				}
			}
			return state.WithStatus(StatusCompleted), nil
		}
		if !nextOk || len(pending) == 0 {
			// No worker has queued work for the next send phase.
			return state.WithStatus(StatusCompleted), nil
		}
		if err := coordination.CreateIfNotExists(ctx, b.store, b.paths.BarrierReady(nextBarrierPath), nil, coordination.ModePersistent); err != nil {
			return state, err
		}
		if err := b.collectGarbage(ctx, state.Superstep()-1); err != nil {
			return state, err
		}
		return next, nil
	}

	// Followers terminate through the same no-pending-work rule; the
	// leader ensures it holds by deleting registrations on halt.
	if boundedOut || !nextOk || len(pending) == 0 {
		return state.WithStatus(StatusCompleted), nil
	}

	// Followers may only enter the next phase once the leader has
	// published its ready marker (invariant B1).
	ready, err := b.store.Exists(ctx, b.paths.BarrierReady(nextBarrierPath))
	if err != nil {
		return state, err
	}
	if !ready {
		return state, nil
	}
	return next, nil
}

// MaybeReadyToReceive is evaluated by a worker in the SEND stage of step N.
// It advances to (N, RECEIVE) once every pending-work registration has been
// withdrawn, i.e. all of the step's sends are durably flushed.
func (b *stepBarrier) MaybeReadyToReceive(ctx context.Context, state PregelState) (PregelState, error) {
	if state.Superstep() < 0 {
		return state.Next(), nil
	}

	barrierPath := b.barrierPath(state)
	children, ok, err := b.view.CurrentChildren(ctx, barrierPath)
	if err != nil {
		return state, err
	}
	if !ok {
		return state, nil
	}
	if coordination.CountLiveMembers(children) != 0 {
		return state, nil
	}

	// Whoever observes the last withdrawal first publishes the ready
	// marker of the RECEIVE phase being entered; concurrent creators race
	// benignly.
	readyPath := b.paths.BarrierReady(b.paths.ReceiveBarrier(state.Superstep()))
	if err := coordination.CreateIfNotExists(ctx, b.store, readyPath, nil, coordination.ModePersistent); err != nil {
		return state, err
	}
	return state.Next(), nil
}

// collectGarbage removes the barrier and aggregate subtrees of a finished
// superstep. It runs when the leader releases the group into superstep
// N+1, at which point every worker has observed completion of superstep N
// and no longer reads the N-1 subtrees.
func (b *stepBarrier) collectGarbage(ctx context.Context, superstep int) error {
	if superstep < 0 {
		return nil
	}
	for _, path := range []string{
		b.paths.SendBarrier(superstep),
		b.paths.ReceiveBarrier(superstep),
		b.paths.Aggregates(superstep),
	} {
		if err := b.store.DeleteTree(ctx, path); err != nil {
			return xerrors.Errorf("unable to collect garbage for superstep %d: %w", superstep, err)
		}
	}
	return nil
}
