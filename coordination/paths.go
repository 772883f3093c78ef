package coordination

import (
	"sort"
	"strconv"
	"strings"
)

// Path layout constants. These are shared with the original Java
// implementation of the protocol and must not change.
const (
	// RootPath is the root node for all jobs.
	RootPath = "/kafka-graphs"

	// PregelPrefix is the prefix for per-job roots; the job ID is
	// appended to it.
	PregelPrefix = RootPath + "/pregel-"

	aggregatesNode = "aggregates"
	barriersNode   = "barriers"
	groupNode      = "group"
	leaderNode     = "leader"

	// ReadyNode is the marker child that signals that a barrier phase may
	// begin. It is excluded when counting barrier participants.
	ReadyNode = "ready"

	// MasterNode is the child of a per-step aggregates directory under
	// which the elected leader publishes the globally merged values.
	MasterNode = "master"

	sendBarrierPrefix    = "snd-"
	receiveBarrierPrefix = "rcv-"
)

// JobPaths computes the tree paths for a single job.
type JobPaths struct {
	root string
}

// PathsForJob returns the path layout for the job with the given ID.
func PathsForJob(jobID string) JobPaths {
	return JobPaths{root: PregelPrefix + jobID}
}

// Root returns the per-job root path.
func (p JobPaths) Root() string { return p.root }

// Group returns the path of the group membership directory.
func (p JobPaths) Group() string { return join(p.root, groupNode) }

// GroupMember returns the path of the ephemeral membership node for the
// given worker.
func (p JobPaths) GroupMember(workerID string) string {
	return join(p.Group(), workerID)
}

// GroupReady returns the path of the marker that releases workers once the
// expected group size has been reached.
func (p JobPaths) GroupReady() string { return join(p.Group(), ReadyNode) }

// Leader returns the path of the leader-election directory.
func (p JobPaths) Leader() string { return join(p.root, leaderNode) }

// LeaderCandidate returns the path prefix for sequential-ephemeral election
// candidate nodes.
func (p JobPaths) LeaderCandidate() string { return join(p.Leader(), "candidate-") }

// SendBarrier returns the barrier directory for the SEND phase of the given
// superstep.
func (p JobPaths) SendBarrier(superstep int) string {
	return join(p.root, barriersNode, sendBarrierPrefix+strconv.Itoa(superstep))
}

// ReceiveBarrier returns the barrier directory for the RECEIVE phase of the
// given superstep.
func (p JobPaths) ReceiveBarrier(superstep int) string {
	return join(p.root, barriersNode, receiveBarrierPrefix+strconv.Itoa(superstep))
}

// BarrierMember returns the path of a worker's marker inside a barrier
// directory.
func (p JobPaths) BarrierMember(barrierPath, workerID string) string {
	return join(barrierPath, workerID)
}

// BarrierReady returns the path of the ready marker inside a barrier
// directory.
func (p JobPaths) BarrierReady(barrierPath string) string {
	return join(barrierPath, ReadyNode)
}

// Aggregates returns the directory holding per-worker aggregator
// contributions for the given superstep.
func (p JobPaths) Aggregates(superstep int) string {
	return join(p.root, aggregatesNode, strconv.Itoa(superstep))
}

// AggregateMember returns the path of a worker's aggregator contribution for
// the given superstep.
func (p JobPaths) AggregateMember(superstep int, workerID string) string {
	return join(p.Aggregates(superstep), workerID)
}

// AggregateMaster returns the path under which the leader publishes the
// merged aggregator values for the given superstep.
func (p JobPaths) AggregateMaster(superstep int) string {
	return join(p.Aggregates(superstep), MasterNode)
}

// CountLiveMembers returns the number of children that represent worker
// markers, i.e. all children except a possible ready marker.
func CountLiveMembers(children []string) int {
	n := len(children)
	for _, child := range children {
		if child == ReadyNode {
			n--
		}
	}
	return n
}

// LiveMembers returns the sorted list of children excluding the ready
// marker.
func LiveMembers(children []string) []string {
	members := make([]string, 0, len(children))
	for _, child := range children {
		if child != ReadyNode {
			members = append(members, child)
		}
	}
	sort.Strings(members)
	return members
}

func join(elems ...string) string {
	return strings.Join(elems, "/")
}
