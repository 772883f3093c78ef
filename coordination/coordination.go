package coordination

import (
	"context"

	"golang.org/x/xerrors"
)

var (
	// ErrNodeExists is returned by Create when the target node is already
	// present in the tree.
	ErrNodeExists = xerrors.New("node already exists")

	// ErrNoNode is returned when the target node is not present in the
	// tree.
	ErrNoNode = xerrors.New("node does not exist")

	// ErrSessionExpired is returned once the session to the coordination
	// service has expired. It is fatal; callers must abort the job.
	ErrSessionExpired = xerrors.New("coordination session expired")

	// ErrConnectionLost indicates a transient connectivity problem.
	// Operations failing with this error may be safely retried.
	ErrConnectionLost = xerrors.New("connection to coordination service lost")
)

// Mode controls the lifecycle of a created node.
type Mode int8

const (
	// ModePersistent nodes survive until explicitly deleted.
	ModePersistent Mode = iota

	// ModeEphemeral nodes are automatically removed when the session that
	// created them terminates.
	ModeEphemeral

	// ModeEphemeralSequential nodes are ephemeral and get a monotonically
	// increasing suffix appended to their name by the service.
	ModeEphemeralSequential
)

// EventType describes a change observed in a watched subtree.
type EventType int8

const (
	// NodeCreated indicates that a node appeared in the watched subtree.
	NodeCreated EventType = iota

	// NodeDeleted indicates that a node was removed from the watched
	// subtree.
	NodeDeleted

	// NodeDataChanged indicates that the data of a node in the watched
	// subtree was overwritten.
	NodeDataChanged

	// SessionExpired indicates that the session backing the watch is gone.
	// No further events will be delivered after it.
	SessionExpired
)

// Event describes a single change in a watched subtree.
type Event struct {
	Type EventType
	Path string
}

// Store is implemented by clients for a hierarchical key-value tree with
// ephemeral-node and watch support (e.g. ZooKeeper). All paths are absolute
// and use "/" as a separator.
type Store interface {
	// Create inserts a new node at path with the provided data, creating
	// missing parents as persistent nodes. It returns the effective path
	// of the created node, which differs from the requested one for
	// ModeEphemeralSequential. Create fails with ErrNodeExists if the
	// node is already present.
	Create(ctx context.Context, path string, data []byte, mode Mode) (string, error)

	// Exists checks whether the node at path is present.
	Exists(ctx context.Context, path string) (bool, error)

	// Get returns the data stored at path or ErrNoNode.
	Get(ctx context.Context, path string) ([]byte, error)

	// Set overwrites the data stored at path or returns ErrNoNode.
	Set(ctx context.Context, path string, data []byte) error

	// Delete removes the node at path. It fails with ErrNoNode when the
	// node is not present; use DeleteIfExists for idempotent removal.
	Delete(ctx context.Context, path string) error

	// DeleteTree removes the node at path together with all of its
	// descendants. Missing nodes are not an error.
	DeleteTree(ctx context.Context, path string) error

	// Children returns the names of the children of path or ErrNoNode.
	Children(ctx context.Context, path string) ([]string, error)

	// WatchTree subscribes to changes of the subtree rooted at path. The
	// returned channel is closed when ctx expires or the store shuts
	// down.
	WatchTree(ctx context.Context, path string) (<-chan Event, error)

	// Close terminates the session, removing any ephemeral nodes created
	// through it.
	Close() error
}

// View provides read access to a local, watch-refreshed snapshot of the
// tree. The barrier protocol evaluates its predicates against a View so that
// spurious watch fires only ever trigger cheap local reads.
type View interface {
	// CurrentChildren returns the child names of path. The second return
	// value is false when the node is not present in the snapshot.
	CurrentChildren(ctx context.Context, path string) ([]string, bool, error)
}

// storeView adapts a Store to the View interface by querying it directly.
type storeView struct {
	store Store
}

// NewView returns a View backed by live queries against s. Store
// implementations that maintain their own local cache (such as memtree)
// make this a snapshot read.
func NewView(s Store) View {
	return &storeView{store: s}
}

func (v *storeView) CurrentChildren(ctx context.Context, path string) ([]string, bool, error) {
	children, err := v.store.Children(ctx, path)
	if err != nil {
		if xerrors.Is(err, ErrNoNode) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return children, true, nil
}

// CreateIfNotExists creates the node at path, swallowing ErrNodeExists so
// that concurrent creators race benignly.
func CreateIfNotExists(ctx context.Context, s Store, path string, data []byte, mode Mode) error {
	if _, err := s.Create(ctx, path, data, mode); err != nil && !xerrors.Is(err, ErrNodeExists) {
		return err
	}
	return nil
}

// DeleteIfExists removes the node at path, swallowing ErrNoNode.
func DeleteIfExists(ctx context.Context, s Store, path string) error {
	if err := s.Delete(ctx, path); err != nil && !xerrors.Is(err, ErrNoNode) {
		return err
	}
	return nil
}

// IsTransient reports whether err indicates a transient coordination failure
// that is safe to retry.
func IsTransient(err error) bool {
	return xerrors.Is(err, ErrConnectionLost)
}
