// Package memtree provides an in-process implementation of the
// coordination.Store interface. It mirrors the semantics the engine relies
// on from a real coordination service: hierarchical nodes, ephemeral and
// sequential create modes, idempotent tree deletion and subtree watches
// served from local state. A Tree is shared by all sessions in a process;
// each worker obtains its own Session so that ephemeral-node and expiry
// semantics can be exercised in tests.
package memtree

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kgraph/pregel/coordination"
	"golang.org/x/xerrors"
)

// ErrNotEmpty is returned by Delete when the target node still has
// children.
var ErrNotEmpty = xerrors.New("node has children")

// Tree is an in-memory hierarchical key-value tree with watch support.
type Tree struct {
	mu          sync.Mutex
	root        *node
	watchers    map[*watcher]struct{}
	nextSession int64
}

type node struct {
	data     []byte
	children map[string]*node
	owner    int64 // session ID for ephemeral nodes; 0 for persistent ones
	nextSeq  int64
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{
		root:     newNode(),
		watchers: make(map[*watcher]struct{}),
	}
}

// Session returns a new store session backed by the tree. Ephemeral nodes
// created through the session are removed when it closes or expires.
func (t *Tree) Session() *Session {
	t.mu.Lock()
	t.nextSession++
	s := &Session{tree: t, id: t.nextSession}
	t.mu.Unlock()
	return s
}

// Session implements coordination.Store against a shared Tree.
type Session struct {
	tree *Tree
	id   int64

	mu       sync.Mutex
	expired  bool
	watchers []*watcher
}

var _ coordination.Store = (*Session)(nil)

func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return nil, xerrors.Errorf("invalid path %q", path)
	}
	return strings.Split(path[1:], "/"), nil
}

func (s *Session) checkLive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return coordination.ErrSessionExpired
	}
	return nil
}

// Create implements coordination.Store.
func (s *Session) Create(_ context.Context, path string, data []byte, mode coordination.Mode) (string, error) {
	if err := s.checkLive(); err != nil {
		return "", err
	}
	parts, err := splitPath(path)
	if err != nil {
		return "", err
	}

	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()

	// Walk to the parent, materializing missing ancestors as persistent
	// nodes.
	cur := t.root
	prefix := ""
	for _, part := range parts[:len(parts)-1] {
		prefix += "/" + part
		child, exists := cur.children[part]
		if !exists {
			child = newNode()
			cur.children[part] = child
			t.notifyLocked(coordination.Event{Type: coordination.NodeCreated, Path: prefix})
		}
		cur = child
	}

	name := parts[len(parts)-1]
	if mode == coordination.ModeEphemeralSequential {
		name = fmt.Sprintf("%s%010d", name, cur.nextSeq)
		cur.nextSeq++
	} else if _, exists := cur.children[name]; exists {
		return "", xerrors.Errorf("create %q: %w", path, coordination.ErrNodeExists)
	}

	created := newNode()
	created.data = append([]byte(nil), data...)
	if mode == coordination.ModeEphemeral || mode == coordination.ModeEphemeralSequential {
		created.owner = s.id
	}
	cur.children[name] = created

	createdPath := prefix + "/" + name
	if len(parts) == 1 {
		createdPath = "/" + name
	}
	t.notifyLocked(coordination.Event{Type: coordination.NodeCreated, Path: createdPath})
	return createdPath, nil
}

// Exists implements coordination.Store.
func (s *Session) Exists(_ context.Context, path string) (bool, error) {
	if err := s.checkLive(); err != nil {
		return false, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return false, err
	}
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	_, found := s.tree.lookupLocked(parts)
	return found, nil
}

// Get implements coordination.Store.
func (s *Session) Get(_ context.Context, path string) ([]byte, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	n, found := s.tree.lookupLocked(parts)
	if !found {
		return nil, xerrors.Errorf("get %q: %w", path, coordination.ErrNoNode)
	}
	return append([]byte(nil), n.data...), nil
}

// Set implements coordination.Store.
func (s *Session) Set(_ context.Context, path string, data []byte) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	n, found := t.lookupLocked(parts)
	if !found {
		return xerrors.Errorf("set %q: %w", path, coordination.ErrNoNode)
	}
	n.data = append([]byte(nil), data...)
	t.notifyLocked(coordination.Event{Type: coordination.NodeDataChanged, Path: path})
	return nil
}

// Delete implements coordination.Store.
func (s *Session) Delete(_ context.Context, path string) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, found := t.lookupLocked(parts[:len(parts)-1])
	if !found {
		return xerrors.Errorf("delete %q: %w", path, coordination.ErrNoNode)
	}
	name := parts[len(parts)-1]
	target, found := parent.children[name]
	if !found {
		return xerrors.Errorf("delete %q: %w", path, coordination.ErrNoNode)
	}
	if len(target.children) != 0 {
		return xerrors.Errorf("delete %q: %w", path, ErrNotEmpty)
	}
	delete(parent.children, name)
	t.notifyLocked(coordination.Event{Type: coordination.NodeDeleted, Path: path})
	return nil
}

// DeleteTree implements coordination.Store.
func (s *Session) DeleteTree(_ context.Context, path string) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, found := t.lookupLocked(parts[:len(parts)-1])
	if !found {
		return nil
	}
	name := parts[len(parts)-1]
	target, found := parent.children[name]
	if !found {
		return nil
	}
	t.deleteSubtreeLocked(path, target)
	delete(parent.children, name)
	t.notifyLocked(coordination.Event{Type: coordination.NodeDeleted, Path: path})
	return nil
}

// Children implements coordination.Store.
func (s *Session) Children(_ context.Context, path string) ([]string, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	n, found := s.tree.lookupLocked(parts)
	if !found {
		return nil, xerrors.Errorf("children %q: %w", path, coordination.ErrNoNode)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// WatchTree implements coordination.Store.
func (s *Session) WatchTree(ctx context.Context, path string) (<-chan coordination.Event, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	if _, err := splitPath(path); err != nil {
		return nil, err
	}

	w := newWatcher(path)
	s.tree.mu.Lock()
	s.tree.watchers[w] = struct{}{}
	s.tree.mu.Unlock()
	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.tree.dropWatcher(w)
	}()
	return w.out, nil
}

// Close implements coordination.Store. It removes all ephemeral nodes
// created through the session and terminates its watches.
func (s *Session) Close() error {
	s.terminate(false)
	return nil
}

// Expire simulates a session expiry: ephemeral nodes are removed and a
// SessionExpired event is delivered on the session's watches before they
// close. All subsequent operations fail with ErrSessionExpired.
func (s *Session) Expire() {
	s.terminate(true)
}

func (s *Session) terminate(expired bool) {
	s.mu.Lock()
	if s.expired {
		s.mu.Unlock()
		return
	}
	s.expired = true
	watchers := s.watchers
	s.watchers = nil
	s.mu.Unlock()

	t := s.tree
	t.mu.Lock()
	t.removeEphemeralsLocked("", t.root, s.id)
	t.mu.Unlock()

	for _, w := range watchers {
		if expired {
			// The expiry event must reach the subscriber before the
			// channel closes; the watch stays registered until the
			// subscriber's context is canceled.
			w.enqueue(coordination.Event{Type: coordination.SessionExpired})
			continue
		}
		t.dropWatcher(w)
	}
}

func (t *Tree) lookupLocked(parts []string) (*node, bool) {
	cur := t.root
	for _, part := range parts {
		child, found := cur.children[part]
		if !found {
			return nil, false
		}
		cur = child
	}
	return cur, true
}

func (t *Tree) deleteSubtreeLocked(path string, n *node) {
	for name, child := range n.children {
		childPath := path + "/" + name
		t.deleteSubtreeLocked(childPath, child)
		delete(n.children, name)
		t.notifyLocked(coordination.Event{Type: coordination.NodeDeleted, Path: childPath})
	}
}

func (t *Tree) removeEphemeralsLocked(path string, n *node, owner int64) {
	for name, child := range n.children {
		childPath := path + "/" + name
		t.removeEphemeralsLocked(childPath, child, owner)
		if child.owner == owner && len(child.children) == 0 {
			delete(n.children, name)
			t.notifyLocked(coordination.Event{Type: coordination.NodeDeleted, Path: childPath})
		}
	}
}

func (t *Tree) notifyLocked(ev coordination.Event) {
	for w := range t.watchers {
		if w.matches(ev.Path) {
			w.enqueue(ev)
		}
	}
}

func (t *Tree) dropWatcher(w *watcher) {
	t.mu.Lock()
	_, live := t.watchers[w]
	delete(t.watchers, w)
	t.mu.Unlock()
	if live {
		w.close()
	}
}

// watcher delivers events to a subscriber without ever blocking tree
// mutations: events accumulate in an unbounded queue drained by a pump
// goroutine.
type watcher struct {
	prefix string
	out    chan coordination.Event
	done   chan struct{}

	mu     sync.Mutex
	queue  []coordination.Event
	wake   chan struct{}
	closed bool
	ended  bool
}

func newWatcher(prefix string) *watcher {
	w := &watcher{
		prefix: prefix,
		out:    make(chan coordination.Event, 1),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	go w.pump()
	return w
}

func (w *watcher) matches(path string) bool {
	return path == w.prefix || strings.HasPrefix(path, w.prefix+"/")
}

func (w *watcher) enqueue(ev coordination.Event) {
	w.mu.Lock()
	if w.closed || w.ended {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, ev)
	if ev.Type == coordination.SessionExpired {
		w.ended = true
	}
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	close(w.done)
}

func (w *watcher) pump() {
	defer close(w.out)
	for {
		select {
		case <-w.wake:
		case <-w.done:
			return
		}
		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()
			select {
			case w.out <- ev:
			case <-w.done:
				return
			}
		}
	}
}
