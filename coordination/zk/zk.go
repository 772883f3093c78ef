// Package zk implements coordination.Store on top of a ZooKeeper ensemble,
// the coordination service used by the original implementation of this
// protocol.
package zk

import (
	"context"
	"io/ioutil"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/kgraph/pregel/coordination"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const defaultSessionTimeout = 10 * time.Second

// Config encapsulates the options for connecting to a ZooKeeper ensemble.
type Config struct {
	// Endpoints is the list of "host:port" servers of the ensemble.
	Endpoints []string

	// SessionTimeout for the ZooKeeper session. Defaults to 10s.
	SessionTimeout time.Duration

	// Logger instance to use. If not specified, a null logger will be
	// used instead.
	Logger *logrus.Entry
}

func (cfg *Config) applyDefaults() {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
}

// Store implements coordination.Store against a ZooKeeper ensemble.
type Store struct {
	conn   *zk.Conn
	logger *logrus.Entry
	acl    []zk.ACL

	mu      sync.Mutex
	expired bool
	subs    []chan struct{}
}

var _ coordination.Store = (*Store)(nil)

// Connect establishes a session with the configured ensemble.
func Connect(cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if len(cfg.Endpoints) == 0 {
		return nil, xerrors.New("no zookeeper endpoints specified")
	}

	conn, sessionEvents, err := zk.Connect(cfg.Endpoints, cfg.SessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, xerrors.Errorf("unable to connect to zookeeper: %w", err)
	}

	s := &Store{
		conn:   conn,
		logger: cfg.Logger,
		acl:    zk.WorldACL(zk.PermAll),
	}
	go s.monitorSession(sessionEvents)
	return s, nil
}

// monitorSession tracks the global session state so that watchers and
// subsequent operations observe expiry.
func (s *Store) monitorSession(events <-chan zk.Event) {
	for ev := range events {
		if ev.State == zk.StateExpired {
			s.logger.Error("zookeeper session expired")
			s.mu.Lock()
			s.expired = true
			subs := s.subs
			s.subs = nil
			s.mu.Unlock()
			for _, sub := range subs {
				close(sub)
			}
			return
		}
	}
}

func (s *Store) checkLive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return coordination.ErrSessionExpired
	}
	return nil
}

func mapErr(err error) error {
	switch err {
	case zk.ErrNodeExists:
		return coordination.ErrNodeExists
	case zk.ErrNoNode:
		return coordination.ErrNoNode
	case zk.ErrSessionExpired, zk.ErrSessionMoved:
		return coordination.ErrSessionExpired
	case zk.ErrConnectionClosed, zk.ErrNoServer:
		return coordination.ErrConnectionLost
	}
	return err
}

// Create implements coordination.Store.
func (s *Store) Create(_ context.Context, path string, data []byte, mode coordination.Mode) (string, error) {
	if err := s.checkLive(); err != nil {
		return "", err
	}

	// Materialize missing ancestors as persistent nodes.
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	parent := ""
	for _, part := range parts[:len(parts)-1] {
		parent += "/" + part
		if _, err := s.conn.Create(parent, nil, 0, s.acl); err != nil && err != zk.ErrNodeExists {
			return "", xerrors.Errorf("create parent %q: %w", parent, mapErr(err))
		}
	}

	var flags int32
	switch mode {
	case coordination.ModeEphemeral:
		flags = zk.FlagEphemeral
	case coordination.ModeEphemeralSequential:
		flags = zk.FlagEphemeral | zk.FlagSequence
	}

	createdPath, err := s.conn.Create(path, data, flags, s.acl)
	if err != nil {
		return "", xerrors.Errorf("create %q: %w", path, mapErr(err))
	}
	return createdPath, nil
}

// Exists implements coordination.Store.
func (s *Store) Exists(_ context.Context, path string) (bool, error) {
	if err := s.checkLive(); err != nil {
		return false, err
	}
	exists, _, err := s.conn.Exists(path)
	if err != nil {
		return false, xerrors.Errorf("exists %q: %w", path, mapErr(err))
	}
	return exists, nil
}

// Get implements coordination.Store.
func (s *Store) Get(_ context.Context, path string) ([]byte, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	data, _, err := s.conn.Get(path)
	if err != nil {
		return nil, xerrors.Errorf("get %q: %w", path, mapErr(err))
	}
	return data, nil
}

// Set implements coordination.Store.
func (s *Store) Set(_ context.Context, path string, data []byte) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	if _, err := s.conn.Set(path, data, -1); err != nil {
		return xerrors.Errorf("set %q: %w", path, mapErr(err))
	}
	return nil
}

// Delete implements coordination.Store.
func (s *Store) Delete(_ context.Context, path string) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	if err := s.conn.Delete(path, -1); err != nil {
		return xerrors.Errorf("delete %q: %w", path, mapErr(err))
	}
	return nil
}

// DeleteTree implements coordination.Store. Concurrent child creation is
// handled by re-listing until the delete succeeds.
func (s *Store) DeleteTree(ctx context.Context, path string) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	for {
		children, _, err := s.conn.Children(path)
		if err == zk.ErrNoNode {
			return nil
		} else if err != nil {
			return xerrors.Errorf("delete tree %q: %w", path, mapErr(err))
		}
		for _, child := range children {
			if err := s.DeleteTree(ctx, path+"/"+child); err != nil {
				return err
			}
		}
		switch err := s.conn.Delete(path, -1); err {
		case nil, zk.ErrNoNode:
			return nil
		case zk.ErrNotEmpty:
			continue // a child appeared while deleting; retry
		default:
			return xerrors.Errorf("delete tree %q: %w", path, mapErr(err))
		}
	}
}

// Children implements coordination.Store.
func (s *Store) Children(_ context.Context, path string) ([]string, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	children, _, err := s.conn.Children(path)
	if err != nil {
		return nil, xerrors.Errorf("children %q: %w", path, mapErr(err))
	}
	return children, nil
}

// WatchTree implements coordination.Store. ZooKeeper watches are one-shot
// and per-node, so the subtree subscription is emulated by re-armed
// children watches on every directory discovered below the root.
func (s *Store) WatchTree(ctx context.Context, path string) (<-chan coordination.Event, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}

	expiredCh := make(chan struct{})
	s.mu.Lock()
	s.subs = append(s.subs, expiredCh)
	s.mu.Unlock()

	w := &treeWatcher{
		store:     s,
		out:       make(chan coordination.Event, 128),
		expiredCh: expiredCh,
		watched:   make(map[string]bool),
	}
	go w.run(ctx, path)
	return w.out, nil
}

// Close implements coordination.Store.
func (s *Store) Close() error {
	s.conn.Close()
	return nil
}

// treeWatcher mirrors a subtree by keeping one re-armed children watch per
// directory and reporting membership diffs as events.
type treeWatcher struct {
	store     *Store
	out       chan coordination.Event
	expiredCh <-chan struct{}

	mu      sync.Mutex
	watched map[string]bool
}

func (w *treeWatcher) run(ctx context.Context, root string) {
	var wg sync.WaitGroup
	watchCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
		close(w.out)
	}()

	w.watchDir(watchCtx, &wg, root)

	select {
	case <-watchCtx.Done():
	case <-w.expiredCh:
		w.emit(watchCtx, coordination.Event{Type: coordination.SessionExpired})
	}
}

// watchDir starts a watch goroutine for path unless one is already running.
func (w *treeWatcher) watchDir(ctx context.Context, wg *sync.WaitGroup, path string) {
	w.mu.Lock()
	if w.watched[path] {
		w.mu.Unlock()
		return
	}
	w.watched[path] = true
	w.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.watched, path)
			w.mu.Unlock()
		}()

		known := make(map[string]bool)
		for ctx.Err() == nil {
			children, _, eventCh, err := w.store.conn.ChildrenW(path)
			if err == zk.ErrNoNode {
				// Wait for the directory to (re)appear.
				exists, _, existsCh, werr := w.store.conn.ExistsW(path)
				if werr != nil || exists {
					continue
				}
				select {
				case <-existsCh:
					continue
				case <-ctx.Done():
					return
				}
			} else if err != nil {
				w.store.logger.WithFields(logrus.Fields{"path": path, "err": err}).Warn("children watch failed")
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			current := make(map[string]bool, len(children))
			for _, child := range children {
				childPath := path + "/" + child
				current[child] = true
				if !known[child] {
					w.emit(ctx, coordination.Event{Type: coordination.NodeCreated, Path: childPath})
					w.watchDir(ctx, wg, childPath)
				}
			}
			for child := range known {
				if !current[child] {
					w.emit(ctx, coordination.Event{Type: coordination.NodeDeleted, Path: path + "/" + child})
				}
			}
			known = current

			select {
			case <-eventCh:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *treeWatcher) emit(ctx context.Context, ev coordination.Event) {
	select {
	case w.out <- ev:
	case <-ctx.Done():
	}
}
