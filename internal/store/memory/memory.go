package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store"

	"github.com/google/uuid"
)

// High enough that a competitor losing every round of a 100-way
// concurrent increment still commits.
const transactRetries = 1000

type entry struct {
	value   []byte
	version uint64
}

type watcher struct {
	path string
	ch   chan store.Snapshot
	done chan struct{}
	once sync.Once
}

// Store is an in-process implementation of the store contract. Transact is
// a genuine compare-and-retry against per-node versions, so concurrent
// increments interleave and retry the way they would against a remote
// store. Used as the simulated store in tests and for single-process
// deployments.
type Store struct {
	mu       sync.Mutex
	nodes    map[string]entry
	watchers map[*watcher]struct{}
	hooks    store.SessionHooks
	closed   bool
}

func New() *Store {
	return &Store{
		nodes:    make(map[string]entry),
		watchers: make(map[*watcher]struct{}),
	}
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	node, ok := s.nodes[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneBytes(node.value), nil
}

func (s *Store) List(ctx context.Context, path string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return s.listLocked(path), nil
}

func (s *Store) Set(ctx context.Context, path string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.setLocked(path, value)
	s.notifyLocked(path)
	return nil
}

func (s *Store) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if _, ok := s.nodes[path]; !ok {
		return nil
	}
	delete(s.nodes, path)
	s.notifyLocked(path)
	return nil
}

func (s *Store) Push(ctx context.Context, path string, value []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", store.ErrClosed
	}
	key := uuid.NewString()
	s.setLocked(path+"/"+key, value)
	s.notifyLocked(path + "/" + key)
	return key, nil
}

func (s *Store) Transact(ctx context.Context, path string, fn store.TransactFunc) ([]byte, error) {
	for attempt := 0; attempt < transactRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, store.ErrClosed
		}
		node, exists := s.nodes[path]
		current := cloneBytes(node.value)
		version := node.version
		s.mu.Unlock()

		if !exists {
			current = nil
		}
		next, err := fn(current)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		latest, stillExists := s.nodes[path]
		if stillExists != exists || latest.version != version {
			s.mu.Unlock()
			continue
		}
		s.setLocked(path, next)
		s.notifyLocked(path)
		s.mu.Unlock()
		return cloneBytes(next), nil
	}
	return nil, store.ErrConflict
}

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	tx := &memTx{store: s, staged: make(map[string]*[]byte)}
	if err := fn(tx); err != nil {
		return err
	}

	touched := make([]string, 0, len(tx.staged))
	for path, value := range tx.staged {
		if value == nil {
			delete(s.nodes, path)
		} else {
			s.setLocked(path, *value)
		}
		touched = append(touched, path)
	}
	for _, path := range touched {
		s.notifyLocked(path)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, path string) (<-chan store.Snapshot, store.CancelFunc, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, store.ErrClosed
	}
	w := &watcher{
		path: path,
		ch:   make(chan store.Snapshot, 1),
		done: make(chan struct{}),
	}
	s.watchers[w] = struct{}{}
	w.ch <- s.snapshotLocked(path)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
		w.once.Do(func() { close(w.done) })
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-w.done:
			}
		}()
	}
	return w.ch, cancel, nil
}

func (s *Store) OnDisconnect(sessionID, path string, value []byte) {
	s.hooks.OnDisconnect(sessionID, path, value)
}

func (s *Store) CancelDisconnect(sessionID, path string) {
	s.hooks.CancelDisconnect(sessionID, path)
}

func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	hooks := s.hooks.Drain(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, value := range hooks {
		s.setLocked(path, value)
		s.notifyLocked(path)
	}
	return nil
}

// Close tears down all watchers. Subsequent operations fail with ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for w := range s.watchers {
		w.once.Do(func() { close(w.done) })
	}
	s.watchers = make(map[*watcher]struct{})
}

func (s *Store) setLocked(path string, value []byte) {
	node := s.nodes[path]
	node.value = cloneBytes(value)
	node.version++
	s.nodes[path] = node
}

func (s *Store) listLocked(path string) map[string][]byte {
	prefix := path + "/"
	children := make(map[string][]byte)
	for nodePath, node := range s.nodes {
		if !strings.HasPrefix(nodePath, prefix) {
			continue
		}
		key := nodePath[len(prefix):]
		if strings.Contains(key, "/") {
			continue
		}
		children[key] = cloneBytes(node.value)
	}
	return children
}

func (s *Store) snapshotLocked(path string) store.Snapshot {
	snap := store.Snapshot{Path: path, At: time.Now().UTC()}
	if node, ok := s.nodes[path]; ok {
		snap.Value = cloneBytes(node.value)
	}
	if children := s.listLocked(path); len(children) > 0 {
		snap.Children = children
	}
	return snap
}

// notifyLocked wakes watchers of the path and of its parent collection.
// Delivery coalesces: a watcher that has not drained the previous snapshot
// sees only the latest state, never a stale intermediate.
func (s *Store) notifyLocked(path string) {
	parent := ""
	if idx := strings.LastIndex(path, "/"); idx > 0 {
		parent = path[:idx]
	}
	for w := range s.watchers {
		if w.path != path && w.path != parent {
			continue
		}
		snap := s.snapshotLocked(w.path)
		select {
		case w.ch <- snap:
		default:
			select {
			case <-w.ch:
			default:
			}
			w.ch <- snap
		}
	}
}

// SortedKeys is a test helper exposing deterministic child ordering.
func SortedKeys(children map[string][]byte) []string {
	keys := make([]string, 0, len(children))
	for key := range children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type memTx struct {
	store  *Store
	staged map[string]*[]byte
}

func (t *memTx) Get(path string) ([]byte, error) {
	if staged, ok := t.staged[path]; ok {
		if staged == nil {
			return nil, store.ErrNotFound
		}
		return cloneBytes(*staged), nil
	}
	node, ok := t.store.nodes[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneBytes(node.value), nil
}

func (t *memTx) List(path string) (map[string][]byte, error) {
	children := t.store.listLocked(path)
	prefix := path + "/"
	for stagedPath, value := range t.staged {
		if !strings.HasPrefix(stagedPath, prefix) {
			continue
		}
		key := stagedPath[len(prefix):]
		if strings.Contains(key, "/") {
			continue
		}
		if value == nil {
			delete(children, key)
		} else {
			children[key] = cloneBytes(*value)
		}
	}
	return children, nil
}

func (t *memTx) Set(path string, value []byte) error {
	cloned := cloneBytes(value)
	t.staged[path] = &cloned
	return nil
}

func (t *memTx) Remove(path string) error {
	t.staged[path] = nil
	return nil
}

func (t *memTx) Push(path string, value []byte) (string, error) {
	key := uuid.NewString()
	cloned := cloneBytes(value)
	t.staged[path+"/"+key] = &cloned
	return key, nil
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	cloned := make([]byte, len(value))
	copy(cloned, value)
	return cloned
}
