package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	transactRetries = 25

	nodePrefix     = "qflow:node:"
	childrenPrefix = "qflow:children:"
	changesPrefix  = "qflow:changes:"
	updateLockKey  = "qflow:update_lock"
	updateLockTTL  = 5 * time.Second
)

var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Store keeps node values as JSON strings and collection membership as
// sets. Single-node transactions use WATCH-based optimistic retry;
// multi-node updates serialize behind a fenced lock key; subscriptions
// ride keyspace-style publishes emitted on every write.
type Store struct {
	client *redis.Client
	hooks  store.SessionHooks
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	value, err := s.client.Get(ctx, nodePrefix+path).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, wrapErr(err)
	}
	return value, nil
}

func (s *Store) List(ctx context.Context, path string) (map[string][]byte, error) {
	keys, err := s.client.SMembers(ctx, childrenPrefix+path).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	children := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return children, nil
	}

	nodeKeys := make([]string, len(keys))
	for i, key := range keys {
		nodeKeys[i] = nodePrefix + path + "/" + key
	}
	values, err := s.client.MGet(ctx, nodeKeys...).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	for i, raw := range values {
		if raw == nil {
			continue
		}
		if text, ok := raw.(string); ok {
			children[keys[i]] = []byte(text)
		}
	}
	return children, nil
}

func (s *Store) Set(ctx context.Context, path string, value []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		writeNode(ctx, pipe, path, value)
		return nil
	})
	return wrapErr(err)
}

func (s *Store) Remove(ctx context.Context, path string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removeNode(ctx, pipe, path)
		return nil
	})
	return wrapErr(err)
}

func (s *Store) Push(ctx context.Context, path string, value []byte) (string, error) {
	key := uuid.NewString()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		writeNode(ctx, pipe, path+"/"+key, value)
		return nil
	})
	if err != nil {
		return "", wrapErr(err)
	}
	return key, nil
}

func (s *Store) Transact(ctx context.Context, path string, fn store.TransactFunc) ([]byte, error) {
	nodeKey := nodePrefix + path
	var committed []byte

	attempt := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, nodeKey).Bytes()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				return err
			}
			current = nil
		}
		next, err := fn(current)
		if err != nil {
			return &fnError{err: err}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writeNode(ctx, pipe, path, next)
			return nil
		})
		if err == nil {
			committed = next
		}
		return err
	}

	for i := 0; i < transactRetries; i++ {
		err := s.client.Watch(ctx, attempt, nodeKey)
		if err == nil {
			return committed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var callerErr *fnError
		if errors.As(err, &callerErr) {
			return nil, callerErr.err
		}
		return nil, wrapErr(err)
	}
	return nil, store.ErrConflict
}

// fnError marks an error raised by the caller's transaction function so
// it propagates past Watch unwrapped, distinct from transport failures.
type fnError struct{ err error }

func (e *fnError) Error() string { return e.err.Error() }
func (e *fnError) Unwrap() error { return e.err }

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	token, err := s.acquireUpdateLock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = releaseLockScript.Run(releaseCtx, s.client, []string{updateLockKey}, token).Err()
	}()

	view := &txView{ctx: ctx, store: s}
	if err := fn(view); err != nil {
		return err
	}
	if len(view.writes) == 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, write := range view.writes {
			if write.remove {
				removeNode(ctx, pipe, write.path)
			} else {
				writeNode(ctx, pipe, write.path, write.value)
			}
		}
		return nil
	})
	return wrapErr(err)
}

func (s *Store) acquireUpdateLock(ctx context.Context) (string, error) {
	token := uuid.NewString()
	for {
		ok, err := s.client.SetNX(ctx, updateLockKey, token, updateLockTTL).Result()
		if err != nil {
			return "", wrapErr(err)
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Store) Subscribe(ctx context.Context, path string) (<-chan store.Snapshot, store.CancelFunc, error) {
	first, err := s.snapshot(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	pubsub := s.client.Subscribe(ctx, changesPrefix+path)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, wrapErr(err)
	}

	snapshots := make(chan store.Snapshot, 1)
	snapshots <- first
	var once sync.Once
	cancel := func() { once.Do(func() { _ = pubsub.Close() }) }

	go func() {
		defer close(snapshots)
		for range pubsub.Channel() {
			snap, err := s.snapshot(ctx, path)
			if err != nil {
				continue
			}
			select {
			case snapshots <- snap:
			default:
				select {
				case <-snapshots:
				default:
				}
				snapshots <- snap
			}
		}
	}()

	return snapshots, cancel, nil
}

func (s *Store) OnDisconnect(sessionID, path string, value []byte) {
	s.hooks.OnDisconnect(sessionID, path, value)
}

func (s *Store) CancelDisconnect(sessionID, path string) {
	s.hooks.CancelDisconnect(sessionID, path)
}

func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	var firstErr error
	for path, value := range s.hooks.Drain(sessionID) {
		if err := s.Set(ctx, path, value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) snapshot(ctx context.Context, path string) (store.Snapshot, error) {
	snap := store.Snapshot{Path: path, At: time.Now().UTC()}
	value, err := s.Get(ctx, path)
	if err == nil {
		snap.Value = value
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Snapshot{}, err
	}
	children, err := s.List(ctx, path)
	if err != nil {
		return store.Snapshot{}, err
	}
	if len(children) > 0 {
		snap.Children = children
	}
	return snap, nil
}

type write struct {
	path   string
	value  []byte
	remove bool
}

// txView buffers writes while the update lock is held; reads see committed
// state plus the buffer.
type txView struct {
	ctx    context.Context
	store  *Store
	writes []write
}

func (t *txView) Get(path string) ([]byte, error) {
	for i := len(t.writes) - 1; i >= 0; i-- {
		if t.writes[i].path == path {
			if t.writes[i].remove {
				return nil, store.ErrNotFound
			}
			return t.writes[i].value, nil
		}
	}
	return t.store.Get(t.ctx, path)
}

func (t *txView) List(path string) (map[string][]byte, error) {
	children, err := t.store.List(t.ctx, path)
	if err != nil {
		return nil, err
	}
	prefix := path + "/"
	for _, w := range t.writes {
		if !strings.HasPrefix(w.path, prefix) {
			continue
		}
		key := strings.TrimPrefix(w.path, prefix)
		if w.remove {
			delete(children, key)
		} else {
			children[key] = w.value
		}
	}
	return children, nil
}

func (t *txView) Set(path string, value []byte) error {
	t.writes = append(t.writes, write{path: path, value: append([]byte(nil), value...)})
	return nil
}

func (t *txView) Remove(path string) error {
	t.writes = append(t.writes, write{path: path, remove: true})
	return nil
}

func (t *txView) Push(path string, value []byte) (string, error) {
	key := uuid.NewString()
	t.writes = append(t.writes, write{path: path + "/" + key, value: append([]byte(nil), value...)})
	return key, nil
}

func writeNode(ctx context.Context, pipe redis.Pipeliner, path string, value []byte) {
	if len(value) == 0 {
		value = []byte("null")
	}
	pipe.Set(ctx, nodePrefix+path, value, 0)
	if parent, ok := parentOf(path); ok {
		key := strings.TrimPrefix(path, parent+"/")
		pipe.SAdd(ctx, childrenPrefix+parent, key)
		pipe.Publish(ctx, changesPrefix+parent, path)
	}
	pipe.Publish(ctx, changesPrefix+path, path)
}

func removeNode(ctx context.Context, pipe redis.Pipeliner, path string) {
	pipe.Del(ctx, nodePrefix+path)
	if parent, ok := parentOf(path); ok {
		key := strings.TrimPrefix(path, parent+"/")
		pipe.SRem(ctx, childrenPrefix+parent, key)
		pipe.Publish(ctx, changesPrefix+parent, path)
	}
	pipe.Publish(ctx, changesPrefix+path, path)
}

func parentOf(path string) (string, bool) {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "", false
	}
	return path[:idx], true
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
