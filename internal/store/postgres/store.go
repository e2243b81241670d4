package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const transactRetries = 25

// Store keeps every logical node in one qflow_nodes table. Single-node
// transactions serialize on a row lock; multi-node updates lock the rows
// they read, so two concurrent call-next transactions cannot claim the
// same waiting entry. Subscriptions poll for changes on a fixed interval
// and report only fingerprint-visible differences.
type Store struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
	hooks        store.SessionHooks
}

type Options struct {
	PollInterval time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	interval := options.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Store{
		pool:         pool,
		pollInterval: interval,
	}
}

// Setup creates the backing table. Safe to run on every start.
func (s *Store) Setup(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS qflow_nodes (
			path       text PRIMARY KEY,
			parent     text,
			value      jsonb NOT NULL,
			version    bigint NOT NULL DEFAULT 1,
			updated_at timestamptz NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS qflow_nodes_parent_idx ON qflow_nodes (parent);
	`)
	if err != nil {
		return fmt.Errorf("setup qflow_nodes: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM qflow_nodes WHERE path = $1`, path).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrapErr(err)
	}
	return value, nil
}

func (s *Store) List(ctx context.Context, path string) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx, `SELECT path, value FROM qflow_nodes WHERE parent = $1`, path)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return scanChildren(rows, path)
}

func (s *Store) Set(ctx context.Context, path string, value []byte) error {
	_, err := s.pool.Exec(ctx, upsertSQL, path, parentOf(path), normalize(value))
	return wrapErr(err)
}

func (s *Store) Remove(ctx context.Context, path string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM qflow_nodes WHERE path = $1`, path)
	return wrapErr(err)
}

func (s *Store) Push(ctx context.Context, path string, value []byte) (string, error) {
	key := uuid.NewString()
	child := path + "/" + key
	_, err := s.pool.Exec(ctx, upsertSQL, child, path, normalize(value))
	if err != nil {
		return "", wrapErr(err)
	}
	return key, nil
}

func (s *Store) Transact(ctx context.Context, path string, fn store.TransactFunc) ([]byte, error) {
	for attempt := 0; attempt < transactRetries; attempt++ {
		committed, retry, err := s.transactOnce(ctx, path, fn)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return committed, nil
	}
	return nil, store.ErrConflict
}

func (s *Store) transactOnce(ctx context.Context, path string, fn store.TransactFunc) (value []byte, retry bool, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, wrapErr(err)
	}
	defer func() {
		if err != nil || retry {
			_ = tx.Rollback(ctx)
		}
	}()

	var current []byte
	exists := true
	scanErr := tx.QueryRow(ctx, `SELECT value FROM qflow_nodes WHERE path = $1 FOR UPDATE`, path).Scan(&current)
	if scanErr != nil {
		if !errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, false, wrapErr(scanErr)
		}
		exists = false
		current = nil
	}

	next, err := fn(current)
	if err != nil {
		return nil, false, err
	}

	if exists {
		_, err = tx.Exec(ctx, `UPDATE qflow_nodes SET value = $2, version = version + 1, updated_at = now() WHERE path = $1`, path, normalize(next))
		if err != nil {
			return nil, false, wrapErr(err)
		}
	} else {
		tag, insertErr := tx.Exec(ctx, `
			INSERT INTO qflow_nodes (path, parent, value) VALUES ($1, $2, $3)
			ON CONFLICT (path) DO NOTHING
		`, path, parentOf(path), normalize(next))
		if insertErr != nil {
			return nil, false, wrapErr(insertErr)
		}
		if tag.RowsAffected() == 0 {
			// Lost the insert race; reread and run fn again.
			return nil, true, nil
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, wrapErr(err)
	}
	return next, false, nil
}

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapErr(err)
	}
	defer func() {
		if err != nil {
			_ = pgtx.Rollback(ctx)
		}
	}()

	if err = fn(&txView{ctx: ctx, tx: pgtx}); err != nil {
		return err
	}
	if err = pgtx.Commit(ctx); err != nil {
		return wrapErr(err)
	}
	return nil
}

// Subscribe polls the node and its children and emits a snapshot whenever
// the observed state changes. The first snapshot is immediate.
func (s *Store) Subscribe(ctx context.Context, path string) (<-chan store.Snapshot, store.CancelFunc, error) {
	snapshots := make(chan store.Snapshot, 1)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	first, err := s.snapshot(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	snapshots <- first
	last := fingerprint(first)

	go func() {
		defer close(snapshots)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			snap, err := s.snapshot(ctx, path)
			if err != nil {
				continue
			}
			print := fingerprint(snap)
			if bytes.Equal(print, last) {
				continue
			}
			last = print
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

// fingerprint serializes a snapshot's state (not its timestamp) for change
// detection between polls.
func fingerprint(snap store.Snapshot) []byte {
	var buf bytes.Buffer
	buf.Write(snap.Value)
	keys := make([]string, 0, len(snap.Children))
	for key := range snap.Children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		buf.WriteString("\x00" + key + "\x00")
		buf.Write(snap.Children[key])
	}
	return buf.Bytes()
}

const upsertSQL = `
	INSERT INTO qflow_nodes (path, parent, value) VALUES ($1, $2, $3)
	ON CONFLICT (path) DO UPDATE
	SET value = EXCLUDED.value, version = qflow_nodes.version + 1, updated_at = now()
`

type txView struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *txView) Get(path string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRow(t.ctx, `SELECT value FROM qflow_nodes WHERE path = $1 FOR UPDATE`, path).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrapErr(err)
	}
	return value, nil
}

func (t *txView) List(path string) (map[string][]byte, error) {
	rows, err := t.tx.Query(t.ctx, `SELECT path, value FROM qflow_nodes WHERE parent = $1 FOR UPDATE`, path)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return scanChildren(rows, path)
}

func (t *txView) Set(path string, value []byte) error {
	_, err := t.tx.Exec(t.ctx, upsertSQL, path, parentOf(path), normalize(value))
	return wrapErr(err)
}

func (t *txView) Remove(path string) error {
	_, err := t.tx.Exec(t.ctx, `DELETE FROM qflow_nodes WHERE path = $1`, path)
	return wrapErr(err)
}

func (t *txView) Push(path string, value []byte) (string, error) {
	key := uuid.NewString()
	child := path + "/" + key
	_, err := t.tx.Exec(t.ctx, upsertSQL, child, path, normalize(value))
	if err != nil {
		return "", wrapErr(err)
	}
	return key, nil
}

func scanChildren(rows pgx.Rows, parent string) (map[string][]byte, error) {
	prefix := parent + "/"
	children := make(map[string][]byte)
	for rows.Next() {
		var path string
		var value []byte
		if err := rows.Scan(&path, &value); err != nil {
			return nil, wrapErr(err)
		}
		children[strings.TrimPrefix(path, prefix)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return children, nil
}

func parentOf(path string) *string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return nil
	}
	parent := path[:idx]
	return &parent
}

// normalize guarantees the stored value is valid jsonb; nil becomes JSON
// null.
func normalize(value []byte) []byte {
	if len(value) == 0 {
		return []byte("null")
	}
	if !json.Valid(value) {
		encoded, _ := json.Marshal(string(value))
		return encoded
	}
	return value
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres: %s: %w", pgErr.Code, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
