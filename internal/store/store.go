package store

import (
	"context"
	"time"
)

// Logical paths in the shared store. Collection nodes (waiting_list,
// counters_status) hold generated-key children; the rest are single values.
const (
	PathLastTicketIndex = "config/last_ticket_index"
	PathScrollingText   = "config/scrolling_text"
	PathWaitingList     = "waiting_list"
	PathCurrentTicket   = "current_ticket"
	PathCountersStatus  = "counters_status"
)

// Snapshot is one observed state of a subscribed node. Single-value nodes
// carry Value (nil when absent); collection nodes carry Children keyed by
// generated key.
type Snapshot struct {
	Path     string
	Value    []byte
	Children map[string][]byte
	At       time.Time
}

// CancelFunc tears down a subscription. Safe to call more than once.
type CancelFunc func()

// TransactFunc receives the current value of a node (nil when absent) and
// returns its replacement. Returning an error wrapping ErrAbort cancels
// the transaction without retry.
type TransactFunc func(current []byte) ([]byte, error)

// Tx is the view inside an Update. All reads observe the same snapshot and
// all writes commit atomically or not at all.
type Tx interface {
	Get(path string) ([]byte, error)
	List(path string) (map[string][]byte, error)
	Set(path string, value []byte) error
	Remove(path string) error
	Push(path string, value []byte) (string, error)
}

// Store is the shared-state contract the queue engine and counter lock
// manager are built on. Implementations provide last-write-wins writes,
// push-with-generated-key inserts, a compare-and-retry single-node
// transaction, an atomic multi-node update, and snapshot subscriptions.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, path string) (map[string][]byte, error)
	Set(ctx context.Context, path string, value []byte) error
	Remove(ctx context.Context, path string) error
	Push(ctx context.Context, path string, value []byte) (string, error)

	// Transact runs fn against the node's current value and commits the
	// result only if the node was not concurrently modified, retrying
	// internally on conflict. The committed value is returned. This is
	// the primitive ticket sequencing depends on; a plain read-then-write
	// would let two clients compute the same next number.
	Transact(ctx context.Context, path string, fn TransactFunc) ([]byte, error)

	// Update runs fn inside one atomic boundary spanning multiple nodes.
	// Call-next uses it to claim-and-delete from the waiting list and
	// write the current ticket as a single unit.
	Update(ctx context.Context, fn func(tx Tx) error) error

	Subscribe(ctx context.Context, path string) (<-chan Snapshot, CancelFunc, error)

	// OnDisconnect registers a write applied when CloseSession runs for
	// sessionID. Each registered hook fires at most once.
	OnDisconnect(sessionID, path string, value []byte)
	CancelDisconnect(sessionID, path string)
	CloseSession(ctx context.Context, sessionID string) error
}
