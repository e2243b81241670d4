package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/models"
	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store"
)

// Options is the immutable queue configuration injected at construction.
type Options struct {
	Prefix         string
	NumberPad      int
	ServiceMinutes int
}

// Engine owns ticket-number allocation, waiting-list semantics, and the
// current-ticket transition. All state lives in the shared store; the
// engine itself is stateless and safe for concurrent use.
type Engine struct {
	store          store.Store
	prefix         string
	pad            int
	serviceMinutes int
	now            func() time.Time
}

func New(st store.Store, options Options) *Engine {
	prefix := options.Prefix
	if prefix == "" {
		prefix = "A"
	}
	pad := options.NumberPad
	if pad <= 0 {
		pad = 3
	}
	minutes := options.ServiceMinutes
	if minutes <= 0 {
		minutes = 5
	}
	return &Engine{
		store:          st,
		prefix:         prefix,
		pad:            pad,
		serviceMinutes: minutes,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// IssueTicket allocates the next sequence number through the store's
// compare-and-retry transaction and appends the ticket to the waiting
// list under a generated key. On any error no ticket may be assumed
// issued.
func (e *Engine) IssueTicket(ctx context.Context) (models.Ticket, error) {
	committed, err := e.store.Transact(ctx, store.PathLastTicketIndex, func(current []byte) ([]byte, error) {
		index := int64(0)
		if len(current) > 0 {
			if err := json.Unmarshal(current, &index); err != nil {
				return nil, fmt.Errorf("decode ticket index: %w", err)
			}
		}
		return json.Marshal(index + 1)
	})
	if err != nil {
		return models.Ticket{}, fmt.Errorf("allocate ticket number: %w", err)
	}

	var index int64
	if err := json.Unmarshal(committed, &index); err != nil {
		return models.Ticket{}, fmt.Errorf("decode committed index: %w", err)
	}

	ticket := models.Ticket{
		Number:    fmt.Sprintf("%s-%0*d", e.prefix, e.pad, index),
		Timestamp: e.now(),
	}
	payload, err := json.Marshal(ticket)
	if err != nil {
		return models.Ticket{}, err
	}
	if _, err := e.store.Push(ctx, store.PathWaitingList, payload); err != nil {
		return models.Ticket{}, fmt.Errorf("enqueue ticket %s: %w", ticket.Number, err)
	}
	return ticket, nil
}

// CallNext promotes the oldest waiting ticket to current on behalf of
// counterID. The claim, the removal, and the current-ticket write happen
// inside one store transaction, so two stations calling simultaneously
// can never serve the same ticket. Returns (nil, nil) when the queue is
// empty.
func (e *Engine) CallNext(ctx context.Context, counterID string) (*models.CurrentTicket, error) {
	var called *models.CurrentTicket
	err := e.store.Update(ctx, func(tx store.Tx) error {
		children, err := tx.List(store.PathWaitingList)
		if err != nil {
			return err
		}
		waiting, err := decodeWaiting(children)
		if err != nil {
			return err
		}
		if len(waiting) == 0 {
			return nil
		}
		next := waiting[0]

		current := models.CurrentTicket{
			Number:    next.Number,
			Timestamp: next.Timestamp,
			CalledAt:  e.now(),
			Counter:   counterID,
		}
		payload, err := json.Marshal(current)
		if err != nil {
			return err
		}
		if err := tx.Set(store.PathCurrentTicket, payload); err != nil {
			return err
		}
		if err := tx.Remove(store.PathWaitingList + "/" + next.Key); err != nil {
			return err
		}
		called = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return called, nil
}

// ClearCurrent empties the current-ticket singleton. A no-show is
// terminal: the ticket is never reinserted, the holder re-requests to
// rejoin. Idempotent.
func (e *Engine) ClearCurrent(ctx context.Context) error {
	return e.store.Remove(ctx, store.PathCurrentTicket)
}

// Current returns the ticket being served, or nil when no one is.
func (e *Engine) Current(ctx context.Context) (*models.CurrentTicket, error) {
	raw, err := e.store.Get(ctx, store.PathCurrentTicket)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var current models.CurrentTicket
	if err := json.Unmarshal(raw, &current); err != nil {
		return nil, fmt.Errorf("decode current ticket: %w", err)
	}
	return &current, nil
}

// WaitingList returns the queue in serving order.
func (e *Engine) WaitingList(ctx context.Context) ([]models.WaitingTicket, error) {
	children, err := e.store.List(ctx, store.PathWaitingList)
	if err != nil {
		return nil, err
	}
	return decodeWaiting(children)
}

// Position reports the 1-based place of a ticket number in the waiting
// list plus the estimated wait in minutes. A ticket not in the list
// (already served, purged, or never issued) reports position 0.
func (e *Engine) Position(ctx context.Context, number string) (int, int, error) {
	waiting, err := e.WaitingList(ctx)
	if err != nil {
		return 0, 0, err
	}
	for i, ticket := range waiting {
		if ticket.Number == number {
			pos := i + 1
			return pos, (pos - 1) * e.serviceMinutes, nil
		}
	}
	return 0, 0, nil
}

func (e *Engine) Metrics(ctx context.Context) (models.QueueMetrics, error) {
	children, err := e.store.List(ctx, store.PathWaitingList)
	if err != nil {
		return models.QueueMetrics{}, err
	}
	return models.QueueMetrics{Waiting: len(children)}, nil
}

// Abandon removes the caller's own waiting entry. Best effort: a number
// that is no longer waiting is not an error.
func (e *Engine) Abandon(ctx context.Context, number string) error {
	return e.store.Update(ctx, func(tx store.Tx) error {
		children, err := tx.List(store.PathWaitingList)
		if err != nil {
			return err
		}
		waiting, err := decodeWaiting(children)
		if err != nil {
			return err
		}
		for _, ticket := range waiting {
			if ticket.Number == number {
				return tx.Remove(store.PathWaitingList + "/" + ticket.Key)
			}
		}
		return nil
	})
}

// PurgeStale removes waiting entries older than ttl, oldest first, at
// most batch per call. This is the reconciliation policy for tickets
// whose holders abandoned them without telling the store.
func (e *Engine) PurgeStale(ctx context.Context, ttl time.Duration, batch int) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	if batch <= 0 {
		batch = 100
	}
	cutoff := e.now().Add(-ttl)
	purged := 0
	err := e.store.Update(ctx, func(tx store.Tx) error {
		children, err := tx.List(store.PathWaitingList)
		if err != nil {
			return err
		}
		waiting, err := decodeWaiting(children)
		if err != nil {
			return err
		}
		for _, ticket := range waiting {
			if purged >= batch || !ticket.Timestamp.Before(cutoff) {
				break
			}
			if err := tx.Remove(store.PathWaitingList + "/" + ticket.Key); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// decodeWaiting turns a waiting-list child map into serving order:
// timestamp ascending, ties broken by generated key ascending so every
// reader agrees on who is next.
func decodeWaiting(children map[string][]byte) ([]models.WaitingTicket, error) {
	waiting := make([]models.WaitingTicket, 0, len(children))
	for key, raw := range children {
		var ticket models.Ticket
		if err := json.Unmarshal(raw, &ticket); err != nil {
			return nil, fmt.Errorf("decode waiting entry %s: %w", key, err)
		}
		waiting = append(waiting, models.WaitingTicket{Key: key, Ticket: ticket})
	}
	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].Timestamp.Equal(waiting[j].Timestamp) {
			return waiting[i].Timestamp.Before(waiting[j].Timestamp)
		}
		return waiting[i].Key < waiting[j].Key
	})
	return waiting, nil
}
