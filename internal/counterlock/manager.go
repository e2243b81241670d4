package counterlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/models"
	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store"
)

var (
	ErrOccupied       = errors.New("counter occupied")
	ErrUnknownCounter = errors.New("unknown counter")
)

// Manager owns mutual exclusion over the named service counters. Acquire
// is a conditional transaction on the counter node, the same primitive
// ticket sequencing uses, so two staff sessions racing for one counter
// serialize instead of both winning. A disconnect hook registered on
// acquire releases the counter if the holding session drops without
// logging out.
type Manager struct {
	store    store.Store
	counters map[string]struct{}
	ordered  []string
	now      func() time.Time
}

func New(st store.Store, counterIDs []string) *Manager {
	if len(counterIDs) == 0 {
		counterIDs = []string{"1", "2", "3", "4", "5", "6"}
	}
	counters := make(map[string]struct{}, len(counterIDs))
	for _, id := range counterIDs {
		counters[id] = struct{}{}
	}
	return &Manager{
		store:    st,
		counters: counters,
		ordered:  counterIDs,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Acquire claims counterID for sessionID. Fails with ErrOccupied when
// another session holds it and fails closed when the store is
// unreachable; access is never granted optimistically.
func (m *Manager) Acquire(ctx context.Context, counterID, sessionID string) error {
	if _, ok := m.counters[counterID]; !ok {
		return ErrUnknownCounter
	}

	path := store.PathCountersStatus + "/" + counterID
	login := m.now()
	_, err := m.store.Transact(ctx, path, func(current []byte) ([]byte, error) {
		if len(current) > 0 {
			var status models.CounterStatus
			if err := json.Unmarshal(current, &status); err != nil {
				return nil, fmt.Errorf("decode counter status: %w", err)
			}
			if status.IsActive {
				return nil, fmt.Errorf("%w: %w", store.ErrAbort, ErrOccupied)
			}
		}
		return json.Marshal(models.CounterStatus{IsActive: true, LastLogin: &login})
	})
	if err != nil {
		if errors.Is(err, ErrOccupied) {
			return ErrOccupied
		}
		return fmt.Errorf("acquire counter %s: %w", counterID, err)
	}

	// Auto-release if the session's connection drops before an explicit
	// Release. Mirrors the lock write minus is_active so a crashed staff
	// client cannot strand the counter.
	released, err := json.Marshal(models.CounterStatus{IsActive: false, LastLogin: &login})
	if err != nil {
		return err
	}
	m.store.OnDisconnect(sessionID, path, released)
	return nil
}

// Release frees counterID on explicit logout. Releasing a counter that is
// already free is a no-op in effect.
func (m *Manager) Release(ctx context.Context, counterID, sessionID string) error {
	if _, ok := m.counters[counterID]; !ok {
		return ErrUnknownCounter
	}

	path := store.PathCountersStatus + "/" + counterID
	logout := m.now()
	payload, err := json.Marshal(models.CounterStatus{IsActive: false, LastLogout: &logout})
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, path, payload); err != nil {
		return fmt.Errorf("release counter %s: %w", counterID, err)
	}
	m.store.CancelDisconnect(sessionID, path)
	return nil
}

// Status reports every configured counter; unseen counters read as free.
func (m *Manager) Status(ctx context.Context) (map[string]models.CounterStatus, error) {
	children, err := m.store.List(ctx, store.PathCountersStatus)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]models.CounterStatus, len(m.ordered))
	for _, id := range m.ordered {
		var status models.CounterStatus
		if raw, ok := children[id]; ok {
			if err := json.Unmarshal(raw, &status); err != nil {
				return nil, fmt.Errorf("decode counter %s: %w", id, err)
			}
		}
		statuses[id] = status
	}
	return statuses, nil
}

// CounterIDs returns the configured counter set in display order.
func (m *Manager) CounterIDs() []string {
	ids := make([]string, len(m.ordered))
	copy(ids, m.ordered)
	return ids
}
