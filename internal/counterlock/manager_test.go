package counterlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store/memory"
)

func newTestManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	st := memory.New()
	t.Cleanup(st.Close)
	return New(st, nil), st
}

func TestAcquireReleaseCycle(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t)

	if err := manager.Acquire(ctx, "1", "session-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	assertActive(t, manager, "1", true)

	if err := manager.Acquire(ctx, "1", "session-b"); !errors.Is(err, ErrOccupied) {
		t.Fatalf("second acquire err = %v, want ErrOccupied", err)
	}

	if err := manager.Release(ctx, "1", "session-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	assertActive(t, manager, "1", false)

	if err := manager.Acquire(ctx, "1", "session-b"); err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	assertActive(t, manager, "1", true)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t)

	if err := manager.Release(ctx, "2", "session-a"); err != nil {
		t.Fatalf("release of free counter: %v", err)
	}
	if err := manager.Release(ctx, "2", "session-a"); err != nil {
		t.Fatalf("repeated release: %v", err)
	}
	assertActive(t, manager, "2", false)
}

func TestUnknownCounter(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t)

	if err := manager.Acquire(ctx, "99", "session-a"); !errors.Is(err, ErrUnknownCounter) {
		t.Fatalf("acquire err = %v, want ErrUnknownCounter", err)
	}
	if err := manager.Release(ctx, "99", "session-a"); !errors.Is(err, ErrUnknownCounter) {
		t.Fatalf("release err = %v, want ErrUnknownCounter", err)
	}
}

func TestDisconnectReleasesCounter(t *testing.T) {
	ctx := context.Background()
	manager, st := newTestManager(t)

	if err := manager.Acquire(ctx, "3", "session-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	assertActive(t, manager, "3", true)

	if err := st.CloseSession(ctx, "session-a"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	assertActive(t, manager, "3", false)
	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status["3"].LastLogin == nil {
		t.Fatal("auto-release dropped last_login")
	}

	// New claimant gets the counter, and replaying the dead session's
	// teardown must not clobber it.
	if err := manager.Acquire(ctx, "3", "session-b"); err != nil {
		t.Fatalf("acquire after disconnect: %v", err)
	}
	if err := st.CloseSession(ctx, "session-a"); err != nil {
		t.Fatalf("repeat close: %v", err)
	}
	assertActive(t, manager, "3", true)
}

func TestReleaseCancelsDisconnectHook(t *testing.T) {
	ctx := context.Background()
	manager, st := newTestManager(t)

	if err := manager.Acquire(ctx, "4", "session-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := manager.Release(ctx, "4", "session-a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// The counter changed hands; the old session going away must leave
	// the new holder untouched.
	if err := manager.Acquire(ctx, "4", "session-b"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := st.CloseSession(ctx, "session-a"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	assertActive(t, manager, "4", true)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	const racers = 20
	ctx := context.Background()
	manager, _ := newTestManager(t)

	errs := make([]error, racers)
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = manager.Acquire(ctx, "5", "session-"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	won := 0
	for i, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrOccupied):
		default:
			t.Fatalf("racer %d: %v", i, err)
		}
	}
	if won != 1 {
		t.Fatalf("%d racers acquired the counter, want exactly 1", won)
	}
}

func TestStatusListsAllConfiguredCounters(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	t.Cleanup(st.Close)
	manager := New(st, []string{"east", "west"})

	if err := manager.Acquire(ctx, "east", "session-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status) != 2 {
		t.Fatalf("status has %d counters, want 2", len(status))
	}
	if !status["east"].IsActive {
		t.Fatal("east should be active")
	}
	if status["west"].IsActive {
		t.Fatal("west has never been touched and should read free")
	}
	if got, want := manager.CounterIDs(), []string{"east", "west"}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("counter ids = %v, want %v", got, want)
	}
}

func TestAcquireRecordsLoginTime(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t)
	login := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return login }

	if err := manager.Acquire(ctx, "6", "session-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	got := status["6"]
	if got.LastLogin == nil || !got.LastLogin.Equal(login) {
		t.Fatalf("last_login = %v, want %v", got.LastLogin, login)
	}

	logout := login.Add(time.Hour)
	manager.now = func() time.Time { return logout }
	if err := manager.Release(ctx, "6", "session-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	status, err = manager.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	got = status["6"]
	if got.LastLogout == nil || !got.LastLogout.Equal(logout) {
		t.Fatalf("last_logout = %v, want %v", got.LastLogout, logout)
	}
}

func assertActive(t *testing.T, manager *Manager, counterID string, want bool) {
	t.Helper()
	status, err := manager.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status[counterID].IsActive != want {
		t.Fatalf("counter %s active = %v, want %v", counterID, status[counterID].IsActive, want)
	}
}
