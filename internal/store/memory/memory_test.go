package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store"
)

func TestGetSetRemove(t *testing.T) {
	ctx := context.Background()
	st := New()
	defer st.Close()

	if _, err := st.Get(ctx, "config/scrolling_text"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get absent: err = %v, want ErrNotFound", err)
	}

	if err := st.Set(ctx, "config/scrolling_text", []byte(`"hello"`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := st.Get(ctx, "config/scrolling_text")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != `"hello"` {
		t.Fatalf("value = %s", value)
	}

	if err := st.Remove(ctx, "config/scrolling_text"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := st.Get(ctx, "config/scrolling_text"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get removed: err = %v, want ErrNotFound", err)
	}

	// Removing an absent node stays a no-op.
	if err := st.Remove(ctx, "config/scrolling_text"); err != nil {
		t.Fatalf("repeat remove: %v", err)
	}
}

func TestPushAndList(t *testing.T) {
	ctx := context.Background()
	st := New()
	defer st.Close()

	keyA, err := st.Push(ctx, "waiting_list", []byte(`{"number":"A-001"}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	keyB, err := st.Push(ctx, "waiting_list", []byte(`{"number":"A-002"}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if keyA == keyB {
		t.Fatalf("push generated duplicate key %s", keyA)
	}

	children, err := st.List(ctx, "waiting_list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("list returned %d entries, want 2", len(children))
	}
	if _, ok := children[keyA]; !ok {
		t.Fatalf("list missing key %s", keyA)
	}

	// List is shallow: grandchildren do not leak into the parent listing.
	if err := st.Set(ctx, "waiting_list/"+keyA+"/nested", []byte("1")); err != nil {
		t.Fatalf("set nested: %v", err)
	}
	children, err = st.List(ctx, "waiting_list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("list returned %d entries after nested write, want 2", len(children))
	}
}

func TestTransactConcurrentIncrements(t *testing.T) {
	const writers = 50
	ctx := context.Background()
	st := New()
	defer st.Close()

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := st.Transact(ctx, "config/last_ticket_index", func(current []byte) ([]byte, error) {
				count := int64(0)
				if len(current) > 0 {
					if err := json.Unmarshal(current, &count); err != nil {
						return nil, err
					}
				}
				return json.Marshal(count + 1)
			})
			if err != nil {
				t.Errorf("transact: %v", err)
			}
		}()
	}
	wg.Wait()

	value, err := st.Get(ctx, "config/last_ticket_index")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var count int64
	if err := json.Unmarshal(value, &count); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if count != writers {
		t.Fatalf("count = %d, want %d", count, writers)
	}
}

func TestTransactCallbackErrorAborts(t *testing.T) {
	ctx := context.Background()
	st := New()
	defer st.Close()

	boom := errors.New("boom")
	if _, err := st.Transact(ctx, "node", func(current []byte) ([]byte, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the callback's error", err)
	}
	if _, err := st.Get(ctx, "node"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("aborted transaction wrote the node: %v", err)
	}
}

func TestUpdateStagesUntilCommit(t *testing.T) {
	ctx := context.Background()
	st := New()
	defer st.Close()

	if err := st.Set(ctx, "waiting_list/old", []byte("1")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := st.Update(ctx, func(tx store.Tx) error {
		if err := tx.Set("current_ticket", []byte(`{"number":"A-001"}`)); err != nil {
			return err
		}
		if err := tx.Remove("waiting_list/old"); err != nil {
			return err
		}
		// Within the transaction, reads observe the staged writes.
		if _, err := tx.Get("waiting_list/old"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("staged remove not visible: %v", err)
		}
		children, err := tx.List("waiting_list")
		if err != nil {
			return err
		}
		if len(children) != 0 {
			t.Errorf("staged list has %d entries, want 0", len(children))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := st.Get(ctx, "current_ticket"); err != nil {
		t.Fatalf("committed write missing: %v", err)
	}
	if _, err := st.Get(ctx, "waiting_list/old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("committed remove missing: %v", err)
	}
}

func TestUpdateErrorDiscardsStagedWrites(t *testing.T) {
	ctx := context.Background()
	st := New()
	defer st.Close()

	boom := errors.New("boom")
	err := st.Update(ctx, func(tx store.Tx) error {
		if err := tx.Set("current_ticket", []byte(`{"number":"A-001"}`)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the callback's error", err)
	}
	if _, err := st.Get(ctx, "current_ticket"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed update leaked a write: %v", err)
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	ctx := context.Background()
	st := New()
	defer st.Close()

	snapshots, cancel, err := st.Subscribe(ctx, "current_ticket")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// The subscription opens with the current state, absent or not.
	first := recvSnapshot(t, snapshots)
	if first.Value != nil {
		t.Fatalf("initial snapshot value = %s, want nil", first.Value)
	}

	if err := st.Set(ctx, "current_ticket", []byte(`{"number":"A-001"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	next := recvSnapshot(t, snapshots)
	if string(next.Value) != `{"number":"A-001"}` {
		t.Fatalf("snapshot value = %s", next.Value)
	}

	cancel()
	if err := st.Set(ctx, "current_ticket", []byte(`{"number":"A-002"}`)); err != nil {
		t.Fatalf("set after cancel: %v", err)
	}
	select {
	case snap, ok := <-snapshots:
		if ok {
			t.Fatalf("snapshot after cancel: %+v", snap)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeSeesChildWrites(t *testing.T) {
	ctx := context.Background()
	st := New()
	defer st.Close()

	snapshots, cancel, err := st.Subscribe(ctx, "waiting_list")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	recvSnapshot(t, snapshots)

	key, err := st.Push(ctx, "waiting_list", []byte(`{"number":"A-001"}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	snap := recvSnapshot(t, snapshots)
	if len(snap.Children) != 1 {
		t.Fatalf("snapshot children = %d, want 1", len(snap.Children))
	}
	if _, ok := snap.Children[key]; !ok {
		t.Fatalf("snapshot missing pushed key %s", key)
	}
}

func TestSubscribeCoalescesBursts(t *testing.T) {
	ctx := context.Background()
	st := New()
	defer st.Close()

	snapshots, cancel, err := st.Subscribe(ctx, "config/scrolling_text")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	recvSnapshot(t, snapshots)

	// Without draining, a burst of writes must leave only the latest
	// state in the channel.
	for i := 0; i < 10; i++ {
		if err := st.Set(ctx, "config/scrolling_text", []byte{byte('0' + i)}); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	snap := recvSnapshot(t, snapshots)
	if string(snap.Value) != "9" {
		t.Fatalf("coalesced snapshot = %s, want 9", snap.Value)
	}
}

func TestCloseSessionAppliesHooksOnce(t *testing.T) {
	ctx := context.Background()
	st := New()
	defer st.Close()

	st.OnDisconnect("session-a", "counters_status/1", []byte(`{"is_active":false}`))
	if err := st.CloseSession(ctx, "session-a"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	value, err := st.Get(ctx, "counters_status/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != `{"is_active":false}` {
		t.Fatalf("hook wrote %s", value)
	}

	// A drained hook never fires again.
	if err := st.Set(ctx, "counters_status/1", []byte(`{"is_active":true}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.CloseSession(ctx, "session-a"); err != nil {
		t.Fatalf("repeat close: %v", err)
	}
	value, err = st.Get(ctx, "counters_status/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != `{"is_active":true}` {
		t.Fatalf("replayed hook clobbered the node: %s", value)
	}
}

func TestCancelDisconnectDropsHook(t *testing.T) {
	ctx := context.Background()
	st := New()
	defer st.Close()

	st.OnDisconnect("session-a", "counters_status/2", []byte(`{"is_active":false}`))
	st.CancelDisconnect("session-a", "counters_status/2")
	if err := st.CloseSession(ctx, "session-a"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if _, err := st.Get(ctx, "counters_status/2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cancelled hook still fired: %v", err)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	ctx := context.Background()
	st := New()
	st.Close()

	if err := st.Set(ctx, "node", []byte("1")); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("set err = %v, want ErrClosed", err)
	}
	if _, err := st.Get(ctx, "node"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("get err = %v, want ErrClosed", err)
	}
	if _, _, err := st.Subscribe(ctx, "node"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("subscribe err = %v, want ErrClosed", err)
	}
}

func recvSnapshot(t *testing.T, snapshots <-chan store.Snapshot) store.Snapshot {
	t.Helper()
	select {
	case snap := <-snapshots:
		return snap
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return store.Snapshot{}
	}
}
