package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store"
	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store/memory"
)

func startTestHub(t *testing.T) (*Hub, *memory.Store) {
	t.Helper()
	st := memory.New()
	t.Cleanup(st.Close)
	h := New(st)
	stop, err := h.Start(context.Background())
	if err != nil {
		t.Fatalf("start hub: %v", err)
	}
	t.Cleanup(stop)
	return h, st
}

func TestSubscribeReceivesSnapshotAndUpdates(t *testing.T) {
	ctx := context.Background()
	h, st := startTestHub(t)

	client := NewClient("client-1", "")
	h.Register(client)
	defer h.Unregister(ctx, client)

	if !h.Apply(ctx, client, SubscribeMessage{Action: "subscribe", Path: store.PathCurrentTicket}) {
		t.Fatal("subscribe rejected")
	}
	first := recvEnvelope(t, client)
	if first.Path != store.PathCurrentTicket {
		t.Fatalf("first envelope path = %s", first.Path)
	}
	if first.Value != nil {
		t.Fatalf("first envelope value = %s, want empty", first.Value)
	}

	if err := st.Set(ctx, store.PathCurrentTicket, []byte(`{"number":"A-001"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	update := recvEnvelope(t, client)
	if string(update.Value) != `{"number":"A-001"}` {
		t.Fatalf("update value = %s", update.Value)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	h, st := startTestHub(t)

	client := NewClient("client-1", "")
	h.Register(client)
	defer h.Unregister(ctx, client)

	h.Apply(ctx, client, SubscribeMessage{Action: "subscribe", Path: store.PathScrollingText})
	recvEnvelope(t, client)

	if !h.Apply(ctx, client, SubscribeMessage{Action: "unsubscribe", Path: store.PathScrollingText}) {
		t.Fatal("unsubscribe rejected")
	}
	if err := st.Set(ctx, store.PathScrollingText, []byte(`"hello"`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	select {
	case frame := <-client.Send:
		t.Fatalf("frame after unsubscribe: %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestApplyRejectsUnknownPaths(t *testing.T) {
	ctx := context.Background()
	h, _ := startTestHub(t)

	client := NewClient("client-1", "")
	h.Register(client)
	defer h.Unregister(ctx, client)

	if h.Apply(ctx, client, SubscribeMessage{Action: "subscribe", Path: "config/last_ticket_index"}) {
		t.Fatal("sequence counter must not be watchable")
	}
	if h.Apply(ctx, client, SubscribeMessage{Action: "subscribe", Path: "counters_status"}) {
		t.Fatal("counter statuses must not be watchable")
	}
}

func TestChildWritesFanOutToListWatchers(t *testing.T) {
	ctx := context.Background()
	h, st := startTestHub(t)

	client := NewClient("client-1", "")
	h.Register(client)
	defer h.Unregister(ctx, client)

	h.Apply(ctx, client, SubscribeMessage{Action: "subscribe", Path: store.PathWaitingList})
	recvEnvelope(t, client)

	key, err := st.Push(ctx, store.PathWaitingList, []byte(`{"number":"A-001"}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	update := recvEnvelope(t, client)
	if _, ok := update.Children[key]; !ok {
		t.Fatalf("update children = %v, want key %s", update.Children, key)
	}
}

func TestUnregisterClosesStoreSession(t *testing.T) {
	ctx := context.Background()
	h, st := startTestHub(t)

	client := NewClient("client-1", "staff-session")
	h.Register(client)

	st.OnDisconnect("staff-session", "counters_status/2", []byte(`{"is_active":false}`))
	h.Unregister(ctx, client)

	value, err := st.Get(ctx, "counters_status/2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != `{"is_active":false}` {
		t.Fatalf("disconnect hook wrote %s", value)
	}

	// A second unregister for the same client is a no-op, not a double
	// close of the send channel.
	h.Unregister(ctx, client)
}

func TestParseSubscribe(t *testing.T) {
	cases := []struct {
		name string
		data string
		ok   bool
	}{
		{"subscribe", `{"action":"subscribe","path":"waiting_list"}`, true},
		{"unsubscribe", `{"action":"unsubscribe","path":"current_ticket"}`, true},
		{"unknown action", `{"action":"publish","path":"waiting_list"}`, false},
		{"malformed", `{"action":`, false},
		{"empty", ``, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok := ParseSubscribe([]byte(tc.data))
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v (msg %+v)", ok, tc.ok, msg)
			}
		})
	}
}

func recvEnvelope(t *testing.T, client *Client) Envelope {
	t.Helper()
	select {
	case frame := <-client.Send:
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return Envelope{}
	}
}
