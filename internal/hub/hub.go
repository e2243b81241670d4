package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store"
)

// Paths a realtime client may watch. Displays and client tickets re-derive
// their view state from these snapshots; they never write through the hub.
var watchablePaths = map[string]struct{}{
	store.PathWaitingList:   {},
	store.PathCurrentTicket: {},
	store.PathScrollingText: {},
}

type Client struct {
	ID        string
	SessionID string
	Send      chan []byte

	mu    sync.Mutex
	paths map[string]struct{}
}

func (c *Client) watching(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.paths[path]
	return ok
}

func (c *Client) setWatch(path string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.paths[path] = struct{}{}
	} else {
		delete(c.paths, path)
	}
}

// SubscribeMessage is the wire form clients send to start or stop watching
// a path.
type SubscribeMessage struct {
	Action string `json:"action"`
	Path   string `json:"path"`
}

// Envelope is the wire form of one snapshot delivered to clients.
type Envelope struct {
	Path     string                     `json:"path"`
	Value    json.RawMessage            `json:"value,omitempty"`
	Children map[string]json.RawMessage `json:"children,omitempty"`
	At       time.Time                  `json:"at"`
}

// Hub owns one store subscription per watchable path and fans snapshots
// out to connected realtime clients. A client's socket teardown closes its
// store session, which fires any pending disconnect hooks (counter
// auto-release).
type Hub struct {
	store store.Store

	mu      sync.RWMutex
	clients map[string]*Client

	cancels []store.CancelFunc
}

func New(st store.Store) *Hub {
	return &Hub{
		store:   st,
		clients: make(map[string]*Client),
	}
}

// Start opens the store subscriptions and begins fan-out. Stop with the
// returned function or by cancelling ctx.
func (h *Hub) Start(ctx context.Context) (func(), error) {
	for path := range watchablePaths {
		snapshots, cancel, err := h.store.Subscribe(ctx, path)
		if err != nil {
			h.stop()
			return nil, err
		}
		h.cancels = append(h.cancels, cancel)
		go h.pump(snapshots)
	}
	return h.stop, nil
}

func (h *Hub) stop() {
	for _, cancel := range h.cancels {
		cancel()
	}
	h.cancels = nil
}

func (h *Hub) pump(snapshots <-chan store.Snapshot) {
	for snap := range snapshots {
		payload, err := marshalEnvelope(snap)
		if err != nil {
			log.Printf("hub: encode snapshot for %s: %v", snap.Path, err)
			continue
		}
		h.broadcast(snap.Path, payload)
	}
}

func (h *Hub) broadcast(path string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.watching(path) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("hub: drop frame for client %s", client.ID)
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister detaches the client and closes its store session so that
// disconnect hooks fire. Fires once per registered client.
func (h *Hub) Unregister(ctx context.Context, client *Client) {
	h.mu.Lock()
	_, present := h.clients[client.ID]
	delete(h.clients, client.ID)
	h.mu.Unlock()
	if !present {
		return
	}
	close(client.Send)
	if client.SessionID != "" {
		if err := h.store.CloseSession(ctx, client.SessionID); err != nil {
			log.Printf("hub: close session %s: %v", client.SessionID, err)
		}
	}
}

// Apply handles a subscribe/unsubscribe message and immediately serves the
// current snapshot on subscribe, matching the first-event contract of the
// store's own Subscribe.
func (h *Hub) Apply(ctx context.Context, client *Client, msg SubscribeMessage) bool {
	if _, ok := watchablePaths[msg.Path]; !ok {
		return false
	}
	switch msg.Action {
	case "subscribe":
		client.setWatch(msg.Path, true)
		if payload, err := h.snapshotNow(ctx, msg.Path); err == nil {
			select {
			case client.Send <- payload:
			default:
			}
		}
		return true
	case "unsubscribe":
		client.setWatch(msg.Path, false)
		return true
	default:
		return false
	}
}

func (h *Hub) snapshotNow(ctx context.Context, path string) ([]byte, error) {
	snap := store.Snapshot{Path: path, At: time.Now().UTC()}
	if value, err := h.store.Get(ctx, path); err == nil {
		snap.Value = value
	}
	if children, err := h.store.List(ctx, path); err == nil && len(children) > 0 {
		snap.Children = children
	}
	return marshalEnvelope(snap)
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}

func NewClient(id, sessionID string) *Client {
	return &Client{
		ID:        id,
		SessionID: sessionID,
		Send:      make(chan []byte, 16),
		paths:     make(map[string]struct{}),
	}
}

func marshalEnvelope(snap store.Snapshot) ([]byte, error) {
	env := Envelope{Path: snap.Path, At: snap.At}
	if snap.Value != nil {
		env.Value = json.RawMessage(snap.Value)
	}
	if len(snap.Children) > 0 {
		env.Children = make(map[string]json.RawMessage, len(snap.Children))
		for key, value := range snap.Children {
			env.Children[key] = json.RawMessage(value)
		}
	}
	return json.Marshal(env)
}
