package store

import "sync"

// SessionHooks tracks pending disconnect writes per session for backends
// whose hooks live in the server process (the process owns the client
// connections, so it is the one that observes the disconnect).
type SessionHooks struct {
	mu    sync.Mutex
	hooks map[string]map[string][]byte
}

func (h *SessionHooks) OnDisconnect(sessionID, path string, value []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hooks == nil {
		h.hooks = make(map[string]map[string][]byte)
	}
	hooks, ok := h.hooks[sessionID]
	if !ok {
		hooks = make(map[string][]byte)
		h.hooks[sessionID] = hooks
	}
	hooks[path] = append([]byte(nil), value...)
}

func (h *SessionHooks) CancelDisconnect(sessionID, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hooks, ok := h.hooks[sessionID]; ok {
		delete(hooks, path)
		if len(hooks) == 0 {
			delete(h.hooks, sessionID)
		}
	}
}

// Drain removes and returns the session's pending hooks. A second Drain
// for the same session returns nothing, which keeps each hook to at most
// one firing.
func (h *SessionHooks) Drain(sessionID string) map[string][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	hooks := h.hooks[sessionID]
	delete(h.hooks, sessionID)
	return hooks
}
