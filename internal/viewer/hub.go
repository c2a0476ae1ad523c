// Package viewer tracks operator connections watching a session. The live
// view itself is pull-based (still frames over HTTP); the websocket channel
// exists for connection bookkeeping, so watchers can be told when their
// session goes away and cleaned up with it.
package viewer

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is the subset of a websocket connection the hub needs.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Hub is the binding table from session id to the set of watching
// connections. It is the only component that mutates that table.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]map[Conn]struct{}
	logger   *zap.Logger
}

// NewHub returns an empty binding table.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		watchers: make(map[string]map[Conn]struct{}),
		logger:   logger,
	}
}

// Attach binds a connection to a session id.
func (h *Hub) Attach(sessionID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bag, ok := h.watchers[sessionID]
	if !ok {
		bag = make(map[Conn]struct{})
		h.watchers[sessionID] = bag
	}
	bag[c] = struct{}{}
}

// Detach unbinds a connection; the session's entry disappears with its last
// watcher.
func (h *Hub) Detach(sessionID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bag, ok := h.watchers[sessionID]
	if !ok {
		return
	}
	delete(bag, c)
	if len(bag) == 0 {
		delete(h.watchers, sessionID)
	}
}

// Watchers reports how many connections are bound to a session.
func (h *Hub) Watchers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[sessionID])
}

// CloseSession notifies and closes every connection watching a session and
// drops the binding. The registry calls it during teardown.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	bag := h.watchers[sessionID]
	delete(h.watchers, sessionID)
	h.mu.Unlock()

	for c := range bag {
		if err := c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed")); err != nil {
			h.logger.Debug("notify watcher", zap.String("session", sessionID), zap.Error(err))
		}
		if err := c.Close(); err != nil {
			h.logger.Debug("close watcher", zap.String("session", sessionID), zap.Error(err))
		}
	}
}
