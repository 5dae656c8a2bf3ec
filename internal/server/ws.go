package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/ppecheck/internal/log"
	"github.com/ayusman/ppecheck/internal/sequencer"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// SnapshotSource publishes sequencer snapshots.
type SnapshotSource interface {
	Snapshot() sequencer.Snapshot
	Subscribe(fn func(sequencer.Snapshot)) (unsubscribe func())
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventsHandler pushes every sequencer snapshot to websocket clients as JSON.
type EventsHandler struct {
	source      SnapshotSource
	unsubscribe func()

	mu      sync.RWMutex
	clients map[*wsClient]bool
	closed  bool
}

// NewEventsHandler creates an EventsHandler subscribed to source.
func NewEventsHandler(source SnapshotSource) *EventsHandler {
	h := &EventsHandler{
		source:  source,
		clients: make(map[*wsClient]bool),
	}
	h.unsubscribe = source.Subscribe(h.broadcast)
	return h
}

// ServeHTTP handles WebSocket upgrade requests. The current snapshot is sent
// first, followed by one message per change.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	if msg, err := json.Marshal(h.source.Snapshot()); err == nil {
		c.send <- msg
	}
	h.clients[c] = true
	h.mu.Unlock()

	go h.writeLoop(c)

	// Keep connection alive by reading messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}

// Clients returns the number of connected clients.
func (h *EventsHandler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the source and disconnects all clients.
func (h *EventsHandler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.unsubscribe()
	for _, c := range clients {
		h.remove(c)
	}
}

func (h *EventsHandler) remove(c *wsClient) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
}

func (h *EventsHandler) writeLoop(c *wsClient) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Debug("websocket write failed", "error", err)
			h.remove(c)
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// broadcast queues snap for every client. Clients that fall behind miss
// intermediate snapshots.
func (h *EventsHandler) broadcast(snap sequencer.Snapshot) {
	msg, err := json.Marshal(snap)
	if err != nil {
		log.Error("failed to encode snapshot", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			log.Debug("websocket client behind, dropping snapshot", "version", snap.Version)
		}
	}
}
