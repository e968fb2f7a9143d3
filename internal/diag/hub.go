package diag

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/zot/modns/internal/config"
	"github.com/zot/modns/internal/module"
)

// historySize bounds the events replayed to a newly connected client.
const historySize = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local development tool
	},
}

// Hub streams diagnostics to websocket clients as JSON events. Fatal load
// errors reach whoever is watching, in place of an alert dialog.
type Hub struct {
	config  *config.Config
	clients map[*client]struct{}
	history []Event
	mu      sync.Mutex
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

var _ module.Diagnostics = (*Hub)(nil)

// NewHub creates a Hub with no clients.
func NewHub(cfg *config.Config) *Hub {
	return &Hub{
		config:  cfg,
		clients: make(map[*client]struct{}),
	}
}

// Log logs a message via the config.
func (h *Hub) Log(level int, format string, args ...any) {
	h.config.Log(level, format, args...)
}

// Trace publishes a trace event.
func (h *Hub) Trace(msg string, keyvals ...any) {
	h.Publish(NewEvent(LevelTrace, msg, keyvals...))
}

// Warn publishes a warning event.
func (h *Hub) Warn(msg string, keyvals ...any) {
	h.Publish(NewEvent(LevelWarn, msg, keyvals...))
}

// Fatal publishes a load error as a fatal event.
func (h *Hub) Fatal(err error) {
	h.Publish(NewEvent(LevelFatal, err.Error()))
}

// Publish records ev and sends it to every client. Slow clients drop events
// rather than stalling the resolver.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		ev.Fields = nil
		if data, err = json.Marshal(ev); err != nil {
			return
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, ev)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.Log(2, "Hub: dropping event for slow client %s", c.conn.RemoteAddr())
		}
	}
}

// History returns the retained events, oldest first.
func (h *Hub) History() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.history...)
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log(0, "Hub: upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, historySize*2)}
	h.mu.Lock()
	for _, ev := range h.history {
		if data, err := json.Marshal(ev); err == nil {
			c.send <- data
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.Log(1, "Hub: client connected %s", conn.RemoteAddr())

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client messages and unregisters the client on close.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		c.conn.Close()
		h.Log(1, "Hub: client disconnected %s", c.conn.RemoteAddr())
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop sends queued events to one client.
func (h *Hub) writeLoop(c *client) {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.Log(2, "Hub: write failed: %v", err)
			return
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
}
