// Package transport exposes the registry over HTTP: a JSON API for queries
// and control actions, and a websocket stream of live state changes.
package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dronewatch/meshmapper/internal/notify"
	"github.com/dronewatch/meshmapper/internal/tracker"
)

const (
	// clientQueueSize bounds each websocket client's outbound queue. A
	// client that cannot drain it is disconnected rather than allowed to
	// stall the broadcast loop.
	clientQueueSize = 64

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// StreamMessage is the envelope sent over the websocket.
type StreamMessage struct {
	Type      string               `json:"type"` // "snapshot" or "change"
	Records   []tracker.Record     `json:"records,omitempty"`
	Change    *tracker.StateChange `json:"change,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan StreamMessage
}

// Hub broadcasts registry state changes to websocket clients. A new client
// first receives a full snapshot, then the live change stream, so it never
// has to reconcile a gap.
type Hub struct {
	registry *tracker.Tracker
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// WithHubLogger sets the logger for the hub.
func WithHubLogger(logger *slog.Logger) func(*Hub) {
	return func(h *Hub) {
		h.logger = logger.With(slog.String("component", "hub"))
	}
}

// NewHub creates a hub over the registry with a discard logger.
func NewHub(registry *tracker.Tracker, options ...func(*Hub)) *Hub {
	h := Hub{
		registry: registry,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The map UI is served from arbitrary field-kit hosts.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}

	for _, option := range options {
		option(&h)
	}

	return &h
}

// Run consumes the subscription and fans changes out until its channel
// closes or ctx is done.
func (h *Hub) Run(ctx context.Context, sub *notify.Subscription) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case change, ok := <-sub.C:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(StreamMessage{
				Type:      "change",
				Change:    &change,
				Timestamp: time.Now(),
			})
		}
	}
}

// ServeWS upgrades the request and attaches the client to the stream.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("remote", r.RemoteAddr))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan StreamMessage, clientQueueSize),
	}

	// Queue the catch-up snapshot before the client joins the broadcast
	// set, so no change can slot in ahead of it.
	c.send <- StreamMessage{
		Type:      "snapshot",
		Records:   h.registry.SnapshotAll(),
		Timestamp: time.Now(),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("websocket client connected",
		slog.String("remote", r.RemoteAddr),
		slog.Int("clients", n))

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) broadcast(msg StreamMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Client is not draining its queue; cut it loose instead of
			// stalling everyone else. It can reconnect and resnapshot.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// writePump serializes all writes for one connection. Closing the send
// channel terminates it.
func (h *Hub) writePump(c *client) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
				return
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.drop(c)
				return
			}

		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readPump discards inbound frames and detects disconnects.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}
