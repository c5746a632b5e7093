package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/weavesync/internal/events"
)

// ErrHubClosed is returned by Broadcast after Close.
var ErrHubClosed = errors.New("event hub closed")

// EventHub streams JSON messages to websocket subscribers, such as a host
// UI following sync progress.
type EventHub struct {
	logger   *events.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *hubClient) stop() {
	c.once.Do(func() { close(c.done) })
}

// NewEventHub creates a hub. pingInterval <= 0 uses 30s.
func NewEventHub(pingInterval time.Duration, logger *events.Logger) *EventHub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &EventHub{
		logger: logger.WithField("component", "event_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The hub binds to loopback by default and serves local UIs.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:      make(map[*hubClient]struct{}),
		pingInterval: pingInterval,
		pongTimeout:  10 * time.Second,
		writeTimeout: 10 * time.Second,
	}
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "event hub closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &hubClient{
		conn: conn,
		send: make(chan []byte, 100),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.WithFields(map[string]interface{}{
		"remote":  r.RemoteAddr,
		"clients": count,
	}).Info("Subscriber connected")

	go h.writeLoop(client)
	go h.readLoop(client)
}

// Broadcast sends v as JSON to every subscriber. A subscriber whose buffer
// is full misses the message.
func (h *EventHub) Broadcast(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("Subscriber too slow, dropping event")
		}
	}

	return nil
}

// Clients returns the number of subscribers.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *EventHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	for c := range h.clients {
		c.stop()
	}
	return nil
}

func (h *EventHub) remove(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
}

// readLoop discards inbound frames and notices when the peer goes away.
func (h *EventHub) readLoop(c *hubClient) {
	defer h.remove(c)

	conn := c.conn
	_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout + h.pingInterval))
	conn.SetPongHandler(func(string) error {
		h.logger.Debug("Received pong")
		return conn.SetReadDeadline(time.Now().Add(h.pongTimeout + h.pingInterval))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket read error")
			}
			return
		}
	}
}

// writeLoop sends queued events and periodic pings.
func (h *EventHub) writeLoop(c *hubClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.WithError(err).Warn("WebSocket write failed")
				h.remove(c)
				return
			}

		case <-ticker.C:
			h.logger.Debug("Sending ping")
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				h.logger.WithError(err).Warn("Ping failed")
				h.remove(c)
				return
			}

		case <-c.done:
			return
		}
	}
}
