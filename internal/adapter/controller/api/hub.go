package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/archmesh/archmesh/internal/application/workflow"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Event is the message pushed to websocket clients
type Event struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

// transitionData is the payload of a "transition" event
type transitionData struct {
	From   string      `json:"from"`
	To     string      `json:"to"`
	Status interface{} `json:"status"`
}

// client is one websocket connection subscribed to a single session
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	topic string
	send  chan []byte
}

// Hub fans session transitions out to websocket clients.
// Topics are session ids.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	unregister chan *client
	broadcast  chan Event
	done       chan struct{}
	stopOnce   sync.Once

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a hub; call Run to start it
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:     logger,
		unregister: make(chan *client),
		broadcast:  make(chan Event, 256),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Run serves the hub until ctx is cancelled, then disconnects every client
func (h *Hub) Run(ctx context.Context) {
	defer h.stop()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.unregister:
			h.remove(c)
			h.logger.Debug("ws client disconnected", "topic", c.topic, "clients", h.ClientCount())

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("ws marshal failed", "error", err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if c.topic != event.Topic {
					continue
				}
				select {
				case c.send <- data:
				default:
					// Slow consumer
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
	})
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an event without blocking; it is dropped when the hub is saturated or stopped
func (h *Hub) Publish(event Event) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("ws broadcast queue full, dropping event", "topic", event.Topic, "type", event.Type)
	}
}

// OnTransition implements workflow.Observer
func (h *Hub) OnTransition(session *wf.Session, tr wf.Transition) {
	raw, err := json.Marshal(transitionData{
		From:   string(tr.From),
		To:     string(tr.To),
		Status: workflow.NewSessionStatus(session),
	})
	if err != nil {
		h.logger.Error("ws marshal transition failed", "session_id", session.ID, "error", err)
		return
	}
	h.Publish(Event{Topic: session.ID, Type: "transition", Data: raw})
}

// Serve upgrades the request and subscribes the connection to topic.
// snapshot is read once the subscription is in place and sent first as a
// "status" event, so a transition committed in between is still delivered.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, topic string, snapshot func(context.Context) (interface{}, error)) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	c := &client{hub: h, conn: conn, topic: topic, send: make(chan []byte, sendBuffer)}
	if !h.subscribe(c) {
		conn.Close()
		return
	}

	if err := c.writeStatus(r.Context(), snapshot); err != nil {
		h.logger.Warn("ws status snapshot failed", "topic", topic, "error", err)
		conn.Close()
	}

	go c.writePump()
	go c.readPump()
}

// subscribe adds c to the broadcast set unless the hub has stopped
func (h *Hub) subscribe(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return false
	default:
	}
	h.clients[c] = true
	h.logger.Debug("ws client connected", "topic", c.topic, "clients", len(h.clients))
	return true
}

// writeStatus writes the snapshot directly; the write pump is not running yet
func (c *client) writeStatus(ctx context.Context, snapshot func(context.Context) (interface{}, error)) error {
	status, err := snapshot(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Event{Topic: c.topic, Type: "status", Data: raw})
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump discards client messages and detects disconnects
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws read error", "error", err)
			}
			return
		}
	}
}

// writePump forwards queued events and pings until send is closed
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
