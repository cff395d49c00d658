package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Message is the envelope pushed to every websocket client.
type Message struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	CallID string    `json:"callId,omitempty"`
	SentAt time.Time `json:"sentAt"`
	Data   any       `json:"data,omitempty"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	callID string
}

type outbound struct {
	callID string
	data   []byte
}

// Hub keeps the connected listeners and fans messages out to them. A client
// that subscribed with ?call=<id> only receives messages for that call.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	clients    map[*client]struct{}
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run owns client registration and fan-out until ctx is canceled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("websocket client connected", "client", c.id, "call_id", c.callID)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.mu.Unlock()
				h.logger.Info("websocket client disconnected", "client", c.id)
			} else {
				h.mu.Unlock()
			}

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.callID != "" && c.callID != msg.callID {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Slow consumer; drop it rather than block everyone else.
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn("websocket client send buffer full; disconnecting", "client", c.id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		id:     ulid.Make().String(),
		callID: r.URL.Query().Get("call"),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// Broadcast queues a message for every matching listener. It does not wait
// for delivery.
func (h *Hub) Broadcast(msgType, callID string, data any) error {
	msg := Message{
		ID:     ulid.Make().String(),
		Type:   msgType,
		CallID: callID,
		SentAt: time.Now().UTC(),
		Data:   data,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal %s message: %w", msgType, err)
	}
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.broadcast <- outbound{callID: callID, data: raw}:
		return nil
	default:
		return ErrBroadcastFull
	}
}

// Listeners returns how many connected clients would receive a message for
// callID.
func (h *Hub) Listeners(callID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.callID == "" || c.callID == callID {
			n++
		}
	}
	return n
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump discards client input; it exists to process pongs and detect
// disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", "client", c.id, "err", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write failed", "client", c.id, "err", err)
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
