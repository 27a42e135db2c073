package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard may be served from another origin
	},
}

// Delivery update types.
const (
	TypeDeliverySuccess   = "delivery_success"
	TypeDeliveryFailed    = "delivery_failed"
	TypeDeliveryRetrying  = "delivery_retrying"
	TypeDeliveryExhausted = "delivery_exhausted"
	TypeDeliveryDeferred  = "delivery_deferred"
)

// DeliveryEvent is a live delivery update. It is only sent to clients of
// the same tenant.
type DeliveryEvent struct {
	Type           string     `json:"type"`
	TenantID       string     `json:"tenant_id"`
	DeliveryID     string     `json:"delivery_id"`
	EventID        string     `json:"event_id"`
	SubscriptionID string     `json:"subscription_id"`
	TargetURL      string     `json:"target_url"`
	EventType      string     `json:"event_type"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	StatusCode     *int       `json:"status_code,omitempty"`
	ResponseMs     int64      `json:"response_ms"`
	Error          string     `json:"error,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

type message struct {
	tenantID string
	data     []byte
}

// Hub tracks WebSocket clients and routes delivery updates to the clients
// of the owning tenant.
type Hub struct {
	clients    map[*client]struct{}
	mu         sync.RWMutex
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *slog.Logger
}

type client struct {
	id       string
	tenantID string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
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
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "client_id", c.id, "tenant_id", c.tenantID, "total_clients", total)

		case c := <-h.unregister:
			h.remove(c)
			h.logger.Debug("websocket client disconnected", "client_id", c.id, "tenant_id", c.tenantID)

		case msg := <-h.broadcast:
			var slow []*client
			h.mu.RLock()
			for c := range h.clients {
				if c.tenantID != msg.tenantID {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range slow {
				h.logger.Warn("dropping slow websocket client", "client_id", c.id, "tenant_id", c.tenantID)
				h.remove(c)
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast queues event for the clients of event.TenantID. Updates are
// dropped, not blocked on, when the hub is saturated.
func (h *Hub) Broadcast(event DeliveryEvent) {
	if event.TenantID == "" {
		h.logger.Error("refusing to broadcast delivery update without tenant", "delivery_id", event.DeliveryID)
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal websocket event", "error", err)
		return
	}

	select {
	case h.broadcast <- message{tenantID: event.TenantID, data: data}:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping event", "tenant_id", event.TenantID)
	}
}

// Serve upgrades the request and subscribes the connection to tenantID's
// updates. The caller is responsible for authenticating tenantID.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       uuid.NewString(),
		tenantID: tenantID,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only watches for pongs and disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TenantClientCount returns the number of clients connected for tenantID.
func (h *Hub) TenantClientCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.tenantID == tenantID {
			n++
		}
	}
	return n
}
