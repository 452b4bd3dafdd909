package hub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Hub fans every message out to every open overlay and control-panel
// connection. There are no rooms or topics; clients filter on "type".
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	// serializes Broadcast so every client sees calls in the same order
	broadcastMu sync.Mutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
}

// Client represents a WebSocket connection to an overlay or control panel
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	hub  *Hub

	ConnectedAt time.Time
	LastPing    time.Time

	closeOnce sync.Once
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			// overlays are loaded from OBS browser sources with arbitrary origins
			return true
		},
	}
}

// New creates an empty hub
func New(config ConnectionConfig) *Hub {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	return &Hub{
		clients: make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// NewClient wraps a connection. conn may be nil for clients that are fed
// only through Send.
func (h *Hub) NewClient(conn *websocket.Conn) *Client {
	now := time.Now()
	return &Client{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, h.config.SendBufferSize),
		hub:         h,
		ConnectedAt: now,
		LastPing:    now,
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and joins it to the hub
func (h *Hub) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	client := h.NewClient(conn)
	h.Register(client)

	go client.writePump()
	go client.readPump()

	log.Info().
		Str("connection_id", client.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	return nil
}

// Register adds a client and acknowledges it. The acknowledgment goes to
// the new client only.
func (h *Hub) Register(c *Client) {
	ack, err := json.Marshal(NewMessage(MessageConnected, map[string]string{"connectionId": c.ID}))
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal connected message")
	}

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	if ack != nil {
		select {
		case c.Send <- ack:
		default:
		}
	}
	h.mu.Unlock()

	log.Debug().
		Str("connection_id", c.ID).
		Int("total_connections", total).
		Msg("connection registered")
}

// Unregister removes a client. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, exists := h.clients[c]
	if exists {
		delete(h.clients, c)
		c.closeOnce.Do(func() { close(c.Send) })
	}
	h.mu.Unlock()

	if exists {
		log.Info().Str("connection_id", c.ID).Msg("connection unregistered")
	}
}

// Broadcast sends msg to every registered client. Slow or dead clients are
// dropped; nothing is reported to the caller.
func (h *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message for broadcast")
		return
	}

	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	var dead []*Client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.Send <- data:
		default:
			dead = append(dead, c)
		}
	}
	sent := len(h.clients) - len(dead)
	h.mu.RUnlock()

	for _, c := range dead {
		log.Warn().Str("connection_id", c.ID).Msg("connection send buffer full, closing connection")
		h.Unregister(c)
		if c.Conn != nil {
			c.Conn.Close()
		}
	}

	if m, ok := msg.(Message); ok {
		log.Debug().
			Str("message_type", string(m.Type)).
			Int("connections", sent).
			Msg("message broadcasted")
	}
}

// ConnectionCount reports current membership.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns statistics about active connections
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	oldest := time.Time{}
	for c := range h.clients {
		if oldest.IsZero() || c.ConnectedAt.Before(oldest) {
			oldest = c.ConnectedAt
		}
	}

	stats := map[string]interface{}{
		"total_connections": len(h.clients),
	}
	if !oldest.IsZero() {
		stats["oldest_connection"] = oldest
	}
	return stats
}

// sendTo queues data for one client without blocking.
func (h *Hub) sendTo(c *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.clients[c] {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

// writePump handles sending messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.hub.Unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}

// handleClientMessage answers application-level pings; anything else is logged.
func (c *Client) handleClientMessage(message []byte) {
	var msg clientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("invalid client message")
		return
	}

	if msg.Type == "ping" {
		c.LastPing = time.Now()
		pong, err := json.Marshal(NewMessage(MessagePong, nil))
		if err == nil {
			c.hub.sendTo(c, pong)
		}
		return
	}

	log.Debug().
		Str("connection_id", c.ID).
		Str("message_type", msg.Type).
		Msg("received client message")
}
