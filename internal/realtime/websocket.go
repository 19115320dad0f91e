package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Maximum number of queued messages before dropping.
	sendBufferSize = 64
)

// WSConfig holds WebSocket server configuration.
type WSConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBufferSize int
	AllowedOrigins []string
}

// DefaultWSConfig returns sensible defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteWait:      writeWait,
		PongWait:       pongWait,
		PingPeriod:     pingPeriod,
		MaxMessageSize: maxMessageSize,
		SendBufferSize: sendBufferSize,
		AllowedOrigins: []string{"*"},
	}
}

// EventSource delivers raw events for a subject pattern.
type EventSource interface {
	Subscribe(subject string, handler func(subject string, data []byte)) (*nats.Subscription, error)
}

// WSHub keeps WebSocket clients grouped by workspace and forwards each
// status event only to clients of the event's workspace.
type WSHub struct {
	mu       sync.RWMutex
	clients  map[uuid.UUID]map[*WSClient]struct{}
	config   WSConfig
	logger   *slog.Logger
	sub      *nats.Subscription
	metrics  *WSMetrics
	upgrader websocket.Upgrader
}

// WSMetrics holds WebSocket metrics.
type WSMetrics struct {
	ConnectionsTotal   atomic.Int64
	ConnectionsCurrent atomic.Int64
	MessagesSent       atomic.Int64
	MessagesDropped    atomic.Int64
	Errors             atomic.Int64
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	ID          string
	WorkspaceID uuid.UUID
	hub         *WSHub
	conn        *websocket.Conn
	send        chan []byte
	closeOnce   sync.Once
}

// WSMessage is the envelope sent to clients.
type WSMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(cfg WSConfig, logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultWSConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = d.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = d.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = d.MaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = d.SendBufferSize
	}

	return &WSHub{
		clients: make(map[uuid.UUID]map[*WSClient]struct{}),
		config:  cfg,
		logger:  logger.With("component", "websocket_hub"),
		metrics: &WSMetrics{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(cfg.AllowedOrigins) == 0 || cfg.AllowedOrigins[0] == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
	}
}

// Start subscribes to status events of every workspace. A nil source leaves
// the hub fed only by Dispatch.
func (h *WSHub) Start(ctx context.Context, source EventSource) error {
	if source == nil {
		h.logger.Info("WebSocket hub started without event source")
		return nil
	}

	sub, err := source.Subscribe(SubjectStatusAll, func(subject string, data []byte) {
		event, err := decodeStatusEvent(subject, data)
		if err != nil {
			h.logger.Warn("dropping status event", "subject", subject, "error", err)
			return
		}
		h.Dispatch(event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to status events: %w", err)
	}
	h.sub = sub

	h.logger.Info("WebSocket hub started", "subject", SubjectStatusAll)
	return nil
}

// Stop unsubscribes and closes every client.
func (h *WSHub) Stop(ctx context.Context) error {
	if h.sub != nil {
		if err := h.sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe", "error", err)
		}
	}

	h.mu.Lock()
	for _, set := range h.clients {
		for client := range set {
			client.close()
		}
	}
	h.clients = make(map[uuid.UUID]map[*WSClient]struct{})
	h.mu.Unlock()

	h.logger.Info("WebSocket hub stopped")
	return nil
}

// Dispatch sends event to the clients of its workspace. Slow clients whose
// buffer is full miss the event.
func (h *WSHub) Dispatch(event DocumentStatusEvent) {
	data, err := json.Marshal(WSMessage{Type: "document_status", Data: event, Timestamp: time.Now().UTC()})
	if err != nil {
		h.logger.Error("failed to marshal notification", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[event.WorkspaceID] {
		select {
		case client.send <- data:
			h.metrics.MessagesSent.Add(1)
		default:
			h.metrics.MessagesDropped.Add(1)
			h.logger.Debug("client buffer full, dropping message", "client_id", client.ID)
		}
	}
}

// ServeWorkspace upgrades the request and registers the client under
// workspaceID. The caller has already authenticated the workspace.
func (h *WSHub) ServeWorkspace(w http.ResponseWriter, r *http.Request, workspaceID uuid.UUID) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "error", err)
		h.metrics.Errors.Add(1)
		return
	}

	client := &WSClient{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, h.config.SendBufferSize),
	}
	h.register(client)

	go client.writePump()
	go client.readPump()

	h.logger.Debug("WebSocket client connected", "client_id", client.ID, "workspace_id", workspaceID)
}

func (h *WSHub) register(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.WorkspaceID]
	if !ok {
		set = make(map[*WSClient]struct{})
		h.clients[c.WorkspaceID] = set
	}
	set[c] = struct{}{}
	h.metrics.ConnectionsTotal.Add(1)
	h.metrics.ConnectionsCurrent.Add(1)
}

func (h *WSHub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.WorkspaceID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.WorkspaceID)
	}
	c.close()
	h.metrics.ConnectionsCurrent.Add(-1)
}

// GetClientCount returns the number of connected clients of a workspace.
func (h *WSHub) GetClientCount(workspaceID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[workspaceID])
}

func (c *WSClient) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump discards client input; it exists to process pongs and notice
// disconnects.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.config.PongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("client disconnected unexpectedly", "client_id", c.ID, "error", err)
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.hub.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
