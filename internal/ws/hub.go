package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Topics a client can subscribe to.
const (
	TopicStats  = "stats"
	TopicEvents = "events"
	TopicFrames = "frames"
)

// ValidTopic reports whether topic is served by the hub.
func ValidTopic(topic string) bool {
	switch topic {
	case TopicStats, TopicEvents, TopicFrames:
		return true
	}
	return false
}

type client struct {
	conn *websocket.Conn
	// writes on one connection must not interleave
	mu sync.Mutex
}

// Hub manages WebSocket connections for live stats, count events and frames
type Hub struct {
	// clients maps topic -> set of connections
	clients map[string]map[*websocket.Conn]*client
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewHub creates a new hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*websocket.Conn]*client),
		logger:  logger.Named("ws"),
	}
}

// Register adds a connection for a topic
func (h *Hub) Register(topic string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*websocket.Conn]*client)
	}
	h.clients[topic][conn] = &client{conn: conn}
	h.logger.Debug("Client registered", zap.String("topic", topic), zap.Int("clients", len(h.clients[topic])))
}

// Unregister removes a connection for a topic
func (h *Hub) Unregister(topic string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[topic]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, topic)
		}
		h.logger.Debug("Client unregistered", zap.String("topic", topic))
	}
}

// HasClients returns true if there are any clients connected for a topic
func (h *Hub) HasClients(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.clients[topic]
	return ok && len(conns) > 0
}

// Broadcast sends a message to all clients subscribed to a topic
func (h *Hub) Broadcast(topic string, message []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[topic]))
	for _, c := range h.clients[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.mu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := c.conn.WriteMessage(websocket.TextMessage, message)
		c.mu.Unlock()
		if err != nil {
			h.logger.Debug("Dropping client after write error", zap.String("topic", topic), zap.Error(err))
			h.Unregister(topic, c.conn)
			c.conn.Close()
		}
	}
}

// BroadcastJSON marshals v and broadcasts it when the topic has clients
func (h *Hub) BroadcastJSON(topic string, v any) {
	if !h.HasClients(topic) {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.String("topic", topic), zap.Error(err))
		return
	}
	h.Broadcast(topic, data)
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for topic, conns := range h.clients {
		for conn := range conns {
			conn.Close()
		}
		delete(h.clients, topic)
	}
}
