package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // 256KB for base64 encoded JPEG frames
	CheckOrigin: func(r *http.Request) bool {
		// the line HMI is served from another port on the same host
		return true
	},
}

// Handler handles WebSocket connections for live line data
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub, logger: hub.logger}
}

// ServeHTTP handles WebSocket upgrade requests
// Expected URL format: /ws/{stats|events|frames}
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/")
	topic := strings.TrimSuffix(path, "/")

	if !ValidTopic(topic) {
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("New connection", zap.String("topic", topic), zap.String("remote", r.RemoteAddr))
	h.hub.Register(topic, conn)

	go h.readPump(topic, conn)
}

// readPump keeps the connection alive and detects client disconnection
func (h *Handler) readPump(topic string, conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(topic, conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	stop := make(chan struct{})
	defer func() {
		ticker.Stop()
		close(stop)
	}()

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Read error", zap.String("topic", topic), zap.Error(err))
			}
			return
		}
	}
}
