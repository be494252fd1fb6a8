package realtime

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/roomcast/roomcast/internal/config"
	"github.com/rs/zerolog/log"
)

// defaultHeartbeatInterval is how often the server pings idle connections
// when no ping interval is configured.
const defaultHeartbeatInterval = 30 * time.Second

// Handler handles WebSocket upgrade and the client protocol.
type Handler struct {
	manager *Manager
	cfg     config.RealtimeConfig
}

// NewHandler creates a new realtime handler
func NewHandler(manager *Manager, cfg config.RealtimeConfig) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultHeartbeatInterval
	}
	return &Handler{manager: manager, cfg: cfg}
}

// HandleWebSocket handles WebSocket upgrade. The namespace is taken from
// the "namespace" query parameter, defaulting to "/".
func (h *Handler) HandleWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	namespace := c.Query("namespace")
	if namespace == "" {
		namespace = "/"
	}
	c.Locals("namespace", namespace)

	return websocket.New(h.handleConnection, websocket.Config{
		ReadBufferSize:  h.cfg.ReadBufferSize,
		WriteBufferSize: h.cfg.WriteBufferSize,
	})(c)
}

// handleConnection runs the read loop for one WebSocket connection.
func (h *Handler) handleConnection(c *websocket.Conn) {
	connectionID := uuid.New().String()

	namespace := "/"
	if ns, ok := c.Locals("namespace").(string); ok && ns != "" {
		namespace = ns
	}

	if h.cfg.MessageSizeLimit > 0 {
		c.SetReadLimit(h.cfg.MessageSizeLimit)
	}

	conn := NewConnection(connectionID, namespace, c)
	if err := h.manager.AddConnection(connectionID, namespace, conn); err != nil {
		log.Warn().Err(err).Str("connection_id", connectionID).Msg("Rejecting WebSocket connection")
		_ = conn.SendMessage(ServerMessage{Type: MessageTypeError, Error: "connection limit reached"})
		_ = conn.Close()
		return
	}
	defer h.manager.RemoveConnection(connectionID)

	done := make(chan struct{})
	defer close(done)

	// Heartbeat so proxies don't drop idle connections.
	go func() {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.SendMessage(ServerMessage{Type: MessageTypeHeartbeat}); err != nil {
					return
				}
			}
		}
	}()

	for {
		if h.cfg.PongTimeout > 0 {
			// Any client frame, heartbeat included, refreshes the deadline.
			_ = c.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		}
		var msg ClientMessage
		if err := c.ReadJSON(&msg); err != nil {
			log.Debug().Err(err).Str("connection_id", connectionID).Msg("WebSocket read ended")
			return
		}
		h.handleMessage(conn, msg)
	}
}

// handleMessage dispatches one client protocol message.
func (h *Handler) handleMessage(conn *Connection, msg ClientMessage) {
	switch msg.Type {
	case MessageTypeJoin:
		if msg.Room == "" {
			h.sendError(conn, "join requires a room")
			return
		}
		if err := h.manager.Join(conn.Namespace, conn.ID, msg.Room); err != nil {
			h.sendError(conn, "join failed")
			return
		}
		h.sendAck(conn)

	case MessageTypeLeave:
		if msg.Room == "" {
			h.sendError(conn, "leave requires a room")
			return
		}
		if err := h.manager.Leave(conn.Namespace, conn.ID, msg.Room); err != nil {
			h.sendError(conn, "leave failed")
			return
		}
		h.sendAck(conn)

	case MessageTypeEmit:
		if msg.Event == "" {
			h.sendError(conn, "emit requires an event")
			return
		}
		// The sender is excluded: it already has the payload.
		except := append([]string{conn.ID}, msg.Except...)
		h.manager.Broadcast(conn.Namespace, msg.Event, msg.Data, msg.Rooms, except)
		h.sendAck(conn)

	case MessageTypeHeartbeat:
		_ = conn.SendMessage(ServerMessage{Type: MessageTypeHeartbeat})

	default:
		h.sendError(conn, "unknown message type")
	}
}

func (h *Handler) sendAck(conn *Connection) {
	if err := conn.SendMessage(ServerMessage{Type: MessageTypeAck}); err != nil {
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Ack send failed")
	}
}

func (h *Handler) sendError(conn *Connection, reason string) {
	if err := conn.SendMessage(ServerMessage{Type: MessageTypeError, Error: reason}); err != nil {
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Error send failed")
	}
}
