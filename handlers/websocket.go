package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chorus/realtime-service/config"
	"chorus/realtime-service/db"
	"chorus/realtime-service/middleware"
	"chorus/realtime-service/models"
	"chorus/realtime-service/services"
	"chorus/realtime-service/utils"
)

const writeWait = 5 * time.Second

// ChatStore is the persistence collaborator consumed by message and
// read-receipt frames.
type ChatStore interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	SaveMessage(ctx context.Context, conversationID, senderID, content, messageType string) (*models.Message, error)
	MarkMessageRead(ctx context.Context, messageID, readerID string) (*models.Message, error)
}

type WebSocketHandler struct {
	manager  *services.ConnectionManager
	chat     ChatStore
	cfg      *config.Config
	logger   *utils.Logger
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(manager *services.ConnectionManager, chat ChatStore, cfg *config.Config, logger *utils.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager: manager,
		chat:    chat,
		cfg:     cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Auth happens via JWT, not origin.
				return true
			},
		},
	}
}

// Serve handles GET /ws. The JWT middleware has already authenticated the
// caller; from here the connection belongs to the manager until the read
// loop ends, and the disconnect cleanup runs exactly once on every exit
// path.
func (h *WebSocketHandler) Serve(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Error("Websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	conn.SetReadLimit(h.cfg.MaxMessageSize)

	ctx := c.Request.Context()
	transport := newWSTransport(conn)
	connectionID := h.manager.Connect(ctx, transport, userID)

	// Cleanup must survive request-context cancellation.
	defer h.manager.Disconnect(context.Background(), connectionID, userID)

	limiter := rate.NewLimiter(rate.Limit(h.cfg.FrameRate), h.cfg.FrameBurst)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Error("Websocket read error", "user_id", userID, "connection_id", connectionID, "error", err)
			} else {
				h.logger.Info("Websocket disconnected", "user_id", userID, "connection_id", connectionID)
			}
			return
		}

		if !limiter.Allow() {
			h.sendError(connectionID, "Rate limit exceeded")
			continue
		}

		var frame models.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("Invalid frame", "user_id", userID, "error", err)
			h.sendError(connectionID, "Invalid JSON format")
			continue
		}

		h.handleFrame(ctx, connectionID, userID, frame)
	}
}

// handleFrame routes one inbound frame by type.
func (h *WebSocketHandler) handleFrame(ctx context.Context, connectionID, userID string, frame models.InboundFrame) {
	switch frame.Type {
	case models.FrameTypePing:
		h.handlePing(connectionID, frame)
	case models.FrameTypeTyping:
		h.handleTyping(ctx, userID, frame)
	case models.FrameTypeMessage:
		h.handleChatMessage(ctx, connectionID, userID, frame)
	case models.FrameTypeReadReceipt:
		h.handleReadReceipt(ctx, connectionID, userID, frame)
	default:
		h.logger.Warn("Unknown frame type", "user_id", userID, "frame_type", frame.Type)
		h.sendError(connectionID, "Unknown message type: "+frame.Type)
	}
}

func (h *WebSocketHandler) handlePing(connectionID string, frame models.InboundFrame) {
	h.manager.UpdateHeartbeat(connectionID)

	h.manager.SendPersonal(connectionID, models.PongFrame{
		Type:            models.FrameTypePong,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		ClientTimestamp: frame.Timestamp,
	})
}

func (h *WebSocketHandler) handleTyping(ctx context.Context, userID string, frame models.InboundFrame) {
	if frame.ConversationID == "" {
		h.logger.Warn("Typing indicator without conversation_id", "user_id", userID)
		return
	}

	h.manager.SetTyping(ctx, frame.ConversationID, userID, frame.IsTyping)
}

func (h *WebSocketHandler) handleChatMessage(ctx context.Context, connectionID, userID string, frame models.InboundFrame) {
	if frame.ConversationID == "" || frame.Content == "" {
		h.sendError(connectionID, "conversation_id and content are required")
		return
	}

	member, err := h.chat.IsParticipant(ctx, frame.ConversationID, userID)
	if err != nil {
		h.logger.Error("Participant check failed", "user_id", userID, "conversation_id", frame.ConversationID, "error", err)
		h.sendError(connectionID, "Internal server error")
		return
	}
	if !member {
		h.sendError(connectionID, "You are not a participant of this conversation")
		return
	}

	message, err := h.chat.SaveMessage(ctx, frame.ConversationID, userID, frame.Content, frame.MessageType)
	if err != nil {
		h.logger.Error("Failed to save message", "user_id", userID, "conversation_id", frame.ConversationID, "error", err)
		h.sendError(connectionID, "Internal server error")
		return
	}

	h.manager.BroadcastToConversation(ctx, frame.ConversationID, models.NewMessageFrame{
		Type:    models.FrameTypeNewMessage,
		Message: message,
	}, userID)
}

func (h *WebSocketHandler) handleReadReceipt(ctx context.Context, connectionID, userID string, frame models.InboundFrame) {
	if frame.MessageID == "" {
		h.sendError(connectionID, "message_id is required")
		return
	}

	message, err := h.chat.MarkMessageRead(ctx, frame.MessageID, userID)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrMessageNotFound):
			h.sendError(connectionID, "Message not found")
		case errors.Is(err, db.ErrNotParticipant):
			h.sendError(connectionID, "You are not a participant of this conversation")
		default:
			h.logger.Error("Failed to mark message read", "user_id", userID, "message_id", frame.MessageID, "error", err)
			h.sendError(connectionID, "Internal server error")
		}
		return
	}

	// Notify the sender on their user channel, wherever they are connected.
	h.manager.SendToUser(ctx, message.SenderID.String(), models.MessageReadFrame{
		Type:      models.FrameTypeMessageRead,
		MessageID: message.ID.String(),
		ReaderID:  userID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *WebSocketHandler) sendError(connectionID, message string) {
	h.manager.SendPersonal(connectionID, models.ErrorFrame{
		Type:      models.FrameTypeError,
		Error:     message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// wsTransport adapts a gorilla connection to the manager's Transport.
// gorilla allows one concurrent writer, so writes serialize on a mutex.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait),
	)
	return t.conn.Close()
}
