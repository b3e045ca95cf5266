package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"chorus/realtime-service/models"
	"chorus/realtime-service/utils"
)

// Transport is one physical duplex connection as seen by the manager. The
// websocket handler owns reads; the manager owns writes and close.
type Transport interface {
	WriteJSON(v any) error
	Close(reason string) error
}

// PresenceStore is the shared, cross-instance presence state. All methods
// are best-effort; implementations log failures instead of returning them.
// AddConnection reports the set's size after the add, or 0 on store failure.
type PresenceStore interface {
	AddConnection(ctx context.Context, userID, connectionID string) int
	RemoveConnection(ctx context.Context, userID, connectionID string)
	Connections(ctx context.Context, userID string) []string
	SetUserOnline(ctx context.Context, userID string, announce bool)
	SetUserOffline(ctx context.Context, userID string)
	GetPresence(ctx context.Context, userID string) models.UserPresence
	SetTyping(ctx context.Context, conversationID, userID string, isTyping bool)
}

// Publisher publishes fire-and-forget payloads on the fanout bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any)
}

type connection struct {
	transport     Transport
	userID        string
	lastHeartbeat time.Time
}

// ConnectionManager orchestrates the local connection registry, the shared
// presence store and the fanout bus. The registry is owned exclusively by
// the manager; connect/disconnect and the stale sweep serialize on its
// mutex.
type ConnectionManager struct {
	mu          sync.Mutex
	connections map[string]*connection

	store  PresenceStore
	bus    Publisher
	logger *utils.Logger
}

func NewConnectionManager(store PresenceStore, bus Publisher, logger *utils.Logger) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*connection),
		store:       store,
		bus:         bus,
		logger:      logger,
	}
}

// Connect registers an accepted transport under a fresh connection id,
// records it in the shared store, and marks the user online if this is
// their first live connection anywhere. The new connection receives a
// connection_established acknowledgement.
func (m *ConnectionManager) Connect(ctx context.Context, transport Transport, userID string) string {
	connectionID := uuid.NewString()

	m.mu.Lock()
	m.connections[connectionID] = &connection{
		transport:     transport,
		userID:        userID,
		lastHeartbeat: time.Now().UTC(),
	}
	m.mu.Unlock()

	total := m.store.AddConnection(ctx, userID, connectionID)

	// The record write is unconditional: two racing first connects can both
	// observe a post-add size of 2, and neither may skip it. Only the first
	// connection anywhere announces the user_online transition.
	m.store.SetUserOnline(ctx, userID, total == 1)

	m.logger.Info("User connected", "user_id", userID, "connection_id", connectionID)

	m.SendPersonal(connectionID, models.ConnectionEstablishedFrame{
		Type:         models.FrameTypeConnectionEstablished,
		ConnectionID: connectionID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})

	return connectionID
}

// Disconnect removes a connection locally and from the shared store, and
// marks the user offline when no connections remain anywhere. Idempotent.
func (m *ConnectionManager) Disconnect(ctx context.Context, connectionID, userID string) {
	m.mu.Lock()
	_, existed := m.connections[connectionID]
	delete(m.connections, connectionID)
	m.mu.Unlock()

	// An id we never held (or already evicted) has had its shared state
	// cleaned up elsewhere; repeating it would re-announce offline.
	if !existed {
		return
	}

	m.store.RemoveConnection(ctx, userID, connectionID)

	if len(m.store.Connections(ctx, userID)) == 0 {
		m.store.SetUserOffline(ctx, userID)
	}

	m.logger.Info("User disconnected", "user_id", userID, "connection_id", connectionID)
}

// SendPersonal delivers a payload to a locally held connection. Unknown ids
// are a silent no-op: the connection may live on another instance or may
// have just closed.
func (m *ConnectionManager) SendPersonal(connectionID string, payload any) {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := conn.transport.WriteJSON(payload); err != nil {
		m.logger.Error("Failed to send message", "connection_id", connectionID, "error", err)
	}
}

// SendToUser publishes a payload on the user's channel; every instance's
// listener delivers it to the connections it holds. Fire-and-forget.
func (m *ConnectionManager) SendToUser(ctx context.Context, userID string, payload any) {
	m.bus.Publish(ctx, UserChannel(userID), payload)
}

// BroadcastToConversation publishes a payload on the conversation's channel,
// optionally excluding one user from delivery. Fire-and-forget.
func (m *ConnectionManager) BroadcastToConversation(ctx context.Context, conversationID string, payload any, excludeUserID string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("Failed to marshal broadcast payload", "conversation_id", conversationID, "error", err)
		return
	}

	m.bus.Publish(ctx, ConversationChannel(conversationID), models.ConversationEnvelope{
		Message:       raw,
		ExcludeUserID: excludeUserID,
	})
}

// SetTyping updates the typing indicator and broadcasts the transition to
// the conversation, excluding the acting user.
func (m *ConnectionManager) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) {
	m.store.SetTyping(ctx, conversationID, userID, isTyping)

	m.BroadcastToConversation(ctx, conversationID, models.TypingFrame{
		Type:      models.FrameTypeTyping,
		UserID:    userID,
		IsTyping:  isTyping,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, userID)
}

// GetPresence reads the user's presence record from the shared store.
func (m *ConnectionManager) GetPresence(ctx context.Context, userID string) models.UserPresence {
	return m.store.GetPresence(ctx, userID)
}

// UserConnections returns the user's connection ids across all instances.
func (m *ConnectionManager) UserConnections(ctx context.Context, userID string) []string {
	return m.store.Connections(ctx, userID)
}

// UpdateHeartbeat refreshes a connection's heartbeat timestamp. Returns
// false if the connection is gone, letting callers detect a concurrent
// close.
func (m *ConnectionManager) UpdateHeartbeat(connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[connectionID]
	if !ok {
		return false
	}

	conn.lastHeartbeat = time.Now().UTC()
	return true
}

// CheckStaleConnections force-closes every local connection whose last
// heartbeat is older than timeout. Eviction runs the same shared-store
// cleanup as an explicit disconnect so the connection set never accumulates
// dead ids.
func (m *ConnectionManager) CheckStaleConnections(ctx context.Context, timeout time.Duration) {
	now := time.Now().UTC()

	type staleConn struct {
		id      string
		userID  string
		conn    *connection
		elapsed time.Duration
	}

	m.mu.Lock()
	var stale []staleConn
	for id, conn := range m.connections {
		if elapsed := now.Sub(conn.lastHeartbeat); elapsed > timeout {
			stale = append(stale, staleConn{id: id, userID: conn.userID, conn: conn, elapsed: elapsed})
		}
	}
	for _, s := range stale {
		delete(m.connections, s.id)
	}
	m.mu.Unlock()

	for _, s := range stale {
		// The transport may already be dead; close errors are expected.
		if err := s.conn.transport.Close("heartbeat timeout"); err != nil {
			m.logger.Error("Error closing stale connection", "connection_id", s.id, "error", err)
		}

		m.store.RemoveConnection(ctx, s.userID, s.id)
		if len(m.store.Connections(ctx, s.userID)) == 0 {
			m.store.SetUserOffline(ctx, s.userID)
		}

		m.logger.Warn("Closed stale connection",
			"connection_id", s.id,
			"user_id", s.userID,
			"idle", s.elapsed.Round(time.Second).String(),
		)
	}
}

// localConnections snapshots the registry as connection id → user id.
func (m *ConnectionManager) localConnections() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]string, len(m.connections))
	for id, conn := range m.connections {
		snapshot[id] = conn.userID
	}
	return snapshot
}

// hasLocal reports whether a connection id is held by this instance.
func (m *ConnectionManager) hasLocal(connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.connections[connectionID]
	return ok
}
