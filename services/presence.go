package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"chorus/realtime-service/config"
	"chorus/realtime-service/models"
	"chorus/realtime-service/utils"
)

const (
	presenceKeyPrefix    = "user:presence:"
	connectionsKeyPrefix = "user:connections:"
	typingKeyPrefix      = "conversation:typing:"
	onlineSetKey         = "online_users"
)

// Pub/sub channel families. PresenceChannel carries global presence events;
// user and conversation channels are derived per target.
const (
	PresenceChannel           = "presence"
	userChannelPrefix         = "user:"
	conversationChannelPrefix = "conversation:"
)

func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

func ConversationChannel(conversationID string) string {
	return conversationChannelPrefix + conversationID
}

// PresenceService is the Redis-backed shared presence store and fanout
// publisher. All operations are best-effort: presence is advisory, so
// errors are logged and a zero value is returned instead of propagating.
type PresenceService struct {
	redis       *redis.Client
	logger      *utils.Logger
	presenceTTL time.Duration
	typingTTL   time.Duration
}

func NewPresenceService(redisClient *redis.Client, cfg *config.Config, logger *utils.Logger) *PresenceService {
	return &PresenceService{
		redis:       redisClient,
		logger:      logger,
		presenceTTL: cfg.PresenceTTL,
		typingTTL:   cfg.TypingTTL,
	}
}

// SetUserOnline writes an online presence record, announcing it on the
// global presence channel only when announce is set. The record write is
// safe to repeat.
func (ps *PresenceService) SetUserOnline(ctx context.Context, userID string, announce bool) {
	now := time.Now().UTC()
	key := presenceKeyPrefix + userID

	pipe := ps.redis.Pipeline()
	pipe.HSet(ctx, key, "status", models.StatusOnline, "last_seen", now.Format(time.RFC3339))
	pipe.Expire(ctx, key, ps.presenceTTL)
	pipe.SAdd(ctx, onlineSetKey, userID)
	pipe.Expire(ctx, onlineSetKey, ps.presenceTTL*2)
	if _, err := pipe.Exec(ctx); err != nil {
		ps.logger.Error("Failed to set user online", "user_id", userID, "error", err)
	}

	if !announce {
		return
	}

	ps.Publish(ctx, PresenceChannel, models.PresenceEventFrame{
		Type:      models.FrameTypeUserOnline,
		UserID:    userID,
		Timestamp: now.Format(time.RFC3339),
	})
}

// SetUserOffline writes an offline presence record and announces it.
func (ps *PresenceService) SetUserOffline(ctx context.Context, userID string) {
	now := time.Now().UTC()
	key := presenceKeyPrefix + userID

	pipe := ps.redis.Pipeline()
	pipe.HSet(ctx, key, "status", models.StatusOffline, "last_seen", now.Format(time.RFC3339))
	pipe.Expire(ctx, key, ps.presenceTTL)
	pipe.SRem(ctx, onlineSetKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		ps.logger.Error("Failed to set user offline", "user_id", userID, "error", err)
	}

	ps.Publish(ctx, PresenceChannel, models.PresenceEventFrame{
		Type:      models.FrameTypeUserOffline,
		UserID:    userID,
		Timestamp: now.Format(time.RFC3339),
	})
}

// GetPresence reads a user's presence record. A missing or expired record
// reads as offline with a null last_seen.
func (ps *PresenceService) GetPresence(ctx context.Context, userID string) models.UserPresence {
	presence := models.UserPresence{
		UserID: userID,
		Status: models.StatusOffline,
	}

	fields, err := ps.redis.HGetAll(ctx, presenceKeyPrefix+userID).Result()
	if err != nil {
		ps.logger.Error("Failed to get presence", "user_id", userID, "error", err)
		return presence
	}
	if len(fields) == 0 {
		return presence
	}

	if status, ok := fields["status"]; ok && status != "" {
		presence.Status = status
	}
	if raw, ok := fields["last_seen"]; ok {
		if lastSeen, err := time.Parse(time.RFC3339, raw); err == nil {
			presence.LastSeen = &lastSeen
		}
	}

	return presence
}

// OnlineUsers returns presence records for every user in the online set.
func (ps *PresenceService) OnlineUsers(ctx context.Context) []models.UserPresence {
	userIDs, err := ps.redis.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		ps.logger.Error("Failed to list online users", "error", err)
		return nil
	}

	users := make([]models.UserPresence, 0, len(userIDs))
	for _, userID := range userIDs {
		presence := ps.GetPresence(ctx, userID)
		if presence.Status == models.StatusOnline {
			users = append(users, presence)
		}
	}

	return users
}

// AddConnection records a connection id in the user's connection set,
// refreshing the set's TTL. Returns the set's size after the add so callers
// can detect the empty to non-empty transition, or 0 on store failure.
func (ps *PresenceService) AddConnection(ctx context.Context, userID, connectionID string) int {
	key := connectionsKeyPrefix + userID

	pipe := ps.redis.Pipeline()
	pipe.SAdd(ctx, key, connectionID)
	pipe.Expire(ctx, key, ps.presenceTTL)
	size := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		ps.logger.Error("Failed to add connection", "user_id", userID, "connection_id", connectionID, "error", err)
		return 0
	}
	return int(size.Val())
}

// RemoveConnection removes a connection id from the user's connection set.
func (ps *PresenceService) RemoveConnection(ctx context.Context, userID, connectionID string) {
	if err := ps.redis.SRem(ctx, connectionsKeyPrefix+userID, connectionID).Err(); err != nil {
		ps.logger.Error("Failed to remove connection", "user_id", userID, "connection_id", connectionID, "error", err)
	}
}

// Connections returns the user's connection ids across all server instances.
func (ps *PresenceService) Connections(ctx context.Context, userID string) []string {
	members, err := ps.redis.SMembers(ctx, connectionsKeyPrefix+userID).Result()
	if err != nil {
		ps.logger.Error("Failed to get connections", "user_id", userID, "error", err)
		return nil
	}
	return members
}

// SetTyping writes or clears the user's typing indicator for a conversation.
// Indicators expire on their own after the typing TTL.
func (ps *PresenceService) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) {
	key := typingKeyPrefix + conversationID

	if isTyping {
		pipe := ps.redis.Pipeline()
		pipe.HSet(ctx, key, userID, time.Now().UTC().Format(time.RFC3339))
		pipe.Expire(ctx, key, ps.typingTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			ps.logger.Error("Failed to set typing indicator", "conversation_id", conversationID, "user_id", userID, "error", err)
		}
		return
	}

	if err := ps.redis.HDel(ctx, key, userID).Err(); err != nil {
		ps.logger.Error("Failed to clear typing indicator", "conversation_id", conversationID, "user_id", userID, "error", err)
	}
}

// TypingUsers returns the users currently typing in a conversation.
func (ps *PresenceService) TypingUsers(ctx context.Context, conversationID string) []string {
	users, err := ps.redis.HKeys(ctx, typingKeyPrefix+conversationID).Result()
	if err != nil {
		ps.logger.Error("Failed to get typing users", "conversation_id", conversationID, "error", err)
		return nil
	}
	return users
}

// Publish serializes the payload and publishes it on the given channel.
// Fire-and-forget: failures are logged only.
func (ps *PresenceService) Publish(ctx context.Context, channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		ps.logger.Error("Failed to marshal fanout payload", "channel", channel, "error", err)
		return
	}

	if err := ps.redis.Publish(ctx, channel, data).Err(); err != nil {
		ps.logger.Error("Failed to publish fanout payload", "channel", channel, "error", err)
	}
}
