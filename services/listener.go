package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chorus/realtime-service/models"
	"chorus/realtime-service/utils"
)

const (
	pollTimeout  = 100 * time.Millisecond
	idleSleep    = 10 * time.Millisecond
	errorBackoff = time.Second
)

// ParticipantSource answers conversation membership questions. The chat
// store implements it; the listener uses it to avoid delivering
// conversation payloads to bystanders.
type ParticipantSource interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Listener is the single per-instance pub/sub consumer. It receives fanout
// events from Redis and re-dispatches them to locally held connections.
type Listener struct {
	redis        *redis.Client
	manager      *ConnectionManager
	participants ParticipantSource
	logger       *utils.Logger
}

func NewListener(redisClient *redis.Client, manager *ConnectionManager, participants ParticipantSource, logger *utils.Logger) *Listener {
	return &Listener{
		redis:        redisClient,
		manager:      manager,
		participants: participants,
		logger:       logger,
	}
}

// Run consumes fanout events until the context is cancelled, returning nil.
// A failed subscription is returned as an error so the caller can treat a
// dead bus at boot as fatal. Dispatch errors are logged and followed by a
// backoff sleep.
func (l *Listener) Run(ctx context.Context) error {
	pubsub := l.redis.Subscribe(ctx, PresenceChannel)
	defer pubsub.Close()

	if err := pubsub.PSubscribe(ctx, userChannelPrefix+"*", conversationChannelPrefix+"*"); err != nil {
		return fmt.Errorf("failed to subscribe to fanout channels: %w", err)
	}

	l.logger.Info("Started pub/sub listener")

	for {
		if ctx.Err() != nil {
			l.logger.Info("Stopped pub/sub listener")
			return nil
		}

		raw, err := pubsub.ReceiveTimeout(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("Stopped pub/sub listener")
				return nil
			}
			if isPollTimeout(err) {
				time.Sleep(idleSleep)
				continue
			}
			l.logger.Error("Pub/sub receive error", "error", err)
			time.Sleep(errorBackoff)
			continue
		}

		msg, ok := raw.(*redis.Message)
		if !ok {
			// Subscription confirmations and pongs.
			continue
		}

		if err := l.dispatch(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
			l.logger.Error("Failed to dispatch fanout event", "channel", msg.Channel, "error", err)
			time.Sleep(errorBackoff)
		}
	}
}

// isPollTimeout reports whether a receive error is an idle poll expiring.
// go-redis may wrap the deadline error, so unwrap before checking.
func isPollTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// dispatch routes one fanout event by channel family.
func (l *Listener) dispatch(ctx context.Context, channel string, payload []byte) error {
	switch {
	case channel == PresenceChannel:
		l.dispatchPresence(payload)
		return nil
	case strings.HasPrefix(channel, userChannelPrefix):
		l.dispatchUser(ctx, strings.TrimPrefix(channel, userChannelPrefix), payload)
		return nil
	case strings.HasPrefix(channel, conversationChannelPrefix):
		return l.dispatchConversation(ctx, strings.TrimPrefix(channel, conversationChannelPrefix), payload)
	default:
		return fmt.Errorf("unexpected channel: %s", channel)
	}
}

// dispatchPresence forwards a presence event verbatim to every locally held
// connection.
func (l *Listener) dispatchPresence(payload []byte) {
	for connectionID := range l.manager.localConnections() {
		l.manager.SendPersonal(connectionID, json.RawMessage(payload))
	}
}

// dispatchUser delivers a user-targeted payload to the subset of the user's
// connection set held by this instance.
func (l *Listener) dispatchUser(ctx context.Context, userID string, payload []byte) {
	for _, connectionID := range l.manager.UserConnections(ctx, userID) {
		if l.manager.hasLocal(connectionID) {
			l.manager.SendPersonal(connectionID, json.RawMessage(payload))
		}
	}
}

// dispatchConversation delivers the inner payload to local connections whose
// user participates in the conversation, skipping the excluded user. When
// the membership lookup fails the event is delivered anyway rather than
// dropped.
func (l *Listener) dispatchConversation(ctx context.Context, conversationID string, payload []byte) error {
	var envelope models.ConversationEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("malformed conversation envelope: %w", err)
	}

	for connectionID, userID := range l.manager.localConnections() {
		if envelope.ExcludeUserID != "" && userID == envelope.ExcludeUserID {
			continue
		}

		member, err := l.participants.IsParticipant(ctx, conversationID, userID)
		if err != nil {
			l.logger.Error("Participant lookup failed, delivering unfiltered",
				"conversation_id", conversationID, "user_id", userID, "error", err)
			member = true
		}
		if !member {
			continue
		}

		l.manager.SendPersonal(connectionID, json.RawMessage(envelope.Message))
	}

	return nil
}
