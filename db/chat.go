package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"chorus/realtime-service/models"
	"chorus/realtime-service/utils"
)

var (
	ErrNotParticipant  = errors.New("user is not a participant of this conversation")
	ErrMessageNotFound = errors.New("message not found")
)

// ChatStore is the persistence collaborator for the realtime core. It owns
// message rows, read receipts and conversation membership lookups.
type ChatStore struct {
	db     *gorm.DB
	logger *utils.Logger
}

func NewChatStore(db *gorm.DB, logger *utils.Logger) *ChatStore {
	return &ChatStore{
		db:     db,
		logger: logger,
	}
}

// IsParticipant reports whether the user belongs to the conversation.
func (s *ChatStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	convID, err := uuid.Parse(conversationID)
	if err != nil {
		return false, fmt.Errorf("invalid conversation id: %w", err)
	}
	uid, err := uuid.Parse(userID)
	if err != nil {
		return false, fmt.Errorf("invalid user id: %w", err)
	}

	var count int64
	err = s.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", convID, uid).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}

	return count > 0, nil
}

// SaveMessage persists a message and bumps the conversation's last activity.
func (s *ChatStore) SaveMessage(ctx context.Context, conversationID, senderID, content, messageType string) (*models.Message, error) {
	convID, err := uuid.Parse(conversationID)
	if err != nil {
		return nil, fmt.Errorf("invalid conversation id: %w", err)
	}
	sender, err := uuid.Parse(senderID)
	if err != nil {
		return nil, fmt.Errorf("invalid sender id: %w", err)
	}

	if messageType == "" {
		messageType = "text"
	}

	now := time.Now().UTC()
	message := &models.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		MessageType:    messageType,
		DeliveredAt:    &now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}

		// Conversations are owned by the CRUD surface; only the activity
		// timestamp is touched here.
		if err := tx.Exec(
			"UPDATE conversations SET last_message_at = ? WHERE id = ?",
			now, convID,
		).Error; err != nil {
			return fmt.Errorf("failed to update conversation activity: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return message, nil
}

// MarkMessageRead sets the message's read timestamp (once) and advances the
// reader's last-read pointer. Returns the message so callers can notify the
// sender.
func (s *ChatStore) MarkMessageRead(ctx context.Context, messageID, readerID string) (*models.Message, error) {
	msgID, err := uuid.Parse(messageID)
	if err != nil {
		return nil, fmt.Errorf("invalid message id: %w", err)
	}
	reader, err := uuid.Parse(readerID)
	if err != nil {
		return nil, fmt.Errorf("invalid reader id: %w", err)
	}

	var message models.Message
	err = s.db.WithContext(ctx).
		Where("id = ? AND is_deleted = false", msgID).
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	var participant models.ConversationParticipant
	err = s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", message.ConversationID, reader).
		First(&participant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotParticipant
		}
		return nil, fmt.Errorf("failed to load participant: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if message.ReadAt == nil {
			now := time.Now().UTC()
			message.ReadAt = &now
			if err := tx.Model(&message).Update("read_at", now).Error; err != nil {
				return fmt.Errorf("failed to update read_at: %w", err)
			}
		}

		if err := tx.Model(&participant).
			Update("last_read_message_id", message.ID).Error; err != nil {
			return fmt.Errorf("failed to update last read pointer: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &message, nil
}
