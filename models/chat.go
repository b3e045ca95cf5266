package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB type for PostgreSQL JSONB fields
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSONB)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Message represents a persisted chat message
type Message struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	ConversationID uuid.UUID `json:"conversation_id" gorm:"type:uuid;not null;index:idx_messages_conversation"`
	SenderID       uuid.UUID `json:"sender_id" gorm:"type:uuid;not null;index:idx_messages_sender"`

	Content     string `json:"content"`
	MessageType string `json:"message_type" gorm:"default:text"` // text, image, video, audio, file, system
	Metadata    JSONB  `json:"metadata,omitempty" gorm:"type:jsonb"`

	ReplyToMessageID *uuid.UUID `json:"reply_to_message_id,omitempty" gorm:"type:uuid"`
	IsEdited         bool       `json:"is_edited" gorm:"default:false"`
	IsDeleted        bool       `json:"is_deleted" gorm:"default:false"`

	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Message) TableName() string {
	return "messages"
}

// ConversationParticipant represents a user's membership in a conversation
type ConversationParticipant struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	ConversationID uuid.UUID `json:"conversation_id" gorm:"type:uuid;not null;uniqueIndex:idx_participants_conversation_user"`
	UserID         uuid.UUID `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_participants_conversation_user"`

	Role     string    `json:"role" gorm:"default:member"` // 'admin' or 'member'
	JoinedAt time.Time `json:"joined_at"`

	LastReadMessageID *uuid.UUID `json:"last_read_message_id,omitempty" gorm:"type:uuid"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ConversationParticipant) TableName() string {
	return "conversation_participants"
}
