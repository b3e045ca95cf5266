package models

import "time"

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UserPresence is the shared-store presence record for a user. A missing
// record reads as offline with a null last_seen.
type UserPresence struct {
	UserID   string     `json:"user_id"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen"`
}

type StatusResponse struct {
	UserID   string     `json:"user_id"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen"`
	IsOnline bool       `json:"is_online"`
}

type OnlineUsersResponse struct {
	Count int            `json:"count"`
	Users []UserPresence `json:"users"`
}

type TypingUsersResponse struct {
	ConversationID string   `json:"conversation_id"`
	Users          []string `json:"users"`
}
