package models

import "encoding/json"

// Frame types exchanged over a websocket connection.
const (
	FrameTypePing                  = "ping"
	FrameTypePong                  = "pong"
	FrameTypeError                 = "error"
	FrameTypeTyping                = "typing"
	FrameTypeMessage               = "message"
	FrameTypeReadReceipt           = "read_receipt"
	FrameTypeConnectionEstablished = "connection_established"
	FrameTypeUserOnline            = "user_online"
	FrameTypeUserOffline           = "user_offline"
	FrameTypeNewMessage            = "new_message"
	FrameTypeMessageRead           = "message_read"
)

// InboundFrame is the discriminated union of client-to-server frames,
// keyed by Type.
type InboundFrame struct {
	Type string `json:"type"`

	// ping
	Timestamp string `json:"timestamp,omitempty"`

	// typing / message
	ConversationID string `json:"conversation_id,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
	Content        string `json:"content,omitempty"`
	MessageType    string `json:"message_type,omitempty"`

	// read_receipt
	MessageID string `json:"message_id,omitempty"`
}

type ConnectionEstablishedFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Timestamp    string `json:"timestamp"`
}

type PongFrame struct {
	Type            string `json:"type"`
	Timestamp       string `json:"timestamp"`
	ClientTimestamp string `json:"client_timestamp,omitempty"`
}

type ErrorFrame struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

type TypingFrame struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	IsTyping  bool   `json:"is_typing"`
	Timestamp string `json:"timestamp"`
}

// PresenceEventFrame is published on the global presence channel and
// forwarded verbatim to every locally held connection.
type PresenceEventFrame struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

type NewMessageFrame struct {
	Type    string   `json:"type"`
	Message *Message `json:"message"`
}

type MessageReadFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	ReaderID  string `json:"reader_id"`
	Timestamp string `json:"timestamp"`
}

// ConversationEnvelope wraps a payload published on a conversation channel.
// The inner message is kept raw so listeners forward the exact published
// bytes to their local connections.
type ConversationEnvelope struct {
	Message       json.RawMessage `json:"message"`
	ExcludeUserID string          `json:"exclude_user_id,omitempty"`
}
