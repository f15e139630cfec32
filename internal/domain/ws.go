package domain

import (
	"encoding/json"
	"time"
)

// WebSocket message types from client.
const (
	MsgTypeAuth          = "auth"
	MsgTypeSendMessage   = "send_message"
	MsgTypeMarkRead      = "mark_read"
	MsgTypeDeleteMessage = "delete_message"
	MsgTypeTyping        = "typing"
	MsgTypePing          = "ping"
	MsgTypeSync          = "sync"
)

// WebSocket message types to client.
const (
	MsgTypeAuthResult = "auth_result"
	MsgTypeMessageAck = "message_ack"
	MsgTypeEvent      = "event"
	MsgTypeHistory    = "history"
	MsgTypeError      = "error"
	MsgTypePong       = "pong"
)

// Error codes
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeNameRequired     = "NAME_REQUIRED"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeEmptyMessage     = "EMPTY_MESSAGE"
	ErrCodeMessageTooLong   = "MESSAGE_TOO_LONG"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodePersistenceError = "PERSISTENCE_ERROR"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type SendMessageWS struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

type MessageRefWS struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	MessageID int64  `json:"message_id"`
}

type TypingWS struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

type SyncWS struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// Server -> Client messages

type AuthResultMessage struct {
	Type        string `json:"type"`
	Success     bool   `json:"success"`
	SessionID   string `json:"session_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// MessageAck answers send_message, mark_read and delete_message.
// Message is nil for deletes.
type MessageAck struct {
	Type      string   `json:"type"`
	RequestID string   `json:"request_id"`
	Message   *Message `json:"message,omitempty"`
}

type EventMessage struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewEventMessage(ev Event) *EventMessage {
	return &EventMessage{
		Type:      MsgTypeEvent,
		Topic:     ev.Topic,
		Seq:       ev.Seq,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}
}

type HistoryMessage struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id"`
	Messages  []Message `json:"messages"`
}

type PongMessage struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	}
}
