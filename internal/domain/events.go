package domain

import (
	"encoding/json"
	"time"
)

// Hub topics.
const (
	TopicMessagesInsert = "messages-insert"
	TopicMessagesDelete = "messages-delete"
	TopicMessagesUpdate = "messages-update"
	TopicPresence       = "presence"
	TopicTyping         = "typing"
)

// AllTopics lists every topic a chat session subscribes to.
var AllTopics = []string{
	TopicMessagesInsert,
	TopicMessagesDelete,
	TopicMessagesUpdate,
	TopicPresence,
	TopicTyping,
}

// IsMessageTopic reports whether gaps on topic require a full message refetch.
func IsMessageTopic(topic string) bool {
	switch topic {
	case TopicMessagesInsert, TopicMessagesDelete, TopicMessagesUpdate:
		return true
	}
	return false
}

// ValidTopic reports whether topic is known.
func ValidTopic(topic string) bool {
	for _, t := range AllTopics {
		if t == topic {
			return true
		}
	}
	return false
}

// Event is the hub envelope. Seq is assigned per topic by the publishing hub.
type Event struct {
	Topic     string          `json:"topic"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin,omitempty"`
}

// NewEvent marshals payload into an event for topic.
func NewEvent(topic string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// PresenceEntry is one live session in a presence snapshot.
type PresenceEntry struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"name"`
	JoinedAt    time.Time `json:"joined_at"`
	LastSeen    time.Time `json:"last_seen"`
	// Instance is set on sessions connected to another chat-server instance.
	Instance string `json:"instance,omitempty"`
}

// PresenceSnapshot is the derived set of live sessions, in join order.
type PresenceSnapshot struct {
	Version  uint64          `json:"version"`
	Sessions []PresenceEntry `json:"sessions"`
	At       time.Time       `json:"at"`
}

// Users returns the distinct user ids present, in first-join order.
func (p PresenceSnapshot) Users() []string {
	seen := make(map[string]struct{}, len(p.Sessions))
	var users []string
	for _, e := range p.Sessions {
		if _, ok := seen[e.UserID]; ok {
			continue
		}
		seen[e.UserID] = struct{}{}
		users = append(users, e.UserID)
	}
	return users
}

// Has reports whether any session of userID is present.
func (p PresenceSnapshot) Has(userID string) bool {
	for _, e := range p.Sessions {
		if e.UserID == userID {
			return true
		}
	}
	return false
}

// TypingEvent is a typing indicator broadcast.
type TypingEvent struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"user"`
	IsTyping    bool      `json:"is_typing"`
	At          time.Time `json:"at"`
}
