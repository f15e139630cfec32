package domain

import (
	"strings"
	"time"
)

// Message is a durable chat message. Only ReadAt changes after persistence.
type Message struct {
	ID         int64      `json:"id"`
	TempID     string     `json:"temp_id,omitempty"`
	Text       string     `json:"text"`
	SenderID   string     `json:"sender_id"`
	SenderName string     `json:"sender_name"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
}

// IsProvisional reports whether the message only exists in a client's local view.
func (m *Message) IsProvisional() bool {
	return m.ID == 0 && strings.HasPrefix(m.TempID, TempIDPrefix)
}

// IsRead reports whether the message has been marked read.
func (m *Message) IsRead() bool {
	return m.ReadAt != nil
}

// TempIDPrefix prefixes client-side provisional identifiers.
const TempIDPrefix = "temp-"

// Less orders messages by creation time, ties broken by durable id.
func Less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// DeletedMessage is the payload of a messages-delete event.
type DeletedMessage struct {
	ID int64 `json:"id"`
}

// Todo is a shared checklist item.
type Todo struct {
	ID        int64     `json:"id"`
	Task      string    `json:"task"`
	Completed bool      `json:"completed"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}
