package repository

import (
	"time"

	"github.com/weiawesome/duo-chat/internal/domain"
)

// MessageModel is the GORM model for messages table.
type MessageModel struct {
	ID         int64      `gorm:"primaryKey;autoIncrement"`
	Text       string     `gorm:"type:text;not null"`
	SenderID   string     `gorm:"type:varchar(64);index;not null"`
	SenderName string     `gorm:"type:varchar(100);not null"`
	CreatedAt  time.Time  `gorm:"index;not null;precision:6"`
	ReadAt     *time.Time `gorm:"precision:6"`
}

// TableName specifies the table name for MessageModel.
func (MessageModel) TableName() string {
	return "messages"
}

// ToDomain converts MessageModel to domain Message.
func (m *MessageModel) ToDomain() *domain.Message {
	msg := &domain.Message{
		ID:         m.ID,
		Text:       m.Text,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		CreatedAt:  m.CreatedAt.UTC(),
	}
	if m.ReadAt != nil {
		readAt := m.ReadAt.UTC()
		msg.ReadAt = &readAt
	}
	return msg
}

// MessageToModel converts domain Message to MessageModel.
func MessageToModel(m *domain.Message) *MessageModel {
	return &MessageModel{
		ID:         m.ID,
		Text:       m.Text,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		CreatedAt:  m.CreatedAt,
		ReadAt:     m.ReadAt,
	}
}

// TodoModel is the GORM model for todos table.
type TodoModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Task      string    `gorm:"type:text;not null"`
	Completed bool      `gorm:"not null;default:false"`
	CreatedBy string    `gorm:"type:varchar(64);not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for TodoModel.
func (TodoModel) TableName() string {
	return "todos"
}

// ToDomain converts TodoModel to domain Todo.
func (m *TodoModel) ToDomain() *domain.Todo {
	return &domain.Todo{
		ID:        m.ID,
		Task:      m.Task,
		Completed: m.Completed,
		CreatedBy: m.CreatedBy,
		CreatedAt: m.CreatedAt.UTC(),
	}
}

// Models lists every table for auto-migration.
func Models() []interface{} {
	return []interface{}{&MessageModel{}, &TodoModel{}}
}
