package repository

import (
	"context"
	"time"

	"github.com/weiawesome/duo-chat/internal/domain"
)

// MessageRepository is the durable message store.
type MessageRepository interface {
	// Insert assigns m.ID. m.CreatedAt must already be set.
	Insert(ctx context.Context, m *domain.Message) error
	// List returns every message ordered by created_at, then id.
	List(ctx context.Context) ([]domain.Message, error)
	GetByID(ctx context.Context, id int64) (*domain.Message, error)
	// MarkRead sets read_at if unset. changed is false when it was already set.
	MarkRead(ctx context.Context, id int64, at time.Time) (m *domain.Message, changed bool, err error)
	Delete(ctx context.Context, id int64) error
}

// TodoUpdate carries the fields to change on a todo. Nil fields are left alone.
type TodoUpdate struct {
	Task      *string
	Completed *bool
}

// TodoRepository stores the shared checklist.
type TodoRepository interface {
	Create(ctx context.Context, t *domain.Todo) error
	List(ctx context.Context) ([]domain.Todo, error)
	Update(ctx context.Context, id int64, upd TodoUpdate) (*domain.Todo, error)
	Delete(ctx context.Context, id int64) error
}
