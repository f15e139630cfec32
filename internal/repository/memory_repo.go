package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/duo-chat/internal/domain"
)

// MemoryMessageRepository keeps messages in process memory.
type MemoryMessageRepository struct {
	store  map[int64]domain.Message
	nextID int64
	sync.RWMutex
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		store:  make(map[int64]domain.Message),
		nextID: 1,
	}
}

func (r *MemoryMessageRepository) Insert(ctx context.Context, m *domain.Message) error {
	r.Lock()
	defer r.Unlock()

	m.ID = r.nextID
	r.nextID++
	stored := *m
	stored.TempID = ""
	r.store[m.ID] = stored
	return nil
}

func (r *MemoryMessageRepository) List(ctx context.Context) ([]domain.Message, error) {
	r.RLock()
	defer r.RUnlock()

	messages := make([]domain.Message, 0, len(r.store))
	for _, m := range r.store {
		messages = append(messages, m)
	}
	sort.Slice(messages, func(i, j int) bool { return domain.Less(&messages[i], &messages[j]) })
	return messages, nil
}

func (r *MemoryMessageRepository) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	r.RLock()
	defer r.RUnlock()

	if m, ok := r.store[id]; ok {
		return &m, nil
	}
	return nil, domain.ErrMessageNotFound
}

func (r *MemoryMessageRepository) MarkRead(ctx context.Context, id int64, at time.Time) (*domain.Message, bool, error) {
	r.Lock()
	defer r.Unlock()

	m, ok := r.store[id]
	if !ok {
		return nil, false, domain.ErrMessageNotFound
	}
	if m.ReadAt != nil {
		return &m, false, nil
	}
	m.ReadAt = &at
	r.store[id] = m
	return &m, true, nil
}

func (r *MemoryMessageRepository) Delete(ctx context.Context, id int64) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.store[id]; !ok {
		return domain.ErrMessageNotFound
	}
	delete(r.store, id)
	return nil
}

// MemoryTodoRepository keeps todos in process memory.
type MemoryTodoRepository struct {
	store  map[int64]domain.Todo
	nextID int64
	sync.RWMutex
}

func NewMemoryTodoRepository() *MemoryTodoRepository {
	return &MemoryTodoRepository{
		store:  make(map[int64]domain.Todo),
		nextID: 1,
	}
}

func (r *MemoryTodoRepository) Create(ctx context.Context, t *domain.Todo) error {
	r.Lock()
	defer r.Unlock()

	t.ID = r.nextID
	r.nextID++
	t.CreatedAt = time.Now().UTC()
	r.store[t.ID] = *t
	return nil
}

func (r *MemoryTodoRepository) List(ctx context.Context) ([]domain.Todo, error) {
	r.RLock()
	defer r.RUnlock()

	todos := make([]domain.Todo, 0, len(r.store))
	for _, t := range r.store {
		todos = append(todos, t)
	}
	sort.Slice(todos, func(i, j int) bool { return todos[i].ID < todos[j].ID })
	return todos, nil
}

func (r *MemoryTodoRepository) Update(ctx context.Context, id int64, upd TodoUpdate) (*domain.Todo, error) {
	r.Lock()
	defer r.Unlock()

	t, ok := r.store[id]
	if !ok {
		return nil, domain.ErrTodoNotFound
	}
	if upd.Task != nil {
		t.Task = *upd.Task
	}
	if upd.Completed != nil {
		t.Completed = *upd.Completed
	}
	r.store[id] = t
	return &t, nil
}

func (r *MemoryTodoRepository) Delete(ctx context.Context, id int64) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.store[id]; !ok {
		return domain.ErrTodoNotFound
	}
	delete(r.store, id)
	return nil
}
