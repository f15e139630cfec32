package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/pkg/log"
)

// GormTodoRepository implements TodoRepository using GORM.
type GormTodoRepository struct {
	db *gorm.DB
}

// NewGormTodoRepository creates a new GORM-based todo repository.
func NewGormTodoRepository(db *gorm.DB) *GormTodoRepository {
	return &GormTodoRepository{db: db}
}

// Create creates a new todo.
func (r *GormTodoRepository) Create(ctx context.Context, t *domain.Todo) error {
	l := log.Ctx(ctx)

	model := &TodoModel{Task: t.Task, Completed: t.Completed, CreatedBy: t.CreatedBy}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		l.Error().Err(err).Msg("failed to create todo in db")
		return err
	}

	*t = *model.ToDomain()
	return nil
}

// List retrieves all todos, oldest first.
func (r *GormTodoRepository) List(ctx context.Context) ([]domain.Todo, error) {
	l := log.Ctx(ctx)

	var models []TodoModel
	if err := r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		l.Error().Err(err).Msg("failed to list todos from db")
		return nil, err
	}

	todos := make([]domain.Todo, len(models))
	for i := range models {
		todos[i] = *models[i].ToDomain()
	}
	return todos, nil
}

// Update changes the task text and/or completion flag.
func (r *GormTodoRepository) Update(ctx context.Context, id int64, upd TodoUpdate) (*domain.Todo, error) {
	l := log.Ctx(ctx)

	updates := map[string]interface{}{}
	if upd.Task != nil {
		updates["task"] = *upd.Task
	}
	if upd.Completed != nil {
		updates["completed"] = *upd.Completed
	}

	if len(updates) > 0 {
		result := r.db.WithContext(ctx).Model(&TodoModel{}).Where("id = ?", id).Updates(updates)
		if result.Error != nil {
			l.Error().Err(result.Error).Int64("todo_id", id).Msg("failed to update todo in db")
			return nil, result.Error
		}
	}

	var model TodoModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTodoNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Delete removes a todo.
func (r *GormTodoRepository) Delete(ctx context.Context, id int64) error {
	l := log.Ctx(ctx)

	result := r.db.WithContext(ctx).Delete(&TodoModel{}, "id = ?", id)
	if result.Error != nil {
		l.Error().Err(result.Error).Int64("todo_id", id).Msg("failed to delete todo in db")
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrTodoNotFound
	}
	return nil
}
