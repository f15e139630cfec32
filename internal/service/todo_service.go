package service

import (
	"context"
	"errors"
	"strings"

	"github.com/weiawesome/duo-chat/internal/audit"
	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/internal/repository"
)

type todoService struct {
	repo repository.TodoRepository
}

func NewTodoService(repo repository.TodoRepository) TodoService {
	return &todoService{repo: repo}
}

func (s *todoService) List(ctx context.Context) ([]domain.Todo, error) {
	todos, err := s.repo.List(ctx)
	if err != nil {
		return nil, domain.NewPersistenceError("list_todos", err)
	}
	return todos, nil
}

func (s *todoService) Create(ctx context.Context, userID, task string) (*domain.Todo, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, domain.ErrEmptyTask
	}

	todo := &domain.Todo{Task: task, CreatedBy: userID}
	if err := s.repo.Create(ctx, todo); err != nil {
		return nil, domain.NewPersistenceError("create_todo", err)
	}
	audit.LogTarget(ctx, audit.ActionCreateTodo, userID, todo.ID, "todo created")
	return todo, nil
}

func (s *todoService) Update(ctx context.Context, userID string, id int64, upd repository.TodoUpdate) (*domain.Todo, error) {
	if upd.Task != nil {
		task := strings.TrimSpace(*upd.Task)
		if task == "" {
			return nil, domain.ErrEmptyTask
		}
		upd.Task = &task
	}

	todo, err := s.repo.Update(ctx, id, upd)
	if err != nil {
		if errors.Is(err, domain.ErrTodoNotFound) {
			return nil, err
		}
		return nil, domain.NewPersistenceError("update_todo", err)
	}
	return todo, nil
}

func (s *todoService) Delete(ctx context.Context, userID string, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrTodoNotFound) {
			return err
		}
		return domain.NewPersistenceError("delete_todo", err)
	}
	audit.LogTarget(ctx, audit.ActionDeleteTodo, userID, id, "todo deleted")
	return nil
}
