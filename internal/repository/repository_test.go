package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/pkg/database"
)

func newSQLiteRepos(t *testing.T) (MessageRepository, TodoRepository) {
	t.Helper()

	db, err := database.New(&database.Config{
		Driver:   "sqlite",
		FilePath: filepath.Join(t.TempDir(), "chat.db"),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db, Models()...))
	t.Cleanup(func() { _ = database.Close(db) })

	return NewGormMessageRepository(db), NewGormTodoRepository(db)
}

func messageRepos(t *testing.T) map[string]MessageRepository {
	gormRepo, _ := newSQLiteRepos(t)
	return map[string]MessageRepository{
		"memory": NewMemoryMessageRepository(),
		"gorm":   gormRepo,
	}
}

func TestMessageRepository_OrderAndTieBreak(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for name, repo := range messageRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inputs := []struct {
				text string
				at   time.Time
			}{
				{"second", base.Add(time.Second)},
				{"first-a", base},
				{"first-b", base},
			}
			for _, in := range inputs {
				m := &domain.Message{Text: in.text, SenderID: "u1", SenderName: "Alice", CreatedAt: in.at}
				require.NoError(t, repo.Insert(ctx, m))
				assert.NotZero(t, m.ID)
			}

			list, err := repo.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, "first-a", list[0].Text)
			assert.Equal(t, "first-b", list[1].Text)
			assert.Equal(t, "second", list[2].Text)
			assert.Less(t, list[0].ID, list[1].ID)
		})
	}
}

func TestMessageRepository_MarkReadIdempotent(t *testing.T) {
	for name, repo := range messageRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := &domain.Message{Text: "hi", SenderID: "u1", SenderName: "Alice", CreatedAt: time.Now().UTC()}
			require.NoError(t, repo.Insert(ctx, m))

			first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			got, changed, err := repo.MarkRead(ctx, m.ID, first)
			require.NoError(t, err)
			assert.True(t, changed)
			require.NotNil(t, got.ReadAt)
			assert.True(t, first.Equal(*got.ReadAt))

			got, changed, err = repo.MarkRead(ctx, m.ID, first.Add(time.Hour))
			require.NoError(t, err)
			assert.False(t, changed)
			assert.True(t, first.Equal(*got.ReadAt))

			_, _, err = repo.MarkRead(ctx, m.ID+100, first)
			assert.ErrorIs(t, err, domain.ErrMessageNotFound)
		})
	}
}

func TestMessageRepository_Delete(t *testing.T) {
	for name, repo := range messageRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := &domain.Message{Text: "bye", SenderID: "u1", SenderName: "Alice", CreatedAt: time.Now().UTC()}
			require.NoError(t, repo.Insert(ctx, m))

			require.NoError(t, repo.Delete(ctx, m.ID))
			assert.ErrorIs(t, repo.Delete(ctx, m.ID), domain.ErrMessageNotFound)

			_, err := repo.GetByID(ctx, m.ID)
			assert.ErrorIs(t, err, domain.ErrMessageNotFound)
		})
	}
}

func TestTodoRepository(t *testing.T) {
	_, gormRepo := newSQLiteRepos(t)
	repos := map[string]TodoRepository{
		"memory": NewMemoryTodoRepository(),
		"gorm":   gormRepo,
	}

	for name, repo := range repos {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			todo := &domain.Todo{Task: "buy milk", CreatedBy: "u1"}
			require.NoError(t, repo.Create(ctx, todo))
			assert.NotZero(t, todo.ID)

			done := true
			updated, err := repo.Update(ctx, todo.ID, TodoUpdate{Completed: &done})
			require.NoError(t, err)
			assert.True(t, updated.Completed)
			assert.Equal(t, "buy milk", updated.Task)

			list, err := repo.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			require.NoError(t, repo.Delete(ctx, todo.ID))
			assert.ErrorIs(t, repo.Delete(ctx, todo.ID), domain.ErrTodoNotFound)
			_, err = repo.Update(ctx, todo.ID, TodoUpdate{Completed: &done})
			assert.ErrorIs(t, err, domain.ErrTodoNotFound)
		})
	}
}

func TestMessageRepository_KeepsMicroseconds(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)
	read := created.Add(789 * time.Microsecond)

	for name, repo := range messageRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := &domain.Message{Text: "tick", SenderID: "u1", SenderName: "Alice", CreatedAt: created}
			require.NoError(t, repo.Insert(ctx, m))
			_, _, err := repo.MarkRead(ctx, m.ID, read)
			require.NoError(t, err)

			got, err := repo.GetByID(ctx, m.ID)
			require.NoError(t, err)
			assert.True(t, created.Equal(got.CreatedAt), "created_at %s", got.CreatedAt)
			require.NotNil(t, got.ReadAt)
			assert.True(t, read.Equal(*got.ReadAt), "read_at %s", *got.ReadAt)
		})
	}
}
