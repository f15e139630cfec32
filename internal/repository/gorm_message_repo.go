package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/pkg/log"
)

// GormMessageRepository implements MessageRepository using GORM.
type GormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository creates a new GORM-based message repository.
func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

// Insert creates a new message.
func (r *GormMessageRepository) Insert(ctx context.Context, m *domain.Message) error {
	l := log.Ctx(ctx)

	model := MessageToModel(m)
	model.ID = 0
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		l.Error().Err(err).Msg("failed to insert message in db")
		return err
	}

	m.ID = model.ID
	l.Debug().Int64(log.FieldMessageID, m.ID).Msg("message inserted in db")
	return nil
}

// List retrieves all messages in creation order.
func (r *GormMessageRepository) List(ctx context.Context) ([]domain.Message, error) {
	l := log.Ctx(ctx)

	var models []MessageModel
	if err := r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		l.Error().Err(err).Msg("failed to list messages from db")
		return nil, err
	}

	messages := make([]domain.Message, len(models))
	for i := range models {
		messages[i] = *models[i].ToDomain()
	}
	return messages, nil
}

// GetByID retrieves a message by ID.
func (r *GormMessageRepository) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	l := log.Ctx(ctx)

	var model MessageModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		l.Error().Err(result.Error).Int64(log.FieldMessageID, id).Msg("failed to get message by id")
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

// MarkRead sets read_at on an unread message.
func (r *GormMessageRepository) MarkRead(ctx context.Context, id int64, at time.Time) (*domain.Message, bool, error) {
	l := log.Ctx(ctx)

	result := r.db.WithContext(ctx).Model(&MessageModel{}).
		Where("id = ? AND read_at IS NULL", id).
		Update("read_at", at)
	if result.Error != nil {
		l.Error().Err(result.Error).Int64(log.FieldMessageID, id).Msg("failed to mark message read in db")
		return nil, false, result.Error
	}

	m, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return m, result.RowsAffected > 0, nil
}

// Delete removes a message.
func (r *GormMessageRepository) Delete(ctx context.Context, id int64) error {
	l := log.Ctx(ctx)

	result := r.db.WithContext(ctx).Delete(&MessageModel{}, "id = ?", id)
	if result.Error != nil {
		l.Error().Err(result.Error).Int64(log.FieldMessageID, id).Msg("failed to delete message in db")
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrMessageNotFound
	}
	l.Debug().Int64(log.FieldMessageID, id).Msg("message deleted in db")
	return nil
}
