package cache

import (
	"context"
	"time"

	"github.com/weiawesome/duo-chat/internal/domain"
)

// MessageCache caches the ordered message list. Entries are keyed by a
// generation number; Invalidate moves every instance to a fresh generation
// so a late Set for an older generation can never be read again.
type MessageCache interface {
	Generation(ctx context.Context) (int64, error)
	BuildKey(generation int64) string
	Get(ctx context.Context, key string) ([]domain.Message, error)
	Set(ctx context.Context, key string, messages []domain.Message, ttl time.Duration) error
	Invalidate(ctx context.Context) error
	Close() error
}
