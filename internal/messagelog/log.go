// Package messagelog is the ordered, durable message log. Appends and deletes
// are serialized by the log's own mutex; each is published to the hub after
// the store acknowledged it and before the call returns, so within one
// instance messages-insert events come out in log order.
package messagelog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/duo-chat/internal/cache"
	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/internal/repository"
	"github.com/weiawesome/duo-chat/pkg/log"
)

// Publisher delivers committed changes to subscribers.
type Publisher interface {
	Publish(ev domain.Event) (domain.Event, error)
}

// Config holds message log configuration.
type Config struct {
	MaxLength int
	CacheTTL  time.Duration
}

// Log is the message log.
type Log struct {
	mu    sync.Mutex
	last  time.Time
	repo  repository.MessageRepository
	pub   Publisher
	cache cache.MessageCache // optional
	sf    singleflight.Group

	config Config
	now    func() time.Time
}

// New creates a message log. msgCache may be nil.
func New(repo repository.MessageRepository, pub Publisher, msgCache cache.MessageCache, cfg Config) *Log {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Log{
		repo:   repo,
		pub:    pub,
		cache:  msgCache,
		config: cfg,
		now:    time.Now,
	}
}

// Validate checks text before it is appended.
func (g *Log) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return domain.ErrEmptyMessage
	}
	if g.config.MaxLength > 0 && utf8.RuneCountInString(text) > g.config.MaxLength {
		return domain.ErrMessageTooLong
	}
	return nil
}

// Append persists a message and publishes it on messages-insert.
func (g *Log) Append(ctx context.Context, text string, sender domain.Sender) (*domain.Message, error) {
	if err := g.Validate(text); err != nil {
		return nil, err
	}
	if sender.UserID == "" {
		return nil, domain.ErrUnauthenticated
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	m := &domain.Message{
		Text:       text,
		SenderID:   sender.UserID,
		SenderName: sender.DisplayName,
		CreatedAt:  g.nextTimestampLocked(),
	}
	if err := g.repo.Insert(ctx, m); err != nil {
		return nil, domain.NewPersistenceError("append", err)
	}

	l := log.Ctx(ctx)
	l.Debug().Int64(log.FieldMessageID, m.ID).Msg("message appended")

	g.invalidate(ctx)
	g.publish(ctx, domain.TopicMessagesInsert, m)
	return m, nil
}

// nextTimestampLocked returns a microsecond-precision UTC time that never
// goes backwards, even if the wall clock does. Equal values are ordered by id.
func (g *Log) nextTimestampLocked() time.Time {
	ts := g.now().UTC().Truncate(time.Microsecond)
	if ts.Before(g.last) {
		ts = g.last
	}
	g.last = ts
	return ts
}

// ListOrderedByCreation returns all messages, oldest first.
func (g *Log) ListOrderedByCreation(ctx context.Context) ([]domain.Message, error) {
	if g.cache == nil {
		return g.list(ctx)
	}

	gen, err := g.cache.Generation(ctx)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("cache generation error")
		return g.list(ctx)
	}
	key := g.cache.BuildKey(gen)

	result, err, _ := g.sf.Do(key, func() (interface{}, error) {
		return g.fetchWithCache(ctx, key)
	})
	if err != nil {
		return nil, err
	}

	messages, ok := result.([]domain.Message)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	// callers may mutate; singleflight shares the slice
	out := make([]domain.Message, len(messages))
	copy(out, messages)
	return out, nil
}

func (g *Log) list(ctx context.Context) ([]domain.Message, error) {
	messages, err := g.repo.List(ctx)
	if err != nil {
		return nil, domain.NewPersistenceError("list", err)
	}
	return messages, nil
}

func (g *Log) fetchWithCache(ctx context.Context, key string) ([]domain.Message, error) {
	cached, err := g.cache.Get(ctx, key)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("cache get error")
	}

	messages, err := g.list(ctx)
	if err != nil {
		return nil, err
	}

	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.cache.Set(cacheCtx, key, messages, g.config.CacheTTL); err != nil {
			l := log.L()
			l.Warn().Err(err).Msg("cache set error")
		}
	}()

	return messages, nil
}

// Get returns one message.
func (g *Log) Get(ctx context.Context, id int64) (*domain.Message, error) {
	m, err := g.repo.GetByID(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
		return nil, domain.NewPersistenceError("get", err)
	}
	return m, err
}

// MarkRead sets read_at once. Repeated calls return the message unchanged and
// publish nothing.
func (g *Log) MarkRead(ctx context.Context, id int64) (*domain.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, changed, err := g.repo.MarkRead(ctx, id, g.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			return nil, err
		}
		return nil, domain.NewPersistenceError("mark_read", err)
	}
	if !changed {
		return m, nil
	}

	g.invalidate(ctx)
	g.publish(ctx, domain.TopicMessagesUpdate, m)
	return m, nil
}

// Delete removes a message and publishes its id on messages-delete.
func (g *Log) Delete(ctx context.Context, id int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			return err
		}
		return domain.NewPersistenceError("delete", err)
	}

	l := log.Ctx(ctx)
	l.Debug().Int64(log.FieldMessageID, id).Msg("message deleted")

	g.invalidate(ctx)
	g.publish(ctx, domain.TopicMessagesDelete, domain.DeletedMessage{ID: id})
	return nil
}

func (g *Log) invalidate(ctx context.Context) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Invalidate(ctx); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("cache invalidate error")
	}
}

// publish is called with g.mu held. Failures are logged, not returned.
func (g *Log) publish(ctx context.Context, topic string, payload any) {
	ev, err := domain.NewEvent(topic, payload)
	if err == nil {
		_, err = g.pub.Publish(ev)
	}
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldTopic, topic).Msg("failed to publish committed change")
	}
}
