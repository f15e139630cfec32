// Package typing broadcasts typing indicators. It keeps no timers: a
// sender that disconnects while typing leaves its last "true" in place until
// receivers clear it themselves, e.g. when presence shows the user gone.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/pkg/log"
)

// Publisher delivers typing events to the typing topic.
type Publisher interface {
	Publish(ev domain.Event) (domain.Event, error)
}

// Coordinator publishes typing state changes and remembers the latest per user.
type Coordinator struct {
	mu     sync.Mutex
	latest map[string]domain.TypingEvent
	pub    Publisher
	now    func() time.Time
}

func NewCoordinator(pub Publisher) *Coordinator {
	return &Coordinator{
		latest: make(map[string]domain.TypingEvent),
		pub:    pub,
		now:    time.Now,
	}
}

// SetTyping publishes the sender's typing state immediately.
func (c *Coordinator) SetTyping(ctx context.Context, sender domain.Sender, isTyping bool) (domain.TypingEvent, error) {
	if sender.UserID == "" {
		return domain.TypingEvent{}, domain.ErrUnauthenticated
	}

	te := domain.TypingEvent{
		UserID:      sender.UserID,
		DisplayName: sender.DisplayName,
		IsTyping:    isTyping,
		At:          c.now().UTC(),
	}

	ev, err := domain.NewEvent(domain.TopicTyping, te)
	if err != nil {
		return te, err
	}

	c.mu.Lock()
	c.latest[te.UserID] = te
	_, err = c.pub.Publish(ev)
	c.mu.Unlock()

	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Bool("is_typing", isTyping).Msg("failed to publish typing event")
		return te, err
	}
	return te, nil
}

// Observe records a typing event that was published elsewhere, e.g. relayed
// from another instance.
func (c *Coordinator) Observe(te domain.TypingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.latest[te.UserID]; ok && prev.At.After(te.At) {
		return
	}
	c.latest[te.UserID] = te
}

// Latest returns the last broadcast per user, ordered by user id.
func (c *Coordinator) Latest() []domain.TypingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.TypingEvent, 0, len(c.latest))
	for _, te := range c.latest {
		out = append(out, te)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
