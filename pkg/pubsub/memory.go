package pubsub

import (
	"context"
	"path"
	"sync"
)

type memorySub struct {
	key     string
	pattern bool
	ch      chan *Event
	cancel  context.CancelFunc
}

// MemoryPubSub is an in-process PubSub for single-binary deployments and tests.
// Delivery is synchronous with Publish, so events keep publish order.
type MemoryPubSub struct {
	mu     sync.Mutex
	subs   []*memorySub
	closed bool
}

// NewMemoryPubSub creates an empty in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{}
}

// Publish delivers event to every matching subscription. Full subscriber
// buffers drop the event, as the networked drivers do.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	if _, err := ChannelTopic(channel); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.subs {
		if !s.matches(channel) {
			continue
		}
		cp := *event
		select {
		case s.ch <- &cp:
		default:
		}
	}
	return nil
}

func (s *memorySub) matches(channel string) bool {
	if !s.pattern {
		return s.key == channel
	}
	ok, _ := path.Match(s.key, channel)
	return ok
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, false), nil
}

// SubscribePattern subscribes to channels matching a glob pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return m.subscribe(ctx, pattern, true), nil
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern bool) <-chan *Event {
	subCtx, cancel := context.WithCancel(ctx)
	s := &memorySub{key: key, pattern: pattern, ch: make(chan *Event, 100), cancel: cancel}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		close(s.ch)
		return s.ch
	}
	m.subs = append(m.subs, s)
	m.mu.Unlock()

	go func() {
		<-subCtx.Done()
		m.remove(s)
	}()

	return s.ch
}

func (m *MemoryPubSub) remove(target *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s == target {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Unsubscribe removes every subscription registered under channel.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	var cancels []context.CancelFunc
	for _, s := range m.subs {
		if s.key == channel {
			cancels = append(cancels, s.cancel)
		}
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Close closes all subscriptions.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	m.closed = true
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, s := range subs {
		s.cancel()
		close(s.ch)
	}
	return nil
}
