package hub

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weiawesome/duo-chat/internal/config"
	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/pkg/log"
)

// Overflow policies for a full subscriber queue.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
)

var (
	ErrUnknownTopic = errors.New("unknown topic")
	ErrHubClosed    = errors.New("hub closed")
	ErrClosed       = errors.New("subscription closed before activation")
)

// topic serializes publishes and unsubscribes of one topic.
type topic struct {
	mu   sync.Mutex
	seq  uint64
	subs []*Subscription
}

// Hub fans events out to subscribers, one ordered stream per topic.
type Hub struct {
	topics   map[string]*topic
	sessions map[string]map[uint64]*Subscription // sessionID -> subID -> sub
	clients  map[string]*Client
	mu       sync.RWMutex
	closed   bool
	config   config.HubConfig

	nextID atomic.Uint64
	drops  atomic.Uint64

	// OnOverflowDisconnect runs after a subscriber was removed by the
	// disconnect overflow policy. No hub lock is held.
	OnOverflowDisconnect func(sessionID string)
}

func NewHub(cfg config.HubConfig) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Overflow != OverflowDisconnect {
		cfg.Overflow = OverflowDropOldest
	}

	h := &Hub{
		topics:   make(map[string]*topic),
		sessions: make(map[string]map[uint64]*Subscription),
		clients:  make(map[string]*Client),
		config:   cfg,
	}
	for _, name := range domain.AllTopics {
		h.topics[name] = &topic{}
	}
	return h
}

func (h *Hub) topic(name string) (*topic, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	t, ok := h.topics[name]
	if !ok {
		return nil, ErrUnknownTopic
	}
	return t, nil
}

// Subscribe registers sessionID on topicName. The returned subscription is
// Active and receives every event published after Subscribe returns.
func (h *Hub) Subscribe(sessionID, topicName string) (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	t, ok := h.topics[topicName]
	if !ok {
		h.mu.Unlock()
		return nil, ErrUnknownTopic
	}
	sub := newSubscription(h.nextID.Add(1), sessionID, topicName, h.config.QueueSize)
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[uint64]*Subscription)
	}
	h.sessions[sessionID][sub.ID] = sub
	h.mu.Unlock()

	t.mu.Lock()
	// a concurrent DisconnectSession may already have closed it
	if !sub.transition(StateSubscribing, StateActive) {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	l := log.L()
	l.Debug().Str(log.FieldSessionID, sessionID).Str(log.FieldTopic, topicName).Uint64("subscription_id", sub.ID).Msg("subscribed")
	return sub, nil
}

// Unsubscribe stops delivery to sub. Once it returns no further event is
// enqueued and the queue is closed. Calling it again is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.RLock()
	t := h.topics[sub.Topic]
	h.mu.RUnlock()

	if t != nil {
		t.mu.Lock()
		h.closeLocked(t, sub)
		t.mu.Unlock()
	}

	h.forget(sub)
}

// closeLocked removes sub from t and closes it. Caller holds t.mu.
func (h *Hub) closeLocked(t *topic, sub *Subscription) {
	switch sub.State() {
	case StateClosed, StateUnsubscribing:
		return
	case StateSubscribing:
		// never reached the topic's list
		sub.close()
		return
	}
	for i, s := range t.subs {
		if s == sub {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			break
		}
	}
	sub.close()
}

func (h *Hub) forget(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.sessions[sub.SessionID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.sessions, sub.SessionID)
		}
	}
}

// DisconnectSession unsubscribes every subscription held by sessionID.
func (h *Hub) DisconnectSession(sessionID string) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.sessions[sessionID]))
	for _, sub := range h.sessions[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		h.Unsubscribe(sub)
	}

	if len(subs) > 0 {
		l := log.L()
		l.Debug().Str(log.FieldSessionID, sessionID).Int("subscriptions", len(subs)).Msg("session disconnected from hub")
	}
}

// Publish assigns the topic's next sequence number to ev and enqueues it for
// every Active subscriber in subscription order. It never blocks on a
// subscriber; a full queue is handled by the overflow policy.
func (h *Hub) Publish(ev domain.Event) (domain.Event, error) {
	t, err := h.topic(ev.Topic)
	if err != nil {
		return ev, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var evicted []*Subscription

	t.mu.Lock()
	t.seq++
	ev.Seq = t.seq
	for _, sub := range t.subs {
		if sub.State() != StateActive {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		if h.config.Overflow == OverflowDisconnect {
			evicted = append(evicted, sub)
			continue
		}
		h.dropOldest(sub, ev)
	}
	for _, sub := range evicted {
		h.recordDrop(sub, ev)
		h.closeLocked(t, sub)
	}
	t.mu.Unlock()

	for _, sub := range evicted {
		h.forget(sub)
		l := log.L()
		l.Warn().Str(log.FieldSessionID, sub.SessionID).Str(log.FieldTopic, sub.Topic).Msg("subscriber queue full, disconnecting")
		if h.OnOverflowDisconnect != nil {
			h.OnOverflowDisconnect(sub.SessionID)
		}
	}

	return ev, nil
}

// dropOldest discards the head of a full queue to make room for ev.
// Caller holds the topic lock, so only the consumer can race with us and it
// can only free space.
func (h *Hub) dropOldest(sub *Subscription, ev domain.Event) {
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- ev:
	default:
	}
	h.recordDrop(sub, ev)
}

func (h *Hub) recordDrop(sub *Subscription, ev domain.Event) {
	sub.drops.Add(1)
	h.drops.Add(1)
	l := log.L()
	l.Warn().
		Str(log.FieldSessionID, sub.SessionID).
		Str(log.FieldTopic, ev.Topic).
		Uint64(log.FieldSeq, ev.Seq).
		Str("policy", h.config.Overflow).
		Msg("delivery drop")
}

// TopicStats describes one topic.
type TopicStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Seq         uint64 `json:"seq"`
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Topics   []TopicStats `json:"topics"`
	Sessions int          `json:"sessions"`
	Clients  int          `json:"clients"`
	Drops    uint64       `json:"drops"`
}

// Stats returns per-topic subscriber counts and the hub-wide drop counter.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	names := make([]string, 0, len(h.topics))
	for name := range h.topics {
		names = append(names, name)
	}
	sessions := len(h.sessions)
	clients := len(h.clients)
	h.mu.RUnlock()
	sort.Strings(names)

	stats := Stats{Sessions: sessions, Clients: clients, Drops: h.drops.Load()}
	for _, name := range names {
		t, err := h.topic(name)
		if err != nil {
			continue
		}
		t.mu.Lock()
		stats.Topics = append(stats.Topics, TopicStats{Topic: name, Subscribers: len(t.subs), Seq: t.seq})
		t.mu.Unlock()
	}
	return stats
}

// Drops returns the hub-wide delivery drop count.
func (h *Hub) Drops() uint64 {
	return h.drops.Load()
}

// Register tracks a websocket client.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
	l := log.L()
	l.Debug().Str("client_id", client.ID).Msg("client registered")
}

// Unregister tears down the client's subscriptions and stops its writer.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.ID]
	delete(h.clients, client.ID)
	h.mu.Unlock()

	h.DisconnectSession(client.ID)
	client.Close()
	if ok {
		l := log.L()
		l.Debug().Str("client_id", client.ID).Msg("client unregistered")
	}
}

// Client returns the registered client for a session id.
func (h *Hub) Client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Close unsubscribes everyone and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var subs []*Subscription
	for _, s := range h.sessions {
		for _, sub := range s {
			subs = append(subs, sub)
		}
	}
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.Unsubscribe(sub)
	}
	for _, c := range clients {
		c.Close()
	}
}
