package hub

import (
	"sync/atomic"

	"github.com/weiawesome/duo-chat/internal/domain"
)

// State is the lifecycle of a subscription. Only Active subscriptions receive events.
type State int32

const (
	StateSubscribing State = iota
	StateActive
	StateUnsubscribing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateUnsubscribing:
		return "unsubscribing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Subscription is one session's interest in one topic. Events arrive on
// Events() in publish order; the channel is closed once the subscription
// reaches StateClosed.
type Subscription struct {
	ID        uint64
	SessionID string
	Topic     string

	ch    chan domain.Event
	state atomic.Int32
	drops atomic.Uint64
}

func newSubscription(id uint64, sessionID, topic string, queueSize int) *Subscription {
	s := &Subscription{
		ID:        id,
		SessionID: sessionID,
		Topic:     topic,
		ch:        make(chan domain.Event, queueSize),
	}
	s.state.Store(int32(StateSubscribing))
	return s
}

// Events returns the delivery queue.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Drops returns how many events this subscription lost to overflow.
func (s *Subscription) Drops() uint64 {
	return s.drops.Load()
}

// Pending returns the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	return len(s.ch)
}

func (s *Subscription) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// close drains and closes the queue. Caller holds the topic lock.
func (s *Subscription) close() {
	s.state.Store(int32(StateUnsubscribing))
	for {
		select {
		case <-s.ch:
			continue
		default:
		}
		break
	}
	close(s.ch)
	s.state.Store(int32(StateClosed))
}
