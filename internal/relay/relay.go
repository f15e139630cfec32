// Package relay bridges the local hub and the cross-instance event bus so
// sessions connected to different chat-server instances see each other's
// messages, typing state and presence.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/internal/hub"
	"github.com/weiawesome/duo-chat/pkg/log"
	"github.com/weiawesome/duo-chat/pkg/pubsub"
)

// Topics are the hub topics forwarded between instances.
var Topics = []string{
	domain.TopicMessagesInsert,
	domain.TopicMessagesDelete,
	domain.TopicMessagesUpdate,
	domain.TopicTyping,
}

// TypingObserver records typing state learned from another instance.
type TypingObserver interface {
	Observe(te domain.TypingEvent)
}

// PresenceExchange shares this instance's sessions and merges those of
// other instances.
type PresenceExchange interface {
	LocalSnapshot(ctx context.Context) domain.PresenceSnapshot
	ApplyRemote(ctx context.Context, origin string, snap domain.PresenceSnapshot)
}

const defaultPresenceRefresh = 3 * time.Second

type Relay struct {
	hub        *hub.Hub
	bus        pubsub.PubSub
	typing     TypingObserver
	presence   PresenceExchange
	instanceID string
	sessionID  string

	// PresenceRefresh is how often the local snapshot is re-sent so other
	// instances keep it alive. Keep it well under the liveness window.
	PresenceRefresh time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(h *hub.Hub, bus pubsub.PubSub, typing TypingObserver, presence PresenceExchange, instanceID string) *Relay {
	return &Relay{
		hub:             h,
		bus:             bus,
		typing:          typing,
		presence:        presence,
		instanceID:      instanceID,
		sessionID:       "relay-" + instanceID,
		PresenceRefresh: defaultPresenceRefresh,
	}
}

// Start subscribes to the bus and to the forwarded hub topics.
func (r *Relay) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	eventCh, err := r.bus.SubscribePattern(ctx, pubsub.ChannelPattern)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to chat events: %w", err)
	}

	subs := make([]*hub.Subscription, 0, len(Topics))
	for _, topic := range Topics {
		sub, err := r.hub.Subscribe(r.sessionID, topic)
		if err != nil {
			cancel()
			r.hub.DisconnectSession(r.sessionID)
			return fmt.Errorf("failed to subscribe to hub topic %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	var presenceSub *hub.Subscription
	if r.presence != nil {
		presenceSub, err = r.hub.Subscribe(r.sessionID, domain.TopicPresence)
		if err != nil {
			cancel()
			r.hub.DisconnectSession(r.sessionID)
			return fmt.Errorf("failed to subscribe to hub topic %s: %w", domain.TopicPresence, err)
		}
	}

	r.wg.Add(1 + len(subs))
	go r.handleRemoteEvents(ctx, eventCh)
	for _, sub := range subs {
		go r.forward(ctx, sub)
	}
	if presenceSub != nil {
		r.wg.Add(1)
		go r.forwardPresence(ctx, presenceSub)
	}

	l := log.L()
	l.Info().Str(log.FieldInstance, r.instanceID).Msg("relay started")
	return nil
}

// Stop detaches from the hub and the bus. Other instances are told to drop
// this instance's sessions.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.hub.DisconnectSession(r.sessionID)
	r.wg.Wait()

	if r.presence != nil && r.cancel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.publishPresence(ctx, domain.PresenceSnapshot{At: time.Now().UTC()}); err != nil {
			l := log.L()
			l.Warn().Err(err).Msg("failed to withdraw presence")
		}
	}
}

// forward publishes locally originated hub events to the bus. Events that
// already carry an origin came from the bus and are not sent back.
func (r *Relay) forward(ctx context.Context, sub *hub.Subscription) {
	defer r.wg.Done()
	l := log.L().With().Str(log.FieldTopic, sub.Topic).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				// Evicted by the overflow policy; pick up from the next event.
				next, err := r.hub.Subscribe(r.sessionID, sub.Topic)
				if err != nil {
					l.Error().Err(err).Msg("relay failed to resubscribe")
					return
				}
				l.Warn().Msg("relay resubscribed after eviction")
				sub = next
				continue
			}
			if ev.Origin != "" {
				continue
			}
			if err := r.publish(ctx, ev); err != nil {
				l.Error().Err(err).Uint64(log.FieldSeq, ev.Seq).Msg("failed to relay event")
			}
		}
	}
}

// forwardPresence sends the local snapshot on every local membership change
// and on a timer. Changes caused by remote snapshots carry an origin and are
// not sent back.
func (r *Relay) forwardPresence(ctx context.Context, sub *hub.Subscription) {
	defer r.wg.Done()
	l := log.L().With().Str(log.FieldTopic, domain.TopicPresence).Logger()

	refresh := r.PresenceRefresh
	if refresh <= 0 {
		refresh = defaultPresenceRefresh
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	send := func() {
		if err := r.publishPresence(ctx, r.presence.LocalSnapshot(ctx)); err != nil && ctx.Err() == nil {
			l.Error().Err(err).Msg("failed to relay presence")
		}
	}
	send()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		case ev, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				next, err := r.hub.Subscribe(r.sessionID, domain.TopicPresence)
				if err != nil {
					l.Error().Err(err).Msg("relay failed to resubscribe")
					return
				}
				l.Warn().Msg("relay resubscribed after eviction")
				sub = next
				send()
				continue
			}
			if ev.Origin != "" {
				continue
			}
			send()
		}
	}
}

func (r *Relay) publishPresence(ctx context.Context, snap domain.PresenceSnapshot) error {
	out, err := pubsub.NewEvent(domain.TopicPresence, r.instanceID, snap)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, pubsub.TopicChannel(domain.TopicPresence), out)
}

func (r *Relay) publish(ctx context.Context, ev domain.Event) error {
	out := &pubsub.Event{
		Topic:     ev.Topic,
		Origin:    r.instanceID,
		OriginSeq: ev.Seq,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}
	return r.bus.Publish(ctx, pubsub.TopicChannel(ev.Topic), out)
}

func (r *Relay) handleRemoteEvents(ctx context.Context, eventCh <-chan *pubsub.Event) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			r.processRemoteEvent(event)
		}
	}
}

func (r *Relay) processRemoteEvent(event *pubsub.Event) {
	l := log.L().With().
		Str(log.FieldTopic, event.Topic).
		Str("origin", event.Origin).
		Uint64("origin_seq", event.OriginSeq).
		Logger()

	if event.Origin == r.instanceID {
		return
	}
	if event.Origin == "" {
		l.Warn().Msg("dropping relayed event without origin")
		return
	}
	if event.Topic == domain.TopicPresence {
		if r.presence == nil {
			return
		}
		var snap domain.PresenceSnapshot
		if err := event.UnmarshalPayload(&snap); err != nil {
			l.Error().Err(err).Msg("failed to unmarshal presence snapshot")
			return
		}
		// the registry publishes the merged snapshot itself
		r.presence.ApplyRemote(context.Background(), event.Origin, snap)
		return
	}
	if !relayed(event.Topic) {
		l.Warn().Msg("dropping relayed event for unrelayed topic")
		return
	}

	if event.Topic == domain.TopicTyping && r.typing != nil {
		var te domain.TypingEvent
		if err := event.UnmarshalPayload(&te); err != nil {
			l.Error().Err(err).Msg("failed to unmarshal typing event")
			return
		}
		r.typing.Observe(te)
	}

	_, err := r.hub.Publish(domain.Event{
		Topic:     event.Topic,
		Payload:   event.Payload,
		Timestamp: event.Timestamp,
		Origin:    event.Origin,
	})
	if err != nil && !errors.Is(err, hub.ErrHubClosed) {
		l.Error().Err(err).Msg("failed to publish relayed event")
	}
}

func relayed(topic string) bool {
	for _, t := range Topics {
		if t == topic {
			return true
		}
	}
	return false
}
