package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/duo-chat/internal/config"
	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/internal/hub"
	"github.com/weiawesome/duo-chat/internal/presence"
	"github.com/weiawesome/duo-chat/internal/typing"
	"github.com/weiawesome/duo-chat/pkg/pubsub"
)

type instance struct {
	hub      *hub.Hub
	typing   *typing.Coordinator
	presence *presence.Registry
	relay    *Relay
}

func newInstance(t *testing.T, bus pubsub.PubSub, id string) *instance {
	t.Helper()
	h := hub.NewHub(config.HubConfig{QueueSize: 16})
	tc := typing.NewCoordinator(h)
	reg := presence.NewRegistry(h, presence.Config{LivenessWindow: time.Minute})
	r := New(h, bus, tc, reg, id)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		r.Stop()
		h.Close()
	})
	return &instance{hub: h, typing: tc, presence: reg, relay: r}
}

func session(id, userID string) *domain.Session {
	s := domain.NewSession(id)
	s.Authenticate(userID, strings.ToUpper(userID[:1])+userID[1:])
	return s
}

func receive(t *testing.T, sub *hub.Subscription) domain.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event on %s", sub.Topic)
		return domain.Event{}
	}
}

func TestRelayForwardsMessagesBetweenInstances(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()
	a := newInstance(t, bus, "a")
	b := newInstance(t, bus, "b")

	subB, err := b.hub.Subscribe("session-b", domain.TopicMessagesInsert)
	require.NoError(t, err)
	subA, err := a.hub.Subscribe("session-a", domain.TopicMessagesInsert)
	require.NoError(t, err)

	ev, err := domain.NewEvent(domain.TopicMessagesInsert, domain.Message{ID: 42, Text: "hi"})
	require.NoError(t, err)
	_, err = a.hub.Publish(ev)
	require.NoError(t, err)

	local := receive(t, subA)
	assert.Empty(t, local.Origin)

	remote := receive(t, subB)
	assert.Equal(t, "a", remote.Origin)
	assert.Equal(t, uint64(1), remote.Seq)
	assert.JSONEq(t, string(ev.Payload), string(remote.Payload))

	// The republished event on b must not bounce back to a.
	select {
	case extra := <-subA.Events():
		t.Fatalf("unexpected echo on origin instance: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelayObservesRemoteTyping(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()
	a := newInstance(t, bus, "a")
	b := newInstance(t, bus, "b")

	subB, err := b.hub.Subscribe("session-b", domain.TopicTyping)
	require.NoError(t, err)

	_, err = a.typing.SetTyping(context.Background(), domain.Sender{UserID: "alice", DisplayName: "Alice"}, true)
	require.NoError(t, err)

	ev := receive(t, subB)
	assert.Equal(t, domain.TopicTyping, ev.Topic)

	latest := b.typing.Latest()
	require.Len(t, latest, 1)
	assert.Equal(t, "alice", latest[0].UserID)
	assert.True(t, latest[0].IsTyping)
}

func TestRelayIgnoresOwnOrigin(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()
	a := newInstance(t, bus, "a")

	subA, err := a.hub.Subscribe("session-a", domain.TopicPresence)
	require.NoError(t, err)
	subIns, err := a.hub.Subscribe("session-a", domain.TopicMessagesInsert)
	require.NoError(t, err)

	ctx := context.Background()
	own, err := pubsub.NewEvent(domain.TopicMessagesInsert, "a", domain.Message{ID: 1})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, pubsub.TopicChannel(domain.TopicMessagesInsert), own))

	ownPresence, err := pubsub.NewEvent(domain.TopicPresence, "a", domain.PresenceSnapshot{
		Version:  9,
		Sessions: []domain.PresenceEntry{{SessionID: "ghost", UserID: "ghost"}},
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, pubsub.TopicChannel(domain.TopicPresence), ownPresence))

	select {
	case ev := <-subA.Events():
		t.Fatalf("own presence must not be merged, got %+v", ev)
	case ev := <-subIns.Events():
		t.Fatalf("own-origin event must be ignored, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, a.presence.Snapshot(ctx).Sessions)
}

func TestRelayMergesPresenceAndKeepsRemoteTyping(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()
	a := newInstance(t, bus, "a")
	b := newInstance(t, bus, "b")
	ctx := context.Background()

	a.presence.Join(ctx, session("s-alice", "alice"))
	b.presence.Join(ctx, session("s-bob", "bob"))

	// each instance sees both users, remote ones tagged with their instance
	for _, in := range []*instance{a, b} {
		assert.Eventually(t, func() bool {
			snap := in.presence.Snapshot(ctx)
			return snap.Has("alice") && snap.Has("bob")
		}, time.Second, 10*time.Millisecond)
	}
	for _, e := range a.presence.Snapshot(ctx).Sessions {
		if e.UserID == "bob" {
			assert.Equal(t, "b", e.Instance)
		} else {
			assert.Empty(t, e.Instance)
		}
	}

	// bob types on b; a local presence change on a keeps bob present
	_, err := b.typing.SetTyping(ctx, domain.Sender{UserID: "bob", DisplayName: "Bob"}, true)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		latest := a.typing.Latest()
		return len(latest) == 1 && latest[0].IsTyping
	}, time.Second, 10*time.Millisecond)

	a.presence.Join(ctx, session("s-alice-2", "alice"))
	assert.True(t, a.presence.Snapshot(ctx).Has("bob"))

	// bob leaves b; a drops him once b's snapshot arrives
	b.presence.Leave(ctx, "s-bob")
	assert.Eventually(t, func() bool {
		return !a.presence.Snapshot(ctx).Has("bob")
	}, time.Second, 10*time.Millisecond)
}

func TestRelayStopWithdrawsPresence(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()
	a := newInstance(t, bus, "a")

	hb := hub.NewHub(config.HubConfig{QueueSize: 16})
	defer hb.Close()
	regB := presence.NewRegistry(hb, presence.Config{LivenessWindow: time.Minute})
	rb := New(hb, bus, nil, regB, "b")
	require.NoError(t, rb.Start(context.Background()))

	ctx := context.Background()
	regB.Join(ctx, session("s-bob", "bob"))
	assert.Eventually(t, func() bool {
		return a.presence.Snapshot(ctx).Has("bob")
	}, time.Second, 10*time.Millisecond)

	rb.Stop()
	assert.Eventually(t, func() bool {
		return !a.presence.Snapshot(ctx).Has("bob")
	}, time.Second, 10*time.Millisecond)
}

func TestRelayStopUnsubscribes(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()
	h := hub.NewHub(config.HubConfig{QueueSize: 4})
	defer h.Close()

	r := New(h, bus, nil, nil, "a")
	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, 1, h.Stats().Sessions)

	r.Stop()
	assert.Equal(t, 0, h.Stats().Sessions)
}
