package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/duo-chat/internal/config"
	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/internal/hub"
	"github.com/weiawesome/duo-chat/internal/messagelog"
	"github.com/weiawesome/duo-chat/internal/presence"
	"github.com/weiawesome/duo-chat/internal/repository"
	"github.com/weiawesome/duo-chat/internal/typing"
	"github.com/weiawesome/duo-chat/pkg/jwt"
)

type fixture struct {
	hub      *hub.Hub
	svc      ChatService
	jwt      *jwt.Manager
	presence *presence.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := hub.NewHub(config.HubConfig{QueueSize: 64})
	m, err := jwt.NewManager("0123456789abcdef0123456789abcdef", "", time.Hour)
	require.NoError(t, err)

	reg := presence.NewRegistry(h, presence.Config{LivenessWindow: time.Minute})
	svc := NewChatService(
		h,
		messagelog.New(repository.NewMemoryMessageRepository(), h, nil, messagelog.Config{MaxLength: 100}),
		reg,
		typing.NewCoordinator(h),
		m,
		Config{},
	)
	return &fixture{hub: h, svc: svc, jwt: m, presence: reg}
}

func (f *fixture) client(t *testing.T, id string) *hub.Client {
	t.Helper()
	c := hub.NewClient(id, f.hub, nil, config.WebSocketConfig{SendBuffer: 64})
	f.hub.Register(c)
	t.Cleanup(func() { f.hub.Unregister(c) })
	return c
}

func (f *fixture) token(t *testing.T, userID, name string) string {
	t.Helper()
	var meta map[string]any
	if name != "" {
		meta = map[string]any{"name": name}
	}
	tok, err := f.jwt.Generate(userID, "", meta)
	require.NoError(t, err)
	return tok
}

func (f *fixture) login(t *testing.T, id, userID, name string) *hub.Client {
	t.Helper()
	c := f.client(t, id)
	require.NoError(t, f.svc.HandleAuth(context.Background(), c, f.token(t, userID, name)))
	frame := waitFor(t, c, domain.MsgTypeAuthResult, nil)
	require.True(t, frame["success"].(bool))
	return c
}

type frame map[string]any

// waitFor returns the first frame of msgType matching match, skipping others.
func waitFor(t *testing.T, c *hub.Client, msgType string, match func(frame) bool) frame {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case data := <-c.Send:
			var f frame
			require.NoError(t, json.Unmarshal(data, &f))
			if f["type"] == msgType && (match == nil || match(f)) {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", msgType)
			return nil
		}
	}
}

func onTopic(topic string) func(frame) bool {
	return func(f frame) bool { return f["topic"] == topic }
}

func payloadMessage(t *testing.T, f frame) domain.Message {
	t.Helper()
	raw, err := json.Marshal(f["payload"])
	require.NoError(t, err)
	var m domain.Message
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestHandleAuth_SubscribesAndJoinsPresence(t *testing.T) {
	f := newFixture(t)
	c := f.login(t, "s1", "alice", "Alice")

	ev := waitFor(t, c, domain.MsgTypeEvent, onTopic(domain.TopicPresence))
	assert.EqualValues(t, 1, ev["seq"])

	snap := f.svc.Presence(context.Background())
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "Alice", snap.Sessions[0].DisplayName)
	assert.Equal(t, 1, f.hub.Stats().Sessions)
}

func TestHandleAuth_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.client(t, "s1")
	err := f.svc.HandleAuth(ctx, c, f.token(t, "alice", ""))
	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, domain.ErrCodeNameRequired, authErr.Code)
	res := waitFor(t, c, domain.MsgTypeAuthResult, nil)
	assert.False(t, res["success"].(bool))
	assert.Equal(t, domain.ErrCodeNameRequired, res["code"])

	err = f.svc.HandleAuth(ctx, c, "garbage")
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, domain.ErrCodeUnauthorized, authErr.Code)

	assert.False(t, c.Session.IsAuthenticated())
	assert.Empty(t, f.svc.Presence(ctx).Sessions)
}

func TestHandleSendMessage_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "s1")

	err := f.svc.HandleSendMessage(context.Background(), c, "r1", "hi")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	e := waitFor(t, c, domain.MsgTypeError, nil)
	assert.Equal(t, domain.ErrCodeUnauthorized, e["code"])
	assert.Equal(t, "r1", e["request_id"])
}

func TestHandleSendMessage_DeliveredToBothSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.login(t, "s1", "alice", "Alice")
	b := f.login(t, "s2", "bob", "Bob")

	require.NoError(t, f.svc.HandleSendMessage(ctx, a, "r1", "hello bob"))

	ack := waitFor(t, a, domain.MsgTypeMessageAck, nil)
	assert.Equal(t, "r1", ack["request_id"])

	for _, c := range []*hub.Client{a, b} {
		ev := waitFor(t, c, domain.MsgTypeEvent, onTopic(domain.TopicMessagesInsert))
		m := payloadMessage(t, ev)
		assert.Equal(t, "hello bob", m.Text)
		assert.Equal(t, "Alice", m.SenderName)
		assert.NotZero(t, m.ID)
	}
}

func TestHandleSendMessage_Validation(t *testing.T) {
	f := newFixture(t)
	a := f.login(t, "s1", "alice", "Alice")

	err := f.svc.HandleSendMessage(context.Background(), a, "r1", "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	e := waitFor(t, a, domain.MsgTypeError, nil)
	assert.Equal(t, domain.ErrCodeEmptyMessage, e["code"])
}

func TestMarkReadAndDelete_Permissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.login(t, "s1", "alice", "Alice")
	b := f.login(t, "s2", "bob", "Bob")

	m, err := f.svc.SendMessage(ctx, a.Session.Sender(), "read me")
	require.NoError(t, err)

	own, err := f.svc.MarkRead(ctx, "alice", m.ID)
	require.NoError(t, err)
	assert.Nil(t, own.ReadAt)

	require.NoError(t, f.svc.HandleMarkRead(ctx, b, "r2", m.ID))
	upd := waitFor(t, a, domain.MsgTypeEvent, onTopic(domain.TopicMessagesUpdate))
	assert.NotNil(t, payloadMessage(t, upd).ReadAt)

	err = f.svc.HandleDeleteMessage(ctx, b, "r3", m.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	e := waitFor(t, b, domain.MsgTypeError, nil)
	assert.Equal(t, domain.ErrCodeForbidden, e["code"])

	require.NoError(t, f.svc.HandleDeleteMessage(ctx, a, "r4", m.ID))
	del := waitFor(t, b, domain.MsgTypeEvent, onTopic(domain.TopicMessagesDelete))
	assert.EqualValues(t, m.ID, del["payload"].(map[string]any)["id"])

	err = f.svc.DeleteMessage(ctx, "alice", m.ID)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestHandleTyping_Broadcast(t *testing.T) {
	f := newFixture(t)
	a := f.login(t, "s1", "alice", "Alice")
	b := f.login(t, "s2", "bob", "Bob")

	require.NoError(t, f.svc.HandleTyping(context.Background(), a, true))
	ev := waitFor(t, b, domain.MsgTypeEvent, onTopic(domain.TopicTyping))
	p := ev["payload"].(map[string]any)
	assert.Equal(t, "Alice", p["user"])
	assert.Equal(t, true, p["is_typing"])
}

func TestHandlePing_RejoinsExpiredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.login(t, "s1", "alice", "Alice")

	assert.True(t, f.presence.Leave(ctx, "s1"))
	require.NoError(t, f.svc.HandlePing(ctx, a))
	waitFor(t, a, domain.MsgTypePong, nil)

	assert.True(t, f.svc.Presence(ctx).Has("alice"))
}

func TestHandleSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.login(t, "s1", "alice", "Alice")

	for _, text := range []string{"one", "two"} {
		_, err := f.svc.SendMessage(ctx, a.Session.Sender(), text)
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.HandleSync(ctx, a, "sync-1"))
	h := waitFor(t, a, domain.MsgTypeHistory, nil)
	assert.Equal(t, "sync-1", h["request_id"])
	assert.Len(t, h["messages"], 2)
}

func TestHandleDisconnect_LeavesPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.login(t, "s1", "alice", "Alice")
	f.login(t, "s2", "bob", "Bob")

	f.svc.HandleDisconnect(ctx, a)
	f.hub.Unregister(a)

	snap := f.svc.Presence(ctx)
	assert.False(t, snap.Has("alice"))
	assert.True(t, snap.Has("bob"))
	assert.Equal(t, 1, f.hub.Stats().Sessions)
}

func TestHandleOverflow_ClosesClient(t *testing.T) {
	f := newFixture(t)
	a := f.login(t, "s1", "alice", "Alice")

	f.svc.HandleOverflow("s1")
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("client not closed")
	}
}
