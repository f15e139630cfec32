package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/duo-chat/internal/config"
	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/internal/handler"
	"github.com/weiawesome/duo-chat/internal/hub"
	"github.com/weiawesome/duo-chat/internal/messagelog"
	"github.com/weiawesome/duo-chat/internal/presence"
	"github.com/weiawesome/duo-chat/internal/repository"
	"github.com/weiawesome/duo-chat/internal/service"
	"github.com/weiawesome/duo-chat/internal/typing"
	"github.com/weiawesome/duo-chat/pkg/jwt"
)

type server struct {
	url string
	jwt *jwt.Manager
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := jwt.NewManager("0123456789abcdef0123456789abcdef", "", time.Hour)
	require.NoError(t, err)

	h := hub.NewHub(config.HubConfig{QueueSize: 64})
	reg := presence.NewRegistry(h, presence.Config{LivenessWindow: time.Minute})
	svc := service.NewChatService(
		h,
		messagelog.New(repository.NewMemoryMessageRepository(), h, nil, messagelog.Config{MaxLength: 100}),
		reg,
		typing.NewCoordinator(h),
		m,
		service.Config{},
	)

	r := gin.New()
	handler.NewWSHandler(h, svc, config.WebSocketConfig{
		PingInterval:   time.Second,
		PongWait:       5 * time.Second,
		WriteWait:      time.Second,
		MaxMessageSize: 8192,
		SendBuffer:     64,
	}).RegisterRoutes(r)

	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		ts.Close()
		h.Close()
	})
	return &server{url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", jwt: m}
}

func (s *server) dial(t *testing.T, userID, name string) *Client {
	t.Helper()
	var meta map[string]any
	if name != "" {
		meta = map[string]any{"name": name}
	}
	tok, err := s.jwt.Generate(userID, "", meta)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: s.url, Token: tok, RequestTimeout: 2 * time.Second, TypingQuiet: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialRejectsMissingName(t *testing.T) {
	s := newServer(t)
	tok, err := s.jwt.Generate("alice", "", nil)
	require.NoError(t, err)

	_, err = Dial(context.Background(), Config{URL: s.url, Token: tok})
	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, domain.ErrCodeNameRequired, authErr.Code)
}

func TestSendMessageReachesBothViews(t *testing.T) {
	s := newServer(t)
	a := s.dial(t, "alice", "Alice")
	b := s.dial(t, "bob", "Bob")

	var mu sync.Mutex
	var inserted []domain.Message
	b.OnMessageInserted(func(m domain.Message) {
		mu.Lock()
		inserted = append(inserted, m)
		mu.Unlock()
	})

	m, err := a.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Positive(t, m.ID)

	oneHi := func(c *Client) bool {
		view := c.Messages()
		return len(view) == 1 && view[0].ID == m.ID && view[0].Text == "hi"
	}
	assert.Eventually(t, func() bool { return oneHi(a) }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return oneHi(b) }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, inserted, 1)
	assert.Equal(t, "Alice", inserted[0].SenderName)
	mu.Unlock()

	// Stays exactly one entry after a full refetch.
	_, err = a.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, oneHi(a))
}

func TestSendMessageValidationRollsBack(t *testing.T) {
	s := newServer(t)
	a := s.dial(t, "alice", "Alice")

	_, err := a.SendMessage(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	assert.Empty(t, a.Messages())
}

func TestReadAndDelete(t *testing.T) {
	s := newServer(t)
	a := s.dial(t, "alice", "Alice")
	b := s.dial(t, "bob", "Bob")
	ctx := context.Background()

	m, err := a.SendMessage(ctx, "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	read, err := b.MarkMessageRead(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, read.IsRead())
	assert.Eventually(t, func() bool {
		view := a.Messages()
		return len(view) == 1 && view[0].IsRead()
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, b.DeleteMessage(ctx, m.ID), domain.ErrForbidden)
	require.NoError(t, a.DeleteMessage(ctx, m.ID))
	assert.Eventually(t, func() bool { return len(b.Messages()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, a.Messages())

	assert.ErrorIs(t, a.DeleteMessage(ctx, m.ID), domain.ErrMessageNotFound)
}

func TestPresenceAndTyping(t *testing.T) {
	s := newServer(t)
	a := s.dial(t, "alice", "Alice")
	b := s.dial(t, "bob", "Bob")

	assert.Eventually(t, func() bool {
		p := a.Presence()
		return p.Has("alice") && p.Has("bob")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Keystroke())
	assert.Eventually(t, func() bool { return a.typing.IsTyping("bob") }, 2*time.Second, 10*time.Millisecond)
	// Quiet period elapses and the indicator clears.
	assert.Eventually(t, func() bool { return !a.typing.IsTyping("bob") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.SetTyping(true))
	assert.Eventually(t, func() bool { return a.typing.IsTyping("bob") }, 2*time.Second, 10*time.Millisecond)

	// Bob vanishes without sending false; leaving presence clears it.
	b.conn.Close()
	assert.Eventually(t, func() bool {
		return !a.Presence().Has("bob") && !a.typing.IsTyping("bob")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpdateCallbacksOnlyForMessagesInView(t *testing.T) {
	c := &Client{
		lastSeq:    make(map[string]uint64),
		typing:     NewTypingState(),
		reconciler: NewReconciler(nil, alice),
	}
	var updated []int64
	c.OnMessageUpdated(func(m domain.Message) { updated = append(updated, m.ID) })

	deliver := func(topic string, seq uint64, payload any) {
		ev, err := domain.NewEvent(topic, payload)
		require.NoError(t, err)
		ev.Seq = seq
		c.handleEvent(*domain.NewEventMessage(ev))
	}

	readAt := time.Unix(10, 0).UTC()
	deliver(domain.TopicMessagesUpdate, 1, domain.Message{ID: 8, Text: "unknown", ReadAt: &readAt})
	assert.Empty(t, updated)

	deliver(domain.TopicMessagesInsert, 1, domain.Message{ID: 9, Text: "known", SenderID: "bob", CreatedAt: time.Unix(9, 0)})
	deliver(domain.TopicMessagesUpdate, 2, domain.Message{ID: 9, Text: "known", SenderID: "bob", CreatedAt: time.Unix(9, 0), ReadAt: &readAt})
	assert.Equal(t, []int64{9}, updated)
}
