package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/duo-chat/internal/domain"
)

type fakeAppender struct {
	mu     sync.Mutex
	nextID int64
	err    error
	// before runs after the provisional entry is inserted, before the ack returns.
	before func(m domain.Message)
}

func (f *fakeAppender) Append(ctx context.Context, text string) (*domain.Message, error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return nil, f.err
	}
	f.nextID++
	m := domain.Message{
		ID:         f.nextID,
		Text:       text,
		SenderID:   "alice",
		SenderName: "Alice",
		CreatedAt:  time.Unix(0, 0).Add(time.Duration(f.nextID) * time.Second).UTC(),
	}
	before := f.before
	f.mu.Unlock()

	if before != nil {
		before(m)
	}
	return &m, nil
}

var alice = domain.Sender{UserID: "alice", DisplayName: "Alice"}

func newTestReconciler(app Appender) *Reconciler {
	r := NewReconciler(app, alice)
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("%s%d", domain.TempIDPrefix, n)
	}
	return r
}

func TestSubmitSwapsProvisional(t *testing.T) {
	app := &fakeAppender{nextID: 41}
	r := newTestReconciler(app)

	var during []domain.Message
	app.before = func(domain.Message) { during = r.Messages() }

	m, err := r.Submit(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, int64(42), m.ID)

	require.Len(t, during, 1)
	assert.Equal(t, "temp-1", during[0].TempID)
	assert.True(t, during[0].IsProvisional())

	view := r.Messages()
	require.Len(t, view, 1)
	assert.Equal(t, int64(42), view[0].ID)
	assert.False(t, view[0].IsProvisional())

	// Hub re-delivery of the same message is ignored.
	assert.False(t, r.HandleInserted(*m))
	assert.Len(t, r.Messages(), 1)
}

func TestSubmitWhenEventOvertakesAck(t *testing.T) {
	app := &fakeAppender{nextID: 41}
	r := newTestReconciler(app)
	app.before = func(m domain.Message) {
		assert.True(t, r.HandleInserted(m))
		view := r.Messages()
		require.Len(t, view, 1)
		assert.Equal(t, int64(42), view[0].ID)
	}

	_, err := r.Submit(context.Background(), "hi")
	require.NoError(t, err)

	view := r.Messages()
	require.Len(t, view, 1)
	assert.Equal(t, int64(42), view[0].ID)
}

func TestSubmitRollsBackOnFailure(t *testing.T) {
	app := &fakeAppender{err: errors.New("connection refused")}
	r := newTestReconciler(app)

	_, err := r.Submit(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, domain.IsPersistence(err))
	assert.Empty(t, r.Messages())

	app.err = domain.ErrEmptyMessage
	_, err = r.Submit(context.Background(), " ")
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	assert.False(t, domain.IsPersistence(err))
	assert.Empty(t, r.Messages())
}

func TestHandleInsertedFromPeer(t *testing.T) {
	r := newTestReconciler(&fakeAppender{})
	bob := domain.Message{ID: 7, Text: "yo", SenderID: "bob", CreatedAt: time.Unix(7, 0)}
	older := domain.Message{ID: 3, Text: "first", SenderID: "bob", CreatedAt: time.Unix(3, 0)}

	assert.True(t, r.HandleInserted(bob))
	assert.False(t, r.HandleInserted(bob))
	assert.True(t, r.HandleInserted(older))

	view := r.Messages()
	require.Len(t, view, 2)
	assert.Equal(t, int64(3), view[0].ID)
	assert.Equal(t, int64(7), view[1].ID)
}

func TestProvisionalStaysAfterDurable(t *testing.T) {
	app := &fakeAppender{nextID: 1}
	r := newTestReconciler(app)
	app.before = func(domain.Message) {
		r.HandleInserted(domain.Message{ID: 100, Text: "late", SenderID: "bob", CreatedAt: time.Unix(100, 0)})
		view := r.Messages()
		require.Len(t, view, 2)
		assert.Equal(t, int64(100), view[0].ID)
		assert.True(t, view[1].IsProvisional())
	}

	_, err := r.Submit(context.Background(), "mine")
	require.NoError(t, err)

	view := r.Messages()
	require.Len(t, view, 2)
	assert.Equal(t, int64(2), view[0].ID)
	assert.Equal(t, int64(100), view[1].ID)
}

func TestHandleDeletedAndUpdated(t *testing.T) {
	r := newTestReconciler(&fakeAppender{})
	m := domain.Message{ID: 5, Text: "x", SenderID: "bob", CreatedAt: time.Unix(5, 0)}
	r.HandleInserted(m)

	read := m
	at := time.Unix(6, 0)
	read.ReadAt = &at
	assert.True(t, r.HandleUpdated(read))
	assert.True(t, r.Messages()[0].IsRead())
	assert.False(t, r.HandleUpdated(domain.Message{ID: 99}))

	assert.True(t, r.HandleDeleted(5))
	assert.False(t, r.HandleDeleted(5))
	assert.Empty(t, r.Messages())
}

func TestResync(t *testing.T) {
	app := &fakeAppender{}
	r := newTestReconciler(app)

	r.HandleInserted(domain.Message{ID: 1, Text: "a", SenderID: "bob", CreatedAt: time.Unix(1, 0)})
	r.HandleInserted(domain.Message{ID: 2, Text: "b", SenderID: "bob", CreatedAt: time.Unix(2, 0)})
	r.HandleInserted(domain.Message{ID: 4, Text: "d", SenderID: "bob", CreatedAt: time.Unix(4, 0)})

	// Refetch taken before 4 was appended; 2 was deleted and its event missed.
	r.Resync([]domain.Message{
		{ID: 1, Text: "a", SenderID: "bob", CreatedAt: time.Unix(1, 0)},
		{ID: 3, Text: "c", SenderID: "bob", CreatedAt: time.Unix(3, 0)},
	})

	var ids []int64
	for _, m := range r.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{1, 3, 4}, ids)

	// After a resync only the refetch is authoritative.
	r.Resync([]domain.Message{{ID: 1, Text: "a", SenderID: "bob", CreatedAt: time.Unix(1, 0)}})
	require.Len(t, r.Messages(), 1)
}

func TestResyncKeepsDeleteThatOvertookRefetch(t *testing.T) {
	r := newTestReconciler(&fakeAppender{})
	m1 := domain.Message{ID: 1, Text: "a", SenderID: "bob", CreatedAt: time.Unix(1, 0)}
	m2 := domain.Message{ID: 2, Text: "b", SenderID: "bob", CreatedAt: time.Unix(2, 0)}
	r.Resync([]domain.Message{m1, m2})

	// The refetch was listed before 2 was deleted, but the delete event
	// reached the client first.
	assert.True(t, r.HandleDeleted(2))
	r.Resync([]domain.Message{m1, m2})

	view := r.Messages()
	require.Len(t, view, 1)
	assert.Equal(t, int64(1), view[0].ID)

	// A late insert event for the deleted message is ignored as well.
	assert.False(t, r.HandleInserted(m2))
}

func TestResyncKeepsDeleteOfMessageNotYetSeen(t *testing.T) {
	r := newTestReconciler(&fakeAppender{})
	m3 := domain.Message{ID: 3, Text: "c", SenderID: "bob", CreatedAt: time.Unix(3, 0)}

	assert.False(t, r.HandleDeleted(3))
	r.Resync([]domain.Message{m3})
	assert.Empty(t, r.Messages())
}

func TestResyncKeepsReadReceiptThatOvertookRefetch(t *testing.T) {
	r := newTestReconciler(&fakeAppender{})
	m := domain.Message{ID: 5, Text: "x", SenderID: "alice", CreatedAt: time.Unix(5, 0)}
	r.Resync([]domain.Message{m})

	read := m
	at := time.Unix(6, 0).UTC()
	read.ReadAt = &at
	assert.True(t, r.HandleUpdated(read))

	r.Resync([]domain.Message{m})
	view := r.Messages()
	require.Len(t, view, 1)
	require.True(t, view[0].IsRead())
	assert.Equal(t, at, *view[0].ReadAt)

	// Once resynced, the next refetch is authoritative again.
	later := m
	laterAt := time.Unix(7, 0).UTC()
	later.ReadAt = &laterAt
	r.Resync([]domain.Message{later})
	assert.Equal(t, laterAt, *r.Messages()[0].ReadAt)
}

func TestConcurrentSubmitsNoDuplicates(t *testing.T) {
	app := &fakeAppender{}
	r := newTestReconciler(app)
	var mu sync.Mutex
	n := 0
	r.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", domain.TempIDPrefix, n)
	}
	app.before = func(m domain.Message) { r.HandleInserted(m) }

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Submit(context.Background(), fmt.Sprintf("msg-%d", i%3))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	view := r.Messages()
	require.Len(t, view, 20)
	seen := make(map[int64]bool)
	for _, m := range view {
		assert.False(t, m.IsProvisional())
		assert.False(t, seen[m.ID], "duplicate id %d", m.ID)
		seen[m.ID] = true
	}
}
