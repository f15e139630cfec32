package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/duo-chat/internal/domain"
)

type recorder struct {
	mu   sync.Mutex
	sent []bool
}

func (r *recorder) send(isTyping bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, isTyping)
	return nil
}

func (r *recorder) values() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.sent...)
}

func TestDebouncerSendsTrueOnceThenFalse(t *testing.T) {
	rec := &recorder{}
	d := NewTypingDebouncer(50*time.Millisecond, rec.send)

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Keystroke())
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, []bool{true}, rec.values())

	assert.Eventually(t, func() bool {
		v := rec.values()
		return len(v) == 2 && !v[1]
	}, time.Second, 5*time.Millisecond)

	// A new burst starts over.
	require.NoError(t, d.Keystroke())
	assert.Equal(t, []bool{true, false, true}, rec.values())
	require.NoError(t, d.Stop())
	assert.Equal(t, []bool{true, false, true, false}, rec.values())

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, rec.values(), 4)
}

func TestDebouncerStopWithoutTyping(t *testing.T) {
	rec := &recorder{}
	d := NewTypingDebouncer(0, rec.send)
	require.NoError(t, d.Stop())
	assert.Empty(t, rec.values())
	assert.Equal(t, DefaultTypingQuiet, d.quiet)
}

func TestTypingStateApply(t *testing.T) {
	s := NewTypingState()

	assert.True(t, s.Apply(domain.TypingEvent{UserID: "bob", IsTyping: true}))
	assert.False(t, s.Apply(domain.TypingEvent{UserID: "bob", IsTyping: true}))
	assert.True(t, s.IsTyping("bob"))

	assert.True(t, s.Apply(domain.TypingEvent{UserID: "bob", IsTyping: false}))
	assert.False(t, s.Apply(domain.TypingEvent{UserID: "bob", IsTyping: false}))
	assert.Empty(t, s.Typing())
}

func TestTypingStateClearedWhenUserLeaves(t *testing.T) {
	s := NewTypingState()
	both := domain.PresenceSnapshot{Version: 1, Sessions: []domain.PresenceEntry{
		{SessionID: "s1", UserID: "carol"},
		{SessionID: "s2", UserID: "bob"},
	}}
	assert.Empty(t, s.ApplyPresence(both))

	s.Apply(domain.TypingEvent{UserID: "bob", IsTyping: true})
	s.Apply(domain.TypingEvent{UserID: "carol", IsTyping: true})

	snap := domain.PresenceSnapshot{Version: 2, Sessions: []domain.PresenceEntry{{SessionID: "s1", UserID: "carol"}}}
	assert.Equal(t, []string{"bob"}, s.ApplyPresence(snap))

	typing := s.Typing()
	require.Len(t, typing, 1)
	assert.Equal(t, "carol", typing[0].UserID)
}

func TestTypingStateKeepsUsersNeverSeenPresent(t *testing.T) {
	s := NewTypingState()
	s.Apply(domain.TypingEvent{UserID: "dave", IsTyping: true})

	// dave's instance has not shared presence yet; a local change must not
	// wipe the flag
	snap := domain.PresenceSnapshot{Version: 1, Sessions: []domain.PresenceEntry{{SessionID: "s1", UserID: "carol"}}}
	assert.Empty(t, s.ApplyPresence(snap))
	assert.True(t, s.IsTyping("dave"))

	withDave := domain.PresenceSnapshot{Version: 2, Sessions: []domain.PresenceEntry{
		{SessionID: "s1", UserID: "carol"},
		{SessionID: "s9", UserID: "dave", Instance: "b"},
	}}
	assert.Empty(t, s.ApplyPresence(withDave))
	assert.Equal(t, []string{"dave"}, s.ApplyPresence(snap))
	assert.False(t, s.IsTyping("dave"))
}
