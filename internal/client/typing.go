package client

import (
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/duo-chat/internal/domain"
)

// DefaultTypingQuiet is how long after the last keystroke "stopped typing" is sent.
const DefaultTypingQuiet = 2 * time.Second

// TypingDebouncer turns keystrokes into typing broadcasts: the first
// keystroke sends true, and false follows once keystrokes pause for the
// quiet period.
type TypingDebouncer struct {
	mu     sync.Mutex
	send   func(isTyping bool) error
	quiet  time.Duration
	timer  *time.Timer
	gen    uint64
	typing bool
}

func NewTypingDebouncer(quiet time.Duration, send func(isTyping bool) error) *TypingDebouncer {
	if quiet <= 0 {
		quiet = DefaultTypingQuiet
	}
	return &TypingDebouncer{send: send, quiet: quiet}
}

// Keystroke records input activity and reschedules the quiet timer.
func (d *TypingDebouncer) Keystroke() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if !d.typing {
		d.typing = true
		err = d.send(true)
	}

	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, func() { d.expire(gen) })
	return err
}

// Stop cancels the timer and sends false if a true is outstanding, e.g. when
// the message is sent or the client closes.
func (d *TypingDebouncer) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if !d.typing {
		return nil
	}
	d.typing = false
	return d.send(false)
}

func (d *TypingDebouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A newer keystroke or Stop superseded this timer.
	if gen != d.gen || !d.typing {
		return
	}
	d.typing = false
	d.timer = nil
	d.send(false)
}

// TypingState is the receiver-side view of who is typing.
type TypingState struct {
	mu    sync.Mutex
	users map[string]domain.TypingEvent
	// present holds the users of the last applied presence snapshot.
	present map[string]struct{}
}

func NewTypingState() *TypingState {
	return &TypingState{
		users:   make(map[string]domain.TypingEvent),
		present: make(map[string]struct{}),
	}
}

// Apply records te and reports whether the user's typing flag changed.
func (s *TypingState) Apply(te domain.TypingEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.users[te.UserID]
	if !te.IsTyping {
		delete(s.users, te.UserID)
		return ok
	}
	s.users[te.UserID] = te
	return !ok || !prev.IsTyping
}

// ApplyPresence clears typing flags of users who were present and have now
// left. This is the only expiry for a sender that disconnected mid-word.
// Users never seen in presence keep their flag.
func (s *TypingState) ApplyPresence(snap domain.PresenceSnapshot) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[string]struct{}, len(snap.Sessions))
	for _, userID := range snap.Users() {
		present[userID] = struct{}{}
	}

	var cleared []string
	for userID := range s.users {
		_, was := s.present[userID]
		_, is := present[userID]
		if was && !is {
			delete(s.users, userID)
			cleared = append(cleared, userID)
		}
	}
	s.present = present
	sort.Strings(cleared)
	return cleared
}

// Typing returns the users currently typing, ordered by user id.
func (s *TypingState) Typing() []domain.TypingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.TypingEvent, 0, len(s.users))
	for _, te := range s.users {
		out = append(out, te)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// IsTyping reports whether userID is currently typing.
func (s *TypingState) IsTyping(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok
}
