package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weiawesome/duo-chat/internal/domain"
)

// Appender persists a message and returns the authoritative copy.
type Appender interface {
	Append(ctx context.Context, text string) (*domain.Message, error)
}

// Reconciler keeps a local message view that shows the user's own writes
// immediately and converges on the server's copy. Durable messages are kept
// in creation order; provisional entries follow them in submit order.
type Reconciler struct {
	mu       sync.Mutex
	messages []domain.Message
	// recent holds durable ids merged since the last Resync; deleted and
	// read hold deletes and read receipts seen since then, which a refetch
	// taken before them must not undo.
	recent   map[int64]struct{}
	deleted  map[int64]struct{}
	read     map[int64]time.Time
	appender Appender
	sender   domain.Sender
	now      func() time.Time
	newID    func() string
}

func NewReconciler(appender Appender, sender domain.Sender) *Reconciler {
	return &Reconciler{
		recent:   make(map[int64]struct{}),
		deleted:  make(map[int64]struct{}),
		read:     make(map[int64]time.Time),
		appender: appender,
		sender:   sender,
		now:      time.Now,
		newID:    func() string { return domain.TempIDPrefix + uuid.New().String() },
	}
}

// Submit inserts a provisional entry, appends the text and swaps in the
// authoritative message. On failure the provisional entry is removed and the
// error returned; store and transport failures are *domain.PersistenceError.
func (r *Reconciler) Submit(ctx context.Context, text string) (*domain.Message, error) {
	provisional := domain.Message{
		TempID:     r.newID(),
		Text:       text,
		SenderID:   r.sender.UserID,
		SenderName: r.sender.DisplayName,
		CreatedAt:  r.now().UTC(),
	}

	r.mu.Lock()
	r.messages = append(r.messages, provisional)
	r.mu.Unlock()

	m, err := r.appender.Append(ctx, text)
	if err != nil {
		r.mu.Lock()
		r.removeTempLocked(provisional.TempID)
		r.mu.Unlock()
		return nil, retryable(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.recent[m.ID] = struct{}{}
	i := r.indexTempLocked(provisional.TempID)
	switch {
	case i < 0:
		// Already swapped by an insert event; make sure the ack's message is present.
		r.insertLocked(*m)
	case r.indexLocked(m.ID) >= 0:
		r.removeAtLocked(i)
	default:
		r.messages[i] = *m
		r.sortLocked()
	}
	return m, nil
}

// HandleInserted merges a messages-insert event. It returns false when the
// message was already in the view.
func (r *Reconciler) HandleInserted(m domain.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexLocked(m.ID) >= 0 {
		return false
	}
	if _, ok := r.deleted[m.ID]; ok {
		return false
	}
	r.recent[m.ID] = struct{}{}

	if m.SenderID == r.sender.UserID {
		// Our own append may still be awaiting its ack; take over the oldest
		// matching provisional entry so the message is never shown twice.
		for i := range r.messages {
			p := r.messages[i]
			if p.IsProvisional() && p.Text == m.Text {
				r.messages[i] = m
				r.sortLocked()
				return true
			}
		}
	}

	r.insertLocked(m)
	return true
}

// HandleDeleted removes a message. Absent ids are a no-op.
func (r *Reconciler) HandleDeleted(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.recent, id)
	if id != 0 {
		r.deleted[id] = struct{}{}
	}
	i := r.indexLocked(id)
	if i < 0 {
		return false
	}
	r.removeAtLocked(i)
	return true
}

// HandleUpdated replaces a message already in the view, e.g. on read receipt.
// It returns false when the message is not in the view.
func (r *Reconciler) HandleUpdated(m domain.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ReadAt != nil && m.ID != 0 {
		r.read[m.ID] = *m.ReadAt
	}
	i := r.indexLocked(m.ID)
	if i < 0 {
		return false
	}
	r.messages[i] = m
	return true
}

// Resync replaces the durable part of the view with a full refetch.
// Provisional entries are kept until their appends resolve, and messages
// merged since the last Resync that are newer than the refetch are kept, as
// their insert events may overtake the refetch response. Deletes and read
// receipts applied since the last Resync win over the refetch for the same
// reason.
func (r *Reconciler) Resync(messages []domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	view := make([]domain.Message, 0, len(messages)+len(r.messages))
	seen := make(map[int64]struct{}, len(messages))
	var maxID int64
	for _, m := range messages {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		if m.ID > maxID {
			maxID = m.ID
		}
		if _, ok := r.deleted[m.ID]; ok {
			continue
		}
		if at, ok := r.read[m.ID]; ok && m.ReadAt == nil {
			m.ReadAt = &at
		}
		view = append(view, m)
	}
	for _, m := range r.messages {
		if m.IsProvisional() {
			view = append(view, m)
			continue
		}
		if _, ok := r.recent[m.ID]; ok && m.ID > maxID {
			view = append(view, m)
		}
	}
	r.messages = view
	r.recent = make(map[int64]struct{})
	r.deleted = make(map[int64]struct{})
	r.read = make(map[int64]time.Time)
	r.sortLocked()
}

// Messages returns a snapshot of the view.
func (r *Reconciler) Messages() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *Reconciler) insertLocked(m domain.Message) {
	if r.indexLocked(m.ID) >= 0 {
		return
	}
	r.messages = append(r.messages, m)
	r.sortLocked()
}

func (r *Reconciler) sortLocked() {
	sort.SliceStable(r.messages, func(i, j int) bool {
		a, b := &r.messages[i], &r.messages[j]
		if a.IsProvisional() != b.IsProvisional() {
			return !a.IsProvisional()
		}
		if a.IsProvisional() {
			return false
		}
		return domain.Less(a, b)
	})
}

func (r *Reconciler) indexLocked(id int64) int {
	if id == 0 {
		return -1
	}
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) indexTempLocked(tempID string) int {
	for i := range r.messages {
		if r.messages[i].IsProvisional() && r.messages[i].TempID == tempID {
			return i
		}
	}
	return -1
}

func (r *Reconciler) removeTempLocked(tempID string) {
	if i := r.indexTempLocked(tempID); i >= 0 {
		r.removeAtLocked(i)
	}
}

func (r *Reconciler) removeAtLocked(i int) {
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
}

// retryable leaves validation and auth errors alone and marks everything
// else as a persistence failure the caller may retry.
func retryable(err error) error {
	var authErr *domain.AuthError
	switch {
	case domain.IsPersistence(err),
		errors.Is(err, domain.ErrEmptyMessage),
		errors.Is(err, domain.ErrMessageTooLong),
		errors.Is(err, domain.ErrUnauthenticated),
		errors.As(err, &authErr):
		return err
	}
	return domain.NewPersistenceError("append", err)
}
