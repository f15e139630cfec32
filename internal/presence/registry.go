package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/pkg/log"
)

// Publisher delivers snapshots to the presence topic.
type Publisher interface {
	Publish(ev domain.Event) (domain.Event, error)
}

// Config holds presence registry configuration.
type Config struct {
	LivenessWindow time.Duration
	SweepInterval  time.Duration
}

// Registry is the linearized set of live sessions. Every membership change
// bumps the version and is published while the registry lock is held, so
// subscribers see snapshots in the order changes happened.
//
// Sessions of other instances are merged in per origin through ApplyRemote
// and expire when their origin goes quiet for a liveness window.
type Registry struct {
	mu           sync.Mutex
	entries      map[string]*domain.PresenceEntry
	order        []string // session ids in join order
	version      uint64
	localVersion uint64
	remote       map[string]*remoteState

	pub    Publisher
	config Config
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a presence registry.
func NewRegistry(pub Publisher, cfg Config) *Registry {
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 2 * time.Second
	}
	return &Registry{
		entries: make(map[string]*domain.PresenceEntry),
		remote:  make(map[string]*remoteState),
		pub:     pub,
		config:  cfg,
		now:     time.Now,
	}
}

// Join adds a session. Joining an already-live session counts as a heartbeat.
func (r *Registry) Join(ctx context.Context, s *domain.Session) domain.PresenceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	r.expireLocked(ctx, now)

	if e, ok := r.entries[s.ID]; ok {
		e.LastSeen = now
		s.Touch(now)
		return r.snapshotLocked(now)
	}

	r.entries[s.ID] = &domain.PresenceEntry{
		SessionID:   s.ID,
		UserID:      s.GetUserID(),
		DisplayName: s.GetDisplayName(),
		JoinedAt:    now,
		LastSeen:    now,
	}
	r.order = append(r.order, s.ID)
	s.Touch(now)

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldSessionID, s.ID).Str(log.FieldUserID, s.GetUserID()).Msg("presence join")
	return r.changedLocked(ctx, now, "")
}

// Heartbeat refreshes a session's liveness. A session that already timed out
// is gone and must Join again.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	r.expireLocked(ctx, now)

	e, ok := r.entries[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	e.LastSeen = now
	return nil
}

// Leave removes a session. It reports whether the session was present.
func (r *Registry) Leave(ctx context.Context, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if !r.removeLocked(sessionID) {
		return false
	}

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldSessionID, sessionID).Msg("presence leave")
	r.changedLocked(ctx, now, "")
	return true
}

// Snapshot returns the live sessions in join order. Timed-out sessions are
// expired first.
func (r *Registry) Snapshot(ctx context.Context) domain.PresenceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	r.expireLocked(ctx, now)
	return r.snapshotLocked(now)
}

// Sweep expires sessions whose last heartbeat is older than the liveness
// window and returns how many were removed.
func (r *Registry) Sweep(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireLocked(ctx, r.now().UTC())
}

func (r *Registry) expireLocked(ctx context.Context, now time.Time) int {
	var expired []string
	for _, id := range r.order {
		if now.Sub(r.entries[id].LastSeen) > r.config.LivenessWindow {
			expired = append(expired, id)
		}
	}

	l := log.Ctx(ctx)
	for _, id := range expired {
		r.removeLocked(id)
		l.Info().Str(log.FieldSessionID, id).Msg("presence timeout")
		r.changedLocked(ctx, now, "")
	}

	var quiet []string
	for origin, st := range r.remote {
		if now.Sub(st.seen) > r.config.LivenessWindow {
			quiet = append(quiet, origin)
		}
	}
	sort.Strings(quiet)
	for _, origin := range quiet {
		n := len(r.remote[origin].entries)
		delete(r.remote, origin)
		l.Info().Str(log.FieldInstance, origin).Int("sessions", n).Msg("remote presence timeout")
		r.changedLocked(ctx, now, origin)
	}
	return len(expired) + len(quiet)
}

func (r *Registry) removeLocked(sessionID string) bool {
	if _, ok := r.entries[sessionID]; !ok {
		return false
	}
	delete(r.entries, sessionID)
	for i, id := range r.order {
		if id == sessionID {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// changedLocked publishes the merged snapshot. origin names the instance
// whose sessions changed; it is empty for local changes.
func (r *Registry) changedLocked(ctx context.Context, now time.Time, origin string) domain.PresenceSnapshot {
	r.version++
	if origin == "" {
		r.localVersion++
	}
	snap := r.snapshotLocked(now)

	if r.pub != nil {
		ev, err := domain.NewEvent(domain.TopicPresence, snap)
		if err == nil {
			ev.Origin = origin
			_, err = r.pub.Publish(ev)
		}
		if err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Uint64("version", snap.Version).Msg("failed to publish presence snapshot")
		}
	}
	return snap
}

func (r *Registry) snapshotLocked(now time.Time) domain.PresenceSnapshot {
	sessions := make([]domain.PresenceEntry, 0, len(r.order))
	for _, id := range r.order {
		sessions = append(sessions, *r.entries[id])
	}

	origins := make([]string, 0, len(r.remote))
	for origin := range r.remote {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	for _, origin := range origins {
		sessions = append(sessions, r.remote[origin].entries...)
	}

	return domain.PresenceSnapshot{
		Version:  r.version,
		Sessions: sessions,
		At:       now,
	}
}

type remoteState struct {
	version uint64
	seen    time.Time
	entries []domain.PresenceEntry
}

// LocalSnapshot returns only this instance's sessions, versioned by local
// membership changes. It is what other instances merge through ApplyRemote.
func (r *Registry) LocalSnapshot(ctx context.Context) domain.PresenceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	r.expireLocked(ctx, now)

	sessions := make([]domain.PresenceEntry, 0, len(r.order))
	for _, id := range r.order {
		sessions = append(sessions, *r.entries[id])
	}
	return domain.PresenceSnapshot{
		Version:  r.localVersion,
		Sessions: sessions,
		At:       now,
	}
}

// ApplyRemote replaces the sessions of instance origin with snap, a
// LocalSnapshot taken there. Older versions are ignored; the same version
// only keeps the origin alive. An empty snapshot drops the origin.
func (r *Registry) ApplyRemote(ctx context.Context, origin string, snap domain.PresenceSnapshot) {
	if origin == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	r.expireLocked(ctx, now)

	st, ok := r.remote[origin]
	entries := make([]domain.PresenceEntry, 0, len(snap.Sessions))
	for _, e := range snap.Sessions {
		if e.Instance != "" {
			continue
		}
		e.Instance = origin
		entries = append(entries, e)
	}

	if len(entries) == 0 {
		if ok {
			delete(r.remote, origin)
			r.changedLocked(ctx, now, origin)
		}
		return
	}
	if ok && snap.Version < st.version {
		return
	}
	if ok && snap.Version == st.version {
		st.seen = now
		return
	}

	r.remote[origin] = &remoteState{version: snap.Version, seen: now, entries: entries}
	r.changedLocked(ctx, now, origin)
}

// Start runs the liveness sweeper until ctx is done or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.config.SweepInterval)
		defer ticker.Stop()

		l := log.L()
		l.Info().Dur("liveness_window", r.config.LivenessWindow).Dur("sweep_interval", r.config.SweepInterval).Msg("presence sweeper started")

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop stops the sweeper and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}
