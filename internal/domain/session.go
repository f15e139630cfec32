package domain

import (
	"sync"
	"time"
)

// Session is one authenticated websocket connection. A user may hold several.
type Session struct {
	ID            string
	UserID        string
	DisplayName   string
	Authenticated bool
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	mu            sync.RWMutex
}

func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
}

func (s *Session) Authenticate(userID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UserID = userID
	s.DisplayName = displayName
	s.Authenticated = true
	s.LastHeartbeat = time.Now()
}

func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Authenticated
}

func (s *Session) GetUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.UserID
}

func (s *Session) GetDisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.DisplayName
}

// Sender returns the identity to stamp on messages authored by this session.
func (s *Session) Sender() Sender {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Sender{UserID: s.UserID, DisplayName: s.DisplayName}
}

// Touch records a heartbeat.
func (s *Session) Touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastHeartbeat = at
}

func (s *Session) GetLastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastHeartbeat
}

// Sender identifies the author of a message.
type Sender struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}
