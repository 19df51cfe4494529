package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidRole     = errors.New("invalid message role")
)

// Store is the durable home of sessions and their messages.
// Implementations must make DeleteSession atomic: either the session and all of
// its messages disappear, or nothing changes.
type Store interface {
	CreateSession(ctx context.Context, title string) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	UpdateSessionTitle(ctx context.Context, id, title string) (Session, error)
	DeleteSession(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, sessionID string, role Role, content string) (Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
}

// MemoryStore implements Store in process memory, suitable for tests and demos.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	messages map[string][]Message
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, title string) (Session, error) {
	session := Session{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]Message, 0, 16)
	s.mu.Unlock()

	return session, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

// ListSessions returns sessions newest first.
func (s *MemoryStore) ListSessions(_ context.Context) ([]Session, error) {
	s.mu.RLock()
	sessions := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *MemoryStore) UpdateSessionTitle(_ context.Context, id, title string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	session.Title = title
	s.sessions[id] = session
	return session, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.messages, id)
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, sessionID string, role Role, content string) (Message, error) {
	if !role.Valid() {
		return Message{}, ErrInvalidRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return Message{}, ErrSessionNotFound
	}

	message := Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	}
	s.messages[sessionID] = append(s.messages[sessionID], message)
	return message, nil
}

// ListMessages returns the session transcript oldest first.
func (s *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]Message, len(messages))
	copy(copied, messages)
	return copied, nil
}
