package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zhouzirui/relaychat/backend/internal/model/chat"
)

// AutoTitleLength is the number of characters of the first prompt used as a
// session title.
const AutoTitleLength = 50

var (
	ErrTitleRequired   = errors.New("title is required")
	ErrContentRequired = errors.New("message content is required")
	ErrSessionNotFound = chat.ErrSessionNotFound
)

// Service applies chat rules on top of a Store.
type Service struct {
	store chat.Store
}

// NewService wraps store.
func NewService(store chat.Store) *Service {
	return &Service{store: store}
}

// CreateSession provisions an empty session with the default title.
func (s *Service) CreateSession(ctx context.Context) (chat.Session, error) {
	return s.store.CreateSession(ctx, chat.DefaultTitle)
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

func (s *Service) ListSessions(ctx context.Context) ([]chat.Session, error) {
	return s.store.ListSessions(ctx)
}

// ListMessages returns the transcript of a session, oldest first.
func (s *Service) ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	return s.store.ListMessages(ctx, sessionID)
}

// RenameSession sets a new title.
func (s *Service) RenameSession(ctx context.Context, sessionID, title string) (chat.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return chat.Session{}, ErrTitleRequired
	}
	return s.store.UpdateSessionTitle(ctx, sessionID, title)
}

// DeleteSession removes a session together with its messages.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	return s.store.DeleteSession(ctx, sessionID)
}

// PrepareTurn validates a prompt before it is relayed and names untitled
// sessions after it. The returned prompt is trimmed.
func (s *Service) PrepareTurn(ctx context.Context, sessionID, content string) (string, error) {
	prompt := strings.TrimSpace(content)
	if prompt == "" {
		return "", ErrContentRequired
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	if session.Title == chat.DefaultTitle {
		if _, err := s.store.UpdateSessionTitle(ctx, sessionID, autoTitle(prompt)); err != nil {
			return "", fmt.Errorf("auto title: %w", err)
		}
	}
	return prompt, nil
}

func autoTitle(prompt string) string {
	if utf8.RuneCountInString(prompt) <= AutoTitleLength {
		return prompt
	}
	runes := []rune(prompt)
	return strings.TrimSpace(string(runes[:AutoTitleLength]))
}
