// Package sqlite implements chat.Store on a SQLite database using the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/relaychat/backend/internal/model/chat"
)

// timeLayout is fixed-width so that lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    chat_id TEXT NOT NULL REFERENCES chats(id),
    role TEXT NOT NULL CHECK (role IN ('user', 'bot')),
    content TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_created ON chats(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);
`

// Store persists sessions and messages in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ chat.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, title string) (chat.Session, error) {
	session := chat.Session{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: s.now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, created_at) VALUES (?, ?, ?)`,
		session.ID, session.Title, formatTime(session.CreatedAt))
	if err != nil {
		return chat.Session{}, fmt.Errorf("insert chat: %w", err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (chat.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM chats WHERE id = ?`, id)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("get chat: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context) ([]chat.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at FROM chats ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	sessions := make([]chat.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) (chat.Session, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return chat.Session{}, fmt.Errorf("update chat title: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	return s.GetSession(ctx, id)
}

// DeleteSession removes the session and its messages in one transaction.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Printf("[store] rollback delete chat=%s: %v", id, err)
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if n == 0 {
		return chat.ErrSessionNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, sessionID string, role chat.Role, content string) (chat.Message, error) {
	if !role.Valid() {
		return chat.Message{}, chat.ErrInvalidRole
	}

	message := chat.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, created_at)
		SELECT ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM chats WHERE id = ?)`,
		message.ID, message.SessionID, string(message.Role), message.Content,
		formatTime(message.CreatedAt), sessionID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chat.Message{}, chat.ErrSessionNotFound
	}
	return message, nil
}

// ListMessages returns the transcript oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0)
	for rows.Next() {
		var (
			message   chat.Message
			role      string
			createdAt string
		)
		if err := rows.Scan(&message.ID, &message.SessionID, &role, &message.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		message.Role = chat.Role(role)
		if message.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (chat.Session, error) {
	var (
		session   chat.Session
		createdAt string
	)
	if err := row.Scan(&session.ID, &session.Title, &createdAt); err != nil {
		return chat.Session{}, err
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return chat.Session{}, err
	}
	session.CreatedAt = created
	return session, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}
