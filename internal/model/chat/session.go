package chat

import "time"

// DefaultTitle is assigned to every freshly created session.
const DefaultTitle = "New Chat"

// Session captures a conversation and its display title.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}
