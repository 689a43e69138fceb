package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents an active WebSocket connection
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Presence is the awareness record of one user inside one document.
// Learning: This is separate from document content - it's ephemeral user state
type Presence struct {
	UserID    string  `json:"user_id"`
	SessionID string  `json:"session_id"`
	Name      string  `json:"name"`
	Color     string  `json:"color"`
	Cursor    *Cursor `json:"cursor,omitempty"`
	Timestamp int64   `json:"timestamp"` // unix nanos, strictly increasing per store
}

// UserInfo represents information about a connected user
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"` // Hex color for cursor/highlight
}

// Cursor is a selection expressed in logical rune offsets into the document.
// Anchor == Head is a caret.
type Cursor struct {
	Anchor int `json:"anchor" validate:"gte=0"`
	Head   int `json:"head" validate:"gte=0"`
}

// NewSession creates a session with a fresh time-ordered id.
func NewSession(userID, userName string) *Session {
	return &Session{
		ID:          ksuid.New().String(),
		UserID:      userID,
		UserName:    userName,
		ConnectedAt: time.Now(),
	}
}
