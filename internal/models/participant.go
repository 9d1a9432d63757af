package models

import "time"

// ParticipantSummary is a room member as reported by the event channel
type ParticipantSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Role       string    `json:"role,omitempty"`
	LastActive time.Time `json:"lastActive"`
}

// UserInfo is the identity a client publishes in its awareness state
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"` // Hex color for cursor/highlight
	Role  string `json:"role,omitempty"`
}

// CursorPosition represents where a user's cursor is in the document
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// AwarenessState is the application view of one awareness entry.
// It is keyed by the provider's client id, never by UserInfo.ID.
type AwarenessState struct {
	ClientID uint64          `json:"client_id"`
	User     *UserInfo       `json:"user,omitempty"`
	Cursor   *CursorPosition `json:"cursor,omitempty"`
}

// Participant is a remote collaborator currently rendering the document
type Participant struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Role           string          `json:"role,omitempty"`
	Color          string          `json:"color,omitempty"`
	CursorPosition *CursorPosition `json:"cursorPosition,omitempty"`
	LastActive     time.Time       `json:"lastActive"`
}
