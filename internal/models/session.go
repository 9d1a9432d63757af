package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents one provider connection to a CRDT room on the server
type Session struct {
	ID           string    `json:"id"`
	RoomName     string    `json:"room_name"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	Role         string    `json:"role,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// MessageType is the first byte of every frame on the CRDT sync channel
type MessageType byte

const (
	// Sync protocol
	MessageTypeSync           MessageType = 0 // Sync step 1: sender's state vector
	MessageTypeSyncUpdate     MessageType = 1 // Sync step 2 or incremental update
	MessageTypeAwareness      MessageType = 2 // Awareness (cursors, users)
	MessageTypeQueryAwareness MessageType = 3 // Request full awareness state
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeSync:
		return "sync"
	case MessageTypeSyncUpdate:
		return "update"
	case MessageTypeAwareness:
		return "awareness"
	case MessageTypeQueryAwareness:
		return "query-awareness"
	default:
		return "unknown"
	}
}

func NewSession(roomName, userID, userName, role string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		RoomName:     roomName,
		UserID:       userID,
		UserName:     userName,
		Role:         role,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
