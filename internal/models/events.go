package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Domain scopes event names and room ids ("code:join", "note-42")
type Domain string

const (
	DomainCode Domain = "code"
	DomainNote Domain = "note"
)

func (d Domain) Valid() bool {
	return d == DomainCode || d == DomainNote
}

// Event returns the fully qualified event name for this domain
func (d Domain) Event(name string) string {
	return string(d) + ":" + name
}

// RoomID derives the room id of a document ("code-<interviewId>")
func (d Domain) RoomID(documentID string) string {
	return string(d) + "-" + documentID
}

// Event suffixes shared by both domains
const (
	EventJoin       = "join"
	EventLeave      = "leave"
	EventUserJoined = "userJoined"
	EventUserLeft   = "userLeft"
	EventSaved      = "saved"
	EventSaveError  = "saveError"
)

// Code domain
const (
	EventCodeUpdate  = "codeUpdate"
	EventCodeUpdated = "codeUpdated"
	EventCodeSave    = "codeSave"
)

// Note domain
const (
	EventNoteUpdate  = "update"
	EventNoteUpdated = "updated"
	EventNoteSave    = "save"
)

// UpdateEvent, UpdatedEvent and SaveEvent map a domain to its content events
func (d Domain) UpdateEvent() string {
	if d == DomainCode {
		return d.Event(EventCodeUpdate)
	}
	return d.Event(EventNoteUpdate)
}

func (d Domain) UpdatedEvent() string {
	if d == DomainCode {
		return d.Event(EventCodeUpdated)
	}
	return d.Event(EventNoteUpdated)
}

func (d Domain) SaveEvent() string {
	if d == DomainCode {
		return d.Event(EventCodeSave)
	}
	return d.Event(EventNoteSave)
}

// Connection-level events
const (
	EventAuth       = "auth"
	EventAuthOK     = "auth:ok"
	EventAuthError  = "auth:error"
	EventDisconnect = "disconnect"
	EventError      = "error"
)

// DisconnectReasonServer marks a disconnect the server asked for
const DisconnectReasonServer = "io server disconnect"

// Envelope is the frame of the event channel
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the payload into v
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

type AuthPayload struct {
	Token string `json:"token"`
}

// AuthOK is the identity the server resolved from the credential
type AuthOK struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Role     string `json:"role,omitempty"`
}

type AuthError struct {
	Message string `json:"message"`
}

type DisconnectPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	RoomID  string `json:"roomId,omitempty"`
	Message string `json:"message"`
}

// Client → server content events

type CodeUpdatePayload struct {
	InterviewID string `json:"interviewId"`
	Code        string `json:"code"`
	Language    string `json:"language,omitempty"`
}

type NoteUpdatePayload struct {
	NoteID  string `json:"noteId"`
	Content string `json:"content"`
	Title   string `json:"title,omitempty"`
}

// Server → client events. RoomID lets a shared connection route events
// to the membership that owns the room.

type CodeUpdatedPayload struct {
	RoomID   string `json:"roomId,omitempty"`
	UserID   string `json:"userId"`
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

type NoteUpdatedPayload struct {
	RoomID  string `json:"roomId,omitempty"`
	UserID  string `json:"userId"`
	Content string `json:"content"`
	Title   string `json:"title,omitempty"`
}

type UserJoinedPayload struct {
	RoomID   string `json:"roomId,omitempty"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Role     string `json:"role,omitempty"`
}

type UserLeftPayload struct {
	RoomID string `json:"roomId,omitempty"`
	UserID string `json:"userId"`
}

type SavedPayload struct {
	RoomID    string              `json:"roomId,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	SavedBy   *ParticipantSummary `json:"savedBy,omitempty"`
}
