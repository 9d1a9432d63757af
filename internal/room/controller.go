// Package room tracks membership of one collaboration room over the shared
// event channel.
package room

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/ravipandeydu/interview-pro-sub000/internal/logging"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
	"github.com/ravipandeydu/interview-pro-sub000/internal/transport"
)

// Channel is what a room needs from the connection manager
type Channel interface {
	Emit(event string, payload any) bool
	On(event string, h transport.Handler) *transport.Listener
	Off(l *transport.Listener)
}

// Membership is a snapshot of the joined room
type Membership struct {
	RoomID       string
	DocumentID   string
	JoinedAt     time.Time
	Participants []models.ParticipantSummary
}

type Option func(*Controller)

func WithLogger(l logr.Logger) Option {
	return func(c *Controller) { c.log = l }
}

func WithNow(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// OnJoined and OnLeft are called for participants entering or leaving,
// e.g. to show presence notices
func OnJoined(fn func(models.ParticipantSummary)) Option {
	return func(c *Controller) { c.onJoined = fn }
}

func OnLeft(fn func(models.ParticipantSummary)) Option {
	return func(c *Controller) { c.onLeft = fn }
}

// Controller joins and leaves one room and keeps its participant list.
// It is owned by a single session; the channel underneath is shared.
type Controller struct {
	ch     Channel
	domain models.Domain
	log    logr.Logger
	now    func() time.Time

	onJoined func(models.ParticipantSummary)
	onLeft   func(models.ParticipantSummary)

	mu           sync.Mutex
	documentID   string
	roomID       string
	joinedAt     time.Time
	participants map[string]models.ParticipantSummary
	listeners    []*transport.Listener
	subscribers  map[int]func([]models.ParticipantSummary)
	nextSub      int
}

func NewController(ch Channel, domain models.Domain, opts ...Option) *Controller {
	c := &Controller{
		ch:           ch,
		domain:       domain,
		now:          time.Now,
		participants: make(map[string]models.ParticipantSummary),
		subscribers:  make(map[int]func([]models.ParticipantSummary)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.OrDefault(c.log).WithName("room")
	return c
}

// Join enters the room of documentID. Listeners are registered once; the
// join event is emitted on every call so the server re-adds us after a
// reconnect. It reports false when the channel is not connected.
func (c *Controller) Join(documentID string) bool {
	c.mu.Lock()
	current := c.documentID
	c.mu.Unlock()
	if current != "" && current != documentID {
		c.Leave(current)
	}

	roomID := c.domain.RoomID(documentID)
	c.mu.Lock()
	if c.documentID == "" {
		c.documentID = documentID
		c.roomID = roomID
		c.joinedAt = c.now()
		c.listeners = []*transport.Listener{
			c.ch.On(c.domain.Event(models.EventUserJoined), c.handleUserJoined),
			c.ch.On(c.domain.Event(models.EventUserLeft), c.handleUserLeft),
		}
	}
	c.mu.Unlock()

	ok := c.ch.Emit(c.domain.Event(models.EventJoin), documentID)
	if !ok {
		c.log.V(1).Info("join not sent, channel offline", "room", roomID)
	} else {
		c.log.V(1).Info("joined", "room", roomID)
	}
	return ok
}

// Leave exits the room; calling it again, or for another document, is a no-op
func (c *Controller) Leave(documentID string) {
	c.mu.Lock()
	if c.documentID == "" || c.documentID != documentID {
		c.mu.Unlock()
		return
	}
	listeners := c.listeners
	roomID := c.roomID
	c.listeners = nil
	c.documentID = ""
	c.roomID = ""
	c.joinedAt = time.Time{}
	c.participants = make(map[string]models.ParticipantSummary)
	c.mu.Unlock()

	for _, l := range listeners {
		c.ch.Off(l)
	}
	c.ch.Emit(c.domain.Event(models.EventLeave), documentID)
	c.log.V(1).Info("left", "room", roomID)
	c.notify()
}

func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Controller) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentID != ""
}

// Owns reports whether a server event tagged with roomID belongs here.
// Untagged events are accepted.
func (c *Controller) Owns(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentID != "" && (roomID == "" || roomID == c.roomID)
}

func (c *Controller) Membership() Membership {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Membership{
		RoomID:       c.roomID,
		DocumentID:   c.documentID,
		JoinedAt:     c.joinedAt,
		Participants: c.snapshotLocked(),
	}
}

func (c *Controller) Participants() []models.ParticipantSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe calls fn with the participant list after every change
func (c *Controller) Subscribe(fn func([]models.ParticipantSummary)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// ListenerCount reports channel listeners held by the room
func (c *Controller) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *Controller) handleUserJoined(payload json.RawMessage) {
	var p models.UserJoinedPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		c.log.V(1).Info("ignoring malformed userJoined", "payload", string(payload))
		return
	}

	c.mu.Lock()
	if c.documentID == "" || (p.RoomID != "" && p.RoomID != c.roomID) {
		c.mu.Unlock()
		return
	}
	if _, known := c.participants[p.UserID]; known {
		c.mu.Unlock()
		return
	}
	summary := models.ParticipantSummary{
		ID:         p.UserID,
		Name:       p.UserName,
		Role:       p.Role,
		LastActive: c.now(),
	}
	c.participants[p.UserID] = summary
	c.mu.Unlock()

	if c.onJoined != nil {
		c.onJoined(summary)
	}
	c.notify()
}

func (c *Controller) handleUserLeft(payload json.RawMessage) {
	var p models.UserLeftPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		return
	}

	c.mu.Lock()
	if c.documentID == "" || (p.RoomID != "" && p.RoomID != c.roomID) {
		c.mu.Unlock()
		return
	}
	summary, known := c.participants[p.UserID]
	if !known {
		c.mu.Unlock()
		return
	}
	delete(c.participants, p.UserID)
	c.mu.Unlock()

	if c.onLeft != nil {
		c.onLeft(summary)
	}
	c.notify()
}

func (c *Controller) notify() {
	c.mu.Lock()
	list := c.snapshotLocked()
	ids := make([]int, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func([]models.ParticipantSummary), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, c.subscribers[id])
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(list)
	}
}

// snapshotLocked lists participants by join time, then id
func (c *Controller) snapshotLocked() []models.ParticipantSummary {
	out := make([]models.ParticipantSummary, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActive.Equal(out[j].LastActive) {
			return out[i].LastActive.Before(out[j].LastActive)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
