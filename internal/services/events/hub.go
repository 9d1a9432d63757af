// Package events serves the event channel: authenticated clients, rooms,
// membership notices, edit relay and save acknowledgements.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ravipandeydu/interview-pro-sub000/internal/auth"
	"github.com/ravipandeydu/interview-pro-sub000/internal/middleware"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
	"github.com/ravipandeydu/interview-pro-sub000/internal/services"
)

/*
LEARNING: EVENT HUB

One Hub per process. Every authenticated connection is a Client, whatever
transport carries it:

  websocket ─┐                      ┌─▶ rooms[roomID][clientID]
  polling  ──┴─▶ Client ─▶ Dispatch ┼─▶ broadcast ─▶ local clients
                                    │             └▶ Fanout (other instances)
                                    └─▶ Saver (worker pool) ─▶ saved / saveError

Every event pushed for a room carries its roomId so clients sharing one
connection across documents can tell rooms apart.
*/

var ErrUnauthorized = errors.New("events: unauthorized")

// Saver queues checkpoint writes
type Saver interface {
	SubmitJob(job services.SaveJob) error
}

// Fanout forwards room events to other server instances
type Fanout interface {
	Publish(ctx context.Context, room, exclude string, env models.Envelope) error
}

type Option func(*Hub)

func WithFanout(f Fanout) Option {
	return func(h *Hub) { h.fanout = f }
}

func WithNow(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

type Hub struct {
	verifier *auth.Verifier
	saver    Saver
	fanout   Fanout
	log      logr.Logger
	now      func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	closed  bool
}

func NewHub(verifier *auth.Verifier, saver Saver, log logr.Logger, opts ...Option) *Hub {
	h := &Hub{
		verifier: verifier,
		saver:    saver,
		log:      log.WithName("events"),
		now:      time.Now,
		clients:  make(map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Authenticate resolves a credential into the identity announced to rooms
func (h *Hub) Authenticate(token string) (*auth.Claims, models.AuthOK, error) {
	claims, err := h.verifier.Verify(token)
	if err != nil {
		return nil, models.AuthOK{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, models.AuthOK{UserID: claims.UserID(), UserName: claims.Name, Role: claims.Role}, nil
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("events: hub shut down")
	}
	h.clients[c.ID] = c
	h.log.Info("client connected", "client", c.ID, "user", c.User.UserID, "transport", c.Transport, "total", len(h.clients))
	return nil
}

// disconnect removes c from the hub and from every room it joined
func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		c.close()
		return
	}
	delete(h.clients, c.ID)
	rooms := c.joinedRooms()
	h.mu.Unlock()

	for _, room := range rooms {
		h.leave(c, room)
	}
	c.close()
	h.log.Info("client disconnected", "client", c.ID, "user", c.User.UserID)
}

// Dispatch handles one event sent by c
func (h *Hub) Dispatch(ctx context.Context, c *Client, env models.Envelope) {
	ctx, span := middleware.StartSpan(ctx, "Events.Dispatch",
		attribute.String("event", env.Event),
		attribute.String("client.id", c.ID),
	)
	defer span.End()

	prefix, _, ok := strings.Cut(env.Event, ":")
	domain := models.Domain(prefix)
	if !ok || !domain.Valid() {
		h.log.V(1).Info("ignoring event", "event", env.Event, "client", c.ID)
		return
	}

	var err error
	switch env.Event {
	case domain.Event(models.EventJoin):
		err = h.handleJoin(c, domain, env)
	case domain.Event(models.EventLeave):
		err = h.handleLeave(c, domain, env)
	case domain.UpdateEvent():
		err = h.handleUpdate(c, domain, env)
	case domain.SaveEvent():
		err = h.handleSave(c, domain, env)
	default:
		h.log.V(1).Info("ignoring event", "event", env.Event, "client", c.ID)
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		h.log.Error(err, "event rejected", "event", env.Event, "client", c.ID)
	}
}

func (h *Hub) handleJoin(c *Client, domain models.Domain, env models.Envelope) error {
	var documentID string
	if err := env.Decode(&documentID); err != nil || documentID == "" {
		return fmt.Errorf("join needs a document id: %v", err)
	}
	room := domain.RoomID(documentID)
	if err := c.claims.CanJoin(room); err != nil {
		c.emit(models.EventError, models.ErrorPayload{RoomID: room, Message: err.Error()})
		return err
	}

	h.mu.Lock()
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	if _, already := members[c.ID]; already {
		h.mu.Unlock()
		return nil
	}
	existing := make([]*Client, 0, len(members))
	for _, other := range members {
		existing = append(existing, other)
	}
	members[c.ID] = c
	c.addRoom(room)
	h.mu.Unlock()

	// the joiner learns who is already here
	for _, other := range existing {
		c.emit(domain.Event(models.EventUserJoined), other.joinedPayload(room))
	}
	h.broadcast(room, domain.Event(models.EventUserJoined), c.joinedPayload(room), c.ID)
	h.log.Info("joined room", "room", room, "user", c.User.UserID, "members", len(existing)+1)
	return nil
}

func (h *Hub) handleLeave(c *Client, domain models.Domain, env models.Envelope) error {
	var documentID string
	if err := env.Decode(&documentID); err != nil {
		return err
	}
	h.leave(c, domain.RoomID(documentID))
	return nil
}

func (h *Hub) leave(c *Client, room string) {
	domain := roomDomain(room)

	h.mu.Lock()
	members := h.rooms[room]
	if _, ok := members[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(members, c.ID)
	c.removeRoom(room)
	stillPresent := false
	for _, other := range members {
		if other.User.UserID == c.User.UserID {
			stillPresent = true
			break
		}
	}
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	h.mu.Unlock()

	if !stillPresent {
		h.broadcast(room, domain.Event(models.EventUserLeft), models.UserLeftPayload{RoomID: room, UserID: c.User.UserID}, c.ID)
	}
	h.log.Info("left room", "room", room, "user", c.User.UserID)
}

func (h *Hub) handleUpdate(c *Client, domain models.Domain, env models.Envelope) error {
	var room string
	var out any
	if domain == models.DomainCode {
		var p models.CodeUpdatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		room = domain.RoomID(p.InterviewID)
		out = models.CodeUpdatedPayload{RoomID: room, UserID: c.User.UserID, Code: p.Code, Language: p.Language}
	} else {
		var p models.NoteUpdatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		room = domain.RoomID(p.NoteID)
		out = models.NoteUpdatedPayload{RoomID: room, UserID: c.User.UserID, Content: p.Content, Title: p.Title}
	}
	if !c.inRoom(room) {
		return fmt.Errorf("update for %s without joining", room)
	}
	h.broadcast(room, domain.UpdatedEvent(), out, c.ID)
	return nil
}

func (h *Hub) handleSave(c *Client, domain models.Domain, env models.Envelope) error {
	cp := &models.SaveCheckpoint{Domain: domain, SavedAt: h.now().UTC()}
	if domain == models.DomainCode {
		var p models.CodeUpdatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		cp.DocumentID, cp.Content, cp.Language = p.InterviewID, p.Code, p.Language
	} else {
		var p models.NoteUpdatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		cp.DocumentID, cp.Content, cp.Title = p.NoteID, p.Content, p.Title
	}
	cp.RoomID = domain.RoomID(cp.DocumentID)
	if !c.inRoom(cp.RoomID) {
		c.emit(domain.Event(models.EventSaveError), models.ErrorPayload{RoomID: cp.RoomID, Message: "join the room before saving"})
		return fmt.Errorf("save for %s without joining", cp.RoomID)
	}
	by := c.summary(h.now())
	cp.SetSavedBy(&by)

	saveError := func(err error) {
		c.emit(domain.Event(models.EventSaveError), models.ErrorPayload{RoomID: cp.RoomID, Message: err.Error()})
	}
	if h.saver == nil {
		saveError(errors.New("persistence unavailable"))
		return nil
	}
	err := h.saver.SubmitJob(services.SaveJob{
		Checkpoint: cp,
		Done: func(err error) {
			if err != nil {
				saveError(err)
				return
			}
			// everyone in the room sees the new last-saved time
			h.broadcast(cp.RoomID, domain.Event(models.EventSaved),
				models.SavedPayload{RoomID: cp.RoomID, Timestamp: cp.SavedAt, SavedBy: &by}, "")
		},
	})
	if err != nil {
		saveError(err)
		return err
	}
	return nil
}

// broadcast sends an event to the local members of room except exclude, and
// to the other instances when a fanout is configured
func (h *Hub) broadcast(room, event string, payload any, exclude string) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		h.log.Error(err, "encode broadcast", "event", event)
		return
	}
	h.Deliver(room, exclude, env)
	if h.fanout != nil {
		if err := h.fanout.Publish(context.Background(), room, exclude, env); err != nil {
			h.log.Error(err, "fanout publish", "room", room)
		}
	}
}

// Deliver sends env to the local members of room except exclude. Messages
// from other instances enter here.
func (h *Hub) Deliver(room, exclude string, env models.Envelope) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for id, c := range h.rooms[room] {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.send(env)
	}
}

// Kick disconnects every connection of userID with a server-initiated
// reason. It returns the number of connections closed.
func (h *Hub) Kick(userID string) int {
	h.mu.RLock()
	var targets []*Client
	for _, c := range h.clients {
		if c.User.UserID == userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.emit(models.EventDisconnect, models.DisconnectPayload{Reason: models.DisconnectReasonServer})
		h.disconnect(c)
	}
	return len(targets)
}

// Members lists the users present in room
func (h *Hub) Members(room string) []models.ParticipantSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]bool)
	var out []models.ParticipantSummary
	for _, c := range h.rooms[room] {
		if seen[c.User.UserID] {
			continue
		}
		seen[c.User.UserID] = true
		out = append(out, c.summary(h.now()))
	}
	return out
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.log.Info("🛑 Shutting down event hub...", "clients", len(clients))
	for _, c := range clients {
		c.emit(models.EventDisconnect, models.DisconnectPayload{Reason: models.DisconnectReasonServer})
		h.disconnect(c)
	}
}

func roomDomain(room string) models.Domain {
	prefix, _, _ := strings.Cut(room, "-")
	return models.Domain(prefix)
}

