// Package presence turns awareness states into the list of remote
// participants currently rendering a document.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/ravipandeydu/interview-pro-sub000/internal/awareness"
	"github.com/ravipandeydu/interview-pro-sub000/internal/logging"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

const (
	FieldUser   = "user"
	FieldCursor = "cursor"
)

type Option func(*Tracker)

func WithNow(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(l logr.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// Tracker publishes local presence and reports remote participants.
// Presence says who is looking at the document, not who may access it.
type Tracker struct {
	aw  *awareness.Awareness
	now func() time.Time
	log logr.Logger
	off func()

	mu          sync.Mutex
	subscribers map[int]func([]models.Participant)
	nextSub     int
	closed      bool
}

func New(aw *awareness.Awareness, opts ...Option) *Tracker {
	t := &Tracker{
		aw:          aw,
		now:         time.Now,
		subscribers: make(map[int]func([]models.Participant)),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = logging.OrDefault(t.log).WithName("presence")
	t.off = aw.OnChange(func(awareness.Change, any) { t.notify() })
	return t
}

// SetLocalPresence publishes who we are
func (t *Tracker) SetLocalPresence(user models.UserInfo) error {
	return t.aw.SetLocalStateField(FieldUser, user)
}

// SetCursor publishes the local cursor. It is meant to be called on every
// cursor move; the provider sends each change as it happens.
func (t *Tracker) SetCursor(pos models.CursorPosition) error {
	return t.aw.SetLocalStateField(FieldCursor, pos)
}

// Participants lists remote clients that published an identity. A user
// connected through several clients is listed once.
func (t *Tracker) Participants() []models.Participant {
	local := t.aw.ClientID()
	now := t.now()

	type entry struct {
		p       models.Participant
		updated time.Time
	}
	byUser := make(map[string]entry)
	for clientID, state := range t.aw.States() {
		if clientID == local {
			continue
		}
		var user models.UserInfo
		ok, err := state.Decode(FieldUser, &user)
		if err != nil {
			t.log.V(1).Info("ignoring awareness state", "client", clientID, "error", err.Error())
			continue
		}
		if !ok || user.ID == "" {
			continue
		}
		p := models.Participant{
			ID:         user.ID,
			Name:       user.Name,
			Role:       user.Role,
			Color:      user.Color,
			LastActive: now,
		}
		var cursor models.CursorPosition
		if ok, err := state.Decode(FieldCursor, &cursor); ok && err == nil {
			p.CursorPosition = &cursor
		}
		meta, _ := t.aw.Meta(clientID)
		if prev, seen := byUser[user.ID]; seen && prev.updated.After(meta.LastUpdated) {
			continue
		}
		byUser[user.ID] = entry{p: p, updated: meta.LastUpdated}
	}

	out := make([]models.Participant, 0, len(byUser))
	for _, e := range byUser {
		out = append(out, e.p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe calls fn with the recomputed participant list on every change
func (t *Tracker) Subscribe(fn func([]models.Participant)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subscribers[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

// ListenerCount reports subscribers plus the awareness registration
func (t *Tracker) ListenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.subscribers)
	if !t.closed {
		n++
	}
	return n
}

// Close detaches from awareness and drops every subscriber
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.subscribers = make(map[int]func([]models.Participant))
	t.mu.Unlock()
	t.off()
}

func (t *Tracker) notify() {
	t.mu.Lock()
	if t.closed || len(t.subscribers) == 0 {
		t.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(t.subscribers))
	for id := range t.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func([]models.Participant), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, t.subscribers[id])
	}
	t.mu.Unlock()

	list := t.Participants()
	for _, fn := range subs {
		fn(list)
	}
}
