// Package awareness keeps the ephemeral per-client state (identity, cursor)
// that rides next to a CRDT document. Nothing here is persisted.
package awareness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

/*
AWARENESS PROTOCOL

Every client owns one state and a clock. Updates carry (client, clock, state)
and a receiver keeps the entry with the highest clock. A null state with the
current clock removes the entry.

Entries are keyed by the CRDT client id of the connection, which changes on
every reconnect. Applications must read identity from the state's "user"
field, never from the key.

  - remote entries not renewed for OutdatedTimeout are dropped
  - the local entry is renewed every OutdatedTimeout/2
  - if a peer removes our entry while we are alive we bump the clock so the
    next broadcast restores it
*/

const OutdatedTimeout = 30 * time.Second

// State is one client's awareness record, field name → JSON value
type State map[string]json.RawMessage

// Decode unmarshals field into v; it reports false when the field is absent
func (s State) Decode(field string, v any) (bool, error) {
	raw, ok := s[field]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode awareness field %s: %w", field, err)
	}
	return true, nil
}

func (s State) clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func (s State) equal(other State) bool {
	a, errA := json.Marshal(s)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

type Meta struct {
	Clock       uint64
	LastUpdated time.Time
}

// Change lists the client ids touched by one operation
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// All returns every client id in the change
func (c Change) All() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

type Handler func(change Change, origin any)

type Option func(*Awareness)

// WithNow replaces the wall clock, used by tests
func WithNow(now func() time.Time) Option {
	return func(a *Awareness) { a.now = now }
}

type Awareness struct {
	mu       sync.Mutex
	clientID uint64
	states   map[uint64]State
	meta     map[uint64]Meta
	now      func() time.Time

	nextHandler    int
	changeHandlers map[int]Handler
	updateHandlers map[int]Handler
}

// New creates an awareness instance for the document client id.
// The local state starts empty, matching a freshly connected client.
func New(clientID uint64, opts ...Option) *Awareness {
	a := &Awareness{
		clientID:       clientID,
		states:         make(map[uint64]State),
		meta:           make(map[uint64]Meta),
		now:            time.Now,
		changeHandlers: make(map[int]Handler),
		updateHandlers: make(map[int]Handler),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.states[clientID] = State{}
	a.meta[clientID] = Meta{Clock: 0, LastUpdated: a.now()}
	return a
}

func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// OnChange fires when a state was added, removed or its content changed
func (a *Awareness) OnChange(h Handler) func() {
	return a.register(a.changeHandlers, h)
}

// OnUpdate fires on every accepted entry, including clock-only renewals.
// Providers broadcast from here.
func (a *Awareness) OnUpdate(h Handler) func() {
	return a.register(a.updateHandlers, h)
}

func (a *Awareness) register(set map[int]Handler, h Handler) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextHandler
	a.nextHandler++
	set[id] = h
	return func() {
		a.mu.Lock()
		delete(set, id)
		a.mu.Unlock()
	}
}

func (a *Awareness) HandlerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.changeHandlers) + len(a.updateHandlers)
}

func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[a.clientID].clone()
}

// States returns a copy of every known state, local one included
func (a *Awareness) States() map[uint64]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]State, len(a.states))
	for id, s := range a.states {
		out[id] = s.clone()
	}
	return out
}

func (a *Awareness) Meta(clientID uint64) (Meta, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.meta[clientID]
	return m, ok
}

// SetLocalState replaces the local state; nil marks the client offline
func (a *Awareness) SetLocalState(state State) {
	a.mu.Lock()
	change, updated := a.setLocalLocked(state.clone())
	changeHandlers, updateHandlers := a.snapshot()
	a.mu.Unlock()

	a.emit(changeHandlers, change, "local")
	a.emit(updateHandlers, updated, "local")
}

// SetLocalStateField sets a single JSON field of the local state
func (a *Awareness) SetLocalStateField(field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode awareness field %s: %w", field, err)
	}

	a.mu.Lock()
	current := a.states[a.clientID]
	if current == nil {
		// offline clients do not publish fields
		a.mu.Unlock()
		return nil
	}
	next := current.clone()
	next[field] = raw
	change, updated := a.setLocalLocked(next)
	changeHandlers, updateHandlers := a.snapshot()
	a.mu.Unlock()

	a.emit(changeHandlers, change, "local")
	a.emit(updateHandlers, updated, "local")
	return nil
}

func (a *Awareness) setLocalLocked(state State) (Change, Change) {
	prev, hadPrev := a.states[a.clientID]
	clock := a.meta[a.clientID].Clock + 1

	if state == nil {
		delete(a.states, a.clientID)
	} else {
		a.states[a.clientID] = state
	}
	a.meta[a.clientID] = Meta{Clock: clock, LastUpdated: a.now()}

	var change, updated Change
	id := a.clientID
	switch {
	case state == nil && hadPrev:
		change.Removed = []uint64{id}
		updated.Removed = []uint64{id}
	case state != nil && !hadPrev:
		change.Added = []uint64{id}
		updated.Added = []uint64{id}
	case state != nil:
		if !prev.equal(state) {
			change.Updated = []uint64{id}
		}
		updated.Updated = []uint64{id}
	}
	return change, updated
}

// RemoveStates drops the given clients, e.g. when their connection closed
func (a *Awareness) RemoveStates(clients []uint64, origin any) {
	a.mu.Lock()
	var removed []uint64
	for _, id := range clients {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.clientID {
			cur := a.meta[id]
			a.meta[id] = Meta{Clock: cur.Clock + 1, LastUpdated: a.now()}
		}
		removed = append(removed, id)
	}
	changeHandlers, updateHandlers := a.snapshot()
	a.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	change := Change{Removed: removed}
	a.emit(changeHandlers, change, origin)
	a.emit(updateHandlers, change, origin)
}

// CheckOutdated renews the local state and drops silent remote clients.
// Providers call it periodically.
func (a *Awareness) CheckOutdated() {
	a.mu.Lock()
	now := a.now()
	renew := false
	if local, ok := a.states[a.clientID]; ok && local != nil {
		renew = now.Sub(a.meta[a.clientID].LastUpdated) >= OutdatedTimeout/2
	}
	var stale []uint64
	for id, m := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(m.LastUpdated) >= OutdatedTimeout {
			stale = append(stale, id)
		}
	}
	local := a.states[a.clientID].clone()
	a.mu.Unlock()

	if renew {
		a.SetLocalState(local)
	}
	if len(stale) > 0 {
		sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
		a.RemoveStates(stale, "timeout")
	}
}

// Destroy publishes the local removal and drops every handler
func (a *Awareness) Destroy() {
	a.SetLocalState(nil)
	a.mu.Lock()
	a.changeHandlers = make(map[int]Handler)
	a.updateHandlers = make(map[int]Handler)
	a.mu.Unlock()
}

func (a *Awareness) snapshot() ([]Handler, []Handler) {
	return sortedHandlers(a.changeHandlers), sortedHandlers(a.updateHandlers)
}

func sortedHandlers(set map[int]Handler) []Handler {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, set[id])
	}
	return out
}

func (a *Awareness) emit(handlers []Handler, change Change, origin any) {
	if change.Empty() {
		return
	}
	for _, h := range handlers {
		h(change, origin)
	}
}
