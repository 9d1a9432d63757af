package awareness

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedUpdate = errors.New("awareness: malformed update")

type entry struct {
	ClientID uint64 `json:"clientId"`
	Clock    uint64 `json:"clock"`
	State    State  `json:"state"`
}

type update struct {
	Clients []entry `json:"clients"`
}

// EncodeUpdate encodes the current entries of the given clients. Unknown
// clients are encoded with a null state so receivers drop them.
func (a *Awareness) EncodeUpdate(clients []uint64) ([]byte, error) {
	a.mu.Lock()
	u := update{Clients: make([]entry, 0, len(clients))}
	for _, id := range clients {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		u.Clients = append(u.Clients, entry{ClientID: id, Clock: m.Clock, State: a.states[id].clone()})
	}
	a.mu.Unlock()

	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode awareness update: %w", err)
	}
	return data, nil
}

// EncodeFullState encodes every known entry
func (a *Awareness) EncodeFullState() ([]byte, error) {
	a.mu.Lock()
	clients := make([]uint64, 0, len(a.states))
	for id := range a.states {
		clients = append(clients, id)
	}
	a.mu.Unlock()
	return a.EncodeUpdate(clients)
}

// DecodeClients returns the client ids carried by an encoded update
func DecodeClients(data []byte) ([]uint64, error) {
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	ids := make([]uint64, 0, len(u.Clients))
	for _, e := range u.Clients {
		ids = append(ids, e.ClientID)
	}
	return ids, nil
}

// ApplyUpdate merges a remote update, keeping the entry with the highest clock
func (a *Awareness) ApplyUpdate(data []byte, origin any) error {
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}

	a.mu.Lock()
	now := a.now()
	var change, updated Change
	for _, e := range u.Clients {
		clock := e.Clock
		prev, hadPrev := a.states[e.ClientID]
		cur, known := a.meta[e.ClientID]

		accept := !known || cur.Clock < clock || (cur.Clock == clock && e.State == nil && hadPrev)
		if !accept {
			continue
		}

		if e.State == nil {
			if e.ClientID == a.clientID && hadPrev {
				// a peer timed us out while we are alive
				clock++
			} else {
				delete(a.states, e.ClientID)
			}
		} else {
			a.states[e.ClientID] = e.State
		}
		a.meta[e.ClientID] = Meta{Clock: clock, LastUpdated: now}

		_, hasNow := a.states[e.ClientID]
		switch {
		case !hadPrev && hasNow:
			change.Added = append(change.Added, e.ClientID)
			updated.Added = append(updated.Added, e.ClientID)
		case hadPrev && !hasNow:
			change.Removed = append(change.Removed, e.ClientID)
			updated.Removed = append(updated.Removed, e.ClientID)
		case hasNow:
			if !prev.equal(a.states[e.ClientID]) {
				change.Updated = append(change.Updated, e.ClientID)
			}
			updated.Updated = append(updated.Updated, e.ClientID)
		}
	}
	changeHandlers, updateHandlers := a.snapshot()
	a.mu.Unlock()

	a.emit(changeHandlers, change, origin)
	a.emit(updateHandlers, updated, origin)
	return nil
}
