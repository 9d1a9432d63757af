package awareness

import (
	"testing"
	"time"
)

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time          { return f.t }
func (f *fakeNow) advance(d time.Duration) { f.t = f.t.Add(d) }

func syncStates(t *testing.T, from, to *Awareness, clients ...uint64) {
	t.Helper()
	data, err := from.EncodeUpdate(clients)
	if err != nil {
		t.Fatalf("EncodeUpdate() error = %v", err)
	}
	if err := to.ApplyUpdate(data, "remote"); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
}

func TestLocalFieldPropagates(t *testing.T) {
	a := New(1)
	b := New(2)

	var changes []Change
	b.OnChange(func(c Change, origin any) { changes = append(changes, c) })

	if err := a.SetLocalStateField("user", map[string]string{"id": "u1", "name": "Ada"}); err != nil {
		t.Fatalf("SetLocalStateField() error = %v", err)
	}
	syncStates(t, a, b, 1)

	var user struct{ ID, Name string }
	ok, err := b.States()[1].Decode("user", &user)
	if err != nil || !ok {
		t.Fatalf("Decode(user) = %v, %v", ok, err)
	}
	if user.Name != "Ada" {
		t.Fatalf("user.Name = %q, want Ada", user.Name)
	}
	if len(changes) != 1 || len(changes[0].Added) != 1 || changes[0].Added[0] != 1 {
		t.Fatalf("changes = %+v, want client 1 added", changes)
	}

	// a stale update with the same clock is ignored
	syncStates(t, a, b, 1)
	if len(changes) != 1 {
		t.Fatalf("duplicate update produced change: %+v", changes)
	}
}

func TestRemoteRemoval(t *testing.T) {
	a := New(1)
	b := New(2)
	a.SetLocalStateField("cursor", map[string]int{"line": 1, "column": 2})
	syncStates(t, a, b, 1)

	a.SetLocalState(nil)
	syncStates(t, a, b, 1)

	if _, ok := b.States()[1]; ok {
		t.Fatal("state of client 1 still present after removal")
	}
}

func TestLocalStateRestoredWhenPeerRemovesIt(t *testing.T) {
	server := New(99)
	a := New(1)
	a.SetLocalStateField("user", map[string]string{"id": "u1"})
	syncStates(t, a, server, 1)

	var rebroadcast bool
	a.OnUpdate(func(c Change, origin any) {
		for _, id := range c.Updated {
			if id == 1 {
				rebroadcast = true
			}
		}
	})

	server.RemoveStates([]uint64{1}, "disconnect")
	syncStates(t, server, a, 1)

	if _, ok := a.States()[1]; !ok {
		t.Fatal("local state was removed by a peer")
	}
	if !rebroadcast {
		t.Fatal("local state was not re-broadcast")
	}

	syncStates(t, a, server, 1)
	if _, ok := server.States()[1]; !ok {
		t.Fatal("re-broadcast did not restore the state on the peer")
	}
}

func TestCheckOutdated(t *testing.T) {
	clock := &fakeNow{t: time.Unix(1000, 0)}
	a := New(1, WithNow(clock.now))
	b := New(2, WithNow(clock.now))
	a.SetLocalStateField("user", map[string]string{"id": "u1"})
	syncStates(t, a, b, 1)

	var updates int
	b.OnUpdate(func(c Change, origin any) {
		for _, id := range c.Updated {
			if id == 2 {
				updates++
			}
		}
	})

	clock.advance(OutdatedTimeout / 2)
	b.CheckOutdated()
	if updates != 1 {
		t.Fatalf("local renewals = %d, want 1", updates)
	}
	if _, ok := b.States()[1]; !ok {
		t.Fatal("client 1 dropped before timeout")
	}

	clock.advance(OutdatedTimeout / 2)
	b.CheckOutdated()
	if _, ok := b.States()[1]; ok {
		t.Fatal("client 1 kept after timeout")
	}
	if _, ok := b.States()[2]; !ok {
		t.Fatal("local state dropped by CheckOutdated")
	}
}

func TestDestroyPublishesRemoval(t *testing.T) {
	a := New(1)
	var removed []uint64
	a.OnUpdate(func(c Change, origin any) { removed = append(removed, c.Removed...) })

	a.Destroy()
	if len(removed) != 1 || removed[0] != 1 {
		t.Fatalf("removed = %v, want [1]", removed)
	}
	if a.HandlerCount() != 0 {
		t.Fatalf("HandlerCount() = %d after Destroy", a.HandlerCount())
	}
	if err := a.SetLocalStateField("user", "x"); err != nil {
		t.Fatalf("SetLocalStateField() after Destroy error = %v", err)
	}
	if _, ok := a.States()[1]; ok {
		t.Fatal("offline client published a field")
	}
}

func TestApplyUpdateRejectsGarbage(t *testing.T) {
	a := New(1)
	if err := a.ApplyUpdate([]byte("{not json"), nil); err == nil {
		t.Fatal("ApplyUpdate() accepted malformed input")
	}
}
