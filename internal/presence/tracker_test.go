package presence

import (
	"testing"
	"time"

	"github.com/ravipandeydu/interview-pro-sub000/internal/awareness"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

func relay(t *testing.T, from, to *awareness.Awareness) {
	t.Helper()
	data, err := from.EncodeUpdate([]uint64{from.ClientID()})
	if err != nil {
		t.Fatalf("EncodeUpdate() error = %v", err)
	}
	if err := to.ApplyUpdate(data, "remote"); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
}

func TestLocalClientExcluded(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	local := awareness.New(1)
	remote := awareness.New(2)
	tr := New(local, WithNow(func() time.Time { return now }))
	defer tr.Close()

	var lists [][]models.Participant
	tr.Subscribe(func(ps []models.Participant) { lists = append(lists, ps) })

	if err := tr.SetLocalPresence(models.UserInfo{ID: "u1", Name: "Ada", Color: "#f00", Role: "interviewer"}); err != nil {
		t.Fatalf("SetLocalPresence() error = %v", err)
	}
	tr.SetCursor(models.CursorPosition{Line: 3, Column: 1})

	remote.SetLocalStateField(FieldUser, models.UserInfo{ID: "u2", Name: "Grace", Role: "candidate"})
	remote.SetLocalStateField(FieldCursor, models.CursorPosition{Line: 7, Column: 4})
	relay(t, remote, local)

	if len(lists) == 0 {
		t.Fatal("subscriber never called")
	}
	for _, list := range lists {
		for _, p := range list {
			if p.ID == "u1" {
				t.Fatalf("local participant listed: %+v", list)
			}
		}
	}

	last := lists[len(lists)-1]
	if len(last) != 1 || last[0].ID != "u2" || last[0].Name != "Grace" {
		t.Fatalf("participants = %+v, want Grace only", last)
	}
	if last[0].CursorPosition == nil || last[0].CursorPosition.Line != 7 {
		t.Fatalf("cursor = %+v, want line 7", last[0].CursorPosition)
	}
	if !last[0].LastActive.Equal(now) {
		t.Fatalf("LastActive = %v, want %v", last[0].LastActive, now)
	}
}

func TestStatesWithoutIdentitySkipped(t *testing.T) {
	local := awareness.New(1)
	anonymous := awareness.New(2)
	tr := New(local)
	defer tr.Close()

	anonymous.SetLocalStateField(FieldCursor, models.CursorPosition{Line: 1})
	relay(t, anonymous, local)

	if ps := tr.Participants(); len(ps) != 0 {
		t.Fatalf("Participants() = %+v, want none", ps)
	}
}

func TestSameUserListedOnce(t *testing.T) {
	local := awareness.New(1)
	first := awareness.New(2)
	second := awareness.New(3)
	tr := New(local)
	defer tr.Close()

	// a reconnect leaves the old client id behind until it times out
	first.SetLocalStateField(FieldUser, models.UserInfo{ID: "u2", Name: "Grace"})
	second.SetLocalStateField(FieldUser, models.UserInfo{ID: "u2", Name: "Grace"})
	relay(t, first, local)
	relay(t, second, local)

	if ps := tr.Participants(); len(ps) != 1 {
		t.Fatalf("Participants() = %+v, want one entry", ps)
	}
}

func TestRemovalNotifies(t *testing.T) {
	local := awareness.New(1)
	remote := awareness.New(2)
	tr := New(local)
	defer tr.Close()

	remote.SetLocalStateField(FieldUser, models.UserInfo{ID: "u2", Name: "Grace"})
	relay(t, remote, local)

	var last []models.Participant
	calls := 0
	tr.Subscribe(func(ps []models.Participant) { calls++; last = ps })
	local.RemoveStates([]uint64{2}, "provider")

	if calls != 1 || len(last) != 0 {
		t.Fatalf("after removal calls=%d list=%+v", calls, last)
	}
}

func TestCloseDetaches(t *testing.T) {
	local := awareness.New(1)
	before := local.HandlerCount()
	tr := New(local)
	unsubscribe := tr.Subscribe(func([]models.Participant) {})
	unsubscribe()

	if tr.ListenerCount() != 1 {
		t.Fatalf("ListenerCount() = %d, want 1", tr.ListenerCount())
	}
	tr.Close()
	tr.Close()
	if local.HandlerCount() != before {
		t.Fatalf("awareness handlers = %d, want %d", local.HandlerCount(), before)
	}
	if tr.ListenerCount() != 0 {
		t.Fatalf("ListenerCount() after Close = %d", tr.ListenerCount())
	}
}
