package autosave_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ravipandeydu/interview-pro-sub000/internal/autosave"
	"github.com/ravipandeydu/interview-pro-sub000/internal/autosave/autosavetest"
	"github.com/ravipandeydu/interview-pro-sub000/internal/notify"
)

var start = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type saver struct {
	calls     int
	connected bool
}

func (s *saver) save() bool {
	s.calls++
	return s.connected
}

func newCoordinator(s *saver, notes notify.Notifier) (*autosave.Coordinator, *autosavetest.Clock) {
	clock := autosavetest.NewClock(start)
	c := autosave.New(s.save, autosave.Options{
		Interval: 5 * time.Second,
		Clock:    clock,
		Notifier: notes,
	})
	return c, clock
}

func TestAtMostOneSaveInFlight(t *testing.T) {
	s := &saver{connected: true}
	c, clock := newCoordinator(s, nil)
	c.Start()
	defer c.Stop()

	c.Touch()
	if !c.SaveNow() {
		t.Fatal("first SaveNow() = false")
	}
	if c.SaveNow() {
		t.Fatal("second SaveNow() emitted while the first is pending")
	}
	clock.Advance(5 * time.Second)
	if s.calls != 1 {
		t.Fatalf("saves = %d, want 1 before acknowledgement", s.calls)
	}

	c.Ack()
	c.Touch()
	clock.Advance(5 * time.Second)
	if s.calls != 2 {
		t.Fatalf("saves = %d, want 2 after ack and a new edit", s.calls)
	}
}

func TestEditSavedOnceAfterInterval(t *testing.T) {
	s := &saver{connected: true}
	c, clock := newCoordinator(s, nil)
	c.Start()
	defer c.Stop()

	editAt := clock.Now()
	c.Touch()
	clock.Advance(4999 * time.Millisecond)
	if s.calls != 0 {
		t.Fatalf("saved before the interval: %d", s.calls)
	}
	clock.Advance(time.Millisecond)
	if s.calls != 1 {
		t.Fatalf("saves = %d, want exactly 1 at 5000ms", s.calls)
	}
	if !c.State().Saving {
		t.Fatal("State().Saving = false while waiting for ack")
	}

	c.Ack()
	state := c.State()
	if state.Saving || state.Err != nil {
		t.Fatalf("state after ack = %+v", state)
	}
	if state.LastSaved.Before(editAt) {
		t.Fatalf("LastSaved = %v, before edit at %v", state.LastSaved, editAt)
	}
}

func TestIdleIntervalDoesNotSave(t *testing.T) {
	s := &saver{connected: true}
	c, clock := newCoordinator(s, nil)
	c.Start()
	defer c.Stop()

	clock.Advance(30 * time.Second)
	if s.calls != 0 {
		t.Fatalf("saves = %d without edits", s.calls)
	}
}

func TestOfflineSaveFailsAndRetriesOnNextTick(t *testing.T) {
	s := &saver{connected: false}
	notes := &notify.Recorder{}
	c, clock := newCoordinator(s, notes)
	c.Start()
	defer c.Stop()

	c.Touch()
	clock.Advance(5 * time.Second)

	state := c.State()
	if !errors.Is(state.Err, autosave.ErrNotConnected) || state.Saving || !state.Dirty {
		t.Fatalf("state after offline save = %+v", state)
	}
	if got := notes.All(); len(got) != 1 || got[0].Level != notify.LevelWarning {
		t.Fatalf("notices = %+v, want one warning", got)
	}
	calls := s.calls

	s.connected = true
	clock.Advance(5 * time.Second)
	if s.calls != calls+1 {
		t.Fatalf("saves = %d, want a retry on the next tick", s.calls)
	}
	c.Ack()
	if c.State().Err != nil {
		t.Fatalf("Err after ack = %v", c.State().Err)
	}
}

func TestUnacknowledgedSaveExpires(t *testing.T) {
	s := &saver{connected: true}
	c, clock := newCoordinator(s, nil)
	defer c.Stop()

	c.Touch()
	c.SaveNow()
	clock.Advance(10 * time.Second)

	state := c.State()
	if state.Saving || !errors.Is(state.Err, autosave.ErrAckTimeout) {
		t.Fatalf("state after ack timeout = %+v", state)
	}
	if !c.SaveNow() {
		t.Fatal("SaveNow() after timeout = false")
	}
}

func TestServerRejection(t *testing.T) {
	s := &saver{connected: true}
	c, _ := newCoordinator(s, nil)
	defer c.Stop()

	c.SaveNow()
	rejected := errors.New("disk full")
	c.Fail(rejected)
	if state := c.State(); state.Saving || !errors.Is(state.Err, rejected) || !state.Dirty {
		t.Fatalf("state after Fail = %+v", state)
	}
}

func TestStopClearsTimers(t *testing.T) {
	s := &saver{connected: true}
	c, clock := newCoordinator(s, nil)
	c.Start()
	c.Touch()
	c.SaveNow()

	if c.PendingTimers() != 3 {
		t.Fatalf("PendingTimers() = %d, want 3", c.PendingTimers())
	}
	c.Stop()
	c.Stop()
	if c.PendingTimers() != 0 || clock.Pending() != 0 {
		t.Fatalf("timers after Stop: coordinator=%d clock=%d", c.PendingTimers(), clock.Pending())
	}

	c.Touch()
	clock.Advance(time.Minute)
	if s.calls != 1 {
		t.Fatalf("saves after Stop = %d, want 1", s.calls)
	}
}
