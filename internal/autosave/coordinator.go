// Package autosave decides when the content of a collaborative document is
// sent to the server for persistence.
package autosave

import (
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/ravipandeydu/interview-pro-sub000/internal/logging"
	"github.com/ravipandeydu/interview-pro-sub000/internal/notify"
)

/*
AUTO-SAVE

Two timers can trigger a save:

  edit ─▶ debounce (Interval after the last edit) ─┐
  interval tick (every Interval, if unsaved) ──────┴─▶ SaveNow ─▶ emit save
                                                                   │
                     saved ack ◀──────────── server ◀──────────────┘

At most one save is in flight. A trigger that fires while a save is pending
does nothing; the edit stays marked unsaved and the next trigger after the
ack picks it up. A save that is never acknowledged is dropped after
AckTimeout so the next tick can try again.
*/

var (
	ErrNotConnected = errors.New("autosave: not connected")
	ErrAckTimeout   = errors.New("autosave: save not acknowledged")
)

const (
	DefaultInterval   = 5 * time.Second
	DefaultAckTimeout = 10 * time.Second
)

// Timer is a scheduled callback
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks; tests substitute a manual clock
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock is the wall clock
var RealClock Clock = realClock{}

// State is what the UI renders about saving
type State struct {
	Saving    bool
	Dirty     bool
	LastSaved time.Time
	Err       error
}

type Options struct {
	Interval   time.Duration
	AckTimeout time.Duration
	Clock      Clock
	Notifier   notify.Notifier
	Logger     logr.Logger
	// OnChange receives the state after every transition
	OnChange func(State)
}

// Coordinator runs the debounce and interval timers of one document.
// save emits the save event and reports false when the channel is down.
type Coordinator struct {
	opts Options
	save func() bool
	log  logr.Logger

	mu       sync.Mutex
	state    State
	started  bool
	stopped  bool
	debounce Timer
	interval Timer
	ackTimer Timer
	attempt  uint64
	edits    uint64
}

func New(save func() bool, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	return &Coordinator{
		opts: opts,
		save: save,
		log:  logging.OrDefault(opts.Logger).WithName("autosave"),
	}
}

// Start arms the interval timer
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	c.armIntervalLocked()
}

func (c *Coordinator) armIntervalLocked() {
	c.interval = c.opts.Clock.AfterFunc(c.opts.Interval, c.tick)
}

// Touch records a local change and restarts the debounce timer
func (c *Coordinator) Touch() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.state.Dirty = true
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.edits++
	edit := c.edits
	c.debounce = c.opts.Clock.AfterFunc(c.opts.Interval, func() { c.debounced(edit) })
	state := c.state
	c.mu.Unlock()
	c.changed(state)
}

func (c *Coordinator) debounced(edit uint64) {
	c.mu.Lock()
	if c.edits != edit {
		// superseded by a later edit
		c.mu.Unlock()
		return
	}
	c.debounce = nil
	c.mu.Unlock()
	c.SaveNow()
}

func (c *Coordinator) tick() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	dirty := c.state.Dirty
	c.armIntervalLocked()
	c.mu.Unlock()

	if dirty {
		c.SaveNow()
	}
}

// SaveNow emits a save unless one is already in flight. It reports whether
// a save was emitted.
func (c *Coordinator) SaveNow() bool {
	c.mu.Lock()
	if c.stopped || c.state.Saving {
		c.mu.Unlock()
		return false
	}
	c.state.Saving = true
	c.attempt++
	attempt := c.attempt
	wasDirty := c.state.Dirty
	c.state.Dirty = false
	c.mu.Unlock()

	if !c.save() {
		c.mu.Lock()
		repeated := c.state.Err == ErrNotConnected
		c.state.Saving = false
		c.state.Dirty = c.state.Dirty || wasDirty
		c.state.Err = ErrNotConnected
		state := c.state
		c.mu.Unlock()

		c.log.V(1).Info("save not sent, channel offline")
		if !repeated {
			// one notice per outage
			c.opts.Notifier.Notify(notify.Notification{
				Level:   notify.LevelWarning,
				Title:   "Not saved",
				Message: "Changes could not be saved while offline. They will be saved on the next attempt.",
			})
		}
		c.changed(state)
		return false
	}

	c.mu.Lock()
	if c.stopped || !c.state.Saving || c.attempt != attempt {
		// stopped, or acknowledged before we got here
		c.mu.Unlock()
		return true
	}
	c.ackTimer = c.opts.Clock.AfterFunc(c.opts.AckTimeout, func() { c.ackExpired(attempt) })
	state := c.state
	c.mu.Unlock()
	c.changed(state)
	return true
}

func (c *Coordinator) ackExpired(attempt uint64) {
	c.mu.Lock()
	if c.stopped || !c.state.Saving || c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	c.ackTimer = nil
	c.state.Saving = false
	c.state.Dirty = true
	c.state.Err = ErrAckTimeout
	state := c.state
	c.mu.Unlock()

	c.log.Info("save not acknowledged", "timeout", c.opts.AckTimeout)
	c.changed(state)
}

// Ack marks the pending save as persisted
func (c *Coordinator) Ack() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
	c.state.Saving = false
	c.state.Err = nil
	c.state.LastSaved = c.opts.Clock.Now()
	state := c.state
	c.mu.Unlock()
	c.changed(state)
}

// Fail marks the pending save as rejected by the server
func (c *Coordinator) Fail(err error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
	c.state.Saving = false
	c.state.Dirty = true
	c.state.Err = err
	state := c.state
	c.mu.Unlock()
	c.changed(state)
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingTimers counts armed timers
func (c *Coordinator) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range []Timer{c.debounce, c.interval, c.ackTimer} {
		if t != nil {
			n++
		}
	}
	return n
}

// Stop cancels every timer; the coordinator cannot be restarted
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for _, t := range []Timer{c.debounce, c.interval, c.ackTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.debounce, c.interval, c.ackTimer = nil, nil, nil
}

func (c *Coordinator) changed(state State) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(state)
	}
}
