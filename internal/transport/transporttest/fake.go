// Package transporttest provides an in-memory connection manager for tests
// of the components built on top of the event channel.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
	"github.com/ravipandeydu/interview-pro-sub000/internal/transport"
)

// Fake records emitted events and lets tests push server events
type Fake struct {
	mu              sync.Mutex
	connected       bool
	connectErr      error
	emitted         []models.Envelope
	listeners       map[string][]*transport.Listener
	statusListeners map[int]func(transport.StatusEvent)
	nextStatus      int
	status          transport.StatusEvent
	reconnects      int
}

func New(connected bool) *Fake {
	f := &Fake{
		connected:       connected,
		listeners:       make(map[string][]*transport.Listener),
		statusListeners: make(map[int]func(transport.StatusEvent)),
		status:          transport.StatusEvent{Status: transport.StatusIdle},
	}
	if connected {
		f.status = transport.StatusEvent{Status: transport.StatusConnected}
	}
	return f
}

func (f *Fake) Emit(event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return false
	}
	f.emitted = append(f.emitted, env)
	return true
}

func (f *Fake) On(event string, h transport.Handler) *transport.Listener {
	l := transport.NewListener(event, h)
	f.mu.Lock()
	f.listeners[event] = append(f.listeners[event], l)
	f.mu.Unlock()
	return l
}

func (f *Fake) Off(l *transport.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.listeners[l.Event]
	for i, other := range list {
		if other == l {
			f.listeners[l.Event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(f.listeners[l.Event]) == 0 {
		delete(f.listeners, l.Event)
	}
}

// Connect marks the fake connected unless FailConnect was called
func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.SetConnected(true)
	return nil
}

// Reconnect counts the call, then connects as Connect does
func (f *Fake) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
	return f.Connect(ctx)
}

func (f *Fake) Reconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) FailConnect(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *Fake) OnConnectionStatusChange(fn func(transport.StatusEvent)) func() {
	f.mu.Lock()
	id := f.nextStatus
	f.nextStatus++
	f.statusListeners[id] = fn
	current := f.status
	f.mu.Unlock()

	fn(current)
	return func() {
		f.mu.Lock()
		delete(f.statusListeners, id)
		f.mu.Unlock()
	}
}

// SetConnected flips the connection and publishes the status transition
func (f *Fake) SetConnected(connected bool) {
	ev := transport.StatusEvent{Status: transport.StatusConnected}
	if !connected {
		ev = transport.StatusEvent{Status: transport.StatusDisconnected, Reason: transport.ReasonTransportClose}
	}
	f.SetStatus(ev)
	f.mu.Lock()
	f.connected = connected
	f.mu.Unlock()
	f.publish(ev)
}

// SetStatus records a status without publishing it
func (f *Fake) SetStatus(ev transport.StatusEvent) {
	f.mu.Lock()
	f.status = ev
	f.mu.Unlock()
}

// Publish sends a status event to subscribers
func (f *Fake) Publish(ev transport.StatusEvent) {
	f.SetStatus(ev)
	f.publish(ev)
}

func (f *Fake) publish(ev transport.StatusEvent) {
	f.mu.Lock()
	subs := make([]func(transport.StatusEvent), 0, len(f.statusListeners))
	for _, fn := range f.statusListeners {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Deliver runs every listener of event with payload, as a server push would
func (f *Fake) Deliver(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	listeners := append([]*transport.Listener(nil), f.listeners[event]...)
	f.mu.Unlock()
	for _, l := range listeners {
		l.Call(data)
	}
}

// Emitted returns the envelopes sent for event, or every envelope when empty
func (f *Fake) Emitted(event string) []models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Envelope
	for _, env := range f.emitted {
		if event == "" || env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// ListenerCount counts listeners of event, or of every event when empty
func (f *Fake) ListenerCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event != "" {
		return len(f.listeners[event])
	}
	n := 0
	for _, list := range f.listeners {
		n += len(list)
	}
	return n
}

// StatusListenerCount counts status subscriptions
func (f *Fake) StatusListenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statusListeners)
}
