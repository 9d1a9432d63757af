// Package transport owns the single event-channel connection shared by every
// collaboration room of the process.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-logr/logr"

	"github.com/ravipandeydu/interview-pro-sub000/internal/config"
	"github.com/ravipandeydu/interview-pro-sub000/internal/credentials"
	"github.com/ravipandeydu/interview-pro-sub000/internal/logging"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

/*
CONNECTION MANAGER

One Manager per process, built by the application shell and handed to every
session. Nothing may assume exclusive ownership of it; rooms scope themselves
by room id.

  Connect ─ token ─ websocket handshake ─┬─ connected ─ read loop ─ dispatch
                    (polling fallback) ──┘        │
                                                  └─ drop ─ backoff retries (bounded)
                                                                 └─ failed ─ one manual retry

Network failures become status events. Emit returns false instead of failing,
and listener panics are recovered so one bad listener never starves the rest.
*/

// Handler receives the raw payload of a server-pushed event
type Handler func(payload json.RawMessage)

// Listener is the registration handle returned by On
type Listener struct {
	Event   string
	handler Handler
}

func NewListener(event string, h Handler) *Listener {
	return &Listener{Event: event, handler: h}
}

// Call runs the listener's handler
func (l *Listener) Call(payload json.RawMessage) {
	if l.handler != nil {
		l.handler(payload)
	}
}

type Options struct {
	SocketURL  string
	PollingURL string

	Credentials credentials.Source

	HandshakeTimeout     time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ReconnectDelayMax    time.Duration
	// ManualRetryDelay schedules one more attempt after automatic
	// reconnection gave up; zero disables it
	ManualRetryDelay time.Duration

	Logger logr.Logger
}

func OptionsFromConfig(cfg *config.Config, creds credentials.Source) Options {
	return Options{
		SocketURL:            cfg.SocketURL(),
		PollingURL:           cfg.PollingURL(),
		Credentials:          creds,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
		ReconnectDelayMax:    cfg.ReconnectDelayMax,
		ManualRetryDelay:     cfg.ManualRetryDelay,
	}
}

func (o *Options) defaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.ReconnectDelayMax < o.ReconnectDelay {
		o.ReconnectDelayMax = o.ReconnectDelay
	}
	if o.Credentials == nil {
		o.Credentials = credentials.StaticToken("")
	}
	o.Logger = logging.OrDefault(o.Logger)
}

type Manager struct {
	opts    Options
	log     logr.Logger
	dialers []dialer

	// serializes dials so concurrent Connect calls share one socket
	connectMu sync.Mutex

	mu              sync.Mutex
	status          StatusEvent
	conn            Connection
	link            link
	gen             uint64
	listeners       map[string][]*Listener
	statusListeners map[int]func(StatusEvent)
	nextStatusID    int
	retryCancel     context.CancelFunc
	manualTimer     *time.Timer
}

func NewManager(opts Options) *Manager {
	opts.defaults()
	m := &Manager{
		opts:            opts,
		log:             opts.Logger.WithName("transport"),
		status:          StatusEvent{Status: StatusIdle},
		listeners:       make(map[string][]*Listener),
		statusListeners: make(map[int]func(StatusEvent)),
	}
	if opts.SocketURL != "" {
		m.dialers = append(m.dialers, websocketDialer(opts.SocketURL))
	}
	if opts.PollingURL != "" {
		m.dialers = append(m.dialers, pollingDialer(opts.PollingURL))
	}
	return m
}

// Connect opens the channel. It returns nil at once when already connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.stopRetries()

	m.mu.Lock()
	connected := m.link != nil
	m.mu.Unlock()
	if connected {
		return nil
	}

	m.setStatus(StatusEvent{Status: StatusConnecting})
	if err := m.dial(ctx); err != nil {
		m.setStatus(StatusEvent{Status: StatusError, Err: err})
		return err
	}
	return nil
}

// Reconnect tears the channel down and connects again
func (m *Manager) Reconnect(ctx context.Context) error {
	m.Disconnect()
	return m.Connect(ctx)
}

// Disconnect closes the channel and cancels every pending reconnect
func (m *Manager) Disconnect() {
	m.stopRetries()

	m.mu.Lock()
	l := m.link
	m.link = nil
	m.gen++
	m.conn.Connected = false
	m.mu.Unlock()

	if l != nil {
		l.Close()
	}
	m.setStatus(StatusEvent{Status: StatusDisconnected, Reason: ReasonClientDisconnect})
}

// Emit sends an event; it reports false when the channel is not connected
func (m *Manager) Emit(event string, payload any) bool {
	m.mu.Lock()
	l := m.link
	m.mu.Unlock()
	if l == nil {
		m.log.V(1).Info("emit while disconnected", "event", event)
		return false
	}

	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		m.log.Error(err, "encode event", "event", event)
		return false
	}
	if err := l.Send(env); err != nil {
		m.log.V(1).Info("emit failed", "event", event, "error", err.Error())
		return false
	}
	return true
}

// On registers h for event; several listeners per event are kept in order
func (m *Manager) On(event string, h Handler) *Listener {
	l := NewListener(event, h)
	m.mu.Lock()
	m.listeners[event] = append(m.listeners[event], l)
	m.mu.Unlock()
	return l
}

func (m *Manager) Off(l *Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.listeners[l.Event]
	for i, other := range list {
		if other == l {
			m.listeners[l.Event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(m.listeners[l.Event]) == 0 {
		delete(m.listeners, l.Event)
	}
}

// ListenerCount counts listeners of event, or of every event when empty
func (m *Manager) ListenerCount(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event != "" {
		return len(m.listeners[event])
	}
	n := 0
	for _, list := range m.listeners {
		n += len(list)
	}
	return n
}

// OnConnectionStatusChange calls fn with the current status, then on every
// transition. The returned func unsubscribes.
func (m *Manager) OnConnectionStatusChange(fn func(StatusEvent)) func() {
	m.mu.Lock()
	id := m.nextStatusID
	m.nextStatusID++
	m.statusListeners[id] = fn
	current := m.status
	m.mu.Unlock()

	m.safeCall("status", func() { fn(current) })
	return func() {
		m.mu.Lock()
		delete(m.statusListeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Status
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link != nil
}

func (m *Manager) Connection() Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

func (m *Manager) setStatus(ev StatusEvent) {
	m.mu.Lock()
	m.status = ev
	if ev.Err != nil {
		m.conn.LastError = ev.Err
	}
	if ev.Status == StatusReconnecting {
		m.conn.ReconnectAttempts = ev.Attempt
	}
	ids := make([]int, 0, len(m.statusListeners))
	for id := range m.statusListeners {
		ids = append(ids, id)
	}
	listeners := make([]func(StatusEvent), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		listeners = append(listeners, m.statusListeners[id])
	}
	m.mu.Unlock()

	m.log.V(1).Info("status", "status", ev.Status, "attempt", ev.Attempt, "reason", ev.Reason)
	for _, fn := range listeners {
		fn := fn
		m.safeCall("status", func() { fn(ev) })
	}
}

func (m *Manager) dial(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.link != nil {
		m.mu.Unlock()
		return nil
	}
	gen := m.gen
	m.mu.Unlock()

	if len(m.dialers) == 0 {
		return ErrNoTransport
	}
	token, err := m.opts.Credentials.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if token == "" {
		return ErrNoCredential
	}

	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	var lastErr error
	for _, d := range m.dialers {
		l, user, err := d.dial(hctx, token)
		if err == nil {
			return m.install(l, user, gen)
		}
		if terminal(err) {
			return err
		}
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrHandshakeTimeout, m.opts.HandshakeTimeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.V(1).Info("transport unavailable, trying next", "transport", d.name, "error", err.Error())
		lastErr = err
	}
	return lastErr
}

func (m *Manager) install(l link, user models.AuthOK, gen uint64) error {
	m.mu.Lock()
	if m.gen != gen {
		// Disconnect ran while we were dialing
		m.mu.Unlock()
		l.Close()
		return ErrDisconnected
	}
	m.gen++
	gen = m.gen
	m.link = l
	m.conn = Connection{
		Connected:     true,
		LastConnected: time.Now(),
		Transport:     l.Name(),
		User:          user,
	}
	m.mu.Unlock()

	m.log.Info("connected", "transport", l.Name(), "user", user.UserID)
	go m.readLoop(l, gen)
	m.setStatus(StatusEvent{Status: StatusConnected, Transport: l.Name()})
	return nil
}

func (m *Manager) readLoop(l link, gen uint64) {
	for {
		env, err := l.Receive()
		if err != nil {
			m.handleDrop(gen, fmt.Errorf("%w: %v", ErrConnectionLost, err), ReasonTransportClose)
			return
		}
		if env.Event == models.EventDisconnect {
			reason := ReasonServerDisconnect
			var p models.DisconnectPayload
			if env.Decode(&p) == nil && p.Reason != "" {
				reason = p.Reason
			}
			m.handleDrop(gen, ErrServerDisconnect, reason)
			return
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env models.Envelope) {
	m.mu.Lock()
	listeners := append([]*Listener(nil), m.listeners[env.Event]...)
	m.mu.Unlock()

	for _, l := range listeners {
		l := l
		m.safeCall(env.Event, func() { l.Call(env.Data) })
	}
}

func (m *Manager) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(fmt.Errorf("panic: %v", r), "listener failed", "event", event)
		}
	}()
	fn()
}

func (m *Manager) handleDrop(gen uint64, err error, reason string) {
	m.mu.Lock()
	if m.gen != gen || m.link == nil {
		m.mu.Unlock()
		return
	}
	l := m.link
	m.link = nil
	m.conn.Connected = false
	m.mu.Unlock()

	l.Close()
	m.log.Info("disconnected", "reason", reason)
	m.setStatus(StatusEvent{Status: StatusDisconnected, Reason: reason, Err: err})

	if reason == ReasonServerDisconnect {
		// the server meant it; wait for the user
		return
	}
	m.startRetries()
}

func (m *Manager) startRetries() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.retryCancel != nil {
		m.retryCancel()
	}
	m.retryCancel = cancel
	m.mu.Unlock()

	go m.retryLoop(ctx)
}

func (m *Manager) stopRetries() {
	m.mu.Lock()
	if m.retryCancel != nil {
		m.retryCancel()
		m.retryCancel = nil
	}
	if m.manualTimer != nil {
		m.manualTimer.Stop()
		m.manualTimer = nil
	}
	m.mu.Unlock()
}

// PendingTimers reports scheduled reconnects, used to check teardown
func (m *Manager) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	if m.retryCancel != nil {
		n++
	}
	if m.manualTimer != nil {
		n++
	}
	return n
}

// reconnectBackoff grows from initial to max; max is never exceeded
func reconnectBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func (m *Manager) retryLoop(ctx context.Context) {
	b := reconnectBackoff(m.opts.ReconnectDelay, m.opts.ReconnectDelayMax)

	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxReconnectAttempts; attempt++ {
		m.setStatus(StatusEvent{Status: StatusReconnecting, Attempt: attempt})

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := m.dial(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			m.clearRetry(ctx)
			return
		}
		lastErr = err
		m.log.V(1).Info("reconnect failed", "attempt", attempt, "error", err.Error())
		if terminal(err) {
			m.clearRetry(ctx)
			m.setStatus(StatusEvent{Status: StatusError, Err: err})
			return
		}
	}

	m.log.Info("reconnection gave up", "attempts", m.opts.MaxReconnectAttempts)
	m.clearRetry(ctx)
	m.scheduleManualRetry()
	m.setStatus(StatusEvent{Status: StatusFailed, Attempt: m.opts.MaxReconnectAttempts, Err: lastErr})
}

// clearRetry drops the loop's cancel func unless a newer loop replaced it
func (m *Manager) clearRetry(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryCancel != nil && ctx.Err() == nil {
		m.retryCancel()
		m.retryCancel = nil
	}
}

func (m *Manager) scheduleManualRetry() {
	if m.opts.ManualRetryDelay <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(m.opts.ManualRetryDelay, func() {
		m.mu.Lock()
		if m.manualTimer != t {
			m.mu.Unlock()
			return
		}
		m.manualTimer = nil
		m.mu.Unlock()

		m.setStatus(StatusEvent{Status: StatusConnecting})
		if err := m.dial(context.Background()); err != nil {
			m.setStatus(StatusEvent{Status: StatusFailed, Err: err})
		}
	})
	m.manualTimer = t
}
