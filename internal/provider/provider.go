// Package provider synchronizes one CRDT document with its room over a
// dedicated websocket, separate from the event channel.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/ravipandeydu/interview-pro-sub000/internal/awareness"
	"github.com/ravipandeydu/interview-pro-sub000/internal/config"
	"github.com/ravipandeydu/interview-pro-sub000/internal/crdt"
	"github.com/ravipandeydu/interview-pro-sub000/internal/logging"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

/*
CRDT PROVIDER

  Open ─ dial /yjs/<room>?token= ─ step 1 ─▶ server
                                  ◀─ step 2 (synced) + server step 1 ─ reply step 2
  local doc update ─▶ update frame        remote update frame ─▶ doc.ApplyUpdate
  awareness change ─▶ awareness frame     awareness frame ─▶ awareness.ApplyUpdate

The provider retries a dropped connection itself, at most MaxRetries times in
a row, then reports ErrRetriesExhausted through OnConnectionError and stops.
Open may be called again after that. It never retries a rejected credential.
*/

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusClosed       Status = "closed"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	sendBuffer   = 256
	maxFrameSize = 4 << 20
)

type Options struct {
	// URL builds the endpoint of a room; the token is part of the URL
	URL func(room, token string) string

	MaxRetries    int
	RetryDelay    time.Duration
	RetryDelayMax time.Duration
	// AwarenessCheck is the period of the outdated-state sweep
	AwarenessCheck time.Duration

	OnStatus          func(Status)
	OnSynced          func()
	OnConnectionError func(error)

	Logger logr.Logger
}

// OptionsFromConfig derives the endpoint and retry policy from cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:           cfg.ProviderURL,
		MaxRetries:    cfg.ProviderMaxRetries,
		RetryDelay:    cfg.ReconnectDelay,
		RetryDelayMax: cfg.ReconnectDelayMax,
	}
}

func (o *Options) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.RetryDelayMax < o.RetryDelay {
		o.RetryDelayMax = 5 * o.RetryDelay
	}
	if o.AwarenessCheck <= 0 {
		o.AwarenessCheck = awareness.OutdatedTimeout / 10
	}
	o.Logger = logging.OrDefault(o.Logger)
}

type Provider struct {
	opts      Options
	log       logr.Logger
	doc       *crdt.Doc
	awareness *awareness.Awareness

	offUpdate    func()
	offAwareness func()

	mu       sync.Mutex
	room     string
	status   Status
	synced   bool
	closed   bool
	running  bool
	out      chan []byte
	cancel   context.CancelFunc
	done     chan struct{}
	syncedCh chan struct{}
	lastErr  error

	// every goroutine started by Open
	loops     sync.WaitGroup
	liveLoops atomic.Int32
	closeOnce sync.Once
}

// New binds a provider to doc. Nothing is dialed before Open.
func New(doc *crdt.Doc, opts Options) *Provider {
	opts.defaults()
	p := &Provider{
		opts:      opts,
		log:       opts.Logger.WithName("provider"),
		doc:       doc,
		awareness: awareness.New(doc.ClientID()),
		status:    StatusIdle,
		syncedCh:  make(chan struct{}),
	}

	p.offUpdate = doc.OnUpdate(func(update []byte, origin any) {
		if origin == p {
			return
		}
		p.send(crdt.UpdateMessage(update))
	})
	p.offAwareness = p.awareness.OnUpdate(func(change awareness.Change, origin any) {
		if origin == p {
			return
		}
		data, err := p.awareness.EncodeUpdate(change.All())
		if err != nil {
			p.log.Error(err, "encode awareness")
			return
		}
		p.send(crdt.EncodeMessage(models.MessageTypeAwareness, data))
	})
	return p
}

func (p *Provider) Doc() *crdt.Doc {
	return p.doc
}

func (p *Provider) Awareness() *awareness.Awareness {
	return p.awareness
}

func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Provider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

func (p *Provider) Room() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room
}

// LastError is the error that stopped the provider, if any
func (p *Provider) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Open starts synchronizing with room. It returns at once; progress is
// reported through the status callbacks.
func (p *Provider) Open(room, token string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyOpen
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.room = room
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.lastErr = nil
	done := p.done
	p.mu.Unlock()

	p.loops.Add(2)
	p.liveLoops.Add(2)
	go func() {
		defer p.loopDone()
		p.checkAwareness(ctx)
	}()
	go func() {
		defer p.loopDone()
		p.run(ctx, cancel, room, token, done)
	}()
	return nil
}

func (p *Provider) loopDone() {
	p.liveLoops.Add(-1)
	p.loops.Done()
}

// WaitSynced blocks until the first sync with the server completed
func (p *Provider) WaitSynced(ctx context.Context) error {
	select {
	case <-p.syncedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, publishes the removal of the local awareness state and
// releases the document handlers. It is safe to call more than once.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		// queued before the socket goes away
		p.awareness.SetLocalState(nil)

		p.mu.Lock()
		p.closed = true
		cancel, done := p.cancel, p.done
		p.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		p.loops.Wait()
		p.offUpdate()
		p.offAwareness()
		p.awareness.Destroy()
		p.doc.Destroy()
		p.setStatus(StatusClosed)
	})
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s || (p.closed && s != StatusClosed) {
		p.mu.Unlock()
		return
	}
	p.status = s
	p.mu.Unlock()

	p.log.V(1).Info("status", "room", p.Room(), "status", s)
	if p.opts.OnStatus != nil {
		p.opts.OnStatus(s)
	}
}

func (p *Provider) fail(err error) {
	p.mu.Lock()
	p.lastErr = err
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	p.log.Error(err, "sync stopped", "room", p.Room())
	p.setStatus(StatusError)
	if p.opts.OnConnectionError != nil {
		p.opts.OnConnectionError(err)
	}
}

// retryBackoff never waits longer than max between attempts
func retryBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// run owns ctx: when it gives up, cancel stops the awareness loop of the
// same Open
func (p *Provider) run(ctx context.Context, cancel context.CancelFunc, room, token string, done chan struct{}) {
	defer func() {
		cancel()
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(done)
	}()

	b := retryBackoff(p.opts.RetryDelay, p.opts.RetryDelayMax)

	failures := 0
	for {
		p.setStatus(StatusConnecting)
		conn, err := p.dial(ctx, room, token)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
			b.Reset()
			err = p.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			p.setStatus(StatusDisconnected)
		}

		if errors.Is(err, ErrUnauthorized) {
			p.fail(err)
			return
		}
		failures++
		if failures > p.opts.MaxRetries {
			p.fail(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, failures, err))
			return
		}
		p.log.V(1).Info("sync connection lost, retrying", "room", room, "attempt", failures, "error", err.Error())

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Provider) dial(ctx context.Context, room, token string) (*websocket.Conn, error) {
	if p.opts.URL == nil {
		return nil, errors.New("provider: no URL configured")
	}
	url := p.opts.URL(room, token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial sync server: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// serve runs one connection until it drops or ctx is cancelled
func (p *Provider) serve(ctx context.Context, conn *websocket.Conn) error {
	out := make(chan []byte, sendBuffer)
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopWriter := func() { stopOnce.Do(func() { close(stop) }) }
	writerDone := make(chan struct{})

	p.mu.Lock()
	p.out = out
	p.mu.Unlock()
	p.setStatus(StatusConnected)

	go p.writePump(conn, out, stop, writerDone)

	readDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stopWriter()
		case <-readDone:
		}
	}()

	p.send(crdt.SyncStep1(p.doc))
	if p.awareness.LocalState() != nil {
		if data, err := p.awareness.EncodeUpdate([]uint64{p.doc.ClientID()}); err == nil {
			p.send(crdt.EncodeMessage(models.MessageTypeAwareness, data))
		}
	}

	err := p.readPump(conn)
	close(readDone)

	p.mu.Lock()
	p.out = nil
	p.synced = false
	p.mu.Unlock()
	stopWriter()
	<-writerDone

	// peers we can no longer hear from
	var remote []uint64
	for id := range p.awareness.States() {
		if id != p.doc.ClientID() {
			remote = append(remote, id)
		}
	}
	p.awareness.RemoveStates(remote, p)
	return err
}

func (p *Provider) readPump(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := p.handle(msg); err != nil {
			p.log.Error(err, "bad sync frame", "room", p.Room())
		}
	}
}

func (p *Provider) handle(msg []byte) error {
	t, payload, err := crdt.DecodeMessage(msg)
	if err != nil {
		return err
	}
	switch t {
	case models.MessageTypeSync:
		reply, err := crdt.SyncStep2(p.doc, payload)
		if err != nil {
			return err
		}
		p.send(reply)
	case models.MessageTypeSyncUpdate:
		if err := p.doc.ApplyUpdate(payload, p); err != nil {
			return err
		}
		p.markSynced()
	case models.MessageTypeAwareness:
		return p.awareness.ApplyUpdate(payload, p)
	case models.MessageTypeQueryAwareness:
		data, err := p.awareness.EncodeFullState()
		if err != nil {
			return err
		}
		p.send(crdt.EncodeMessage(models.MessageTypeAwareness, data))
	}
	return nil
}

func (p *Provider) markSynced() {
	p.mu.Lock()
	if p.synced {
		p.mu.Unlock()
		return
	}
	p.synced = true
	first := false
	select {
	case <-p.syncedCh:
	default:
		close(p.syncedCh)
		first = true
	}
	p.mu.Unlock()

	p.log.V(1).Info("synced", "room", p.Room(), "first", first)
	if p.opts.OnSynced != nil {
		p.opts.OnSynced()
	}
}

// send queues a frame; frames produced while offline are dropped and
// recovered by the next sync handshake
func (p *Provider) send(msg []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil {
		return
	}
	select {
	case p.out <- msg:
	default:
		p.log.Info("send buffer full, dropping frame", "room", p.room)
	}
}

// writePump is the only writer of conn
func (p *Provider) writePump(conn *websocket.Conn, out chan []byte, stop, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		close(done)
	}()

	write := func(msg []byte) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.BinaryMessage, msg)
	}

	for {
		select {
		case msg := <-out:
			if err := write(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			// flush what is queued, e.g. the awareness removal on Close
			for {
				select {
				case msg := <-out:
					if write(msg) != nil {
						return
					}
				default:
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

func (p *Provider) checkAwareness(ctx context.Context) {
	ticker := time.NewTicker(p.opts.AwarenessCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.awareness.CheckOutdated()
		}
	}
}
