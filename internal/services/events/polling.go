package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
	"github.com/ravipandeydu/interview-pro-sub000/internal/transport"
)

const (
	pollWait    = 25 * time.Second
	pollIdle    = 60 * time.Second
	pollBatch   = 64
	reapPeriod  = 15 * time.Second
	maxPollBody = 1 << 20
)

// Polling serves the long-polling fallback of /socket/polling. Sessions
// outlive their hub registration until the client has read the final
// frames, so a kicked client still receives its disconnect notice.
type Polling struct {
	hub *Hub

	mu       sync.Mutex
	sessions map[string]*Client

	stop chan struct{}
	once sync.Once
}

func NewPolling(hub *Hub) *Polling {
	return &Polling{
		hub:      hub,
		sessions: make(map[string]*Client),
		stop:     make(chan struct{}),
	}
}

// Start reaps sessions whose client stopped polling
func (p *Polling) Start() {
	go func() {
		ticker := time.NewTicker(reapPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.reap(time.Now().Add(-pollIdle))
			}
		}
	}()
}

func (p *Polling) Stop() {
	p.once.Do(func() { close(p.stop) })
}

func (p *Polling) reap(before time.Time) {
	p.mu.Lock()
	var idle []*Client
	for sid, c := range p.sessions {
		if c.idleSince().Before(before) {
			idle = append(idle, c)
			delete(p.sessions, sid)
		}
	}
	p.mu.Unlock()
	for _, c := range idle {
		p.hub.log.Info("polling session expired", "client", c.ID)
		p.hub.disconnect(c)
	}
}

// HandleOpen authenticates and creates a session (POST /socket/polling/open)
func (p *Polling) HandleOpen(w http.ResponseWriter, r *http.Request) {
	var body models.AuthPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPollBody)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, models.AuthError{Message: "invalid body"})
		return
	}
	claims, user, err := p.hub.Authenticate(body.Token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, models.AuthError{Message: "invalid token"})
		return
	}
	c := newClient(claims, user, "polling", p.hub.log)
	if err := p.hub.register(c); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, models.AuthError{Message: err.Error()})
		return
	}
	p.mu.Lock()
	p.sessions[c.ID] = c
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, transport.PollOpenResponse{SID: c.ID, AuthOK: user})
}

// HandleSession serves GET (poll), POST (send) and DELETE (close) of /socket/polling?sid=
func (p *Polling) HandleSession(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	p.mu.Lock()
	c := p.sessions[sid]
	p.mu.Unlock()
	if c == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	c.touch()

	switch r.Method {
	case http.MethodGet:
		p.poll(w, r, c)
	case http.MethodPost:
		var batch []models.Envelope
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPollBody)).Decode(&batch); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		select {
		case <-c.Done():
			http.Error(w, "session closed", http.StatusGone)
			return
		default:
		}
		ctx := context.WithoutCancel(r.Context())
		for _, env := range batch {
			p.hub.Dispatch(ctx, c, env)
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		p.remove(c)
		p.hub.disconnect(c)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// poll holds the request until there is something to deliver. An empty
// array tells the client to poll again.
func (p *Polling) poll(w http.ResponseWriter, r *http.Request, c *Client) {
	timer := time.NewTimer(pollWait)
	defer timer.Stop()

	var batch []models.Envelope
	select {
	case env := <-c.out:
		batch = append([]models.Envelope{env}, c.drain(pollBatch-1)...)
	case <-c.Done():
		batch = c.drain(pollBatch)
		if len(batch) == 0 {
			p.remove(c)
			http.Error(w, "session closed", http.StatusGone)
			return
		}
	case <-timer.C:
	case <-r.Context().Done():
		return
	}
	c.touch()
	if batch == nil {
		batch = []models.Envelope{}
	}
	writeJSON(w, http.StatusOK, batch)
}

func (p *Polling) remove(c *Client) {
	p.mu.Lock()
	delete(p.sessions, c.ID)
	p.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
