package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

/*
LONG-POLLING FALLBACK

Used when the websocket upgrade is blocked (proxies, corporate networks).

  POST   <base>/open      {"token"}  → {"sid", "userId", "userName", "role"}
  GET    <base>?sid=…                → [envelope, …] (held open until data or timeout)
  POST   <base>?sid=…     [envelope]
  DELETE <base>?sid=…
*/

// PollOpenResponse is the answer to a successful open request
type PollOpenResponse struct {
	SID string `json:"sid"`
	models.AuthOK
}

type pollingLink struct {
	client *http.Client
	base   string
	sid    string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   []models.Envelope
	closeOnce sync.Once
}

func pollingDialer(base string) dialer {
	return dialer{
		name: TransportPolling,
		dial: func(ctx context.Context, token string) (link, models.AuthOK, error) {
			return dialPolling(ctx, base, token)
		},
	}
}

func dialPolling(ctx context.Context, base, token string) (link, models.AuthOK, error) {
	var user models.AuthOK
	body, err := json.Marshal(models.AuthPayload{Token: token})
	if err != nil {
		return nil, user, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/open", bytes.NewReader(body))
	if err != nil {
		return nil, user, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return nil, user, fmt.Errorf("open polling session: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		var p models.AuthError
		_ = json.NewDecoder(resp.Body).Decode(&p)
		return nil, user, fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
	default:
		return nil, user, fmt.Errorf("open polling session: status %d", resp.StatusCode)
	}

	var open PollOpenResponse
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil || open.SID == "" {
		return nil, user, fmt.Errorf("%w: bad open response", ErrProtocol)
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &pollingLink{
		client: client,
		base:   base,
		sid:    open.SID,
		ctx:    lctx,
		cancel: cancel,
	}
	return l, open.AuthOK, nil
}

func (l *pollingLink) Name() string {
	return TransportPolling
}

func (l *pollingLink) sessionURL() string {
	return l.base + "?sid=" + url.QueryEscape(l.sid)
}

func (l *pollingLink) Send(env models.Envelope) error {
	body, err := json.Marshal([]models.Envelope{env})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(l.ctx, writeWait)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.sessionURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send: status %d", resp.StatusCode)
	}
	return nil
}

// Receive long-polls until at least one envelope is available
func (l *pollingLink) Receive() (models.Envelope, error) {
	for {
		l.mu.Lock()
		if len(l.pending) > 0 {
			env := l.pending[0]
			l.pending = l.pending[1:]
			l.mu.Unlock()
			return env, nil
		}
		l.mu.Unlock()

		batch, err := l.poll()
		if err != nil {
			return models.Envelope{}, err
		}
		l.mu.Lock()
		l.pending = append(l.pending, batch...)
		l.mu.Unlock()
	}
}

func (l *pollingLink) poll() ([]models.Envelope, error) {
	req, err := http.NewRequestWithContext(l.ctx, http.MethodGet, l.sessionURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: status %d", resp.StatusCode)
	}
	var batch []models.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return batch, nil
}

func (l *pollingLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		req, rerr := http.NewRequestWithContext(ctx, http.MethodDelete, l.sessionURL(), nil)
		if rerr != nil {
			err = rerr
			return
		}
		resp, rerr := l.client.Do(req)
		if rerr != nil {
			err = rerr
			return
		}
		resp.Body.Close()
	})
	return err
}
