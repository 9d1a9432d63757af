package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

// link is one established transport session, already authenticated
type link interface {
	Name() string
	Send(env models.Envelope) error
	Receive() (models.Envelope, error)
	Close() error
}

type dialer struct {
	name string
	dial func(ctx context.Context, token string) (link, models.AuthOK, error)
}

const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	maxMessage = 1 << 20
)

type wsLink struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func websocketDialer(url string) dialer {
	return dialer{
		name: TransportWebSocket,
		dial: func(ctx context.Context, token string) (link, models.AuthOK, error) {
			return dialWebSocket(ctx, url, token)
		},
	}
}

func dialWebSocket(ctx context.Context, url, token string) (link, models.AuthOK, error) {
	var user models.AuthOK
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, user, ErrAuthRejected
		}
		return nil, user, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessage)
	l := &wsLink{conn: conn}

	// Learning: the token goes in the first frame, not a header, so the
	// same handshake works for every client runtime
	auth, err := models.NewEnvelope(models.EventAuth, models.AuthPayload{Token: token})
	if err != nil {
		l.Close()
		return nil, user, err
	}
	if err := l.Send(auth); err != nil {
		l.Close()
		return nil, user, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(pongWait)
	}
	conn.SetReadDeadline(deadline)
	var reply models.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		l.Close()
		if ctx.Err() != nil {
			return nil, user, ctx.Err()
		}
		return nil, user, fmt.Errorf("read handshake: %w", err)
	}

	switch reply.Event {
	case models.EventAuthOK:
		if err := reply.Decode(&user); err != nil {
			l.Close()
			return nil, user, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	case models.EventAuthError:
		var p models.AuthError
		_ = reply.Decode(&p)
		l.Close()
		return nil, user, fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
	default:
		l.Close()
		return nil, user, fmt.Errorf("%w: %s during handshake", ErrProtocol, reply.Event)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return l, user, nil
}

func (l *wsLink) Name() string {
	return TransportWebSocket
}

func (l *wsLink) Send(env models.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteJSON(env)
}

func (l *wsLink) Receive() (models.Envelope, error) {
	var env models.Envelope
	err := l.conn.ReadJSON(&env)
	return env, err
}

func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}
