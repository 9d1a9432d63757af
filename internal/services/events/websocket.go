package events

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	handshakeTimeout = 10 * time.Second
	maxMessage       = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWebSocket handles /socket. The credential arrives in the first frame.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "failed to upgrade event websocket")
		return
	}
	conn.SetReadLimit(maxMessage)

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var first models.Envelope
	if err := conn.ReadJSON(&first); err != nil {
		h.log.V(1).Info("handshake not completed", "error", err.Error())
		conn.Close()
		return
	}
	var p models.AuthPayload
	if first.Event != models.EventAuth || first.Decode(&p) != nil {
		rejectWebSocket(conn, "expected auth")
		return
	}
	claims, user, err := h.Authenticate(p.Token)
	if err != nil {
		rejectWebSocket(conn, "invalid token")
		return
	}

	c := newClient(claims, user, "websocket", h.log)
	if err := h.register(c); err != nil {
		rejectWebSocket(conn, err.Error())
		return
	}
	ok, _ := models.NewEnvelope(models.EventAuthOK, user)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ok); err != nil {
		h.disconnect(c)
		conn.Close()
		return
	}

	// pumps outlive the request
	ctx := context.WithoutCancel(r.Context())
	go h.writePump(c, conn)
	h.readPump(ctx, c, conn)
}

func rejectWebSocket(conn *websocket.Conn, msg string) {
	env, _ := models.NewEnvelope(models.EventAuthError, models.AuthError{Message: msg})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteJSON(env)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg),
		time.Now().Add(writeWait))
	conn.Close()
}

func (h *Hub) readPump(ctx context.Context, c *Client, conn *websocket.Conn) {
	defer h.disconnect(c)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Error(err, "event websocket error", "client", c.ID)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.Dispatch(ctx, c, env)
	}
}

// writePump owns every write after the handshake. When the client is
// closed it flushes what is queued, so a disconnect notice still goes out.
func (h *Hub) writePump(c *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	write := func(env models.Envelope) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(env) == nil
	}

	for {
		select {
		case env := <-c.out:
			if !write(env) {
				c.close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			for _, env := range c.drain(sendBuffer) {
				if !write(env) {
					return
				}
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
