package collaboration

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ravipandeydu/interview-pro-sub000/internal/auth"
	"github.com/ravipandeydu/interview-pro-sub000/internal/middleware"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Browsers cannot set headers on the upgrade request, so the credential
arrives as the "token" query parameter and is checked before upgrading.
A rejected credential is a plain 401/403 the client can tell apart from a
network failure.
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler serves /yjs/{room}
type WebSocketHandler struct {
	sessionManager *SessionManager
	verifier       *auth.Verifier
}

func NewWebSocketHandler(sessionManager *SessionManager, verifier *auth.Verifier) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
		verifier:       verifier,
	}
}

// HandleRoomConnection upgrades one provider connection to a room
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	room := mux.Vars(r)["room"]
	if room == "" {
		http.Error(w, "room required", http.StatusBadRequest)
		return
	}

	claims, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if err := claims.CanJoin(room); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	ctx, span := middleware.StartSpan(ctx, "CRDT.Connect",
		attribute.String("room", room),
		attribute.String("user.id", claims.UserID()),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.sessionManager.log.Error(err, "failed to upgrade sync websocket")
		middleware.AddSpanError(ctx, err)
		return
	}

	session := newSession(models.NewSession(room, claims.UserID(), claims.Name, claims.Role), conn, h.sessionManager)
	if err := h.sessionManager.Register(session); err != nil {
		middleware.AddSpanError(ctx, err)
		h.sessionManager.log.Error(err, "register sync session", "room", room)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	// pumps outlive the request
	pumpCtx := context.WithoutCancel(ctx)
	go session.WritePump(pumpCtx)
	go session.ReadPump(pumpCtx)

	if err := session.SendInitialState(); err != nil {
		h.sessionManager.log.Error(err, "send initial state", "session", session.ID)
	}

	h.sessionManager.log.Info("✓ sync connection established", "room", room, "user", claims.Name)
}
