package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ravipandeydu/interview-pro-sub000/internal/auth"
	"github.com/ravipandeydu/interview-pro-sub000/internal/middleware"
)

// Realtime are the connection endpoints of both collaboration channels
type Realtime struct {
	Sync        http.HandlerFunc // /yjs/{room}
	Socket      http.HandlerFunc // /socket
	PollingOpen http.HandlerFunc // /socket/polling/open
	Polling     http.HandlerFunc // /socket/polling
}

func SetupRoutes(h *Handler, rt Realtime, verifier *auth.Verifier) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	// Authenticated endpoints
	secured := api.NewRoute().Subrouter()
	secured.Use(middleware.BearerAuth(verifier))
	secured.HandleFunc("/checkpoints/{kind}/{id}", h.GetCheckpoint).Methods(http.MethodGet)
	secured.HandleFunc("/rooms/{kind}/{id}/participants", h.GetMembers).Methods(http.MethodGet)
	secured.HandleFunc("/users/{id}/disconnect", h.DisconnectUser).Methods(http.MethodPost)

	// Realtime routes authenticate on their own: query token or first frame
	r.HandleFunc("/yjs/{room}", rt.Sync)
	r.HandleFunc("/socket", rt.Socket)
	r.HandleFunc("/socket/polling/open", rt.PollingOpen).Methods(http.MethodPost)
	r.HandleFunc("/socket/polling", rt.Polling).Methods(http.MethodGet, http.MethodPost, http.MethodDelete)

	return r
}
