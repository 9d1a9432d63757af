package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ravipandeydu/interview-pro-sub000/internal/auth"
	"github.com/ravipandeydu/interview-pro-sub000/internal/middleware"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
	"github.com/ravipandeydu/interview-pro-sub000/internal/repository"
)

// Handler handles the REST side of the collaboration backend
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	checkpoints CheckpointReader
	saves       SaveQueue
	sessions    Sessions
}

func NewHandler(checkpoints CheckpointReader, saves SaveQueue, sessions Sessions) *Handler {
	return &Handler{
		checkpoints: checkpoints,
		saves:       saves,
		sessions:    sessions,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"clients":   h.sessions.ClientCount(),
		"saveQueue": h.saves.QueueLength(),
	})
}

// roomFromPath resolves {kind}/{id} and checks the caller may see that room
func roomFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	vars := mux.Vars(r)
	domain := models.Domain(vars["kind"])
	if !domain.Valid() {
		http.Error(w, "unknown document kind", http.StatusNotFound)
		return "", false
	}
	room := domain.RoomID(vars["id"])

	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	if err := claims.CanJoin(room); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return "", false
	}
	return room, true
}

// GetCheckpoint returns the latest saved content of a document, used to
// hydrate an editor before it joins the room
func (h *Handler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	room, ok := roomFromPath(w, r)
	if !ok {
		return
	}
	cp, err := h.checkpoints.Latest(r.Context(), room)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "no checkpoint", http.StatusNotFound)
		return
	}
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// GetMembers lists who is in a room on this instance
func (h *Handler) GetMembers(w http.ResponseWriter, r *http.Request) {
	room, ok := roomFromPath(w, r)
	if !ok {
		return
	}
	members := h.sessions.Members(room)
	if members == nil {
		members = []models.ParticipantSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roomId": room, "participants": members})
}

// DisconnectUser closes every event-channel connection of a user. Clients
// see a server-initiated disconnect and do not reconnect on their own.
func (h *Handler) DisconnectUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok || claims.Role == auth.RoleCandidate {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	n := h.sessions.Kick(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, map[string]int{"disconnected": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
