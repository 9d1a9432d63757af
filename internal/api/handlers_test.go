package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ravipandeydu/interview-pro-sub000/internal/auth"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
	"github.com/ravipandeydu/interview-pro-sub000/internal/repository"
)

type fakeSessions struct {
	kicked []string
}

func (f *fakeSessions) Kick(userID string) int {
	f.kicked = append(f.kicked, userID)
	return 1
}

func (f *fakeSessions) Members(room string) []models.ParticipantSummary { return nil }

func (f *fakeSessions) ClientCount() int { return 0 }

type fakeQueue struct{}

func (fakeQueue) QueueLength() int { return 0 }

func notFound(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) }

func newTestRouter(t *testing.T) (http.Handler, *auth.Verifier, *repository.MemoryCheckpoints, *fakeSessions) {
	t.Helper()
	verifier := auth.NewVerifier("test-secret", time.Hour)
	checkpoints := repository.NewMemoryCheckpoints()
	sessions := &fakeSessions{}
	rt := Realtime{Sync: notFound, Socket: notFound, PollingOpen: notFound, Polling: notFound}
	return SetupRoutes(NewHandler(checkpoints, fakeQueue{}, sessions), rt, verifier), verifier, checkpoints, sessions
}

func request(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func issue(t *testing.T, v *auth.Verifier, user, role, interviewID string) string {
	t.Helper()
	tok, err := v.Issue(user, user, role, interviewID)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return tok
}

func TestHealth(t *testing.T) {
	h, _, _, _ := newTestRouter(t)
	if rec := request(t, h, http.MethodGet, "/api/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET /api/health = %d", rec.Code)
	}
}

func TestGetCheckpoint(t *testing.T) {
	h, v, checkpoints, _ := newTestRouter(t)
	checkpoints.Save(context.Background(), &models.SaveCheckpoint{
		RoomID: "code-i1", Domain: models.DomainCode, DocumentID: "i1",
		Content: "print(1)", Language: "python", SavedAt: time.Now(),
	})

	if rec := request(t, h, http.MethodGet, "/api/checkpoints/code/i1", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("without token = %d, want 401", rec.Code)
	}

	rec := request(t, h, http.MethodGet, "/api/checkpoints/code/i1", issue(t, v, "c1", auth.RoleCandidate, "i1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET checkpoint = %d: %s", rec.Code, rec.Body.String())
	}
	var cp models.SaveCheckpoint
	if err := json.NewDecoder(rec.Body).Decode(&cp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cp.Content != "print(1)" || cp.Language != "python" {
		t.Fatalf("checkpoint = %+v", cp)
	}

	other := issue(t, v, "c2", auth.RoleCandidate, "i2")
	if rec := request(t, h, http.MethodGet, "/api/checkpoints/code/i1", other); rec.Code != http.StatusForbidden {
		t.Fatalf("other candidate = %d, want 403", rec.Code)
	}
	interviewer := issue(t, v, "u1", "interviewer", "")
	if rec := request(t, h, http.MethodGet, "/api/checkpoints/note/missing", interviewer); rec.Code != http.StatusNotFound {
		t.Fatalf("missing checkpoint = %d, want 404", rec.Code)
	}
	if rec := request(t, h, http.MethodGet, "/api/checkpoints/video/i1", interviewer); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown kind = %d, want 404", rec.Code)
	}
}

func TestDisconnectUserNeedsStaff(t *testing.T) {
	h, v, _, sessions := newTestRouter(t)

	candidate := issue(t, v, "c1", auth.RoleCandidate, "i1")
	if rec := request(t, h, http.MethodPost, "/api/users/u9/disconnect", candidate); rec.Code != http.StatusForbidden {
		t.Fatalf("candidate = %d, want 403", rec.Code)
	}
	interviewer := issue(t, v, "u1", "interviewer", "")
	if rec := request(t, h, http.MethodPost, "/api/users/u9/disconnect", interviewer); rec.Code != http.StatusOK {
		t.Fatalf("interviewer = %d, want 200", rec.Code)
	}
	if len(sessions.kicked) != 1 || sessions.kicked[0] != "u9" {
		t.Fatalf("kicked = %v", sessions.kicked)
	}
}
