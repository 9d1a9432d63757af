package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/ravipandeydu/interview-pro-sub000/internal/auth"
	"github.com/ravipandeydu/interview-pro-sub000/internal/config"
	"github.com/ravipandeydu/interview-pro-sub000/internal/credentials"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
	"github.com/ravipandeydu/interview-pro-sub000/internal/repository"
	"github.com/ravipandeydu/interview-pro-sub000/internal/room"
	"github.com/ravipandeydu/interview-pro-sub000/internal/services"
	"github.com/ravipandeydu/interview-pro-sub000/internal/transport"
)

type testServer struct {
	hub         *Hub
	verifier    *auth.Verifier
	checkpoints *repository.MemoryCheckpoints
	cfg         *config.Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	verifier := auth.NewVerifier("test-secret", time.Hour)
	checkpoints := repository.NewMemoryCheckpoints()
	saver := services.NewPersistenceService(checkpoints, logr.Discard(), 2, 16)
	saver.Start()
	hub := NewHub(verifier, saver, logr.Discard())
	polling := NewPolling(hub)
	polling.Start()

	r := mux.NewRouter()
	r.HandleFunc("/socket", hub.ServeWebSocket)
	r.HandleFunc("/socket/polling/open", polling.HandleOpen).Methods(http.MethodPost)
	r.HandleFunc("/socket/polling", polling.HandleSession)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Shutdown()
		polling.Stop()
		srv.Close()
		saver.Shutdown()
	})
	return &testServer{hub: hub, verifier: verifier, checkpoints: checkpoints, cfg: &config.Config{BackendURL: srv.URL}}
}

// connect opens a real connection manager as user over one transport
func (s *testServer) connect(t *testing.T, user, role, interviewID, via string) *transport.Manager {
	t.Helper()
	tok, err := s.verifier.Issue(user, "User "+user, role, interviewID)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	opts := transport.OptionsFromConfig(s.cfg, credentials.StaticToken(tok))
	if via == transport.TransportPolling {
		opts.SocketURL = ""
	} else {
		opts.PollingURL = ""
	}
	opts.Logger = logr.Discard()
	m := transport.NewManager(opts)
	t.Cleanup(m.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect(%s) error = %v", via, err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type inbox struct {
	mu   sync.Mutex
	msgs []json.RawMessage
}

func (b *inbox) listen(m *transport.Manager, event string) {
	m.On(event, func(p json.RawMessage) {
		b.mu.Lock()
		b.msgs = append(b.msgs, p)
		b.mu.Unlock()
	})
}

func (b *inbox) all() []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]json.RawMessage(nil), b.msgs...)
}

func TestMembershipAcrossTransports(t *testing.T) {
	s := newTestServer(t)
	ws := s.connect(t, "a", "interviewer", "", transport.TransportWebSocket)
	poll := s.connect(t, "b", "interviewer", "", transport.TransportPolling)

	if got := poll.Connection().Transport; got != transport.TransportPolling {
		t.Fatalf("transport = %q, want polling", got)
	}

	ra := room.NewController(ws, models.DomainNote)
	rb := room.NewController(poll, models.DomainNote)
	ra.Join("n1")
	rb.Join("n1")

	waitFor(t, "both rosters", func() bool {
		pa, pb := ra.Participants(), rb.Participants()
		return len(pa) == 1 && pa[0].ID == "b" && len(pb) == 1 && pb[0].ID == "a"
	})
	if pa := ra.Participants(); pa[0].Name != "User b" {
		t.Fatalf("participant = %+v", pa[0])
	}

	rb.Leave("n1")
	waitFor(t, "leave notice", func() bool { return len(ra.Participants()) == 0 })
	waitFor(t, "hub membership", func() bool { return len(s.hub.Members("note-n1")) == 1 })
}

func TestUpdateRelayAndSaveAck(t *testing.T) {
	s := newTestServer(t)
	a := s.connect(t, "a", "interviewer", "", transport.TransportWebSocket)
	b := s.connect(t, "b", "candidate", "i1", transport.TransportPolling)

	var updatesA, updatesB, savedA, savedB inbox
	updatesA.listen(a, "code:codeUpdated")
	updatesB.listen(b, "code:codeUpdated")
	savedA.listen(a, "code:saved")
	savedB.listen(b, "code:saved")

	a.Emit("code:join", "i1")
	b.Emit("code:join", "i1")
	waitFor(t, "joins", func() bool { return len(s.hub.Members("code-i1")) == 2 })

	a.Emit("code:codeUpdate", models.CodeUpdatePayload{InterviewID: "i1", Code: "x := 1", Language: "go"})
	waitFor(t, "relayed update", func() bool { return len(updatesB.all()) == 1 })

	var got models.CodeUpdatedPayload
	json.Unmarshal(updatesB.all()[0], &got)
	if got.RoomID != "code-i1" || got.UserID != "a" || got.Code != "x := 1" || got.Language != "go" {
		t.Fatalf("relayed = %+v", got)
	}
	if len(updatesA.all()) != 0 {
		t.Fatal("sender received its own update")
	}

	a.Emit("code:codeSave", models.CodeUpdatePayload{InterviewID: "i1", Code: "x := 1", Language: "go"})
	waitFor(t, "save acks", func() bool { return len(savedA.all()) == 1 && len(savedB.all()) == 1 })

	var ack models.SavedPayload
	json.Unmarshal(savedB.all()[0], &ack)
	if ack.RoomID != "code-i1" || ack.SavedBy == nil || ack.SavedBy.ID != "a" || ack.Timestamp.IsZero() {
		t.Fatalf("ack = %+v", ack)
	}
	cp, err := s.checkpoints.Latest(context.Background(), "code-i1")
	if err != nil || cp.Content != "x := 1" || cp.Language != "go" || cp.SavedByID != "a" {
		t.Fatalf("Latest() = %+v, %v", cp, err)
	}
}

func TestCandidateLimitedToOwnInterview(t *testing.T) {
	s := newTestServer(t)
	m := s.connect(t, "c", "candidate", "i1", transport.TransportWebSocket)
	var errs inbox
	errs.listen(m, models.EventError)

	m.Emit("code:join", "i2")
	waitFor(t, "join refusal", func() bool { return len(errs.all()) == 1 })
	if n := len(s.hub.Members("code-i2")); n != 0 {
		t.Fatalf("members of code-i2 = %d", n)
	}
}

func TestSaveWithoutJoinFails(t *testing.T) {
	s := newTestServer(t)
	m := s.connect(t, "a", "interviewer", "", transport.TransportWebSocket)
	var errs inbox
	errs.listen(m, "note:saveError")

	m.Emit("note:save", models.NoteUpdatePayload{NoteID: "n9", Content: "lost"})
	waitFor(t, "save error", func() bool { return len(errs.all()) == 1 })
}

func TestRejectedCredential(t *testing.T) {
	s := newTestServer(t)
	for _, via := range []string{transport.TransportWebSocket, transport.TransportPolling} {
		opts := transport.OptionsFromConfig(s.cfg, credentials.StaticToken("forged"))
		if via == transport.TransportPolling {
			opts.SocketURL = ""
		} else {
			opts.PollingURL = ""
		}
		opts.Logger = logr.Discard()
		m := transport.NewManager(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.Connect(ctx)
		cancel()
		m.Disconnect()
		if !errors.Is(err, transport.ErrAuthRejected) {
			t.Fatalf("Connect(%s) error = %v, want ErrAuthRejected", via, err)
		}
	}
	if n := s.hub.ClientCount(); n != 0 {
		t.Fatalf("clients after rejected handshakes = %d", n)
	}
}

func TestKickIsServerInitiated(t *testing.T) {
	for _, via := range []string{transport.TransportWebSocket, transport.TransportPolling} {
		t.Run(via, func(t *testing.T) {
			s := newTestServer(t)
			m := s.connect(t, "a", "interviewer", "", via)

			var mu sync.Mutex
			var last transport.StatusEvent
			m.OnConnectionStatusChange(func(ev transport.StatusEvent) {
				mu.Lock()
				last = ev
				mu.Unlock()
			})

			if n := s.hub.Kick("a"); n != 1 {
				t.Fatalf("Kick() = %d, want 1", n)
			}
			waitFor(t, "server disconnect", func() bool {
				mu.Lock()
				defer mu.Unlock()
				return last.ServerInitiated()
			})
			if m.Connected() {
				t.Fatal("still connected after kick")
			}
		})
	}
}
