package credentials

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "creds", "collab.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTokenPrecedence(t *testing.T) {
	s := openStore(t)

	if _, err := s.Token(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Token() error = %v, want ErrNoCredential", err)
	}

	if err := s.SetInterviewToken("interview-token"); err != nil {
		t.Fatalf("SetInterviewToken() error = %v", err)
	}
	if got, _ := s.Token(); got != "interview-token" {
		t.Fatalf("Token() = %q, want interview token", got)
	}

	if err := s.SetToken("bearer-token"); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}
	if got, _ := s.Token(); got != "bearer-token" {
		t.Fatalf("Token() = %q, want bearer token", got)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := s.Token(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Token() after Clear error = %v", err)
	}
}

func TestCheckpointCache(t *testing.T) {
	s := openStore(t)

	if _, err := s.LastCheckpoint("note-n1"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("LastCheckpoint() error = %v, want ErrNoCheckpoint", err)
	}

	first := &models.SaveCheckpoint{RoomID: "note-n1", Domain: models.DomainNote, DocumentID: "n1", Content: "draft", SavedAt: time.Unix(10, 0).UTC()}
	second := &models.SaveCheckpoint{RoomID: "note-n1", Domain: models.DomainNote, DocumentID: "n1", Content: "final", SavedAt: time.Unix(20, 0).UTC()}
	second.SetSavedBy(&models.ParticipantSummary{ID: "u1", Name: "Ada", Role: "interviewer"})

	for _, cp := range []*models.SaveCheckpoint{first, second} {
		if err := s.SaveCheckpoint(cp); err != nil {
			t.Fatalf("SaveCheckpoint() error = %v", err)
		}
	}

	got, err := s.LastCheckpoint("note-n1")
	if err != nil {
		t.Fatalf("LastCheckpoint() error = %v", err)
	}
	if got.Content != "final" || !got.SavedAt.Equal(second.SavedAt) {
		t.Fatalf("LastCheckpoint() = %+v, want the second checkpoint", got)
	}
	if by := got.SavedBy(); by == nil || by.Name != "Ada" {
		t.Fatalf("SavedBy() = %+v, want Ada", by)
	}
}

func TestStaticToken(t *testing.T) {
	if _, err := StaticToken("").Token(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("empty StaticToken error = %v", err)
	}
	if got, err := StaticToken("abc").Token(); err != nil || got != "abc" {
		t.Fatalf("StaticToken.Token() = %q, %v", got, err)
	}
}
