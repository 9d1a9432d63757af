package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

func TestMemoryUpdatesReplace(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUpdates()

	for i := 0; i < 3; i++ {
		if err := repo.StoreUpdate(ctx, "code-i1", []byte{byte(i)}, 7); err != nil {
			t.Fatalf("StoreUpdate() error = %v", err)
		}
	}
	repo.StoreUpdate(ctx, "note-n1", []byte{9}, 8)

	if err := repo.ReplaceUpdates(ctx, "code-i1", []byte{1, 2, 3}); err != nil {
		t.Fatalf("ReplaceUpdates() error = %v", err)
	}
	updates, _ := repo.GetAllUpdates(ctx, "code-i1")
	if len(updates) != 1 || string(updates[0].Update) != string([]byte{1, 2, 3}) {
		t.Fatalf("updates after compaction = %+v", updates)
	}
	if updates[0].ID == "" {
		t.Fatal("snapshot row has no id")
	}
	if n, _ := repo.CountUpdates(ctx, "note-n1"); n != 1 {
		t.Fatalf("other room count = %d, want 1", n)
	}
}

func TestMemoryCheckpointsLatest(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCheckpoints()

	if _, err := repo.Latest(ctx, "note-n1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Latest() error = %v, want ErrNotFound", err)
	}

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, content := range []string{"a", "ab", "abc"} {
		cp := &models.SaveCheckpoint{RoomID: "note-n1", Domain: models.DomainNote, DocumentID: "n1", Content: content, SavedAt: base.Add(time.Duration(i) * time.Second)}
		if err := repo.Save(ctx, cp); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if cp.ID == "" {
			t.Fatal("Save() did not assign an id")
		}
	}

	got, err := repo.Latest(ctx, "note-n1")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if got.Content != "abc" {
		t.Fatalf("Latest().Content = %q, want abc", got.Content)
	}

	if err := repo.Prune(ctx, "note-n1", 1); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if got, _ := repo.Latest(ctx, "note-n1"); got.Content != "abc" {
		t.Fatalf("Latest() after prune = %q", got.Content)
	}
}
