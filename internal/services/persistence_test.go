package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
	"github.com/ravipandeydu/interview-pro-sub000/internal/repository"
)

func checkpoint(room, content string) *models.SaveCheckpoint {
	return &models.SaveCheckpoint{
		RoomID:     room,
		Domain:     models.DomainNote,
		DocumentID: room,
		Content:    content,
		SavedAt:    time.Now(),
	}
}

func TestSavesReachRepository(t *testing.T) {
	repo := repository.NewMemoryCheckpoints()
	s := NewPersistenceService(repo, logr.Discard(), 2, 10)
	s.Start()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for _, content := range []string{"a", "b", "c"} {
		wg.Add(1)
		err := s.SubmitJob(SaveJob{
			Checkpoint: checkpoint("note-n1", content),
			Done: func(err error) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				wg.Done()
			},
		})
		if err != nil {
			t.Fatalf("SubmitJob() error = %v", err)
		}
	}
	wg.Wait()
	s.Shutdown()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("job error = %v", err)
		}
	}
	if _, err := repo.Latest(context.Background(), "note-n1"); err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
}

type blockingRepo struct {
	*repository.MemoryCheckpoints
	release chan struct{}
}

func (r *blockingRepo) Save(ctx context.Context, cp *models.SaveCheckpoint) error {
	<-r.release
	return r.MemoryCheckpoints.Save(ctx, cp)
}

func TestFullQueueRejects(t *testing.T) {
	repo := &blockingRepo{MemoryCheckpoints: repository.NewMemoryCheckpoints(), release: make(chan struct{})}
	s := NewPersistenceService(repo, logr.Discard(), 1, 1)
	s.Start()

	started := make(chan struct{})
	// occupies the only worker
	s.SubmitJob(SaveJob{Checkpoint: checkpoint("code-i1", "1"), Done: func(error) {}})
	go func() {
		for s.QueueLength() != 0 {
			time.Sleep(time.Millisecond)
		}
		close(started)
	}()
	<-started

	if err := s.SubmitJob(SaveJob{Checkpoint: checkpoint("code-i1", "2")}); err != nil {
		t.Fatalf("queued SubmitJob() error = %v", err)
	}
	if err := s.SubmitJob(SaveJob{Checkpoint: checkpoint("code-i1", "3")}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("SubmitJob() on full queue error = %v", err)
	}

	close(repo.release)
	s.Shutdown()
	if err := s.SubmitJob(SaveJob{Checkpoint: checkpoint("code-i1", "4")}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("SubmitJob() after Shutdown error = %v", err)
	}
	latest, err := repo.Latest(context.Background(), "code-i1")
	if err != nil || latest.Content != "2" {
		t.Fatalf("Latest() = %+v, %v; queued job should run before shutdown", latest, err)
	}
}
