package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ravipandeydu/interview-pro-sub000/internal/middleware"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

/*
LEARNING: PERSISTENCE WORKER POOL

Save requests arrive on socket read loops. Writing to the database there
would stall every other event of that connection, so saves are queued:

  socket ─▶ SubmitJob ─▶ [jobs chan] ─▶ worker 1..N ─▶ CheckpointRepository
                                              │
                                              └─▶ job.Done(err) → saved / saveError ack

- A fixed number of workers bounds concurrent database writes
- The buffered channel is the backlog; a full queue rejects instead of blocking the socket
- Shutdown drains: queued jobs still run, then workers exit
*/

var (
	ErrQueueFull    = errors.New("persistence: queue full")
	ErrShuttingDown = errors.New("persistence: service is shutting down")
)

// keepCheckpoints is how many checkpoints per room survive pruning
const keepCheckpoints = 20

// SaveJob is one checkpoint waiting to be written. Done is called from the
// worker with the outcome.
type SaveJob struct {
	Checkpoint *models.SaveCheckpoint
	Done       func(error)
}

// PersistenceService writes save checkpoints with a worker pool
type PersistenceService struct {
	checkpoints CheckpointRepository
	log         logr.Logger

	jobs    chan SaveJob
	workers int
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPersistenceService creates the pool; Start spawns the workers
func NewPersistenceService(checkpoints CheckpointRepository, log logr.Logger, numWorkers, queueSize int) *PersistenceService {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &PersistenceService{
		checkpoints: checkpoints,
		log:         log.WithName("persistence"),
		jobs:        make(chan SaveJob, queueSize),
		workers:     numWorkers,
	}
}

func (s *PersistenceService) Start() {
	s.log.Info("🔧 Starting persistence worker pool", "workers", s.workers)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.Info("✓ Persistence worker pool started")
}

func (s *PersistenceService) worker(id int) {
	defer s.wg.Done()

	// Learning: ranging over the channel drains it after close
	for job := range s.jobs {
		err := s.process(job.Checkpoint)
		if err != nil {
			s.log.Error(err, "save failed", "worker", id, "room", job.Checkpoint.RoomID)
		} else {
			s.log.V(1).Info("checkpoint saved", "worker", id, "room", job.Checkpoint.RoomID)
		}
		if job.Done != nil {
			job.Done(err)
		}
	}
}

func (s *PersistenceService) process(cp *models.SaveCheckpoint) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctx, span := middleware.StartSpan(ctx, "Persistence.SaveCheckpoint",
		attribute.String("room", cp.RoomID),
		attribute.Int("content.length", len(cp.Content)),
	)
	defer span.End()

	if err := s.checkpoints.Save(ctx, cp); err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if err := s.checkpoints.Prune(ctx, cp.RoomID, keepCheckpoints); err != nil {
		// the save itself went through
		s.log.Error(err, "prune checkpoints", "room", cp.RoomID)
	}
	return nil
}

// SubmitJob queues a save without blocking the caller
func (s *PersistenceService) SubmitJob(job SaveJob) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrShuttingDown
	}
	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueLength returns the number of saves waiting for a worker
func (s *PersistenceService) QueueLength() int {
	return len(s.jobs)
}

// Shutdown stops accepting jobs and waits for queued ones to finish
func (s *PersistenceService) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	s.log.Info("🛑 Shutting down persistence service...")
	s.wg.Wait()
	s.log.Info("✓ Persistence service shutdown complete")
}
