package api

import (
	"context"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package is the CONSUMER of storage and services, so the interfaces it
needs live HERE. Handlers only see the methods they call, which keeps them
testable with the in-memory repositories.
*/

// CheckpointReader serves initial hydration of a document
type CheckpointReader interface {
	Latest(ctx context.Context, roomID string) (*models.SaveCheckpoint, error)
}

// SaveQueue reports the persistence backlog for health checks
type SaveQueue interface {
	QueueLength() int
}

// Sessions is the part of the event hub the admin endpoints use
type Sessions interface {
	Kick(userID string) int
	Members(room string) []models.ParticipantSummary
	ClientCount() int
}
