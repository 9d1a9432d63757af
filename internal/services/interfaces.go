package services

import (
	"context"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

/*
LEARNING: CONSUMER-SIDE INTERFACES

"Accept interfaces, return structs" - Rob Pike

Interfaces are defined where they are USED, not where implemented.

  // ❌ BAD: Interface in repository package
  package repository
  type CheckpointRepository interface { ... }

  // ✅ GOOD: Interface in services package (consumer)
  package services
  type CheckpointRepository interface { ... }

The gorm repositories and the in-memory ones both satisfy these, so the
server runs without a database and tests never need one.
*/

// UpdateRepository is what the sync rooms need from CRDT update storage
type UpdateRepository interface {
	StoreUpdate(ctx context.Context, room string, update []byte, clientID uint64) error
	GetAllUpdates(ctx context.Context, room string) ([]*models.CRDTUpdate, error)
	ReplaceUpdates(ctx context.Context, room string, snapshot []byte) error
}

// CheckpointRepository is what persistence and hydration need from checkpoint storage
type CheckpointRepository interface {
	Save(ctx context.Context, cp *models.SaveCheckpoint) error
	Latest(ctx context.Context, roomID string) (*models.SaveCheckpoint, error)
	Prune(ctx context.Context, roomID string, keep int) error
}
