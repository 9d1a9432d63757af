package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

/*
LEARNING: CRDT UPDATE PERSISTENCE

Storing every integrated update allows:
1. A restarted server to rebuild a room replica before the first client syncs
2. Clients that were offline to catch up through the normal sync handshake

Query patterns:
- GetAllUpdates: room rebuild (get everything, oldest first)
- StoreUpdate: append one update
- ReplaceUpdates: compaction, the whole log becomes one snapshot update
*/

// UpdateRepository stores CRDT updates in postgres
type UpdateRepository struct {
	db *gorm.DB
}

func NewUpdateRepository(db *gorm.DB) *UpdateRepository {
	return &UpdateRepository{db: db}
}

// StoreUpdate appends an update to the room log
func (r *UpdateRepository) StoreUpdate(ctx context.Context, room string, update []byte, clientID uint64) error {
	row := &models.CRDTUpdate{
		RoomName: room,
		Update:   update,
		ClientID: clientID,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to store crdt update: %w", err)
	}
	return nil
}

// GetAllUpdates returns the room log oldest first
func (r *UpdateRepository) GetAllUpdates(ctx context.Context, room string) ([]*models.CRDTUpdate, error) {
	var updates []*models.CRDTUpdate
	err := r.db.WithContext(ctx).
		Where("room_name = ?", room).
		Order("created_at ASC").
		Order("id ASC").
		Find(&updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get crdt updates: %w", err)
	}
	return updates, nil
}

// ReplaceUpdates swaps the room log for a single snapshot update
// Learning: One transaction, so a crash never leaves an empty log
func (r *UpdateRepository) ReplaceUpdates(ctx context.Context, room string, snapshot []byte) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_name = ?", room).Delete(&models.CRDTUpdate{}).Error; err != nil {
			return fmt.Errorf("failed to delete crdt updates: %w", err)
		}
		if len(snapshot) == 0 {
			return nil
		}
		row := &models.CRDTUpdate{RoomName: room, Update: snapshot}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("failed to store crdt snapshot: %w", err)
		}
		return nil
	})
}

// CountUpdates reports the log length of a room
func (r *UpdateRepository) CountUpdates(ctx context.Context, room string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.CRDTUpdate{}).
		Where("room_name = ?", room).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count crdt updates: %w", err)
	}
	return count, nil
}
