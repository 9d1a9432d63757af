package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

var ErrNotFound = errors.New("not found")

// CheckpointRepository stores save checkpoints; only the latest per room is read
type CheckpointRepository struct {
	db *gorm.DB
}

func NewCheckpointRepository(db *gorm.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

func (r *CheckpointRepository) Save(ctx context.Context, cp *models.SaveCheckpoint) error {
	if err := r.db.WithContext(ctx).Create(cp).Error; err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Latest returns the newest checkpoint of a room or ErrNotFound
func (r *CheckpointRepository) Latest(ctx context.Context, roomID string) (*models.SaveCheckpoint, error) {
	var cp models.SaveCheckpoint
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("saved_at DESC").
		First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return &cp, nil
}

// Prune keeps the newest keep checkpoints of a room
func (r *CheckpointRepository) Prune(ctx context.Context, roomID string, keep int) error {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.SaveCheckpoint{}).
		Where("room_id = ?", roomID).
		Order("saved_at DESC").
		Offset(keep).
		Pluck("id", &ids).Error
	if err != nil {
		return fmt.Errorf("failed to list old checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.SaveCheckpoint{}).Error; err != nil {
		return fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	return nil
}
