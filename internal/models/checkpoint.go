package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// SaveCheckpoint is the only persisted artifact of a collaborative session.
// Each checkpoint supersedes the previous one for the same room.
type SaveCheckpoint struct {
	ID          string    `json:"id" gorm:"type:char(27);primaryKey"`
	RoomID      string    `json:"roomId" gorm:"type:varchar(128);not null;index:idx_checkpoint_room_time"`
	Domain      Domain    `json:"domain" gorm:"type:varchar(16);not null"`
	DocumentID  string    `json:"documentId" gorm:"type:varchar(128);not null"`
	Content     string    `json:"content" gorm:"type:text;not null"`
	Title       string    `json:"title,omitempty" gorm:"type:text"`
	Language    string    `json:"language,omitempty" gorm:"type:varchar(50)"`
	SavedAt     time.Time `json:"savedAt" gorm:"index:idx_checkpoint_room_time"`
	SavedByID   string    `json:"savedById,omitempty" gorm:"type:varchar(128)"`
	SavedByName string    `json:"savedByName,omitempty" gorm:"type:varchar(255)"`
	SavedByRole string    `json:"savedByRole,omitempty" gorm:"type:varchar(50)"`
}

// BeforeCreate hook generates KSUID before inserting
func (c *SaveCheckpoint) BeforeCreate(tx *gorm.DB) error {
	c.EnsureID()
	return nil
}

func (c *SaveCheckpoint) EnsureID() {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
}

func (SaveCheckpoint) TableName() string {
	return "save_checkpoints"
}

// SavedBy returns the saver, or nil when unknown
func (c *SaveCheckpoint) SavedBy() *ParticipantSummary {
	if c.SavedByID == "" {
		return nil
	}
	return &ParticipantSummary{
		ID:         c.SavedByID,
		Name:       c.SavedByName,
		Role:       c.SavedByRole,
		LastActive: c.SavedAt,
	}
}

func (c *SaveCheckpoint) SetSavedBy(p *ParticipantSummary) {
	if p == nil {
		c.SavedByID, c.SavedByName, c.SavedByRole = "", "", ""
		return
	}
	c.SavedByID = p.ID
	c.SavedByName = p.Name
	c.SavedByRole = p.Role
}
