package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
CRDT UPDATE LOG

Every update integrated by a room replica is appended here so a restarted
server can rebuild the room before the first client syncs.

  client edit → binary update → server replica → persist → relay to peers

When the last participant leaves a room the log is compacted into a single
snapshot update (see repository.ReplaceUpdates).
*/

// CRDTUpdate stores a single binary CRDT update for a room
type CRDTUpdate struct {
	ID        string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	RoomName  string    `gorm:"type:varchar(128);not null;index:idx_room_time" json:"room_name"`
	Update    []byte    `gorm:"type:bytea;not null" json:"-"`
	ClientID  uint64    `gorm:"not null" json:"client_id"`
	CreatedAt time.Time `gorm:"index:idx_room_time" json:"created_at"`
}

// BeforeCreate generates KSUID
func (u *CRDTUpdate) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

func (CRDTUpdate) TableName() string {
	return "crdt_updates"
}
