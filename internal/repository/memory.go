package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

// MemoryUpdates keeps CRDT update logs in process. Used when no database is
// configured and in tests.
type MemoryUpdates struct {
	mu   sync.Mutex
	logs map[string][]*models.CRDTUpdate
}

func NewMemoryUpdates() *MemoryUpdates {
	return &MemoryUpdates{logs: make(map[string][]*models.CRDTUpdate)}
}

func (m *MemoryUpdates) StoreUpdate(ctx context.Context, room string, update []byte, clientID uint64) error {
	row := &models.CRDTUpdate{
		RoomName:  room,
		Update:    append([]byte(nil), update...),
		ClientID:  clientID,
		CreatedAt: time.Now(),
	}
	row.BeforeCreate(nil)

	m.mu.Lock()
	m.logs[room] = append(m.logs[room], row)
	m.mu.Unlock()
	return nil
}

func (m *MemoryUpdates) GetAllUpdates(ctx context.Context, room string) ([]*models.CRDTUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.CRDTUpdate(nil), m.logs[room]...), nil
}

func (m *MemoryUpdates) ReplaceUpdates(ctx context.Context, room string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(snapshot) == 0 {
		delete(m.logs, room)
		return nil
	}
	row := &models.CRDTUpdate{RoomName: room, Update: append([]byte(nil), snapshot...), CreatedAt: time.Now()}
	row.BeforeCreate(nil)
	m.logs[room] = []*models.CRDTUpdate{row}
	return nil
}

func (m *MemoryUpdates) CountUpdates(ctx context.Context, room string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.logs[room])), nil
}

// MemoryCheckpoints keeps save checkpoints in process
type MemoryCheckpoints struct {
	mu    sync.Mutex
	rooms map[string][]*models.SaveCheckpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{rooms: make(map[string][]*models.SaveCheckpoint)}
}

func (m *MemoryCheckpoints) Save(ctx context.Context, cp *models.SaveCheckpoint) error {
	cp.EnsureID()
	stored := *cp
	m.mu.Lock()
	m.rooms[cp.RoomID] = append(m.rooms[cp.RoomID], &stored)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCheckpoints) Latest(ctx context.Context, roomID string) (*models.SaveCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.rooms[roomID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	latest := list[0]
	for _, cp := range list[1:] {
		if !cp.SavedAt.Before(latest.SavedAt) {
			latest = cp
		}
	}
	out := *latest
	return &out, nil
}

func (m *MemoryCheckpoints) Prune(ctx context.Context, roomID string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.rooms[roomID]
	if len(list) <= keep {
		return nil
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].SavedAt.After(list[j].SavedAt) })
	m.rooms[roomID] = append([]*models.SaveCheckpoint(nil), list[:keep]...)
	return nil
}
