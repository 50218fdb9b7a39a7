package memory

import (
	"context"
	"sort"
	"sync"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms map[string]*domain.Room
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[string]*domain.Room),
	}
}

// Save stores a copy of room, replacing any room with the same name.
func (r *MemoryRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms[room.Name] = cloneRoom(room)
	return nil
}

func (r *MemoryRoomRepository) GetByName(ctx context.Context, name string) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[name]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return cloneRoom(room), nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[name]; !exists {
		return domain.ErrRoomNotFound
	}
	delete(r.rooms, name)
	return nil
}

// ListActive returns rooms with at least one participant, oldest first.
func (r *MemoryRoomRepository) ListActive(ctx context.Context) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]*domain.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		if room.ParticipantCount > 0 {
			rooms = append(rooms, cloneRoom(room))
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}

func cloneRoom(room *domain.Room) *domain.Room {
	out := *room
	if room.Members != nil {
		out.Members = append([]string(nil), room.Members...)
	}
	return &out
}
