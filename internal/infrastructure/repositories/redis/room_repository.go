package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	roomKeyPrefix  = "flashlive:room:"
	activeRoomsKey = "flashlive:room:active"
)

type RedisRoomRepository struct {
	client *redis.Client
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{client: client}
}

func (r *RedisRoomRepository) roomKey(name string) string {
	return roomKeyPrefix + name
}

// Save writes the room and keeps the active set in step with its
// participant count.
func (r *RedisRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.roomKey(room.Name), data, 0)
	if room.ParticipantCount > 0 {
		pipe.SAdd(ctx, activeRoomsKey, room.Name)
	} else {
		pipe.SRem(ctx, activeRoomsKey, room.Name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save room in Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) GetByName(ctx context.Context, name string) (*domain.Room, error) {
	data, err := r.client.Get(ctx, r.roomKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &room, nil
}

func (r *RedisRoomRepository) Delete(ctx context.Context, name string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.roomKey(name))
	pipe.SRem(ctx, activeRoomsKey, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (r *RedisRoomRepository) ListActive(ctx context.Context) ([]*domain.Room, error) {
	names, err := r.client.SMembers(ctx, activeRoomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active rooms: %w", err)
	}

	rooms := make([]*domain.Room, 0, len(names))
	for _, name := range names {
		room, err := r.GetByName(ctx, name)
		if errors.Is(err, domain.ErrRoomNotFound) {
			// stale index entry
			r.client.SRem(ctx, activeRoomsKey, name)
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}
