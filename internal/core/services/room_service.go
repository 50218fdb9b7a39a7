package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"
	"flashlive/pkg/distributed"

	"go.uber.org/zap"
)

// roomService keeps the room listing in step with the signaling server's
// hubs. Membership changes on one room are serialized through the locker so
// count and broadcaster stay consistent across repository round trips.
type roomService struct {
	roomRepo ports.RoomRepository
	locker   ports.RoomLocker
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewRoomService serializes updates within this process only.
func NewRoomService(roomRepo ports.RoomRepository, logger *zap.SugaredLogger) ports.RoomService {
	return NewRoomServiceWithLocker(roomRepo, distributed.NewLocalLocker(), logger)
}

func NewRoomServiceWithLocker(roomRepo ports.RoomRepository, locker ports.RoomLocker, logger *zap.SugaredLogger) ports.RoomService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &roomService{
		roomRepo: roomRepo,
		locker:   locker,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *roomService) ParticipantJoined(ctx context.Context, roomName string, participant domain.Participant) error {
	unlock, err := s.locker.Lock(ctx, roomName)
	if err != nil {
		return fmt.Errorf("failed to lock room: %w", err)
	}
	defer unlock()

	room, err := s.roomRepo.GetByName(ctx, roomName)
	if errors.Is(err, domain.ErrRoomNotFound) {
		room = &domain.Room{Name: roomName, CreatedAt: s.now()}
		s.logger.Infow("room created", "room", roomName)
	} else if err != nil {
		return fmt.Errorf("failed to load room: %w", err)
	}

	if !contains(room.Members, participant.Identity) {
		room.Members = append(room.Members, participant.Identity)
	}
	room.ParticipantCount = len(room.Members)

	if participant.IsHost() && room.Broadcaster == "" {
		room.Broadcaster = participant.Identity
		room.Metadata = encodeRoomMetadata(domain.RoomMetadata{
			Broadcaster:     participant.Identity,
			BroadcasterName: participant.DisplayName(),
		})
	} else if participant.IsHost() && room.Broadcaster != participant.Identity {
		s.logger.Warnw("second host joined room", "room", roomName, "broadcaster", room.Broadcaster, "identity", participant.Identity)
	}

	if err := s.roomRepo.Save(ctx, room); err != nil {
		return fmt.Errorf("failed to save room: %w", err)
	}
	return nil
}

func (s *roomService) ParticipantLeft(ctx context.Context, roomName, identity string) error {
	unlock, err := s.locker.Lock(ctx, roomName)
	if err != nil {
		return fmt.Errorf("failed to lock room: %w", err)
	}
	defer unlock()

	room, err := s.roomRepo.GetByName(ctx, roomName)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load room: %w", err)
	}

	members := room.Members[:0]
	for _, m := range room.Members {
		if m != identity {
			members = append(members, m)
		}
	}
	room.Members = members
	room.ParticipantCount = len(members)

	if len(members) == 0 {
		s.logger.Infow("room closed", "room", roomName)
		return s.roomRepo.Delete(ctx, roomName)
	}

	if room.Broadcaster == identity {
		room.Broadcaster = ""
		room.Metadata = encodeRoomMetadata(domain.RoomMetadata{})
	}

	if err := s.roomRepo.Save(ctx, room); err != nil {
		return fmt.Errorf("failed to save room: %w", err)
	}
	return nil
}

func (s *roomService) GetRoom(ctx context.Context, name string) (*domain.Room, error) {
	return s.roomRepo.GetByName(ctx, name)
}

func (s *roomService) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	rooms, err := s.roomRepo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}

func encodeRoomMetadata(meta domain.RoomMetadata) string {
	data, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
