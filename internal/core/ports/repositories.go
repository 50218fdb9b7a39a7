package ports

import (
	"context"

	"flashlive/internal/core/domain"
)

type RoomRepository interface {
	Save(ctx context.Context, room *domain.Room) error
	GetByName(ctx context.Context, name string) (*domain.Room, error)
	Delete(ctx context.Context, name string) error
	ListActive(ctx context.Context) ([]*domain.Room, error)
}

// RoomLocker serializes read-modify-write cycles on one room's listing.
// The returned function releases the lock.
type RoomLocker interface {
	Lock(ctx context.Context, room string) (unlock func(), err error)
}
