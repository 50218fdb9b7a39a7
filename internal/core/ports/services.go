package ports

import (
	"context"

	"flashlive/internal/core/domain"
)

type CredentialIssuer interface {
	IssueCredential(ctx context.Context, req domain.CredentialRequest) (string, error)
}

type RoomService interface {
	ParticipantJoined(ctx context.Context, room string, participant domain.Participant) error
	ParticipantLeft(ctx context.Context, room, identity string) error
	GetRoom(ctx context.Context, name string) (*domain.Room, error)
	ListRooms(ctx context.Context) ([]*domain.Room, error)
}
