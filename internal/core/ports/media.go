package ports

import (
	"context"

	"flashlive/internal/core/domain"
)

type MediaTrack interface {
	ID() string
	Kind() domain.TrackKind
}

type LocalTrack interface {
	MediaTrack
	Stop() error
}

type CaptureOptions struct {
	Audio bool
	Video bool
}

type MediaDevices interface {
	CreateLocalTracks(ctx context.Context, opts CaptureOptions) ([]LocalTrack, error)
}

// RenderTarget is a video surface owned by the presentation layer.
type RenderTarget interface {
	Attach(track MediaTrack) error
	Detach()
	ShowNoBroadcast()
}
