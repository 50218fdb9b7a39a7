package ports

import (
	"context"
	"time"

	"flashlive/internal/core/domain"
)

type RoomEventKind int

const (
	RoomParticipantJoined RoomEventKind = iota
	RoomParticipantLeft
	RoomParticipantMetadataChanged
	RoomTrackPublished
	RoomTrackSubscribed
	RoomTrackUnpublished
	RoomDataReceived
	RoomReconnecting
	RoomReconnected
	RoomDisconnected
)

func (k RoomEventKind) String() string {
	switch k {
	case RoomParticipantJoined:
		return "participant_joined"
	case RoomParticipantLeft:
		return "participant_left"
	case RoomParticipantMetadataChanged:
		return "participant_metadata_changed"
	case RoomTrackPublished:
		return "track_published"
	case RoomTrackSubscribed:
		return "track_subscribed"
	case RoomTrackUnpublished:
		return "track_unpublished"
	case RoomDataReceived:
		return "data_received"
	case RoomReconnecting:
		return "reconnecting"
	case RoomReconnected:
		return "reconnected"
	case RoomDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type ParticipantInfo struct {
	Identity string
	Name     string
	Metadata string
	JoinedAt time.Time
	Tracks   []TrackPublication
}

// TrackPublication describes a published track. Track is nil until a live
// media handle is available to the local side.
type TrackPublication struct {
	SID   string
	Name  string
	Kind  domain.TrackKind
	Track MediaTrack
}

// RoomEvent is delivered by the transport on its own goroutine. For data
// events Participant carries the sender identity as verified by the server.
type RoomEvent struct {
	Kind        RoomEventKind
	Participant ParticipantInfo
	Track       TrackPublication
	Data        []byte
	Err         error
}

type RoomEventHandler interface {
	HandleRoomEvent(ev RoomEvent)
}

type RoomEventHandlerFunc func(ev RoomEvent)

func (f RoomEventHandlerFunc) HandleRoomEvent(ev RoomEvent) {
	f(ev)
}

type ConnectOptions struct {
	AutoSubscribe bool
	Handler       RoomEventHandler
}

type Transport interface {
	Connect(ctx context.Context, endpointURL, credential string, opts ConnectOptions) (RoomConn, error)
}

// RoomConn is a live room handle. Implementations are safe for concurrent use.
type RoomConn interface {
	RoomName() string
	LocalParticipant() ParticipantInfo
	RemoteParticipants() []ParticipantInfo
	RemoteParticipant(identity string) (ParticipantInfo, bool)
	PublishTrack(ctx context.Context, track LocalTrack) (TrackPublication, error)
	PublishData(ctx context.Context, payload []byte, reliable bool) error
	Disconnect() error
}
