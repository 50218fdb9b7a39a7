package services

import (
	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"
)

type SessionEventKind int

const (
	EventStateChanged SessionEventKind = iota
	EventConnected
	EventDisconnected
	EventParticipantJoined
	EventParticipantLeft
	EventParticipantUpdated
	EventTrackPublished
	EventTrackSubscribed
	EventTrackUnpublished
	EventLocalTrackPublished
	EventDataReceived
)

func (k SessionEventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	case EventParticipantUpdated:
		return "participant_updated"
	case EventTrackPublished:
		return "track_published"
	case EventTrackSubscribed:
		return "track_subscribed"
	case EventTrackUnpublished:
		return "track_unpublished"
	case EventLocalTrackPublished:
		return "local_track_published"
	case EventDataReceived:
		return "data_received"
	default:
		return "unknown"
	}
}

// SessionEvent is the single lifecycle notification emitted by the session
// client. Only the fields relevant to Kind are set.
type SessionEvent struct {
	Kind  SessionEventKind
	State domain.SessionState
	Prev  domain.SessionState
	Room  string

	// Connected
	Local        *ports.ParticipantInfo
	Participants []ports.ParticipantInfo

	// Participant, track and data events
	Participant *ports.ParticipantInfo
	Track       *ports.TrackPublication
	Data        []byte

	Err error
}

// SessionObserver receives session events on the event loop.
type SessionObserver interface {
	OnSessionEvent(ev SessionEvent)
}

type SessionObserverFunc func(ev SessionEvent)

func (f SessionObserverFunc) OnSessionEvent(ev SessionEvent) {
	f(ev)
}
