package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"
)

// Message types exchanged on the /rtc socket.
const (
	TypeJoin               = "join"
	TypeParticipantJoined  = "participant_joined"
	TypeParticipantLeft    = "participant_left"
	TypeParticipantUpdated = "participant_updated"
	TypeTrackPublished     = "track_published"
	TypeTrackUnpublished   = "track_unpublished"
	TypeData               = "data"
	TypeAck                = "ack"
	TypeError              = "error"

	TypePublishTrack   = "publish_track"
	TypeUnpublishTrack = "unpublish_track"
	TypeLeave          = "leave"
)

// Error codes carried in error messages.
const (
	CodeBadRequest       = "bad_request"
	CodePermissionDenied = "permission_denied"
	CodeRateLimited      = "rate_limited"
	CodeUnknownTrack     = "unknown_track"
)

var (
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrUnknownTrack   = errors.New("unknown track")
	ErrUnknownMessage = errors.New("unknown message type")
	errLeave          = errors.New("participant left")
)

type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a Message. A nil payload is omitted.
func NewMessage(msgType, requestID string, payload interface{}) (Message, error) {
	msg := Message{Type: msgType, RequestID: requestID}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	msg.Payload = data
	return msg, nil
}

func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

type TrackInfo struct {
	SID  string `json:"sid"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type ParticipantPayload struct {
	Identity string      `json:"identity"`
	Name     string      `json:"name,omitempty"`
	Metadata string      `json:"metadata,omitempty"`
	JoinedAt time.Time   `json:"joinedAt"`
	Tracks   []TrackInfo `json:"tracks,omitempty"`
}

type JoinPayload struct {
	Room         string               `json:"room"`
	Participant  ParticipantPayload   `json:"participant"`
	Participants []ParticipantPayload `json:"participants"`
}

type ParticipantEventPayload struct {
	Participant ParticipantPayload `json:"participant"`
}

type TrackEventPayload struct {
	Participant ParticipantPayload `json:"participant"`
	Track       TrackInfo          `json:"track"`
}

type PublishTrackPayload struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type UnpublishTrackPayload struct {
	SID string `json:"sid"`
}

// DataPayload travels both ways. On relay the server overwrites Participant
// with the sender's authenticated identity.
type DataPayload struct {
	Participant string `json:"participant,omitempty"`
	Payload     []byte `json:"payload"`
	Reliable    bool   `json:"reliable"`
}

type AckPayload struct {
	Track *TrackInfo `json:"track,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Err maps the wire code back onto a sentinel so callers can use errors.Is.
func (p ErrorPayload) Err() error {
	switch p.Code {
	case CodePermissionDenied:
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, p.Message)
	case CodeRateLimited:
		return fmt.Errorf("%w: %s", ErrRateLimited, p.Message)
	case CodeUnknownTrack:
		return fmt.Errorf("%w: %s", ErrUnknownTrack, p.Message)
	default:
		return fmt.Errorf("signal error %s: %s", p.Code, p.Message)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUnknownTrack):
		return CodeUnknownTrack
	default:
		return CodeBadRequest
	}
}

func (t TrackInfo) Publication() ports.TrackPublication {
	return ports.TrackPublication{
		SID:  t.SID,
		Name: t.Name,
		Kind: domain.TrackKind(t.Kind),
	}
}

func (p ParticipantPayload) Info() ports.ParticipantInfo {
	info := ports.ParticipantInfo{
		Identity: p.Identity,
		Name:     p.Name,
		Metadata: p.Metadata,
		JoinedAt: p.JoinedAt,
	}
	for _, t := range p.Tracks {
		info.Tracks = append(info.Tracks, t.Publication())
	}
	return info
}

func parseTrackKind(raw string) (domain.TrackKind, error) {
	switch domain.TrackKind(raw) {
	case domain.TrackKindVideo, domain.TrackKindAudio:
		return domain.TrackKind(raw), nil
	default:
		return "", fmt.Errorf("unsupported track kind %q", raw)
	}
}
