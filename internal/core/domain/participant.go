package domain

import "time"

type TrackKind string

const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

type Participant struct {
	Identity          string
	Name              string
	Metadata          string
	Role              Role
	HasPublishedVideo bool
	IsLocal           bool
	JoinedAt          time.Time
}

func (p Participant) IsHost() bool {
	return p.Role == RoleHost
}

// DisplayName falls back to the identity when no name was supplied.
func (p Participant) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Identity
}
