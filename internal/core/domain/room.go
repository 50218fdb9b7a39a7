package domain

import "time"

type CredentialRequest struct {
	Identity    string
	Room        string
	DisplayName string
	Role        Role
}

// Room is the server-side listing entry for an active room.
type Room struct {
	Name             string    `json:"name"`
	ParticipantCount int       `json:"participantCount"`
	CreatedAt        time.Time `json:"creationTime"`
	Metadata         string    `json:"metadata"`
	Broadcaster      string    `json:"broadcaster,omitempty"`
	Members          []string  `json:"members,omitempty"`
}

type RoomMetadata struct {
	Broadcaster     string `json:"broadcaster,omitempty"`
	BroadcasterName string `json:"broadcasterName,omitempty"`
}
