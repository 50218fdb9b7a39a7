package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleViewer
}

func (r Role) String() string {
	return string(r)
}

// ParseRole maps a raw role string onto the closed Role set. Empty input
// yields RoleViewer without error.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return RoleViewer, nil
	case string(RoleHost):
		return RoleHost, nil
	case string(RoleViewer):
		return RoleViewer, nil
	default:
		return RoleViewer, fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// ParticipantMetadata is the JSON document carried in a credential and
// echoed by the transport as participant metadata.
type ParticipantMetadata struct {
	Role Role   `json:"role"`
	Name string `json:"name,omitempty"`
}

func (m ParticipantMetadata) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode participant metadata: %w", err)
	}
	return string(data), nil
}

// ParseParticipantMetadata never fails closed: on any problem it returns
// metadata with RoleViewer together with the reason.
func ParseParticipantMetadata(raw string) (ParticipantMetadata, error) {
	meta := ParticipantMetadata{Role: RoleViewer}
	if strings.TrimSpace(raw) == "" {
		return meta, nil
	}

	var doc struct {
		Role string `json:"role"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return meta, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	meta.Name = doc.Name

	role, err := ParseRole(doc.Role)
	if err != nil {
		return meta, err
	}
	meta.Role = role
	return meta, nil
}

// RoleFromMetadata is a shorthand for ParseParticipantMetadata(raw).Role.
func RoleFromMetadata(raw string) (Role, error) {
	meta, err := ParseParticipantMetadata(raw)
	return meta.Role, err
}
