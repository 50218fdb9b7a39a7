package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IdentityRegex validates participant identities.
	IdentityRegex = regexp.MustCompile(`^[a-zA-Z0-9._@-]+$`)

	// RoomNameRegex validates room names.
	RoomNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	MaxIdentityLength    = 64
	MaxRoomNameLength    = 64
	MaxDisplayNameLength = 64
)

func ValidateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("identity is required")
	}
	if len(identity) > MaxIdentityLength {
		return fmt.Errorf("identity is too long (max %d characters)", MaxIdentityLength)
	}
	if !IdentityRegex.MatchString(identity) {
		return fmt.Errorf("identity contains invalid characters (only letters, numbers, '.', '_', '@', '-' allowed)")
	}
	return nil
}

func ValidateRoomName(room string) error {
	if room == "" {
		return fmt.Errorf("room name is required")
	}
	if len(room) > MaxRoomNameLength {
		return fmt.Errorf("room name is too long (max %d characters)", MaxRoomNameLength)
	}
	if !RoomNameRegex.MatchString(room) {
		return fmt.Errorf("invalid room name format")
	}
	return nil
}

// ValidateDisplayName accepts an empty name; callers fall back to the
// identity.
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return fmt.Errorf("display name is too long (max %d characters)", MaxDisplayNameLength)
	}
	if strings.ContainsAny(name, "\x00\r\n") {
		return fmt.Errorf("display name contains control characters")
	}
	return nil
}

// ValidateEndpointURL checks a transport endpoint. Only websocket and http
// schemes are accepted.
func ValidateEndpointURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
