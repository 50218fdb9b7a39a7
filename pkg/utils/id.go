package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, randomHex(8))
}

// GenerateTrackSID generates a server-assigned track id.
func GenerateTrackSID() string {
	return GenerateID("TR")
}

// GenerateParticipantIdentity generates an identity for clients that did
// not pick one.
func GenerateParticipantIdentity(prefix string) string {
	if prefix == "" {
		prefix = "guest"
	}
	return fmt.Sprintf("%s-%s", prefix, randomHex(3))
}

// GenerateMessageID returns a chat message id that sorts by creation time.
func GenerateMessageID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), randomHex(4))
}

func GenerateRequestID() string {
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), randomHex(4))
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
