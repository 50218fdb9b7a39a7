package domain

import "time"

type MessageOrigin string

const (
	OriginLocal  MessageOrigin = "local"
	OriginRemote MessageOrigin = "remote"
	OriginSystem MessageOrigin = "system"
)

type ChatMessage struct {
	ID        string
	Sender    string
	Content   string
	Timestamp time.Time
	Role      Role
	Origin    MessageOrigin
}
