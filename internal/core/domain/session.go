package domain

import "time"

type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Live reports whether the session holds a transport connection.
func (s SessionState) Live() bool {
	return s == StateConnected || s == StateReconnecting
}

// Terminal reports whether the session has ended.
func (s SessionState) Terminal() bool {
	return s == StateDisconnected || s == StateClosed || s == StateFailed
}

type Session struct {
	State         SessionState
	RoomName      string
	LocalIdentity string
	LocalRole     Role
	DisplayName   string
	ConnectedAt   time.Time
}
