package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCredential = errors.New("credential error")
	ErrConnect    = errors.New("connect error")
	ErrMedia      = errors.New("media error")
	ErrAttach     = errors.New("attach error")
	ErrChatSend   = errors.New("chat send error")

	ErrSessionBusy      = errors.New("session start already in progress")
	ErrSessionCancelled = errors.New("session cancelled")
	ErrNotConnected     = errors.New("session not connected")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrInvalidRole      = errors.New("invalid role")
	ErrInvalidMetadata  = errors.New("invalid participant metadata")
	ErrRoomNotFound     = errors.New("room not found")
	ErrPermissionDenied = errors.New("permission denied")
)

func NewCredentialError(cause error) error {
	return fmt.Errorf("%w: %w", ErrCredential, cause)
}

func NewConnectError(cause error) error {
	return fmt.Errorf("%w: %w", ErrConnect, cause)
}

func NewMediaError(cause error) error {
	return fmt.Errorf("%w: %w", ErrMedia, cause)
}

func NewAttachError(cause error) error {
	return fmt.Errorf("%w: %w", ErrAttach, cause)
}

func NewChatSendError(cause error) error {
	return fmt.Errorf("%w: %w", ErrChatSend, cause)
}
