package services

import (
	"time"

	"flashlive/internal/core/ports"
	"flashlive/pkg/eventloop"

	"go.uber.org/zap"
)

type ClientConfig struct {
	EndpointURL          string
	ConnectTimeout       time.Duration
	AttachRetryInterval  time.Duration
	AttachMaxRetries     int
	LocalPreviewFallback bool
	ChatMaxLength        int
}

type ClientDeps struct {
	Loop      eventloop.Loop
	Issuer    ports.CredentialIssuer
	Transport ports.Transport
	Devices   ports.MediaDevices
	Logger    *zap.SugaredLogger
	// Now drives the elapsed timer; nil means time.Now.
	Now func() time.Time
}

// Client is one participant's view of a room: the session plus everything
// derived from its events. Observers are registered so the roster sees each
// event before the reconciler and chat read from it.
type Client struct {
	Session *SessionClient
	Roster  *RosterTracker
	Tracks  *TrackReconciler
	Chat    *ChatChannel
	Elapsed *ElapsedTimer
}

func NewClient(cfg ClientConfig, deps ClientDeps) *Client {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	session := NewSessionClient(deps.Loop, deps.Issuer, deps.Transport, deps.Devices, SessionClientConfig{
		EndpointURL:    cfg.EndpointURL,
		ConnectTimeout: cfg.ConnectTimeout,
	}, logger.Named("session"))

	roster := NewRosterTracker(logger.Named("roster"))

	tracks := NewTrackReconciler(deps.Loop, session, deps.Devices, TrackReconcilerConfig{
		RetryInterval: cfg.AttachRetryInterval,
		MaxRetries:    cfg.AttachMaxRetries,
		LocalFallback: cfg.LocalPreviewFallback,
	}, logger.Named("tracks"))
	roster.OnBroadcasterChange(tracks.OnBroadcasterChanged)

	chat := NewChatChannel(deps.Loop, session, session, roster, ChatChannelConfig{
		MaxContentLength: cfg.ChatMaxLength,
	}, logger.Named("chat"))

	elapsed := NewElapsedTimer(deps.Loop, deps.Now)

	session.Observe(roster)
	session.Observe(tracks)
	session.Observe(chat)
	session.Observe(elapsed)

	return &Client{
		Session: session,
		Roster:  roster,
		Tracks:  tracks,
		Chat:    chat,
		Elapsed: elapsed,
	}
}

// Close stops the session and cancels every timer. The loop itself belongs
// to the caller.
func (c *Client) Close() {
	c.Session.Stop()
	c.Tracks.Close()
	c.Elapsed.Close()
}
