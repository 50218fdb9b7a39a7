package services

import (
	"context"
	"errors"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"
	"flashlive/pkg/eventloop"
	"flashlive/pkg/tracing"

	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("session client closed")

type SessionClientConfig struct {
	EndpointURL    string
	ConnectTimeout time.Duration
}

type liveSession struct {
	info         domain.Session
	conn         ports.RoomConn
	local        ports.ParticipantInfo
	tracks       []ports.LocalTrack
	publications []ports.TrackPublication
}

// SessionClient owns the single session of one client. All fields below the
// dependencies belong to the event loop; public methods that block are
// called from outside it and re-enter through Do.
type SessionClient struct {
	loop      eventloop.Loop
	issuer    ports.CredentialIssuer
	transport ports.Transport
	devices   ports.MediaDevices
	cfg       SessionClientConfig
	logger    *zap.SugaredLogger

	observers   []SessionObserver
	state       domain.SessionState
	room        string
	generation  uint64
	inFlight    bool
	cancelStart context.CancelFunc
	session     *liveSession
	pending     []ports.RoomEvent
}

func NewSessionClient(
	loop eventloop.Loop,
	issuer ports.CredentialIssuer,
	transport ports.Transport,
	devices ports.MediaDevices,
	cfg SessionClientConfig,
	logger *zap.SugaredLogger,
) *SessionClient {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SessionClient{
		loop:      loop,
		issuer:    issuer,
		transport: transport,
		devices:   devices,
		cfg:       cfg,
		logger:    logger,
		state:     domain.StateIdle,
	}
}

// Observe registers o for every future session event. Observers run on the
// loop in registration order. Observe waits for the loop and must not be
// called from a loop task, including an observer.
func (s *SessionClient) Observe(o SessionObserver) {
	s.loop.Do(func() {
		s.observers = append(s.observers, o)
	})
}

// StartBroadcast joins room as host and publishes camera and microphone once
// the connection is up. Like JoinAsViewer it must not be called from a loop
// task.
func (s *SessionClient) StartBroadcast(ctx context.Context, identity, room, displayName string) (domain.Session, error) {
	return s.start(ctx, domain.CredentialRequest{
		Identity:    identity,
		Room:        room,
		DisplayName: displayName,
		Role:        domain.RoleHost,
	})
}

func (s *SessionClient) JoinAsViewer(ctx context.Context, identity, room, displayName string) (domain.Session, error) {
	return s.start(ctx, domain.CredentialRequest{
		Identity:    identity,
		Room:        room,
		DisplayName: displayName,
		Role:        domain.RoleViewer,
	})
}

func (s *SessionClient) start(ctx context.Context, req domain.CredentialRequest) (_ domain.Session, err error) {
	ctx, span := tracing.TraceSession(ctx, "session.start", req.Room, req.Identity, req.Role.String())
	defer func() { tracing.EndSpan(span, err) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var gen uint64
	busy := false
	if !s.loop.Do(func() {
		if s.inFlight || s.state.Live() {
			busy = true
			return
		}
		s.generation++
		gen = s.generation
		s.inFlight = true
		s.cancelStart = cancel
		s.room = req.Room
		s.pending = nil
		s.setState(domain.StateConnecting, nil)
	}) {
		return domain.Session{}, ErrClientClosed
	}
	if busy {
		return domain.Session{}, domain.ErrSessionBusy
	}

	s.logger.Infow("starting session", "room", req.Room, "identity", req.Identity, "role", req.Role)

	token, err := s.issuer.IssueCredential(ctx, req)
	if err != nil {
		return domain.Session{}, s.fail(gen, domain.NewCredentialError(err))
	}
	if s.stale(gen) {
		return domain.Session{}, domain.ErrSessionCancelled
	}

	connectCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var connectCancel context.CancelFunc
		connectCtx, connectCancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer connectCancel()
	}
	conn, err := s.transport.Connect(connectCtx, s.cfg.EndpointURL, token, ports.ConnectOptions{
		AutoSubscribe: true,
		Handler:       s.roomHandler(gen),
	})
	if err != nil {
		return domain.Session{}, s.fail(gen, domain.NewConnectError(err))
	}

	info, installed := s.install(gen, req, conn)
	if !installed {
		_ = conn.Disconnect()
		return domain.Session{}, domain.ErrSessionCancelled
	}

	if req.Role != domain.RoleHost {
		s.finish(gen)
		return info, nil
	}

	if err := s.publishLocalMedia(ctx, gen, conn); err != nil {
		return domain.Session{}, err
	}

	s.finish(gen)
	return info, nil
}

func (s *SessionClient) install(gen uint64, req domain.CredentialRequest, conn ports.RoomConn) (domain.Session, bool) {
	var info domain.Session
	installed := false
	s.loop.Do(func() {
		if gen != s.generation {
			return
		}
		installed = true

		local := conn.LocalParticipant()
		if local.Identity == "" {
			local.Identity = req.Identity
		}
		role := req.Role
		if local.Metadata != "" {
			parsed, err := domain.RoleFromMetadata(local.Metadata)
			if err != nil {
				s.logger.Warnw("invalid local participant metadata", "identity", local.Identity, "error", err)
			} else {
				role = parsed
			}
		}
		name := req.DisplayName
		if local.Name != "" {
			name = local.Name
		}
		if conn.RoomName() != "" {
			s.room = conn.RoomName()
		}

		s.session = &liveSession{
			conn:  conn,
			local: local,
			info: domain.Session{
				RoomName:      s.room,
				LocalIdentity: local.Identity,
				LocalRole:     role,
				DisplayName:   name,
				ConnectedAt:   time.Now(),
			},
		}
		s.setState(domain.StateConnected, nil)

		s.dispatch(SessionEvent{
			Kind:         EventConnected,
			State:        s.state,
			Room:         s.room,
			Local:        &local,
			Participants: conn.RemoteParticipants(),
		})

		pending := s.pending
		s.pending = nil
		for _, ev := range pending {
			s.handleRoomEvent(gen, ev)
		}

		if s.session != nil {
			info = s.session.info
			info.State = s.state
		}
	})
	return info, installed
}

func (s *SessionClient) publishLocalMedia(ctx context.Context, gen uint64, conn ports.RoomConn) error {
	if s.devices == nil {
		return s.fail(gen, domain.NewMediaError(errors.New("no media devices configured")))
	}

	tracks, err := s.devices.CreateLocalTracks(ctx, ports.CaptureOptions{Audio: true, Video: true})
	if err != nil {
		return s.fail(gen, domain.NewMediaError(err))
	}

	adopted := false
	s.loop.Do(func() {
		if gen != s.generation || s.session == nil {
			return
		}
		adopted = true
		s.session.tracks = append(s.session.tracks, tracks...)
	})
	if !adopted {
		stopTracks(tracks, s.logger)
		return domain.ErrSessionCancelled
	}

	for _, track := range tracks {
		pub, err := conn.PublishTrack(ctx, track)
		if err != nil {
			return s.fail(gen, domain.NewMediaError(err))
		}
		pub.Track = track

		current := false
		s.loop.Do(func() {
			if gen != s.generation || s.session == nil {
				return
			}
			current = true
			s.session.publications = append(s.session.publications, pub)
			local := s.session.local
			s.dispatch(SessionEvent{
				Kind:        EventLocalTrackPublished,
				State:       s.state,
				Room:        s.room,
				Participant: &local,
				Track:       &pub,
			})
		})
		if !current {
			return domain.ErrSessionCancelled
		}
		s.logger.Infow("local track published", "sid", pub.SID, "kind", pub.Kind)
	}
	return nil
}

// fail moves a current start sequence to Failed and releases whatever it
// installed. A stale sequence only reports cancellation.
func (s *SessionClient) fail(gen uint64, cause error) error {
	current := false
	var sess *liveSession
	s.loop.Do(func() {
		if gen != s.generation {
			return
		}
		current = true
		sess = s.session
		s.session = nil
		s.inFlight = false
		s.cancelStart = nil
		s.pending = nil
		s.setState(domain.StateFailed, cause)
	})

	s.release(sess)

	if !current {
		return domain.ErrSessionCancelled
	}
	s.logger.Warnw("session start failed", "room", s.roomName(), "error", cause)
	return cause
}

func (s *SessionClient) finish(gen uint64) {
	s.loop.Do(func() {
		if gen == s.generation {
			s.inFlight = false
			s.cancelStart = nil
		}
	})
}

func (s *SessionClient) stale(gen uint64) bool {
	stale := true
	s.loop.Do(func() {
		stale = gen != s.generation
	})
	return stale
}

func (s *SessionClient) roomName() string {
	room := ""
	s.loop.Do(func() {
		room = s.room
	})
	return room
}

// Stop closes the session and releases its connection and tracks. It is a
// no-op when there is nothing to stop. It must not be called from a loop task.
func (s *SessionClient) Stop() {
	_, span := tracing.StartSpan(context.Background(), "session.stop")
	defer span.End()

	stopped := false
	var sess *liveSession
	var cancel context.CancelFunc
	s.loop.Do(func() {
		if s.state == domain.StateIdle || s.state == domain.StateClosed {
			return
		}
		stopped = true
		s.generation++
		s.inFlight = false
		cancel = s.cancelStart
		s.cancelStart = nil
		sess = s.session
		s.session = nil
		s.pending = nil
		s.setState(domain.StateClosed, nil)
	})

	if cancel != nil {
		cancel()
	}
	if stopped {
		s.release(sess)
		s.logger.Infow("session stopped")
	}
}

func (s *SessionClient) release(sess *liveSession) {
	if sess == nil {
		return
	}
	if err := sess.conn.Disconnect(); err != nil {
		s.logger.Debugw("disconnect failed", "error", err)
	}
	stopTracks(sess.tracks, s.logger)
}

func stopTracks(tracks []ports.LocalTrack, logger *zap.SugaredLogger) {
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			logger.Debugw("failed to stop local track", "track", t.ID(), "error", err)
		}
	}
}

// State waits for the loop and must not be called from a loop task;
// observers use CurrentState.
func (s *SessionClient) State() domain.SessionState {
	state := domain.StateClosed
	s.loop.Do(func() {
		state = s.state
	})
	return state
}

// Session returns a copy of the current session, if one is installed. It
// must not be called from a loop task.
func (s *SessionClient) Session() (domain.Session, bool) {
	var info domain.Session
	ok := false
	s.loop.Do(func() {
		if s.session != nil {
			info = s.session.info
			info.State = s.state
			ok = true
		}
	})
	return info, ok
}

// PublishData sends payload on the reliable data channel. It must not be
// called from a loop task.
func (s *SessionClient) PublishData(ctx context.Context, payload []byte) error {
	var conn ports.RoomConn
	s.loop.Do(func() {
		if s.session != nil && s.state.Live() {
			conn = s.session.conn
		}
	})
	if conn == nil {
		return domain.ErrNotConnected
	}
	return conn.PublishData(ctx, payload, true)
}

// CurrentState must be called on the loop.
func (s *SessionClient) CurrentState() domain.SessionState {
	return s.state
}

// LocalParticipant must be called on the loop.
func (s *SessionClient) LocalParticipant() (domain.Participant, bool) {
	if s.session == nil {
		return domain.Participant{}, false
	}
	info := s.session.info
	return domain.Participant{
		Identity:          info.LocalIdentity,
		Name:              info.DisplayName,
		Metadata:          s.session.local.Metadata,
		Role:              info.LocalRole,
		HasPublishedVideo: hasVideo(s.session.publications),
		IsLocal:           true,
		JoinedAt:          info.ConnectedAt,
	}, true
}

// Publications lists the known publications of identity, local or remote.
// It must be called on the loop.
func (s *SessionClient) Publications(identity string) []ports.TrackPublication {
	if s.session == nil {
		return nil
	}
	if identity == s.session.info.LocalIdentity {
		return append([]ports.TrackPublication(nil), s.session.publications...)
	}
	p, ok := s.session.conn.RemoteParticipant(identity)
	if !ok {
		return nil
	}
	return p.Tracks
}

func hasVideo(pubs []ports.TrackPublication) bool {
	for _, p := range pubs {
		if p.Kind == domain.TrackKindVideo {
			return true
		}
	}
	return false
}

func (s *SessionClient) roomHandler(gen uint64) ports.RoomEventHandler {
	return ports.RoomEventHandlerFunc(func(ev ports.RoomEvent) {
		s.loop.Post(func() {
			s.handleRoomEvent(gen, ev)
		})
	})
}

func (s *SessionClient) handleRoomEvent(gen uint64, ev ports.RoomEvent) {
	if gen != s.generation {
		return
	}
	if s.session == nil {
		s.pending = append(s.pending, ev)
		return
	}

	participant := ev.Participant
	track := ev.Track

	switch ev.Kind {
	case ports.RoomParticipantJoined:
		s.dispatch(SessionEvent{Kind: EventParticipantJoined, State: s.state, Room: s.room, Participant: &participant})
	case ports.RoomParticipantLeft:
		s.dispatch(SessionEvent{Kind: EventParticipantLeft, State: s.state, Room: s.room, Participant: &participant})
	case ports.RoomParticipantMetadataChanged:
		s.dispatch(SessionEvent{Kind: EventParticipantUpdated, State: s.state, Room: s.room, Participant: &participant})
	case ports.RoomTrackPublished:
		s.dispatch(SessionEvent{Kind: EventTrackPublished, State: s.state, Room: s.room, Participant: &participant, Track: &track})
	case ports.RoomTrackSubscribed:
		s.dispatch(SessionEvent{Kind: EventTrackSubscribed, State: s.state, Room: s.room, Participant: &participant, Track: &track})
	case ports.RoomTrackUnpublished:
		s.dispatch(SessionEvent{Kind: EventTrackUnpublished, State: s.state, Room: s.room, Participant: &participant, Track: &track})
	case ports.RoomDataReceived:
		s.dispatch(SessionEvent{Kind: EventDataReceived, State: s.state, Room: s.room, Participant: &participant, Data: ev.Data})
	case ports.RoomReconnecting:
		s.setState(domain.StateReconnecting, ev.Err)
	case ports.RoomReconnected:
		s.setState(domain.StateConnected, nil)
	case ports.RoomDisconnected:
		sess := s.session
		s.generation++
		s.session = nil
		s.inFlight = false
		if s.cancelStart != nil {
			s.cancelStart()
			s.cancelStart = nil
		}
		s.logger.Warnw("transport disconnected", "room", s.room, "error", ev.Err)
		s.setState(domain.StateDisconnected, ev.Err)
		go s.release(sess)
	}
}

func (s *SessionClient) setState(next domain.SessionState, err error) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	s.logger.Debugw("session state changed", "room", s.room, "from", prev.String(), "to", next.String())

	s.dispatch(SessionEvent{Kind: EventStateChanged, State: next, Prev: prev, Room: s.room, Err: err})
	if prev.Live() && next.Terminal() {
		s.dispatch(SessionEvent{Kind: EventDisconnected, State: next, Prev: prev, Room: s.room, Err: err})
	}
}

func (s *SessionClient) dispatch(ev SessionEvent) {
	for _, o := range s.observers {
		s.notify(o, ev)
	}
}

func (s *SessionClient) notify(o SessionObserver, ev SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("session observer panicked", "event", ev.Kind.String(), "panic", r)
		}
	}()
	o.OnSessionEvent(ev)
}
