package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"
	"flashlive/internal/core/services"
	"flashlive/internal/infrastructure/middleware"
	"flashlive/internal/infrastructure/monitoring"
	"flashlive/pkg/config"
	apperrors "flashlive/pkg/errors"
	"flashlive/pkg/tracing"
	"flashlive/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const sendBufferSize = 256

type RoomServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	DataRate       rate.Limit
	DataBurst      int
	AllowedOrigins []string
}

func NewRoomServerConfig(cfg *config.Config) RoomServerConfig {
	out := RoomServerConfig{
		PingInterval:   cfg.Transport.PingInterval,
		PongTimeout:    cfg.Transport.PongTimeout,
		WriteTimeout:   cfg.Transport.WriteTimeout,
		MaxMessageSize: cfg.Transport.MaxMessageSizeBytes,
		DataRate:       rate.Inf,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		out.DataRate = rate.Limit(cfg.RateLimiting.Data.MessagesPerSecond)
		out.DataBurst = cfg.RateLimiting.Data.Burst
	}
	return out
}

// RoomServer is the signaling side of the room transport. It keeps one hub
// per room and relays lifecycle events and data packets between members.
type RoomServer struct {
	rooms   ports.RoomService
	metrics *monitoring.PrometheusCollector
	cfg     RoomServerConfig

	upgrader websocket.Upgrader

	hubs map[string]*roomHub
	mu   sync.RWMutex

	listing *listingOrder

	now    func() time.Time
	logger *zap.SugaredLogger
}

type roomHub struct {
	members map[string]*peer
	order   []string
}

type peer struct {
	identity string
	name     string
	metadata string
	role     domain.Role
	grant    services.VideoGrant
	joinedAt time.Time

	// guarded by RoomServer.mu
	tracks []TrackInfo

	limiter  *rate.Limiter
	send     chan Message
	kicked   chan struct{}
	kickOnce sync.Once
}

func NewRoomServer(rooms ports.RoomService, metrics *monitoring.PrometheusCollector, cfg RoomServerConfig, logger *zap.SugaredLogger) *RoomServer {
	s := &RoomServer{
		rooms:   rooms,
		metrics: metrics,
		cfg:     cfg,
		hubs:    make(map[string]*roomHub),
		listing: newListingOrder(),
		now:     time.Now,
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *RoomServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleRTC upgrades an authenticated request to a room connection. It must
// run behind middleware.CredentialMiddleware.
func (s *RoomServer) HandleRTC(c *gin.Context) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, apperrors.NewUnauthorizedError("credential required").Response())
		return
	}
	if !claims.Video.RoomJoin {
		c.AbortWithStatusJSON(http.StatusForbidden, apperrors.NewForbiddenError("room join not granted").Response())
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	room := claims.Video.Room
	p := s.newPeer(claims)

	replaced := s.register(c.Request.Context(), room, p)
	if replaced != nil {
		replaced.kick()
	}
	s.metrics.RecordParticipantConnected(p.role.String())
	s.logger.Infow("participant connected", "room", room, "identity", p.identity, "role", p.role, "reconnect", replaced != nil)

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 16)
	errorChan := make(chan error, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)

	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- msg:
			case <-readerDone:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			reply, err := s.handleMessage(context.Background(), room, p, msg)
			if errors.Is(err, errLeave) {
				goto cleanup
			}
			if err != nil {
				s.logger.Infow("error handling message from participant", "identity", p.identity, "type", msg.Type, "error", err)
				if err := s.sendError(conn, msg.RequestID, err); err != nil {
					goto cleanup
				}
				continue
			}
			if reply != nil {
				if err := s.write(conn, *reply); err != nil {
					goto cleanup
				}
			}

		case out := <-p.send:
			if err := s.write(conn, out); err != nil {
				s.logger.Infow("error writing to participant", "identity", p.identity, "error", err)
				goto cleanup
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "identity", p.identity, "error", err)
				goto cleanup
			}

		case <-p.kicked:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"),
				time.Now().Add(s.cfg.WriteTimeout))
			goto cleanup

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from participant", "identity", p.identity, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.unregister(context.Background(), room, p)
	s.logger.Infow("participant disconnected", "room", room, "identity", p.identity)
}

func (s *RoomServer) newPeer(claims *services.Claims) *peer {
	limiter := rate.NewLimiter(s.cfg.DataRate, s.cfg.DataBurst)
	return &peer{
		identity: claims.Identity(),
		name:     claims.Name,
		metadata: claims.Metadata,
		role:     claims.Role(),
		grant:    claims.Video,
		joinedAt: s.now(),
		limiter:  limiter,
		send:     make(chan Message, sendBufferSize),
		kicked:   make(chan struct{}),
	}
}

// register adds p to its room hub and queues the join snapshot as the first
// message p receives. A live connection with the same identity is detached
// and returned.
func (s *RoomServer) register(ctx context.Context, room string, p *peer) *peer {
	s.mu.Lock()
	hub, ok := s.hubs[room]
	if !ok {
		hub = &roomHub{members: make(map[string]*peer)}
		s.hubs[room] = hub
		s.metrics.RecordRoomOpened()
	}

	replaced := hub.members[p.identity]
	if replaced != nil {
		for _, t := range replaced.tracks {
			s.broadcastLocked(hub, p.identity, TypeTrackUnpublished, TrackEventPayload{Participant: replaced.payload(), Track: t})
		}
		hub.remove(p.identity)
	}

	join := JoinPayload{Room: room, Participant: p.payload(), Participants: make([]ParticipantPayload, 0, len(hub.order))}
	for _, id := range hub.order {
		join.Participants = append(join.Participants, hub.members[id].payload())
	}
	hub.add(p)

	if msg, err := NewMessage(TypeJoin, "", join); err == nil {
		p.enqueue(msg)
	}
	if replaced == nil {
		s.broadcastLocked(hub, p.identity, TypeParticipantJoined, ParticipantEventPayload{Participant: p.payload()})
	} else {
		s.broadcastLocked(hub, p.identity, TypeParticipantUpdated, ParticipantEventPayload{Participant: p.payload()})
	}
	var turn uint64
	if replaced == nil {
		turn = s.listing.ticket(room)
	}
	s.mu.Unlock()

	if replaced == nil {
		s.listing.run(room, turn, func() {
			if err := s.rooms.ParticipantJoined(ctx, room, p.participant()); err != nil {
				s.logger.Warnw("failed to record participant join", "room", room, "identity", p.identity, "error", err)
			}
		})
	}
	return replaced
}

func (s *RoomServer) unregister(ctx context.Context, room string, p *peer) {
	s.mu.Lock()
	hub := s.hubs[room]
	current := hub != nil && hub.members[p.identity] == p
	var turn uint64
	if current {
		turn = s.listing.ticket(room)
		hub.remove(p.identity)
		s.broadcastLocked(hub, p.identity, TypeParticipantLeft, ParticipantEventPayload{Participant: p.payload()})
		if len(hub.order) == 0 {
			delete(s.hubs, room)
			s.metrics.RecordRoomClosed()
		}
	}
	s.mu.Unlock()

	s.metrics.RecordParticipantDisconnected(p.role.String(), s.now().Sub(p.joinedAt))

	if current {
		s.listing.run(room, turn, func() {
			if err := s.rooms.ParticipantLeft(ctx, room, p.identity); err != nil {
				s.logger.Warnw("failed to record participant leave", "room", room, "identity", p.identity, "error", err)
			}
		})
	}
}

func (s *RoomServer) handleMessage(ctx context.Context, room string, p *peer, msg Message) (reply *Message, err error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("message type is required")
	}

	_, span := tracing.TraceSignalMessage(ctx, msg.Type, room, p.identity)
	defer func() { tracing.EndSpan(span, err) }()

	s.metrics.RecordSignalMessage(msg.Type)

	switch msg.Type {
	case TypePublishTrack:
		return s.publishTrack(room, p, msg)
	case TypeUnpublishTrack:
		return s.unpublishTrack(room, p, msg)
	case TypeData:
		return s.relayData(room, p, msg)
	case TypeLeave:
		return nil, errLeave
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

func (s *RoomServer) publishTrack(room string, p *peer, msg Message) (*Message, error) {
	if !p.grant.CanPublish {
		return nil, fmt.Errorf("%w: credential does not allow publishing", domain.ErrPermissionDenied)
	}

	var req PublishTrackPayload
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	kind, err := parseTrackKind(req.Kind)
	if err != nil {
		return nil, err
	}
	track := TrackInfo{SID: utils.GenerateTrackSID(), Name: req.Name, Kind: string(kind)}

	s.mu.Lock()
	hub, err := s.memberHub(room, p)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	p.tracks = append(p.tracks, track)
	s.broadcastLocked(hub, p.identity, TypeTrackPublished, TrackEventPayload{Participant: p.payload(), Track: track})
	s.mu.Unlock()

	s.metrics.RecordTrackPublished(track.Kind)
	s.logger.Infow("track published", "room", room, "identity", p.identity, "sid", track.SID, "kind", track.Kind)

	return ack(msg.RequestID, AckPayload{Track: &track})
}

func (s *RoomServer) unpublishTrack(room string, p *peer, msg Message) (*Message, error) {
	var req UnpublishTrackPayload
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	hub, err := s.memberHub(room, p)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	idx := -1
	for i, t := range p.tracks {
		if t.SID == req.SID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrack, req.SID)
	}
	track := p.tracks[idx]
	p.tracks = append(p.tracks[:idx], p.tracks[idx+1:]...)
	s.broadcastLocked(hub, p.identity, TypeTrackUnpublished, TrackEventPayload{Participant: p.payload(), Track: track})
	s.mu.Unlock()

	return ack(msg.RequestID, AckPayload{Track: &track})
}

func (s *RoomServer) relayData(room string, p *peer, msg Message) (*Message, error) {
	if !p.grant.CanPublishData {
		s.metrics.RecordDataDropped("permission_denied")
		return nil, fmt.Errorf("%w: credential does not allow data", domain.ErrPermissionDenied)
	}
	if !p.limiter.Allow() {
		s.metrics.RecordDataDropped("rate_limited")
		return nil, ErrRateLimited
	}

	var req DataPayload
	if err := msg.Decode(&req); err != nil {
		s.metrics.RecordDataDropped("malformed")
		return nil, err
	}
	if len(req.Payload) == 0 {
		s.metrics.RecordDataDropped("empty")
		return nil, fmt.Errorf("data payload is empty")
	}

	out := DataPayload{Participant: p.identity, Payload: req.Payload, Reliable: req.Reliable}

	s.mu.RLock()
	hub, err := s.memberHub(room, p)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	delivered := s.broadcastLocked(hub, p.identity, TypeData, out)
	s.mu.RUnlock()

	s.metrics.RecordDataRelayed(len(req.Payload), delivered)
	return ack(msg.RequestID, AckPayload{})
}

// memberHub must be called with s.mu held.
func (s *RoomServer) memberHub(room string, p *peer) (*roomHub, error) {
	hub := s.hubs[room]
	if hub == nil || hub.members[p.identity] != p {
		return nil, fmt.Errorf("participant %s is no longer in room %s", p.identity, room)
	}
	return hub, nil
}

// broadcastLocked queues a message for every member except the sender and
// returns the number of members it reached. Members whose buffer is full
// are disconnected.
func (s *RoomServer) broadcastLocked(hub *roomHub, except, msgType string, payload interface{}) int {
	msg, err := NewMessage(msgType, "", payload)
	if err != nil {
		s.logger.Errorw("failed to encode broadcast", "type", msgType, "error", err)
		return 0
	}
	delivered := 0
	for _, id := range hub.order {
		if id == except {
			continue
		}
		member := hub.members[id]
		if member.enqueue(msg) {
			delivered++
			continue
		}
		s.logger.Warnw("dropping slow participant", "identity", id, "type", msgType)
		member.kick()
	}
	return delivered
}

func (s *RoomServer) write(conn *websocket.Conn, msg Message) error {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (s *RoomServer) sendError(conn *websocket.Conn, requestID string, err error) error {
	msg, encErr := NewMessage(TypeError, requestID, ErrorPayload{Code: errorCode(err), Message: err.Error()})
	if encErr != nil {
		return encErr
	}
	return s.write(conn, msg)
}

func ack(requestID string, payload AckPayload) (*Message, error) {
	if requestID == "" {
		return nil, nil
	}
	msg, err := NewMessage(TypeAck, requestID, payload)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Stats returns the number of live rooms and connected participants.
func (s *RoomServer) Stats() (rooms, participants int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, hub := range s.hubs {
		participants += len(hub.order)
	}
	return len(s.hubs), participants
}

func (s *RoomServer) IsConnected(room, identity string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hub := s.hubs[room]
	return hub != nil && hub.members[identity] != nil
}

func (s *RoomServer) HealthCheck(c *gin.Context) {
	rooms, participants := s.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"rooms":        rooms,
		"participants": participants,
		"timestamp":    s.now().Unix(),
	})
}

// Close disconnects every participant.
func (s *RoomServer) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, hub := range s.hubs {
		for _, p := range hub.members {
			p.kick()
		}
	}
}

func (h *roomHub) add(p *peer) {
	h.members[p.identity] = p
	h.order = append(h.order, p.identity)
}

func (h *roomHub) remove(identity string) {
	delete(h.members, identity)
	for i, id := range h.order {
		if id == identity {
			h.order = append(h.order[:i], h.order[i+1:]...)
			return
		}
	}
}

func (p *peer) enqueue(msg Message) bool {
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

func (p *peer) kick() {
	p.kickOnce.Do(func() { close(p.kicked) })
}

func (p *peer) payload() ParticipantPayload {
	out := ParticipantPayload{
		Identity: p.identity,
		Name:     p.name,
		Metadata: p.metadata,
		JoinedAt: p.joinedAt,
	}
	if len(p.tracks) > 0 {
		out.Tracks = append([]TrackInfo(nil), p.tracks...)
	}
	return out
}

func (p *peer) participant() domain.Participant {
	return domain.Participant{
		Identity: p.identity,
		Name:     p.name,
		Metadata: p.metadata,
		Role:     p.role,
		JoinedAt: p.joinedAt,
	}
}
