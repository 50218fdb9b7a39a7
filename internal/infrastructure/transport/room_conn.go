package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"
	"flashlive/internal/infrastructure/signal"
	"flashlive/pkg/retry"
	"flashlive/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// remoteTrack is the media handle of a subscribed remote publication.
type remoteTrack struct {
	sid  string
	kind domain.TrackKind
}

func (t *remoteTrack) ID() string             { return t.sid }
func (t *remoteTrack) Kind() domain.TrackKind { return t.kind }

type roomConn struct {
	transport     *WebSocketTransport
	target        string
	handler       ports.RoomEventHandler
	autoSubscribe bool
	logger        *zap.SugaredLogger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	mu        sync.RWMutex
	ws        *websocket.Conn
	room      string
	local     ports.ParticipantInfo
	localPubs []localPublication
	remotes   map[string]*ports.ParticipantInfo
	order     []string
	pending   map[string]chan signal.Message
	closed    bool
}

type localPublication struct {
	track ports.LocalTrack
	pub   ports.TrackPublication
}

func newRoomConn(t *WebSocketTransport, target string, opts ports.ConnectOptions) *roomConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &roomConn{
		transport:     t,
		target:        target,
		handler:       opts.Handler,
		autoSubscribe: opts.AutoSubscribe,
		logger:        t.logger,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		remotes:       make(map[string]*ports.ParticipantInfo),
		pending:       make(map[string]chan signal.Message),
	}
}

func (c *roomConn) attach(ws *websocket.Conn, join signal.JoinPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = ws
	c.room = join.Room
	c.local = join.Participant.Info()
	c.local.Tracks = nil
	for _, p := range join.Participants {
		info := c.subscribe(p.Info())
		c.remotes[info.Identity] = &info
		c.order = append(c.order, info.Identity)
	}
}

// subscribe gives every publication a media handle when auto-subscribe is on.
func (c *roomConn) subscribe(info ports.ParticipantInfo) ports.ParticipantInfo {
	if !c.autoSubscribe {
		return info
	}
	for i := range info.Tracks {
		info.Tracks[i] = c.subscribeTrack(info.Tracks[i])
	}
	return info
}

func (c *roomConn) subscribeTrack(pub ports.TrackPublication) ports.TrackPublication {
	if c.autoSubscribe && pub.Track == nil {
		pub.Track = &remoteTrack{sid: pub.SID, kind: pub.Kind}
	}
	return pub
}

func (c *roomConn) RoomName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *roomConn) LocalParticipant() ports.ParticipantInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyInfo(c.local)
}

func (c *roomConn) RemoteParticipants() []ports.ParticipantInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ports.ParticipantInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, copyInfo(*c.remotes[id]))
	}
	return out
}

func (c *roomConn) RemoteParticipant(identity string) (ports.ParticipantInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.remotes[identity]
	if !ok {
		return ports.ParticipantInfo{}, false
	}
	return copyInfo(*info), true
}

func (c *roomConn) PublishTrack(ctx context.Context, track ports.LocalTrack) (ports.TrackPublication, error) {
	pub, err := c.publish(ctx, track)
	if err != nil {
		return ports.TrackPublication{}, err
	}
	c.mu.Lock()
	c.localPubs = append(c.localPubs, localPublication{track: track, pub: pub})
	c.local.Tracks = append(c.local.Tracks, pub)
	c.mu.Unlock()
	return pub, nil
}

func (c *roomConn) publish(ctx context.Context, track ports.LocalTrack) (ports.TrackPublication, error) {
	reply, err := c.request(ctx, signal.TypePublishTrack, signal.PublishTrackPayload{
		Name: track.ID(),
		Kind: string(track.Kind()),
	})
	if err != nil {
		return ports.TrackPublication{}, err
	}
	var ack signal.AckPayload
	if err := reply.Decode(&ack); err != nil {
		return ports.TrackPublication{}, err
	}
	if ack.Track == nil {
		return ports.TrackPublication{}, fmt.Errorf("publish acknowledgement carries no track")
	}
	pub := ack.Track.Publication()
	pub.Track = track
	return pub, nil
}

func (c *roomConn) PublishData(ctx context.Context, payload []byte, reliable bool) error {
	_, err := c.request(ctx, signal.TypeData, signal.DataPayload{Payload: payload, Reliable: reliable})
	return err
}

func (c *roomConn) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.failPendingLocked()
	c.mu.Unlock()

	c.shutdown()

	if msg, err := signal.NewMessage(signal.TypeLeave, "", nil); err == nil {
		c.write(ws, msg)
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.transport.cfg.WriteTimeout))
	c.logger.Infow("disconnected from room", "room", c.RoomName())
	return ws.Close()
}

func (c *roomConn) shutdown() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
	})
}

func (c *roomConn) request(ctx context.Context, msgType string, payload interface{}) (signal.Message, error) {
	id := utils.GenerateID("req")
	msg, err := signal.NewMessage(msgType, id, payload)
	if err != nil {
		return signal.Message{}, err
	}

	ch := make(chan signal.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return signal.Message{}, ErrConnectionClosed
	}
	ws := c.ws
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ws, msg); err != nil {
		return signal.Message{}, fmt.Errorf("failed to send %s: %w", msgType, err)
	}

	if timeout := c.transport.cfg.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case reply := <-ch:
		if reply.Type == signal.TypeError {
			var p signal.ErrorPayload
			if err := reply.Decode(&p); err != nil {
				return reply, err
			}
			return reply, p.Err()
		}
		return reply, nil
	case <-ctx.Done():
		return signal.Message{}, ctx.Err()
	case <-c.done:
		return signal.Message{}, ErrConnectionClosed
	}
}

func (c *roomConn) write(ws *websocket.Conn, msg signal.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.transport.cfg.WriteTimeout))
	return ws.WriteJSON(msg)
}

// failPendingLocked answers every outstanding request with a connection
// lost error.
func (c *roomConn) failPendingLocked() {
	for id, ch := range c.pending {
		msg, err := signal.NewMessage(signal.TypeError, id, signal.ErrorPayload{
			Code:    "connection_lost",
			Message: ErrConnectionLost.Error(),
		})
		if err != nil {
			continue
		}
		select {
		case ch <- msg:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *roomConn) readLoop(ws *websocket.Conn) {
	for {
		var msg signal.Message
		if err := ws.ReadJSON(&msg); err != nil {
			c.connectionLost(ws, err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(c.transport.cfg.ReadTimeout))
		c.handleMessage(msg)
	}
}

func (c *roomConn) handleMessage(msg signal.Message) {
	switch msg.Type {
	case signal.TypeAck, signal.TypeError:
		c.resolve(msg)
	case signal.TypeParticipantJoined:
		var p signal.ParticipantEventPayload
		if c.decode(msg, &p) {
			c.emitAll(c.participantJoined(p.Participant))
		}
	case signal.TypeParticipantUpdated:
		var p signal.ParticipantEventPayload
		if c.decode(msg, &p) {
			c.emitAll(c.participantUpdated(p.Participant))
		}
	case signal.TypeParticipantLeft:
		var p signal.ParticipantEventPayload
		if c.decode(msg, &p) {
			c.emitAll(c.participantLeft(p.Participant.Identity))
		}
	case signal.TypeTrackPublished:
		var p signal.TrackEventPayload
		if c.decode(msg, &p) {
			c.emitAll(c.trackPublished(p.Participant, p.Track))
		}
	case signal.TypeTrackUnpublished:
		var p signal.TrackEventPayload
		if c.decode(msg, &p) {
			c.emitAll(c.trackUnpublished(p.Participant.Identity, p.Track.SID))
		}
	case signal.TypeData:
		var p signal.DataPayload
		if c.decode(msg, &p) {
			c.emit(ports.RoomEvent{Kind: ports.RoomDataReceived, Participant: c.sender(p.Participant), Data: p.Payload})
		}
	default:
		c.logger.Debugw("ignoring signal message", "type", msg.Type)
	}
}

func (c *roomConn) decode(msg signal.Message, v interface{}) bool {
	if err := msg.Decode(v); err != nil {
		c.logger.Warnw("dropping malformed signal message", "type", msg.Type, "error", err)
		return false
	}
	return true
}

func (c *roomConn) resolve(msg signal.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	delete(c.pending, msg.RequestID)
	c.mu.Unlock()
	if !ok {
		if msg.Type == signal.TypeError {
			c.logger.Warnw("signal error without pending request", "request_id", msg.RequestID)
		}
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (c *roomConn) participantJoined(p signal.ParticipantPayload) []ports.RoomEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.remotes[p.Identity]; exists {
		return c.updateLocked(p)
	}
	info := p.Info()
	tracks := info.Tracks
	info.Tracks = nil
	c.remotes[info.Identity] = &info
	c.order = append(c.order, info.Identity)

	events := []ports.RoomEvent{{Kind: ports.RoomParticipantJoined, Participant: copyInfo(info)}}
	for _, pub := range tracks {
		events = append(events, c.addTrackLocked(info.Identity, pub)...)
	}
	return events
}

func (c *roomConn) participantUpdated(p signal.ParticipantPayload) []ports.RoomEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateLocked(p)
}

func (c *roomConn) updateLocked(p signal.ParticipantPayload) []ports.RoomEvent {
	info, ok := c.remotes[p.Identity]
	if !ok {
		return nil
	}
	info.Name = p.Name
	info.Metadata = p.Metadata
	return []ports.RoomEvent{{Kind: ports.RoomParticipantMetadataChanged, Participant: copyInfo(*info)}}
}

func (c *roomConn) participantLeft(identity string) []ports.RoomEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.removeLocked(identity)
	if !ok {
		return nil
	}
	return []ports.RoomEvent{{Kind: ports.RoomParticipantLeft, Participant: info}}
}

func (c *roomConn) removeLocked(identity string) (ports.ParticipantInfo, bool) {
	info, ok := c.remotes[identity]
	if !ok {
		return ports.ParticipantInfo{}, false
	}
	delete(c.remotes, identity)
	for i, id := range c.order {
		if id == identity {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return *info, true
}

func (c *roomConn) trackPublished(p signal.ParticipantPayload, track signal.TrackInfo) []ports.RoomEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.remotes[p.Identity]; !ok {
		return nil
	}
	return c.addTrackLocked(p.Identity, track.Publication())
}

// addTrackLocked records pub and returns the published event, followed by
// the subscribed event when auto-subscribe is on.
func (c *roomConn) addTrackLocked(identity string, pub ports.TrackPublication) []ports.RoomEvent {
	info := c.remotes[identity]
	pub = c.subscribeTrack(pub)
	info.Tracks = append(info.Tracks, pub)

	published := pub
	published.Track = nil
	events := []ports.RoomEvent{{Kind: ports.RoomTrackPublished, Participant: copyInfo(*info), Track: published}}
	if pub.Track != nil {
		events = append(events, ports.RoomEvent{Kind: ports.RoomTrackSubscribed, Participant: copyInfo(*info), Track: pub})
	}
	return events
}

func (c *roomConn) trackUnpublished(identity, sid string) []ports.RoomEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.remotes[identity]
	if !ok {
		return nil
	}
	for i, pub := range info.Tracks {
		if pub.SID == sid {
			info.Tracks = append(info.Tracks[:i], info.Tracks[i+1:]...)
			return []ports.RoomEvent{{Kind: ports.RoomTrackUnpublished, Participant: copyInfo(*info), Track: pub}}
		}
	}
	return nil
}

func (c *roomConn) sender(identity string) ports.ParticipantInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if info, ok := c.remotes[identity]; ok {
		return copyInfo(*info)
	}
	return ports.ParticipantInfo{Identity: identity}
}

func (c *roomConn) emit(ev ports.RoomEvent) {
	if c.handler != nil {
		c.handler.HandleRoomEvent(ev)
	}
}

func (c *roomConn) emitAll(events []ports.RoomEvent) {
	for _, ev := range events {
		c.emit(ev)
	}
}

// connectionLost runs on the read goroutine of the dead socket. It redials
// with backoff and resynchronizes the roster from the new join snapshot.
func (c *roomConn) connectionLost(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.failPendingLocked()
	c.mu.Unlock()
	ws.Close()

	attempts := c.transport.cfg.ReconnectAttempts
	if attempts <= 0 {
		c.terminate(cause)
		return
	}

	c.logger.Infow("signal connection lost, reconnecting", "room", c.RoomName(), "error", cause)
	c.emit(ports.RoomEvent{Kind: ports.RoomReconnecting, Err: cause})

	type dialed struct {
		ws   *websocket.Conn
		join signal.JoinPayload
	}
	cfg := retry.Config{
		Enabled:            true,
		MaxAttempts:        attempts - 1,
		InitialDelay:       c.transport.cfg.ReconnectDelay,
		MaxDelay:           10 * c.transport.cfg.ReconnectDelay,
		Multiplier:         2,
		Jitter:             true,
		NonRetryableErrors: []error{ErrRejected},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.logger.Infow("reconnect attempt failed", "attempt", attempt, "error", err, "next_delay", delay)
		},
	}
	result, err := retry.RetryWithResult(c.ctx, cfg, func() (dialed, error) {
		next, join, err := c.transport.dial(c.ctx, c.target)
		return dialed{ws: next, join: join}, err
	})
	if err != nil {
		c.terminate(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		result.ws.Close()
		return
	}
	c.ws = result.ws
	events := c.resyncLocked(result.join)
	republish := append([]localPublication(nil), c.localPubs...)
	c.localPubs = nil
	c.mu.Unlock()

	c.emitAll(events)
	c.emit(ports.RoomEvent{Kind: ports.RoomReconnected})
	go c.readLoop(result.ws)

	for _, lp := range republish {
		if _, err := c.PublishTrack(c.ctx, lp.track); err != nil {
			c.logger.Warnw("failed to republish track after reconnect", "track", lp.track.ID(), "error", err)
		}
	}
	c.logger.Infow("reconnected to room", "room", c.RoomName())
}

func (c *roomConn) terminate(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.failPendingLocked()
	c.mu.Unlock()
	c.shutdown()

	c.logger.Warnw("room connection terminated", "room", c.RoomName(), "error", cause)
	c.emit(ports.RoomEvent{Kind: ports.RoomDisconnected, Err: fmt.Errorf("%w: %w", ErrConnectionLost, cause)})
}

// resyncLocked replaces the remote roster with the join snapshot and returns
// the events that bring an observer of the old roster up to date.
func (c *roomConn) resyncLocked(join signal.JoinPayload) []ports.RoomEvent {
	var events []ports.RoomEvent

	seen := make(map[string]bool, len(join.Participants))
	for _, p := range join.Participants {
		seen[p.Identity] = true
	}
	for _, id := range append([]string(nil), c.order...) {
		if !seen[id] {
			info, _ := c.removeLocked(id)
			events = append(events, ports.RoomEvent{Kind: ports.RoomParticipantLeft, Participant: info})
		}
	}

	for _, p := range join.Participants {
		existing, ok := c.remotes[p.Identity]
		if !ok {
			info := p.Info()
			tracks := info.Tracks
			info.Tracks = nil
			c.remotes[info.Identity] = &info
			c.order = append(c.order, info.Identity)
			events = append(events, ports.RoomEvent{Kind: ports.RoomParticipantJoined, Participant: copyInfo(info)})
			for _, pub := range tracks {
				events = append(events, c.addTrackLocked(info.Identity, pub)...)
			}
			continue
		}

		if existing.Metadata != p.Metadata || existing.Name != p.Name {
			events = append(events, c.updateLocked(p)...)
		}

		current := make(map[string]bool, len(p.Tracks))
		for _, t := range p.Tracks {
			current[t.SID] = true
		}
		known := make(map[string]bool, len(existing.Tracks))
		kept := make([]ports.TrackPublication, 0, len(existing.Tracks))
		for _, pub := range existing.Tracks {
			known[pub.SID] = true
			if current[pub.SID] {
				kept = append(kept, pub)
				continue
			}
			events = append(events, ports.RoomEvent{Kind: ports.RoomTrackUnpublished, Participant: copyInfo(*existing), Track: pub})
		}
		existing.Tracks = kept
		for _, t := range p.Tracks {
			if !known[t.SID] {
				events = append(events, c.addTrackLocked(p.Identity, t.Publication())...)
			}
		}
	}

	c.room = join.Room
	c.local = join.Participant.Info()
	c.local.Tracks = nil
	return events
}

func copyInfo(info ports.ParticipantInfo) ports.ParticipantInfo {
	if info.Tracks != nil {
		info.Tracks = append([]ports.TrackPublication(nil), info.Tracks...)
	}
	return info
}
