package services

import (
	"context"
	"testing"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"
	"flashlive/pkg/eventloop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sessionHarness struct {
	loop      *eventloop.Manual
	issuer    *fakeIssuer
	transport *fakeTransport
	conn      *fakeConn
	devices   *fakeDevices
	client    *SessionClient
	events    *eventRecorder
}

func newSessionHarness(t *testing.T, identity string, role domain.Role) *sessionHarness {
	t.Helper()
	loop := eventloop.NewManual()
	conn := newFakeConn("demo", ports.ParticipantInfo{
		Identity: identity,
		Name:     identity,
		Metadata: metadataFor(role, identity),
	})
	h := &sessionHarness{
		loop:      loop,
		issuer:    &fakeIssuer{},
		transport: &fakeTransport{conn: conn},
		conn:      conn,
		devices:   &fakeDevices{},
		events:    &eventRecorder{},
	}
	h.client = NewSessionClient(loop, h.issuer, h.transport, h.devices, SessionClientConfig{
		EndpointURL:    "ws://flashlive.test",
		ConnectTimeout: time.Second,
	}, zaptest.NewLogger(t).Sugar())
	h.client.Observe(h.events)
	return h
}

func TestSessionClient_JoinAsViewer(t *testing.T) {
	h := newSessionHarness(t, "B", domain.RoleViewer)
	h.conn.addRemote(ports.ParticipantInfo{Identity: "A", Metadata: metadataFor(domain.RoleHost, "A")})

	sess, err := h.client.JoinAsViewer(context.Background(), "B", "demo", "B")
	require.NoError(t, err)

	assert.Equal(t, domain.StateConnected, sess.State)
	assert.Equal(t, "demo", sess.RoomName)
	assert.Equal(t, "B", sess.LocalIdentity)
	assert.Equal(t, domain.RoleViewer, sess.LocalRole)
	assert.Equal(t, domain.RoleViewer, h.issuer.lastRequest().Role)
	assert.True(t, h.transport.opts.AutoSubscribe)

	assert.Zero(t, h.devices.callCount(), "viewer must not capture media")
	assert.Zero(t, h.conn.publishedCount(), "viewer must not publish")

	assert.Equal(t, []domain.SessionState{domain.StateConnecting, domain.StateConnected}, h.events.states())
	connected, ok := h.events.last(EventConnected)
	require.True(t, ok)
	require.Len(t, connected.Participants, 1)
	assert.Equal(t, "A", connected.Participants[0].Identity)
	assert.Equal(t, "B", connected.Local.Identity)
}

func TestSessionClient_StartBroadcast_PublishesAfterConnect(t *testing.T) {
	h := newSessionHarness(t, "A", domain.RoleHost)

	sess, err := h.client.StartBroadcast(context.Background(), "A", "demo", "Alice")
	require.NoError(t, err)

	assert.Equal(t, domain.RoleHost, sess.LocalRole)
	assert.Equal(t, domain.RoleHost, h.issuer.lastRequest().Role)
	assert.Equal(t, 1, h.devices.callCount())
	assert.Equal(t, 2, h.conn.publishedCount())

	kinds := h.events.kinds()
	connectedAt := indexOf(kinds, EventConnected)
	publishedAt := indexOf(kinds, EventLocalTrackPublished)
	require.GreaterOrEqual(t, connectedAt, 0)
	require.GreaterOrEqual(t, publishedAt, 0)
	assert.Less(t, connectedAt, publishedAt)

	h.loop.Do(func() {
		pubs := h.client.Publications("A")
		require.Len(t, pubs, 2)
		for _, p := range pubs {
			assert.NotNil(t, p.Track)
		}
		local, ok := h.client.LocalParticipant()
		require.True(t, ok)
		assert.True(t, local.HasPublishedVideo)
		assert.True(t, local.IsLocal)
	})
}

func TestSessionClient_StartFailures(t *testing.T) {
	t.Run("credential", func(t *testing.T) {
		h := newSessionHarness(t, "A", domain.RoleHost)
		h.issuer.err = errBoom

		_, err := h.client.StartBroadcast(context.Background(), "A", "demo", "A")
		assert.ErrorIs(t, err, domain.ErrCredential)
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, domain.StateFailed, h.client.State())
		assert.Zero(t, h.transport.callCount())
	})

	t.Run("connect", func(t *testing.T) {
		h := newSessionHarness(t, "A", domain.RoleHost)
		h.transport.err = errBoom

		_, err := h.client.StartBroadcast(context.Background(), "A", "demo", "A")
		assert.ErrorIs(t, err, domain.ErrConnect)
		assert.Equal(t, domain.StateFailed, h.client.State())
		assert.Zero(t, h.devices.callCount())
	})

	t.Run("media", func(t *testing.T) {
		h := newSessionHarness(t, "A", domain.RoleHost)
		h.devices.err = errBoom

		_, err := h.client.StartBroadcast(context.Background(), "A", "demo", "A")
		assert.ErrorIs(t, err, domain.ErrMedia)
		assert.Equal(t, domain.StateFailed, h.client.State())
		assert.Equal(t, 1, h.conn.disconnectCount())
		assert.Zero(t, h.conn.publishedCount())

		stateEv, ok := h.events.last(EventStateChanged)
		require.True(t, ok)
		assert.ErrorIs(t, stateEv.Err, domain.ErrMedia)
	})

	t.Run("publish", func(t *testing.T) {
		h := newSessionHarness(t, "A", domain.RoleHost)
		h.conn.publishErr = errBoom

		_, err := h.client.StartBroadcast(context.Background(), "A", "demo", "A")
		assert.ErrorIs(t, err, domain.ErrMedia)
		for _, track := range h.devices.created() {
			assert.True(t, track.stopped.Load(), "track %s not released", track.id)
		}
	})

	t.Run("retry after failure", func(t *testing.T) {
		h := newSessionHarness(t, "B", domain.RoleViewer)
		h.transport.err = errBoom
		_, err := h.client.JoinAsViewer(context.Background(), "B", "demo", "B")
		require.Error(t, err)

		h.transport.err = nil
		_, err = h.client.JoinAsViewer(context.Background(), "B", "demo", "B")
		require.NoError(t, err)
		assert.Equal(t, domain.StateConnected, h.client.State())
	})
}

func TestSessionClient_StopBeforeConnectResolves(t *testing.T) {
	h := newSessionHarness(t, "A", domain.RoleHost)
	h.transport.started = make(chan struct{})
	h.transport.release = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.client.StartBroadcast(context.Background(), "A", "demo", "A")
		errCh <- err
	}()

	<-h.transport.started
	h.client.Stop()
	close(h.transport.release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrSessionCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return")
	}

	assert.Equal(t, domain.StateClosed, h.client.State())
	assert.NotContains(t, h.events.states(), domain.StateConnected)
	assert.Zero(t, h.devices.callCount())
	assert.Zero(t, h.conn.publishedCount())
	assert.Equal(t, 1, h.conn.disconnectCount(), "late connection must be released")
}

func TestSessionClient_DuplicateStartIsRejected(t *testing.T) {
	h := newSessionHarness(t, "A", domain.RoleHost)
	h.transport.started = make(chan struct{})
	h.transport.release = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.client.StartBroadcast(context.Background(), "A", "demo", "A")
		errCh <- err
	}()
	<-h.transport.started

	_, err := h.client.StartBroadcast(context.Background(), "A", "demo", "A")
	assert.ErrorIs(t, err, domain.ErrSessionBusy)

	close(h.transport.release)
	require.NoError(t, <-errCh)

	_, err = h.client.JoinAsViewer(context.Background(), "A", "demo", "A")
	assert.ErrorIs(t, err, domain.ErrSessionBusy, "connected session rejects a second start")
	assert.Equal(t, 1, h.transport.callCount())
}

func TestSessionClient_StopIsIdempotent(t *testing.T) {
	h := newSessionHarness(t, "A", domain.RoleHost)

	h.client.Stop()
	assert.Empty(t, h.events.kinds(), "stop on idle client emits nothing")

	_, err := h.client.StartBroadcast(context.Background(), "A", "demo", "A")
	require.NoError(t, err)

	h.client.Stop()
	h.client.Stop()

	assert.Equal(t, domain.StateClosed, h.client.State())
	assert.Equal(t, 1, h.conn.disconnectCount())
	for _, track := range h.devices.created() {
		assert.True(t, track.stopped.Load())
	}

	disconnects := 0
	for _, k := range h.events.kinds() {
		if k == EventDisconnected {
			disconnects++
		}
	}
	assert.Equal(t, 1, disconnects)
}

func TestSessionClient_RoomEvents(t *testing.T) {
	h := newSessionHarness(t, "B", domain.RoleViewer)
	_, err := h.client.JoinAsViewer(context.Background(), "B", "demo", "B")
	require.NoError(t, err)

	host := ports.ParticipantInfo{Identity: "A", Metadata: metadataFor(domain.RoleHost, "A")}
	h.conn.emit(ports.RoomEvent{Kind: ports.RoomParticipantJoined, Participant: host})
	h.conn.emit(ports.RoomEvent{
		Kind:        ports.RoomTrackSubscribed,
		Participant: host,
		Track:       ports.TrackPublication{SID: "TR_1", Kind: domain.TrackKindVideo},
	})
	h.conn.emit(ports.RoomEvent{Kind: ports.RoomDataReceived, Participant: host, Data: []byte("x")})

	assert.NotContains(t, h.events.kinds(), EventParticipantJoined, "transport events are delivered on the loop")
	h.loop.RunPending()

	kinds := h.events.kinds()
	assert.Less(t, indexOf(kinds, EventParticipantJoined), indexOf(kinds, EventTrackSubscribed))
	assert.Less(t, indexOf(kinds, EventTrackSubscribed), indexOf(kinds, EventDataReceived))
	data, _ := h.events.last(EventDataReceived)
	assert.Equal(t, "A", data.Participant.Identity)
	assert.Equal(t, []byte("x"), data.Data)

	h.conn.emit(ports.RoomEvent{Kind: ports.RoomReconnecting})
	h.loop.RunPending()
	assert.Equal(t, domain.StateReconnecting, h.client.State())

	h.conn.emit(ports.RoomEvent{Kind: ports.RoomReconnected})
	h.loop.RunPending()
	assert.Equal(t, domain.StateConnected, h.client.State())

	h.conn.emit(ports.RoomEvent{Kind: ports.RoomDisconnected, Err: errBoom})
	h.loop.RunPending()
	assert.Equal(t, domain.StateDisconnected, h.client.State())
	ev, ok := h.events.last(EventDisconnected)
	require.True(t, ok)
	assert.ErrorIs(t, ev.Err, errBoom)
	assert.Eventually(t, func() bool { return h.conn.disconnectCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSessionClient_IgnoresEventsFromStoppedSession(t *testing.T) {
	h := newSessionHarness(t, "B", domain.RoleViewer)
	_, err := h.client.JoinAsViewer(context.Background(), "B", "demo", "B")
	require.NoError(t, err)

	h.client.Stop()
	h.conn.emit(ports.RoomEvent{Kind: ports.RoomParticipantJoined, Participant: ports.ParticipantInfo{Identity: "late"}})
	h.loop.RunPending()

	assert.NotContains(t, h.events.kinds(), EventParticipantJoined)
}

func TestSessionClient_BuffersEventsUntilInstalled(t *testing.T) {
	h := newSessionHarness(t, "B", domain.RoleViewer)
	h.transport.started = make(chan struct{})
	h.transport.release = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.client.JoinAsViewer(context.Background(), "B", "demo", "B")
		errCh <- err
	}()
	<-h.transport.started

	h.transport.opts.Handler.HandleRoomEvent(ports.RoomEvent{
		Kind:        ports.RoomParticipantJoined,
		Participant: ports.ParticipantInfo{Identity: "C"},
	})
	h.loop.RunPending()
	assert.NotContains(t, h.events.kinds(), EventParticipantJoined)

	close(h.transport.release)
	require.NoError(t, <-errCh)

	kinds := h.events.kinds()
	require.Contains(t, kinds, EventParticipantJoined)
	assert.Less(t, indexOf(kinds, EventConnected), indexOf(kinds, EventParticipantJoined))
}

func TestSessionClient_ObserverPanicIsContained(t *testing.T) {
	h := newSessionHarness(t, "B", domain.RoleViewer)
	after := &eventRecorder{}
	h.client.Observe(SessionObserverFunc(func(ev SessionEvent) {
		panic("observer bug")
	}))
	h.client.Observe(after)

	_, err := h.client.JoinAsViewer(context.Background(), "B", "demo", "B")
	require.NoError(t, err)
	assert.Contains(t, after.kinds(), EventConnected)
}

func TestSessionClient_ObserversReadStateOnTheLoop(t *testing.T) {
	h := newSessionHarness(t, "B", domain.RoleViewer)
	var seen []domain.SessionState
	var local string
	h.client.Observe(SessionObserverFunc(func(ev SessionEvent) {
		if ev.Kind != EventStateChanged {
			return
		}
		seen = append(seen, h.client.CurrentState())
		if p, ok := h.client.LocalParticipant(); ok {
			local = p.Identity
		}
	}))

	_, err := h.client.JoinAsViewer(context.Background(), "B", "demo", "B")
	require.NoError(t, err)

	assert.Equal(t, []domain.SessionState{domain.StateConnecting, domain.StateConnected}, seen)
	assert.Equal(t, "B", local)
}

func TestSessionClient_PublishData(t *testing.T) {
	h := newSessionHarness(t, "B", domain.RoleViewer)

	err := h.client.PublishData(context.Background(), []byte("early"))
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	_, err = h.client.JoinAsViewer(context.Background(), "B", "demo", "B")
	require.NoError(t, err)

	require.NoError(t, h.client.PublishData(context.Background(), []byte("hello")))
	assert.Equal(t, [][]byte{[]byte("hello")}, h.conn.data)
}

func indexOf(kinds []SessionEventKind, kind SessionEventKind) int {
	for i, k := range kinds {
		if k == kind {
			return i
		}
	}
	return -1
}
