package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"
)

func metadataFor(role domain.Role, name string) string {
	raw, err := domain.ParticipantMetadata{Role: role, Name: name}.Encode()
	if err != nil {
		panic(err)
	}
	return raw
}

type fakeIssuer struct {
	mu       sync.Mutex
	err      error
	requests []domain.CredentialRequest
}

func (f *fakeIssuer) IssueCredential(ctx context.Context, req domain.CredentialRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return "token-" + req.Identity, nil
}

func (f *fakeIssuer) lastRequest() domain.CredentialRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeTrack struct {
	id      string
	kind    domain.TrackKind
	stopped atomic.Bool
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeTrack) Stop() error {
	t.stopped.Store(true)
	return nil
}

type fakeDevices struct {
	mu     sync.Mutex
	err    error
	calls  int
	tracks []*fakeTrack
}

func (f *fakeDevices) CreateLocalTracks(ctx context.Context, opts ports.CaptureOptions) ([]ports.LocalTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []ports.LocalTrack
	if opts.Audio {
		t := &fakeTrack{id: fmt.Sprintf("mic-%d", f.calls), kind: domain.TrackKindAudio}
		f.tracks = append(f.tracks, t)
		out = append(out, t)
	}
	if opts.Video {
		t := &fakeTrack{id: fmt.Sprintf("cam-%d", f.calls), kind: domain.TrackKindVideo}
		f.tracks = append(f.tracks, t)
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeDevices) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeDevices) created() []*fakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTrack(nil), f.tracks...)
}

type fakeConn struct {
	mu           sync.Mutex
	room         string
	local        ports.ParticipantInfo
	remotes      []ports.ParticipantInfo
	published    []ports.LocalTrack
	data         [][]byte
	dataErr      error
	publishErr   error
	disconnected int
	handler      ports.RoomEventHandler
}

func newFakeConn(room string, local ports.ParticipantInfo) *fakeConn {
	return &fakeConn{room: room, local: local}
}

func (c *fakeConn) RoomName() string { return c.room }

func (c *fakeConn) LocalParticipant() ports.ParticipantInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *fakeConn) RemoteParticipants() []ports.ParticipantInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ports.ParticipantInfo(nil), c.remotes...)
}

func (c *fakeConn) RemoteParticipant(identity string) (ports.ParticipantInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.remotes {
		if p.Identity == identity {
			return p, true
		}
	}
	return ports.ParticipantInfo{}, false
}

func (c *fakeConn) PublishTrack(ctx context.Context, track ports.LocalTrack) (ports.TrackPublication, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return ports.TrackPublication{}, c.publishErr
	}
	c.published = append(c.published, track)
	return ports.TrackPublication{SID: "TR_" + track.ID(), Name: track.ID(), Kind: track.Kind()}, nil
}

func (c *fakeConn) PublishData(ctx context.Context, payload []byte, reliable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataErr != nil {
		return c.dataErr
	}
	c.data = append(c.data, payload)
	return nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected++
	return nil
}

func (c *fakeConn) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func (c *fakeConn) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *fakeConn) addRemote(p ports.ParticipantInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remotes = append(c.remotes, p)
}

func (c *fakeConn) addRemoteTrack(identity string, pub ports.TrackPublication) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.remotes {
		if c.remotes[i].Identity == identity {
			c.remotes[i].Tracks = append(c.remotes[i].Tracks, pub)
		}
	}
}

// emit delivers ev the way a transport would, from outside the loop.
func (c *fakeConn) emit(ev ports.RoomEvent) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h.HandleRoomEvent(ev)
}

type fakeTransport struct {
	mu      sync.Mutex
	conn    *fakeConn
	err     error
	calls   int
	opts    ports.ConnectOptions
	started chan struct{}
	release chan struct{}
}

func (f *fakeTransport) Connect(ctx context.Context, endpointURL, credential string, opts ports.ConnectOptions) (ports.RoomConn, error) {
	f.mu.Lock()
	f.calls++
	f.opts = opts
	conn, err := f.conn, f.err
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	conn.mu.Lock()
	conn.handler = opts.Handler
	conn.mu.Unlock()
	return conn, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTarget struct {
	mu          sync.Mutex
	current     string
	attached    []string
	detaches    int
	noBroadcast int
	attachErrs  []error
}

func (t *fakeTarget) Attach(track ports.MediaTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.attachErrs) > 0 {
		err := t.attachErrs[0]
		t.attachErrs = t.attachErrs[1:]
		if err != nil {
			return err
		}
	}
	t.current = track.ID()
	t.attached = append(t.attached, track.ID())
	return nil
}

func (t *fakeTarget) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = ""
	t.detaches++
}

func (t *fakeTarget) ShowNoBroadcast() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = ""
	t.noBroadcast++
}

func (t *fakeTarget) showing() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *fakeTarget) noBroadcastCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.noBroadcast
}

type eventRecorder struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (r *eventRecorder) OnSessionEvent(ev SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []SessionEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionEventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *eventRecorder) states() []domain.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SessionState
	for _, ev := range r.events {
		if ev.Kind == EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *eventRecorder) last(kind SessionEventKind) (SessionEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return SessionEvent{}, false
}

var errBoom = errors.New("boom")
