package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"
	"flashlive/pkg/eventloop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	payloads [][]byte
}

func (p *fakePublisher) PublishData(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, payload)
	return nil
}

type staticLocal struct {
	participant domain.Participant
}

func (s staticLocal) LocalParticipant() (domain.Participant, bool) {
	return s.participant, s.participant.Identity != ""
}

type chatHarness struct {
	loop      *eventloop.Manual
	publisher *fakePublisher
	roster    *RosterTracker
	chat      *ChatChannel
	now       time.Time
}

func newChatHarness(t *testing.T) *chatHarness {
	t.Helper()
	h := &chatHarness{
		loop:      eventloop.NewManual(),
		publisher: &fakePublisher{},
		roster:    NewRosterTracker(zaptest.NewLogger(t).Sugar()),
		now:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	local := staticLocal{domain.Participant{Identity: "A", Name: "Alice", Role: domain.RoleHost, IsLocal: true}}
	h.chat = NewChatChannel(h.loop, h.publisher, local, h.roster, ChatChannelConfig{MaxContentLength: 32}, zaptest.NewLogger(t).Sugar())
	h.chat.SetClock(func() time.Time { return h.now })

	localInfo := ports.ParticipantInfo{Identity: "A", Name: "Alice", Metadata: metadataFor(domain.RoleHost, "Alice")}
	h.roster.OnSessionEvent(SessionEvent{
		Kind:  EventConnected,
		Local: &localInfo,
		Participants: []ports.ParticipantInfo{
			{Identity: "B", Name: "Bob", Metadata: metadataFor(domain.RoleViewer, "Bob")},
		},
	})
	return h
}

func (h *chatHarness) deliver(identity string, payload []byte) {
	h.loop.Do(func() {
		h.chat.OnSessionEvent(SessionEvent{
			Kind:        EventDataReceived,
			Participant: &ports.ParticipantInfo{Identity: identity},
			Data:        payload,
		})
	})
}

func TestChatChannel_SendAppendsLocalEntry(t *testing.T) {
	h := newChatHarness(t)

	msg, err := h.chat.Send(context.Background(), "hello")
	require.NoError(t, err)

	transcript := h.chat.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, domain.OriginLocal, transcript[0].Origin)
	assert.Equal(t, "hello", transcript[0].Content)
	assert.Equal(t, "Alice", transcript[0].Sender)
	assert.Equal(t, domain.RoleHost, transcript[0].Role)
	assert.Equal(t, msg.ID, transcript[0].ID)

	require.Len(t, h.publisher.payloads, 1)
	var wire map[string]string
	require.NoError(t, json.Unmarshal(h.publisher.payloads[0], &wire))
	assert.Equal(t, "chat", wire["type"])
	assert.Equal(t, "hello", wire["content"])
	assert.Equal(t, "Alice", wire["sender"])
	assert.Equal(t, "host", wire["role"])
	assert.Equal(t, "2024-05-01T12:00:00.000Z", wire["timestamp"])
}

func TestChatChannel_SendFailureKeepsLocalEntry(t *testing.T) {
	h := newChatHarness(t)
	h.publisher.err = errBoom

	_, err := h.chat.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, domain.ErrChatSend)
	assert.ErrorIs(t, err, errBoom)

	transcript := h.chat.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, domain.OriginLocal, transcript[0].Origin)
	assert.Equal(t, "hello", transcript[0].Content)
	assert.Equal(t, domain.OriginSystem, transcript[1].Origin)
	assert.Contains(t, transcript[1].Content, "message delivery failed")
}

func TestChatChannel_SendRejectsEmptyAndTruncates(t *testing.T) {
	h := newChatHarness(t)

	_, err := h.chat.Send(context.Background(), "  \x00 \t ")
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	assert.Empty(t, h.chat.Transcript())

	msg, err := h.chat.Send(context.Background(), strings.Repeat("é", 40))
	require.NoError(t, err)
	assert.Equal(t, 32, len([]rune(msg.Content)))
}

func TestChatChannel_ReceiveBindsSenderToTransportIdentity(t *testing.T) {
	h := newChatHarness(t)
	spoofed, err := json.Marshal(map[string]string{
		"type":      "chat",
		"id":        "1-abc",
		"sender":    "Alice",
		"content":   "I am the host",
		"timestamp": "2024-05-01T11:59:00.000Z",
		"role":      "host",
	})
	require.NoError(t, err)

	h.deliver("B", spoofed)

	transcript := h.chat.Transcript()
	require.Len(t, transcript, 1)
	got := transcript[0]
	assert.Equal(t, domain.OriginRemote, got.Origin)
	assert.Equal(t, "Bob", got.Sender)
	assert.Equal(t, domain.RoleViewer, got.Role)
	assert.Equal(t, "1-abc", got.ID)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC), got.Timestamp.UTC())
}

func TestChatChannel_ReceiveWithoutIdentityUsesPayloadSender(t *testing.T) {
	h := newChatHarness(t)
	payload := []byte(`{"type":"chat","id":"x","sender":"ghost","content":"boo","timestamp":"garbage","role":"host"}`)

	h.deliver("", payload)

	transcript := h.chat.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, "ghost", transcript[0].Sender)
	assert.Equal(t, domain.RoleViewer, transcript[0].Role, "payload role is never trusted")
	assert.Equal(t, h.now, transcript[0].Timestamp)
}

func TestChatChannel_DropsNonChatPayloads(t *testing.T) {
	h := newChatHarness(t)

	for _, payload := range [][]byte{
		[]byte(`{"type":"ping"}`),
		[]byte(`not json`),
		{0xff, 0xfe, 0xfd},
		[]byte(`{"type":"chat","content":"   "}`),
		[]byte(`[]`),
	} {
		h.deliver("B", payload)
	}

	assert.Empty(t, h.chat.Transcript())
}

func TestChatChannel_DuplicateIDsAreNotDeduplicated(t *testing.T) {
	h := newChatHarness(t)
	payload := []byte(`{"type":"chat","id":"dup","sender":"Bob","content":"again","timestamp":"2024-05-01T12:00:00Z","role":"viewer"}`)

	h.deliver("B", payload)
	h.deliver("B", payload)

	assert.Len(t, h.chat.Transcript(), 2)
}

func TestChatChannel_SystemEntries(t *testing.T) {
	h := newChatHarness(t)
	var seen []string
	h.chat.OnMessage(func(m domain.ChatMessage) {
		seen = append(seen, m.Content)
	})

	carol := ports.ParticipantInfo{Identity: "C", Name: "Carol", Metadata: metadataFor(domain.RoleViewer, "Carol")}
	h.loop.Do(func() {
		h.chat.OnSessionEvent(SessionEvent{Kind: EventConnected, Room: "demo"})
		joinedEv := SessionEvent{Kind: EventParticipantJoined, Participant: &carol}
		h.roster.OnSessionEvent(joinedEv)
		h.chat.OnSessionEvent(joinedEv)
		h.chat.OnSessionEvent(SessionEvent{Kind: EventParticipantLeft, Participant: &carol})
		h.chat.OnSessionEvent(SessionEvent{Kind: EventDisconnected, Err: errBoom})
	})

	assert.Equal(t, []string{
		"connected to room demo",
		"Carol joined (viewer)",
		"Carol left",
		"connection lost: boom",
	}, seen)
	for _, m := range h.chat.Transcript() {
		assert.Equal(t, domain.OriginSystem, m.Origin)
	}
}

func TestChatChannel_CanSendFollowsState(t *testing.T) {
	h := newChatHarness(t)
	assert.False(t, h.chat.CanSend())

	h.loop.Do(func() {
		h.chat.OnSessionEvent(SessionEvent{Kind: EventStateChanged, State: domain.StateConnected, Prev: domain.StateConnecting})
	})
	assert.True(t, h.chat.CanSend())

	h.loop.Do(func() {
		h.chat.OnSessionEvent(SessionEvent{Kind: EventStateChanged, State: domain.StateReconnecting, Prev: domain.StateConnected})
	})
	assert.False(t, h.chat.CanSend())
}

func TestDecodeChatMessage(t *testing.T) {
	now := time.Unix(100, 0)
	msg := domain.ChatMessage{
		ID:        "1-a",
		Sender:    "A",
		Content:   "hi",
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 6e6, time.UTC),
		Role:      domain.RoleHost,
	}
	raw, err := EncodeChatMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeChatMessage(raw, now)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Content, decoded.Content)
	assert.True(t, msg.Timestamp.Equal(decoded.Timestamp))
	assert.Equal(t, domain.OriginRemote, decoded.Origin)

	_, err = DecodeChatMessage([]byte(`{"type":"ping"}`), now)
	assert.ErrorIs(t, err, ErrUnsupportedPayload)

	_, err = DecodeChatMessage([]byte(`{`), now)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
