package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"flashlive/internal/core/domain"
	"flashlive/pkg/eventloop"
	"flashlive/pkg/utils"

	"go.uber.org/zap"
)

const ChatMessageType = "chat"

var (
	ErrMalformedPayload   = errors.New("malformed data payload")
	ErrUnsupportedPayload = errors.New("unsupported data payload type")
)

type DataPublisher interface {
	PublishData(ctx context.Context, payload []byte) error
}

type LocalParticipantSource interface {
	LocalParticipant() (domain.Participant, bool)
}

type ParticipantResolver interface {
	Participant(identity string) (domain.Participant, bool)
}

type chatWire struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Role      string `json:"role"`
}

func EncodeChatMessage(msg domain.ChatMessage) ([]byte, error) {
	return json.Marshal(chatWire{
		Type:      ChatMessageType,
		ID:        msg.ID,
		Sender:    msg.Sender,
		Content:   msg.Content,
		Timestamp: utils.FormatTimestamp(msg.Timestamp),
		Role:      msg.Role.String(),
	})
}

// DecodeChatMessage parses a wire payload. The role field is parsed but is
// informational only; receivers replace it with the sender's roster role.
func DecodeChatMessage(payload []byte, now time.Time) (domain.ChatMessage, error) {
	if !utf8.Valid(payload) {
		return domain.ChatMessage{}, fmt.Errorf("%w: not valid UTF-8", ErrMalformedPayload)
	}
	var wire chatWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if wire.Type != ChatMessageType {
		return domain.ChatMessage{}, fmt.Errorf("%w: %q", ErrUnsupportedPayload, wire.Type)
	}
	if utils.IsEmpty(wire.Content) {
		return domain.ChatMessage{}, fmt.Errorf("%w: empty content", ErrMalformedPayload)
	}

	ts, err := utils.ParseTimestamp(wire.Timestamp)
	if err != nil {
		ts = now
	}
	role, _ := domain.ParseRole(wire.Role)

	return domain.ChatMessage{
		ID:        wire.ID,
		Sender:    wire.Sender,
		Content:   wire.Content,
		Timestamp: ts,
		Role:      role,
		Origin:    domain.OriginRemote,
	}, nil
}

type ChatChannelConfig struct {
	MaxContentLength int
}

// ChatChannel keeps the transcript for one client. Transcript writes happen
// on the event loop only.
type ChatChannel struct {
	loop      eventloop.Loop
	publisher DataPublisher
	local     LocalParticipantSource
	roster    ParticipantResolver
	cfg       ChatChannelConfig
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu         sync.RWMutex
	transcript []domain.ChatMessage

	connected atomic.Bool
	listeners []func(domain.ChatMessage)
	systemSeq uint64
}

func NewChatChannel(
	loop eventloop.Loop,
	publisher DataPublisher,
	local LocalParticipantSource,
	roster ParticipantResolver,
	cfg ChatChannelConfig,
	logger *zap.SugaredLogger,
) *ChatChannel {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 2000
	}
	return &ChatChannel{
		loop:      loop,
		publisher: publisher,
		local:     local,
		roster:    roster,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (c *ChatChannel) SetClock(now func() time.Time) {
	c.now = now
}

// OnMessage registers fn for every appended entry. Listeners run on the loop
// and must be registered before the session starts.
func (c *ChatChannel) OnMessage(fn func(domain.ChatMessage)) {
	c.listeners = append(c.listeners, fn)
}

// CanSend reports whether the session is connected. It gates the UI only;
// Send itself does not consult it.
func (c *ChatChannel) CanSend() bool {
	return c.connected.Load()
}

func (c *ChatChannel) Transcript() []domain.ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.ChatMessage(nil), c.transcript...)
}

// Send appends the message locally, then transmits it. A failed transmit adds
// a system entry and returns an ErrChatSend; the local entry stays.
func (c *ChatChannel) Send(ctx context.Context, content string) (domain.ChatMessage, error) {
	content = strings.TrimSpace(utils.SanitizeString(content))
	if content == "" {
		return domain.ChatMessage{}, domain.ErrEmptyMessage
	}
	content = utils.TruncateString(content, c.cfg.MaxContentLength)

	var msg domain.ChatMessage
	var payload []byte
	var encodeErr error
	if !c.loop.Do(func() {
		now := c.now()
		msg = domain.ChatMessage{
			ID:        utils.GenerateMessageID(now),
			Content:   content,
			Timestamp: now,
			Role:      domain.RoleViewer,
			Origin:    domain.OriginLocal,
		}
		if c.local != nil {
			if p, ok := c.local.LocalParticipant(); ok {
				msg.Sender = p.DisplayName()
				msg.Role = p.Role
			}
		}
		c.append(msg)
		payload, encodeErr = EncodeChatMessage(msg)
	}) {
		return domain.ChatMessage{}, ErrClientClosed
	}

	err := encodeErr
	if err == nil {
		err = c.publisher.PublishData(ctx, payload)
	}
	if err != nil {
		c.logger.Warnw("chat message delivery failed", "id", msg.ID, "error", err)
		c.loop.Do(func() {
			c.appendSystem(fmt.Sprintf("message delivery failed: %v", err))
		})
		return msg, domain.NewChatSendError(err)
	}
	return msg, nil
}

func (c *ChatChannel) OnSessionEvent(ev SessionEvent) {
	switch ev.Kind {
	case EventStateChanged:
		c.connected.Store(ev.State == domain.StateConnected)
	case EventConnected:
		c.appendSystem(fmt.Sprintf("connected to room %s", ev.Room))
	case EventParticipantJoined:
		if ev.Participant == nil {
			return
		}
		p, ok := c.roster.Participant(ev.Participant.Identity)
		if !ok {
			return
		}
		c.appendSystem(fmt.Sprintf("%s joined (%s)", p.DisplayName(), p.Role))
	case EventParticipantLeft:
		if ev.Participant == nil {
			return
		}
		name := ev.Participant.Name
		if name == "" {
			name = ev.Participant.Identity
		}
		c.appendSystem(fmt.Sprintf("%s left", name))
	case EventDisconnected:
		if ev.Err != nil {
			c.appendSystem(fmt.Sprintf("connection lost: %v", ev.Err))
		} else {
			c.appendSystem("disconnected from room")
		}
	case EventDataReceived:
		c.receive(ev)
	}
}

func (c *ChatChannel) receive(ev SessionEvent) {
	msg, err := DecodeChatMessage(ev.Data, c.now())
	if err != nil {
		c.logger.Debugw("dropping data payload", "bytes", len(ev.Data), "error", err)
		return
	}

	// Sender and role come from the transport-verified identity; the payload
	// fields are only used when the transport supplied none.
	msg.Role = domain.RoleViewer
	if ev.Participant != nil && ev.Participant.Identity != "" {
		identity := ev.Participant.Identity
		if p, ok := c.roster.Participant(identity); ok {
			msg.Sender = p.DisplayName()
			msg.Role = p.Role
		} else {
			msg.Sender = ev.Participant.Name
			if msg.Sender == "" {
				msg.Sender = identity
			}
			msg.Role, _ = domain.RoleFromMetadata(ev.Participant.Metadata)
		}
	}
	msg.Content = utils.TruncateString(utils.SanitizeString(msg.Content), c.cfg.MaxContentLength)
	msg.Origin = domain.OriginRemote
	c.append(msg)
}

func (c *ChatChannel) appendSystem(content string) {
	now := c.now()
	c.systemSeq++
	c.append(domain.ChatMessage{
		ID:        fmt.Sprintf("system-%d-%d", now.UnixMilli(), c.systemSeq),
		Sender:    "system",
		Content:   content,
		Timestamp: now,
		Origin:    domain.OriginSystem,
	})
}

func (c *ChatChannel) append(msg domain.ChatMessage) {
	c.mu.Lock()
	c.transcript = append(c.transcript, msg)
	c.mu.Unlock()

	for _, fn := range c.listeners {
		fn(msg)
	}
}
