package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flashlive/internal/core/ports"
	"flashlive/internal/infrastructure/signal"
	"flashlive/pkg/config"
	apperrors "flashlive/pkg/errors"
	"flashlive/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrConnectionClosed = errors.New("room connection closed")
	ErrRejected         = errors.New("room connection rejected")
	ErrConnectionLost   = errors.New("room connection lost")
)

type Config struct {
	WriteTimeout time.Duration
	// ReadTimeout bounds the silence tolerated on the socket. The server
	// pings more often than this.
	ReadTimeout       time.Duration
	RequestTimeout    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       45 * time.Second,
		RequestTimeout:    10 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    500 * time.Millisecond,
	}
}

func NewConfig(cfg *config.Config) Config {
	return Config{
		WriteTimeout:      cfg.Transport.WriteTimeout,
		ReadTimeout:       cfg.Transport.PongTimeout,
		RequestTimeout:    cfg.Transport.WriteTimeout,
		ReconnectAttempts: cfg.Transport.ReconnectAttempts,
		ReconnectDelay:    cfg.Transport.ReconnectDelay,
	}
}

// WebSocketTransport connects to a room over the /rtc signaling socket.
type WebSocketTransport struct {
	dialer *websocket.Dialer
	cfg    Config
	logger *zap.SugaredLogger
}

func NewWebSocketTransport(cfg Config, logger *zap.SugaredLogger) *WebSocketTransport {
	return &WebSocketTransport{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Connect dials the room and waits for the join snapshot. The returned
// connection outlives ctx.
func (t *WebSocketTransport) Connect(ctx context.Context, endpointURL, credential string, opts ports.ConnectOptions) (ports.RoomConn, error) {
	target, err := rtcURL(endpointURL, credential)
	if err != nil {
		return nil, err
	}

	ws, join, err := t.dial(ctx, target)
	if err != nil {
		return nil, err
	}

	c := newRoomConn(t, target, opts)
	c.attach(ws, join)
	go c.readLoop(ws)

	t.logger.Infow("connected to room", "room", join.Room, "identity", join.Participant.Identity, "participants", len(join.Participants))
	return c, nil
}

func (t *WebSocketTransport) dial(ctx context.Context, target string) (*websocket.Conn, signal.JoinPayload, error) {
	var join signal.JoinPayload

	ws, resp, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			appErr := apperrors.FromResponse(resp.StatusCode, body)
			if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
				return nil, join, fmt.Errorf("%w: %w", ErrRejected, appErr)
			}
			return nil, join, appErr
		}
		return nil, join, fmt.Errorf("failed to dial signal endpoint: %w", err)
	}

	deadline := time.Now().Add(t.cfg.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetReadDeadline(deadline)

	var msg signal.Message
	if err := ws.ReadJSON(&msg); err != nil {
		ws.Close()
		return nil, join, fmt.Errorf("failed to read join response: %w", err)
	}

	switch msg.Type {
	case signal.TypeJoin:
		if err := msg.Decode(&join); err != nil {
			ws.Close()
			return nil, join, err
		}
	case signal.TypeError:
		ws.Close()
		var payload signal.ErrorPayload
		if err := msg.Decode(&payload); err != nil {
			return nil, join, err
		}
		return nil, join, fmt.Errorf("%w: %w", ErrRejected, payload.Err())
	default:
		ws.Close()
		return nil, join, fmt.Errorf("unexpected first message %q", msg.Type)
	}

	ws.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return ws, join, nil
}

// rtcURL turns an endpoint such as https://host into wss://host/rtc with the
// credential as access_token.
func rtcURL(endpointURL, credential string) (string, error) {
	if err := validation.ValidateEndpointURL(endpointURL); err != nil {
		return "", err
	}
	if credential == "" {
		return "", fmt.Errorf("credential is required")
	}
	u, err := url.Parse(endpointURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if !strings.HasSuffix(u.Path, "/rtc") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/rtc"
	}
	q := u.Query()
	q.Set("access_token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
