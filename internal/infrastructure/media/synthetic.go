package media

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"
	"flashlive/pkg/config"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrDeviceUnavailable = errors.New("capture device unavailable")

const (
	videoPayloadType = 96
	audioPayloadType = 111
	videoClockRate   = 90000
	audioClockRate   = 48000
	audioFrame       = 20 * time.Millisecond
)

type DeviceConfig struct {
	FrameRate        int
	VideoUnavailable bool
	AudioUnavailable bool
}

// SyntheticDevices produces local RTP tracks fed by a generated packet
// stream. They stand in for a camera and microphone on headless clients.
// Packets reach a sink only once the pion track is bound to a peer
// connection; the room transport never binds one, so PacketsSent counts
// writes, not deliveries.
type SyntheticDevices struct {
	cfg    DeviceConfig
	logger *zap.SugaredLogger
	seq    atomic.Uint64
}

func NewSyntheticDevices(cfg DeviceConfig, logger *zap.SugaredLogger) *SyntheticDevices {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	return &SyntheticDevices{cfg: cfg, logger: logger}
}

func (d *SyntheticDevices) CreateLocalTracks(ctx context.Context, opts ports.CaptureOptions) ([]ports.LocalTrack, error) {
	if !opts.Audio && !opts.Video {
		return nil, fmt.Errorf("no capture kind requested")
	}
	if opts.Video && d.cfg.VideoUnavailable {
		return nil, fmt.Errorf("%w: camera", ErrDeviceUnavailable)
	}
	if opts.Audio && d.cfg.AudioUnavailable {
		return nil, fmt.Errorf("%w: microphone", ErrDeviceUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := d.seq.Add(1)
	streamID := fmt.Sprintf("flashlive-%d", n)
	var tracks []ports.LocalTrack

	if opts.Audio {
		t, err := newSyntheticTrack(domain.TrackKindAudio, fmt.Sprintf("mic-%d", n), streamID, audioFrame, d.logger)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if opts.Video {
		interval := time.Second / time.Duration(d.cfg.FrameRate)
		t, err := newSyntheticTrack(domain.TrackKindVideo, fmt.Sprintf("cam-%d", n), streamID, interval, d.logger)
		if err != nil {
			for _, created := range tracks {
				created.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

type SyntheticTrack struct {
	local    *webrtc.TrackLocalStaticRTP
	kind     domain.TrackKind
	interval time.Duration
	logger   *zap.SugaredLogger

	sent     atomic.Uint64
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newSyntheticTrack(kind domain.TrackKind, id, streamID string, interval time.Duration, logger *zap.SugaredLogger) (*SyntheticTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate}
	if kind == domain.TrackKindAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2}
	}

	local, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	t := &SyntheticTrack{
		local:    local,
		kind:     kind,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	t.wg.Add(1)
	go t.pump()
	return t, nil
}

func (t *SyntheticTrack) ID() string             { return t.local.ID() }
func (t *SyntheticTrack) Kind() domain.TrackKind { return t.kind }

// Local exposes the pion track so it can be added to a peer connection.
func (t *SyntheticTrack) Local() webrtc.TrackLocal { return t.local }

func (t *SyntheticTrack) PacketsSent() uint64 { return t.sent.Load() }

func (t *SyntheticTrack) Stop() error {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
	return nil
}

func (t *SyntheticTrack) pump() {
	defer t.wg.Done()

	payloadType := uint8(videoPayloadType)
	clockRate := uint32(videoClockRate)
	payloadSize := 1000
	if t.kind == domain.TrackKindAudio {
		payloadType = audioPayloadType
		clockRate = audioClockRate
		payloadSize = 160
	}
	step := uint32(float64(clockRate) * t.interval.Seconds())

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: uint16(rand.Uint32()),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
			Marker:         t.kind == domain.TrackKindVideo,
		},
		Payload: make([]byte, payloadSize),
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.local.WriteRTP(packet); err != nil {
				t.logger.Debugw("synthetic packet write failed", "track", t.ID(), "error", err)
			} else {
				t.sent.Add(1)
			}
			packet.SequenceNumber++
			packet.Timestamp += step
		}
	}
}

// ICEServers converts configured STUN/TURN servers to pion's form. With
// none configured a public STUN server is returned.
func ICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	if len(servers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}
