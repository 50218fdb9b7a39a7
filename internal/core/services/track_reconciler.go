package services

import (
	"context"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"
	"flashlive/pkg/eventloop"

	"go.uber.org/zap"
)

const fallbackCaptureTimeout = 10 * time.Second

// TrackSource lists the publications currently known for a participant.
type TrackSource interface {
	Publications(identity string) []ports.TrackPublication
}

type TrackReconcilerConfig struct {
	RetryInterval time.Duration
	MaxRetries    int
	// LocalFallback writes a raw camera capture into the target when a local
	// broadcaster's published video never shows up.
	LocalFallback bool
}

func DefaultTrackReconcilerConfig() TrackReconcilerConfig {
	return TrackReconcilerConfig{
		RetryInterval: 500 * time.Millisecond,
		MaxRetries:    10,
		LocalFallback: true,
	}
}

// TrackReconciler keeps the render target showing the broadcaster's video.
// It is the only writer of the target and runs on the event loop.
type TrackReconciler struct {
	loop    eventloop.Loop
	source  TrackSource
	devices ports.MediaDevices
	cfg     TrackReconcilerConfig
	logger  *zap.SugaredLogger

	target      ports.RenderTarget
	broadcaster *domain.Participant

	attached         string
	attachedFallback bool
	noBroadcast      bool

	retries   int
	exhausted bool
	timer     eventloop.Timer
	timerSeq  uint64

	// epoch changes on every broadcaster switch; asynchronous fallback
	// captures from an older epoch are discarded.
	epoch           uint64
	fallback        []ports.LocalTrack
	fallbackPending bool
	closed          bool
}

func NewTrackReconciler(
	loop eventloop.Loop,
	source TrackSource,
	devices ports.MediaDevices,
	cfg TrackReconcilerConfig,
	logger *zap.SugaredLogger,
) *TrackReconciler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultTrackReconcilerConfig().RetryInterval
	}
	return &TrackReconciler{
		loop:    loop,
		source:  source,
		devices: devices,
		cfg:     cfg,
		logger:  logger,
	}
}

func (r *TrackReconciler) SetRenderTarget(target ports.RenderTarget) {
	r.loop.Post(func() {
		if r.closed || target == r.target {
			return
		}
		r.detach()
		r.target = target
		r.noBroadcast = false
		r.resetRetries()
		r.reconcile()
		if r.attached == "" && len(r.fallback) > 0 {
			r.attachHeldFallback()
		}
	})
}

func (r *TrackReconciler) ClearRenderTarget() {
	r.loop.Post(func() {
		r.stopTimer()
		r.detach()
		r.releaseFallback()
		r.target = nil
		r.noBroadcast = false
	})
}

// Close cancels pending re-checks and releases the fallback capture. It waits
// for the loop and must not be called from a loop task.
func (r *TrackReconciler) Close() {
	r.loop.Do(func() {
		if r.closed {
			return
		}
		r.closed = true
		r.epoch++
		r.stopTimer()
		r.detach()
		r.releaseFallback()
		r.target = nil
	})
}

// OnBroadcasterChanged is registered with the roster tracker.
func (r *TrackReconciler) OnBroadcasterChanged(prev, next *domain.Participant) {
	if r.closed {
		return
	}
	r.logger.Debugw("reconciling for new broadcaster", "previous", identityOf(prev), "current", identityOf(next))
	r.epoch++
	r.stopTimer()
	r.detach()
	r.releaseFallback()
	r.broadcaster = next
	r.noBroadcast = false
	r.resetRetries()
	r.reconcile()
}

func (r *TrackReconciler) OnSessionEvent(ev SessionEvent) {
	switch ev.Kind {
	case EventTrackPublished, EventTrackSubscribed, EventLocalTrackPublished, EventTrackUnpublished:
	default:
		return
	}
	if r.closed || r.broadcaster == nil || ev.Participant == nil || ev.Track == nil {
		return
	}
	if ev.Participant.Identity != r.broadcaster.Identity || ev.Track.Kind != domain.TrackKindVideo {
		return
	}
	if ev.Kind == EventTrackUnpublished && ev.Track.Track != nil && ev.Track.Track.ID() == r.attached && !r.attachedFallback {
		r.detach()
	}
	r.reconcile()
}

func (r *TrackReconciler) reconcile() {
	if r.closed || r.target == nil {
		return
	}
	if r.broadcaster == nil {
		r.detach()
		r.showNoBroadcast()
		return
	}

	if pub, ok := r.findVideo(); ok {
		id := pub.Track.ID()
		if id == r.attached && !r.attachedFallback {
			return
		}
		if err := r.target.Attach(pub.Track); err != nil {
			r.logger.Warnw("failed to attach broadcaster video",
				"broadcaster", r.broadcaster.Identity,
				"track", pub.SID,
				"error", domain.NewAttachError(err),
			)
			r.scheduleRecheck()
			return
		}
		r.logger.Infow("broadcaster video attached", "broadcaster", r.broadcaster.Identity, "track", pub.SID)
		r.attached = id
		r.attachedFallback = false
		r.noBroadcast = false
		r.resetRetries()
		r.releaseFallback()
		return
	}

	if r.attached != "" && !r.attachedFallback {
		r.detach()
	}
	r.scheduleRecheck()
}

func (r *TrackReconciler) findVideo() (ports.TrackPublication, bool) {
	for _, pub := range r.source.Publications(r.broadcaster.Identity) {
		if pub.Kind == domain.TrackKindVideo && pub.Track != nil {
			return pub, true
		}
	}
	return ports.TrackPublication{}, false
}

func (r *TrackReconciler) scheduleRecheck() {
	if r.timer != nil {
		return
	}
	if r.retries >= r.cfg.MaxRetries {
		r.onRetriesExhausted()
		return
	}
	r.retries++
	r.timerSeq++
	seq := r.timerSeq
	r.timer = r.loop.AfterFunc(r.cfg.RetryInterval, func() {
		if seq != r.timerSeq {
			return
		}
		r.timer = nil
		r.reconcile()
	})
}

func (r *TrackReconciler) onRetriesExhausted() {
	if r.exhausted {
		return
	}
	r.exhausted = true

	if r.broadcaster.IsLocal && r.cfg.LocalFallback && r.devices != nil {
		r.logger.Infow("published video not available, using local preview", "retries", r.retries)
		r.acquireFallback()
		return
	}
	if r.attached == "" {
		r.logger.Infow("broadcaster video not available", "broadcaster", r.broadcaster.Identity, "retries", r.retries)
		r.showNoBroadcast()
	}
}

// acquireFallback captures outside the loop and posts the result back.
func (r *TrackReconciler) acquireFallback() {
	if len(r.fallback) > 0 {
		if r.attached == "" && !r.attachHeldFallback() {
			r.showNoBroadcast()
		}
		return
	}
	if r.fallbackPending {
		return
	}
	r.fallbackPending = true
	epoch := r.epoch
	devices := r.devices

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fallbackCaptureTimeout)
		defer cancel()

		tracks, err := devices.CreateLocalTracks(ctx, ports.CaptureOptions{Video: true})
		if !r.loop.Post(func() { r.fallbackAcquired(epoch, tracks, err) }) {
			stopTracks(tracks, r.logger)
		}
	}()
}

func (r *TrackReconciler) fallbackAcquired(epoch uint64, tracks []ports.LocalTrack, err error) {
	r.fallbackPending = false
	if epoch != r.epoch || r.closed || r.target == nil {
		stopTracks(tracks, r.logger)
		return
	}
	if err != nil {
		r.logger.Warnw("local preview capture failed", "error", domain.NewMediaError(err))
		r.showNoBroadcast()
		return
	}
	if r.attached != "" && !r.attachedFallback {
		stopTracks(tracks, r.logger)
		return
	}

	var video ports.LocalTrack
	for _, t := range tracks {
		if t.Kind() == domain.TrackKindVideo {
			video = t
			break
		}
	}
	if video == nil {
		stopTracks(tracks, r.logger)
		r.showNoBroadcast()
		return
	}
	if err := r.target.Attach(video); err != nil {
		r.logger.Warnw("failed to attach local preview", "error", domain.NewAttachError(err))
		stopTracks(tracks, r.logger)
		r.showNoBroadcast()
		return
	}
	r.fallback = tracks
	r.attached = video.ID()
	r.attachedFallback = true
	r.noBroadcast = false
}

// attachHeldFallback writes an already captured preview into the current
// target. The capture is released if the target refuses it.
func (r *TrackReconciler) attachHeldFallback() bool {
	if r.target == nil {
		return false
	}
	var video ports.LocalTrack
	for _, t := range r.fallback {
		if t.Kind() == domain.TrackKindVideo {
			video = t
			break
		}
	}
	if video == nil {
		r.releaseFallback()
		return false
	}
	if err := r.target.Attach(video); err != nil {
		r.logger.Warnw("failed to attach local preview", "error", domain.NewAttachError(err))
		r.releaseFallback()
		return false
	}
	r.attached = video.ID()
	r.attachedFallback = true
	r.noBroadcast = false
	return true
}

func (r *TrackReconciler) showNoBroadcast() {
	if r.target == nil || r.noBroadcast {
		return
	}
	r.target.ShowNoBroadcast()
	r.noBroadcast = true
}

func (r *TrackReconciler) detach() {
	if r.attached == "" {
		return
	}
	if r.target != nil {
		r.target.Detach()
	}
	r.attached = ""
	r.attachedFallback = false
}

func (r *TrackReconciler) releaseFallback() {
	if len(r.fallback) == 0 {
		return
	}
	if r.attachedFallback {
		r.detach()
	}
	stopTracks(r.fallback, r.logger)
	r.fallback = nil
}

func (r *TrackReconciler) stopTimer() {
	r.timerSeq++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *TrackReconciler) resetRetries() {
	r.stopTimer()
	r.retries = 0
	r.exhausted = false
}
