package render

import (
	"sync"

	"flashlive/internal/core/ports"

	"go.uber.org/zap"
)

// Surface is what a LogTarget currently displays.
type Surface struct {
	TrackID     string
	NoBroadcast bool
}

// LogTarget is a render target for headless clients. It logs every change
// and reports what it shows through OnChange and Current.
type LogTarget struct {
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	current  Surface
	onChange func(Surface)
}

func NewLogTarget(logger *zap.SugaredLogger) *LogTarget {
	return &LogTarget{logger: logger}
}

func (t *LogTarget) OnChange(fn func(Surface)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *LogTarget) Current() Surface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

func (t *LogTarget) Attach(track ports.MediaTrack) error {
	t.logger.Infow("rendering track", "track", track.ID(), "kind", track.Kind())
	t.set(Surface{TrackID: track.ID()})
	return nil
}

func (t *LogTarget) Detach() {
	t.logger.Debugw("render target cleared")
	t.set(Surface{})
}

func (t *LogTarget) ShowNoBroadcast() {
	t.logger.Infow("no broadcast")
	t.set(Surface{NoBroadcast: true})
}

func (t *LogTarget) set(s Surface) {
	t.mu.Lock()
	changed := t.current != s
	t.current = s
	fn := t.onChange
	t.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}
