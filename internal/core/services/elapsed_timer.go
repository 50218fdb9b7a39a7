package services

import (
	"sync/atomic"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/pkg/eventloop"
	"flashlive/pkg/utils"
)

const elapsedTickInterval = time.Second

// ElapsedTimer reports how long the current session has been live. It ticks
// on the event loop and stops when the session ends.
type ElapsedTimer struct {
	loop eventloop.Loop
	now  func() time.Time

	startedAt time.Time
	running   bool
	timer     eventloop.Timer
	seq       uint64
	onTick    []func(elapsed time.Duration, formatted string)

	elapsed atomic.Int64
}

// NewElapsedTimer uses now as its clock; nil means time.Now.
func NewElapsedTimer(loop eventloop.Loop, now func() time.Time) *ElapsedTimer {
	if now == nil {
		now = time.Now
	}
	return &ElapsedTimer{loop: loop, now: now}
}

func (t *ElapsedTimer) OnTick(fn func(elapsed time.Duration, formatted string)) {
	t.onTick = append(t.onTick, fn)
}

func (t *ElapsedTimer) OnSessionEvent(ev SessionEvent) {
	if ev.Kind != EventStateChanged {
		return
	}
	switch {
	case ev.State == domain.StateConnected && ev.Prev == domain.StateConnecting:
		t.start()
	case ev.State.Terminal():
		t.stop()
	}
}

func (t *ElapsedTimer) start() {
	t.stop()
	t.startedAt = t.now()
	t.running = true
	t.elapsed.Store(0)
	t.schedule()
}

func (t *ElapsedTimer) stop() {
	t.seq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.running = false
}

func (t *ElapsedTimer) schedule() {
	seq := t.seq
	t.timer = t.loop.AfterFunc(elapsedTickInterval, func() {
		if seq != t.seq || !t.running {
			return
		}
		t.tick()
		t.schedule()
	})
}

func (t *ElapsedTimer) tick() {
	d := t.now().Sub(t.startedAt)
	t.elapsed.Store(int64(d))
	formatted := utils.FormatElapsed(d)
	for _, fn := range t.onTick {
		fn(d, formatted)
	}
}

// Close stops ticking. It must not be called from a loop task.
func (t *ElapsedTimer) Close() {
	t.loop.Do(t.stop)
}

// Elapsed returns the value of the most recent tick.
func (t *ElapsedTimer) Elapsed() time.Duration {
	return time.Duration(t.elapsed.Load())
}

func (t *ElapsedTimer) Formatted() string {
	return utils.FormatElapsed(t.Elapsed())
}
