package eventloop

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Loop for tests. Posted tasks and timers only run
// when the test calls RunPending or Advance; Do runs inline. Panics are not
// recovered so they fail the test.
type Manual struct {
	mu     sync.Mutex
	run    sync.Mutex
	queue  []func()
	timers []*manualTimer
	now    time.Time
	seq    int
	closed bool
}

func NewManual() *Manual {
	return &Manual{now: time.Unix(0, 0)}
}

func (m *Manual) Post(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, fn)
	return true
}

func (m *Manual) Do(fn func()) bool {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return false
	}

	m.run.Lock()
	defer m.run.Unlock()
	fn()
	return true
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{loop: m, at: m.now.Add(d), seq: m.seq, fn: fn}
	if !m.closed {
		m.timers = append(m.timers, t)
	}
	return t
}

func (m *Manual) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queue = nil
	m.timers = nil
}

// RunPending runs queued tasks, including ones they post, and returns how
// many ran.
func (m *Manual) RunPending() int {
	ran := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return ran
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.run.Lock()
		fn()
		m.run.Unlock()
		ran++
	}
}

// Advance moves virtual time forward, firing due timers in deadline order
// and running the tasks they produce.
func (m *Manual) Advance(d time.Duration) {
	m.RunPending()

	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		sort.Slice(m.timers, func(i, j int) bool {
			if m.timers[i].at.Equal(m.timers[j].at) {
				return m.timers[i].seq < m.timers[j].seq
			}
			return m.timers[i].at.Before(m.timers[j].at)
		})
		if len(m.timers) == 0 || m.timers[0].at.After(target) {
			m.now = target
			m.mu.Unlock()
			break
		}
		t := m.timers[0]
		m.timers = m.timers[1:]
		m.now = t.at
		m.queue = append(m.queue, t.fn)
		m.mu.Unlock()

		m.RunPending()
	}

	m.RunPending()
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// PendingTimers returns the number of armed timers.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

type manualTimer struct {
	loop *Manual
	at   time.Time
	seq  int
	fn   func()
}

func (t *manualTimer) Stop() bool {
	m := t.loop
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.timers {
		if other == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}
