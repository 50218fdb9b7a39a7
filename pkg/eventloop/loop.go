// Package eventloop provides the single cooperative dispatcher that session
// components run on. Every task posted to a Loop runs to completion before
// the next one starts, so state owned by loop tasks needs no locking.
package eventloop

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Loop interface {
	// Post enqueues fn. It reports false once the loop is closed.
	Post(fn func()) bool
	// Do runs fn on the loop and waits for it. It must not be called from a
	// loop task.
	Do(fn func()) bool
	// AfterFunc runs fn on the loop after d.
	AfterFunc(d time.Duration, fn func()) Timer
	Close()
}

type Timer interface {
	// Stop prevents the timer's task from running. It reports whether the
	// call stopped the timer.
	Stop() bool
}

// Runner is the production Loop backed by one goroutine.
type Runner struct {
	mu       sync.Mutex
	pending  []func()
	closed   bool
	wakeChan chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	logger   *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Runner{
		wakeChan: make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		logger:   logger,
	}

	go r.run()

	return r
}

func (r *Runner) Post(fn func()) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.pending = append(r.pending, fn)
	r.mu.Unlock()

	select {
	case r.wakeChan <- struct{}{}:
	default:
	}
	return true
}

func (r *Runner) Do(fn func()) bool {
	done := make(chan struct{})
	if !r.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}

	select {
	case <-done:
		return true
	case <-r.stopChan:
		return false
	}
}

func (r *Runner) AfterFunc(d time.Duration, fn func()) Timer {
	t := &runnerTimer{}
	t.timer = time.AfterFunc(d, func() {
		r.Post(func() {
			if t.stopped.Load() {
				return
			}
			fn()
		})
	})
	return t
}

func (r *Runner) Close() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.pending = nil
		r.mu.Unlock()
		close(r.stopChan)
	})
}

func (r *Runner) run() {
	for {
		select {
		case <-r.wakeChan:
			r.drain()
		case <-r.stopChan:
			return
		}
	}
}

func (r *Runner) drain() {
	for {
		r.mu.Lock()
		if len(r.pending) == 0 || r.closed {
			r.mu.Unlock()
			return
		}
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()

		for _, fn := range batch {
			r.exec(fn)
		}
	}
}

func (r *Runner) exec(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("event loop task panicked", "panic", rec)
		}
	}()
	fn()
}

type runnerTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *runnerTimer) Stop() bool {
	t.stopped.Store(true)
	return t.timer.Stop()
}
