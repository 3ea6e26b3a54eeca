// Package runloop provides a single-sequence executor. Every callback posted
// to a Loop runs on the goroutine that called Run, one at a time, so state
// owned by the loop needs no locking.
package runloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned when work is submitted to a stopped loop.
var ErrClosed = errors.New("run loop closed")

// Loop is an unbounded FIFO of callbacks drained by Run.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	running atomic.Bool
}

// New creates a loop. It does nothing until Run is called.
func New() *Loop {
	return &Loop{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run executes posted callbacks until ctx is canceled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("run loop already running")
	}
	defer close(l.stopped)
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if l.isClosed() {
					return nil
				}
				fn()
			}
		}
	}
}

// Post schedules fn and reports false if the loop is closed. It never blocks,
// so it is safe to call from the loop itself.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// Close stops the loop. Pending callbacks are discarded.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Wait blocks until Run has returned.
func (l *Loop) Wait() {
	if l.running.Load() {
		<-l.stopped
	}
}

// Done is closed when the loop is closed.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Timer is a timer whose callback runs on the loop.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// AfterFunc runs fn on the loop after d. A Timer stopped from the loop never
// fires afterwards, even if its expiry was already queued.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if !tm.stopped.Load() {
				fn()
			}
		})
	})
	return tm
}

// Stop cancels the timer and reports whether it was still pending.
func (tm *Timer) Stop() bool {
	if tm == nil {
		return false
	}
	tm.stopped.Store(true)
	return tm.t.Stop()
}
