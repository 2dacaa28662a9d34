// Package actor provides a single goroutine that runs submitted tasks one
// at a time in submission order. State owned by an actor is only touched
// from its tasks, so it needs no locking.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dd0wney/cluso-sync/pkg/logging"
)

// ErrClosed is returned when submitting to an actor that has shut down.
var ErrClosed = errors.New("actor is closed")

// Actor is an ordered, unbounded mailbox drained by one goroutine.
type Actor struct {
	name   string
	clock  clockwork.Clock
	logger logging.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Option configures an Actor.
type Option func(*Actor)

// WithClock sets the clock used by After.
func WithClock(c clockwork.Clock) Option {
	return func(a *Actor) { a.clock = c }
}

// WithLogger sets the logger panics are reported to.
func WithLogger(l logging.Logger) Option {
	return func(a *Actor) { a.logger = l }
}

// New starts an actor.
func New(name string, opts ...Option) *Actor {
	a := &Actor{
		name:  name,
		clock: clockwork.NewRealClock(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrDefault(a.logger).With(logging.Component(name))
	go a.run()
	return a
}

// Name returns the name the actor was created with.
func (a *Actor) Name() string { return a.name }

// Clock returns the actor's clock.
func (a *Actor) Clock() clockwork.Clock { return a.clock }

func (a *Actor) run() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for len(a.queue) == 0 {
			if a.closed {
				a.mu.Unlock()
				return
			}
			a.mu.Unlock()
			<-a.wake
			a.mu.Lock()
		}
		task := a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.mu.Unlock()

		if !a.runTask(task) {
			a.shutdown()
		}
	}
}

// runTask reports false if the task panicked. A panicking task leaves the
// owned state in an unknown condition, so the actor stops taking work.
func (a *Actor) runTask(task func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("task panicked; shutting down", logging.String("panic", fmt.Sprint(r)))
			ok = false
		}
	}()
	task()
	return true
}

func (a *Actor) shutdown() {
	a.mu.Lock()
	a.closed = true
	a.queue = nil
	a.mu.Unlock()
}

// Enqueue adds task to the mailbox. It returns false if the actor is closed.
// Safe to call from any goroutine, including the actor's own tasks.
func (a *Actor) Enqueue(task func()) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	a.queue = append(a.queue, task)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs task on the actor and waits for it to finish. It must not be
// called from one of the actor's own tasks.
func (a *Actor) Call(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	if !a.Enqueue(func() {
		defer close(finished)
		task()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-a.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks. Tasks already queued still run. Close does
// not wait; use Done for that.
func (a *Actor) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		select {
		case a.wake <- struct{}{}:
		default:
		}
	})
}

// Done is closed once the actor's goroutine has exited.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Timer is a cancellable delayed task. Stop must be called from the actor
// that created it for the cancellation to be exact.
type Timer struct {
	timer   clockwork.Timer
	stopped atomic.Bool
}

// After runs task on the actor once d has elapsed on the actor's clock.
func (a *Actor) After(d time.Duration, task func()) *Timer {
	t := &Timer{}
	t.timer = a.clock.AfterFunc(d, func() {
		a.Enqueue(func() {
			if t.stopped.Load() {
				return
			}
			t.stopped.Store(true)
			task()
		})
	})
	return t
}

// Stop cancels the timer. It reports whether the task was still pending.
// Stopping a nil Timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.timer.Stop()
	return !t.stopped.Swap(true)
}
