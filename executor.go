package dbus

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Executor runs the cooperative, single-threaded reactor that owns a
// Connection's I/O: one goroutine reads and dispatches incoming
// messages, while timers fire pending-call timeouts (spec §4.5
// "Executor"). Every callback a Connection invokes in response to
// incoming traffic — method handlers, signal handlers, pending-call
// completions — runs on the Executor's goroutine, never concurrently
// with another callback from the same Executor.
type Executor struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	stopped bool
}

// NewExecutor constructs an Executor bound to parent; cancelling parent
// or calling Stop tears down every goroutine the Executor owns.
func NewExecutor(parent context.Context) *Executor {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	return &Executor{group: g, ctx: gctx, cancel: cancel}
}

// Go schedules fn to run under the Executor's errgroup: if fn returns a
// non-nil error, the Executor's context is cancelled and every other
// goroutine started with Go observes ctx.Done() on its next check.
func (e *Executor) Go(fn func(ctx context.Context) error) {
	e.group.Go(func() error {
		return fn(e.ctx)
	})
}

// Run blocks until every goroutine started with Go has returned, either
// because they finished or because Stop/context-cancellation tore them
// down. It returns the first non-nil error encountered.
func (e *Executor) Run() error {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	return e.group.Wait()
}

// Stop cancels the Executor's context and is idempotent: calling it more
// than once, concurrently or not, has the same effect as calling it once.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	e.cancel()
}

// Done returns a channel closed once the Executor's context is
// cancelled, for select-driven goroutines.
func (e *Executor) Done() <-chan struct{} { return e.ctx.Done() }

// Context returns the Executor's governing context.
func (e *Executor) Context() context.Context { return e.ctx }

// AfterFunc schedules fn to run once after d, on the timer's own
// goroutine, unless the Executor is stopped first. Used by
// Connection.CallAsync to drive PendingCall timeouts without blocking the
// reactor goroutine (spec §4.6's "per-call deadline").
func (e *Executor) AfterFunc(d time.Duration, fn func()) func() {
	timer := time.AfterFunc(d, func() {
		select {
		case <-e.ctx.Done():
			return
		default:
			fn()
		}
	})
	return func() { timer.Stop() }
}
