// Package loop defines the event-loop collaborator the connection core relies
// on for scheduling idle-timeout callbacks, and ships a real implementation on
// top of the standard library's timer facilities plus a logger accessor.
//
// The core never creates goroutines to drive I/O itself — that is the
// transport's job — but it does need somewhere to ask "call me back in N
// seconds" and somewhere to log to. Both of those are this package's EventLoop.
package loop

import (
	"log/slog"
	"time"
)

// TimerHandle is a cancellable scheduled callback, returned by
// [EventLoop.CallLater].
type TimerHandle interface {
	// Cancel prevents the callback from running if it has not fired yet.
	// Safe to call more than once.
	Cancel()
}

// EventLoop is the scheduling and logging collaborator consumed by
// [core/conn.Connection] for idle-timeout arming.
type EventLoop interface {
	// CallLater schedules fn to run after d and returns a handle that can
	// cancel it before it fires.
	CallLater(d time.Duration, fn func()) TimerHandle

	// Logger returns the logger associated with this loop.
	Logger() *slog.Logger
}

// Real is an EventLoop backed by time.AfterFunc. It requires no explicit
// "run" step: every callback executes on its own goroutine, same as Go's
// standard timers.
type Real struct {
	logger *slog.Logger
}

// New returns a Real event loop that logs through logger. A nil logger
// defaults to slog.Default().
func New(logger *slog.Logger) *Real {
	if logger == nil {
		logger = slog.Default()
	}
	return &Real{logger: logger}
}

// CallLater implements EventLoop.
func (r *Real) CallLater(d time.Duration, fn func()) TimerHandle {
	t := time.AfterFunc(d, fn)
	return stdTimer{t}
}

// Logger implements EventLoop.
func (r *Real) Logger() *slog.Logger {
	return r.logger
}

type stdTimer struct {
	t *time.Timer
}

func (s stdTimer) Cancel() {
	s.t.Stop()
}
