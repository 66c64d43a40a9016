// Package looptest provides a deterministic, manually-driven EventLoop fake:
// CallLater records the callback instead of scheduling a real timer, so idle
// timeout scenarios can be tested without sleeping.
package looptest

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/relaynet/relaycore/core/loop"
)

// Fake is a loop.EventLoop whose timers only fire when Fire is called
// explicitly. Safe for concurrent use.
type Fake struct {
	mu     sync.Mutex
	timers []*fakeTimer
	logger *slog.Logger
}

// New returns a Fake event loop. A nil logger defaults to a discard logger.
func New(logger *slog.Logger) *Fake {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fake{logger: logger}
}

// CallLater implements loop.EventLoop.
func (f *Fake) CallLater(_ time.Duration, fn func()) loop.TimerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Logger implements loop.EventLoop.
func (f *Fake) Logger() *slog.Logger { return f.logger }

// Pending returns the number of scheduled timers that have not been
// cancelled or fired yet.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.cancelled && !t.fired {
			n++
		}
	}
	return n
}

// Fire runs the i-th scheduled timer's callback synchronously, regardless of
// whether it was cancelled, mirroring a real timer racing its own
// cancellation. It is a no-op if i is out of range.
func (f *Fake) Fire(i int) {
	f.mu.Lock()
	if i < 0 || i >= len(f.timers) {
		f.mu.Unlock()
		return
	}
	t := f.timers[i]
	t.fired = true
	f.mu.Unlock()
	t.fn()
}

// FireAllPending runs every timer that has not been cancelled.
func (f *Fake) FireAllPending() {
	f.mu.Lock()
	pending := make([]*fakeTimer, 0, len(f.timers))
	for _, t := range f.timers {
		if !t.cancelled && !t.fired {
			pending = append(pending, t)
		}
	}
	f.mu.Unlock()
	for _, t := range pending {
		t.fired = true
		t.fn()
	}
}

type fakeTimer struct {
	fn        func()
	cancelled bool
	fired     bool
}

func (t *fakeTimer) Cancel() { t.cancelled = true }
