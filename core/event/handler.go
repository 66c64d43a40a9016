package event

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Handler is a generic event bus with two disjoint kinds of events: one-time
// events, declared once and resolved at most once, and many-time events,
// which behave like an ordered pub/sub stream with no retained state.
//
// Components that declare events use a *Handler created by [New] in their
// constructor with the event names they own: consumer.Base embeds one by
// pointer, while conn.Connection and the producers keep one in a field.
type Handler struct {
	logger *slog.Logger

	mu       sync.Mutex
	oneTime  map[string]*Cell
	manyTime map[string][]Subscriber
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used to report subscriber panics. Defaults to a
// discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// New creates a Handler declaring oneTimeEvents and manyTimeEvents. The two
// name sets must be disjoint; names outside of them are rejected by every
// method with [ErrUnknownEvent].
func New(oneTimeEvents, manyTimeEvents []string, opts ...Option) *Handler {
	h := &Handler{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		oneTime:  make(map[string]*Cell, len(oneTimeEvents)),
		manyTime: make(map[string][]Subscriber, len(manyTimeEvents)),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, name := range oneTimeEvents {
		h.oneTime[name] = NewCell()
	}
	for _, name := range manyTimeEvents {
		h.manyTime[name] = nil
	}
	return h
}

func (h *Handler) recoverLog(eventName string) func(recovered any) {
	return func(recovered any) {
		h.logger.Error("event subscriber panicked",
			slog.String("event", eventName),
			slog.Any("recovered", recovered))
	}
}

// BindEvent registers sub for a many-time event, or attaches a completion
// subscriber to a one-time event. If name is a one-time event that has
// already resolved, sub is invoked immediately with the stored outcome.
func (h *Handler) BindEvent(name string, sub Subscriber) error {
	h.mu.Lock()
	if cell, ok := h.oneTime[name]; ok {
		h.mu.Unlock()
		cell.Subscribe(sub, h.recoverLog(name))
		return nil
	}
	if _, ok := h.manyTime[name]; ok {
		h.manyTime[name] = append(h.manyTime[name], sub)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	return fmt.Errorf("%w: %s", ErrUnknownEvent, name)
}

// FireEvent resolves a one-time event with data, returning true if this call
// caused the resolution (false if it was already resolved). For a many-time
// event it invokes every subscriber, in subscription order, and always
// returns true. Subscriber panics are logged and swallowed.
func (h *Handler) FireEvent(name string, data any) (bool, error) {
	h.mu.Lock()
	if cell, ok := h.oneTime[name]; ok {
		h.mu.Unlock()
		return cell.Fire(data, h.recoverLog(name)), nil
	}
	subs, ok := h.manyTime[name]
	if !ok {
		h.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	subsCopy := append([]Subscriber(nil), subs...)
	h.mu.Unlock()

	for _, sub := range subsCopy {
		invoke(sub, data, h.recoverLog(name))
	}
	return true, nil
}

// Event returns the completion cell backing a one-time event.
func (h *Handler) Event(name string) (*Cell, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cell, ok := h.oneTime[name]
	if !ok {
		if _, many := h.manyTime[name]; many {
			return nil, fmt.Errorf("%w: %s", ErrNotOneTime, name)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	return cell, nil
}

// Deferred is an alias for Event, matching the vocabulary used by callers
// that think of a one-time event as a future.
func (h *Handler) Deferred(name string) (*Cell, error) {
	return h.Event(name)
}

// PopEvent detaches the completion cell for a one-time event and installs a
// fresh pending cell in its place, returning the detached cell. This is the
// primitive the connection upgrade uses to re-home a still-pending
// post_request completion onto a replacement consumer without losing the
// original subscribers or double-firing them.
func (h *Handler) PopEvent(name string) (*Cell, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	old, ok := h.oneTime[name]
	if !ok {
		if _, many := h.manyTime[name]; many {
			return nil, fmt.Errorf("%w: %s", ErrNotOneTime, name)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	h.oneTime[name] = NewCell()
	return old, nil
}

// SetEvent installs cell as the backing completion cell for the one-time
// event name, replacing whatever was there. Used to re-home a popped cell
// from another Handler onto this one.
func (h *Handler) SetEvent(name string, cell *Cell) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.oneTime[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	h.oneTime[name] = cell
	return nil
}

// AdoptManyTimeSubscribers attaches source's current many-time subscribers
// for each of names directly onto this handler's one-time cells of the same
// names, so that a later resolution of one of this handler's one-time events
// fans out to every subscriber source had at the moment of this call.
// Subscribers added to source afterwards are not retroactively adopted, same
// as CopyManyTimesEvents. Names source has no many-time subscribers for, or
// this handler has no one-time cell for, are skipped.
func (h *Handler) AdoptManyTimeSubscribers(source *Handler, names ...string) {
	for _, name := range names {
		source.mu.Lock()
		subs := append([]Subscriber(nil), source.manyTime[name]...)
		source.mu.Unlock()
		if len(subs) == 0 {
			continue
		}

		h.mu.Lock()
		cell, ok := h.oneTime[name]
		h.mu.Unlock()
		if !ok {
			continue
		}

		for _, sub := range subs {
			cell.Subscribe(sub, h.recoverLog(name))
		}
	}
}

// CopyManyTimesEvents appends, for every many-time event name declared by
// both handlers, source's current subscribers to this handler's subscriber
// list, preserving order. Subscribers added to source afterwards are not
// retroactively copied.
func (h *Handler) CopyManyTimesEvents(source *Handler) {
	source.mu.Lock()
	snapshot := make(map[string][]Subscriber, len(source.manyTime))
	for name, subs := range source.manyTime {
		snapshot[name] = append([]Subscriber(nil), subs...)
	}
	source.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	for name, subs := range snapshot {
		if _, ok := h.manyTime[name]; !ok || len(subs) == 0 {
			continue
		}
		h.manyTime[name] = append(h.manyTime[name], subs...)
	}
}
