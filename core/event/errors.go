package event

import "errors"

// ErrUnknownEvent is returned when an operation names an event that was not
// declared as one of the handler's one-time or many-time events.
var ErrUnknownEvent = errors.New("event: unknown event name")

// ErrNotOneTime is returned when a one-time-only operation (Event, PopEvent)
// is used with the name of a many-time event.
var ErrNotOneTime = errors.New("event: not a one-time event")
