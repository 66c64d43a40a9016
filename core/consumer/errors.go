package consumer

import "errors"

// ErrNoConnection is returned by Start when called before the consumer has
// been bound to a Connection.
var ErrNoConnection = errors.New("consumer: no connection")

// ErrNoTransport is returned by Start when the bound Connection has no
// transport yet.
var ErrNoTransport = errors.New("consumer: connection has no transport")
