package producer

import "errors"

// ErrTooManyConnections is returned by NewConnection when MaxConnections is
// positive and the producer has already created that many connections.
var ErrTooManyConnections = errors.New("producer: too many connections")

// ErrServerAlreadyRunning is returned by Server.Run when called while a
// previous Run has not yet returned.
var ErrServerAlreadyRunning = errors.New("producer: server is already running")
