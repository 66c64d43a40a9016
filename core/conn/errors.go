package conn

import "errors"

// ErrProtocolViolation is the ProtocolError kind from the specification: a
// consumer returned residual bytes from Feed without simultaneously retiring
// (its finish event did not fire, so the connection still considers it
// bound).
var ErrProtocolViolation = errors.New("conn: current consumer not done")

// ErrConsumerAlreadySet is returned by SetConsumer when the connection
// already has a bound, unretired consumer.
var ErrConsumerAlreadySet = errors.New("conn: current consumer is not nil")

// ErrNoTransport is returned by DataReceived if it is called before
// ConnectionMade has set a transport.
var ErrNoTransport = errors.New("conn: data received before connection made")

// ErrUpgradeNotReady is returned by Upgrade when it is asked to steal
// post_request from a consumer whose pre_request has not resolved yet.
var ErrUpgradeNotReady = errors.New("conn: pre_request not done")

// ErrIdleTimeout is the exc value Connection passes to Transport.Close when
// the idle timer fires. Connection does not fire connection_lost itself on a
// timeout: observers get whatever error the transport later reports to
// ConnectionLost, which for the tcp and ws transports is their read error,
// not ErrIdleTimeout.
var ErrIdleTimeout = errors.New("conn: idle timeout")
