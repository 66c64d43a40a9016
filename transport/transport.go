// Package transport defines the Transport collaborator consumed by
// [core/conn.Connection], and ships two concrete implementations: a TCP/TLS
// transport (package transport/tcp) and a WebSocket transport (package
// transport/ws) for the HTTP→WebSocket upgrade scenario.
package transport

import "net"

// Transport is the byte-oriented endpoint a Connection pushes writes to and
// receives closure notifications from. Implementations push inbound bytes by
// calling Connection.DataReceived and notify closure by calling
// Connection.ConnectionLost — the core never reads a socket itself.
type Transport interface {
	// Write sends b to the remote end.
	Write(b []byte) (int, error)

	// Close closes the transport. If async is true the close may complete in
	// the background; exc, if non-nil, is the reason for the close. Close does
	// not pass exc on to connection_lost observers.
	Close(async bool, exc error) error

	// IsStale reports whether the transport believes the peer is already
	// gone (e.g. a TCP half-close detected by a failed zero-byte probe).
	IsStale() bool

	// Closing reports whether Close has already been called.
	Closing() bool

	// Sock exposes the raw underlying connection, for the "same fd" check
	// Connection.ConnectionMade performs on TLS re-wraps.
	Sock() any

	// Addr is the remote address of this transport, or nil if not connected.
	Addr() net.Addr
}
