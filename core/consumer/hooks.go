package consumer

import (
	"context"

	"github.com/relaynet/relaycore/core/conn"
)

// DataHandler is the one hook every ProtocolConsumer must implement: parse
// (and, possibly, write back in response to) inbound bytes, returning
// whatever suffix it did not consume.
//
// A non-empty residual is only valid on the call that also retires the
// consumer (by resolving its finish event via Finished); otherwise the
// owning Connection raises ErrProtocolViolation.
type DataHandler interface {
	HandleData(ctx context.Context, data []byte) (residual []byte, err error)
}

// RequestStarter is the optional hook client consumers implement to kick off
// a request once bound and started with a non-nil request payload. Server
// consumers typically do not implement it.
type RequestStarter interface {
	StartRequest(ctx context.Context) error
}

// BoundHook is the optional hook a consumer implements to observe the moment
// SetConsumer finishes wiring it into its connection.
type BoundHook interface {
	ConsumerBound(c *conn.Connection)
}
