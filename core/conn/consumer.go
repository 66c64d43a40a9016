package conn

import (
	"context"

	"github.com/relaynet/relaycore/core/event"
)

// Consumer is the contract a Connection needs from a ProtocolConsumer. It is
// declared here, rather than imported from core/consumer, to break the
// Connection<->Consumer reference cycle: Connection owns at most one Consumer
// at a time, and a Consumer holds a non-owning back-reference to its
// Connection (see core/consumer.Base).
//
// core/consumer.Base implements this interface; most callers never need to
// satisfy it directly.
type Consumer interface {
	// Bind attaches connection to this consumer (the INIT->BOUND transition).
	Bind(connection *Connection)

	// Start fires pre_request and, if request is non-nil, invokes the
	// consumer's start-request hook. Server-side callers pass a nil request.
	Start(ctx context.Context, request any) error

	// Feed is the internal entrypoint Connection.DataReceived calls for every
	// buffer: it updates bookkeeping, fires data_received/data_processed, and
	// delegates to the consumer's data hook, returning the residual bytes the
	// hook did not consume.
	Feed(ctx context.Context, data []byte) ([]byte, error)

	// ConnectionLost is invoked by Connection.ConnectionLost when the
	// transport has gone away.
	ConnectionLost(exc error)

	// Events exposes the consumer's event bus, for mirroring and for
	// CopyManyTimesEvents during SetConsumer.
	Events() *event.Handler

	// PopPostRequest detaches this consumer's post_request cell, installing a
	// fresh pending one, and returns the detached cell. Used by Upgrade.
	PopPostRequest() (*event.Cell, error)

	// AdoptPostRequest installs cell as this consumer's post_request cell,
	// re-homing a cell popped from the consumer being upgraded away from.
	AdoptPostRequest(cell *event.Cell)

	// UpgradedFrom returns the consumer this one replaced via upgrade, or nil.
	UpgradedFrom() Consumer

	// SetUpgradedFrom records the consumer this one replaced via upgrade.
	SetUpgradedFrom(old Consumer)

	// NewConnectionFlag reports the new_connection flag recorded on this
	// consumer by Connection.Upgrade.
	NewConnectionFlag() bool

	// SetNewConnectionFlag records the new_connection flag.
	SetNewConnectionFlag(v bool)

	// Bound is called once SetConsumer has finished wiring this consumer
	// into its connection. Default implementations no-op; user consumers may
	// implement an optional hook interface to observe it (see
	// core/consumer.BoundHook).
	Bound(connection *Connection)
}
