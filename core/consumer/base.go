// Package consumer implements Base, the ProtocolConsumer state machine:
// pre_request -> data_received* -> finish -> post_request, driven by the
// owning [conn.Connection] and a user-supplied [DataHandler].
//
// User consumers embed *Base and construct it with themselves as the
// DataHandler implementation:
//
//	type Echo struct {
//	    *consumer.Base
//	}
//
//	func NewEcho(c *conn.Connection) conn.Consumer {
//	    e := &Echo{}
//	    e.Base = consumer.NewBase(e)
//	    return e
//	}
//
//	func (e *Echo) HandleData(ctx context.Context, data []byte) ([]byte, error) {
//	    ...
//	}
package consumer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/relaynet/relaycore/core/conn"
	"github.com/relaynet/relaycore/core/event"
	"github.com/relaynet/relaycore/core/loop"
	"github.com/relaynet/relaycore/transport"
)

var oneTimeEvents = []string{"pre_request", "finish", "post_request"}
var manyTimeEvents = []string{"data_received", "data_processed"}

// Base implements the conn.Consumer contract. Embed it by pointer in a
// user-defined consumer type and pass that type's DataHandler implementation
// (almost always itself) to NewBase.
type Base struct {
	*event.Handler

	impl   DataHandler
	self   conn.Consumer
	logger *slog.Logger

	mu                sync.Mutex
	connection        *conn.Connection
	request           any
	upgradedFrom      conn.Consumer
	newConnectionFlag atomic.Bool

	dataReceivedCount atomic.Int64
	reconnectRetries  atomic.Int64
}

// Option configures a Base at construction time.
type Option func(*Base)

// WithLogger sets the logger Base reports subscriber panics and connection
// loss through. Defaults to a discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Base) { b.logger = logger }
}

// NewBase constructs an unbound Base wrapping impl, which must implement
// DataHandler and, for client consumers, should also implement
// RequestStarter. impl is typically the very struct embedding this Base; its
// pointer is recovered via a type assertion so Finished can identify this
// consumer to its Connection without requiring a second parameter.
func NewBase(impl DataHandler, opts ...Option) *Base {
	b := &Base{impl: impl, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(b)
	}
	b.Handler = event.New(oneTimeEvents, manyTimeEvents, event.WithLogger(b.logger))
	if self, ok := impl.(conn.Consumer); ok {
		b.self = self
	} else {
		b.self = b
	}
	return b
}

// Bind attaches connection to this consumer (INIT->BOUND).
func (b *Base) Bind(connection *conn.Connection) {
	b.mu.Lock()
	b.connection = connection
	b.mu.Unlock()
}

// Connection returns the bound connection, or nil.
func (b *Base) Connection() *conn.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connection
}

// Request returns the request payload passed to Start (client consumers
// only); nil for server consumers.
func (b *Base) Request() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.request
}

// EventLoop returns the bound connection's event loop, or nil.
func (b *Base) EventLoop() loop.EventLoop {
	c := b.Connection()
	if c == nil {
		return nil
	}
	return c.EventLoop()
}

// Transport returns the bound connection's transport, or nil.
func (b *Base) Transport() transport.Transport {
	c := b.Connection()
	if c == nil {
		return nil
	}
	return c.Transport()
}

// Address returns the bound connection's remote address, or nil.
func (b *Base) Address() net.Addr {
	c := b.Connection()
	if c == nil {
		return nil
	}
	return c.Addr()
}

// Producer returns the bound connection's producer, or nil.
func (b *Base) Producer() any {
	c := b.Connection()
	if c == nil {
		return nil
	}
	return c.Producer()
}

// OnFinished returns the completion cell for the finish event.
func (b *Base) OnFinished() (*event.Cell, error) { return b.Handler.Event("finish") }

// RequestDone returns the completion cell for the post_request event.
func (b *Base) RequestDone() (*event.Cell, error) { return b.Handler.Event("post_request") }

// HasFinished reports whether the finish event has resolved.
func (b *Base) HasFinished() bool {
	cell, err := b.Handler.Event("finish")
	if err != nil {
		return false
	}
	return cell.Resolved()
}

// UpgradedFrom returns the consumer this one replaced via upgrade, or nil.
func (b *Base) UpgradedFrom() conn.Consumer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upgradedFrom
}

// SetUpgradedFrom records the consumer this one replaced via upgrade.
func (b *Base) SetUpgradedFrom(old conn.Consumer) {
	b.mu.Lock()
	b.upgradedFrom = old
	b.mu.Unlock()
}

// NewConnectionFlag reports the new_connection flag Connection.Upgrade
// recorded on this consumer.
func (b *Base) NewConnectionFlag() bool { return b.newConnectionFlag.Load() }

// SetNewConnectionFlag records the new_connection flag.
func (b *Base) SetNewConnectionFlag(v bool) { b.newConnectionFlag.Store(v) }

// Events exposes the consumer's event bus.
func (b *Base) Events() *event.Handler { return b.Handler }

// PopPostRequest detaches this consumer's post_request cell and installs a
// fresh pending one in its place.
func (b *Base) PopPostRequest() (*event.Cell, error) { return b.Handler.PopEvent("post_request") }

// AdoptPostRequest installs cell as this consumer's post_request cell.
func (b *Base) AdoptPostRequest(cell *event.Cell) { _ = b.Handler.SetEvent("post_request", cell) }

// Bound is invoked by Connection.SetConsumer once wiring is complete. If impl
// implements BoundHook, that hook is invoked.
func (b *Base) Bound(c *conn.Connection) {
	if hook, ok := b.impl.(BoundHook); ok {
		hook.ConsumerBound(c)
	}
}

// Start fires pre_request with request as its payload and, if request is
// non-nil and impl implements RequestStarter, invokes StartRequest. A panic
// or error from StartRequest is converted into a Finished call, routing the
// failure through normal retirement instead of propagating from Start.
func (b *Base) Start(ctx context.Context, request any) error {
	c := b.Connection()
	if c == nil {
		return ErrNoConnection
	}
	if c.Transport() == nil {
		return ErrNoTransport
	}

	b.mu.Lock()
	b.request = request
	b.mu.Unlock()

	if _, err := b.Handler.FireEvent("pre_request", request); err != nil {
		return err
	}
	if request == nil {
		return nil
	}
	starter, ok := b.impl.(RequestStarter)
	if !ok {
		return nil
	}
	if err := callStartRequest(ctx, starter); err != nil {
		b.Finished(err)
	}
	return nil
}

func callStartRequest(ctx context.Context, starter RequestStarter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer: start_request panicked: %v", r)
		}
	}()
	return starter.StartRequest(ctx)
}

// Feed is the internal _data_received entrypoint Connection.DataReceived
// calls. It increments DataReceivedCount, resets ReconnectRetries, fires
// data_received, delegates to impl.HandleData, fires data_processed, and
// returns the residual HandleData reported.
func (b *Base) Feed(ctx context.Context, data []byte) ([]byte, error) {
	b.dataReceivedCount.Add(1)
	b.reconnectRetries.Store(0)

	if _, err := b.Handler.FireEvent("data_received", data); err != nil {
		return nil, err
	}
	residual, hookErr := b.impl.HandleData(ctx, data)
	if _, err := b.Handler.FireEvent("data_processed", data); err != nil {
		return residual, err
	}
	return residual, hookErr
}

// Finished detaches this consumer from its connection (if still bound),
// fires finish with result, then fires post_request with the same result.
// Under upgrade, the old consumer's post_request cell was detached via
// PopPostRequest and adopted by the replacement, so firing post_request here
// on the old consumer resolves only its fresh cell, while the replacement's
// Finished resolves the cell the old consumer's observers subscribed to —
// see [conn.Connection.Upgrade].
func (b *Base) Finished(result any) {
	if c := b.Connection(); c != nil {
		c.Release(b.self)
	}
	_, _ = b.Handler.FireEvent("finish", result)
	_, _ = b.Handler.FireEvent("post_request", result)
}

// ConnectionLost logs exc and delegates to Finished.
func (b *Base) ConnectionLost(exc error) {
	if exc != nil {
		b.logger.Error("protocol consumer connection lost", slog.Any("error", exc))
	}
	b.Finished(exc)
}

// DataReceivedCount returns the number of buffers this consumer has been fed.
func (b *Base) DataReceivedCount() int64 { return b.dataReceivedCount.Load() }

// ReconnectRetries returns the number of reconnect attempts made so far.
func (b *Base) ReconnectRetries() int64 { return b.reconnectRetries.Load() }

// CanReconnect implements the client reconnect policy: a consumer bound to a
// connection whose Processed count is greater than one, and which has not
// received a single byte, is classified as a stale keep-alive connection and
// gets exactly one retry without counting against maxReconnect. Otherwise the
// retry budget is consumed normally, returning 0 once it is exhausted.
func (b *Base) CanReconnect(maxReconnect int, sig *ReconnectSignal) int {
	if c := b.Connection(); c != nil && b.dataReceivedCount.Load() == 0 && c.Processed() > 1 {
		if sig != nil {
			sig.Logged = true
		}
		return 1
	}

	retries := b.reconnectRetries.Load()
	if retries < int64(maxReconnect) {
		retries++
		b.reconnectRetries.Store(retries)
		sig.logWith(b.logger)
		return int(retries)
	}
	return 0
}
