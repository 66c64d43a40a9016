// Package conn implements Connection: the bridge between a byte-oriented
// Transport and a single ProtocolConsumer at a time. It owns the idle-timeout
// timer, performs the upgrade protocol documented in the package's design
// notes, and republishes the bound consumer's per-request one-time events as
// its own many-time events for producer-level observers.
package conn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaynet/relaycore/core/event"
	"github.com/relaynet/relaycore/core/loop"
	"github.com/relaynet/relaycore/transport"
)

var oneTimeEvents = []string{"connection_made", "connection_lost"}
var manyTimeEvents = []string{"pre_request", "finish", "post_request"}

// ConsumerFactory constructs a fresh, unbound Consumer for connection c. The
// data-receive loop calls this exactly when the current consumer slot is
// empty and a new byte has arrived.
type ConsumerFactory func(c *Connection) Consumer

// Connection owns a transport and serializes a sequence of Consumers onto it.
// At any instant it holds at most one bound, unretired consumer.
//
// Connection is safe for concurrent use: a transport's reader goroutine calls
// DataReceived, while producer-level code may concurrently call BindEvent,
// Close, or inspect Processed/Session from other goroutines.
type Connection struct {
	session   int64
	traceID   uuid.UUID
	producer  any
	logger    *slog.Logger
	evloop    loop.EventLoop
	consumerF ConsumerFactory

	events *event.Handler

	mu        sync.Mutex
	transport transport.Transport
	current   Consumer
	processed int64
	timeout   time.Duration
	idleTimer loop.TimerHandle
}

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithLogger sets the connection's logger. Defaults to a discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) { c.logger = logger }
}

// WithEventLoop sets the scheduling collaborator used to arm the idle timer.
// Without one, idle timeouts never fire (timeout is effectively disabled).
func WithEventLoop(l loop.EventLoop) Option {
	return func(c *Connection) { c.evloop = l }
}

// New constructs a Connection. session is assigned by the owning producer and
// must be unique and increasing within it. consumerFactory builds a fresh
// Consumer whenever the current slot is empty. timeout of 0 disables the idle
// timer.
func New(session int64, consumerFactory ConsumerFactory, producer any, timeout time.Duration, opts ...Option) *Connection {
	c := &Connection{
		session:   session,
		traceID:   uuid.New(),
		producer:  producer,
		consumerF: consumerFactory,
		timeout:   timeout,
		events:    event.New(oneTimeEvents, manyTimeEvents),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Session returns the connection's producer-assigned session id.
func (c *Connection) Session() int64 { return c.session }

// TraceID returns the connection's correlation id, for log correlation
// alongside the spec-mandated integer session id.
func (c *Connection) TraceID() uuid.UUID { return c.traceID }

// Producer returns the producer this connection belongs to.
func (c *Connection) Producer() any { return c.producer }

// Logger returns the connection's logger.
func (c *Connection) Logger() *slog.Logger { return c.logger }

// ConsumerFactory returns the factory used to build the next consumer.
func (c *Connection) ConsumerFactory() ConsumerFactory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumerF
}

// CurrentConsumer returns the consumer currently bound to this connection, or
// nil if the slot is empty.
func (c *Connection) CurrentConsumer() Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Processed returns the number of consumers SetConsumer has counted on this
// connection so far, including the one currently bound. A consumer produced
// by an Upgrade with newConnection false is not counted.
func (c *Connection) Processed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed
}

// Timeout returns the current idle timeout. Zero means disabled.
func (c *Connection) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// EventLoop returns the scheduling collaborator this connection arms its
// idle timer through. May be nil if none was configured.
func (c *Connection) EventLoop() loop.EventLoop { return c.evloop }

// Transport returns the bound transport, or nil before ConnectionMade.
func (c *Connection) Transport() transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Sock returns the raw socket handle of the bound transport, if any.
func (c *Connection) Sock() any {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Sock()
}

// Addr returns the remote address of the bound transport, or nil.
func (c *Connection) Addr() net.Addr {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Addr()
}

// Closed reports whether the transport is gone or has started closing. A
// missing transport reads as closed.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return true
	}
	return t.Closing()
}

// IsStale reports whether the transport believes the peer is already gone.
func (c *Connection) IsStale() bool {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return true
	}
	return t.IsStale()
}

// Close closes the underlying transport.
func (c *Connection) Close(async bool, exc error) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close(async, exc)
}

// Abort closes the underlying transport synchronously.
func (c *Connection) Abort(exc error) error {
	return c.Close(false, exc)
}

// BindEvent registers sub for one of this connection's events
// (connection_made, connection_lost, pre_request, finish, post_request).
func (c *Connection) BindEvent(name string, sub event.Subscriber) error {
	return c.events.BindEvent(name, sub)
}

// FireEvent fires one of this connection's events directly. Exposed mainly
// for producer bookkeeping hooks (add/remove from the concurrent set); most
// callers never need it since ProtocolConsumer lifecycle events are mirrored
// automatically by SetConsumer.
func (c *Connection) FireEvent(name string, data any) (bool, error) {
	return c.events.FireEvent(name, data)
}

// Event returns the completion cell for one of this connection's one-time
// events.
func (c *Connection) Event(name string) (*event.Cell, error) {
	return c.events.Event(name)
}

// CopyManyTimesEvents appends source's many-time subscribers (for the event
// names the two handlers share) to this connection's own subscriber lists.
func (c *Connection) CopyManyTimesEvents(source *Connection) {
	c.events.CopyManyTimesEvents(source.events)
}

// Events exposes the connection's event bus, for producer-level fan-out:
// a ConnectionProducer copies its own many-time subscribers onto every
// connection it creates via Events().CopyManyTimesEvents.
func (c *Connection) Events() *event.Handler {
	return c.events
}

// SetTimeout cancels any pending idle timer, updates the timeout, and
// re-arms if appropriate.
func (c *Connection) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimeoutLocked()
	c.timeout = timeout
	c.armIdleTimeoutLocked()
}

// SetConsumer binds consumer as the current consumer. It fails if a consumer
// is already bound. Unless the consumer is the product of an upgrade that
// requested the same physical connection, it also copies this connection's
// many-time subscribers onto the consumer and increments Processed.
func (c *Connection) SetConsumer(consumer Consumer) error {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return ErrConsumerAlreadySet
	}
	c.current = consumer
	c.mu.Unlock()

	consumer.Bind(c)

	accountForNewConsumer := true
	if old := consumer.UpgradedFrom(); old != nil {
		accountForNewConsumer = old.NewConnectionFlag()
	}
	if accountForNewConsumer {
		consumer.Events().CopyManyTimesEvents(c.events)
		c.mu.Lock()
		c.processed++
		c.mu.Unlock()
	}

	c.wireMirror(consumer)
	consumer.Bound(c)
	return nil
}

// wireMirror republishes consumer's pre_request/finish/post_request one-time
// events as this connection's many-time events of the same name, so that
// observers bound on the connection (in particular, observers the producer
// copied in at connection-creation time) see every request's lifecycle. An
// upgraded consumer's post_request cell is the one stolen from the consumer
// it replaced, which already carries that mirror subscriber, so it is not
// re-wired here (Cell.Fire is idempotent in any case).
func (c *Connection) wireMirror(consumer Consumer) {
	events := consumer.Events()
	_ = events.BindEvent("pre_request", func(data any) {
		_, _ = c.events.FireEvent("pre_request", data)
	})
	_ = events.BindEvent("finish", func(data any) {
		_, _ = c.events.FireEvent("finish", data)
	})
	if consumer.UpgradedFrom() == nil {
		_ = events.BindEvent("post_request", func(data any) {
			_, _ = c.events.FireEvent("post_request", data)
		})
	}
}

// release detaches consumer from the current-consumer slot if it is still
// the one bound. Called by ProtocolConsumer.Finished.
func (c *Connection) release(consumer Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == consumer {
		c.current = nil
	}
}

// Release is the exported form of release, used by core/consumer.Base.
func (c *Connection) Release(consumer Consumer) {
	c.release(consumer)
}

// ConnectionMade binds t as this connection's transport. Re-binding the same
// underlying socket (a TLS re-wrap of an existing fd) is idempotent: it only
// rearms the idle timer. Otherwise it fires connection_made and arms the idle
// timer for the first time.
func (c *Connection) ConnectionMade(t transport.Transport) error {
	c.mu.Lock()
	old := c.transport
	if old != nil {
		c.cancelTimeoutLocked()
		if sameSocket(old, t) {
			c.transport = t
			c.armIdleTimeoutLocked()
			c.mu.Unlock()
			return nil
		}
	}
	c.transport = t
	c.mu.Unlock()

	if _, err := c.events.FireEvent("connection_made", nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.armIdleTimeoutLocked()
	c.mu.Unlock()
	return nil
}

func sameSocket(old, next transport.Transport) bool {
	oldSock, nextSock := old.Sock(), next.Sock()
	if oldSock == nil || nextSock == nil {
		return false
	}
	return oldSock == nextSock
}

// DataReceived routes buf to the current consumer, creating one via
// ConsumerFactory if the slot is empty, looping until the consumer(s) have
// consumed the whole buffer. A consumer may return residual bytes only if it
// simultaneously retired; otherwise DataReceived returns ErrProtocolViolation.
func (c *Connection) DataReceived(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.transport == nil {
		c.mu.Unlock()
		return ErrNoTransport
	}
	c.cancelTimeoutLocked()
	c.mu.Unlock()

	for len(data) > 0 {
		c.mu.Lock()
		current := c.current
		c.mu.Unlock()

		if current == nil {
			newConsumer := c.consumerF(c)
			if err := c.SetConsumer(newConsumer); err != nil {
				return err
			}
			if err := newConsumer.Start(ctx, nil); err != nil {
				return err
			}
			current = newConsumer
		}

		residual, err := current.Feed(ctx, data)
		if err != nil {
			return err
		}

		c.mu.Lock()
		stillBound := c.current == current
		c.mu.Unlock()

		if len(residual) > 0 && stillBound {
			return fmt.Errorf("%w.", ErrProtocolViolation)
		}
		data = residual
	}

	c.mu.Lock()
	c.armIdleTimeoutLocked()
	c.mu.Unlock()
	return nil
}

// ConnectionLost fires connection_lost exactly once; on the first call it
// cancels the idle timer and forwards exc to the bound consumer, if any.
func (c *Connection) ConnectionLost(exc error) error {
	fired, err := c.events.FireEvent("connection_lost", exc)
	if err != nil {
		return err
	}
	if !fired {
		return nil
	}

	c.mu.Lock()
	c.cancelTimeoutLocked()
	current := c.current
	c.mu.Unlock()

	if current != nil {
		current.ConnectionLost(exc)
	} else if exc != nil {
		c.logger.Error("connection lost with no active consumer", slog.Any("error", exc), slog.Int64("session", c.session))
	}
	return nil
}

// Upgrade swaps the consumer factory this connection will use for the next
// consumer. If there is a current consumer whose post_request has not
// resolved yet (and whose pre_request has), its post_request completion cell
// is detached and re-homed onto the replacement consumer the new factory
// produces, so subscribers of the old consumer's post_request still see
// exactly one resolution. newConnection controls whether the replacement
// consumer counts as a continuation of this connection's Processed counter
// (false, the default meaning) or a fresh framing session (true).
func (c *Connection) Upgrade(consumerFactory ConsumerFactory, newConnection bool) error {
	c.mu.Lock()
	current := c.current
	factory := c.consumerF
	c.mu.Unlock()

	if current != nil {
		postCell, err := current.Events().Event("post_request")
		if err != nil {
			return err
		}
		if !postCell.Resolved() {
			preCell, err := current.Events().Event("pre_request")
			if err != nil {
				return err
			}
			if !preCell.Resolved() {
				return ErrUpgradeNotReady
			}

			popped, err := current.PopPostRequest()
			if err != nil {
				return err
			}
			current.SetNewConnectionFlag(newConnection)

			base := factory
			if consumerFactory != nil {
				base = consumerFactory
			}
			oldConsumer := current
			wrapped := func(conn *Connection) Consumer {
				next := base(conn)
				next.SetUpgradedFrom(oldConsumer)
				next.AdoptPostRequest(popped)
				return next
			}

			c.mu.Lock()
			c.consumerF = wrapped
			c.mu.Unlock()
			return nil
		}
	}

	if consumerFactory != nil {
		c.mu.Lock()
		c.consumerF = consumerFactory
		c.mu.Unlock()
	}
	return nil
}

func (c *Connection) timedOut() {
	c.logger.Info("connection idle, closing",
		slog.Int64("session", c.session), slog.Duration("timeout", c.timeout))
	c.mu.Lock()
	c.cancelTimeoutLocked()
	c.mu.Unlock()
	_ = c.Close(true, ErrIdleTimeout)
}

// armIdleTimeoutLocked must be called with c.mu held.
func (c *Connection) armIdleTimeoutLocked() {
	if c.idleTimer != nil || c.timeout <= 0 || c.evloop == nil {
		return
	}
	if c.transport == nil || c.transport.Closing() {
		return
	}
	if c.current != nil {
		return
	}
	c.idleTimer = c.evloop.CallLater(c.timeout, c.timedOut)
}

// cancelTimeoutLocked must be called with c.mu held.
func (c *Connection) cancelTimeoutLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Cancel()
		c.idleTimer = nil
	}
}
