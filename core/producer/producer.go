// Package producer implements ConnectionProducer and Server: the
// factory/supervisor layer that sits above a single Connection, enforcing a
// connection cap, assigning session ids, tracking live connections, and
// fanning out many-time event subscribers to every connection it creates.
package producer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaynet/relaycore/core/conn"
	"github.com/relaynet/relaycore/core/event"
	"github.com/relaynet/relaycore/core/loop"
	"golang.org/x/sync/errgroup"
)

// unboundedConnections stands in for the spec's "max_connections == 0 means
// unbounded", represented internally as 2^31 so the cap check is a plain
// comparison.
const unboundedConnections = 1 << 31

// ConnectionFactory constructs a Connection for a freshly assigned session.
// p is the producer creating it, stored verbatim as the connection's
// Producer() value for consumer hooks to introspect.
type ConnectionFactory func(session int64, cf conn.ConsumerFactory, p any, timeout time.Duration) *conn.Connection

// DefaultConnectionFactory returns a ConnectionFactory that builds a plain
// *conn.Connection wired with logger and evloop, either of which may be nil.
func DefaultConnectionFactory(logger *slog.Logger, evloop loop.EventLoop) ConnectionFactory {
	return func(session int64, cf conn.ConsumerFactory, p any, timeout time.Duration) *conn.Connection {
		var opts []conn.Option
		if logger != nil {
			opts = append(opts, conn.WithLogger(logger))
		}
		if evloop != nil {
			opts = append(opts, conn.WithEventLoop(evloop))
		}
		return conn.New(session, cf, p, timeout, opts...)
	}
}

var producerManyTimeEvents = []string{"connection_made", "pre_request", "post_request", "connection_lost"}

// ConnectionProducer is the factory/supervisor of connections. It is safe
// for concurrent use: NewConnection, CloseConnections, and the bookkeeping
// hooks it wires into every connection it births may all run from different
// goroutines.
type ConnectionProducer struct {
	connectionFactory ConnectionFactory
	timeout           time.Duration
	maxConnections    int64
	logger            *slog.Logger
	evloop            loop.EventLoop
	canReuse          func(c *conn.Connection, response any) bool

	events *event.Handler

	received atomic.Int64

	mu         sync.Mutex
	concurrent map[int64]*conn.Connection
}

// Option configures a ConnectionProducer at construction time.
type Option func(*ConnectionProducer)

// WithLogger sets the logger new connections are built with. Defaults to a
// discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *ConnectionProducer) { p.logger = logger }
}

// WithEventLoop sets the scheduling collaborator new connections arm their
// idle timers through.
func WithEventLoop(l loop.EventLoop) Option {
	return func(p *ConnectionProducer) { p.evloop = l }
}

// WithMaxConnections caps the number of connections this producer will ever
// create. n <= 0 (the default) means unbounded.
func WithMaxConnections(n int) Option {
	return func(p *ConnectionProducer) {
		if n <= 0 {
			p.maxConnections = unboundedConnections
			return
		}
		p.maxConnections = int64(n)
	}
}

// WithCanReuseConnection overrides the default can-reuse policy, which
// always returns true. Go has no subclass-override hook for this, so the
// strategy is a plain function instead.
func WithCanReuseConnection(fn func(c *conn.Connection, response any) bool) Option {
	return func(p *ConnectionProducer) { p.canReuse = fn }
}

// WithConnectionFactory overrides how connections are constructed. Defaults
// to DefaultConnectionFactory wired with this producer's own logger/event
// loop.
func WithConnectionFactory(f ConnectionFactory) Option {
	return func(p *ConnectionProducer) { p.connectionFactory = f }
}

// New constructs a ConnectionProducer.
func New(timeout time.Duration, opts ...Option) *ConnectionProducer {
	p := &ConnectionProducer{
		timeout:        timeout,
		maxConnections: unboundedConnections,
		events:         event.New(nil, producerManyTimeEvents),
		concurrent:     make(map[int64]*conn.Connection),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if p.canReuse == nil {
		p.canReuse = func(*conn.Connection, any) bool { return true }
	}
	if p.connectionFactory == nil {
		p.connectionFactory = DefaultConnectionFactory(p.logger, p.evloop)
	}
	return p
}

// Logger returns the producer's logger.
func (p *ConnectionProducer) Logger() *slog.Logger { return p.logger }

// EventLoop returns the producer's scheduling collaborator, or nil.
func (p *ConnectionProducer) EventLoop() loop.EventLoop { return p.evloop }

// Received returns the number of connections this producer has created so
// far; it is also the most recently assigned session id.
func (p *ConnectionProducer) Received() int64 { return p.received.Load() }

// Concurrent returns a snapshot of the currently live connections (those
// whose connection_made has fired and connection_lost has not).
func (p *ConnectionProducer) Concurrent() []*conn.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*conn.Connection, 0, len(p.concurrent))
	for _, c := range p.concurrent {
		out = append(out, c)
	}
	return out
}

// BindEvent registers sub for one of the producer's many-time events
// (connection_made, pre_request, post_request, connection_lost). Subscribers
// registered here are copied onto every connection NewConnection creates
// afterward; connections already created are not affected retroactively.
func (p *ConnectionProducer) BindEvent(name string, sub event.Subscriber) error {
	return p.events.BindEvent(name, sub)
}

// NewConnection implements the spec's new_connection algorithm: enforce the
// connection cap, assign the next session id, build the connection, wire
// the concurrent-set bookkeeping hooks, and fan this producer's many-time
// subscribers out onto it.
func (p *ConnectionProducer) NewConnection(consumerFactory conn.ConsumerFactory) (*conn.Connection, error) {
	return p.newConnectionAs(consumerFactory, p)
}

// newConnectionAs lets Server pass itself, rather than its embedded
// ConnectionProducer, as the connection's stored Producer() value.
func (p *ConnectionProducer) newConnectionAs(consumerFactory conn.ConsumerFactory, self any) (*conn.Connection, error) {
	if p.maxConnections > 0 && p.received.Load() >= p.maxConnections {
		return nil, ErrTooManyConnections
	}
	session := p.received.Add(1)

	c := p.connectionFactory(session, consumerFactory, self, p.timeout)

	_ = c.BindEvent("connection_made", func(any) {
		p.mu.Lock()
		p.concurrent[session] = c
		p.mu.Unlock()
	})
	_ = c.BindEvent("connection_lost", func(any) {
		p.mu.Lock()
		delete(p.concurrent, session)
		p.mu.Unlock()
	})

	c.Events().CopyManyTimesEvents(p.events)
	c.Events().AdoptManyTimeSubscribers(p.events, "connection_made", "connection_lost")
	return c, nil
}

// CloseConnections closes connection (or, if nil, every currently live
// connection this producer tracks) and blocks until each targeted
// connection's connection_lost event has fired or ctx is done.
func (p *ConnectionProducer) CloseConnections(ctx context.Context, connection *conn.Connection, async bool) error {
	targets := p.closeTargets(connection)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range targets {
		c := c
		done := make(chan struct{})
		_ = c.BindEvent("connection_lost", func(any) { close(done) })
		g.Go(func() error {
			if err := c.Close(async, nil); err != nil {
				return err
			}
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

func (p *ConnectionProducer) closeTargets(connection *conn.Connection) []*conn.Connection {
	if connection != nil {
		return []*conn.Connection{connection}
	}
	return p.Concurrent()
}

// CanReuseConnection reports whether connection may be kept alive for a
// subsequent request given response, per the configured policy (default:
// always true).
func (p *ConnectionProducer) CanReuseConnection(c *conn.Connection, response any) bool {
	return p.canReuse(c, response)
}
