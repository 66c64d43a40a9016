package producer

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relaynet/relaycore/core/conn"
	"github.com/relaynet/relaycore/core/event"
	"github.com/relaynet/relaycore/transport/tcp"
	"golang.org/x/sync/errgroup"
)

var serverOneTimeEvents = []string{"start", "stop"}

// Server extends ConnectionProducer with listening-socket lifecycle: a name
// for logging, start/stop one-time events, and an accept loop that turns
// inbound TCP connections into Connections bound to consumerFactory.
//
// Actual socket listen/accept is owned by Server; Run delegates the
// byte-pump for each accepted connection to transport/tcp.Serve.
type Server struct {
	*ConnectionProducer

	name            string
	addr            string
	tlsConfig       *tls.Config
	consumerFactory conn.ConsumerFactory

	events *event.Handler

	mu       sync.Mutex
	listener net.Listener
	running  bool
}

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// WithTLS configures the listener to perform a TLS handshake on accept.
// Certificate provisioning is the caller's responsibility.
func WithTLS(cfg *tls.Config) ServerOption {
	return func(s *Server) { s.tlsConfig = cfg }
}

// NewServer constructs a Server named name, listening eventually on addr,
// and building a fresh consumer via consumerFactory for each connection.
func NewServer(name, addr string, consumerFactory conn.ConsumerFactory, timeout time.Duration, producerOpts []Option, serverOpts ...ServerOption) *Server {
	s := &Server{
		ConnectionProducer: New(timeout, producerOpts...),
		name:               name,
		addr:               addr,
		consumerFactory:    consumerFactory,
		events:             event.New(serverOneTimeEvents, nil),
	}
	for _, opt := range serverOpts {
		opt(s)
	}
	return s
}

// Name returns the server's name.
func (s *Server) Name() string { return s.name }

// Addr returns the server's configured listen address.
func (s *Server) Addr() string { return s.addr }

// ListenAddr returns the actual address the listener is bound to, useful
// when Addr specifies an ephemeral port (":0"). Returns nil before Run has
// opened the listener.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// BindEvent registers sub for one of the server's own events: start, stop
// (one-time), or any of the ConnectionProducer many-time events.
func (s *Server) BindEvent(name string, sub event.Subscriber) error {
	if err := s.events.BindEvent(name, sub); !errors.Is(err, event.ErrUnknownEvent) {
		return err
	}
	return s.ConnectionProducer.BindEvent(name, sub)
}

// ProtocolFactory is new_connection(consumer_factory) from the spec: it
// creates a connection using this Server itself as the stored Producer()
// value, so consumer hooks that call Producer() see the Server, not the
// embedded ConnectionProducer.
func (s *Server) ProtocolFactory() (*conn.Connection, error) {
	return s.newConnectionAs(s.consumerFactory, s)
}

// Run opens the listener, fires start, and accepts connections until ctx is
// canceled or Stop is called, at which point it fires stop and blocks until
// every accepted connection's read loop has returned. Run is not
// reentrant: calling it while a previous call is still running returns
// ErrServerAlreadyRunning.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerAlreadyRunning
	}
	s.running = true
	ln, err := tcp.Listen(s.addr, s.tlsConfig)
	if err != nil {
		s.running = false
		s.mu.Unlock()
		return err
	}
	s.listener = ln
	s.mu.Unlock()

	if _, err := s.events.FireEvent("start", s.addr); err != nil {
		return err
	}
	s.Logger().Info("server listening", slog.String("name", s.name), slog.String("addr", s.addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return s.Stop()
	})
	g.Go(func() error { return s.acceptLoop(gctx, ln) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serveAccepted(ctx, nc)
	}
}

func (s *Server) serveAccepted(ctx context.Context, nc net.Conn) {
	c, err := s.ProtocolFactory()
	if err != nil {
		s.Logger().Error("rejecting connection", slog.Any("error", err), slog.String("remote", nc.RemoteAddr().String()))
		_ = nc.Close()
		return
	}
	t := tcp.New(nc, s.Logger())
	tcp.Serve(ctx, c, t)
}

// Stop fires stop exactly once, closes the listener, and closes every live
// connection, blocking until their connection_lost events have fired.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln := s.listener
	s.mu.Unlock()

	fired, err := s.events.FireEvent("stop", nil)
	if err != nil {
		return err
	}
	if !fired {
		return nil
	}

	if ln != nil {
		_ = ln.Close()
	}
	s.Logger().Info("server stopping", slog.String("name", s.name))
	return s.CloseConnections(context.Background(), nil, true)
}
