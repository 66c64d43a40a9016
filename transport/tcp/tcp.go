// Package tcp adapts a plain or TLS net.Conn to transport.Transport, and
// provides the read loop a Server's accept goroutine drives a Connection
// with.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/relaynet/relaycore/core/conn"
	"github.com/relaynet/relaycore/transport"
)

// Transport adapts a net.Conn (plain TCP or already-TLS-wrapped) to the
// transport.Transport contract.
type Transport struct {
	conn    net.Conn
	logger  *slog.Logger
	closing atomic.Bool
	stale   atomic.Bool
}

// New wraps c. A nil logger defaults to a discard logger.
func New(c net.Conn, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transport{conn: c, logger: logger}
}

var _ transport.Transport = (*Transport)(nil)

// Write implements transport.Transport.
func (t *Transport) Write(b []byte) (int, error) { return t.conn.Write(b) }

// Close implements transport.Transport. async backgrounds the net.Conn
// close; exc is logged, not returned, since Connection surfaces it to
// connection_lost observers separately.
func (t *Transport) Close(async bool, exc error) error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	if exc != nil {
		t.logger.Debug("closing tcp transport", slog.Any("reason", exc))
	}
	if async {
		go func() {
			if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				t.logger.Error("tcp transport close failed", slog.Any("error", err))
			}
		}()
		return nil
	}
	return t.conn.Close()
}

// IsStale implements transport.Transport.
func (t *Transport) IsStale() bool { return t.stale.Load() }

// MarkStale records that the peer has been observed as gone (e.g. a read
// returned io.EOF). Serve calls this; callers with their own read loop may
// call it directly.
func (t *Transport) MarkStale() { t.stale.Store(true) }

// Closing implements transport.Transport.
func (t *Transport) Closing() bool { return t.closing.Load() }

// Sock implements transport.Transport, exposing the underlying net.Conn for
// the "same fd" check a TLS re-wrap performs in Connection.ConnectionMade.
func (t *Transport) Sock() any { return t.conn }

// Addr implements transport.Transport.
func (t *Transport) Addr() net.Addr { return t.conn.RemoteAddr() }

// Listen opens a TCP listener on addr, upgrading to TLS if tlsConfig is
// non-nil. Certificate provisioning is the caller's responsibility; this
// package performs no ACME negotiation.
func Listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig != nil {
		return tls.Listen("tcp", addr, tlsConfig)
	}
	return net.Listen("tcp", addr)
}

const defaultReadBuffer = 4096

// Serve binds t to c via ConnectionMade, then reads from t's net.Conn in a
// loop, pushing every chunk into c.DataReceived until the peer disconnects,
// the read fails, or ctx is done, at which point it calls c.ConnectionLost
// exactly once and closes the transport. Meant to run in its own goroutine,
// one per accepted connection.
func Serve(ctx context.Context, c *conn.Connection, t *Transport) {
	if err := c.ConnectionMade(t); err != nil {
		t.logger.Error("connection_made rejected", slog.Any("error", err))
		_ = t.Close(false, err)
		return
	}

	buf := make([]byte, defaultReadBuffer)
	for {
		select {
		case <-ctx.Done():
			_ = c.ConnectionLost(ctx.Err())
			_ = t.Close(true, ctx.Err())
			return
		default:
		}

		n, err := t.conn.Read(buf)
		if n > 0 {
			if dErr := c.DataReceived(ctx, buf[:n]); dErr != nil {
				_ = c.ConnectionLost(dErr)
				_ = t.Close(true, dErr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.MarkStale()
			}
			_ = c.ConnectionLost(err)
			_ = t.Close(true, err)
			return
		}
	}
}
