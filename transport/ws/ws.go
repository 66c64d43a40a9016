// Package ws adapts a *websocket.Conn to transport.Transport and provides
// UpgradeHTTP, which drives the spec's HTTP->WebSocket upgrade scenario:
// swapping an in-flight Connection's transport and consumer factory mid-
// stream without losing the pending post_request observers of the HTTP
// consumer it replaces.
package ws

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/relaynet/relaycore/core/conn"
	"github.com/relaynet/relaycore/transport"
)

// Transport adapts a *websocket.Conn to the transport.Transport contract.
// Write sends one binary message per call; message framing above the byte
// level is the consumer's responsibility, same as any other transport.
type Transport struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
	logger  *slog.Logger
	closing atomic.Bool
	stale   atomic.Bool
}

// New wraps c. A nil logger defaults to a discard logger.
func New(c *websocket.Conn, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transport{conn: c, logger: logger}
}

var _ transport.Transport = (*Transport)(nil)

// Write implements transport.Transport, sending b as a single binary
// message. gorilla/websocket connections only tolerate one concurrent
// writer, hence the mutex.
func (t *Transport) Write(b []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close implements transport.Transport.
func (t *Transport) Close(async bool, exc error) error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	if exc != nil {
		t.logger.Debug("closing websocket transport", slog.Any("reason", exc))
	}
	closeFn := func() error { return t.conn.Close() }
	if async {
		go func() {
			if err := closeFn(); err != nil {
				t.logger.Error("websocket transport close failed", slog.Any("error", err))
			}
		}()
		return nil
	}
	return closeFn()
}

// IsStale implements transport.Transport.
func (t *Transport) IsStale() bool { return t.stale.Load() }

// MarkStale records that the peer has been observed as gone.
func (t *Transport) MarkStale() { t.stale.Store(true) }

// Closing implements transport.Transport.
func (t *Transport) Closing() bool { return t.closing.Load() }

// Sock implements transport.Transport.
func (t *Transport) Sock() any { return t.conn }

// Addr implements transport.Transport.
func (t *Transport) Addr() net.Addr { return t.conn.RemoteAddr() }

// Serve reads binary/text messages from t in a loop, pushing each message's
// payload into c.DataReceived, until the peer closes the socket or an error
// occurs, at which point it calls c.ConnectionLost exactly once.
func Serve(ctx context.Context, c *conn.Connection, t *Transport) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				t.logger.Warn("websocket closed unexpectedly", slog.Any("error", err))
			}
			t.MarkStale()
			_ = c.ConnectionLost(err)
			return
		}
		if dErr := c.DataReceived(ctx, data); dErr != nil {
			_ = c.ConnectionLost(dErr)
			_ = t.Close(true, dErr)
			return
		}
	}
}

// UpgradeHTTP performs the HTTP->WebSocket upgrade scenario from the
// specification: it calls c.Upgrade so the next consumer built for c is
// produced by wsConsumerFactory and inherits the stolen post_request cell
// from whatever HTTP consumer is currently bound, hijacks the HTTP
// connection into a websocket handshake, rebinds c's transport to the
// result, and starts the websocket read loop in a new goroutine.
//
// beforeHandshake, if non-nil, runs after c.Upgrade succeeds but before the
// HTTP connection is hijacked — the caller's usual chance to retire the
// outgoing HTTP consumer (so the current-consumer slot is empty by the time
// the first websocket frame can possibly arrive). May be nil if the caller
// has already retired it.
//
// newConnection is passed straight through to c.Upgrade: true marks the
// websocket side as a fresh framing session (the next SetConsumer counts the
// websocket consumer in Processed; false leaves Processed unchanged), matching the spec's
// upgrade(new_connection=true) used for protocol switches rather than
// same-protocol continuations like CONNECT tunneling.
func UpgradeHTTP(w http.ResponseWriter, r *http.Request, c *conn.Connection, upgrader *websocket.Upgrader, wsConsumerFactory conn.ConsumerFactory, newConnection bool, beforeHandshake func()) error {
	if err := c.Upgrade(wsConsumerFactory, newConnection); err != nil {
		return err
	}
	if beforeHandshake != nil {
		beforeHandshake()
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	t := New(wsConn, c.Logger())
	if err := c.ConnectionMade(t); err != nil {
		_ = t.Close(false, err)
		return err
	}

	go Serve(r.Context(), c, t)
	return nil
}
