package consumer_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/relaynet/relaycore/core/conn"
	"github.com/relaynet/relaycore/core/consumer"
	"github.com/relaynet/relaycore/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConsumer is a single flexible consumer.Base embedder: every hook is
// a settable closure, defaulting to a no-op. Start only ever invokes
// StartRequest when the request payload is non-nil, so always implementing
// RequestStarter here does not change behavior for server-style tests.
type scriptedConsumer struct {
	*consumer.Base
	onData  func(ctx context.Context, data []byte) ([]byte, error)
	onStart func(ctx context.Context) error
	onBound func(c *conn.Connection)
}

func newScripted() *scriptedConsumer {
	s := &scriptedConsumer{}
	s.Base = consumer.NewBase(s)
	return s
}

func (s *scriptedConsumer) HandleData(ctx context.Context, data []byte) ([]byte, error) {
	if s.onData != nil {
		return s.onData(ctx, data)
	}
	return nil, nil
}

func (s *scriptedConsumer) StartRequest(ctx context.Context) error {
	if s.onStart != nil {
		return s.onStart(ctx)
	}
	return nil
}

func (s *scriptedConsumer) ConsumerBound(c *conn.Connection) {
	if s.onBound != nil {
		s.onBound(c)
	}
}

func unusedFactory(c *conn.Connection) conn.Consumer {
	panic("factory not exercised in this test")
}

func newBoundConnection(t *testing.T) *conn.Connection {
	t.Helper()
	c := conn.New(1, unusedFactory, nil, 0)
	require.NoError(t, c.ConnectionMade(transporttest.New()))
	return c
}

func TestStart_RequiresConnection(t *testing.T) {
	s := newScripted()
	err := s.Start(context.Background(), nil)
	assert.ErrorIs(t, err, consumer.ErrNoConnection)
}

func TestStart_RequiresTransport(t *testing.T) {
	c := conn.New(1, unusedFactory, nil, 0)
	s := newScripted()
	s.Bind(c)

	err := s.Start(context.Background(), nil)
	assert.ErrorIs(t, err, consumer.ErrNoTransport)
}

func TestStart_ServerConsumer_FiresPreRequestOnly(t *testing.T) {
	c := newBoundConnection(t)
	s := newScripted()
	s.Bind(c)

	var preCalls int
	require.NoError(t, s.Events().BindEvent("pre_request", func(v any) {
		preCalls++
		assert.Nil(t, v)
	}))

	require.NoError(t, s.Start(context.Background(), nil))
	assert.Equal(t, 1, preCalls)
	assert.Nil(t, s.Request())
}

func TestStart_ClientConsumer_InvokesStartRequest(t *testing.T) {
	c := newBoundConnection(t)
	s := newScripted()
	var started bool
	s.onStart = func(context.Context) error {
		started = true
		return nil
	}
	s.Bind(c)

	require.NoError(t, s.Start(context.Background(), "req-payload"))
	assert.True(t, started)
	assert.Equal(t, "req-payload", s.Request())
}

func TestStart_StartRequestError_RoutesThroughFinished(t *testing.T) {
	c := newBoundConnection(t)
	s := newScripted()
	wantErr := errors.New("dial refused")
	s.onStart = func(context.Context) error { return wantErr }
	s.Bind(c)

	var postResult any
	require.NoError(t, s.Events().BindEvent("post_request", func(v any) { postResult = v }))

	require.NoError(t, s.Start(context.Background(), "req"))
	assert.Equal(t, wantErr, postResult)
	assert.True(t, s.HasFinished())
}

func TestStart_StartRequestPanic_ConvertsToError(t *testing.T) {
	c := newBoundConnection(t)
	s := newScripted()
	s.onStart = func(context.Context) error { panic("kaboom") }
	s.Bind(c)

	var postResult any
	require.NoError(t, s.Events().BindEvent("post_request", func(v any) { postResult = v }))

	require.NoError(t, s.Start(context.Background(), "req"))
	require.NotNil(t, postResult)
	err, ok := postResult.(error)
	require.True(t, ok)
	assert.True(t, strings.Contains(err.Error(), "panicked"))
}

func TestFeed_FiresDataEventsInOrder(t *testing.T) {
	c := newBoundConnection(t)
	s := newScripted()
	var order []string
	s.onData = func(_ context.Context, data []byte) ([]byte, error) {
		order = append(order, "handle:"+string(data))
		return nil, nil
	}
	s.Bind(c)
	require.NoError(t, s.Events().BindEvent("data_received", func(v any) {
		order = append(order, "received:"+string(v.([]byte)))
	}))
	require.NoError(t, s.Events().BindEvent("data_processed", func(v any) {
		order = append(order, "processed:"+string(v.([]byte)))
	}))

	residual, err := s.Feed(context.Background(), []byte("hi"))
	require.NoError(t, err)
	assert.Nil(t, residual)
	assert.Equal(t, []string{"received:hi", "handle:hi", "processed:hi"}, order)
	assert.Equal(t, int64(1), s.DataReceivedCount())
}

func TestCanReconnect_NormalRetryBudget(t *testing.T) {
	c := newBoundConnection(t)
	s := newScripted()
	s.Bind(c)
	_, err := s.Feed(context.Background(), []byte("x")) // dataReceivedCount becomes 1
	require.NoError(t, err)

	sig1 := &consumer.ReconnectSignal{Err: errors.New("reset")}
	n1 := s.CanReconnect(2, sig1)
	assert.Equal(t, 1, n1)
	assert.True(t, sig1.Logged)

	sig2 := &consumer.ReconnectSignal{Err: errors.New("reset again")}
	n2 := s.CanReconnect(2, sig2)
	assert.Equal(t, 2, n2)

	n3 := s.CanReconnect(2, nil)
	assert.Equal(t, 0, n3, "retry budget exhausted")
}

func TestCanReconnect_StaleKeepAlive(t *testing.T) { // S4
	factory := func(c *conn.Connection) conn.Consumer {
		sc := newScripted()
		sc.onData = func(context.Context, []byte) ([]byte, error) {
			sc.Finished("ok")
			return nil, nil
		}
		return sc
	}
	c := conn.New(1, factory, nil, 0)
	require.NoError(t, c.ConnectionMade(transporttest.New()))
	require.NoError(t, c.DataReceived(context.Background(), []byte("a")))
	require.NoError(t, c.DataReceived(context.Background(), []byte("b")))
	require.Equal(t, int64(2), c.Processed())

	s := newScripted()
	s.Bind(c)

	sig := &consumer.ReconnectSignal{Err: errors.New("peer reset")}
	n := s.CanReconnect(5, sig)
	assert.Equal(t, 1, n)
	assert.True(t, sig.Logged)
	assert.Equal(t, int64(0), s.ReconnectRetries(), "stale path must not consume the retry budget")
}

func TestFinished_ReleasesConnectionAndResolvesEvents(t *testing.T) {
	c := newBoundConnection(t)
	s := newScripted()
	require.NoError(t, c.SetConsumer(s))
	require.Equal(t, conn.Consumer(s), c.CurrentConsumer())

	s.Finished("done")

	assert.Nil(t, c.CurrentConsumer())
	assert.True(t, s.HasFinished())

	cell, err := s.OnFinished()
	require.NoError(t, err)
	val, ok := cell.Value()
	require.True(t, ok)
	assert.Equal(t, "done", val)
}

func TestBound_InvokesHook(t *testing.T) {
	c := newBoundConnection(t)
	s := newScripted()
	var got *conn.Connection
	s.onBound = func(cc *conn.Connection) { got = cc }

	require.NoError(t, c.SetConsumer(s))
	assert.Same(t, c, got)
}

func TestConnectionLost_FinishesConsumer(t *testing.T) {
	c := newBoundConnection(t)
	s := newScripted()
	require.NoError(t, c.SetConsumer(s))

	exc := errors.New("peer reset")
	s.ConnectionLost(exc)

	assert.True(t, s.HasFinished())
	assert.Nil(t, c.CurrentConsumer())

	cell, err := s.OnFinished()
	require.NoError(t, err)
	val, _ := cell.Value()
	assert.Equal(t, exc, val)
}
