package tcp_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/relaynet/relaycore/core/conn"
	"github.com/relaynet/relaycore/core/consumer"
	"github.com/relaynet/relaycore/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoConsumer struct{ *consumer.Base }

func echoFactory(c *conn.Connection) conn.Consumer {
	e := &echoConsumer{}
	e.Base = consumer.NewBase(e)
	return e
}

func (e *echoConsumer) HandleData(_ context.Context, data []byte) ([]byte, error) {
	if t := e.Transport(); t != nil {
		_, _ = t.Write(data)
	}
	e.Finished(string(data))
	return nil, nil
}

func TestServe_EchoesDataAndObservesClose(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	tr := tcp.New(serverSide, nil)
	c := conn.New(1, echoFactory, nil, 0)

	var lostCalls int
	var lostErr error
	require.NoError(t, c.BindEvent("connection_lost", func(v any) {
		lostCalls++
		lostErr, _ = v.(error)
	}))

	go tcp.Serve(context.Background(), c, tr)

	_, err := clientSide.Write([]byte("hi"))
	require.NoError(t, err)

	buf := make([]byte, 2)
	_, err = io.ReadFull(clientSide, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))

	require.NoError(t, clientSide.Close())

	require.Eventually(t, func() bool { return lostCalls == 1 }, time.Second, 10*time.Millisecond)
	assert.NotNil(t, lostErr)
	assert.True(t, tr.Closing())
}
