package main

import (
	"context"
	"log/slog"

	"github.com/relaynet/relaycore/core/conn"
	"github.com/relaynet/relaycore/core/consumer"
)

// echoConsumer writes back every chunk of data it is fed and stays bound for
// the lifetime of the connection, demonstrating the long-lived, never-
// retiring shape of the consumer contract (as opposed to the one-request-
// then-retire shape used by the HTTP upgrade scenario).
type echoConsumer struct {
	*consumer.Base
}

func newEchoConsumerFactory() conn.ConsumerFactory {
	return func(c *conn.Connection) conn.Consumer {
		e := &echoConsumer{}
		e.Base = consumer.NewBase(e)
		return e
	}
}

// HandleData implements consumer.DataHandler.
func (e *echoConsumer) HandleData(ctx context.Context, data []byte) ([]byte, error) {
	t := e.Transport()
	if t == nil {
		return data, nil
	}
	if _, err := t.Write(data); err != nil {
		return nil, err
	}
	e.Connection().Logger().Debug("echoed bytes", slog.Int("n", len(data)))
	return nil, nil
}
