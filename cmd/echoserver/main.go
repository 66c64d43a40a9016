// Command echoserver wires core/producer.Server together with the TCP
// transport and a trivial echo consumer, exercising the full connection
// core stack end to end over a real listening socket.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaynet/relaycore/core/config"
	"github.com/relaynet/relaycore/core/loop"
	"github.com/relaynet/relaycore/core/producer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg Config
	config.MustLoad(&cfg)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With(slog.String("app", cfg.AppName))

	evloop := loop.New(logger)

	srv := producer.NewServer(
		cfg.AppName,
		cfg.Addr,
		newEchoConsumerFactory(),
		cfg.idleTimeout(),
		[]producer.Option{
			producer.WithLogger(logger),
			producer.WithEventLoop(evloop),
			producer.WithMaxConnections(cfg.MaxConnections),
		},
	)

	_ = srv.BindEvent("connection_made", func(v any) {
		logger.Info("connection accepted")
	})
	_ = srv.BindEvent("connection_lost", func(v any) {
		logger.Info("connection closed")
	})

	logger.Info("starting echo server", slog.String("addr", cfg.Addr))
	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("echo server stopped")
}
