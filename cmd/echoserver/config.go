package main

import "time"

// Config is the echoserver binary's environment-backed configuration. It is
// loaded once at startup via core/config.
type Config struct {
	AppName string `env:"APP_NAME" envDefault:"relaycore-echoserver"`

	Addr string `env:"ECHO_ADDR" envDefault:"127.0.0.1:9000"`

	// IdleTimeoutSeconds is the per-connection idle timeout, in seconds. 0 disables
	// idle timeouts entirely.
	IdleTimeoutSeconds int `env:"ECHO_IDLE_TIMEOUT_SECONDS" envDefault:"60"`

	// MaxConnections caps the total number of connections this server will
	// accept over its lifetime; closed connections still count. 0 means
	// unbounded.
	MaxConnections int `env:"ECHO_MAX_CONNECTIONS" envDefault:"0"`
}

func (c Config) idleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}
