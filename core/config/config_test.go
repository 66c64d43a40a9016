package config_test

import (
	"testing"

	"github.com/relaynet/relaycore/core/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverConfig struct {
	Addr    string `env:"ECHO_ADDR" envDefault:"127.0.0.1:9000"`
	Timeout int    `env:"ECHO_TIMEOUT_SECONDS" envDefault:"30"`
}

func TestLoad_AppliesDefaults(t *testing.T) {
	var cfg serverConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, 30, cfg.Timeout)
}

func TestLoad_OverridesFromEnvironment(t *testing.T) {
	t.Setenv("ECHO_ADDR", "0.0.0.0:7000")
	var cfg serverConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, "0.0.0.0:7000", cfg.Addr)
}

func TestMustLoad_PanicsOnParseError(t *testing.T) {
	type badConfig struct {
		Port int `env:"ECHO_BAD_PORT"`
	}
	t.Setenv("ECHO_BAD_PORT", "not-a-number")
	assert.Panics(t, func() {
		config.MustLoad(&badConfig{})
	})
}
