// Package config provides type-safe environment variable loading on top of
// caarlos0/env, with an automatic .env bootstrap via joho/godotenv.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var envOnce sync.Once

// loadDotenv loads a .env file from the working directory, if present. It is
// not an error for the file to be missing; any other read error is ignored
// here too, since an absent or malformed .env should never prevent falling
// back to real process environment variables.
func loadDotenv() {
	envOnce.Do(func() {
		if _, err := os.Stat(".env"); err == nil {
			_ = godotenv.Load()
		}
	})
}

// Load populates cfg's exported fields from environment variables using
// their `env` struct tags, loading a .env file into the process environment
// first if one exists.
func Load(cfg any) error {
	loadDotenv()
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// MustLoad calls Load and panics if it returns an error. Intended for use at
// process startup, where a missing required variable should fail fast.
func MustLoad(cfg any) {
	if err := Load(cfg); err != nil {
		panic(err)
	}
}
