// Package config loads adapter settings from an optional YAML file and
// AGENTHUB_-prefixed environment variables.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/flora131/agenthub/backoff"
	"github.com/flora131/agenthub/stream"
)

type Config struct {
	Buffer BufferConfig `koanf:"buffer"`
	Retry  RetryConfig  `koanf:"retry"`
}

type BufferConfig struct {
	// Capacity bounds the push-adapter event buffer. Oldest events are
	// dropped once the bound is reached.
	Capacity int `koanf:"capacity"`
}

type RetryConfig struct {
	MaxAttempts    int     `koanf:"max_attempts"`
	InitialDelayMs int     `koanf:"initial_delay_ms"`
	MaxDelayMs     int     `koanf:"max_delay_ms"`
	Factor         float64 `koanf:"factor"`
}

// Policy converts the retry section into a backoff policy.
func (r RetryConfig) Policy() backoff.Policy {
	return backoff.Policy{
		InitialDelay: time.Duration(r.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(r.MaxDelayMs) * time.Millisecond,
		Factor:       r.Factor,
		MaxAttempts:  r.MaxAttempts,
	}
}

// Load reads the named YAML file when it exists, then overlays environment
// variables. AGENTHUB_RETRY__MAX_ATTEMPTS=5 maps to retry.max_attempts.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// A missing file falls through to defaults and env vars.
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider("AGENTHUB_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "AGENTHUB_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("buffer.capacity") {
		k.Set("buffer.capacity", stream.DefaultBufferCapacity)
	}
	if !k.Exists("retry.max_attempts") {
		k.Set("retry.max_attempts", backoff.DefaultMaxAttempts)
	}
	if !k.Exists("retry.initial_delay_ms") {
		k.Set("retry.initial_delay_ms", int(backoff.DefaultInitialDelay/time.Millisecond))
	}
	if !k.Exists("retry.max_delay_ms") {
		k.Set("retry.max_delay_ms", int(backoff.DefaultMaxDelay/time.Millisecond))
	}
	if !k.Exists("retry.factor") {
		k.Set("retry.factor", backoff.DefaultFactor)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
