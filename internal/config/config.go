// Package config loads and validates configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds the settings for the tracing tooling.
type Config struct {
	// OTEL settings.
	OTELEndpoint string // OTLP/HTTP endpoint; empty disables export.
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel      string
	ReplayTimeout time.Duration // overall deadline for a replay run; 0 = none.
	EchoChunks    bool          // re-emit forwarded chunks on stdout.
	GenerationID  string        // name for the root generation span; empty = derived.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		OTELEndpoint:  envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:  envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:   envStr("OTEL_SERVICE_NAME", "mastra-tracing"),
		LogLevel:      envStr("MASTRA_LOG_LEVEL", "info"),
		ReplayTimeout: envDuration("MASTRA_REPLAY_TIMEOUT", 0),
		EchoChunks:    envBool("MASTRA_ECHO_CHUNKS", false),
		GenerationID:  envStr("MASTRA_GENERATION_ID", ""),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.ReplayTimeout < 0 {
		return fmt.Errorf("config: MASTRA_REPLAY_TIMEOUT must not be negative")
	}
	return nil
}

// SlogLevel maps the configured level name onto a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown MASTRA_LOG_LEVEL %q", c.LogLevel)
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
