// Package config centralises runtime configuration helpers for streamgate.
package config

import (
	"os"
	"strings"
	"time"
)

// Environment identifies the runtime environment where streamgate operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures the API credentials for the private feed. They are
// supplied by the caller and never serialized or logged.
type Credentials struct {
	APIKey          string
	APISecretBase64 string
}

// FeedSettings configures the private feed endpoint and session timing.
type FeedSettings struct {
	URL               string
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
}

// ReconnectSettings tunes the reconnection policy.
type ReconnectSettings struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// TelemetrySettings configures the OTLP metrics exporter. An empty endpoint
// disables export.
type TelemetrySettings struct {
	OTLPEndpoint string
	ServiceName  string
}

// Settings contains the streamgate configuration tree loaded from defaults
// and overrides.
type Settings struct {
	Environment Environment
	Feed        FeedSettings
	Credentials Credentials
	Reconnect   ReconnectSettings
	Telemetry   TelemetrySettings
}

// Default returns the default streamgate configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Feed: FeedSettings{
			URL:               "wss://futures.kraken.com/ws/v1",
			HandshakeTimeout:  10 * time.Second,
			KeepAliveInterval: 50 * time.Second,
		},
		Reconnect: ReconnectSettings{
			BaseDelay:   time.Second,
			MaxDelay:    60 * time.Second,
			MaxAttempts: 10,
		},
		Telemetry: TelemetrySettings{ServiceName: "streamgate"},
	}
}

// FromEnv loads configuration values from environment variables, overriding
// the provided base settings.
func FromEnv(base Settings) Settings {
	cfg := base
	if env := strings.TrimSpace(os.Getenv("STREAMGATE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("STREAMGATE_FEED_URL")); v != "" {
		cfg.Feed.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMGATE_HANDSHAKE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Feed.HandshakeTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("STREAMGATE_KEEPALIVE_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Feed.KeepAliveInterval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("STREAMGATE_API_KEY")); v != "" {
		cfg.Credentials.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMGATE_API_SECRET")); v != "" {
		cfg.Credentials.APISecretBase64 = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMGATE_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithFeedURL overrides the feed endpoint.
func WithFeedURL(url string) Option {
	url = strings.TrimSpace(url)
	return func(s *Settings) {
		if url != "" {
			s.Feed.URL = url
		}
	}
}

// WithCredentials overrides the feed API credentials.
func WithCredentials(key, secretBase64 string) Option {
	key = strings.TrimSpace(key)
	secretBase64 = strings.TrimSpace(secretBase64)
	return func(s *Settings) {
		if key != "" {
			s.Credentials.APIKey = key
		}
		if secretBase64 != "" {
			s.Credentials.APISecretBase64 = secretBase64
		}
	}
}

// WithReconnect overrides the reconnection policy parameters. Zero values
// keep the base setting.
func WithReconnect(baseDelay, maxDelay time.Duration, maxAttempts int) Option {
	return func(s *Settings) {
		if baseDelay > 0 {
			s.Reconnect.BaseDelay = baseDelay
		}
		if maxDelay > 0 {
			s.Reconnect.MaxDelay = maxDelay
		}
		if maxAttempts > 0 {
			s.Reconnect.MaxAttempts = maxAttempts
		}
	}
}

// WithKeepAliveInterval overrides the keep-alive probe interval.
func WithKeepAliveInterval(interval time.Duration) Option {
	return func(s *Settings) {
		if interval > 0 {
			s.Feed.KeepAliveInterval = interval
		}
	}
}
