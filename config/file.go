package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the on-disk YAML configuration layout.
type FileConfig struct {
	Environment string              `yaml:"environment"`
	Feed        FeedFileConfig      `yaml:"feed"`
	Reconnect   ReconnectFileConfig `yaml:"reconnect"`
	Telemetry   TelemetryFileConfig `yaml:"telemetry"`
}

// FeedFileConfig declares feed endpoint and session timing settings.
type FeedFileConfig struct {
	URL               string        `yaml:"url"`
	HandshakeTimeout  time.Duration `yaml:"handshakeTimeout"`
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval"`
}

// ReconnectFileConfig declares reconnection policy settings.
type ReconnectFileConfig struct {
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// TelemetryFileConfig configures OTLP exporters.
type TelemetryFileConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// LoadFile loads a YAML configuration document from disk and merges it over
// the provided base settings. Credentials never come from the file; use
// FromEnv or WithCredentials for those.
func LoadFile(base Settings, path string) (Settings, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("STREAMGATE_CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return base, nil
	}

	safePath := filepath.Clean(path)
	file, err := os.Open(safePath) // #nosec G304 -- configuration paths are controlled by operators.
	if err != nil {
		return Settings{}, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = file.Close() }()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(bytes, &fc); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := fc.Validate(); err != nil {
		return Settings{}, err
	}

	cfg := base
	if env := strings.TrimSpace(fc.Environment); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(fc.Feed.URL); v != "" {
		cfg.Feed.URL = v
	}
	if fc.Feed.HandshakeTimeout > 0 {
		cfg.Feed.HandshakeTimeout = fc.Feed.HandshakeTimeout
	}
	if fc.Feed.KeepAliveInterval > 0 {
		cfg.Feed.KeepAliveInterval = fc.Feed.KeepAliveInterval
	}
	if fc.Reconnect.BaseDelay > 0 {
		cfg.Reconnect.BaseDelay = fc.Reconnect.BaseDelay
	}
	if fc.Reconnect.MaxDelay > 0 {
		cfg.Reconnect.MaxDelay = fc.Reconnect.MaxDelay
	}
	if fc.Reconnect.MaxAttempts > 0 {
		cfg.Reconnect.MaxAttempts = fc.Reconnect.MaxAttempts
	}
	if v := strings.TrimSpace(fc.Telemetry.OTLPEndpoint); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(fc.Telemetry.ServiceName); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	return cfg, nil
}

// Validate performs semantic validation on the loaded file configuration.
func (c FileConfig) Validate() error {
	if url := strings.TrimSpace(c.Feed.URL); url != "" {
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return fmt.Errorf("feed url must use ws:// or wss:// scheme")
		}
	}
	if c.Feed.HandshakeTimeout < 0 {
		return fmt.Errorf("feed handshakeTimeout must be >=0")
	}
	if c.Feed.KeepAliveInterval < 0 {
		return fmt.Errorf("feed keepAliveInterval must be >=0")
	}
	if c.Reconnect.BaseDelay < 0 {
		return fmt.Errorf("reconnect baseDelay must be >=0")
	}
	if c.Reconnect.MaxDelay < 0 {
		return fmt.Errorf("reconnect maxDelay must be >=0")
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.BaseDelay > c.Reconnect.MaxDelay {
		return fmt.Errorf("reconnect baseDelay must not exceed maxDelay")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect maxAttempts must be >=0")
	}
	return nil
}
