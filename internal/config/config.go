// Package config loads the daemon configuration from YAML.
//
// Example:
//
//	adapter: hci0
//	role: source
//	reconnect_on_rc_open: 2s
//	log_level: info
//	metrics_addr: 127.0.0.1:9464
//	codec_config: "21150235"
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"bluetooth-audio/internal/a2dp"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// DefaultCodecConfig is an SBC configuration: 44.1kHz joint stereo, 16 blocks,
// 8 subbands, loudness allocation, bitpool 2..53.
const DefaultCodecConfig = "21150235"

// Config is the daemon configuration.
type Config struct {
	// Adapter is the local controller, e.g. "hci0".
	Adapter string `yaml:"adapter"`
	// Role is the local stream-endpoint role: "source" or "sink".
	Role string `yaml:"role"`
	// ReconnectOnRCOpen is how long to wait for audio after a peer opens
	// remote control first.
	ReconnectOnRCOpen string `yaml:"reconnect_on_rc_open"`
	LogLevel          string `yaml:"log_level"`
	// MetricsAddr is the listen address for /metrics. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
	// CodecConfig is the hex encoded codec configuration offered to peers.
	CodecConfig string `yaml:"codec_config"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Adapter:           "hci0",
		Role:              "source",
		ReconnectOnRCOpen: a2dp.DefaultReconnectDelay.String(),
		LogLevel:          "info",
		CodecConfig:       DefaultCodecConfig,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	if c.Adapter == "" {
		return fmt.Errorf("%w: adapter is empty", ErrInvalid)
	}
	if _, err := c.LocalRole(); err != nil {
		return err
	}
	if _, err := c.ReconnectDelay(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.Codec(); err != nil {
		return err
	}
	return nil
}

// LocalRole parses Role.
func (c *Config) LocalRole() (a2dp.Role, error) {
	switch strings.ToLower(c.Role) {
	case "source":
		return a2dp.RoleSource, nil
	case "sink":
		return a2dp.RoleSink, nil
	default:
		return a2dp.RoleUnknown, fmt.Errorf("%w: role %q (want source or sink)", ErrInvalid, c.Role)
	}
}

// ReconnectDelay parses ReconnectOnRCOpen.
func (c *Config) ReconnectDelay() (time.Duration, error) {
	if c.ReconnectOnRCOpen == "" {
		return a2dp.DefaultReconnectDelay, nil
	}
	d, err := time.ParseDuration(c.ReconnectOnRCOpen)
	if err != nil {
		return 0, fmt.Errorf("%w: reconnect_on_rc_open: %v", ErrInvalid, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: reconnect_on_rc_open must be positive", ErrInvalid)
	}
	return d, nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
	}
	return l, nil
}

// Codec decodes CodecConfig.
func (c *Config) Codec() ([]byte, error) {
	b, err := hex.DecodeString(c.CodecConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: codec_config: %v", ErrInvalid, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: codec_config is empty", ErrInvalid)
	}
	return b, nil
}
