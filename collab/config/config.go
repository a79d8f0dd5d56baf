// Package config loads broker tunables from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the broker tunables. Defaults are declared in the env tags.
type Config struct {
	// PingInterval is how often a transport ping is sent. ENV: COLLAB_PING_INTERVAL
	PingInterval time.Duration `env:"COLLAB_PING_INTERVAL,default=25s"`
	// PongTimeout is how long a connection may go without a pong. ENV: COLLAB_PONG_TIMEOUT
	PongTimeout time.Duration `env:"COLLAB_PONG_TIMEOUT,default=30s"`
	// WriteWait bounds a single frame write. ENV: COLLAB_WRITE_WAIT
	WriteWait time.Duration `env:"COLLAB_WRITE_WAIT,default=10s"`
	// MaxMessageBytes caps an inbound envelope. ENV: COLLAB_MAX_MESSAGE_BYTES
	MaxMessageBytes int64 `env:"COLLAB_MAX_MESSAGE_BYTES,default=1048576"`
	// SendBuffer is the per-connection outbound queue length. ENV: COLLAB_SEND_BUFFER
	SendBuffer int `env:"COLLAB_SEND_BUFFER,default=256"`

	// EmptySessionTTL evicts sessions nobody joined. ENV: COLLAB_EMPTY_SESSION_TTL
	EmptySessionTTL time.Duration `env:"COLLAB_EMPTY_SESSION_TTL,default=10m"`
	// JanitorInterval is how often the idle sweep runs. ENV: COLLAB_JANITOR_INTERVAL
	JanitorInterval time.Duration `env:"COLLAB_JANITOR_INTERVAL,default=1m"`

	// AllowedOrigins is a comma separated list; empty allows every origin.
	// ENV: COLLAB_ALLOWED_ORIGINS
	AllowedOrigins string `env:"COLLAB_ALLOWED_ORIGINS"`

	// RedisAddr enables the Redis event feed when set. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// EventsChannelPrefix prefixes every published channel. ENV: COLLAB_EVENTS_CHANNEL_PREFIX
	EventsChannelPrefix string `env:"COLLAB_EVENTS_CHANNEL_PREFIX,default=collab:events:"`
}

// Default returns the configuration used when nothing is set in the
// environment. It mirrors the env tag defaults.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load decodes Config from the environment and validates it. Unset
// variables take their tag defaults; an explicit zero janitor interval or
// empty session TTL turns the idle sweep off.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 30 * time.Second
	}
	if c.WriteWait == 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 256
	}
	if c.EmptySessionTTL == 0 {
		c.EmptySessionTTL = 10 * time.Minute
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = time.Minute
	}
	if c.EventsChannelPrefix == "" {
		c.EventsChannelPrefix = "collab:events:"
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.PingInterval <= 0 || c.PongTimeout <= 0 {
		return fmt.Errorf("%w: ping interval and pong timeout must be positive", ErrInvalidConfig)
	}
	if c.PingInterval >= c.PongTimeout {
		return fmt.Errorf("%w: ping interval %s must be shorter than pong timeout %s",
			ErrInvalidConfig, c.PingInterval, c.PongTimeout)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("%w: send buffer must be at least 1", ErrInvalidConfig)
	}
	if c.MaxMessageBytes < 1 {
		return fmt.Errorf("%w: max message bytes must be positive", ErrInvalidConfig)
	}
	if c.JanitorInterval < 0 || c.EmptySessionTTL < 0 {
		return fmt.Errorf("%w: janitor interval and empty session TTL must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Origins returns AllowedOrigins split into trimmed entries.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
