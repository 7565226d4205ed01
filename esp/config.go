package esp

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultResponseTimeout is the ceiling of every response wait.
	DefaultResponseTimeout = 30 * time.Second
	// DefaultWindowSize is how many of the most recent bytes a wait keeps.
	DefaultWindowSize = 200
	// DefaultPollInterval separates two empty reads during a wait.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultCommandPause is the settling time after a command is written.
	DefaultCommandPause = 100 * time.Millisecond
)

// StateListener is called with a snapshot after every flag change.
type StateListener func(ConnectionState)

// Config holds everything a Session needs. Build it with NewConfigBuilder.
type Config struct {
	dialer          Dialer
	clock           Clock
	logger          *zap.Logger
	responseTimeout time.Duration
	windowSize      int
	pollInterval    time.Duration
	listener        StateListener
}

func (c *Config) setDefaults() {
	if c.clock == nil {
		c.clock = SystemClock{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.responseTimeout == 0 {
		c.responseTimeout = DefaultResponseTimeout
	}
	if c.windowSize == 0 {
		c.windowSize = DefaultWindowSize
	}
	if c.pollInterval < 0 {
		c.pollInterval = 0
	}
}

func (c *Config) validate() error {
	if c.dialer == nil {
		return ErrNoDialer
	}
	if c.responseTimeout < 0 {
		return errors.New("response timeout must not be negative")
	}
	if c.windowSize < 0 {
		return fmt.Errorf("window size must not be negative, got %d", c.windowSize)
	}
	return nil
}

// ConfigBuilder assembles a Config step by step.
type ConfigBuilder struct {
	config Config
}

// NewConfigBuilder returns a builder preloaded with the default poll
// interval. Other defaults are applied by Build.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: Config{pollInterval: DefaultPollInterval}}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.dialer = d
	return b
}

func (b *ConfigBuilder) WithClock(c Clock) *ConfigBuilder {
	b.config.clock = c
	return b
}

func (b *ConfigBuilder) WithLogger(l *zap.Logger) *ConfigBuilder {
	b.config.logger = l
	return b
}

// WithResponseTimeout replaces the 30 s ceiling for every wait of the
// session. It is not a per-command override.
func (b *ConfigBuilder) WithResponseTimeout(d time.Duration) *ConfigBuilder {
	b.config.responseTimeout = d
	return b
}

// WithWindowSize widens or narrows the rolling response window.
func (b *ConfigBuilder) WithWindowSize(n int) *ConfigBuilder {
	b.config.windowSize = n
	return b
}

// WithPollInterval sets the pause between empty reads. Zero spins.
func (b *ConfigBuilder) WithPollInterval(d time.Duration) *ConfigBuilder {
	b.config.pollInterval = d
	return b
}

func (b *ConfigBuilder) WithStateListener(fn StateListener) *ConfigBuilder {
	b.config.listener = fn
	return b
}

// Build validates the collected settings and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
