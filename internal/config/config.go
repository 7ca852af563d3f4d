package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billm/fanout/pkg/endpoint"
	"github.com/billm/fanout/pkg/types"
)

// Config represents the complete configuration for fanout
type Config struct {
	Broker  BrokerConfig  `json:"broker" yaml:"broker"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Health  HealthConfig  `json:"health" yaml:"health"`
}

// BrokerConfig contains broker and delivery worker configuration
type BrokerConfig struct {
	ControlAddress endpoint.Address `json:"control_address" yaml:"control_address"`
	// QueueCapacity bounds each subscriber's queue; 0 means unbounded
	QueueCapacity int `json:"queue_capacity" yaml:"queue_capacity"`
	// AcceptTimeout is how long a worker waits for its client; 0 waits forever
	AcceptTimeout  time.Duration `json:"accept_timeout" yaml:"accept_timeout"`
	StopTimeout    time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
	ControlTimeout time.Duration `json:"control_timeout" yaml:"control_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// PublishBlocking makes Publish wait up to PublishTimeout on a full queue
	PublishBlocking      bool          `json:"publish_blocking" yaml:"publish_blocking"`
	PublishTimeout       time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
	ReacceptOnDisconnect bool          `json:"reaccept_on_disconnect" yaml:"reaccept_on_disconnect"`
	MaxFrameSize         int           `json:"max_frame_size" yaml:"max_frame_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// MetricsConfig contains Prometheus exporter configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Address   string `json:"address" yaml:"address"`
	Path      string `json:"path" yaml:"path"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// HealthConfig contains gRPC health service configuration
type HealthConfig struct {
	Enabled bool             `json:"enabled" yaml:"enabled"`
	Address endpoint.Address `json:"address" yaml:"address"`
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return err
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "metrics address cannot be empty")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return types.NewError(types.ErrCodeInvalidArgument, "metrics path must start with /")
		}
	}

	if c.Health.Enabled {
		if err := c.Health.Address.Validate(); err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid health address", err)
		}
		if c.Health.Address == c.Broker.ControlAddress {
			return types.NewError(types.ErrCodeInvalidArgument, "health address must differ from control address")
		}
	}

	return nil
}

// Validate checks the broker configuration for validity
func (c BrokerConfig) Validate() error {
	if err := c.ControlAddress.Validate(); err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "invalid control address", err)
	}
	if c.QueueCapacity < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "queue capacity cannot be negative")
	}
	if c.AcceptTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "accept timeout cannot be negative")
	}
	if c.StopTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "stop timeout must be positive")
	}
	if c.ControlTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "control timeout cannot be negative")
	}
	if c.WriteTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "write timeout cannot be negative")
	}
	if c.PublishTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "publish timeout cannot be negative")
	}
	if c.MaxFrameSize < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "max frame size cannot be negative")
	}
	return nil
}

// applyEnvOverrides applies FANOUT_* environment variables on top of cfg
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvControlAddress); v != "" {
		addr, err := endpoint.ParseAddress(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvControlAddress, err)
		}
		cfg.Broker.ControlAddress = addr
	}
	if v := os.Getenv(EnvQueueCapacity); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.QueueCapacity = n
		}
	}
	if v := os.Getenv(EnvAcceptTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Broker.AcceptTimeout = d
		}
	}
	if v := os.Getenv(EnvStopTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Broker.StopTimeout = d
		}
	}
	if v := os.Getenv(EnvPublishBlocking); v != "" {
		cfg.Broker.PublishBlocking = parseBool(v)
	}
	if v := os.Getenv(EnvPublishTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Broker.PublishTimeout = d
		}
	}
	if v := os.Getenv(EnvReaccept); v != "" {
		cfg.Broker.ReacceptOnDisconnect = parseBool(v)
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv(EnvMetricsAddress); v != "" {
		cfg.Metrics.Address = v
	}

	if v := os.Getenv(EnvHealthEnabled); v != "" {
		cfg.Health.Enabled = parseBool(v)
	}
	if v := os.Getenv(EnvHealthAddress); v != "" {
		addr, err := endpoint.ParseAddress(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvHealthAddress, err)
		}
		cfg.Health.Address = addr
	}

	return nil
}

func parseBool(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

// Default returns a Config populated with defaults
func Default() *Config {
	return &Config{
		Broker:  DefaultBrokerConfig(),
		Logging: DefaultLoggingConfig(),
		Metrics: DefaultMetricsConfig(),
		Health:  DefaultHealthConfig(),
	}
}

// Load builds the configuration from the default config file when it
// exists, else from defaults, then applies environment overrides.
func Load() (*Config, error) {
	var cfg *Config

	configPath, err := GetDefaultConfigPath()
	if err == nil {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err = LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides applies CLI flag-style overrides to the configuration.
// Zero values leave the current setting alone.
func (c *Config) ApplyOverrides(opts OverrideOptions) error {
	if opts.ControlAddress != "" {
		addr, err := endpoint.ParseAddress(opts.ControlAddress)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid control address", err)
		}
		c.Broker.ControlAddress = addr
	}
	if opts.QueueCapacity >= 0 {
		c.Broker.QueueCapacity = opts.QueueCapacity
	}
	if opts.AcceptTimeout > 0 {
		c.Broker.AcceptTimeout = opts.AcceptTimeout
	}

	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}

	if opts.MetricsAddress != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = opts.MetricsAddress
	}
	if opts.HealthAddress != "" {
		addr, err := endpoint.ParseAddress(opts.HealthAddress)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid health address", err)
		}
		c.Health.Enabled = true
		c.Health.Address = addr
	}
	return nil
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	ControlAddress string
	// QueueCapacity < 0 means unset
	QueueCapacity int
	AcceptTimeout time.Duration

	LogLevel  string
	LogFormat string
	LogOutput string

	MetricsAddress string
	HealthAddress  string
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Broker: %s, Logging: %s, Metrics: %s, Health: %s}",
		c.Broker.String(), c.Logging.String(), c.Metrics.String(), c.Health.String())
}

func (c BrokerConfig) String() string {
	return fmt.Sprintf("BrokerConfig{Control: %s, QueueCapacity: %d, AcceptTimeout: %s, PublishBlocking: %v}",
		c.ControlAddress, c.QueueCapacity, c.AcceptTimeout, c.PublishBlocking)
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c MetricsConfig) String() string {
	return fmt.Sprintf("MetricsConfig{Enabled: %v, Address: %s, Path: %s}", c.Enabled, c.Address, c.Path)
}

func (c HealthConfig) String() string {
	return fmt.Sprintf("HealthConfig{Enabled: %v, Address: %s}", c.Enabled, c.Address)
}
