package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/billm/fanout/pkg/endpoint"
)

// testConfigPath is an override for the default config path used in testing
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the fanout configuration directory
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "fanout"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvControlAddress  = "FANOUT_CONTROL_ADDRESS"
	EnvQueueCapacity   = "FANOUT_QUEUE_CAPACITY"
	EnvAcceptTimeout   = "FANOUT_ACCEPT_TIMEOUT"
	EnvStopTimeout     = "FANOUT_STOP_TIMEOUT"
	EnvPublishBlocking = "FANOUT_PUBLISH_BLOCKING"
	EnvPublishTimeout  = "FANOUT_PUBLISH_TIMEOUT"
	EnvReaccept        = "FANOUT_REACCEPT_ON_DISCONNECT"
	EnvLogLevel        = "FANOUT_LOG_LEVEL"
	EnvLogFormat       = "FANOUT_LOG_FORMAT"
	EnvLogOutput       = "FANOUT_LOG_OUTPUT"
	EnvMetricsEnabled  = "FANOUT_METRICS_ENABLED"
	EnvMetricsAddress  = "FANOUT_METRICS_ADDRESS"
	EnvHealthEnabled   = "FANOUT_HEALTH_ENABLED"
	EnvHealthAddress   = "FANOUT_HEALTH_ADDRESS"
)

const (
	// Default broker settings
	DefaultControlSocketPath = "/tmp/fanout-control.sock"
	DefaultQueueCapacity     = 0
	DefaultAcceptTimeout     = 30 * time.Second
	DefaultStopTimeout       = 5 * time.Second
	DefaultControlTimeout    = 5 * time.Second
	DefaultPublishTimeout    = time.Second

	// Default logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	// Default metrics settings
	DefaultMetricsAddress   = "127.0.0.1:9464"
	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "fanout"

	// Default health settings
	DefaultHealthSocketPath = "/tmp/fanout-health.sock"
)

// DefaultBrokerConfig returns the default broker configuration
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		ControlAddress:       endpoint.Unix(DefaultControlSocketPath),
		QueueCapacity:        DefaultQueueCapacity,
		AcceptTimeout:        DefaultAcceptTimeout,
		StopTimeout:          DefaultStopTimeout,
		ControlTimeout:       DefaultControlTimeout,
		WriteTimeout:         0,
		PublishBlocking:      false,
		PublishTimeout:       DefaultPublishTimeout,
		ReacceptOnDisconnect: false,
		MaxFrameSize:         endpoint.DefaultMaxFrameSize,
	}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stderr",
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Address:   DefaultMetricsAddress,
		Path:      DefaultMetricsPath,
		Namespace: DefaultMetricsNamespace,
	}
}

// DefaultHealthConfig returns the default health service configuration
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Enabled: false,
		Address: endpoint.Unix(DefaultHealthSocketPath),
	}
}

// applyDefaults fills zero-valued fields left unset by a partial YAML file
func applyDefaults(cfg *Config) {
	defaultBroker := DefaultBrokerConfig()
	if cfg.Broker.ControlAddress.IsZero() {
		cfg.Broker.ControlAddress = defaultBroker.ControlAddress
	}
	if cfg.Broker.StopTimeout == 0 {
		cfg.Broker.StopTimeout = defaultBroker.StopTimeout
	}
	if cfg.Broker.ControlTimeout == 0 {
		cfg.Broker.ControlTimeout = defaultBroker.ControlTimeout
	}
	if cfg.Broker.PublishTimeout == 0 {
		cfg.Broker.PublishTimeout = defaultBroker.PublishTimeout
	}
	if cfg.Broker.MaxFrameSize == 0 {
		cfg.Broker.MaxFrameSize = defaultBroker.MaxFrameSize
	}

	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultMetrics := DefaultMetricsConfig()
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = defaultMetrics.Address
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetrics.Path
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaultMetrics.Namespace
	}

	if cfg.Health.Address.IsZero() {
		cfg.Health.Address = DefaultHealthConfig().Address
	}
}
