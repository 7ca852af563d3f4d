package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/billm/fanout/internal/config"
	"github.com/billm/fanout/internal/logger"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	cfgFile        string
	logLevel       string
	logFormat      string
	logOutput      string
	controlAddress string

	// Global variables
	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fanout",
	Short: "Fanout - publish/subscribe distribution broker",
	Long: `Fanout copies every published payload to each subscriber that has
registered an address with the broker. Each subscriber gets a private
delivery worker with its own bounded queue and listening endpoint.

Subscribers register over the broker's control endpoint; the same endpoint
accepts a shutdown request that detaches everyone and stops the broker.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// initLogger initializes the global logger from the loaded configuration
func initLogger(cfg config.LoggingConfig) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// overrides collects the CLI flags that take precedence over file and env
func overrides() config.OverrideOptions {
	return config.OverrideOptions{
		ControlAddress: controlAddress,
		QueueCapacity:  serveQueueCapacity,
		AcceptTimeout:  serveAcceptTimeout,
		LogLevel:       logLevel,
		LogFormat:      logFormat,
		LogOutput:      logOutput,
		MetricsAddress: serveMetricsAddress,
		HealthAddress:  serveHealthAddress,
	}
}

// loadConfig loads the configuration file (explicit or default), env
// overrides and CLI overrides, then sets up logging from the result
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.ApplyOverrides(overrides()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := initLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// configPath returns the file the reloader should watch
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if path, err := config.GetDefaultConfigPath(); err == nil {
		return path
	}
	return ""
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// defaultTimeout is used by client commands without a --timeout flag
const defaultTimeout = 10 * time.Second

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/fanout/config.yaml if present)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Broker address, shared by the server and the client commands
	rootCmd.PersistentFlags().StringVar(&controlAddress, "control", "",
		"Broker control endpoint, e.g. unix:/tmp/fanout-control.sock or tcp:127.0.0.1:7000")
}
