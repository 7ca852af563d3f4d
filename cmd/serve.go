package cmd

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/billm/fanout/internal/config"
	"github.com/billm/fanout/internal/logger"
	"github.com/billm/fanout/pkg/broker"
	"github.com/billm/fanout/pkg/health"
	"github.com/billm/fanout/pkg/metrics"
	"github.com/billm/fanout/pkg/types"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var (
	serveQueueCapacity  int
	serveAcceptTimeout  time.Duration
	serveMetricsAddress string
	serveHealthAddress  string
	servePublishStdin   bool
	serveExitOnEOF      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	Long: `Run the broker on its control endpoint. Each line read from standard
input is published as one payload to every attached subscriber.

The broker stops on SIGINT/SIGTERM or when a shutdown request arrives on
the control endpoint (see "fanout shutdown"). SIGHUP reloads the config
file; new tunables apply to subscribers attached afterwards.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rootLog.Info("Starting fanout broker", "version", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		m          *metrics.Metrics
		metricsSrv *metrics.Server
	)
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
		metricsSrv = metrics.NewServer(cfg.Metrics.Address, cfg.Metrics.Path, m, rootLog)
		if err := metricsSrv.Start(); err != nil {
			return err
		}
	}

	b, err := broker.New(cfg.Broker, rootLog, m)
	if err != nil {
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
		return err
	}
	if err := b.Start(); err != nil {
		_ = b.Close(ctx)
		return err
	}

	healthSrv, err := startHealth(ctx, cfg.Health, b)
	if err != nil {
		_ = b.Close(ctx)
		return err
	}

	sm := broker.NewShutdownManager(b, cfg.Broker.StopTimeout+health.DefaultShutdownTimeout, rootLog)

	reloader := startReloader(cfg, b)

	sm.AddHook(func(hookCtx context.Context) error {
		cancel()
		if reloader != nil {
			reloader.Stop()
		}
		if healthSrv != nil {
			if err := healthSrv.Stop(health.DefaultShutdownTimeout); err != nil {
				rootLog.Error("Failed to stop health server", "error", err)
			}
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(hookCtx); err != nil {
				rootLog.Error("Failed to stop metrics server", "error", err)
			}
		}
		return nil
	})

	sm.Start()
	defer sm.Stop()

	if servePublishStdin {
		go publishLines(ctx, b, sm, cmd.InOrStdin(), cfg.Broker.MaxFrameSize)
	}

	rootLog.Info("Broker is running. Press Ctrl+C to stop.",
		"control_address", b.ControlAddress().String())

	_ = sm.WaitCompletion(context.Background())

	stats := b.Stats()
	rootLog.Info("Broker shutdown complete",
		"published", stats.Published,
		"attached", stats.Attached,
		"evicted", stats.Evicted,
		"reason", sm.ShutdownReason())
	return nil
}

// startHealth serves the gRPC health service when enabled and keeps the
// broker's status current until the broker is done
func startHealth(ctx context.Context, cfg config.HealthConfig, b *broker.Broker) (*health.Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	hs, err := health.NewHealthServer(health.HealthServerConfig{
		InitialStatuses: map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
			health.BrokerService: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		},
	}, rootLog)
	if err != nil {
		return nil, err
	}

	srv, err := health.NewServer(cfg.Address, hs, rootLog)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}

	go hs.Track(ctx, health.BrokerService, b)
	return srv, nil
}

// startReloader reloads the config file on SIGHUP. CLI flags are applied
// again on top of the reloaded file so they keep precedence.
func startReloader(cfg *config.Config, b *broker.Broker) *config.Reloader {
	path := configPath()
	if path == "" {
		return nil
	}

	reloader := config.NewReloader(path, cfg, rootLog.Slog())
	reloader.AddCallback(func(ctx context.Context, newConfig *config.Config) error {
		if err := newConfig.ApplyOverrides(overrides()); err != nil {
			return err
		}
		if err := b.Reconfigure(newConfig.Broker); err != nil {
			rootLog.Error("Failed to apply reloaded configuration", "error", err)
			return err
		}
		if level, err := logger.ParseLevel(newConfig.Logging.Level); err == nil {
			rootLog.SetLevel(level)
		}
		return nil
	})
	reloader.Start()
	rootLog.Info("Config reloader started, send SIGHUP to reload configuration",
		"config_path", path)
	return reloader
}

// publishLines publishes each line of r until EOF or ctx ends
func publishLines(ctx context.Context, b *broker.Broker, sm *broker.ShutdownManager, r io.Reader, maxFrame int) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrame)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := b.Publish(ctx, scanner.Bytes()); err != nil {
			if types.IsErrCode(err, types.ErrCodeUnavailable) {
				return
			}
			rootLog.Warn("Publish incomplete", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		rootLog.Error("Failed to read standard input", "error", err)
	}

	if !serveExitOnEOF || ctx.Err() != nil {
		rootLog.Debug("Standard input closed, broker keeps running")
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sm.ShutdownAndWait(shutdownCtx, "standard input closed"); err != nil {
		rootLog.Error("Shutdown failed", "error", err)
	}
}

func init() {
	serveCmd.Flags().IntVar(&serveQueueCapacity, "queue-capacity", -1,
		"Per-subscriber queue capacity, 0 for unbounded (default: from config or env)")
	serveCmd.Flags().DurationVar(&serveAcceptTimeout, "accept-timeout", 0,
		"How long a new subscriber has to connect before it is abandoned (default: 30s)")
	serveCmd.Flags().StringVar(&serveMetricsAddress, "metrics-addr", "",
		"Serve Prometheus metrics on this host:port")
	serveCmd.Flags().StringVar(&serveHealthAddress, "health-addr", "",
		"Serve the gRPC health service on this endpoint")
	serveCmd.Flags().BoolVar(&servePublishStdin, "stdin", true,
		"Publish each line of standard input")
	serveCmd.Flags().BoolVar(&serveExitOnEOF, "exit-on-eof", false,
		"Shut down when standard input is closed")

	rootCmd.AddCommand(serveCmd)
}
