package cmd

import (
	"context"
	"fmt"

	"github.com/billm/fanout/pkg/endpoint"
	"github.com/billm/fanout/pkg/health"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var (
	healthAddress string
	healthService string
	healthTimeout = defaultTimeout
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the broker's gRPC health service",
	Long: `Query the gRPC health service of a broker started with health enabled.
Exits non-zero unless the service reports SERVING.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addr := cfg.Health.Address
	if healthAddress != "" {
		if addr, err = endpoint.ParseAddress(healthAddress); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	st, err := health.Check(ctx, addr, healthService)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), st.String())
	if st != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %q is %s", healthService, st)
	}
	return nil
}

func init() {
	healthCmd.Flags().StringVar(&healthAddress, "addr", "",
		"Health endpoint (default: from config or env)")
	healthCmd.Flags().StringVar(&healthService, "service", health.BrokerService,
		"Service to check; empty checks the server as a whole")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", defaultTimeout,
		"Time allowed for the check")

	rootCmd.AddCommand(healthCmd)
}
