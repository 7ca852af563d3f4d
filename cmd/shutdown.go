package cmd

import (
	"context"

	"github.com/billm/fanout/pkg/control"
	"github.com/billm/fanout/pkg/types"
	"github.com/spf13/cobra"
)

var (
	shutdownWait    bool
	shutdownTimeout = defaultTimeout
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the broker to detach every subscriber and stop",
	Long: `Send the shutdown request to the broker's control endpoint. A broker that
is already gone is not an error.`,
	Args: cobra.NoArgs,
	RunE: runShutdown,
}

func runShutdown(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	addr := cfg.Broker.ControlAddress
	if err := control.RequestShutdown(ctx, addr, shutdownWait); err != nil {
		if types.IsErrCode(err, types.ErrCodeTransport) {
			rootLog.Warn("Broker not reachable, nothing to shut down",
				"control_address", addr.String(), "error", err)
			return nil
		}
		return err
	}

	rootLog.Info("Shutdown requested", "control_address", addr.String(), "waited", shutdownWait)
	return nil
}

func init() {
	shutdownCmd.Flags().BoolVar(&shutdownWait, "wait", true,
		"Wait until the broker has detached every subscriber")
	shutdownCmd.Flags().DurationVar(&shutdownTimeout, "timeout", defaultTimeout,
		"Give up waiting after this long")

	rootCmd.AddCommand(shutdownCmd)
}
