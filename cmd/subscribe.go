package cmd

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/billm/fanout/pkg/endpoint"
	"github.com/billm/fanout/pkg/subscriber"
	"github.com/billm/fanout/pkg/types"
	"github.com/spf13/cobra"
)

var subscribeTimeout = defaultTimeout

var subscribeCmd = &cobra.Command{
	Use:   "subscribe ADDRESS",
	Short: "Register ADDRESS with the broker and print what is delivered there",
	Long: `Register ADDRESS (unix:/path or tcp:host:port) with the broker, connect to
the delivery worker the broker starts there and print each payload on its
own line until the broker closes the connection or the process is
interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubscribe,
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	self, err := endpoint.ParseAddress(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	r, err := subscriber.Subscribe(subCtx, cfg.Broker.ControlAddress, self, cfg.Broker.MaxFrameSize, rootLog)
	cancel()
	if err != nil {
		return err
	}
	defer r.Close()

	rootLog.Info("Subscribed", "address", self.String(), "control_address", cfg.Broker.ControlAddress.String())

	out := bufio.NewWriter(cmd.OutOrStdout())
	err = r.Run(ctx, func(payload []byte) error {
		if _, err := out.Write(payload); err != nil {
			return err
		}
		if err := out.WriteByte('\n'); err != nil {
			return err
		}
		return out.Flush()
	})
	if err != nil && !types.IsErrCode(err, types.ErrCodeCanceled) {
		return err
	}

	rootLog.Info("Subscription ended", "received", r.Received())
	return nil
}

func init() {
	subscribeCmd.Flags().DurationVar(&subscribeTimeout, "timeout", defaultTimeout,
		"Time allowed for the broker to acknowledge the subscription")

	rootCmd.AddCommand(subscribeCmd)
}
