package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/sandboxd/pkg/client"
	"github.com/psantana5/sandboxd/pkg/retry"
	"github.com/psantana5/sandboxd/pkg/workload"
)

var (
	shutdownGrace time.Duration
	shutdownWait  bool
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Drain the sandbox",
	Long: `Stop accepting workloads, let running ones finish within the grace period,
kill the rest and stop the daemon.`,
	Args: cobra.NoArgs,
	RunE: runShutdown,
}

func init() {
	rootCmd.AddCommand(shutdownCmd)
	shutdownCmd.Flags().DurationVar(&shutdownGrace, "grace", 0, "grace period (default: daemon drain_grace_period)")
	shutdownCmd.Flags().BoolVar(&shutdownWait, "wait", false, "stream events until the daemon stopped")
}

func runShutdown(cmd *cobra.Command, args []string) error {
	c := newClient()
	ack, err := c.Shutdown(cmd.Context(), shutdownGrace)
	if err != nil {
		return err
	}
	fmt.Printf("Draining with grace period %s\n", ack.GracePeriod)
	if !shutdownWait {
		return nil
	}

	err = c.Events(cmd.Context(), "", func(ev workload.Event) error {
		if ev.Terminal() {
			fmt.Println(ev.String())
		}
		return nil
	})
	// a daemon that stopped before the stream connected refuses or drops it
	if errors.Is(err, client.ErrStreamStopped) || retry.IsRetryable(err) {
		fmt.Println("sandboxd stopped")
		return nil
	}
	return err
}
