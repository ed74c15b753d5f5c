package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <workload-id>",
	Short: "Cancel a workload",
	Long:  `Send SIGTERM to the workload's process group, then SIGKILL after the kill grace period. Cancelling a finished workload succeeds.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	if err := newClient().Cancel(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancellation requested for %s\n", args[0])
	return nil
}
