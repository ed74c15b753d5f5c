package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List running workloads",
	Args:  cobra.NoArgs,
	RunE:  runPs,
}

func init() {
	rootCmd.AddCommand(psCmd)
}

func runPs(cmd *cobra.Command, args []string) error {
	live, err := newClient().List(cmd.Context())
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(live)
	}
	if len(live) == 0 {
		fmt.Println("No running workloads")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "PID", "Owner", "Command", "Age", "Wall Limit")
	for _, w := range live {
		wall := "-"
		if w.Limits.WallTime > 0 {
			wall = w.Limits.WallTime.String()
		}
		table.Append(
			w.ID,
			fmt.Sprintf("%d", w.PID),
			w.Owner,
			truncate(strings.Join(append([]string{w.Command}, w.Args...), " "), 40),
			time.Since(w.StartedAt).Round(time.Second).String(),
			wall,
		)
	}
	table.Render()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
