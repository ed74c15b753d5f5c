package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/sandboxd/pkg/workload"
)

var statusCmd = &cobra.Command{
	Use:   "status [workload-id]",
	Short: "Show daemon health or a workload's status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := newClient()
	if len(args) == 1 {
		res, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(res)
		}
		printResult(res)
		return nil
	}

	h, err := c.Health(cmd.Context())
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(h)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("State", string(h.State))
	table.Append("Since", h.Since.Format(time.RFC3339))
	table.Append("Running", fmt.Sprintf("%d", h.Running))
	table.Append("Identity", h.Identity)
	table.Render()
	return nil
}

func printResult(res workload.Result) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", res.ID)
	table.Append("Command", strings.Join(append([]string{res.Command}, res.Args...), " "))
	table.Append("State", res.Summary())
	table.Append("PID", fmt.Sprintf("%d", res.PID))
	if res.Owner != "" {
		table.Append("Owner", res.Owner)
	}
	if !res.StartedAt.IsZero() {
		table.Append("Started", res.StartedAt.Format(time.RFC3339))
	}
	if res.State.Terminal() && res.Duration > 0 {
		table.Append("Duration", res.Duration.Round(time.Millisecond).String())
	}
	table.Render()

	if res.Stdout != "" {
		fmt.Printf("\n--- stdout ---\n%s", res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Printf("\n--- stderr ---\n%s", res.Stderr)
	}
}
