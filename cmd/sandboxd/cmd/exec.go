package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/psantana5/sandboxd/pkg/workload"
)

var (
	execOwner     string
	execEnv       []string
	execDir       string
	execCPU       float64
	execMemory    int64
	execWallTime  time.Duration
	execSerialKey string
	execStdin     bool
	execDetach    bool
	execVerbose   bool
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command [args...]",
	Short: "Run a workload in the sandbox",
	Long: `Inject a command into the running sandbox, wait for it to finish, print its
output and exit with its exit code. A workload killed by a signal exits with
128 plus the signal number.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)

	f := execCmd.Flags()
	f.SetInterspersed(false)
	f.StringVar(&execOwner, "owner", "", "owner recorded with the workload")
	f.StringArrayVarP(&execEnv, "env", "e", nil, "extra environment KEY=VALUE (repeatable)")
	f.StringVar(&execDir, "dir", "", "working directory (default: daemon work_dir)")
	f.Float64Var(&execCPU, "cpu", 0, "CPU limit in percent of one core")
	f.Int64Var(&execMemory, "memory", 0, "memory limit in MB")
	f.DurationVar(&execWallTime, "wall-time", 0, "wall-time limit (e.g. 30s)")
	f.StringVar(&execSerialKey, "serial-key", "", "run after earlier workloads with the same key")
	f.BoolVarP(&execStdin, "stdin", "i", false, "send this process's stdin to the workload")
	f.BoolVarP(&execDetach, "detach", "d", false, "print the workload id and return once started")
	f.BoolVarP(&execVerbose, "verbose", "v", false, "print status events to stderr")
}

func runExec(cmd *cobra.Command, args []string) error {
	req := workload.Request{
		Owner:     execOwner,
		Command:   args[0],
		Args:      args[1:],
		Env:       execEnv,
		Dir:       execDir,
		SerialKey: execSerialKey,
		Limits: workload.Limits{
			CPUPercent: execCPU,
			MemoryMB:   execMemory,
			WallTime:   execWallTime,
		},
	}
	if execStdin {
		input, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		req.Stdin = input
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c := newClient()

	started, err := c.Inject(ctx, req)
	if err != nil {
		return err
	}
	if execDetach {
		if IsJSONOutput() {
			return printJSON(started)
		}
		fmt.Println(started.ID)
		return nil
	}
	if execVerbose {
		fmt.Fprintf(os.Stderr, "started %s pid=%d\n", started.ID, started.PID)
	}

	res, err := c.Wait(ctx, started.ID)
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", started.ID, err)
	}
	if execVerbose {
		fmt.Fprintf(os.Stderr, "%s %s after %s\n", res.ID, res.Summary(), res.Duration.Round(time.Millisecond))
	}

	if IsJSONOutput() {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		io.WriteString(os.Stdout, res.Stdout)
		io.WriteString(os.Stderr, res.Stderr)
		if res.StdoutTruncated || res.StderrTruncated {
			fmt.Fprintln(os.Stderr, "sandboxd: output truncated")
		}
	}

	if code := exitCode(res); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// exitCode maps a result onto a shell-style exit status
func exitCode(res workload.Result) int {
	if res.State == workload.StateKilled {
		if sig := unix.SignalNum(res.Signal); sig != 0 {
			return 128 + int(sig)
		}
		return 128
	}
	return res.ExitCode
}
