package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/sandboxd/pkg/workload"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		res  workload.Result
		want int
	}{
		{"success", workload.Result{State: workload.StateExited}, 0},
		{"error", workload.Result{State: workload.StateExited, ExitCode: 3}, 3},
		{"sigkill", workload.Result{State: workload.StateKilled, Signal: "SIGKILL"}, 137},
		{"sigterm", workload.Result{State: workload.StateKilled, Signal: "SIGTERM"}, 143},
		{"unknown signal", workload.Result{State: workload.StateKilled, Signal: "SIGBOGUS"}, 128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.res))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly10!", truncate("exactly10!", 10))
	assert.Equal(t, "a long ...", truncate("a long command line", 10))
}

func TestParseSamples(t *testing.T) {
	text := `# HELP sandboxd_workloads_started_total Workloads started.
# TYPE sandboxd_workloads_started_total counter
sandboxd_workloads_started_total 4
sandboxd_workloads_finished_total{reason="success"} 3
sandboxd_workload_duration_seconds_bucket{le="1"} 2
sandboxd_workload_duration_seconds_sum 0.5
go_goroutines 12
`
	samples := parseSamples(text, "sandboxd_")
	require.Len(t, samples, 3)

	assert.Equal(t, sample{Name: "sandboxd_workloads_started_total", Value: "4"}, samples[0])
	assert.Equal(t, sample{Name: "sandboxd_workloads_finished_total", Labels: `reason="success"`, Value: "3"}, samples[1])
	assert.Equal(t, "sandboxd_workload_duration_seconds_sum", samples[2].Name)
}
