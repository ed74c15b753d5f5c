package cmd

import (
	"bufio"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox counters from the metrics endpoint",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

// sample is one line of the text exposition format
type sample struct {
	Name   string `json:"name"`
	Labels string `json:"labels,omitempty"`
	Value  string `json:"value"`
}

func runStats(cmd *cobra.Command, args []string) error {
	text, err := newClient().Metrics(cmd.Context())
	if err != nil {
		return err
	}
	samples := parseSamples(text, "sandboxd_")
	if IsJSONOutput() {
		return printJSON(samples)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Labels", "Value")
	for _, s := range samples {
		table.Append(s.Name, s.Labels, s.Value)
	}
	table.Render()
	return nil
}

// parseSamples picks the samples whose name has prefix, skipping histogram
// buckets.
func parseSamples(text, prefix string) []sample {
	var out []sample
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || !strings.HasPrefix(line, prefix) {
			continue
		}
		sep := strings.LastIndexByte(line, ' ')
		if sep < 0 {
			continue
		}
		series, value := line[:sep], line[sep+1:]

		s := sample{Name: series, Value: value}
		if open := strings.IndexByte(series, '{'); open >= 0 && strings.HasSuffix(series, "}") {
			s.Name = series[:open]
			s.Labels = series[open+1 : len(series)-1]
		}
		if strings.HasSuffix(s.Name, "_bucket") {
			continue
		}
		out = append(out, s)
	}
	return out
}

