package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/psantana5/sandboxd/pkg/api"
	"github.com/psantana5/sandboxd/pkg/client"
	"github.com/psantana5/sandboxd/pkg/config"
	sandboxtls "github.com/psantana5/sandboxd/pkg/tls"
)

// version is set at build time with -ldflags "-X .../cmd.version=..."
var version = "dev"

var (
	cfgFile      string
	addr         string
	apiKey       string
	outputFormat string
)

// ExitError carries a process exit code out of a command without printing
// an error, e.g. the exit code of a workload run by exec.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Sandboxed execution host",
	Long: `sandboxd is a long-lived, privilege-dropped supervisor that runs injected
workloads as a fixed non-root identity, reaps them, enforces resource limits
and drains gracefully. The same binary is the client for a running daemon.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "daemon address, unix:///path or host:port (default from config)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default $"+config.EnvPrefix+"_API_KEY or config)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")
}

var (
	cfgOnce sync.Once
	cfg     *config.Config
	cfgErr  error
)

// loadConfig reads the configuration once per invocation
func loadConfig() (*config.Config, error) {
	cfgOnce.Do(func() {
		cfg, cfgErr = config.Load(cfgFile)
	})
	return cfg, cfgErr
}

// newClient builds an API client from flags, falling back to the config
// file. Client commands still work when the daemon's config is unreadable.
func newClient() *client.Client {
	target, key := addr, apiKey
	var tlsCfg config.TLS
	if c, err := loadConfig(); err == nil {
		if target == "" {
			target = c.Listen
		}
		if key == "" {
			key = c.APIKey
		}
		tlsCfg = c.TLS
	}
	if target == "" {
		target = config.DefaultListen
	}
	if key == "" {
		key = os.Getenv(config.EnvPrefix + "_API_KEY")
	}

	opts := []client.Option{client.WithAPIKey(key)}
	if _, unix := api.SocketPath(target); !unix && tlsCfg.Enabled() {
		// the daemon's own certificate doubles as trust anchor and, under
		// mutual TLS, as the client certificate
		ca := tlsCfg.CA
		if ca == "" {
			ca = tlsCfg.Cert
		}
		clientCfg, err := sandboxtls.ClientConfig(tlsCfg.Cert, tlsCfg.Key, ca)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		} else {
			opts = append(opts, client.WithTLS(clientCfg))
		}
	}
	return client.New(target, opts...)
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
