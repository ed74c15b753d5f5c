package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/psantana5/sandboxd/pkg/auth"
	"github.com/psantana5/sandboxd/pkg/logging"
	sandboxtls "github.com/psantana5/sandboxd/pkg/tls"
)

var (
	resolveCeiling bool
	logrotateOwner string
	certDir        string
	certHosts      []string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long:  `Print the configuration after file, environment and defaults are merged. The API key is masked.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configLogrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate configuration for the daemon log",
	Args:  cobra.NoArgs,
	RunE:  runConfigLogrotate,
}

var configHashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an API key for api_key_hash",
	Long:  `Print the bcrypt hash of the given key. Without an argument a new random key is generated and printed with its hash.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigHashKey,
}

var configGenCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate a self-signed certificate for the tcp listener",
	Long: `Write server.crt and server.key for tls.cert and tls.key. Pointing tls.ca
at the same certificate enables mutual TLS for clients that share it.`,
	Args: cobra.NoArgs,
	RunE: runConfigGenCert,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configLogrotateCmd)
	configCmd.AddCommand(configHashKeyCmd)
	configCmd.AddCommand(configGenCertCmd)

	configShowCmd.Flags().BoolVar(&resolveCeiling, "resolve", false, "replace zero ceilings with host capacity")
	configGenCertCmd.Flags().StringVar(&certDir, "dir", ".", "directory to write server.crt and server.key to")
	configGenCertCmd.Flags().StringSliceVar(&certHosts, "host", nil, "additional IP address or DNS name (repeatable)")
	configLogrotateCmd.Flags().StringVar(&logrotateOwner, "owner", "", "user:group owning rotated logs (default: identity)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	shown := *c
	if resolveCeiling {
		shown.Ceiling = c.ResolvedCeiling()
	}
	out, err := shown.YAML()
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigLogrotate(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	dir := logging.DefaultLogDir
	if c.Log.File != "" {
		dir = filepath.Dir(c.Log.File)
	}
	owner := logrotateOwner
	if owner == "" {
		owner = fmt.Sprintf("%d:%d", c.Identity.UID, c.Identity.GID)
		if c.Identity.User != "" {
			owner = c.Identity.User + ":" + c.Identity.User
		}
	}
	fmt.Print(logging.GenerateLogrotateConfig(dir, owner))
	return nil
}

func runConfigHashKey(cmd *cobra.Command, args []string) error {
	key := ""
	if len(args) == 1 {
		key = args[0]
	} else {
		generated, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		key = generated
		fmt.Printf("api_key: %s\n", key)
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}
	fmt.Printf("api_key_hash: %q\n", hash)
	return nil
}

func runConfigGenCert(cmd *cobra.Command, args []string) error {
	certFile := filepath.Join(certDir, "server.crt")
	keyFile := filepath.Join(certDir, "server.key")
	if err := sandboxtls.GenerateSelfSigned(certFile, keyFile, "sandboxd", certHosts...); err != nil {
		return err
	}
	fmt.Printf("tls:\n  cert: %s\n  key: %s\n", certFile, keyFile)
	return nil
}
