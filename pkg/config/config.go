package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/sandboxd/pkg/workload"
)

const (
	// EnvPrefix is prepended to every environment override, e.g. SANDBOXD_LISTEN.
	EnvPrefix = "SANDBOXD"

	// DefaultPath is read when no --config flag is given.
	DefaultPath = "/etc/sandboxd/config.yaml"

	DefaultListen = "unix:///run/sandboxd/sandboxd.sock"
)

// Identity is the non-root principal every workload runs as
type Identity struct {
	UID  int    `mapstructure:"uid" yaml:"uid"`
	GID  int    `mapstructure:"gid" yaml:"gid"`
	User string `mapstructure:"user" yaml:"user"`
}

// RateLimit bounds API requests per client
type RateLimit struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

// Log configures pkg/logging
type Log struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	File  string `mapstructure:"file" yaml:"file"`
}

// Tracing configures the OTLP exporter
type Tracing struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// TLS secures a tcp listener. CA enables client certificate checks on the
// server and pins the server certificate on the client.
type TLS struct {
	Cert string `mapstructure:"cert" yaml:"cert,omitempty"`
	Key  string `mapstructure:"key" yaml:"key,omitempty"`
	CA   string `mapstructure:"ca" yaml:"ca,omitempty"`
}

// Enabled reports whether a server certificate is configured
func (t TLS) Enabled() bool {
	return t.Cert != ""
}

// History configures where terminal results are kept
type History struct {
	Driver     string `mapstructure:"driver" yaml:"driver"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxEntries int    `mapstructure:"max_entries" yaml:"max_entries"`
}

// Config is the full sandboxd configuration
type Config struct {
	Identity         Identity        `mapstructure:"identity"`
	Ceiling          workload.Limits `mapstructure:"global_resource_ceiling"`
	DrainGracePeriod time.Duration   `mapstructure:"drain_grace_period"`
	KillGracePeriod  time.Duration   `mapstructure:"kill_grace_period"`
	MaxOutputBytes   int64           `mapstructure:"max_output_bytes"`
	WorkDir          string          `mapstructure:"work_dir"`
	Listen           string          `mapstructure:"listen"`
	APIKey           string          `mapstructure:"api_key"`
	APIKeyHash       string          `mapstructure:"api_key_hash"`
	RateLimit        RateLimit       `mapstructure:"rate_limit"`
	Log              Log             `mapstructure:"log"`
	Tracing          Tracing         `mapstructure:"tracing"`
	History          History         `mapstructure:"history"`
	TLS              TLS             `mapstructure:"tls"`
}

// SetDefaults registers every key with its default so environment
// overrides are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("identity.uid", 1000)
	v.SetDefault("identity.gid", 1000)
	v.SetDefault("identity.user", "runner")
	v.SetDefault("global_resource_ceiling.cpu_percent", 0.0)
	v.SetDefault("global_resource_ceiling.memory_mb", 0)
	v.SetDefault("global_resource_ceiling.wall_time", 30*time.Second)
	v.SetDefault("drain_grace_period", 10*time.Second)
	v.SetDefault("kill_grace_period", 5*time.Second)
	v.SetDefault("max_output_bytes", 1<<20)
	v.SetDefault("work_dir", "/app")
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("api_key", "")
	v.SetDefault("api_key_hash", "")
	v.SetDefault("rate_limit.rps", 50.0)
	v.SetDefault("rate_limit.burst", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("history.driver", "memory")
	v.SetDefault("history.path", "/tmp/sandboxd-history.db")
	v.SetDefault("history.max_entries", 1024)
	v.SetDefault("tls.cert", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("tls.ca", "")
}

// BindEnv wires SANDBOXD_* environment variables onto v
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration. An empty path tries DefaultPath and is not
// an error when that file is missing; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigFile(DefaultPath)
		if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", DefaultPath, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates an already populated viper instance
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

// Validate rejects values the supervisor cannot run with
func (c *Config) Validate() error {
	var problems []string
	if c.Identity.UID <= 0 {
		problems = append(problems, fmt.Sprintf("identity.uid must be a non-root id, got %d", c.Identity.UID))
	}
	if c.Identity.GID <= 0 {
		problems = append(problems, fmt.Sprintf("identity.gid must be a non-root id, got %d", c.Identity.GID))
	}
	if err := c.Ceiling.Validate(); err != nil {
		problems = append(problems, "global_resource_ceiling: "+err.Error())
	}
	if c.DrainGracePeriod < 0 {
		problems = append(problems, "drain_grace_period must not be negative")
	}
	if c.KillGracePeriod < 0 {
		problems = append(problems, "kill_grace_period must not be negative")
	}
	if c.MaxOutputBytes < 0 {
		problems = append(problems, "max_output_bytes must not be negative")
	}
	if c.Listen == "" {
		problems = append(problems, "listen must not be empty")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		problems = append(problems, "rate_limit values must not be negative")
	}
	switch c.History.Driver {
	case "memory":
	case "sqlite":
		if c.History.Path == "" {
			problems = append(problems, "history.path is required for the sqlite driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("history.driver must be memory or sqlite, got %q", c.History.Driver))
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		problems = append(problems, "tls.cert and tls.key must be set together")
	}
	if c.TLS.Enabled() && strings.HasPrefix(c.Listen, "unix://") {
		problems = append(problems, "tls requires a tcp listen address")
	}
	if c.History.MaxEntries < 0 {
		problems = append(problems, "history.max_entries must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// HostCapacity reports the host's total CPU (100 per logical core) and
// memory in MB.
func HostCapacity() (cpuPercent float64, memoryMB int64, err error) {
	cores, err := cpu.Counts(true)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count cpus: %w", err)
	}
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read memory: %w", err)
	}
	return float64(cores * 100), int64(vmem.Total / (1024 * 1024)), nil
}

var hostCapacity = HostCapacity

// ResolvedCeiling returns the configured ceiling with zero CPU and memory
// dimensions replaced by the host's capacity. When capacity cannot be read
// the dimension stays zero (unbounded).
func (c *Config) ResolvedCeiling() workload.Limits {
	ceiling := c.Ceiling
	if ceiling.CPUPercent > 0 && ceiling.MemoryMB > 0 {
		return ceiling
	}
	cpuPct, memMB, err := hostCapacity()
	if err != nil {
		return ceiling
	}
	if ceiling.CPUPercent == 0 {
		ceiling.CPUPercent = cpuPct
	}
	if ceiling.MemoryMB == 0 {
		ceiling.MemoryMB = memMB
	}
	return ceiling
}

type yamlCeiling struct {
	CPUPercent float64 `yaml:"cpu_percent"`
	MemoryMB   int64   `yaml:"memory_mb"`
	WallTime   string  `yaml:"wall_time"`
}

type yamlConfig struct {
	Identity         Identity    `yaml:"identity"`
	Ceiling          yamlCeiling `yaml:"global_resource_ceiling"`
	DrainGracePeriod string      `yaml:"drain_grace_period"`
	KillGracePeriod  string      `yaml:"kill_grace_period"`
	MaxOutputBytes   int64       `yaml:"max_output_bytes"`
	WorkDir          string      `yaml:"work_dir"`
	Listen           string      `yaml:"listen"`
	APIKey           string      `yaml:"api_key,omitempty"`
	APIKeyHash       string      `yaml:"api_key_hash,omitempty"`
	RateLimit        RateLimit   `yaml:"rate_limit"`
	Log              Log         `yaml:"log"`
	Tracing          Tracing     `yaml:"tracing"`
	History          History     `yaml:"history"`
	TLS              TLS         `yaml:"tls,omitempty"`
}

// YAML renders the configuration in the same shape the file is read in,
// with durations as strings and the API key masked.
func (c *Config) YAML() ([]byte, error) {
	doc := yamlConfig{
		Identity: c.Identity,
		Ceiling: yamlCeiling{
			CPUPercent: c.Ceiling.CPUPercent,
			MemoryMB:   c.Ceiling.MemoryMB,
			WallTime:   c.Ceiling.WallTime.String(),
		},
		DrainGracePeriod: c.DrainGracePeriod.String(),
		KillGracePeriod:  c.KillGracePeriod.String(),
		MaxOutputBytes:   c.MaxOutputBytes,
		WorkDir:          c.WorkDir,
		Listen:           c.Listen,
		APIKeyHash:       c.APIKeyHash,
		RateLimit:        c.RateLimit,
		Log:              c.Log,
		Tracing:          c.Tracing,
		History:          c.History,
		TLS:              c.TLS,
	}
	if c.APIKey != "" {
		doc.APIKey = "********"
	}
	return yaml.Marshal(doc)
}
