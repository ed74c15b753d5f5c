package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/sandboxd/internal/cgroups"
	"github.com/psantana5/sandboxd/pkg/api"
	"github.com/psantana5/sandboxd/pkg/auth"
	"github.com/psantana5/sandboxd/pkg/config"
	"github.com/psantana5/sandboxd/pkg/lifecycle"
	"github.com/psantana5/sandboxd/pkg/logging"
	"github.com/psantana5/sandboxd/pkg/metrics"
	"github.com/psantana5/sandboxd/pkg/privilege"
	"github.com/psantana5/sandboxd/pkg/ratelimit"
	"github.com/psantana5/sandboxd/pkg/shutdown"
	"github.com/psantana5/sandboxd/pkg/store"
	"github.com/psantana5/sandboxd/pkg/supervisor"
	sandboxtls "github.com/psantana5/sandboxd/pkg/tls"
	"github.com/psantana5/sandboxd/pkg/tracing"
)

const (
	limiterSweep   = 5 * time.Minute
	limiterMaxIdle = 10 * time.Minute
	teardownBudget = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sandbox supervisor",
	Long: `Run the supervisor in the foreground. This is the container entrypoint:
it binds the API, drops to the configured identity, and runs workloads until
SIGTERM or an API shutdown request drains it.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newLogger(c *config.Config) (*logging.Logger, error) {
	level := logging.ParseLevel(c.Log.Level)
	if c.Log.File == "" {
		return logging.NewLogger(level, c.Log.JSON), nil
	}
	return logging.NewFileLogger("sandboxd", c.Log.File, level, c.Log.JSON)
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(c)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer logger.Close()

	logger.Info("starting sandboxd", map[string]interface{}{
		"version": version,
		"pid":     os.Getpid(),
		"listen":  c.Listen,
	})

	// bind while still privileged; the socket is then handed to the
	// sandbox identity
	owner, group := -1, -1
	if os.Geteuid() == 0 {
		owner, group = c.Identity.UID, c.Identity.GID
	}
	listener, err := api.Listen(c.Listen, owner, group)
	if err != nil {
		logger.Fatal("failed to bind API listener", map[string]interface{}{"error": err.Error()})
	}
	// key files are typically root-only, so they are read before the drop
	if c.TLS.Enabled() {
		tlsCfg, err := sandboxtls.ServerConfig(c.TLS.Cert, c.TLS.Key, c.TLS.CA)
		if err != nil {
			logger.Fatal("failed to load TLS configuration", map[string]interface{}{"error": err.Error()})
		}
		listener = tls.NewListener(listener, tlsCfg)
		logger.Info("TLS enabled", map[string]interface{}{"client_auth": c.TLS.CA != ""})
	}

	// controller delegation needs write access to the cgroup root, which
	// is usually lost with the drop
	cg := cgroups.New(cgroups.DefaultRoot)
	prepare := cg.Prepare
	if os.Geteuid() == 0 {
		prepare = func() error { return cg.Delegate(c.Identity.UID, c.Identity.GID) }
	}
	if err := prepare(); err != nil {
		logger.Warn("cgroup limits unavailable, workloads bounded by wall time and rlimits only", map[string]interface{}{
			"cgroup_version": cg.Version(),
			"error":          err.Error(),
		})
	} else if cg.Version() == 2 {
		logger.Info("cgroup controllers enabled", map[string]interface{}{"controllers": cg.Controllers()})
	}

	identity, err := privilege.Establish(privilege.Config{
		UID:  c.Identity.UID,
		GID:  c.Identity.GID,
		User: c.Identity.User,
	})
	if err != nil {
		logger.Fatal("failed to establish sandbox identity", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("privileges dropped", map[string]interface{}{"identity": identity.String()})

	ctx := context.Background()
	history, err := store.Open(ctx, store.Config{
		Driver:     c.History.Driver,
		Path:       c.History.Path,
		MaxEntries: c.History.MaxEntries,
	})
	if err != nil {
		logger.Fatal("failed to open result history", map[string]interface{}{"error": err.Error()})
	}

	tp, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "sandboxd",
		ServiceVersion: version,
		Endpoint:       c.Tracing.Endpoint,
		Enabled:        c.Tracing.Enabled,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize tracing", map[string]interface{}{"error": err.Error()})
	}

	authn, err := auth.New(c.APIKey, c.APIKeyHash)
	if err != nil {
		logger.Fatal("invalid API key configuration", map[string]interface{}{"error": err.Error()})
	}
	if !authn.Enabled() {
		logger.Warn("API authentication disabled, protect the socket with file permissions")
	}

	ceiling := c.ResolvedCeiling()
	rec := metrics.New()
	monitor := lifecycle.NewMonitor(lifecycle.SystemdNotifier{Logger: logger})

	sv, err := supervisor.New(supervisor.Options{
		Identity:       identity,
		Ceiling:        ceiling,
		KillGrace:      c.KillGracePeriod,
		DrainGrace:     c.DrainGracePeriod,
		MaxOutputBytes: c.MaxOutputBytes,
		WorkDir:        c.WorkDir,
		Logger:         logger,
		Metrics:        rec,
		History:        history,
		Cgroups:        cg,
		Monitor:        monitor,
	})
	if err != nil {
		logger.Fatal("failed to create supervisor", map[string]interface{}{"error": err.Error()})
	}
	rec.SetState(string(lifecycle.StateRunning))

	limiter := ratelimit.NewLimiter(c.RateLimit.RPS, c.RateLimit.Burst)
	server := api.New(api.Options{
		Sandbox:    sv,
		Logger:     logger,
		Metrics:    rec,
		Auth:       authn,
		Limiter:    limiter,
		Tracer:     tp,
		DrainGrace: c.DrainGracePeriod,
	})
	httpSrv := api.NewHTTPServer(server.Handler())

	teardown := shutdown.New(teardownBudget, logger)
	teardown.Register("history", shutdown.CloseResource(history))
	teardown.Register("tracing", tp.Shutdown)
	teardown.Register("http", shutdown.StopHTTPServer(httpSrv))

	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed, draining", map[string]interface{}{"error": err.Error()})
			sv.Shutdown(context.Background(), c.DrainGracePeriod)
		}
	}()
	if limiter.Enabled() {
		go sweepLimiters(limiter, monitor.Stopped())
	}

	logger.Info("sandboxd ready", map[string]interface{}{
		"identity":        identity.String(),
		"cgroup_version":  cg.Version(),
		"ceiling_cpu_pct": ceiling.CPUPercent,
		"ceiling_mem_mb":  ceiling.MemoryMB,
		"ceiling_wall":    ceiling.WallTime.String(),
		"history":         c.History.Driver,
	})
	monitor.NotifyReady()

	runErr := sv.Run(ctx)

	if final, err := rec.Dump(); err == nil && final != "" {
		logger.Info("final counters", map[string]interface{}{"metrics": final})
	}
	if err := teardown.Shutdown(); err != nil {
		logger.Warn("teardown incomplete", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("sandboxd stopped")
	return runErr
}

func sweepLimiters(l *ratelimit.Limiter, stop <-chan struct{}) {
	ticker := time.NewTicker(limiterSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.CleanupOldLimiters(limiterMaxIdle)
		case <-stop:
			return
		}
	}
}
