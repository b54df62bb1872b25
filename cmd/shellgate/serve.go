package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/shellgate/internal/config"
	"github.com/jkaninda/shellgate/internal/gateway"
	"github.com/jkaninda/shellgate/internal/observability"
	"github.com/jkaninda/shellgate/internal/ratelimit"
	"github.com/jkaninda/shellgate/internal/sandbox"
	"github.com/jkaninda/shellgate/internal/sessiondir"
	"github.com/jkaninda/shellgate/internal/storage"
	sqlitestore "github.com/jkaninda/shellgate/internal/storage/sqlite"
	"github.com/jkaninda/shellgate/internal/token"
)

var (
	serveConfigPath string
	servePort       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `shellgate --config path` and `shellgate serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file")
		cmd.Flags().IntVar(&servePort, "port", 0, "override HTTP listen port")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SHELLGATE_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if cfg.GeneratedSecret {
		logger.Warn("no token secret configured; using a random one, tokens will not survive a restart")
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}

	auth := token.New(cfg.Token.Secret, cfg.Token.TTL(), logger)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxConcurrentSessions: cfg.RateLimit.ConcurrentSessions(),
		MaxConnections:        cfg.RateLimit.ConnectionsPerMinute(),
		MaxMessages:           cfg.RateLimit.MessagesPerSecond(),
	})

	dirs, err := sessiondir.New(sessiondir.Config{
		Root:         cfg.Sandbox.OutputDir,
		MaxFileBytes: cfg.Files.MaxFile(),
		MaxStorage:   cfg.Files.MaxStorage(),
		AllowedExts:  cfg.Files.Extensions(),
		CleanupGrace: cfg.Files.CleanupGrace(),
	}, logger)
	if err != nil {
		return err
	}

	var runner sandbox.Runner = sandbox.NewDockerRunner(sandbox.Config{
		Image:          cfg.Sandbox.Image,
		SessionTimeout: cfg.Sandbox.SessionTimeout(),
		MemoryMB:       cfg.Sandbox.MemoryMB,
		CPUCores:       cfg.Sandbox.CPUCores,
		PIDsLimit:      cfg.Sandbox.PIDsLimit,
	}, logger)
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil) {
		runner = observability.NewInstrumentedRunner(runner, obs.Metrics, obs.Tracer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The container runtime must be ready before any connection is accepted.
	readyCtx, cancelReady := context.WithTimeout(ctx, 15*time.Second)
	err = runner.CheckReady(readyCtx)
	cancelReady()
	if err != nil {
		return fmt.Errorf("sandbox runtime not ready: %w", err)
	}
	if n, err := runner.CleanupOrphans(ctx); err != nil {
		logger.Warn("orphan cleanup failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("removed orphaned containers", slog.Int("count", n))
	}
	obs.Health.AddCheck("docker", runner.CheckReady)

	// Session audit log (optional).
	var audit storage.SessionLog
	if cfg.AuditDB != "" {
		store, err := sqlitestore.Open(cfg.AuditDB, logger)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer store.Close()
		audit = store
	}

	gwCfg := gateway.Config{
		ListenAddr:        cfg.Server.ListenAddr(),
		AllowedHosts:      cfg.Server.AllowedHosts,
		AutoRun:           cfg.Sandbox.AutoRun,
		SessionTimeout:    cfg.Sandbox.SessionTimeout(),
		EnableDocs:        !cfg.Production(),
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	}
	if o := cfg.Observability; o != nil && o.Metrics != nil {
		gwCfg.MetricsPath = o.Metrics.Path
	}
	gw := gateway.NewGateway(gwCfg, auth, limiter, runner, dirs, logger).WithObservability(obs)
	if audit != nil {
		gw.WithAuditLog(audit)
	}

	// Periodic sweeps: expired tokens, stale rate-limit windows, and session
	// directories left behind by a previous crashed run.
	staleAge := cfg.Sandbox.SessionTimeout() + cfg.Files.CleanupGrace() + 10*time.Minute
	sweeps := cron.New()
	_, _ = sweeps.AddFunc("@every 30s", auth.Sweep)
	_, _ = sweeps.AddFunc("@every 30s", limiter.Sweep)
	_, _ = sweeps.AddFunc("@every 10m", func() { dirs.SweepStale(staleAge) })
	sweeps.Start()
	defer sweeps.Stop()

	logger.Info("starting shellgate",
		slog.String("addr", cfg.Server.ListenAddr()),
		slog.String("image", cfg.Sandbox.Image),
		slog.Bool("production", cfg.Production()),
	)

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown failed", slog.String("error", err.Error()))
	}

	// Every session is over; remove all remaining session directories.
	dirs.PurgeAll()
	obs.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}
