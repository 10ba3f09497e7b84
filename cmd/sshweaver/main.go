// sshweaver manages authenticated SSH sessions to remote hosts: it
// establishes connections, runs commands, transfers files, and keeps a
// persistent record of trusted host keys.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"gitlab.bluewillows.net/root/sshweaver/internal/config"
	"gitlab.bluewillows.net/root/sshweaver/internal/health"
	"gitlab.bluewillows.net/root/sshweaver/internal/inventory"
	"gitlab.bluewillows.net/root/sshweaver/internal/metrics"
	"gitlab.bluewillows.net/root/sshweaver/pkg/manager"
	"gitlab.bluewillows.net/root/sshweaver/pkg/pool"
	"gitlab.bluewillows.net/root/sshweaver/pkg/session"
	"gitlab.bluewillows.net/root/sshweaver/pkg/trust"
)

// Version and BuildDate are set via ldflags during build.
// Example: -ldflags="-X main.Version=v1.0.0 -X main.BuildDate=2026-08-29"
var (
	Version   = "dev"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// Load configuration first, fail fast on anything invalid.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	metrics.SetBuildInfo(Version, runtime.Version())

	logger.Info("sshweaver starting",
		slog.String("version", Version),
		slog.String("build_date", BuildDate),
		slog.String("go_version", runtime.Version()),
		slog.Bool("trust_on_first_use", cfg.TrustOnFirstUse),
		slog.Int("max_sessions", cfg.MaxSessions),
	)

	trustStore, err := trust.NewStore(cfg.KnownHostsPath, trust.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening trust store: %w", err)
	}

	inv := inventory.Empty()
	if cfg.InventoryPath != "" {
		inv, err = inventory.Load(cfg.InventoryPath)
		if err != nil {
			return fmt.Errorf("loading inventory: %w", err)
		}
		logger.Info("loaded host inventory",
			slog.String("path", cfg.InventoryPath),
			slog.Int("profiles", inv.Len()),
		)
	}

	sessionPool := pool.New(trustStore.HostKeyCallback(cfg.TrustOnFirstUse),
		pool.WithLogger(logger),
		pool.WithMaxSessions(cfg.MaxSessions),
		pool.WithSessionOptions(
			session.WithLogger(logger),
			session.WithMaxOutputBytes(cfg.MaxOutputBytes),
			session.WithTransferBackend(session.TransferBackend(cfg.TransferBackend)),
		),
	)

	mgr := manager.New(sessionPool, trustStore,
		manager.WithLogger(logger),
		manager.WithInventory(inv),
		manager.WithDefaultCredentials(cfg.DefaultPassword, cfg.DefaultPassphrase),
		manager.WithConnectTimeout(cfg.ConnectTimeout),
	)
	defer mgr.Close()

	healthServer := health.New(cfg.HealthPort, health.WithLogger(logger))
	healthServer.RegisterChecker("trust_store", health.TrustStoreChecker(trustStore.Path()))
	healthServer.RegisterDegradedChecker("sessions", health.SessionDegradation(mgr.List))

	if err := healthServer.Start(); err != nil {
		return fmt.Errorf("starting health server: %w", err)
	}

	logger.Info("sshweaver initialized",
		slog.Int("health_port", cfg.HealthPort),
		slog.String("known_hosts", trustStore.Path()),
		slog.String("transfer_backend", cfg.TransferBackend),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("shutting down...")
	mgr.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("sshweaver shutdown complete")
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	logLevel := parseLogLevel(level)

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}

	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
