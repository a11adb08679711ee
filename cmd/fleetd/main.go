// fleetd is the multi-agent fleet observability and orchestration daemon.
// Serves the WebSocket event stream and stats API, routes agent invocations
// to model tiers, and executes Scout-Plan-Build workflows.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/runtime"
	"github.com/agentfleet/fleetd/pkg/version"
)

const shutdownTimeout = 10 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("FLEETD_CONFIG", "./fleetd.yaml"),
		"Path to the fleetd configuration file")
	envPath := flag.String("env",
		getEnv("FLEETD_ENV_FILE", ".env"),
		"Path to an optional .env file")
	logLevel := flag.String("log-level",
		getEnv("FLEETD_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error")
	flag.Parse()

	setupLogging(*logLevel)

	if err := godotenv.Load(*envPath); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	slog.Info("Starting fleetd",
		"version", version.Full(),
		"config", *configPath)

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	components, err := runtime.InitializeGlobal(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := components.Server.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("fleetd started",
		"addr", cfg.Streaming.Host,
		"port", cfg.Streaming.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	runtime.ShutdownGlobal(shutdownCtx)

	slog.Info("Shutdown complete")
}

// setupLogging installs the process-wide slog handler.
func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
