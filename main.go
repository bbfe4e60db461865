// pulse ingests a live crypto price-ticker stream and serves momentum and
// session-return analytics over a small HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/marketpulse/pulse/app"
)

var (
	// version is injected during the build.
	version = "v0.0.0"

	// buildString is injected with build time and git info.
	buildString = "dev build"
)

func initLogger() *slog.Logger {
	// Default to INFO level, overridden by LOG_LEVEL env var.
	var level slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("pulse %s\n", version)
		fmt.Printf("Build: %s\n", buildString)
		os.Exit(0)
	}

	// Local development convenience; absent .env is not an error.
	_ = godotenv.Load()

	logger := initLogger()

	cfg, err := app.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	application := app.New(cfg, logger)
	application.SetVersion(version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting pulse...", "version", version, "build", buildString)
	if err := application.Run(ctx); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}
