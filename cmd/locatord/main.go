package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bbq191/find-my-android-sub002/internal/app"
	"github.com/bbq191/find-my-android-sub002/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("LOCSHARE_CONFIG_FILE"), "YAML config file, LOCSHARE_* variables still override it")
	level := flag.String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	checkOnly := flag.Bool("check", false, "Validate the configuration, print a summary and exit")
	flag.Parse()

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	if *level != "" {
		cfg.LogLevel = *level
	}

	if *checkOnly {
		fmt.Printf("device=%s transport=%s storage=%s http=:%d prefix=%s\n",
			cfg.DeviceID, cfg.Transport.Kind, cfg.Storage.Backend, cfg.HTTP.Port, cfg.TopicPrefix)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("starting locator agent",
		"device", cfg.DeviceID,
		"transport", cfg.Transport.Kind,
		"storage", cfg.Storage.Backend,
		"http_port", cfg.HTTP.Port,
		"embedded_broker", cfg.Transport.EmbeddedBroker,
		"config_file", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.New(cfg, logger.With("device", cfg.DeviceID)).Run(ctx); err != nil {
		logger.Error("locator agent terminated", "error", err)
		os.Exit(1)
	}
	logger.Info("locator agent stopped cleanly")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
