package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/agoradev/agora/internal/config"
	"github.com/agoradev/agora/internal/events"
	"github.com/agoradev/agora/internal/identity"
	"github.com/agoradev/agora/internal/presence"
	"github.com/agoradev/agora/internal/service"
	"github.com/agoradev/agora/internal/typing"
	"github.com/benbjohnson/clock"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

func main() {
	var configFile string
	var genConfigFile string

	fs := flag.NewFlagSet("agorad", flag.ContinueOnError)
	fs.StringVar(&configFile, "config", "agora.yaml", "Path to the configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a starter configuration file to a given path.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if genConfigFile != "" {
		if err := writeStarterConfig(genConfigFile); err != nil {
			slog.Error("Failed to generate configuration", "error", err)
			os.Exit(1)
		}
		slog.Info("Successfully generated new configuration file", "path", genConfigFile)
		return
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configFile, "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Logging.Level),
	})).With("service", "agorad")

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, initiating shutdown...", "signal", sig)
		appCancel()
	}()

	clk := clock.New()
	store := events.NewStore(logger.WithGroup("events"), clk)
	presenceTracker := presence.NewTracker(
		store, logger.WithGroup("presence"), clk,
		cfg.Realtime.PresenceTimeout, cfg.Realtime.SweepInterval)
	typingTracker := typing.NewTracker(
		store, logger.WithGroup("typing"), clk, cfg.Realtime.TypingTimeout)
	resolver := identity.NewResolver(
		logger.WithGroup("identity"), cfg.Auth.JWTSecret, cfg.Auth.TokenCacheTTL)

	go presenceTracker.Run(appCtx)

	svc := service.New(appCtx, logger, cfg, clk, store, presenceTracker, typingTracker, resolver)
	svc.Run()

	logger.Info("Application exiting.")
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", level)
		return slog.LevelInfo
	}
}

func writeStarterConfig(path string) error {
	cfg, err := config.GenerateConfig()
	if err != nil {
		return err
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal generated config to YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for config file %s: %w", path, err)
		}
	}

	return os.WriteFile(path, yamlData, 0644)
}
