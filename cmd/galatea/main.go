// Command galatea is the console client for Galatea character conversations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lichenr3/Galatea/internal/app"
	"github.com/lichenr3/Galatea/internal/config"
	"github.com/lichenr3/Galatea/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "galatea.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnvFile(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "galatea: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "galatea: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Client.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("galatea starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Client.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "galatea",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLevelVar(level),
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithConsole(os.Stdin, os.Stdout),
	}
	if _, err := os.Stat(*configPath); err == nil {
		opts = append(opts, app.WithConfigPath(*configPath))
	} else if !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config file not watched", "path", *configPath, "err", err)
	}

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Galatea: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Language        : %-19s ║\n", cfg.Client.Language)
	fmt.Printf("║  Audio           : %-19s ║\n", onOff(cfg.Client.EnableAudio, string(cfg.Audio.Player)))
	fmt.Printf("║  Avatar launch   : %-19s ║\n", onOff(cfg.Avatar.AutoLaunch, "auto"))
	fmt.Printf("║  Journal         : %-19s ║\n", onOff(cfg.Journal.Path != "", "sqlite"))
	if cfg.Diagnostics.ListenAddr != "" {
		fmt.Printf("║  Diagnostics     : %-19s ║\n", cfg.Diagnostics.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Printf("Server: %s\n", cfg.Server.WSURL)
}

func onOff(on bool, detail string) string {
	if !on {
		return "(disabled)"
	}
	return detail
}
