package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/tmcfarlane/taskhub/internal/config"
	"github.com/tmcfarlane/taskhub/internal/events"
	"github.com/tmcfarlane/taskhub/internal/gateway"
	"github.com/tmcfarlane/taskhub/internal/heartbeat"
	"github.com/tmcfarlane/taskhub/internal/tasks"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the taskhub gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

func runServe(_ context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)
	setupLogging(cmd, cfg)

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Event bus
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	// Task store — every durable write echoes onto the bus
	store, err := newStore(cfg, func(r *tasks.Record) {
		bus.Publish(events.NewTypedEvent(events.SourceStore, events.RecordSavedPayload{
			TaskID:    r.ID,
			Status:    string(r.Status),
			UpdatedAt: r.UpdatedAt,
		}))
	})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	if err := store.Initialize(); err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}

	registry := tasks.NewRegistry(tasks.RegistryConfig{Store: store, Bus: bus})

	// Gateway server
	server := gateway.NewServer(bus, registry, cfg.Gateway.Host, cfg.Gateway.Port)

	// Heartbeat file for external liveness checks
	hb := heartbeat.NewWriter(filepath.Join(config.TaskhubPath(), "heartbeat.json"))
	hb.SetSnapshot(func() heartbeat.Gauges {
		g := heartbeat.Gauges{
			Clients:      server.Hub().ClientCount(),
			WatchedTasks: server.Hub().Subscriptions().WatchedTasks(),
		}
		if stats, err := store.Stats(); err == nil {
			g.StoredTasks = stats.Total
		}
		return g
	})
	hb.Start()
	defer hb.Stop()

	// SIGHUP reloads config and .env
	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if err := reloader.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
		}
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Wait for signal or error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		// Tell connected clients before the hub drains.
		bus.Publish(events.NewTypedEvent(events.SourceHub, events.ServerNoticePayload{
			Notice: "server shutting down",
		}))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout.Duration())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
		return store.Close()
	case err := <-errCh:
		store.Close()
		return err
	}
}

// setupLogging configures the default slog handler from flags and config.
func setupLogging(cmd *cli.Command, cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Events.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
