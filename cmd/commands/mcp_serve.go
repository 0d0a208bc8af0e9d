package commands

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/tmcfarlane/taskhub/internal/events"
	taskhubmcp "github.com/tmcfarlane/taskhub/internal/mcp"
	"github.com/tmcfarlane/taskhub/internal/tasks"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewMCPServeCommand returns the mcp-serve subcommand.
func NewMCPServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "mcp-serve",
		Usage:  "Expose task operations as an MCP server (stdio)",
		Action: runMCPServe,
	}
}

func runMCPServe(_ context.Context, cmd *cli.Command) error {
	// Setup logging to stderr (stdout is used for MCP stdio transport)
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	}

	cfg := loadConfig(cmd)

	ctx := context.Background()

	// Local bus so mutations made over MCP still flow through typed events
	bus := events.NewBus(64)
	defer bus.Close()

	store, err := newStore(cfg, nil)
	if err != nil {
		return err
	}
	if err := store.Initialize(); err != nil {
		return err
	}
	defer store.Close()

	registry := tasks.NewRegistry(tasks.RegistryConfig{Store: store, Bus: bus})

	server := taskhubmcp.NewMCPServer(registry)
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}
