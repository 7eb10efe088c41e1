package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aretw0/weft"
	"github.com/aretw0/weft/pkg/adapters/mcp"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the Model Context Protocol (MCP) server",
		Long: `Exposes resume, cancel_run, run_status and list_waiting as MCP tools, so an
agent can answer the prompts of waiting runs.

Supported transports:
- stdio (default): standard input/output. Logs go to stderr.
- sse: server-sent events over HTTP.`,
		RunE: serveMCP,
	}
	cmd.Flags().StringArray("graph", nil, "Graph file to register (repeatable)")
	cmd.Flags().String("transport", "stdio", "Transport protocol: stdio or sse")
	cmd.Flags().String("addr", ":8081", "Listen address (sse only)")
	cmd.Flags().String("base-url", "http://localhost:8081", "Public base URL (sse only)")
	return cmd
}

func serveMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	paths, _ := cmd.Flags().GetStringArray("graph")
	graphOpts, _, err := loadGraphs(cmd, paths)
	if err != nil {
		return err
	}
	transport, _ := cmd.Flags().GetString("transport")
	if transport != "stdio" && transport != "sse" {
		return fmt.Errorf("unknown transport %q, supported: stdio, sse", transport)
	}

	eng, err := weft.FromConfig(cfg, graphOpts...)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close()

	srv := mcp.NewServer(eng, weft.Version, mcp.WithLogger(eng.Logger()))
	if transport == "stdio" {
		eng.Logger().Info("Starting MCP server (stdio)")
		return srv.ServeStdio()
	}

	addr, _ := cmd.Flags().GetString("addr")
	baseURL, _ := cmd.Flags().GetString("base-url")
	if err := srv.ServeSSE(ctx, addr, baseURL); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	eng.Logger().Info("MCP server stopped")
	return nil
}
