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
	httpAdapter "github.com/aretw0/weft/pkg/adapters/http"
	"github.com/aretw0/weft/pkg/observability"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Starts the engine as a long-running service. Graphs given with --graph can
be submitted over HTTP; their runs are recovered from the store on restart.
Prometheus metrics are served on /metrics.`,
		RunE: serve,
	}
	cmd.Flags().StringArray("graph", nil, "Graph file to register (repeatable)")
	cmd.Flags().String("addr", "", "Listen address (default: http.addr from the config)")
	return cmd
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	paths, _ := cmd.Flags().GetStringArray("graph")
	graphOpts, _, err := loadGraphs(cmd, paths)
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.HTTP.Addr
	}

	metrics := observability.NewMetrics("weft")
	streams := httpAdapter.NewStreamManager()
	eng, err := weft.FromConfig(cfg, append(graphOpts,
		weft.WithMetrics(metrics),
		weft.WithLifecycleHooks(streams.Hooks()),
	)...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close()

	srv := &http.Server{
		Addr: addr,
		Handler: httpAdapter.NewHandler(eng,
			httpAdapter.WithLogger(eng.Logger()),
			httpAdapter.WithMetrics(metrics.Handler()),
			httpAdapter.WithStreams(streams),
		),
	}
	serverErrors := make(chan error, 1)
	go func() {
		eng.Logger().Info("HTTP server listening", "address", addr, "graphs", eng.Graphs())
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		eng.Logger().Info("Shutting down")
		shutdown(srv)
		return nil
	}
}
