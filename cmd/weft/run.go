package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/weft"
	httpAdapter "github.com/aretw0/weft/pkg/adapters/http"
	"github.com/aretw0/weft/pkg/scheduler/global"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run GRAPH",
		Short: "Run a graph file to completion",
		Long: `Runs the graph once and prints the outputs of its sink nodes as JSON.
Waits are asked on the configured default channel; with --http, replies can
also arrive on POST /v1/continuations/{id}/resume.`,
		Args: cobra.ExactArgs(1),
		RunE: runGraph,
	}
	cmd.Flags().StringArrayP("input", "i", nil, "Run input as key=value (repeatable)")
	cmd.Flags().String("run-id", "", "Run id (default: random)")
	cmd.Flags().Duration("timeout", 0, "Cancel the run after this long")
	cmd.Flags().String("http", "", "Serve the resume API on this address while running")
	return cmd
}

func runGraph(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	graphOpts, graphs, err := loadGraphs(cmd, args)
	if err != nil {
		return err
	}
	var name string
	for n := range graphs {
		name = n
	}

	pairs, _ := cmd.Flags().GetStringArray("input")
	inputs, err := parseInputs(pairs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := weft.FromConfig(cfg, graphOpts...)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close()

	if addr, _ := cmd.Flags().GetString("http"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: httpAdapter.NewHandler(eng, httpAdapter.WithLogger(eng.Logger()))}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				eng.Logger().Error("Resume API failed", "err", err)
			}
		}()
		defer shutdown(srv)
	}

	var submitOpts []global.SubmitOption
	if id, _ := cmd.Flags().GetString("run-id"); id != "" {
		submitOpts = append(submitOpts, global.WithRunID(id))
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		submitOpts = append(submitOpts, global.WithDeadline(time.Now().Add(timeout)))
	}

	runID, err := eng.SubmitGraph(ctx, name, inputs, submitOpts...)
	if err != nil {
		return err
	}
	eng.Logger().Info("Run submitted", "run_id", runID, "graph", name)

	res, err := eng.Await(ctx, runID)
	if ctx.Err() != nil {
		if cerr := eng.Cancel(context.WithoutCancel(ctx), runID); cerr != nil {
			eng.Logger().Warn("Cancel failed", "run_id", runID, "err", cerr)
		}
		return fmt.Errorf("run %s interrupted", runID)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd, res.Outputs)
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
}
