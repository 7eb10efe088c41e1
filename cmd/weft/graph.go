package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/weft"
	presentation "github.com/aretw0/weft/internal/presentation/graph"
	"github.com/aretw0/weft/pkg/domain"
)

func newGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph GRAPH",
		Short: "Print a graph as a Mermaid flowchart",
		Long:  `With --run, nodes are coloured by the state recorded for that run in the configured store.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, graphs, err := loadGraphs(cmd, args)
			if err != nil {
				return err
			}
			var rec *domain.RunRecord
			if runID, _ := cmd.Flags().GetString("run"); runID != "" {
				if rec, err = loadRun(cmd, runID); err != nil {
					return err
				}
			}
			for _, g := range graphs {
				fmt.Fprint(cmd.OutOrStdout(), presentation.GenerateMermaid(g, rec))
			}
			return nil
		},
	}
	cmd.Flags().String("run", "", "Overlay the state of this run")
	return cmd
}

func loadRun(cmd *cobra.Command, runID string) (*domain.RunRecord, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	_, runs, closer, err := weft.OpenStore(cfg.Store, nil)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		defer closer()
	}
	return runs.Load(cmd.Context(), runID)
}
