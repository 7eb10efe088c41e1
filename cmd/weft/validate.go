package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate GRAPH...",
		Short: "Check graph files for dangling references and cycles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, graphs, err := loadGraphs(cmd, args)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(graphs))
			for name := range graphs {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				g := graphs[name]
				order, err := g.TopologicalOrder()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d nodes, order %v\n", name, g.Len(), order)
			}
			return nil
		},
	}
}
