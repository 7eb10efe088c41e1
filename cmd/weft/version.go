package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/weft"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of weft",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "weft version %s\n", weft.Version)
		},
	}
}
