package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aretw0/weft"
	"github.com/aretw0/weft/pkg/adapters/process"
	"github.com/aretw0/weft/pkg/config"
	"github.com/aretw0/weft/pkg/graph"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "weft",
		Short:         "weft runs task graphs of commands and human waits",
		Long:          `weft executes graphs of nodes with named inputs and outputs. Nodes may wait for replies from people or systems; waits are persisted and resumed by correlator id.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "weft.yaml", "Configuration file")
	root.PersistentFlags().String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("inline", false, "Allow graph nodes to run unregistered commands")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newGraphCmd(),
		newServeCmd(),
		newMCPCmd(),
		newContinuationsCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads --config and applies --log-level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadGraphs reads graph files; commands run relative to their file.
func loadGraphs(cmd *cobra.Command, paths []string) ([]weft.Option, map[string]*graph.Graph, error) {
	inline, _ := cmd.Flags().GetBool("inline")
	var opts []weft.Option
	graphs := make(map[string]*graph.Graph, len(paths))
	for _, path := range paths {
		g, name, err := process.LoadGraph(path,
			process.WithInlineExecution(inline),
			process.WithBaseDir(filepath.Dir(path)),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		if _, dup := graphs[name]; dup {
			return nil, nil, fmt.Errorf("graph %q is defined twice", name)
		}
		graphs[name] = g
		opts = append(opts, weft.WithGraph(name, g))
	}
	return opts, graphs, nil
}

// parseInputs turns key=value pairs into run inputs. Values that parse as
// JSON keep their type.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("input %q is not key=value", pair)
		}
		inputs[k] = parseValue(v)
	}
	return inputs, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
