package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProcessConfig is an allow-listed external command.
type ProcessConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
	Description string            `yaml:"description" json:"description"`
}

// GraphFile is the on-disk form of a process graph.
//
//	name: review
//	commands:
//	  - name: fetch
//	    command: ./fetch.sh
//	nodes:
//	  - id: fetch
//	    run: fetch
//	    outputs: [doc]
//	    bind: {url: $url}
//	  - id: approve
//	    ask: {prompt: "publish ${doc}?", kind: approval, timeout: 1h}
//	    outputs: [approved]
//	    bind: {doc: fetch.doc}
type GraphFile struct {
	Name     string           `yaml:"name" json:"name"`
	Commands []ProcessConfig  `yaml:"commands" json:"commands"`
	Nodes    []map[string]any `yaml:"nodes" json:"nodes"`
}

// ReadGraphFile reads a graph file. Files ending in .json are JSON,
// everything else is YAML.
func ReadGraphFile(path string) (*GraphFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	var f GraphFile
	if err := unmarshal(path, data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return &f, nil
}

// LoadCommands reads a file with a top-level commands list and returns the
// commands by name. A missing file means no commands.
func LoadCommands(path string) (map[string]ProcessConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ProcessConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read commands config: %w", err)
	}
	var f GraphFile
	if err := unmarshal(path, data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return commandMap(f.Commands), nil
}

func commandMap(cmds []ProcessConfig) map[string]ProcessConfig {
	out := make(map[string]ProcessConfig, len(cmds))
	for _, c := range cmds {
		if c.Name == "" {
			continue
		}
		out[c.Name] = c
	}
	return out
}

func unmarshal(path string, data []byte, v any) error {
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return json.Unmarshal(data, v)
	}
	return yaml.Unmarshal(data, v)
}
