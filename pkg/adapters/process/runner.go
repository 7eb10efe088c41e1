package process

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/aretw0/weft/pkg/node"
)

// EnvPrefix prefixes the environment variables carrying node inputs.
const EnvPrefix = "WEFT_IN_"

// Runner builds node bodies that execute local processes. Commands must be
// registered (allow-listed) unless inline execution is enabled.
type Runner struct {
	registry    map[string]RegisteredProcess
	allowInline bool
	baseDir     string
}

// RegisteredProcess is an allowed command execution.
type RegisteredProcess struct {
	Command string
	Args    []string
	Env     map[string]string
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithRegistry populates the allow-list from loaded commands.
func WithRegistry(cmds map[string]ProcessConfig) RunnerOption {
	return func(r *Runner) {
		for name, c := range cmds {
			r.registry[name] = RegisteredProcess{Command: c.Command, Args: c.Args, Env: c.Environment}
		}
	}
}

// WithInlineExecution allows nodes to name a command directly instead of a
// registered one.
func WithInlineExecution(allow bool) RunnerOption {
	return func(r *Runner) {
		r.allowInline = allow
	}
}

// WithBaseDir sets the working directory for executed processes.
func WithBaseDir(dir string) RunnerOption {
	return func(r *Runner) {
		r.baseDir = dir
	}
}

// NewRunner creates a new process runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: make(map[string]RegisteredProcess),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a trusted command to the allow-list.
func (r *Runner) Register(name string, command string, args ...string) {
	r.registry[name] = RegisteredProcess{
		Command: command,
		Args:    args,
	}
}

// Func returns a node body running the registered command name.
func (r *Runner) Func(name string) (node.Func, error) {
	proc, ok := r.registry[name]
	if !ok {
		return nil, fmt.Errorf("process not registered: %s", name)
	}
	return r.body(proc), nil
}

// Inline returns a node body running an unregistered command.
func (r *Runner) Inline(proc RegisteredProcess) (node.Func, error) {
	if !r.allowInline {
		return nil, fmt.Errorf("inline execution is not enabled: %s", proc.Command)
	}
	return r.body(proc), nil
}

// body runs proc with the node inputs as WEFT_IN_<NAME> variables; inputs
// are never passed as flags. Stdout that parses as a JSON object or array is
// the result, any other stdout is returned as a trimmed string.
func (r *Runner) body(proc RegisteredProcess) node.Func {
	return func(ctx context.Context, in node.Inputs, env node.Env) (any, error) {
		cmd := exec.CommandContext(ctx, proc.Command, proc.Args...)
		cmd.Dir = r.baseDir
		cmd.Env = append(cmd.Environ(), environ(proc.Env, in, env)...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("execution failed: %w. Stderr: %s", err, strings.TrimSpace(stderr.String()))
		}

		trimmed := strings.TrimSpace(stdout.String())
		if (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
			(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")) {
			var result any
			if err := json.Unmarshal([]byte(trimmed), &result); err == nil {
				return result, nil
			}
		}
		return trimmed, nil
	}
}

func environ(static map[string]string, in node.Inputs, env node.Env) []string {
	out := make([]string, 0, len(static)+len(in)+3)
	for k, v := range static {
		out = append(out, k+"="+v)
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, EnvPrefix+strings.ToUpper(k)+"="+stringify(in[k]))
	}
	return append(out,
		"WEFT_RUN_ID="+env.RunID,
		"WEFT_NODE_ID="+env.NodeID,
		"WEFT_ATTEMPT="+strconv.Itoa(env.Attempt),
	)
}

// stringify renders primitives with %v and everything else as JSON.
func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case int, int64, float64, bool:
		return fmt.Sprintf("%v", v)
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}
