package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetGraph = `
name: greet
nodes:
  - id: hello
    command: sh
    args: ["-c", "printf '{\"msg\": \"hi %s\"}' \"$WEFT_IN_WHO\""]
    inputs: [who]
    outputs: [msg]
    bind: {who: $who}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	err := cmd.Execute()
	return out.String(), err
}

func writeGraph(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("graph commands use sh")
	}
	path := filepath.Join(t.TempDir(), "greet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(greetGraph), 0o644))
	return path
}

func TestValidate(t *testing.T) {
	out, err := execute(t, "validate", writeGraph(t), "--inline")
	require.NoError(t, err)
	assert.Equal(t, "greet: 1 nodes, order [hello]\n", out)
}

func TestValidate_RejectsUnregisteredCommand(t *testing.T) {
	_, err := execute(t, "validate", writeGraph(t))
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	out, err := execute(t, "run", writeGraph(t), "--inline", "-i", "who=bob")
	require.NoError(t, err)

	var outputs map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &outputs))
	assert.Equal(t, map[string]map[string]any{"hello": {"msg": "hi bob"}}, outputs)
}

func TestRun_MissingInput(t *testing.T) {
	_, err := execute(t, "run", writeGraph(t), "--inline")
	assert.Error(t, err)
}

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs([]string{"n=3", "s=text", "ok=true", "list=[1,2]"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(3), "s": "text", "ok": true, "list": []any{float64(1), float64(2)}}, inputs)

	_, err = parseInputs([]string{"novalue"})
	assert.Error(t, err)
}

func TestContinuationsList_RequiresSelector(t *testing.T) {
	_, err := execute(t, "continuations", "list")
	assert.ErrorContains(t, err, "--run or --expired")
}

func TestContinuationsList_Empty(t *testing.T) {
	out, err := execute(t, "continuations", "list", "--run", "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestContinuationsResume(t *testing.T) {
	var got map[string]any
	resumed := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/continuations/c-1/resume", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]bool{"resumed": resumed})
	}))
	defer srv.Close()

	out, err := execute(t, "continuations", "resume", "c-1", `{"approved": true}`, "--server", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "resumed c-1\n", out)
	assert.Equal(t, map[string]any{"payload": map[string]any{"approved": true}}, got)

	resumed = false
	_, err = execute(t, "continuations", "resume", "c-1", "yes", "--server", srv.URL)
	assert.ErrorContains(t, err, "already resumed")
	assert.Equal(t, map[string]any{"payload": "yes"}, got)
}

func TestGraph(t *testing.T) {
	out, err := execute(t, "graph", writeGraph(t), "--inline")
	require.NoError(t, err)
	assert.Equal(t, "graph TD\n    hello((\"hello\"))\n", out)
}
