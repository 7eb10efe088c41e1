package weft_test

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/weft"
	"github.com/aretw0/weft/pkg/adapters/memory"
	"github.com/aretw0/weft/pkg/channel"
	"github.com/aretw0/weft/pkg/config"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/graph"
	"github.com/aretw0/weft/pkg/node"
	"github.com/aretw0/weft/pkg/observability"
	"github.com/aretw0/weft/pkg/retry"
	"github.com/aretw0/weft/pkg/scheduler/global"
	"github.com/aretw0/weft/pkg/scheduler/local"
)

type inbox struct {
	prompts chan channel.Prompt
}

func (i *inbox) Key() channel.Key { return channel.MustParseKey("test:inbox") }
func (i *inbox) Capabilities() channel.Capabilities {
	return channel.Capabilities{channel.CapOutput, channel.CapInput}
}
func (i *inbox) Send(context.Context, channel.Message) error { return nil }
func (i *inbox) Ask(_ context.Context, p channel.Prompt) error {
	i.prompts <- p
	return nil
}

func (i *inbox) next(t *testing.T) channel.Prompt {
	t.Helper()
	select {
	case p := <-i.prompts:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no prompt delivered")
		return channel.Prompt{}
	}
}

func newEngine(t *testing.T, opts ...weft.Option) (*weft.Engine, *inbox) {
	t.Helper()
	box := &inbox{prompts: make(chan channel.Prompt, 8)}
	base := []weft.Option{
		weft.WithChannelOptions(
			channel.WithDefault("test:inbox"),
			channel.WithFactory("test", func(channel.Key) (channel.Destination, error) { return box, nil }),
		),
		weft.WithGlobalOptions(global.WithRetry(retry.Never{})),
	}
	eng := weft.New(append(base, opts...)...)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Close() })
	return eng, box
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func reviewGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddNode(&node.Node{
		ID:      "draft",
		Outputs: []string{"text"},
		Run: func(ctx context.Context, in node.Inputs, env node.Env) (any, error) {
			return "draft of " + in["topic"].(string), nil
		},
	}, map[string]graph.Source{"topic": graph.Input("topic")}))
	require.NoError(t, g.AddNode(&node.Node{
		ID:      "approve",
		Outputs: []string{"approved"},
		Wait: &node.TwoStage{
			Request: func(ctx context.Context, in node.Inputs, env node.Env) (node.WaitSpec, error) {
				return node.WaitSpec{Kind: domain.ResumeApproval, Prompt: "publish " + in["text"].(string) + "?"}, nil
			},
			Resume: func(ctx context.Context, in node.Inputs, reply node.Reply, env node.Env) (any, error) {
				return reply.Payload == "yes", nil
			},
		},
	}, map[string]graph.Source{"text": graph.From("draft", "text")}))
	return g
}

func TestEngine_GlobalRoundTrip(t *testing.T) {
	ctx := ctxT(t)
	eng, box := newEngine(t)

	runID, err := eng.Submit(ctx, reviewGraph(t), map[string]any{"topic": "weft"})
	require.NoError(t, err)

	p := box.next(t)
	assert.Equal(t, "publish draft of weft?", p.Text)
	assert.Equal(t, runID, p.RunID)

	waiting, err := eng.Waiting(ctx, runID)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "approve", waiting[0].NodeID)

	ok, err := eng.Resume(ctx, p.CorrelatorID, "yes")
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := eng.Await(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, node.Outputs{"approved": true}, res.Outputs["approve"])

	ok, err = eng.Resume(ctx, p.CorrelatorID, "yes")
	require.NoError(t, err)
	assert.False(t, ok, "a correlator id resumes at most once")
}

func TestEngine_LocalResumeRouting(t *testing.T) {
	ctx := ctxT(t)
	eng, box := newEngine(t)

	type result struct {
		reply node.Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		_, err := eng.Run(ctx, func(ctx context.Context, sc *local.Scope) error {
			r.reply, r.err = sc.Ask(ctx, "", channel.AskRequest{Prompt: "name?"})
			return r.err
		})
		if r.err == nil {
			r.err = err
		}
		done <- r
	}()

	p := box.next(t)
	ok, err := eng.Resume(ctx, p.CorrelatorID, "ada")
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "ada", r.reply.Payload)
	case <-ctx.Done():
		t.Fatal("local run did not finish")
	}
}

func TestEngine_UnknownCorrelator(t *testing.T) {
	eng, _ := newEngine(t)
	ok, err := eng.Resume(ctxT(t), "nope", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_OrphanedContinuation(t *testing.T) {
	ctx := ctxT(t)
	store := memory.NewStore()
	require.NoError(t, store.Put(ctx, &domain.Continuation{CorrelatorID: "c-1", RunID: "ghost", NodeID: "n"}))

	idle := weft.New(weft.WithStore(store))
	ok, err := idle.Resume(ctx, "c-1", "yes")
	require.NoError(t, err)
	assert.False(t, ok, "an engine that was never started owns no runs")

	eng, _ := newEngine(t, weft.WithStore(store))
	ok, err = eng.Resume(ctx, "c-1", "yes")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "c-1")
	assert.NoError(t, err, "the continuation is left for whoever owns the run")
}

func TestEngine_CancelClearsWaits(t *testing.T) {
	ctx := ctxT(t)
	eng, box := newEngine(t)

	runID, err := eng.Submit(ctx, reviewGraph(t), map[string]any{"topic": "x"})
	require.NoError(t, err)
	box.next(t)

	require.NoError(t, eng.Cancel(ctx, runID))
	_, err = eng.Await(ctx, runID)
	assert.ErrorIs(t, err, domain.ErrCancelled)

	waiting, err := eng.Waiting(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	rec, err := eng.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, rec.Status)
}

func TestEngine_Metrics(t *testing.T) {
	ctx := ctxT(t)
	m := observability.NewMetrics("weft")
	eng, box := newEngine(t, weft.WithMetrics(m))
	assert.Same(t, m, eng.Metrics())

	runID, err := eng.Submit(ctx, reviewGraph(t), map[string]any{"topic": "x"})
	require.NoError(t, err)
	p := box.next(t)
	_, err = eng.Resume(ctx, p.CorrelatorID, "no")
	require.NoError(t, err)
	_, err = eng.Await(ctx, runID)
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(m.Registry(), "weft_runs_submitted_total", "weft_nodes_resumed_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpenStore(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	mr := miniredis.RunT(t)

	tests := []struct {
		name string
		cfg  config.StoreConfig
	}{
		{"memory", config.StoreConfig{Backend: config.BackendMemory}},
		{"file", config.StoreConfig{Backend: config.BackendFile, Path: t.TempDir()}},
		{"redis", config.StoreConfig{Backend: config.BackendRedis, Redis: config.RedisConfig{Addr: mr.Addr(), Prefix: "t:"}}},
		{"encrypted file", config.StoreConfig{Backend: config.BackendFile, Path: t.TempDir(), EncryptionKey: key}},
		{"file with distributed lock", config.StoreConfig{Backend: config.BackendFile, Path: t.TempDir(), DistributedLock: true, Redis: config.RedisConfig{Addr: mr.Addr()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ctxT(t)
			store, runs, closer, err := weft.OpenStore(tt.cfg, nil)
			require.NoError(t, err)
			if closer != nil {
				t.Cleanup(func() { _ = closer() })
			}

			c := &domain.Continuation{CorrelatorID: "c1", RunID: "r1", NodeID: "n", Prompt: "secret", CreatedAt: time.Now()}
			require.NoError(t, store.Put(ctx, c))
			got, err := store.Take(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "secret", got.Prompt)

			require.NoError(t, runs.Save(ctx, &domain.RunRecord{RunID: "r1", Status: domain.RunActive}))
			rec, err := runs.Load(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, domain.RunActive, rec.Status)
		})
	}

	_, _, _, err := weft.OpenStore(config.StoreConfig{Backend: "etcd"}, nil)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestOpenStore_EncryptsAtRest(t *testing.T) {
	ctx := ctxT(t)
	dir := t.TempDir()
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	store, _, _, err := weft.OpenStore(config.StoreConfig{Backend: config.BackendFile, Path: dir, EncryptionKey: key}, nil)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, &domain.Continuation{CorrelatorID: "c1", RunID: "r1", Prompt: "launch codes"}))
	raw, err := os.ReadFile(filepath.Join(dir, "continuations", "c1.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "launch codes")
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendFile
	cfg.Store.Path = t.TempDir()
	cfg.Scheduler.Caps = map[string]int{"gpu": 1}

	eng, err := weft.FromConfig(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Close()

	ctx := ctxT(t)
	g := graph.New()
	require.NoError(t, g.AddNode(&node.Node{
		ID:      "one",
		Outputs: []string{"n"},
		Run:     func(context.Context, node.Inputs, node.Env) (any, error) { return 1, nil },
	}, nil))
	runID, err := eng.Submit(ctx, g, nil, global.WithGlobalCapKey("gpu"))
	require.NoError(t, err)
	res, err := eng.Await(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, node.Outputs{"n": 1}, res.Outputs["one"])

	_, err = os.Stat(filepath.Join(cfg.Store.Path, "runs"))
	assert.NoError(t, err, "run snapshots are written to the file backend")
}
