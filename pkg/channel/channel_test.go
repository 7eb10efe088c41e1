package channel_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/weft/pkg/adapters/memory"
	"github.com/aretw0/weft/pkg/channel"
	"github.com/aretw0/weft/pkg/domain"
)

func TestParseKey(t *testing.T) {
	k, err := channel.ParseKey("slack:team/T1:channel/C2:thread/99")
	require.NoError(t, err)
	assert.Equal(t, "slack", k.Scheme)
	assert.Equal(t, "team/T1:channel/C2:thread/99", k.Rest)
	assert.Equal(t, "slack:team/T1:channel/C2:thread/99", k.String())

	segs, err := k.Segments()
	require.NoError(t, err)
	assert.Equal(t, []channel.Segment{{"team", "T1"}, {"channel", "C2"}, {"thread", "99"}}, segs)

	k, err = channel.ParseKey("webhook:https://example.com/hook")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", k.Rest)

	for _, bad := range []string{"", "nocolon", ":rest", "a b:c"} {
		_, err := channel.ParseKey(bad)
		assert.ErrorIs(t, err, channel.ErrInvalidKey, bad)
	}
}

// recorder is a destination with a configurable capability set.
type recorder struct {
	key     channel.Key
	caps    channel.Capabilities
	mu      sync.Mutex
	sent    []string
	prompts []channel.Prompt
	onAsk   func(channel.Prompt) error
}

func (r *recorder) Key() channel.Key                   { return r.key }
func (r *recorder) Capabilities() channel.Capabilities { return r.caps }
func (r *recorder) Send(_ context.Context, m channel.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m.Text)
	return nil
}
func (r *recorder) Ask(_ context.Context, p channel.Prompt) error {
	r.mu.Lock()
	r.prompts = append(r.prompts, p)
	r.mu.Unlock()
	if r.onAsk != nil {
		return r.onAsk(p)
	}
	return nil
}

type outputOnly struct{ key channel.Key }

func (o outputOnly) Key() channel.Key                           { return o.key }
func (o outputOnly) Capabilities() channel.Capabilities         { return channel.Capabilities{channel.CapOutput} }
func (o outputOnly) Send(context.Context, channel.Message) error { return nil }

func newService(t *testing.T, opts ...channel.Option) (*channel.Service, map[string]*recorder) {
	t.Helper()
	recs := map[string]*recorder{}
	var mu sync.Mutex
	factory := func(k channel.Key) (channel.Destination, error) {
		mu.Lock()
		defer mu.Unlock()
		r := &recorder{key: k, caps: channel.Capabilities{channel.CapOutput, channel.CapInput}}
		recs[k.String()] = r
		return r, nil
	}
	opts = append([]channel.Option{
		channel.WithFactory("test", factory),
		channel.WithFactory("console", factory),
	}, opts...)
	return channel.NewService(memory.NewStore(), opts...), recs
}

func TestResolve_ScopeOrder(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	assert.Equal(t, channel.Fallback, svc.ResolveKey(ctx, ""))

	svc.SetDefault("test:process")
	assert.Equal(t, "test:process", svc.ResolveKey(ctx, ""))

	sctx := channel.WithSession(ctx, "test:session")
	assert.Equal(t, "test:session", svc.ResolveKey(sctx, ""))
	assert.Equal(t, "test:explicit", svc.ResolveKey(sctx, "test:explicit"))
}

func TestResolve_UnknownScheme(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Resolve(context.Background(), "pigeon:coop/1")
	assert.ErrorIs(t, err, channel.ErrInvalidKey)
}

func TestSend(t *testing.T) {
	svc, recs := newService(t)
	require.NoError(t, svc.Send(context.Background(), "test:a", channel.Message{Text: "hello"}))
	assert.Equal(t, []string{"hello"}, recs["test:a"].sent)
}

func TestUnsupportedCapability(t *testing.T) {
	svc, _ := newService(t)
	svc.Register("out", func(k channel.Key) (channel.Destination, error) { return outputOnly{key: k}, nil })
	ctx := context.Background()

	_, err := svc.Ask(ctx, channel.AskRequest{Destination: "out:x", Kind: domain.ResumeInput})
	var unsupported *domain.UnsupportedCapabilityError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "input", unsupported.Capability)
	assert.ErrorIs(t, err, domain.ErrUnsupportedCapability)

	// Other capabilities of the same destination still work.
	assert.NoError(t, svc.Send(ctx, "out:x", channel.Message{Text: "still fine"}))

	err = svc.SendFile(ctx, "out:x", "a.txt", strings.NewReader("x"))
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "file", unsupported.Capability)

	// recorder advertises input but not choice.
	_, err = svc.Ask(ctx, channel.AskRequest{Destination: "test:a", Kind: domain.ResumeChoice, Choices: []string{"a"}})
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "choice", unsupported.Capability)
}

func TestAsk_PersistsBeforeDelivery(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	svc, recs := newService(t,
		channel.WithClock(func() time.Time { return now }),
		channel.WithIDGenerator(func() string { return "corr-1" }),
		channel.WithDefaultTimeout(time.Minute),
	)
	ctx := context.Background()

	// Resolve first so the hook can be installed on the recorder.
	_, err := svc.Resolve(ctx, "test:a")
	require.NoError(t, err)
	var seenInStore bool
	recs["test:a"].onAsk = func(p channel.Prompt) error {
		_, err := svc.Store().Get(ctx, p.CorrelatorID)
		seenInStore = err == nil
		return nil
	}

	h, err := svc.Ask(ctx, channel.AskRequest{
		Destination: "test:a",
		RunID:       "r1",
		NodeID:      "approve",
		Kind:        domain.ResumeApproval,
		Prompt:      "ship?",
		Inputs:      json.RawMessage(`{"v":1}`),
	})
	require.NoError(t, err)
	assert.True(t, seenInStore)
	assert.Equal(t, "corr-1", h.CorrelatorID)
	assert.Equal(t, now.Add(time.Minute), h.Continuation.ExpiresAt)
	assert.Equal(t, "test:a", h.Continuation.DestinationKey)

	stored, err := svc.Store().Get(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "approve", stored.NodeID)
	assert.JSONEq(t, `{"v":1}`, string(stored.Inputs))
}

func TestAsk_FreshCorrelatorPerAsk(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	a, err := svc.Ask(ctx, channel.AskRequest{Destination: "test:a", Kind: domain.ResumeInput})
	require.NoError(t, err)
	b, err := svc.Ask(ctx, channel.AskRequest{Destination: "test:a", Kind: domain.ResumeInput})
	require.NoError(t, err)
	assert.NotEqual(t, a.CorrelatorID, b.CorrelatorID)
}

func TestAsk_DeliveryFailureRemovesContinuation(t *testing.T) {
	svc, recs := newService(t, channel.WithIDGenerator(func() string { return "corr-1" }))
	ctx := context.Background()
	_, err := svc.Resolve(ctx, "test:a")
	require.NoError(t, err)
	recs["test:a"].onAsk = func(channel.Prompt) error { return errors.New("unreachable") }

	_, err = svc.Ask(ctx, channel.AskRequest{Destination: "test:a", Kind: domain.ResumeInput})
	assert.ErrorContains(t, err, "unreachable")

	_, err = svc.Store().Get(ctx, "corr-1")
	assert.ErrorIs(t, err, domain.ErrContinuationNotFound)
}

type resumerFunc func(ctx context.Context, id string, payload any) (bool, error)

func (f resumerFunc) Resume(ctx context.Context, id string, payload any) (bool, error) {
	return f(ctx, id, payload)
}

func TestConsole_AnswersThroughResumer(t *testing.T) {
	var out bytes.Buffer
	svc := channel.NewService(memory.NewStore(),
		channel.WithFactory("console", channel.ConsoleFactory(strings.NewReader("2\n"), &out)),
		channel.WithIDGenerator(func() string { return "corr-1" }),
	)

	got := make(chan any, 1)
	_, err := svc.Ask(context.Background(), channel.AskRequest{
		Kind:    domain.ResumeChoice,
		Prompt:  "pick one",
		Choices: []string{"red", "blue"},
		Resumer: resumerFunc(func(_ context.Context, id string, payload any) (bool, error) {
			assert.Equal(t, "corr-1", id)
			got <- payload
			return true, nil
		}),
	})
	require.NoError(t, err)

	select {
	case payload := <-got:
		assert.Equal(t, "blue", payload)
	case <-time.After(time.Second):
		t.Fatal("console reply not delivered")
	}
	assert.Contains(t, out.String(), "[corr-1] pick one")
	assert.Contains(t, out.String(), "2) blue")
}

func TestConsole_Approval(t *testing.T) {
	var out bytes.Buffer
	factory := channel.ConsoleFactory(strings.NewReader("yes\n"), &out)
	d, err := factory(channel.MustParseKey("console:stdin"))
	require.NoError(t, err)

	got := make(chan any, 1)
	asker := d.(channel.Asker)
	require.NoError(t, asker.Ask(context.Background(), channel.Prompt{
		CorrelatorID: "c",
		Kind:         domain.ResumeApproval,
		Text:         "ok?",
		Reply: func(_ context.Context, payload any) (bool, error) {
			got <- payload
			return true, nil
		},
	}))
	assert.Equal(t, true, <-got)
}

func TestApproved(t *testing.T) {
	for _, v := range []any{true, "yes", " Y ", "OK", "approved"} {
		assert.True(t, channel.Approved(v), "%v", v)
	}
	for _, v := range []any{false, "no", "", "maybe", 1, nil} {
		assert.False(t, channel.Approved(v), "%v", v)
	}
}

func TestFileDestination(t *testing.T) {
	dir := t.TempDir()
	svc := channel.NewService(memory.NewStore(), channel.WithFactory("file", channel.FileFactory(dir)))
	ctx := context.Background()

	require.NoError(t, svc.Send(ctx, "file:logs/run.log", channel.Message{Text: "one"}))
	require.NoError(t, svc.Send(ctx, "file:logs/run.log", channel.Message{Text: "two"}))
	data, err := os.ReadFile(filepath.Join(dir, "logs", "run.log"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))

	require.NoError(t, svc.SendFile(ctx, "file:logs/run.log", "report.csv", strings.NewReader("a,b\n")))
	assert.FileExists(t, filepath.Join(dir, "logs", "report.csv"))

	_, err = svc.Resolve(ctx, "file:../escape")
	assert.ErrorIs(t, err, channel.ErrInvalidKey)

	var unsupported *domain.UnsupportedCapabilityError
	_, err = svc.Ask(ctx, channel.AskRequest{Destination: "file:logs/run.log", Kind: domain.ResumeInput})
	assert.ErrorAs(t, err, &unsupported)
}

func TestWebhookDestination(t *testing.T) {
	bodies := make(chan map[string]any, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		bodies <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	svc := channel.NewService(memory.NewStore(),
		channel.WithFactory("webhook", channel.WebhookFactory(srv.Client(), "http://engine:8080/")),
		channel.WithIDGenerator(func() string { return "corr-1" }),
	)
	ctx := context.Background()
	key := "webhook:" + srv.URL

	require.NoError(t, svc.Send(ctx, key, channel.Message{Text: "hi"}))
	assert.Equal(t, "hi", (<-bodies)["text"])

	_, err := svc.Ask(ctx, channel.AskRequest{Destination: key, Kind: domain.ResumeInput, Prompt: "name?"})
	require.NoError(t, err)
	body := <-bodies
	assert.Equal(t, "corr-1", body["correlator_id"])
	assert.Equal(t, "http://engine:8080/v1/continuations/corr-1/resume", body["reply_url"])
}

func TestWebhookDestination_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := channel.NewService(memory.NewStore(), channel.WithFactory("webhook", channel.WebhookFactory(nil, "")))
	err := svc.Send(context.Background(), "webhook:"+srv.URL, channel.Message{Text: "x"})
	assert.ErrorContains(t, err, "502")

	_, err = svc.Resolve(context.Background(), "webhook:not a url")
	assert.ErrorIs(t, err, channel.ErrInvalidKey)
}
