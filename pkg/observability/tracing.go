package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/weft/pkg/domain"
)

const instrumentation = "github.com/aretw0/weft"

type spanKey struct {
	runID  string
	nodeID string
}

// Tracer opens one span per run and one child span per node execution
// segment. A node that parks ends its span; the resumed Stage B gets a new
// one linked to the same run.
type Tracer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	runs  map[string]trace.Span
	nodes map[spanKey]trace.Span
}

// NewTracer creates a Tracer on tp, or on the global provider when tp is nil.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{
		tracer: tp.Tracer(instrumentation),
		runs:   make(map[string]trace.Span),
		nodes:  make(map[spanKey]trace.Span),
	}
}

// Hooks returns the lifecycle callbacks that open and close spans.
func (t *Tracer) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnRunSubmit: func(ctx context.Context, e *domain.RunEvent) {
			_, span := t.tracer.Start(ctx, "weft.run",
				trace.WithTimestamp(e.Timestamp),
				trace.WithAttributes(attribute.String("weft.run_id", e.RunID), attribute.Int("weft.nodes", e.Nodes)))
			t.mu.Lock()
			t.runs[e.RunID] = span
			t.mu.Unlock()
		},
		OnRunFinish: func(_ context.Context, e *domain.RunEvent) {
			t.mu.Lock()
			span, ok := t.runs[e.RunID]
			delete(t.runs, e.RunID)
			for key, open := range t.nodes {
				if key.runID == e.RunID {
					open.End(trace.WithTimestamp(e.Timestamp))
					delete(t.nodes, key)
				}
			}
			t.mu.Unlock()
			if !ok {
				return
			}
			span.SetAttributes(attribute.String("weft.status", string(e.Status)))
			if e.Status != domain.RunSucceeded {
				span.SetStatus(codes.Error, string(e.Status))
			}
			span.End(trace.WithTimestamp(e.Timestamp))
		},
		OnNodeStart:  t.startNode("weft.node"),
		OnNodeResume: t.startNode("weft.node.resume"),
		OnNodeWait: func(_ context.Context, e *domain.NodeEvent) {
			t.endNode(e, func(span trace.Span) {
				span.AddEvent("waiting", trace.WithAttributes(attribute.String("weft.correlator_id", e.CorrelatorID)))
			})
		},
		OnNodeRetry: func(_ context.Context, e *domain.NodeEvent) {
			t.endNode(e, func(span trace.Span) {
				span.AddEvent("retry scheduled", trace.WithAttributes(attribute.String("weft.delay", e.Duration.String())))
				if e.Err != nil {
					span.RecordError(e.Err)
					span.SetStatus(codes.Error, e.Err.Error())
				}
			})
		},
		OnNodeFinish: func(_ context.Context, e *domain.NodeEvent) {
			t.endNode(e, func(span trace.Span) {
				if e.Err != nil {
					span.RecordError(e.Err)
					span.SetStatus(codes.Error, e.Err.Error())
				}
			})
		},
	}
}

func (t *Tracer) startNode(name string) func(context.Context, *domain.NodeEvent) {
	return func(ctx context.Context, e *domain.NodeEvent) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if parent, ok := t.runs[e.RunID]; ok {
			ctx = trace.ContextWithSpan(ctx, parent)
		}
		_, span := t.tracer.Start(ctx, name,
			trace.WithTimestamp(e.Timestamp),
			trace.WithAttributes(
				attribute.String("weft.run_id", e.RunID),
				attribute.String("weft.node_id", e.NodeID),
				attribute.Int("weft.attempt", e.Attempt),
			))
		t.nodes[spanKey{e.RunID, e.NodeID}] = span
	}
}

func (t *Tracer) endNode(e *domain.NodeEvent, annotate func(trace.Span)) {
	key := spanKey{e.RunID, e.NodeID}
	t.mu.Lock()
	span, ok := t.nodes[key]
	delete(t.nodes, key)
	t.mu.Unlock()
	if !ok {
		return
	}
	annotate(span)
	span.End(trace.WithTimestamp(e.Timestamp))
}
