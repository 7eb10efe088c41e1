package observability

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aretw0/weft/pkg/domain"
)

// Metrics records run and node lifecycle events on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	runsSubmitted prometheus.Counter
	runsFinished  *prometheus.CounterVec
	nodesStarted  prometheus.Counter
	nodesFinished *prometheus.CounterVec
	nodeDuration  prometheus.Histogram
	nodesWaiting  prometheus.Gauge
	nodesResumed  prometheus.Counter
	nodeRetries   prometheus.Counter

	mu      sync.Mutex
	waiting map[string]struct{}
}

// NewMetrics creates the collectors under namespace and registers them on a
// fresh registry.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		waiting:  make(map[string]struct{}),
		runsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_submitted_total",
			Help:      "Total number of submitted runs.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of finished runs by status.",
		}, []string{"status"}),
		nodesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_started_total",
			Help:      "Total number of node executions started.",
		}),
		nodesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_finished_total",
			Help:      "Total number of node executions finished by state.",
		}, []string{"state"}),
		nodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of node executions.",
			Buckets:   prometheus.DefBuckets,
		}),
		nodesWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_waiting",
			Help:      "Number of nodes parked on a continuation.",
		}),
		nodesResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_resumed_total",
			Help:      "Total number of waiting nodes resumed.",
		}),
		nodeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Total number of scheduled node retries.",
		}),
	}
	m.registry.MustRegister(
		m.runsSubmitted, m.runsFinished,
		m.nodesStarted, m.nodesFinished, m.nodeDuration,
		m.nodesWaiting, m.nodesResumed, m.nodeRetries,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Hooks returns the lifecycle callbacks feeding the collectors.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnRunSubmit: func(context.Context, *domain.RunEvent) {
			m.runsSubmitted.Inc()
		},
		OnRunFinish: func(_ context.Context, e *domain.RunEvent) {
			m.runsFinished.WithLabelValues(string(e.Status)).Inc()
		},
		OnNodeStart: func(context.Context, *domain.NodeEvent) {
			m.nodesStarted.Inc()
		},
		OnNodeFinish: func(_ context.Context, e *domain.NodeEvent) {
			m.setWaiting(e, false)
			m.nodesFinished.WithLabelValues(string(e.State)).Inc()
			if e.Duration > 0 {
				m.nodeDuration.Observe(e.Duration.Seconds())
			}
		},
		OnNodeWait: func(_ context.Context, e *domain.NodeEvent) {
			m.setWaiting(e, true)
		},
		OnNodeResume: func(_ context.Context, e *domain.NodeEvent) {
			m.setWaiting(e, false)
			m.nodesResumed.Inc()
		},
		OnNodeRetry: func(context.Context, *domain.NodeEvent) {
			m.nodeRetries.Inc()
		},
	}
}

// setWaiting tracks waiting nodes by identity, so a wait that ends in a
// failure instead of a resume is not counted forever.
func (m *Metrics) setWaiting(e *domain.NodeEvent, waiting bool) {
	key := e.RunID + "/" + e.NodeID
	m.mu.Lock()
	defer m.mu.Unlock()
	if waiting {
		m.waiting[key] = struct{}{}
	} else {
		delete(m.waiting, key)
	}
	m.nodesWaiting.Set(float64(len(m.waiting)))
}
