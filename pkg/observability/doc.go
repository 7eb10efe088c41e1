/*
Package observability turns scheduler lifecycle hooks into Prometheus metrics
and OpenTelemetry spans.

Both Metrics and Tracer expose domain.LifecycleHooks; combine them with
domain.MergeHooks and pass the result to a scheduler:

	m := observability.NewMetrics("weft")
	tr := observability.NewTracer(nil)
	hooks := domain.MergeHooks(m.Hooks(), tr.Hooks())
*/
package observability
