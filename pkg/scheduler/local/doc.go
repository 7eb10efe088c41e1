/*
Package local is the reactive scheduler: ordinary Go code issues node calls
through an explicit Scope, and the calls are recorded as a graph while they
run.

	rec, err := local.New(local.WithConcurrency(2)).Run(ctx, func(ctx context.Context, sc *local.Scope) error {
		load := sc.Call(ctx, loadNode, map[string]any{"path": "data.csv"})
		a := sc.Call(ctx, cleanNode, map[string]any{"rows": load.Out("rows")})
		b := sc.Call(ctx, cleanNode, map[string]any{"rows": load.Out("rows")})
		merged := sc.Call(ctx, mergeNode, map[string]any{"a": a.Out("rows"), "b": b.Out("rows")})
		_, err := merged.Wait(ctx)
		return err
	})

Only node bodies count against the concurrency cap. A node or ask that waits
for an external reply blocks its goroutine in place (nothing is parked
durably) and gives its slot back while blocked; replies are delivered with
Scheduler.Resume. A failure is returned to whoever waits on the call.
*/
package local
