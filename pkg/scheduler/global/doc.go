/*
Package global is the deferred scheduler: graphs built ahead of time are
submitted as runs and multiplexed on a single event loop.

The loop goroutine owns every run's state. It blocks until a submission, a
resume, a worker completion, a retry timer, a control call or the expiry
timer fires, drains whatever else is pending, and then dispatches ready nodes
to a fixed worker pool. Nothing polls.

Dispatch order within a run is resumed nodes first, then newly ready nodes in
graph insertion order. Runs with ready work are served in turn. A node is
only dispatched while both the run's cap and its global cap pool have room.

A two-stage node whose Stage A asks for input is parked durably: the
continuation, carrying the node's inputs as JSON, is written to the
ContinuationStore before the prompt is delivered, the node becomes waiting,
and it occupies neither a worker nor a cap slot. Resume takes the
continuation atomically; the matched node runs Stage B with the inputs
decoded from the continuation. Waits past their expiry fail with a
*domain.TimeoutError.

	s := global.New(store, global.WithRunStore(runs), global.WithGraph("review", g))
	if err := s.Start(ctx); err != nil { ... }
	defer s.Close()

	runID, err := s.Submit(ctx, g, map[string]any{"doc": "draft.md"},
		global.WithGraphName("review"), global.WithConcurrency(2))
	res, err := s.AwaitResult(ctx, runID)
*/
package global
