/*
Package weft is a task-graph execution engine. Nodes with declared named
inputs and outputs are wired into a graph and executed by one of two
schedulers that share one continuation store:

  - The local scheduler runs plain Go code that issues node calls. Calls are
    recorded as a graph as they happen, and waits block in place.
  - The global scheduler takes whole graphs and multiplexes many runs on one
    event loop. A waiting node is parked in the continuation store and holds
    no goroutine until its reply arrives, so runs survive restarts.

Either way a reply comes back through Engine.Resume with the correlator id
the prompt carried. Each correlator id resumes at most once.

# Usage

	eng := weft.New(weft.WithChannelOptions(channel.WithDefault("console:stdout")))
	if err := eng.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer eng.Close()

	g := graph.New()
	_ = g.AddNode(fetch, map[string]graph.Source{"url": graph.Input("url")})
	_ = g.AddNode(approve, map[string]graph.Source{"doc": graph.From("fetch", "doc")})

	runID, err := eng.Submit(ctx, g, map[string]any{"url": "https://example.com"})
	if err != nil {
		log.Fatal(err)
	}
	result, err := eng.Await(ctx, runID)

FromConfig builds the same engine from a weft.yaml file loaded with
config.Load, including the store backend (memory, file or redis) and at-rest
encryption of continuation inputs.
*/
package weft
