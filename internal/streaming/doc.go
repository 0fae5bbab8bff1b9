// Package streaming tracks the lifecycle of streaming queries. A Manager owns
// the query handles of one session, records the progress snapshots reported by
// an Engine, and fans lifecycle events out to registered listeners in a
// deterministic order per query.
//
// The Manager never executes data itself. An Engine initializes each run and
// reports back through the Callbacks interface, which the Manager implements:
//
//	mgr, _ := streaming.NewManager(engine, streaming.Config{ProgressRetention: 100})
//	h, err := mgr.Start(ctx, spec)
//	...
//	ok, err := h.AwaitTermination(ctx, 5*time.Second)
package streaming
