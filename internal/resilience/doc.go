// Package resilience wraps fallible operations with retry, timeout, circuit
// breaking, bulkhead admission, and optional hedging.
//
// A Core is constructed once and injected wherever unreliable calls are made:
//
//	core := resilience.New(resilience.Options{Logger: slog.Default()})
//	p, _ := resilience.Preset("database")
//	err := core.Execute(ctx, "store.claim", p, func(ctx context.Context) error {
//		return st.ClaimDueJob(ctx, workerID)
//	})
//
// Typed results go through the generic helpers:
//
//	out, err := resilience.Do(ctx, core, "agent.run", policy, runAgent)
//
// Circuit breakers are keyed by operation name and bulkheads by resource
// class; both live inside the Core and are safe for concurrent use. Timeout
// failures and permanent errors terminate the attempt loop immediately;
// transient errors retry with capped exponential backoff and jitter.
package resilience
