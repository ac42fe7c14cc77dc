// Package runner provides the bounded-concurrency execution engine for pelt.
//
// The runner dispatches units of work to a fixed pool of workers with
// support for:
//   - Concurrency caps (at most Workers units in flight)
//   - Dispatch pacing (requests per second)
//   - Count-based and duration-based termination
//   - Multiple arrival models (uniform, Poisson)
//
// # Batch Runs
//
// [Runner.Run] executes n indexed units and blocks until all of them have
// finished. Unit errors are collected per index, never raised:
//
//	r := runner.New(runner.Options{Workers: 5})
//	res := r.Run(ctx, 50, func(ctx context.Context, i int) error {
//		return client.Register(ctx, ids.Next())
//	})
//	for _, u := range res.Units {
//		if u.Err != nil { ... }
//	}
//
// # Duration Runs
//
// [Runner.RunFor] keeps every worker looping until the budget elapses. The
// deadline is checked between iterations; an iteration already in flight is
// allowed to finish.
//
// # Pacing
//
// When RatePerSecond is set, a single dispatcher goroutine paces unit
// hand-off so concurrent workers cannot burst past the configured rate.
// [ArrivalModelUniform] spaces dispatches evenly; [ArrivalModelPoisson]
// samples exponential inter-arrival times for more realistic traffic.
//
// # Retries
//
// [Retry] re-attempts a single call under a [RetryPolicy]. Scenario
// provisioning uses it for transient setup failures; measured operations
// never retry.
package runner
