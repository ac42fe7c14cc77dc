// Package metrics provides thread-safe collection and aggregation of
// per-operation outcomes during a test session.
//
// The metrics package groups completed operations by label and computes
// aggregate statistics on demand. It is the single shared-mutation point of
// the harness: every work unit reports here, and reporters read consistent
// snapshots while recording continues.
//
// # Collector
//
// The central [Collector] aggregates outcomes from all workers:
//
//	collector := metrics.NewCollector()
//	collector.Start() // mark session start for throughput calculation
//
//	// Timed lifecycle: open a sample, complete it exactly once.
//	sample := collector.Begin("register")
//	err := client.Register(ctx, user, pass, display)
//	sample.End(err)
//
//	// Pre-timed outcomes can be recorded directly.
//	collector.Record("join", latency, err)
//
// # Statistics
//
// [Collector.Stats] returns the aggregate view for a single label; unknown
// labels yield a zeroed result, never an error. [Collector.Snapshot] returns
// the session-level [Stats] across every label, plus counters and
// session-level error samples. Both reflect a consistent snapshot: records
// that complete while a snapshot is computed appear in the next one.
//
// Aggregates per operation: count, success rate, mean, median, min, max,
// sample standard deviation (zero below two samples), and histogram
// percentiles (P50/P90/P95/P99) backed by HdrHistogram.
//
// # Counters and session errors
//
// Auxiliary session counters (entities created, messages sent) are adjusted
// with [Collector.AddCounter]. Session-level errors (transport failures and
// other incidents that are not a single operation's outcome) go through
// [Collector.SessionError] and feed the chaos health verdict.
package metrics
