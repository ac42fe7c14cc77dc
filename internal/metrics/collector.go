package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	maxErrorSamples  = 5
	maxSampleLen     = 256
	maxSessionErrors = 10
)

// Collector records per-operation outcomes in a thread-safe manner and
// computes aggregate statistics on demand. Records are append-only: a metric,
// once recorded, is never mutated or dropped.
type Collector struct {
	mu       sync.Mutex
	start    time.Time
	inFlight int64

	ops        map[string]*series
	counters   map[string]int64
	errCount   int64
	errSamples []string
}

// series accumulates every completed metric for one operation label.
type series struct {
	hist         *hdrhistogram.Histogram
	durations    []time.Duration
	successes    int64
	failures     int64
	sum          time.Duration
	min          time.Duration
	max          time.Duration
	errorsByType map[string]int64
	samples      []string
}

// OpStats is the aggregate view over all completed metrics with one label.
type OpStats struct {
	Operation   string  `json:"operation"`
	Count       int64   `json:"count"`
	Successes   int64   `json:"successes"`
	Failures    int64   `json:"failures"`
	SuccessRate float64 `json:"success_rate"`

	Min    time.Duration `json:"-"`
	Max    time.Duration `json:"-"`
	Mean   time.Duration `json:"-"`
	Median time.Duration `json:"-"`
	StdDev time.Duration `json:"-"`
	P50    time.Duration `json:"-"`
	P90    time.Duration `json:"-"`
	P95    time.Duration `json:"-"`
	P99    time.Duration `json:"-"`

	// JSON-friendly millisecond fields.
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
	MeanMs   float64 `json:"mean_ms"`
	MedianMs float64 `json:"median_ms"`
	StdDevMs float64 `json:"stddev_ms"`
	P50Ms    float64 `json:"p50_ms"`
	P90Ms    float64 `json:"p90_ms"`
	P95Ms    float64 `json:"p95_ms"`
	P99Ms    float64 `json:"p99_ms"`

	Errors       map[string]int `json:"errors,omitempty"`
	ErrorSamples []string       `json:"error_samples,omitempty"`

	// rawDurations carries samples from snapshot to finalize so the
	// order-dependent math runs outside the collector lock.
	rawDurations []time.Duration
}

// Stats is the session-level view across every operation.
type Stats struct {
	Total     int64   `json:"total"`
	Successes int64   `json:"successes"`
	Failures  int64   `json:"failures"`
	OpsPerSec float64 `json:"ops_per_sec"`

	Duration   time.Duration `json:"-"`
	DurationMs float64       `json:"duration_ms"`

	Operations map[string]OpStats `json:"operations"`
	Counters   map[string]int64   `json:"counters,omitempty"`
	Errors     map[string]int     `json:"errors,omitempty"`

	SessionErrorCount int64    `json:"session_error_count"`
	SessionErrors     []string `json:"session_errors,omitempty"`
}

func NewCollector() *Collector {
	return &Collector{
		ops:      make(map[string]*series),
		counters: make(map[string]int64),
		start:    time.Now(),
	}
}

// Start marks the session start for elapsed-time calculations. Call it right
// before submitting work so progress reporters created earlier use the
// correct baseline.
func (c *Collector) Start() {
	c.mu.Lock()
	c.start = time.Now()
	c.mu.Unlock()
}

// StartTime returns the session start baseline.
func (c *Collector) StartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start
}

// Sample is an in-flight metric. It is created by Begin and completed exactly
// once by End; later End calls are no-ops.
type Sample struct {
	c         *Collector
	operation string
	started   time.Time
	done      int32
}

// Begin opens a metric for an operation that is about to start.
func (c *Collector) Begin(operation string) *Sample {
	atomic.AddInt64(&c.inFlight, 1)
	return &Sample{c: c, operation: operation, started: time.Now()}
}

// End completes the sample with the operation's outcome. The duration is the
// time since Begin. Safe to call from any goroutine; only the first call
// records.
func (s *Sample) End(err error) {
	if !atomic.CompareAndSwapInt32(&s.done, 0, 1) {
		return
	}
	atomic.AddInt64(&s.c.inFlight, -1)
	s.c.Record(s.operation, time.Since(s.started), err)
}

// Elapsed returns the time since Begin. Useful for callers that also feed the
// duration elsewhere (e.g. timing checks).
func (s *Sample) Elapsed() time.Duration {
	return time.Since(s.started)
}

// InFlight returns the number of samples begun but not yet ended.
func (c *Collector) InFlight() int64 {
	return atomic.LoadInt64(&c.inFlight)
}

// Record appends a completed metric for the given operation label.
func (c *Collector) Record(operation string, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.ops[operation]
	if !ok {
		// Track latencies from 1µs up to 60s with 3 significant figures.
		s = &series{
			hist:         hdrhistogram.New(1, 60_000_000, 3),
			errorsByType: make(map[string]int64),
		}
		c.ops[operation] = s
	}

	if latency > 0 {
		us := latency.Microseconds()
		if us < s.hist.LowestTrackableValue() {
			us = s.hist.LowestTrackableValue()
		}
		if us > s.hist.HighestTrackableValue() {
			us = s.hist.HighestTrackableValue()
		}
		_ = s.hist.RecordValue(us)
	}

	s.durations = append(s.durations, latency)
	s.sum += latency
	if s.min == 0 || latency < s.min {
		s.min = latency
	}
	if latency > s.max {
		s.max = latency
	}

	if err == nil {
		s.successes++
		return
	}

	s.failures++
	errorType := fmt.Sprintf("%T", err)
	if len(errorType) > 30 {
		errorType = errorType[len(errorType)-30:]
	}
	s.errorsByType[errorType]++
	if len(s.samples) < maxErrorSamples {
		s.samples = append(s.samples, truncate(err.Error(), maxSampleLen))
	}
}

// AddCounter adjusts a named session counter (entities created, messages
// sent). Counters are independent of operation metrics.
func (c *Collector) AddCounter(name string, delta int64) {
	c.mu.Lock()
	c.counters[name] += delta
	c.mu.Unlock()
}

// Counter returns the current value of a named counter, zero if unset.
func (c *Collector) Counter(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// SessionError records a session-level error (transport failures, watcher
// drops). These feed the chaos "no crash/hang" assertion and the report's
// error sample list.
func (c *Collector) SessionError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.errCount++
	if len(c.errSamples) < maxSessionErrors {
		c.errSamples = append(c.errSamples, truncate(err.Error(), maxSampleLen))
	}
	c.mu.Unlock()
}

// SessionErrorCount returns the number of session-level errors so far.
func (c *Collector) SessionErrorCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errCount
}

// Stats computes aggregate statistics for one operation label from a
// consistent snapshot. An unknown label yields a zeroed result, never an
// error.
func (c *Collector) Stats(operation string) OpStats {
	c.mu.Lock()
	s, ok := c.ops[operation]
	if !ok {
		c.mu.Unlock()
		return OpStats{Operation: operation}
	}
	snap := s.snapshot(operation)
	c.mu.Unlock()

	snap.finalize()
	return snap
}

// Operations returns the labels recorded so far, sorted.
func (c *Collector) Operations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.ops))
	for name := range c.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot computes the session-level view across all operations.
func (c *Collector) Snapshot(elapsed time.Duration) Stats {
	c.mu.Lock()
	snaps := make(map[string]OpStats, len(c.ops))
	for name, s := range c.ops {
		snaps[name] = s.snapshot(name)
	}
	counters := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	errCount := c.errCount
	errSamples := append([]string(nil), c.errSamples...)
	c.mu.Unlock()

	stats := Stats{
		Operations:        make(map[string]OpStats, len(snaps)),
		Duration:          elapsed,
		DurationMs:        float64(elapsed) / float64(time.Millisecond),
		SessionErrorCount: errCount,
		SessionErrors:     errSamples,
	}
	if len(counters) > 0 {
		stats.Counters = counters
	}

	rollup := make(map[string]int)
	for name, snap := range snaps {
		snap.finalize()
		stats.Operations[name] = snap
		stats.Total += snap.Count
		stats.Successes += snap.Successes
		stats.Failures += snap.Failures
		for errType, count := range snap.Errors {
			rollup[FriendlyErrorName(errType)] += count
		}
	}
	if len(rollup) > 0 {
		stats.Errors = rollup
	}
	if elapsed > 0 && stats.Total > 0 {
		stats.OpsPerSec = float64(stats.Total) / elapsed.Seconds()
	}
	return stats
}

// snapshot copies a series under the collector lock; percentile reads touch
// the histogram and must happen here.
func (s *series) snapshot(operation string) OpStats {
	snap := OpStats{
		Operation: operation,
		Count:     s.successes + s.failures,
		Successes: s.successes,
		Failures:  s.failures,
		Min:       s.min,
		Max:       s.max,
	}
	if snap.Count > 0 {
		snap.Mean = time.Duration(int64(s.sum) / snap.Count)
		snap.SuccessRate = float64(s.successes) / float64(snap.Count) * 100
	}
	if s.hist.TotalCount() > 0 {
		snap.P50 = time.Duration(s.hist.ValueAtQuantile(50)) * time.Microsecond
		snap.P90 = time.Duration(s.hist.ValueAtQuantile(90)) * time.Microsecond
		snap.P95 = time.Duration(s.hist.ValueAtQuantile(95)) * time.Microsecond
		snap.P99 = time.Duration(s.hist.ValueAtQuantile(99)) * time.Microsecond
	}
	if len(s.errorsByType) > 0 {
		snap.Errors = make(map[string]int, len(s.errorsByType))
		for k, v := range s.errorsByType {
			snap.Errors[k] = int(v)
		}
	}
	if len(s.samples) > 0 {
		snap.ErrorSamples = append([]string(nil), s.samples...)
	}
	// Median and stddev need the raw samples; copy so the sort below runs
	// outside the lock.
	snap.rawDurations = append([]time.Duration(nil), s.durations...)
	return snap
}

// finalize computes the order-dependent aggregates and fills the
// millisecond mirrors. Runs outside the collector lock.
func (o *OpStats) finalize() {
	if n := len(o.rawDurations); n > 0 {
		sorted := o.rawDurations
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		if n%2 == 1 {
			o.Median = sorted[n/2]
		} else {
			o.Median = (sorted[n/2-1] + sorted[n/2]) / 2
		}
		if n >= 2 {
			mean := float64(o.Mean)
			var sq float64
			for _, d := range sorted {
				diff := float64(d) - mean
				sq += diff * diff
			}
			o.StdDev = time.Duration(math.Sqrt(sq / float64(n-1)))
		}
		o.rawDurations = nil
	}

	o.MinMs = toMs(o.Min)
	o.MaxMs = toMs(o.Max)
	o.MeanMs = toMs(o.Mean)
	o.MedianMs = toMs(o.Median)
	o.StdDevMs = toMs(o.StdDev)
	o.P50Ms = toMs(o.P50)
	o.P90Ms = toMs(o.P90)
	o.P95Ms = toMs(o.P95)
	o.P99Ms = toMs(o.P99)
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
