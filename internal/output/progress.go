package output

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/agora-im/pelt/internal/metrics"
)

// ProgressReporter displays real-time progress updates on a single line.
type ProgressReporter struct {
	collector *metrics.Collector
	ticker    *time.Ticker
	done      chan struct{}
	finished  chan struct{}
	writer    io.Writer
	active    int32
}

// NewProgressReporter creates a progress reporter that updates at the given interval.
func NewProgressReporter(collector *metrics.Collector, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		collector: collector,
		ticker:    time.NewTicker(interval),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		writer:    writer,
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates and terminates the line.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
		fmt.Fprintln(p.writer)
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			elapsed := time.Since(p.collector.StartTime())
			stats := p.collector.Snapshot(elapsed)
			fmt.Fprint(p.writer, progressLine(stats))
		case <-p.done:
			return
		}
	}
}

func progressLine(stats metrics.Stats) string {
	line := fmt.Sprintf("\rOps: %d | OK: %d | Failed: %d | %.1f ops/s",
		stats.Total, stats.Successes, stats.Failures, stats.OpsPerSec)
	if name, op, ok := topOperationSnapshot(stats); ok && stats.Total > 0 {
		share := (float64(op.Count) / float64(stats.Total)) * 100
		line += fmt.Sprintf(" | top: %s (%.0f%%, p99 %s)", name, share, fmtMs(op.P99Ms))
	}
	if stats.SessionErrorCount > 0 {
		line += fmt.Sprintf(" | session errors: %d", stats.SessionErrorCount)
	}
	return line
}

func topOperationSnapshot(stats metrics.Stats) (string, metrics.OpStats, bool) {
	if len(stats.Operations) == 0 {
		return "", metrics.OpStats{}, false
	}
	names := make([]string, 0, len(stats.Operations))
	for name := range stats.Operations {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := stats.Operations[names[i]], stats.Operations[names[j]]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return names[i] < names[j]
	})
	name := names[0]
	return name, stats.Operations[name], true
}
