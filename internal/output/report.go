// Package output renders session results as text, JSON, and HTML, and
// drives the single-line progress display.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/agora-im/pelt/internal/metrics"
	"github.com/agora-im/pelt/internal/scenario"
	"github.com/agora-im/pelt/internal/threshold"
)

// Report bundles everything a finished session produced.
type Report struct {
	RunID      string             `json:"run_id"`
	Target     string             `json:"target"`
	Seed       int64              `json:"seed,omitempty"`
	Stats      metrics.Stats      `json:"stats"`
	Verdicts   []scenario.Verdict `json:"verdicts,omitempty"`
	Thresholds []threshold.Result `json:"thresholds,omitempty"`
}

// Pass reports whether every scenario verdict and every threshold held.
func (r Report) Pass() bool {
	for _, v := range r.Verdicts {
		if !v.Pass {
			return false
		}
	}
	return !threshold.AnyFailed(r.Thresholds)
}

// PrintReport writes the human-readable session summary.
func PrintReport(w io.Writer, rep Report) {
	fmt.Fprintln(w, "\n--- Pelt Session Results ---")
	fmt.Fprintf(w, "Run ID:       %s\n", rep.RunID)
	fmt.Fprintf(w, "Target:       %s\n", rep.Target)
	if rep.Seed != 0 {
		fmt.Fprintf(w, "Seed:         %d\n", rep.Seed)
	}
	fmt.Fprintf(w, "Duration:     %s\n", rep.Stats.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Operations:   %d total, %d ok, %d failed\n",
		rep.Stats.Total, rep.Stats.Successes, rep.Stats.Failures)
	fmt.Fprintf(w, "Throughput:   %.2f ops/sec\n", rep.Stats.OpsPerSec)

	if len(rep.Verdicts) > 0 {
		fmt.Fprintln(w, "\nScenarios:")
		for _, v := range rep.Verdicts {
			mark := "✓"
			if !v.Pass {
				mark = "✗"
			}
			line := fmt.Sprintf("  %s %-18s %s", mark, v.Scenario, v.Duration.Round(time.Millisecond))
			if v.Reason != "" {
				line += "  " + v.Reason
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(rep.Stats.Operations) > 0 {
		fmt.Fprintln(w, "\nOperation Breakdown:")
		writeOperationTable(w, rep.Stats)
	}

	if len(rep.Stats.Counters) > 0 {
		fmt.Fprintln(w, "\nCounters:")
		names := make([]string, 0, len(rep.Stats.Counters))
		for name := range rep.Stats.Counters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s: %d\n", name, rep.Stats.Counters[name])
		}
	}

	if len(rep.Stats.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		names := make([]string, 0, len(rep.Stats.Errors))
		for name := range rep.Stats.Errors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s: %d\n", name, rep.Stats.Errors[name])
		}
	}

	if rep.Stats.SessionErrorCount > 0 {
		fmt.Fprintf(w, "\nSession Errors:  %d (transport-level)\n", rep.Stats.SessionErrorCount)
		for i, sample := range rep.Stats.SessionErrors {
			if i >= 3 {
				fmt.Fprintf(w, "  ... and %d more\n", int(rep.Stats.SessionErrorCount)-i)
				break
			}
			fmt.Fprintf(w, "  - %s\n", sample)
		}
	}

	if timings := collectTimings(rep.Verdicts); len(timings) > 0 {
		fmt.Fprintln(w, "\nTiming Checks:")
		writeTimingTable(w, timings)
	}

	if len(rep.Thresholds) > 0 {
		fmt.Fprintln(w, "\nThresholds:")
		for _, result := range rep.Thresholds {
			fmt.Fprintf(w, "  %s\n", result.Message)
		}
	}

	verdict := "PASS"
	if !rep.Pass() {
		verdict = "FAIL"
	}
	fmt.Fprintf(w, "\nSession verdict: %s\n", verdict)
}

// PrintJSONReport writes the whole report as indented JSON.
func PrintJSONReport(w io.Writer, rep Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func writeOperationTable(w io.Writer, stats metrics.Stats) {
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

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  OPERATION\tCOUNT\tSUCCESS\tMEAN\tMEDIAN\tMIN\tMAX\tSTDDEV\tP95\tP99")
	for _, name := range names {
		op := stats.Operations[name]
		fmt.Fprintf(tw, "  %s\t%d\t%.1f%%\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			name,
			op.Count,
			op.SuccessRate,
			fmtMs(op.MeanMs),
			fmtMs(op.MedianMs),
			fmtMs(op.MinMs),
			fmtMs(op.MaxMs),
			fmtMs(op.StdDevMs),
			fmtMs(op.P95Ms),
			fmtMs(op.P99Ms),
		)
	}
	tw.Flush()
}

func writeTimingTable(w io.Writer, timings []scenario.TimingResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  CHECK\tOBSERVED\tTARGET\tSTATUS")
	for _, tr := range timings {
		observed := fmtMs(tr.ObservedMs)
		if !tr.Found {
			observed = "missed"
		}
		target := "-"
		if tr.Target > 0 {
			target = fmtMs(tr.TargetMs)
		}
		status := "ok"
		switch {
		case !tr.Pass:
			status = "FAIL"
		case tr.Note != "":
			status = "warn"
		}
		if tr.Note != "" {
			status += "  " + tr.Note
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", tr.Check, observed, target, status)
	}
	tw.Flush()
}

func collectTimings(verdicts []scenario.Verdict) []scenario.TimingResult {
	var out []scenario.TimingResult
	for _, v := range verdicts {
		out = append(out, v.Timings...)
	}
	return out
}

func fmtMs(ms float64) string {
	if ms <= 0 {
		return "0ms"
	}
	if ms >= 1000 {
		return fmt.Sprintf("%.2fs", ms/1000)
	}
	return fmt.Sprintf("%.1fms", ms)
}
