// Package threshold parses and evaluates pass/fail assertions over the
// session's collected metrics.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/agora-im/pelt/internal/metrics"
)

// Threshold is one assertion over a recorded operation (or the session
// pseudo-metric) that can pass or fail.
type Threshold struct {
	Operation string  `json:"operation"` // a recorded label, e.g. "send_message", or "session"
	Aggregate string  `json:"aggregate"` // e.g. "p95", "avg", "success_rate", "count"
	Operator  string  `json:"operator"`  // e.g. "<", "<=", ">", ">=", "=="
	Value     float64 `json:"value"`     // the value to compare against
	Raw       string  `json:"raw"`       // original threshold string for display
}

// Result is the outcome of evaluating one threshold.
type Result struct {
	Threshold Threshold `json:"threshold"`
	Actual    float64   `json:"actual"`
	Pass      bool      `json:"pass"`
	Message   string    `json:"message"`
}

// Evaluator evaluates thresholds against a session snapshot.
type Evaluator struct {
	thresholds []Threshold
}

func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{thresholds: thresholds}
}

// Evaluate checks every threshold against the provided stats.
func (e *Evaluator) Evaluate(stats metrics.Stats) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}

	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, evaluateOne(t, stats))
	}
	return results
}

// AnyFailed reports whether at least one result failed.
func AnyFailed(results []Result) bool {
	for _, r := range results {
		if !r.Pass {
			return true
		}
	}
	return false
}

func evaluateOne(t Threshold, stats metrics.Stats) Result {
	actual, err := extract(t, stats)
	if err != nil {
		return Result{
			Threshold: t,
			Pass:      false,
			Message:   fmt.Sprintf("✗ %s: %v", t.Raw, err),
		}
	}

	pass := compareValues(actual, t.Operator, t.Value)
	status := "✓"
	if !pass {
		status = "✗"
	}
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Value),
	}
}

var thresholdPattern = regexp.MustCompile(`^([a-z][a-z0-9_]*):([a-z0-9_]+)\s*([<>=!]+)\s*([0-9.]+)$`)

// Parse parses a threshold string. Supported formats:
//   - "send_message:p95 < 150"        (latency percentile in ms)
//   - "register:avg < 200"            (mean latency in ms)
//   - "join:success_rate >= 99"       (percent of calls that succeeded)
//   - "send_message:rate > 50"        (operations per second)
//   - "timing_message_sync:max < 1000"
//   - "session:errors == 0"           (transport-level session errors)
//   - "session:server_faults == 0"    (5xx responses seen)
//
// The operation may be any label the harness records; which labels exist
// depends on the scenarios that ran.
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}

	matches := thresholdPattern.FindStringSubmatch(s)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected 'operation:aggregate op value', e.g. 'send_message:p95 < 150')", s)
	}

	operation := matches[1]
	aggregate := matches[2]
	operator := matches[3]

	value, err := strconv.ParseFloat(matches[4], 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", matches[4], err)
	}

	if operation == "session" {
		if aggregate != "errors" && aggregate != "server_faults" {
			return Threshold{}, fmt.Errorf("unsupported session aggregate %q (supported: errors, server_faults)", aggregate)
		}
	} else if !isValidAggregate(aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate %q (supported: count, rate, success_rate, avg, median, min, max, stddev, p50, p90, p95, p99)", aggregate)
	}

	if !isValidOperator(operator) {
		return Threshold{}, fmt.Errorf("unsupported operator %q (supported: <, <=, >, >=, ==)", operator)
	}

	return Threshold{
		Operation: operation,
		Aggregate: aggregate,
		Operator:  operator,
		Value:     value,
		Raw:       s,
	}, nil
}

// ParseMultiple parses every threshold string, reporting all errors at once.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}

	result := make([]Threshold, 0, len(thresholds))
	var errs []string

	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			errs = append(errs, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errs, "; "))
	}
	return result, nil
}

func isValidAggregate(aggregate string) bool {
	switch aggregate {
	case "count", "rate", "success_rate", "avg", "mean", "median", "min", "max", "stddev", "p50", "p90", "p95", "p99":
		return true
	}
	return false
}

func isValidOperator(operator string) bool {
	switch operator {
	case "<", "<=", ">", ">=", "==":
		return true
	}
	return false
}

func extract(t Threshold, stats metrics.Stats) (float64, error) {
	if t.Operation == "session" {
		switch t.Aggregate {
		case "errors":
			return float64(stats.SessionErrorCount), nil
		case "server_faults":
			return float64(stats.Counters["server_faults"]), nil
		default:
			return 0, fmt.Errorf("unknown session aggregate %q", t.Aggregate)
		}
	}

	op, ok := stats.Operations[t.Operation]
	if !ok || op.Count == 0 {
		return 0, fmt.Errorf("operation %q recorded no samples", t.Operation)
	}

	switch t.Aggregate {
	case "count":
		return float64(op.Count), nil
	case "rate":
		if stats.Duration <= 0 {
			return 0, nil
		}
		return float64(op.Count) / stats.Duration.Seconds(), nil
	case "success_rate":
		return op.SuccessRate, nil
	case "avg", "mean":
		return op.MeanMs, nil
	case "median":
		return op.MedianMs, nil
	case "min":
		return op.MinMs, nil
	case "max":
		return op.MaxMs, nil
	case "stddev":
		return op.StdDevMs, nil
	case "p50":
		return op.P50Ms, nil
	case "p90":
		return op.P90Ms, nil
	case "p95":
		return op.P95Ms, nil
	case "p99":
		return op.P99Ms, nil
	default:
		return 0, fmt.Errorf("unknown aggregate %q", t.Aggregate)
	}
}

func compareValues(actual float64, operator string, expected float64) bool {
	// Floating point comparison with a small epsilon.
	epsilon := 1e-9

	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}
