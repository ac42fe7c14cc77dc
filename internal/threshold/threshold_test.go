package threshold

import (
	"strings"
	"testing"
	"time"

	"github.com/agora-im/pelt/internal/metrics"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      Threshold
		wantError bool
	}{
		{
			name:  "valid p95 latency threshold",
			input: "send_message:p95 < 150",
			want: Threshold{
				Operation: "send_message",
				Aggregate: "p95",
				Operator:  "<",
				Value:     150,
				Raw:       "send_message:p95 < 150",
			},
		},
		{
			name:  "valid success rate threshold",
			input: "register:success_rate >= 99",
			want: Threshold{
				Operation: "register",
				Aggregate: "success_rate",
				Operator:  ">=",
				Value:     99,
				Raw:       "register:success_rate >= 99",
			},
		},
		{
			name:  "valid p99 latency with <=",
			input: "join:p99 <= 1000",
			want: Threshold{
				Operation: "join",
				Aggregate: "p99",
				Operator:  "<=",
				Value:     1000,
				Raw:       "join:p99 <= 1000",
			},
		},
		{
			name:  "valid rate threshold with >",
			input: "send_message:rate > 50",
			want: Threshold{
				Operation: "send_message",
				Aggregate: "rate",
				Operator:  ">",
				Value:     50,
				Raw:       "send_message:rate > 50",
			},
		},
		{
			name:  "valid avg latency",
			input: "create_server:avg < 200",
			want: Threshold{
				Operation: "create_server",
				Aggregate: "avg",
				Operator:  "<",
				Value:     200,
				Raw:       "create_server:avg < 200",
			},
		},
		{
			name:  "timing check maximum",
			input: "timing_message_sync:max < 1000",
			want: Threshold{
				Operation: "timing_message_sync",
				Aggregate: "max",
				Operator:  "<",
				Value:     1000,
				Raw:       "timing_message_sync:max < 1000",
			},
		},
		{
			name:  "session errors",
			input: "session:errors == 0",
			want: Threshold{
				Operation: "session",
				Aggregate: "errors",
				Operator:  "==",
				Value:     0,
				Raw:       "session:errors == 0",
			},
		},
		{
			name:  "session server faults",
			input: "session:server_faults == 0",
			want: Threshold{
				Operation: "session",
				Aggregate: "server_faults",
				Operator:  "==",
				Value:     0,
				Raw:       "session:server_faults == 0",
			},
		},
		{
			name:      "empty string",
			input:     "",
			wantError: true,
		},
		{
			name:      "invalid format - missing operator",
			input:     "send_message:p95 150",
			wantError: true,
		},
		{
			name:      "invalid aggregate",
			input:     "send_message:p85 < 150",
			wantError: true,
		},
		{
			name:      "invalid session aggregate",
			input:     "session:p95 < 150",
			wantError: true,
		},
		{
			name:      "invalid operator",
			input:     "send_message:p95 << 150",
			wantError: true,
		},
		{
			name:      "invalid operator not-equals",
			input:     "send_message:p95 != 150",
			wantError: true,
		},
		{
			name:      "invalid value - not a number",
			input:     "send_message:p95 < abc",
			wantError: true,
		},
		{
			name:      "operation must start with a letter",
			input:     "_weird:p95 < 150",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantError {
				t.Errorf("Parse() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if !tt.wantError {
				if got.Operation != tt.want.Operation {
					t.Errorf("Parse() Operation = %v, want %v", got.Operation, tt.want.Operation)
				}
				if got.Aggregate != tt.want.Aggregate {
					t.Errorf("Parse() Aggregate = %v, want %v", got.Aggregate, tt.want.Aggregate)
				}
				if got.Operator != tt.want.Operator {
					t.Errorf("Parse() Operator = %v, want %v", got.Operator, tt.want.Operator)
				}
				if got.Value != tt.want.Value {
					t.Errorf("Parse() Value = %v, want %v", got.Value, tt.want.Value)
				}
				if got.Raw != tt.want.Raw {
					t.Errorf("Parse() Raw = %v, want %v", got.Raw, tt.want.Raw)
				}
			}
		})
	}
}

func TestParseMultiple(t *testing.T) {
	tests := []struct {
		name      string
		input     []string
		wantCount int
		wantError bool
	}{
		{
			name: "multiple valid thresholds",
			input: []string{
				"send_message:p95 < 150",
				"register:success_rate >= 99",
				"session:errors == 0",
			},
			wantCount: 3,
		},
		{
			name:      "empty slice",
			input:     []string{},
			wantCount: 0,
		},
		{
			name: "one valid, one invalid",
			input: []string{
				"send_message:p95 < 150",
				"invalid threshold",
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMultiple(tt.input)
			if (err != nil) != tt.wantError {
				t.Errorf("ParseMultiple() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if !tt.wantError && len(got) != tt.wantCount {
				t.Errorf("ParseMultiple() returned %d thresholds, want %d", len(got), tt.wantCount)
			}
		})
	}
}

func TestParseMultipleReportsEveryError(t *testing.T) {
	_, err := ParseMultiple([]string{
		"bad one",
		"send_message:p95 < 150",
		"also:bogus ~ 3",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "threshold[0]") || !strings.Contains(err.Error(), "threshold[2]") {
		t.Errorf("error should index both bad entries, got %v", err)
	}
}

func sampleStats() metrics.Stats {
	return metrics.Stats{
		Total:     1000,
		Successes: 980,
		Failures:  20,
		Duration:  10 * time.Second,
		Operations: map[string]metrics.OpStats{
			"send_message": {
				Operation:   "send_message",
				Count:       800,
				Successes:   790,
				Failures:    10,
				SuccessRate: 98.75,
				MinMs:       10,
				MaxMs:       500,
				MeanMs:      100,
				MedianMs:    85,
				StdDevMs:    40,
				P50Ms:       80,
				P90Ms:       200,
				P95Ms:       300,
				P99Ms:       400,
			},
			"register": {
				Operation:   "register",
				Count:       200,
				Successes:   190,
				Failures:    10,
				SuccessRate: 95,
				MeanMs:      150,
				P95Ms:       250,
			},
			"timing_message_sync": {
				Operation:   "timing_message_sync",
				Count:       1,
				Successes:   1,
				SuccessRate: 100,
				MaxMs:       420,
			},
		},
		Counters: map[string]int64{
			"server_faults": 3,
		},
		SessionErrorCount: 2,
	}
}

func TestEvaluator(t *testing.T) {
	stats := sampleStats()

	tests := []struct {
		name       string
		thresholds []string
		wantPass   []bool
	}{
		{
			name: "all thresholds pass",
			thresholds: []string{
				"send_message:p99 < 500",
				"send_message:success_rate > 95",
				"send_message:rate > 50",
			},
			wantPass: []bool{true, true, true},
		},
		{
			name: "some thresholds fail",
			thresholds: []string{
				"send_message:p99 < 300",
				"register:success_rate >= 99",
				"send_message:rate > 50",
			},
			wantPass: []bool{false, false, true},
		},
		{
			name: "latency percentiles",
			thresholds: []string{
				"send_message:p50 < 100",
				"send_message:p90 < 250",
				"send_message:p99 < 450",
			},
			wantPass: []bool{true, true, true},
		},
		{
			name: "avg min max stddev",
			thresholds: []string{
				"send_message:avg < 150",
				"send_message:max < 600",
				"send_message:min > 5",
				"send_message:stddev < 50",
			},
			wantPass: []bool{true, true, true, true},
		},
		{
			name: "counts",
			thresholds: []string{
				"send_message:count > 700",
				"register:count == 200",
			},
			wantPass: []bool{true, true},
		},
		{
			name: "timing check as operation",
			thresholds: []string{
				"timing_message_sync:max < 1000",
			},
			wantPass: []bool{true},
		},
		{
			name: "session pseudo-operation",
			thresholds: []string{
				"session:errors == 0",
				"session:errors <= 2",
				"session:server_faults < 10",
			},
			wantPass: []bool{false, true, true},
		},
		{
			name: "unknown operation fails",
			thresholds: []string{
				"never_ran:count > 0",
			},
			wantPass: []bool{false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			thresholds, err := ParseMultiple(tt.thresholds)
			if err != nil {
				t.Fatalf("ParseMultiple() error = %v", err)
			}

			evaluator := NewEvaluator(thresholds)
			results := evaluator.Evaluate(stats)

			if len(results) != len(tt.wantPass) {
				t.Fatalf("got %d results, want %d", len(results), len(tt.wantPass))
			}

			for i, result := range results {
				if result.Pass != tt.wantPass[i] {
					t.Errorf("threshold[%d] %q: got pass=%v, want %v (actual=%.2f)",
						i, result.Threshold.Raw, result.Pass, tt.wantPass[i], result.Actual)
				}
			}
		})
	}
}

func TestEvaluatorRateUsesSessionDuration(t *testing.T) {
	stats := sampleStats()

	thresholds, err := ParseMultiple([]string{"send_message:rate > 79"})
	if err != nil {
		t.Fatalf("ParseMultiple() error = %v", err)
	}
	results := NewEvaluator(thresholds).Evaluate(stats)

	// 800 sends over 10 seconds.
	if got := results[0].Actual; got != 80 {
		t.Errorf("rate = %v, want 80", got)
	}
	if !results[0].Pass {
		t.Errorf("expected pass, got %s", results[0].Message)
	}
}

func TestAnyFailed(t *testing.T) {
	if AnyFailed(nil) {
		t.Error("AnyFailed(nil) = true, want false")
	}
	if AnyFailed([]Result{{Pass: true}, {Pass: true}}) {
		t.Error("all passing should report false")
	}
	if !AnyFailed([]Result{{Pass: true}, {Pass: false}}) {
		t.Error("one failure should report true")
	}
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		name     string
		actual   float64
		operator string
		expected float64
		want     bool
	}{
		{"less than true", 50, "<", 100, true},
		{"less than false", 100, "<", 50, false},
		{"less than equal", 100, "<", 100, false},
		{"less than or equal true", 50, "<=", 100, true},
		{"less than or equal equal", 100, "<=", 100, true},
		{"less than or equal false", 150, "<=", 100, false},
		{"greater than true", 150, ">", 100, true},
		{"greater than false", 50, ">", 100, false},
		{"greater than equal", 100, ">", 100, false},
		{"greater than or equal true", 150, ">=", 100, true},
		{"greater than or equal equal", 100, ">=", 100, true},
		{"greater than or equal false", 50, ">=", 100, false},
		{"equal true", 100, "==", 100, true},
		{"equal false", 100, "==", 101, false},
		{"equal with floating point precision", 100.0000000001, "==", 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compareValues(tt.actual, tt.operator, tt.expected)
			if got != tt.want {
				t.Errorf("compareValues(%.2f, %s, %.2f) = %v, want %v",
					tt.actual, tt.operator, tt.expected, got, tt.want)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	stats := sampleStats()

	tests := []struct {
		name      string
		threshold Threshold
		want      float64
		wantError bool
	}{
		{
			name:      "p50",
			threshold: Threshold{Operation: "send_message", Aggregate: "p50"},
			want:      80,
		},
		{
			name:      "p90",
			threshold: Threshold{Operation: "send_message", Aggregate: "p90"},
			want:      200,
		},
		{
			name:      "p95",
			threshold: Threshold{Operation: "send_message", Aggregate: "p95"},
			want:      300,
		},
		{
			name:      "p99",
			threshold: Threshold{Operation: "send_message", Aggregate: "p99"},
			want:      400,
		},
		{
			name:      "avg",
			threshold: Threshold{Operation: "send_message", Aggregate: "avg"},
			want:      100,
		},
		{
			name:      "mean is an alias for avg",
			threshold: Threshold{Operation: "send_message", Aggregate: "mean"},
			want:      100,
		},
		{
			name:      "median",
			threshold: Threshold{Operation: "send_message", Aggregate: "median"},
			want:      85,
		},
		{
			name:      "min",
			threshold: Threshold{Operation: "send_message", Aggregate: "min"},
			want:      10,
		},
		{
			name:      "max",
			threshold: Threshold{Operation: "send_message", Aggregate: "max"},
			want:      500,
		},
		{
			name:      "stddev",
			threshold: Threshold{Operation: "send_message", Aggregate: "stddev"},
			want:      40,
		},
		{
			name:      "count",
			threshold: Threshold{Operation: "send_message", Aggregate: "count"},
			want:      800,
		},
		{
			name:      "success rate",
			threshold: Threshold{Operation: "send_message", Aggregate: "success_rate"},
			want:      98.75,
		},
		{
			name:      "session errors",
			threshold: Threshold{Operation: "session", Aggregate: "errors"},
			want:      2,
		},
		{
			name:      "session server faults",
			threshold: Threshold{Operation: "session", Aggregate: "server_faults"},
			want:      3,
		},
		{
			name:      "operation with no samples",
			threshold: Threshold{Operation: "never_ran", Aggregate: "p95"},
			wantError: true,
		},
		{
			name:      "unknown aggregate",
			threshold: Threshold{Operation: "send_message", Aggregate: "p85"},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extract(tt.threshold, stats)
			if (err != nil) != tt.wantError {
				t.Errorf("extract() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if !tt.wantError && got != tt.want {
				t.Errorf("extract() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractSessionFaultsDefaultZero(t *testing.T) {
	// No counters map at all.
	stats := metrics.Stats{SessionErrorCount: 0}
	got, err := extract(Threshold{Operation: "session", Aggregate: "server_faults"}, stats)
	if err != nil {
		t.Fatalf("extract() error = %v", err)
	}
	if got != 0 {
		t.Errorf("extract() = %v, want 0", got)
	}
}
