package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/agora-im/pelt/internal/metrics"
	"github.com/agora-im/pelt/internal/scenario"
	"github.com/agora-im/pelt/internal/threshold"
)

func sampleReport() Report {
	return Report{
		RunID:  "01jx3yqb8rv5b6t0h9e2s7m4kd",
		Target: "http://gateway.example.test",
		Seed:   42,
		Stats: metrics.Stats{
			Total:     110,
			Successes: 104,
			Failures:  6,
			OpsPerSec: 55,
			Duration:  2 * time.Second,
			Operations: map[string]metrics.OpStats{
				"send_message": {
					Operation:   "send_message",
					Count:       80,
					Successes:   78,
					Failures:    2,
					SuccessRate: 97.5,
					MeanMs:      42.5,
					MedianMs:    40,
					MinMs:       12,
					MaxMs:       180,
					StdDevMs:    18,
					P95Ms:       110,
					P99Ms:       160,
				},
				"register": {
					Operation:   "register",
					Count:       30,
					Successes:   26,
					Failures:    4,
					SuccessRate: 86.7,
					MeanMs:      88,
					P99Ms:       240,
				},
			},
			Counters: map[string]int64{
				"messages_sent":       80,
				"accounts_registered": 26,
			},
			Errors: map[string]int{
				"API error response": 6,
			},
			SessionErrorCount: 2,
			SessionErrors: []string{
				`Post "http://gateway.example.test/register": connection refused`,
				`Post "http://gateway.example.test/send": connection refused`,
			},
		},
		Verdicts: []scenario.Verdict{
			{Scenario: "smoke", Pass: true, Duration: 900 * time.Millisecond},
			{
				Scenario: "chaos_malformed",
				Pass:     false,
				Reason:   "server answered 2 of 20 malformed requests with 5xx",
				Duration: 1100 * time.Millisecond,
			},
			{
				Scenario: "delay",
				Pass:     true,
				Duration: 800 * time.Millisecond,
				Timings: []scenario.TimingResult{
					{Check: "message_sync", Found: true, ObservedMs: 120, Target: time.Second, TargetMs: 1000, Pass: true},
					{Check: "presence_spread", Found: false, Target: 2 * time.Second, TargetMs: 2000, Pass: false, Note: "never observed"},
				},
			},
		},
		Thresholds: []threshold.Result{
			{
				Threshold: threshold.Threshold{Raw: "send_message:p95 < 150"},
				Actual:    110,
				Pass:      true,
				Message:   "✓ send_message:p95 < 150: 110.00 < 150.00",
			},
			{
				Threshold: threshold.Threshold{Raw: "session:errors == 0"},
				Actual:    2,
				Pass:      false,
				Message:   "✗ session:errors == 0: 2.00 == 0.00",
			},
		},
	}
}

func TestPrintReportSections(t *testing.T) {
	var buf bytes.Buffer
	PrintReport(&buf, sampleReport())

	out := buf.String()
	for _, want := range []string{
		"Pelt Session Results",
		"Run ID:       01jx3yqb8rv5b6t0h9e2s7m4kd",
		"Target:       http://gateway.example.test",
		"Seed:         42",
		"Operations:   110 total, 104 ok, 6 failed",
		"Scenarios:",
		"✓ smoke",
		"✗ chaos_malformed",
		"server answered 2 of 20 malformed requests with 5xx",
		"Operation Breakdown:",
		"Counters:",
		"messages_sent: 80",
		"Errors:",
		"API error response: 6",
		"Session Errors:  2",
		"Timing Checks:",
		"message_sync",
		"missed",
		"Thresholds:",
		"✗ session:errors == 0",
		"Session verdict: FAIL",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q\n%s", want, out)
		}
	}
}

func TestPrintReportSortsOperationsByCount(t *testing.T) {
	var buf bytes.Buffer
	PrintReport(&buf, sampleReport())

	out := buf.String()
	send := strings.Index(out, "send_message")
	register := strings.Index(out, "register")
	if send == -1 || register == -1 {
		t.Fatalf("both operations should be listed\n%s", out)
	}
	if send > register {
		t.Errorf("send_message (count 80) should sort before register (count 30)")
	}
}

func TestPrintReportPassingSession(t *testing.T) {
	rep := Report{
		RunID:  "run",
		Target: "http://x",
		Stats: metrics.Stats{
			Total:     5,
			Successes: 5,
			Duration:  time.Second,
		},
		Verdicts: []scenario.Verdict{
			{Scenario: "smoke", Pass: true, Duration: time.Second},
		},
	}

	var buf bytes.Buffer
	PrintReport(&buf, rep)

	out := buf.String()
	if !strings.Contains(out, "Session verdict: PASS") {
		t.Errorf("expected passing verdict line\n%s", out)
	}
	if strings.Contains(out, "Session Errors:") {
		t.Errorf("no session error section expected\n%s", out)
	}
	if strings.Contains(out, "Thresholds:") {
		t.Errorf("no thresholds section expected\n%s", out)
	}
}

func TestPrintJSONReportRoundTrip(t *testing.T) {
	rep := sampleReport()

	var buf bytes.Buffer
	if err := PrintJSONReport(&buf, rep); err != nil {
		t.Fatalf("PrintJSONReport failed: %v", err)
	}

	if !strings.Contains(buf.String(), `"run_id"`) {
		t.Errorf("expected snake_case field names in JSON output")
	}

	var decoded Report
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if decoded.RunID != rep.RunID {
		t.Errorf("RunID = %q, want %q", decoded.RunID, rep.RunID)
	}
	if decoded.Stats.Total != rep.Stats.Total {
		t.Errorf("Stats.Total = %d, want %d", decoded.Stats.Total, rep.Stats.Total)
	}
	if len(decoded.Verdicts) != len(rep.Verdicts) {
		t.Errorf("got %d verdicts, want %d", len(decoded.Verdicts), len(rep.Verdicts))
	}
	if len(decoded.Thresholds) != len(rep.Thresholds) {
		t.Errorf("got %d thresholds, want %d", len(decoded.Thresholds), len(rep.Thresholds))
	}
}

func TestReportPass(t *testing.T) {
	tests := []struct {
		name string
		rep  Report
		want bool
	}{
		{"empty report passes", Report{}, true},
		{
			"all green",
			Report{
				Verdicts:   []scenario.Verdict{{Pass: true}},
				Thresholds: []threshold.Result{{Pass: true}},
			},
			true,
		},
		{
			"failed verdict",
			Report{Verdicts: []scenario.Verdict{{Pass: true}, {Pass: false}}},
			false,
		},
		{
			"failed threshold",
			Report{Thresholds: []threshold.Result{{Pass: false}}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rep.Pass(); got != tt.want {
				t.Errorf("Pass() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFmtMs(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0ms"},
		{-1, "0ms"},
		{0.4, "0.4ms"},
		{850.44, "850.4ms"},
		{1500, "1.50s"},
	}
	for _, tt := range tests {
		if got := fmtMs(tt.in); got != tt.want {
			t.Errorf("fmtMs(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
