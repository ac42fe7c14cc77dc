package output

import (
	"fmt"
	"html/template"
	"io"
	"sort"
	"time"

	"github.com/agora-im/pelt/internal/metrics"
	"github.com/agora-im/pelt/internal/scenario"
)

// htmlData is the template payload for the standalone HTML report.
type htmlData struct {
	GeneratedAt      string
	Report           Report
	OperationNames   []string
	Timings          []scenario.TimingResult
	ThresholdsPassed int
	ThresholdsTotal  int
	CounterNames     []string
	ErrorNames       []string
	SessionPass      bool
}

// GenerateHTMLReport writes a standalone HTML page summarizing the session.
func GenerateHTMLReport(w io.Writer, rep Report) error {
	names := make([]string, 0, len(rep.Stats.Operations))
	for name := range rep.Stats.Operations {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := rep.Stats.Operations[names[i]], rep.Stats.Operations[names[j]]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return names[i] < names[j]
	})

	counterNames := make([]string, 0, len(rep.Stats.Counters))
	for name := range rep.Stats.Counters {
		counterNames = append(counterNames, name)
	}
	sort.Strings(counterNames)

	errorNames := make([]string, 0, len(rep.Stats.Errors))
	for name := range rep.Stats.Errors {
		errorNames = append(errorNames, name)
	}
	sort.Strings(errorNames)

	passed := 0
	for _, result := range rep.Thresholds {
		if result.Pass {
			passed++
		}
	}

	data := htmlData{
		GeneratedAt:      time.Now().Format(time.RFC3339),
		Report:           rep,
		OperationNames:   names,
		Timings:          collectTimings(rep.Verdicts),
		ThresholdsPassed: passed,
		ThresholdsTotal:  len(rep.Thresholds),
		CounterNames:     counterNames,
		ErrorNames:       errorNames,
		SessionPass:      rep.Pass(),
	}

	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"formatDuration": func(d time.Duration) string {
			return d.Round(time.Millisecond).String()
		},
		"formatFloat": func(f float64) string {
			return fmt.Sprintf("%.2f", f)
		},
		"formatMs": fmtMs,
		"formatPercent": func(part, total int64) string {
			if total == 0 {
				return "0.0"
			}
			return fmt.Sprintf("%.1f", (float64(part)/float64(total))*100)
		},
		"statsFor": func(name string) metrics.OpStats {
			return rep.Stats.Operations[name]
		},
		"counterFor": func(name string) int64 {
			return rep.Stats.Counters[name]
		},
		"errorsFor": func(name string) int {
			return rep.Stats.Errors[name]
		},
	}).Parse(htmlTemplate)
	if err != nil {
		return fmt.Errorf("parse report template: %w", err)
	}

	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("render report template: %w", err)
	}
	return nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Pelt Session Report</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: #f5f7fa;
            color: #2c3e50;
            line-height: 1.6;
            padding: 20px;
        }
        .container {
            max-width: 1400px;
            margin: 0 auto;
            background: white;
            border-radius: 8px;
            box-shadow: 0 2px 8px rgba(0,0,0,0.1);
            overflow: hidden;
        }
        header {
            background: linear-gradient(135deg, #3b7ea1 0%, #2c5d78 100%);
            color: white;
            padding: 30px 40px;
        }
        header h1 { font-size: 2rem; margin-bottom: 10px; }
        header .meta { opacity: 0.9; font-size: 0.9rem; }
        .content { padding: 40px; }
        .grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(220px, 1fr));
            gap: 20px;
            margin-bottom: 40px;
        }
        .card {
            background: #f8f9fa;
            border-radius: 8px;
            padding: 20px;
            border-left: 4px solid #3b7ea1;
        }
        .card h3 {
            font-size: 0.9rem;
            color: #6c757d;
            text-transform: uppercase;
            letter-spacing: 0.5px;
            margin-bottom: 10px;
        }
        .card .value { font-size: 2rem; font-weight: bold; color: #2c3e50; }
        .card .subvalue { font-size: 0.85rem; color: #6c757d; margin-top: 5px; }
        .card.success { border-left-color: #10b981; }
        .card.error { border-left-color: #ef4444; }
        .section { margin-bottom: 40px; }
        .section h2 {
            font-size: 1.5rem;
            margin-bottom: 20px;
            padding-bottom: 10px;
            border-bottom: 2px solid #e5e7eb;
        }
        table { width: 100%; border-collapse: collapse; background: white; }
        th, td {
            text-align: left;
            padding: 12px;
            border-bottom: 1px solid #e5e7eb;
        }
        th {
            background: #f8f9fa;
            font-weight: 600;
            color: #4b5563;
            font-size: 0.9rem;
            text-transform: uppercase;
            letter-spacing: 0.5px;
        }
        tr:hover { background: #f8f9fa; }
        .badge {
            display: inline-block;
            padding: 4px 12px;
            border-radius: 12px;
            font-size: 0.85rem;
            font-weight: 600;
        }
        .badge-success { background: #d1fae5; color: #065f46; }
        .badge-error { background: #fee2e2; color: #991b1b; }
        .badge-warn { background: #fef3c7; color: #92400e; }
        .reason { font-size: 0.9rem; color: #6c757d; }
    </style>
</head>
<body>
    <div class="container">
        <header>
            <h1>Pelt Session Report</h1>
            <div class="meta">Run {{.Report.RunID}} | Target: {{.Report.Target}}</div>
            <div class="meta">Generated: {{.GeneratedAt}} | Duration: {{formatDuration .Report.Stats.Duration}}</div>
        </header>

        <div class="content">
            <div class="grid">
                <div class="card {{if .SessionPass}}success{{else}}error{{end}}">
                    <h3>Session Verdict</h3>
                    <div class="value">{{if .SessionPass}}PASS{{else}}FAIL{{end}}</div>
                </div>
                <div class="card">
                    <h3>Total Operations</h3>
                    <div class="value">{{.Report.Stats.Total}}</div>
                    <div class="subvalue">{{formatFloat .Report.Stats.OpsPerSec}} ops/sec</div>
                </div>
                <div class="card success">
                    <h3>Successful</h3>
                    <div class="value">{{.Report.Stats.Successes}}</div>
                    <div class="subvalue">{{formatPercent .Report.Stats.Successes .Report.Stats.Total}}%</div>
                </div>
                <div class="card error">
                    <h3>Failed</h3>
                    <div class="value">{{.Report.Stats.Failures}}</div>
                    <div class="subvalue">{{formatPercent .Report.Stats.Failures .Report.Stats.Total}}%</div>
                </div>
            </div>

            {{if .Report.Verdicts}}
            <div class="section">
                <h2>Scenarios</h2>
                <table>
                    <thead>
                        <tr><th>Scenario</th><th>Duration</th><th>Status</th><th>Reason</th></tr>
                    </thead>
                    <tbody>
                        {{range .Report.Verdicts}}
                        <tr>
                            <td><strong>{{.Scenario}}</strong></td>
                            <td>{{formatDuration .Duration}}</td>
                            <td>
                                {{if .Pass}}<span class="badge badge-success">✓ PASS</span>
                                {{else}}<span class="badge badge-error">✗ FAIL</span>{{end}}
                            </td>
                            <td class="reason">{{.Reason}}</td>
                        </tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
            {{end}}

            {{if .OperationNames}}
            <div class="section">
                <h2>Operation Breakdown</h2>
                <table>
                    <thead>
                        <tr>
                            <th>Operation</th>
                            <th>Count</th>
                            <th>Success</th>
                            <th>Mean</th>
                            <th>Median</th>
                            <th>P95</th>
                            <th>P99</th>
                            <th>Max</th>
                        </tr>
                    </thead>
                    <tbody>
                        {{range .OperationNames}}
                        {{$op := statsFor .}}
                        <tr>
                            <td><strong>{{.}}</strong></td>
                            <td>{{$op.Count}}</td>
                            <td>{{formatFloat $op.SuccessRate}}%</td>
                            <td>{{formatMs $op.MeanMs}}</td>
                            <td>{{formatMs $op.MedianMs}}</td>
                            <td>{{formatMs $op.P95Ms}}</td>
                            <td>{{formatMs $op.P99Ms}}</td>
                            <td>{{formatMs $op.MaxMs}}</td>
                        </tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
            {{end}}

            {{if .Timings}}
            <div class="section">
                <h2>Timing Checks</h2>
                <table>
                    <thead>
                        <tr><th>Check</th><th>Observed</th><th>Target</th><th>Status</th><th>Note</th></tr>
                    </thead>
                    <tbody>
                        {{range .Timings}}
                        <tr>
                            <td><strong>{{.Check}}</strong></td>
                            <td>{{if .Found}}{{formatMs .ObservedMs}}{{else}}missed{{end}}</td>
                            <td>{{if .TargetMs}}{{formatMs .TargetMs}}{{else}}-{{end}}</td>
                            <td>
                                {{if not .Pass}}<span class="badge badge-error">✗ FAIL</span>
                                {{else if .Note}}<span class="badge badge-warn">warn</span>
                                {{else}}<span class="badge badge-success">✓ OK</span>{{end}}
                            </td>
                            <td class="reason">{{.Note}}</td>
                        </tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
            {{end}}

            {{if .Report.Thresholds}}
            <div class="section">
                <h2>Thresholds ({{.ThresholdsPassed}}/{{.ThresholdsTotal}} Passed)</h2>
                <table>
                    <thead>
                        <tr><th>Threshold</th><th>Expected</th><th>Actual</th><th>Status</th></tr>
                    </thead>
                    <tbody>
                        {{range .Report.Thresholds}}
                        <tr>
                            <td>{{.Threshold.Raw}}</td>
                            <td>{{.Threshold.Operator}} {{formatFloat .Threshold.Value}}</td>
                            <td>{{formatFloat .Actual}}</td>
                            <td>
                                {{if .Pass}}<span class="badge badge-success">✓ PASS</span>
                                {{else}}<span class="badge badge-error">✗ FAIL</span>{{end}}
                            </td>
                        </tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
            {{end}}

            {{if or .CounterNames .ErrorNames}}
            <div class="section">
                <h2>Counters &amp; Errors</h2>
                <table>
                    <thead>
                        <tr><th>Name</th><th>Kind</th><th>Count</th></tr>
                    </thead>
                    <tbody>
                        {{range .CounterNames}}
                        <tr><td>{{.}}</td><td>counter</td><td>{{counterFor .}}</td></tr>
                        {{end}}
                        {{range .ErrorNames}}
                        <tr><td>{{.}}</td><td>error</td><td>{{errorsFor .}}</td></tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
            {{end}}
        </div>
    </div>
</body>
</html>
`
