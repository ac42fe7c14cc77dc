// Package dashboard renders a live terminal view of the running session.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/agora-im/pelt/internal/metrics"
)

// SessionConfig holds the harness parameters shown in the summary panel.
type SessionConfig struct {
	TargetURL  string        // gateway base URL
	Scenarios  string        // scenario set being run, e.g. "all" or "smoke"
	Rate       int           // dispatch cap in units/sec (0 = unlimited)
	Timeout    time.Duration // per-request timeout
	Seed       int64         // workload seed
	ConfigFile string        // path to config file if used
}

// Dashboard renders a live terminal UI for session metrics.
type Dashboard struct {
	collector    *metrics.Collector
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownFunc func()
	wg           sync.WaitGroup
	mu           sync.Mutex

	grid            *ui.Grid
	throughputSpark *widgets.SparklineGroup
	latencyPara     *widgets.Paragraph
	opsGauge        *widgets.Gauge
	errorList       *widgets.List
	operationList   *widgets.List
	summaryPara     *widgets.Paragraph
	metricsPara     *widgets.Paragraph

	throughputHistory []float64
	peakOpsPerSec     float64
	startTime         time.Time
	sessionDuration   time.Duration
	cfg               SessionConfig
}

// New creates a Dashboard. Callers fall back to the plain progress line when
// the terminal cannot be initialized.
func New(collector *metrics.Collector, cfg SessionConfig, shutdownFunc func()) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("initialize termui: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dashboard{
		collector:         collector,
		ctx:               ctx,
		cancel:            cancel,
		shutdownFunc:      shutdownFunc,
		throughputHistory: make([]float64, 0, 100),
		startTime:         time.Now(),
		cfg:               cfg,
	}

	d.initWidgets()
	d.setupGrid()

	return d, nil
}

func (d *Dashboard) initWidgets() {
	sparkline := widgets.NewSparkline()
	sparkline.Title = "ops/sec"
	sparkline.LineColor = ui.ColorGreen
	sparkline.Data = []float64{0}

	d.throughputSpark = widgets.NewSparklineGroup(sparkline)
	d.throughputSpark.Title = "Throughput"
	d.throughputSpark.BorderStyle.Fg = ui.ColorCyan

	d.latencyPara = widgets.NewParagraph()
	d.latencyPara.Title = "Slowest Operations (p99)"
	d.latencyPara.Text = "Awaiting data"
	d.latencyPara.BorderStyle.Fg = ui.ColorCyan

	d.opsGauge = widgets.NewGauge()
	d.opsGauge.Title = "Operations Per Second"
	d.opsGauge.Percent = 0
	d.opsGauge.BarColor = ui.ColorBlue
	d.opsGauge.BorderStyle.Fg = ui.ColorCyan
	d.opsGauge.LabelStyle = ui.NewStyle(ui.ColorWhite)

	d.errorList = widgets.NewList()
	d.errorList.Title = "Errors"
	d.errorList.Rows = []string{"No errors"}
	d.errorList.TextStyle = ui.NewStyle(ui.ColorYellow)
	d.errorList.BorderStyle.Fg = ui.ColorCyan

	d.operationList = widgets.NewList()
	d.operationList.Title = "Operations"
	d.operationList.Rows = []string{"Awaiting data"}
	d.operationList.TextStyle = ui.NewStyle(ui.ColorCyan)
	d.operationList.BorderStyle.Fg = ui.ColorCyan

	d.summaryPara = widgets.NewParagraph()
	d.summaryPara.Title = "Session"
	d.summaryPara.Text = "Initializing..."
	d.summaryPara.BorderStyle.Fg = ui.ColorCyan

	d.metricsPara = widgets.NewParagraph()
	d.metricsPara.Title = "Totals"
	d.metricsPara.Text = "Waiting for data..."
	d.metricsPara.BorderStyle.Fg = ui.ColorCyan
}

func (d *Dashboard) setupGrid() {
	termWidth, termHeight := ui.TerminalDimensions()

	d.grid = ui.NewGrid()
	d.grid.SetRect(0, 0, termWidth, termHeight)

	d.grid.Set(
		ui.NewRow(0.14,
			ui.NewCol(1.0, d.summaryPara),
		),
		ui.NewRow(0.18,
			ui.NewCol(0.5, d.opsGauge),
			ui.NewCol(0.5, d.metricsPara),
		),
		ui.NewRow(0.26,
			ui.NewCol(0.65, d.throughputSpark),
			ui.NewCol(0.35, d.latencyPara),
		),
		ui.NewRow(0.42,
			ui.NewCol(0.55, d.operationList),
			ui.NewCol(0.45, d.errorList),
		),
	)
}

// Start begins the dashboard update loop.
func (d *Dashboard) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop stops the dashboard and restores the terminal.
func (d *Dashboard) Stop() {
	d.cancel()
	d.wg.Wait()
	d.sessionDuration = time.Since(d.startTime)
	ui.Close()
	// Give terminal time to restore
	time.Sleep(100 * time.Millisecond)
}

// GetFinalStats returns the statistics snapshot after the dashboard stopped.
func (d *Dashboard) GetFinalStats() metrics.Stats {
	return d.collector.Snapshot(d.sessionDuration)
}

func (d *Dashboard) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()

	d.render()

	for {
		select {
		case <-d.ctx.Done():
			for len(uiEvents) > 0 {
				<-uiEvents
			}
			return
		case e := <-uiEvents:
			select {
			case <-d.ctx.Done():
				return
			default:
			}

			switch e.ID {
			case "q", "<C-c>":
				if d.shutdownFunc != nil {
					d.shutdownFunc()
				}
				// Wait for Stop() to cancel the context.
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				d.grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				d.render()
			}
		case <-ticker.C:
			d.update()
			d.render()
		}
	}
}

// update refreshes all widget data from the collector.
func (d *Dashboard) update() {
	d.mu.Lock()
	defer d.mu.Unlock()

	elapsed := time.Since(d.startTime)
	stats := d.collector.Snapshot(elapsed)

	d.throughputHistory = append(d.throughputHistory, stats.OpsPerSec)
	if len(d.throughputHistory) > 100 {
		d.throughputHistory = d.throughputHistory[1:]
	}
	d.throughputSpark.Sparklines[0].Data = d.throughputHistory
	d.throughputSpark.Title = fmt.Sprintf("Throughput | Current: %.1f ops/s", stats.OpsPerSec)

	if stats.OpsPerSec > d.peakOpsPerSec {
		d.peakOpsPerSec = stats.OpsPerSec
	}
	scale := d.peakOpsPerSec
	if scale < 100 {
		scale = 100
	}
	percent := int((stats.OpsPerSec / scale) * 100)
	if percent > 100 {
		percent = 100
	}
	d.opsGauge.Percent = percent
	d.opsGauge.Label = fmt.Sprintf("%.1f ops/s", stats.OpsPerSec)

	successRate := 0.0
	if stats.Total > 0 {
		successRate = (float64(stats.Successes) / float64(stats.Total)) * 100
	}

	d.summaryPara.Text = fmt.Sprintf(
		"Target: %s\n%s\nElapsed: %s | Total: %d | Success Rate: %.1f%%",
		d.cfg.TargetURL,
		d.formatSessionParams(),
		elapsed.Round(time.Second),
		stats.Total,
		successRate,
	)

	d.metricsPara.Text = fmt.Sprintf(
		"Total Operations:  %d\nSuccessful:        %d\nFailed:            %d\nIn Flight:         %d\nSession Errors:    %d\nServer Faults:     %d",
		stats.Total,
		stats.Successes,
		stats.Failures,
		d.collector.InFlight(),
		stats.SessionErrorCount,
		stats.Counters["server_faults"],
	)

	d.latencyPara.Text = formatSlowest(stats, 5)
	d.errorList.Rows = formatErrorRows(stats, 10)
	d.updateOperationList(stats)
}

func (d *Dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()

	ui.Render(d.grid)
}

func (d *Dashboard) updateOperationList(stats metrics.Stats) {
	if len(stats.Operations) == 0 {
		d.operationList.Rows = []string{"[No operations yet](fg:green)"}
		return
	}
	type opRow struct {
		name string
		stat metrics.OpStats
	}
	rows := make([]opRow, 0, len(stats.Operations))
	for name, stat := range stats.Operations {
		rows = append(rows, opRow{name: name, stat: stat})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].stat.Count == rows[j].stat.Count {
			return rows[i].name < rows[j].name
		}
		return rows[i].stat.Count > rows[j].stat.Count
	})
	formatted := make([]string, 0, len(rows))
	for _, entry := range rows {
		share := 0.0
		if stats.Total > 0 {
			share = (float64(entry.stat.Count) / float64(stats.Total)) * 100
		}
		formatted = append(formatted, fmt.Sprintf("[%s](fg:cyan) | %5.1f%% | n %d | p99 %5.1fms | err %d",
			entry.name,
			share,
			entry.stat.Count,
			entry.stat.P99Ms,
			entry.stat.Failures,
		))
	}
	d.operationList.Rows = formatted
}

// formatSlowest lists the highest-p99 operations, slowest first.
func formatSlowest(stats metrics.Stats, limit int) string {
	if len(stats.Operations) == 0 {
		return "Awaiting data"
	}
	names := make([]string, 0, len(stats.Operations))
	for name := range stats.Operations {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := stats.Operations[names[i]], stats.Operations[names[j]]
		if a.P99Ms == b.P99Ms {
			return names[i] < names[j]
		}
		return a.P99Ms > b.P99Ms
	})
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	lines := make([]string, 0, len(names))
	for _, name := range names {
		op := stats.Operations[name]
		lines = append(lines, fmt.Sprintf("%s: %.1fms (p50 %.1fms)", name, op.P99Ms, op.P50Ms))
	}
	return strings.Join(lines, "\n")
}

// formatErrorRows builds the error panel rows: transport-level session
// errors first, then per-type counts sorted by frequency.
func formatErrorRows(stats metrics.Stats, limit int) []string {
	rows := make([]string, 0, limit)
	if stats.SessionErrorCount > 0 {
		rows = append(rows, fmt.Sprintf("[transport/session](fg:red) %d", stats.SessionErrorCount))
	}
	type errRow struct {
		name  string
		count int
	}
	byType := make([]errRow, 0, len(stats.Errors))
	for name, count := range stats.Errors {
		byType = append(byType, errRow{name: name, count: count})
	}
	sort.Slice(byType, func(i, j int) bool {
		if byType[i].count == byType[j].count {
			return byType[i].name < byType[j].name
		}
		return byType[i].count > byType[j].count
	})
	for _, entry := range byType {
		if limit > 0 && len(rows) >= limit {
			break
		}
		rows = append(rows, fmt.Sprintf("[%s](fg:red) %d", entry.name, entry.count))
	}
	if len(rows) == 0 {
		return []string{"[No errors](fg:green)"}
	}
	return rows
}

// formatSessionParams formats the harness parameters for the summary panel.
func (d *Dashboard) formatSessionParams() string {
	var parts []string

	if d.cfg.Scenarios != "" {
		parts = append(parts, fmt.Sprintf("Scenarios: %s", d.cfg.Scenarios))
	}

	if d.cfg.Rate > 0 {
		parts = append(parts, fmt.Sprintf("Rate: %d/s", d.cfg.Rate))
	} else {
		parts = append(parts, "Rate: unlimited")
	}

	if d.cfg.Timeout > 0 {
		parts = append(parts, fmt.Sprintf("Timeout: %s", d.cfg.Timeout))
	}

	if d.cfg.Seed != 0 {
		parts = append(parts, fmt.Sprintf("Seed: %d", d.cfg.Seed))
	}

	if d.cfg.ConfigFile != "" {
		parts = append(parts, fmt.Sprintf("Config: %s", d.cfg.ConfigFile))
	}

	return strings.Join(parts, " | ")
}
