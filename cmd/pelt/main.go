// Command pelt drives load, chaos, and convergence-timing scenarios
// against an Agora chat deployment and reports pass/fail results.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agora-im/pelt/internal/agora"
	"github.com/agora-im/pelt/internal/config"
	"github.com/agora-im/pelt/internal/dashboard"
	"github.com/agora-im/pelt/internal/ident"
	"github.com/agora-im/pelt/internal/metrics"
	"github.com/agora-im/pelt/internal/output"
	"github.com/agora-im/pelt/internal/scenario"
	"github.com/agora-im/pelt/internal/threshold"
	"github.com/agora-im/pelt/internal/tracing"
)

const progressInterval = time.Second

// errSessionFailed marks a session that ran to completion but did not pass.
var errSessionFailed = errors.New("session failed: scenario verdicts or thresholds did not pass")

// usageError wraps configuration and flag mistakes so main can exit 2.
type usageError struct {
	err error
}

func (u *usageError) Error() string { return u.err.Error() }
func (u *usageError) Unwrap() error { return u.err }

func main() {
	err := run(os.Args[1:])
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var usage *usageError
	if errors.As(err, &usage) {
		os.Exit(2)
	}
	os.Exit(1)
}

func run(args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "pelt",
		Short: "Load, chaos, and timing harness for Agora chat deployments",
		Long: `pelt exercises an Agora chat gateway with provisioned accounts:
sequential smoke checks, concurrency storms, membership churn, message
floods, adversarial chaos, and convergence timing verification.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &usageError{fmt.Errorf("unknown command %q", args[0])}
			}
			return cmd.Help()
		},
	}

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	config.RegisterFlags(root)

	root.AddCommand(
		newSmokeCommand(),
		newLoadCommand(),
		newChaosCommand(),
		newDelayCommand(),
		newAllCommand(),
	)

	return root
}

// noArgs rejects positional arguments as usage errors so main exits 2.
func noArgs(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return &usageError{fmt.Errorf("unexpected argument %q", args[0])}
	}
	return nil
}

func newSmokeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run the sequential smoke scenario",
		Args:  noArgs,
	}
	flags := cmd.Flags()
	flags.Int("messages", 0, "Messages to exchange during the smoke conversation")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		if flags.Changed("messages") {
			cfg.Scenarios.Smoke.Messages, _ = flags.GetInt("messages")
		}
		return startSession(cmd.Context(), cfg, "smoke", scenario.SmokeSet())
	}
	return cmd
}

func newLoadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Run the load scenario family (storms, churn, flood, mixed)",
		Args:  noArgs,
	}
	flags := cmd.Flags()
	flags.Int("units", 0, "Unit count for the register and creation storms")
	flags.Int("concurrency", 0, "Worker count for every load scenario")
	flags.Int("churn-units", 0, "Join/leave cycles for the churn scenario")
	flags.Int("churn-accounts", 0, "Accounts cycling through the churn room")
	flags.Int("flood-rooms", 0, "Rooms flooded concurrently")
	flags.Int("flood-messages", 0, "Messages sent per flooded room")
	flags.Int("flood-rate", 0, "Send rate cap for the flood (messages/sec, 0 = session rate)")
	flags.Int("mixed-workers", 0, "Workers for the mixed randomized workload")
	flags.Duration("mixed-duration", 0, "Wall-clock budget for the mixed workload")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		applyLoadOverrides(cfg, cmd)
		return startSession(cmd.Context(), cfg, "load", scenario.LoadSet())
	}
	return cmd
}

func newChaosCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chaos",
		Short: "Run the adversarial scenarios (malformed payloads, races)",
		Args:  noArgs,
	}
	flags := cmd.Flags()
	flags.Int("units", 0, "Malformed requests to send")
	flags.Int("concurrency", 0, "Workers sending malformed requests")
	flags.Int("races", 0, "Contenders per race")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		if flags.Changed("units") {
			cfg.Scenarios.Chaos.Units, _ = flags.GetInt("units")
		}
		if flags.Changed("concurrency") {
			cfg.Scenarios.Chaos.Concurrency, _ = flags.GetInt("concurrency")
		}
		if flags.Changed("races") {
			cfg.Scenarios.Chaos.Races, _ = flags.GetInt("races")
		}
		return startSession(cmd.Context(), cfg, "chaos", scenario.ChaosSet())
	}
	return cmd
}

func newDelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delay",
		Short: "Run the convergence timing checks",
		Args:  noArgs,
	}
	flags := cmd.Flags()
	flags.Duration("message-sync", 0, "Target for a message to appear in the recipient's sync")
	flags.Duration("server-list", 0, "Target for a new server to appear in listings")
	flags.Duration("channel-usable", 0, "Target for a new channel to accept messages")
	flags.Duration("voice-clear", 0, "Target for a voice roster to clear after leave")
	flags.Duration("presence-spread", 0, "Target for a presence change to reach watchers")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		applyTimingOverrides(cfg, cmd)
		return startSession(cmd.Context(), cfg, "delay", scenario.DelaySet())
	}
	return cmd
}

func newAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run every scenario family: smoke, load, chaos, delay",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return startSession(cmd.Context(), cfg, "all", scenario.AllSet())
		},
	}
}

// resolveConfig builds the session config from defaults, the config file,
// and global flag overrides. Errors here are usage errors.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Resolve(cmd.Flags())
	if err != nil {
		return nil, &usageError{err}
	}
	return cfg, nil
}

func applyLoadOverrides(cfg *config.Config, cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("units") {
		units, _ := flags.GetInt("units")
		cfg.Scenarios.RegisterStorm.Units = units
		cfg.Scenarios.CreationStorm.Units = units
	}
	if flags.Changed("concurrency") {
		conc, _ := flags.GetInt("concurrency")
		cfg.Scenarios.RegisterStorm.Concurrency = conc
		cfg.Scenarios.CreationStorm.Concurrency = conc
		cfg.Scenarios.Churn.Concurrency = conc
		cfg.Scenarios.Flood.Concurrency = conc
	}
	if flags.Changed("churn-units") {
		cfg.Scenarios.Churn.Units, _ = flags.GetInt("churn-units")
	}
	if flags.Changed("churn-accounts") {
		cfg.Scenarios.Churn.Accounts, _ = flags.GetInt("churn-accounts")
	}
	if flags.Changed("flood-rooms") {
		cfg.Scenarios.Flood.Rooms, _ = flags.GetInt("flood-rooms")
	}
	if flags.Changed("flood-messages") {
		cfg.Scenarios.Flood.Messages, _ = flags.GetInt("flood-messages")
	}
	if flags.Changed("flood-rate") {
		cfg.Scenarios.Flood.Rate, _ = flags.GetInt("flood-rate")
	}
	if flags.Changed("mixed-workers") {
		cfg.Scenarios.Mixed.Workers, _ = flags.GetInt("mixed-workers")
	}
	if flags.Changed("mixed-duration") {
		cfg.Scenarios.Mixed.Duration, _ = flags.GetDuration("mixed-duration")
	}
}

func applyTimingOverrides(cfg *config.Config, cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("message-sync") {
		cfg.Timing.MessageSync, _ = flags.GetDuration("message-sync")
	}
	if flags.Changed("server-list") {
		cfg.Timing.ServerList, _ = flags.GetDuration("server-list")
	}
	if flags.Changed("channel-usable") {
		cfg.Timing.ChannelUsable, _ = flags.GetDuration("channel-usable")
	}
	if flags.Changed("voice-clear") {
		cfg.Timing.VoiceClear, _ = flags.GetDuration("voice-clear")
	}
	if flags.Changed("presence-spread") {
		cfg.Timing.PresenceSpread, _ = flags.GetDuration("presence-spread")
	}
}

// startSession validates the config, wires the environment, runs the
// scenario set, and emits the report. The returned error is nil only when
// every verdict and threshold passed.
func startSession(ctx context.Context, cfg *config.Config, setName string, scenarios []scenario.Scenario) error {
	if err := cfg.Validate(); err != nil {
		return &usageError{err}
	}

	// A bad threshold expression should abort before any load is generated.
	thresholds, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return &usageError{err}
	}

	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := ident.RunID()
	logger.Info("session starting",
		zap.String("run_id", runID),
		zap.String("target", cfg.TargetURL),
		zap.String("scenarios", setName),
		zap.Int64("seed", cfg.Seed))

	provider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector()
	client := agora.NewClient(cfg.TargetURL,
		agora.WithHTTPClient(agora.NewHTTPClient(cfg.Timeout)),
		agora.WithLogger(logger))

	env := &scenario.Env{
		Client:    client,
		Collector: collector,
		Config:    cfg,
		Logger:    logger,
		Tracer:    provider.Tracer(),
	}

	var dash *dashboard.Dashboard
	if cfg.Dashboard {
		dash, err = dashboard.New(collector, dashboard.SessionConfig{
			TargetURL:  cfg.TargetURL,
			Scenarios:  setName,
			Rate:       cfg.Rate,
			Timeout:    cfg.Timeout,
			Seed:       cfg.Seed,
			ConfigFile: cfg.ConfigFile,
		}, stop)
		if err != nil {
			logger.Warn("dashboard unavailable, using progress line", zap.Error(err))
			dash = nil
		} else {
			dash.Start()
		}
	}

	var progress *output.ProgressReporter
	if dash == nil && !cfg.JSONOutput && !cfg.Quiet {
		progress = output.NewProgressReporter(collector, progressInterval, os.Stdout)
		progress.Start()
	}

	// Mark the session baseline right before work starts so throughput
	// reflects scenario time, not setup time.
	collector.Start()
	start := time.Now()
	verdicts := scenario.Run(ctx, env, scenarios)
	elapsed := time.Since(start)

	if progress != nil {
		progress.Stop()
	}
	if dash != nil {
		dash.Stop()
	}

	stats := collector.Snapshot(elapsed)
	results := threshold.NewEvaluator(thresholds).Evaluate(stats)

	rep := output.Report{
		RunID:      runID,
		Target:     cfg.TargetURL,
		Seed:       cfg.Seed,
		Stats:      stats,
		Verdicts:   verdicts,
		Thresholds: results,
	}

	if err := emitReport(os.Stdout, cfg, rep); err != nil {
		return err
	}

	if ctx.Err() != nil {
		logger.Warn("session interrupted", zap.Int("verdicts", len(verdicts)))
	}

	if !rep.Pass() {
		return errSessionFailed
	}
	return nil
}

// emitReport writes the report to stdout and, when configured, to a file.
// The file format follows the extension: .html gets the standalone page,
// anything else gets JSON.
func emitReport(stdout io.Writer, cfg *config.Config, rep output.Report) error {
	if cfg.JSONOutput {
		if err := output.PrintJSONReport(stdout, rep); err != nil {
			return err
		}
	} else {
		output.PrintReport(stdout, rep)
	}

	if cfg.OutFile == "" {
		return nil
	}

	f, err := os.Create(cfg.OutFile)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(cfg.OutFile)) {
	case ".html", ".htm":
		err = output.GenerateHTMLReport(f, rep)
	default:
		err = output.PrintJSONReport(f, rep)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("write report file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report file: %w", err)
	}
	return nil
}

// buildLogger builds the session logger. Console output goes to stderr so
// the report and progress line own stdout.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch {
	case cfg.Verbose:
		level = zapcore.DebugLevel
	case cfg.Quiet:
		level = zapcore.WarnLevel
	}

	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	zcfg.DisableStacktrace = true
	return zcfg.Build()
}
