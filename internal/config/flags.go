package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags attaches the shared harness flags to a command so they are
// inherited by every subcommand.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.PersistentFlags())
}

// newFlagCommand creates a standalone command with all flags configured,
// used when loading outside a cobra command tree.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pelt",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all shared CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Target and pacing
	flags.String("target", "", "Base URL of the chat deployment under test")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")
	flags.Duration("timeout", 30*time.Second, "Per-request timeout")
	flags.IntP("rate", "r", 0, "Operations-per-second cap for paced scenarios (0 means unpaced)")
	flags.String("arrival-model", string(ArrivalModelUniform), "Arrival model when pacing operations (uniform or poisson)")
	flags.Int64("seed", 0, "Seed for randomized workloads (0 derives one from the clock)")

	// Classification and convergence
	flags.StringSlice("marker", nil, "Expected-failure marker matched against rejection bodies (repeatable)")
	flags.Duration("poll-interval", 100*time.Millisecond, "Convergence poll interval")
	flags.Duration("poll-max-wait", 3*time.Second, "Convergence poll budget")

	// Chaos and timing
	flags.String("payloads", "", "Path to YAML catalog of malformed chaos payloads")
	flags.Bool("strict-timing", false, "Fail timing checks that miss their target instead of warning")

	// Output
	flags.Bool("json", false, "Emit the final report as JSON")
	flags.String("out", "", "Write the report to a file in addition to stdout")
	flags.Bool("dashboard", false, "Show live terminal dashboard while scenarios run")
	flags.BoolP("verbose", "v", false, "Debug-level logging")
	flags.BoolP("quiet", "q", false, "Warn-level logging only")

	// Pass/fail
	flags.StringSlice("threshold", nil, "Pass/fail threshold (repeatable, e.g. 'register:p95 < 800')")

	// Tracing
	flags.Bool("trace", false, "Enable OpenTelemetry tracing")
	flags.String("trace-endpoint", "localhost:4317", "OTLP collector endpoint")
	flags.String("trace-protocol", string(TraceProtocolGRPC), "OTLP transport: 'grpc' or 'http'")
	flags.Float64("trace-sample-rate", 1.0, "Trace sampling ratio in [0, 1]")
	flags.Bool("trace-insecure", true, "Skip TLS for the OTLP exporter")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config,
// overriding values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("target") {
		val, err := fs.GetString("target")
		if err != nil {
			return err
		}
		cfg.TargetURL = strings.TrimSpace(val)
	}
	if fs.Changed("timeout") {
		val, err := fs.GetDuration("timeout")
		if err != nil {
			return err
		}
		cfg.Timeout = val
	}
	if fs.Changed("rate") {
		val, err := fs.GetInt("rate")
		if err != nil {
			return err
		}
		cfg.Rate = val
	}
	if fs.Changed("arrival-model") {
		val, err := fs.GetString("arrival-model")
		if err != nil {
			return err
		}
		cfg.Arrival.Model = ArrivalModel(strings.ToLower(strings.TrimSpace(val)))
	}
	if fs.Changed("seed") {
		val, err := fs.GetInt64("seed")
		if err != nil {
			return err
		}
		cfg.Seed = val
	}
	if fs.Changed("marker") {
		val, err := fs.GetStringSlice("marker")
		if err != nil {
			return err
		}
		cfg.Markers = val
	}
	if fs.Changed("poll-interval") {
		val, err := fs.GetDuration("poll-interval")
		if err != nil {
			return err
		}
		cfg.Poll.Interval = val
	}
	if fs.Changed("poll-max-wait") {
		val, err := fs.GetDuration("poll-max-wait")
		if err != nil {
			return err
		}
		cfg.Poll.MaxWait = val
	}
	if fs.Changed("payloads") {
		val, err := fs.GetString("payloads")
		if err != nil {
			return err
		}
		cfg.Scenarios.Chaos.PayloadFile = strings.TrimSpace(val)
	}
	if fs.Changed("strict-timing") {
		val, err := fs.GetBool("strict-timing")
		if err != nil {
			return err
		}
		cfg.Timing.Strict = val
	}
	if fs.Changed("json") {
		val, err := fs.GetBool("json")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("out") {
		val, err := fs.GetString("out")
		if err != nil {
			return err
		}
		cfg.OutFile = strings.TrimSpace(val)
	}
	if fs.Changed("dashboard") {
		val, err := fs.GetBool("dashboard")
		if err != nil {
			return err
		}
		cfg.Dashboard = val
	}
	if fs.Changed("verbose") {
		val, err := fs.GetBool("verbose")
		if err != nil {
			return err
		}
		cfg.Verbose = val
	}
	if fs.Changed("quiet") {
		val, err := fs.GetBool("quiet")
		if err != nil {
			return err
		}
		cfg.Quiet = val
	}
	if fs.Changed("threshold") {
		val, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = val
	}
	if fs.Changed("trace") {
		val, err := fs.GetBool("trace")
		if err != nil {
			return err
		}
		cfg.Tracing.Enabled = val
	}
	if fs.Changed("trace-endpoint") {
		val, err := fs.GetString("trace-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = strings.TrimSpace(val)
	}
	if fs.Changed("trace-protocol") {
		val, err := fs.GetString("trace-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = TraceProtocol(strings.ToLower(strings.TrimSpace(val)))
	}
	if fs.Changed("trace-sample-rate") {
		val, err := fs.GetFloat64("trace-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("trace-insecure") {
		val, err := fs.GetBool("trace-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}

	return nil
}
